package main

import (
	"context"
	"errors"

	"github.com/mnehpets/rpcsite/jsonrpc"
)

// echo returns its first argument unchanged.
func echo(_ context.Context, args jsonrpc.Args) (any, error) {
	var v any
	if err := args.Scan(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// demoMethods are the methods served by jsonrpcd.
func demoMethods() []jsonrpc.Method {
	return []jsonrpc.Method{
		{
			Name:    "jsonrpc.test",
			Params:  []jsonrpc.Param{{Name: "string", Type: "str"}},
			Summary: "Echo the argument.",
			Returns: "any",
			Handler: echo,
		},
		{
			Name:    "jsonrpc.notify",
			Params:  []jsonrpc.Param{{Name: "string", Type: "str"}},
			Summary: "Accept a notification and do nothing.",
			Returns: "nil",
			Handler: func(context.Context, jsonrpc.Args) (any, error) { return nil, nil },
		},
		{
			Name:    "jsonrpc.fails",
			Params:  []jsonrpc.Param{{Name: "string", Type: "str"}},
			Summary: "Always fail.",
			Handler: func(context.Context, jsonrpc.Args) (any, error) { return nil, errors.New("") },
		},
		{
			Name: "jsonrpc.strangeEcho",
			Params: []jsonrpc.Param{
				{Name: "string"}, {Name: "omg"}, {Name: "wtf"}, {Name: "nowai"},
				{Name: "yeswai", Optional: true, Default: "Default"},
			},
			Summary: "Echo every argument, in declaration order.",
			Returns: "arr",
			Handler: func(_ context.Context, args jsonrpc.Args) (any, error) {
				out := make([]any, len(args))
				for i := range args {
					if err := args.Decode(i, &out[i]); err != nil {
						return nil, err
					}
				}
				return out, nil
			},
		},
		{
			Name:    "jsonrpc.safeEcho",
			Params:  []jsonrpc.Param{{Name: "string", Type: "str"}},
			Safe:    true,
			Summary: "Echo the argument; callable with GET.",
			Returns: "any",
			Handler: echo,
		},
	}
}
