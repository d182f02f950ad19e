// Package jsonrpc serves JSON-RPC 1.0, 1.1 and 2.0 over the endpoint
// framework's processor chain.
//
// A request body is parsed into calls, each call is bound to a registered
// method's parameters, invoked, and the outcomes are encoded in the shape of
// the version each call used. Batches (2.0 only) isolate their members: one
// failing call never affects another, and notifications produce no output.
//
// # Basic Usage
//
//	site := jsonrpc.NewSite(jsonrpc.WithLogger(logger))
//	site.MustRegister(jsonrpc.Method{
//	    Name:   "math.add",
//	    Params: []jsonrpc.Param{{Name: "a"}, {Name: "b"}, {Name: "c", Optional: true, Default: 0}},
//	    Handler: func(ctx context.Context, args jsonrpc.Args) (any, error) {
//	        var a, b, c int
//	        if err := args.Scan(&a, &b, &c); err != nil {
//	            return nil, err
//	        }
//	        return a + b + c, nil
//	    },
//	})
//	http.Handle("/json/{method...}", endpoint.Handler(site.Endpoint))
//
// # Parameters
//
// Arguments may be sent as an array (positional), an object (by name), or in
// 1.1 an object mixing names with 1-based position keys ("1", "2"). Omitted
// optional parameters take their defaults. Supplying the same parameter twice,
// naming an unknown one, or omitting a required one fails with
// CodeInvalidParams.
//
// # Errors
//
// Return an *Error to choose the code:
//
//	return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "division by zero")
//
// Any other error is reported with CodeServerError (500) and its message.
// Panics are recovered and reported as 500 "internal error".
//
// # HTTP
//
// POST carries the request body. GET /json/{method}?a=1&b=2 calls a Safe
// method with string arguments; unsafe methods answer 405. Single 1.x calls
// that fail answer 500; 2.0 responses and batches answer 200; requests that
// produce no output answer 204.
//
// Processors passed to endpoint.Handler run first; their errors are HTTP
// error responses, not JSON-RPC errors.
package jsonrpc
