package jsonrpc

import (
	"encoding/json"
	"sort"
)

// Args are bound arguments, one JSON value per declared parameter.
type Args []json.RawMessage

// Decode unmarshals argument i into v. Failures are CodeInvalidParams errors.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return errInvalidParams("no argument %d", i+1)
	}
	raw := a[i]
	if raw == nil {
		raw = jsonNull
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errInvalidParams("argument %d: %v", i+1, err)
	}
	return nil
}

// Scan decodes the arguments into dst in order. A nil destination skips its
// argument.
func (a Args) Scan(dst ...any) error {
	if len(dst) > len(a) {
		return errInvalidParams("want %d arguments, have %d", len(dst), len(a))
	}
	for i, v := range dst {
		if v == nil {
			continue
		}
		if err := a.Decode(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Bind maps the parameters of call onto params. Defaults are applied first,
// then positional values, then 1-based indexed keys, then names. Supplying a
// slot twice, naming an unknown parameter, overflowing the signature or
// omitting a required parameter is a CodeInvalidParams error.
func Bind(call *Call, params []Param) (Args, error) {
	args := make(Args, len(params))
	filled := make([]bool, len(params))
	for i, p := range params {
		if p.Optional {
			def, err := encodeDefault(p.Default)
			if err != nil {
				return nil, Errorf(CodeInternalError, "default for %q: %v", p.Name, err)
			}
			args[i] = def
		}
	}

	pos := call.Params.Positional
	if len(pos) > len(params) {
		return nil, errInvalidParams("got %d positional arguments, want at most %d", len(pos), len(params))
	}
	for i, v := range pos {
		args[i] = v
		filled[i] = true
	}

	if len(call.Params.Indexed) > 0 {
		idx := make([]int, 0, len(call.Params.Indexed))
		for n := range call.Params.Indexed {
			idx = append(idx, n)
		}
		sort.Ints(idx)
		for _, n := range idx {
			if n < 1 || n > len(params) {
				return nil, errInvalidParams("parameter index %d out of range", n)
			}
			if filled[n-1] {
				return nil, errInvalidParams("parameter %q supplied more than once", params[n-1].Name)
			}
			args[n-1] = call.Params.Indexed[n]
			filled[n-1] = true
		}
	}

	if len(call.Params.Named) > 0 {
		names := make([]string, 0, len(call.Params.Named))
		for k := range call.Params.Named {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, name := range names {
			i := paramIndex(params, name)
			if i < 0 {
				return nil, errInvalidParams("unknown parameter %q", name)
			}
			if filled[i] {
				return nil, errInvalidParams("parameter %q supplied more than once", name)
			}
			args[i] = call.Params.Named[name]
			filled[i] = true
		}
	}

	for i, p := range params {
		if !filled[i] && !p.Optional {
			return nil, errInvalidParams("missing required parameter %q", p.Name)
		}
	}
	return args, nil
}

func paramIndex(params []Param, name string) int {
	for i, p := range params {
		if p.Name == name {
			return i
		}
	}
	return -1
}
