package jsonrpc

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
)

// Version identifies the protocol revision a call was made with.
type Version string

const (
	Version10 Version = "1.0"
	Version11 Version = "1.1"
	Version20 Version = "2.0"
)

var jsonNull = json.RawMessage("null")

// Params holds the arguments of a call as sent, before binding.
type Params struct {
	Positional []json.RawMessage
	// Indexed holds 1.1 object keys that are 1-based positions ("1", "2", ...).
	Indexed map[int]json.RawMessage
	Named   map[string]json.RawMessage
}

// Call is one parsed invocation.
type Call struct {
	Version Version
	Method  string
	Params  Params
	// ID is the request id as sent; nil when absent.
	ID json.RawMessage

	err *Error
	// reply forces a response: GET calls, and elements whose id could not
	// be read.
	reply bool
}

// Notification reports whether the caller expects no response. It depends
// only on the id, so an id-less call that fails validation is still silent.
func (c *Call) Notification() bool {
	if c.reply {
		return false
	}
	return isNull(c.ID)
}

// Err returns the error found while parsing the call, if any. Such calls are
// answered with the error instead of being dispatched.
func (c *Call) Err() *Error {
	return c.err
}

// Request is a parsed request body.
type Request struct {
	Calls []*Call
	Batch bool
}

// Parser turns request bodies into calls.
type Parser struct {
	// MaxBatch bounds the number of calls in a batch. Zero means no limit.
	MaxBatch int
}

// ParseRequest parses body with no batch limit.
func ParseRequest(body []byte) (*Request, error) {
	return Parser{}.Parse(body)
}

// Parse parses a request body. A returned error is an *Error describing a
// problem with the request as a whole; problems with individual calls are
// recorded on the Call and reported through Call.Err.
func (p Parser) Parse(body []byte) (*Request, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, errParse()
	}
	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, errParse()
		}
		if len(items) == 0 {
			return nil, errInvalidRequest("empty batch")
		}
		if p.MaxBatch > 0 && len(items) > p.MaxBatch {
			return nil, errInvalidRequest("batch of %d exceeds limit of %d", len(items), p.MaxBatch)
		}
		req := &Request{Calls: make([]*Call, len(items)), Batch: true}
		for i, item := range items {
			req.Calls[i] = parseCall(item, true)
		}
		return req, nil
	case '{':
		return &Request{Calls: []*Call{parseCall(body, false)}}, nil
	default:
		return nil, errInvalidRequest("body must be an object or an array")
	}
}

type envelope struct {
	JSONRPC json.RawMessage `json:"jsonrpc"`
	Version json.RawMessage `json:"version"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// parseCall parses one call object. Batch members are always 2.0.
func parseCall(raw json.RawMessage, batch bool) *Call {
	c := &Call{Version: Version20}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		c.err = errInvalidRequest("call must be an object")
		c.reply = true
		return c
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.err = errInvalidRequest("%v", err)
		c.reply = true
		return c
	}

	if !batch {
		c.Version = detectVersion(env)
	}

	if len(env.ID) > 0 {
		switch env.ID[0] {
		case '{', '[', 't', 'f':
			c.err = errInvalidRequest("id must be a string, number or null")
			c.reply = true
			return c
		}
		c.ID = env.ID
	}

	if err := json.Unmarshal(env.Method, &c.Method); err != nil || c.Method == "" {
		c.err = errInvalidRequest("method must be a non-empty string")
		return c
	}

	params, perr := parseParams(c.Version, env.Params)
	if perr != nil {
		c.err = perr
		return c
	}
	c.Params = params
	return c
}

func detectVersion(env envelope) Version {
	var s string
	if json.Unmarshal(env.JSONRPC, &s) == nil && s == "2.0" {
		return Version20
	}
	if json.Unmarshal(env.Version, &s) == nil && s == "1.1" {
		return Version11
	}
	return Version10
}

func parseParams(v Version, raw json.RawMessage) (Params, *Error) {
	var p Params
	if isNull(raw) {
		return p, nil
	}
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &p.Positional); err != nil {
			return p, errInvalidRequest("params: %v", err)
		}
		return p, nil
	case '{':
		if v == Version10 {
			return p, errInvalidRequest("params must be an array in JSON-RPC 1.0")
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return p, errInvalidRequest("params: %v", err)
		}
		for k, val := range obj {
			if v == Version11 {
				if n, ok := indexKey(k); ok {
					if p.Indexed == nil {
						p.Indexed = make(map[int]json.RawMessage)
					}
					p.Indexed[n] = val
					continue
				}
			}
			if p.Named == nil {
				p.Named = make(map[string]json.RawMessage)
			}
			p.Named[k] = val
		}
		return p, nil
	default:
		return p, errInvalidRequest("params must be an array or an object")
	}
}

// ParseQuery builds a 1.1 call from a GET request. Each query key is a
// 1-based position or a parameter name; values are passed as JSON strings,
// and a repeated key becomes an array of strings. The result always expects a
// response, with a null id.
func ParseQuery(method string, q url.Values) (*Call, error) {
	if method == "" {
		return nil, errInvalidRequest("method must be a non-empty string")
	}
	c := &Call{Version: Version11, Method: method, ID: jsonNull, reply: true}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := q[k]
		var val json.RawMessage
		var err error
		if len(vs) == 1 {
			val, err = json.Marshal(vs[0])
		} else {
			val, err = json.Marshal(vs)
		}
		if err != nil {
			return nil, errInvalidRequest("query %q: %v", k, err)
		}
		if n, ok := indexKey(k); ok {
			if c.Params.Indexed == nil {
				c.Params.Indexed = make(map[int]json.RawMessage)
			}
			c.Params.Indexed[n] = val
			continue
		}
		if c.Params.Named == nil {
			c.Params.Named = make(map[string]json.RawMessage)
		}
		c.Params.Named[k] = val
	}
	return c, nil
}

// indexKey reports whether k is a 1.1 positional key. Only the canonical
// decimal form counts, so "01" and "+1" are names and never collide with "1".
func indexKey(k string) (int, bool) {
	n, err := strconv.Atoi(k)
	if err != nil || strconv.Itoa(n) != k {
		return 0, false
	}
	return n, true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, jsonNull)
}
