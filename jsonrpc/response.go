package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
)

// 1.0 responses always carry both result and error.
type response10 struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     json.RawMessage `json:"id"`
}

type response11 struct {
	Version string          `json:"version"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// 2.0 responses carry exactly one of result and error.
type response20 struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// EncodeResponse serializes outcomes. A batch is encoded as an array, a
// single call as one object. No outcomes encode to nil.
func EncodeResponse(outcomes []*Outcome, batch bool) ([]byte, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	if !batch {
		if len(outcomes) != 1 {
			return nil, errors.New("jsonrpc: single response with multiple outcomes")
		}
		return encodeOutcome(outcomes[0])
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, o := range outcomes {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := encodeOutcome(o)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// encodeOutcome falls back to a bare CodeInternalError when the error's Data
// cannot be encoded.
func encodeOutcome(o *Outcome) ([]byte, error) {
	b, err := json.Marshal(shape(o))
	if err == nil || o.Error == nil {
		return b, err
	}
	fallback := *o
	fallback.Error = NewError(CodeInternalError, "internal error: error data could not be encoded")
	return json.Marshal(shape(&fallback))
}

func shape(o *Outcome) any {
	id := o.ID
	if id == nil {
		id = jsonNull
	}
	result := o.Result
	if o.Error != nil {
		result = nil
	} else if result == nil {
		result = jsonNull
	}

	switch o.Version {
	case Version20:
		return response20{JSONRPC: "2.0", Result: result, Error: o.Error, ID: id}
	case Version11:
		return response11{Version: "1.1", Result: result, Error: o.Error, ID: id}
	default:
		return response10{Result: result, Error: o.Error, ID: id}
	}
}
