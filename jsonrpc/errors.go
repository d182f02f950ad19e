package jsonrpc

import (
	"errors"
	"fmt"
)

// Wire error codes. The negative codes are the JSON-RPC 2.0 reserved range;
// CodeServerError and CodeUnauthorized are used for handler failures and for
// authenticated methods called without a principal.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = 500
	CodeUnauthorized   = 401
)

// Error is a JSON-RPC error object. Handlers return an *Error to choose the
// code seen by the client; any other error is reported as CodeServerError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError creates an *Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errParse() *Error { return NewError(CodeParseError, "parse error") }

func errInvalidRequest(format string, args ...any) *Error {
	return Errorf(CodeInvalidRequest, "invalid request: "+format, args...)
}

func errInvalidParams(format string, args ...any) *Error {
	return Errorf(CodeInvalidParams, "invalid params: "+format, args...)
}

func errMethodNotFound(name string) *Error {
	return Errorf(CodeMethodNotFound, "method not found: %s", name)
}

// asError converts err into a wire error. An *Error anywhere in the chain
// keeps its code. Anything else becomes CodeServerError carrying the error's
// message, or "internal error" when the message is empty.
func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	msg := err.Error()
	if msg == "" {
		msg = "internal error"
	}
	return NewError(CodeServerError, msg)
}

// ErrRegistryFrozen is returned by Register once the registry has been frozen.
var ErrRegistryFrozen = errors.New("jsonrpc: registry is frozen")

// DuplicateMethodError reports an attempt to register a name twice.
type DuplicateMethodError struct {
	Name string
}

func (e *DuplicateMethodError) Error() string {
	return fmt.Sprintf("jsonrpc: method %q already registered", e.Name)
}
