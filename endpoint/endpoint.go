// Package endpoint provides a type-safe abstraction for building HTTP handlers.
//
// A request passes through three phases:
//
//  1. Unmarshal: the EndpointHandler decodes the request (path, query, body,
//     headers) into a typed params struct using struct tags.
//  2. Endpoint: the EndpointFunc receives the decoded params, runs the business
//     logic and returns a Renderer. It does not write to the response.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors are chained in front of the EndpointFunc as middleware. The
// jsonrpc package uses this to put sessions, bearer tokens, rate limits and
// request ids in front of its dispatcher:
//
//	site := jsonrpc.NewSite()
//	http.Handle("/json/{method...}", endpoint.Handler(site.Endpoint, procs...))
//
// Supported Renderers:
//   - JSONRenderer: serializes a value as JSON.
//   - BytesRenderer: writes an already-encoded body.
//   - StringRenderer: writes a plain string.
//   - NoContentRenderer: writes a status code with no body.
//   - RedirectRenderer: redirects the client.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// EndpointError is a transport-level failure with an HTTP status: a wrong
// verb, an oversize body, a rate limit or a rejected bearer token. Protocol
// errors never use it; the jsonrpc package encodes those in the body.
type EndpointError struct {
	Status int
	// Message is the plain-text response body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error returns an EndpointError, or err itself when it already is one.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

func newEndpointError(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes the response. The Site hands back fully encoded JSON-RPC
// bodies, so a Render error means the connection failed mid-write.
//
// Render must call w.WriteHeader.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor wraps the rest of the chain. It may set headers, put values
// (session, bearer user, request id) in the request context, or refuse the
// request by returning an error instead of calling next. It never writes the
// status or body; state that has to reach the response goes through Defer.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc handles a request whose params P were filled by Unmarshal and
// returns the Renderer for the response.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler serves an EndpointFunc behind its processors.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler returns an EndpointHandler, inferring P from fn.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers a function to be called before the response headers are written.
// The function fn must not call WriteHeader itself.
//
// Outside an EndpointHandler there is no hooks registry and Defer is a silent
// no-op; processors relying on it (sessions) will not persist state.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs, in LIFO order, all functions registered via Defer and clears
// them. It is called once before headers are written.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if !ok || hooks == nil {
		return
	}
	for i := len(*hooks) - 1; i >= 0; i-- {
		(*hooks)[i](w)
	}
	*hooks = nil
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	if err := h.run(0, w, r); err != nil {
		Commit(r.Context(), w)
		writeError(w, err)
	}
}

// run calls the i'th processor, whose next continues the chain; past the last
// processor it decodes params, calls the EndpointFunc and renders.
func (h *EndpointHandler[P]) run(i int, w http.ResponseWriter, r *http.Request) error {
	if i < len(h.Processors) {
		if h.Processors[i] == nil {
			return errors.New("endpoint: nil processor")
		}
		return h.Processors[i].Process(w, r, func(w2 http.ResponseWriter, r2 *http.Request) error {
			return h.run(i+1, w2, r2)
		})
	}

	// P must be a struct type, or a pointer to a struct type. This is
	// enforced by Unmarshal at runtime rather than by the type system.
	var params P
	if err := Unmarshal(r, &params); err != nil {
		return err
	}
	renderer, err := h.Endpoint(w, r, params)
	if err != nil {
		return err
	}
	if renderer == nil {
		return errors.New("endpoint: nil renderer")
	}
	if c, ok := renderer.(io.Closer); ok {
		defer c.Close()
	}

	Commit(r.Context(), w)
	return renderer.Render(w, r)
}

// writeError renders err as a plain-text HTTP error. EndpointErrors carry
// their own status; anything else is a 500. Statuses below 400 (such as a 204
// from a CORS preflight short-circuit) are written without a body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
	}
	if status < http.StatusBadRequest {
		w.WriteHeader(status)
		return
	}
	http.Error(w, message, status)
}
