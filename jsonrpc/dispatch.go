package jsonrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"

	"github.com/mnehpets/rpcsite/middleware"
)

// Outcome is the result of one non-notification call. Exactly one of Result
// and Error is set.
type Outcome struct {
	Version Version
	ID      json.RawMessage
	Result  json.RawMessage
	Error   *Error
}

// Authenticator reports the principal making the current request.
type Authenticator func(ctx context.Context) (principal string, ok bool)

// SessionUser is the default Authenticator: the username of the logged-in
// cookie session, if any.
func SessionUser(ctx context.Context) (string, bool) {
	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		return "", false
	}
	return sess.Username()
}

// Dispatcher resolves, binds and invokes calls.
type Dispatcher struct {
	Registry *Registry
	Logger   *zap.Logger
	// Authenticator guards Authenticated methods. Nil means SessionUser.
	Authenticator Authenticator
	// Concurrency > 1 runs batch members in parallel, at most this many at once.
	Concurrency int
	Metrics     *Metrics
}

type callKey struct{}

// CallFromContext returns the call being dispatched. Handlers use it to see
// the protocol version or the request id.
func CallFromContext(ctx context.Context) (*Call, bool) {
	c, ok := ctx.Value(callKey{}).(*Call)
	return c, ok
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Dispatch runs one call. It returns nil for notifications; their failures
// are only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call) *Outcome {
	start := time.Now()
	label, result, rpcErr := d.invoke(ctx, call)

	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	d.Metrics.observe(label, code, time.Since(start))

	if call.Notification() {
		if rpcErr != nil {
			d.logger().Debug("jsonrpc notification failed",
				zap.String("method", call.Method),
				zap.Int("code", rpcErr.Code),
				zap.String("request_id", middleware.RequestIDFromContext(ctx)),
				zap.Error(rpcErr))
		}
		return nil
	}

	out := &Outcome{Version: call.Version, ID: call.ID}
	if out.ID == nil {
		out.ID = jsonNull
	}
	if rpcErr != nil {
		out.Error = rpcErr
	} else {
		out.Result = result
	}
	return out
}

// invoke returns the metrics label for the call along with its encoded
// result or error.
func (d *Dispatcher) invoke(ctx context.Context, call *Call) (string, json.RawMessage, *Error) {
	const unknown = "unknown"
	if err := call.Err(); err != nil {
		return unknown, nil, err
	}
	m, err := d.Registry.Resolve(call.Method)
	if err != nil {
		return unknown, nil, asError(err)
	}

	if m.Authenticated {
		auth := d.Authenticator
		if auth == nil {
			auth = SessionUser
		}
		if _, ok := auth(ctx); !ok {
			return m.Name, nil, NewError(CodeUnauthorized, "authentication required")
		}
	}

	args, err := Bind(call, m.Params)
	if err != nil {
		return m.Name, nil, asError(err)
	}

	v, err := d.call(context.WithValue(ctx, callKey{}, call), m, args)
	if e, ok := err.(*Error); ok && e == nil {
		err = nil
	}
	if err != nil {
		rpcErr := asError(err)
		d.logger().Debug("jsonrpc handler error",
			zap.String("method", m.Name),
			zap.Int("code", rpcErr.Code),
			zap.String("request_id", middleware.RequestIDFromContext(ctx)),
			zap.Error(err))
		return m.Name, nil, rpcErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		d.logger().Error("jsonrpc result not encodable",
			zap.String("method", m.Name),
			zap.Error(err))
		return m.Name, nil, NewError(CodeInternalError, "internal error: result could not be encoded")
	}
	return m.Name, b, nil
}

func (d *Dispatcher) call(ctx context.Context, m *Method, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Error("jsonrpc handler panic",
				zap.String("method", m.Name),
				zap.String("request_id", middleware.RequestIDFromContext(ctx)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result, err = nil, NewError(CodeServerError, "internal error")
		}
	}()
	return m.Handler(ctx, args)
}

// DispatchAll runs calls in order, or in parallel when Concurrency > 1, and
// returns the outcomes of the non-notifications in call order.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []*Call) []*Outcome {
	results := make([]*Outcome, len(calls))
	if d.Concurrency > 1 && len(calls) > 1 {
		g, run := taskgroup.New(nil).Limit(d.Concurrency)
		for i, c := range calls {
			run(func() error {
				results[i] = d.Dispatch(ctx, c)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, c := range calls {
			results[i] = d.Dispatch(ctx, c)
		}
	}

	out := results[:0]
	for _, o := range results {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}
