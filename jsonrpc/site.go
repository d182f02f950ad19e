package jsonrpc

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mnehpets/rpcsite/endpoint"
	"github.com/mnehpets/rpcsite/middleware"
)

// DefaultMaxBatch bounds batch size unless WithMaxBatch says otherwise.
const DefaultMaxBatch = 100

// Site serves a registry of methods over HTTP. Register methods, then mount
// Endpoint with endpoint.Handler. The registry is frozen by the first request.
type Site struct {
	name       string
	serviceURL string
	describe   bool

	registry   *Registry
	parser     Parser
	dispatcher *Dispatcher
	logger     *zap.Logger
	metricsReg prometheus.Registerer
}

// Option configures a Site.
type Option func(*Site)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Site) { s.logger = l }
}

// WithMetrics records per-method metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Site) { s.metricsReg = reg }
}

// WithAuthenticator sets how Authenticated methods find their principal.
// The default is SessionUser.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Site) { s.dispatcher.Authenticator = a }
}

// WithConcurrency lets batch members run in parallel, n at a time.
func WithConcurrency(n int) Option {
	return func(s *Site) { s.dispatcher.Concurrency = n }
}

// WithMaxBatch bounds the number of calls in a batch. Zero means no limit.
func WithMaxBatch(n int) Option {
	return func(s *Site) { s.parser.MaxBatch = n }
}

// WithName sets the service name reported by system.describe.
func WithName(name string) Option {
	return func(s *Site) { s.name = name }
}

// WithServiceURL sets the address reported by system.describe.
func WithServiceURL(u string) Option {
	return func(s *Site) { s.serviceURL = u }
}

// WithDescribe controls whether system.describe is registered. It is on by
// default.
func WithDescribe(enabled bool) Option {
	return func(s *Site) { s.describe = enabled }
}

// NewSite creates a Site. It panics if the metrics collectors cannot be
// registered.
func NewSite(opts ...Option) *Site {
	s := &Site{
		name:       "jsonrpc",
		describe:   true,
		registry:   NewRegistry(),
		parser:     Parser{MaxBatch: DefaultMaxBatch},
		dispatcher: &Dispatcher{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.dispatcher.Registry = s.registry
	s.dispatcher.Logger = s.logger
	if s.metricsReg != nil {
		m, err := NewMetrics(s.metricsReg)
		if err != nil {
			panic(err)
		}
		s.dispatcher.Metrics = m
	}
	if s.describe {
		s.registry.MustRegister(s.describeMethod())
	}
	return s
}

// ID is a stable identifier derived from the service name.
func (s *Site) ID() string {
	return "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.name)).String()
}

// Register adds a method.
func (s *Site) Register(m Method) error {
	return s.registry.Register(m)
}

// MustRegister adds a method and panics on error.
func (s *Site) MustRegister(m Method) {
	s.registry.MustRegister(m)
}

// Registry exposes the registry, mainly for listing methods.
func (s *Site) Registry() *Registry {
	return s.registry
}

// Handle serves a request body received with the given HTTP method. It
// returns the status code and the encoded response; a nil response means
// there is nothing to send (204).
func (s *Site) Handle(ctx context.Context, httpMethod string, body []byte) (int, []byte) {
	s.registry.Freeze()
	if httpMethod != http.MethodPost {
		return s.fail(ctx, http.StatusMethodNotAllowed, Version20, errInvalidRequest("%s not allowed, use POST", httpMethod))
	}

	req, err := s.parser.Parse(body)
	if err != nil {
		return s.fail(ctx, http.StatusInternalServerError, Version20, asError(err))
	}
	s.logger.Debug("jsonrpc request",
		zap.Int("calls", len(req.Calls)),
		zap.Bool("batch", req.Batch),
		zap.String("request_id", middleware.RequestIDFromContext(ctx)))

	outcomes := s.dispatcher.DispatchAll(ctx, req.Calls)
	return s.respond(ctx, outcomes, req.Batch)
}

// HandleQuery serves a GET invocation of method with arguments taken from q.
// Only Safe methods may be called this way.
func (s *Site) HandleQuery(ctx context.Context, method string, q url.Values) (int, []byte) {
	s.registry.Freeze()
	call, err := ParseQuery(method, q)
	if err != nil {
		return s.fail(ctx, http.StatusInternalServerError, Version11, asError(err))
	}
	if m, err := s.registry.Resolve(method); err == nil && !m.Safe {
		return s.fail(ctx, http.StatusMethodNotAllowed, Version11,
			errInvalidRequest("method %s is not safe to call with GET", method))
	}
	return s.respond(ctx, []*Outcome{s.dispatcher.Dispatch(ctx, call)}, false)
}

func (s *Site) respond(ctx context.Context, outcomes []*Outcome, batch bool) (int, []byte) {
	body, err := EncodeResponse(outcomes, batch)
	if err != nil {
		s.logger.Error("jsonrpc response encoding failed", zap.Error(err))
		return s.fail(ctx, http.StatusInternalServerError, Version20, NewError(CodeInternalError, "internal error"))
	}
	if body == nil {
		return http.StatusNoContent, nil
	}
	if !batch {
		if o := outcomes[0]; o.Error != nil && o.Version != Version20 {
			return http.StatusInternalServerError, body
		}
	}
	return http.StatusOK, body
}

// fail encodes a request-level error, which always has a null id.
func (s *Site) fail(ctx context.Context, status int, v Version, e *Error) (int, []byte) {
	s.logger.Debug("jsonrpc request rejected",
		zap.Int("status", status),
		zap.Int("code", e.Code),
		zap.String("request_id", middleware.RequestIDFromContext(ctx)),
		zap.Error(e))
	body, err := encodeOutcome(&Outcome{Version: v, ID: jsonNull, Error: e})
	if err != nil {
		return http.StatusInternalServerError, nil
	}
	return status, body
}

// rpcParams carries the raw request, with POST bodies capped at 1MB. Parsing
// happens in the Site because JSON-RPC reports malformed bodies as protocol
// errors, not HTTP 400s.
type rpcParams struct {
	Method string     `path:"method"`
	Query  url.Values `query:"*"`
	Body   []byte     `body:"" maxLength:"1048576"`
}

// Endpoint is the endpoint.EndpointFunc for the Site. Mount it on a pattern
// with a trailing {method...} wildcard to allow GET calls:
//
//	http.Handle("/json/{method...}", endpoint.Handler(site.Endpoint, procs...))
func (s *Site) Endpoint(w http.ResponseWriter, r *http.Request, params rpcParams) (endpoint.Renderer, error) {
	var status int
	var body []byte
	switch r.Method {
	case http.MethodPost:
		// The body is parsed whatever its Content-Type; form-encoded posts
		// from older clients carry JSON too.
		status, body = s.Handle(r.Context(), r.Method, params.Body)
	case http.MethodGet:
		status, body = s.HandleQuery(r.Context(), params.Method, params.Query)
	default:
		w.Header().Set("Allow", "GET, POST")
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST or GET", nil)
	}

	if status == http.StatusNoContent {
		return &endpoint.NoContentRenderer{}, nil
	}
	return &endpoint.BytesRenderer{Status: status, Body: body}, nil
}
