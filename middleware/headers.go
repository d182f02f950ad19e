package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mnehpets/rpcsite/endpoint"
)

// HeadersProcessor sets security headers suited to a JSON API and, when
// configured, CORS headers.
//
// Defaults from NewHeadersProcessor:
//   - X-Content-Type-Options: nosniff
//   - Cache-Control: no-store
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - Referrer-Policy: no-referrer
//   - X-Frame-Options: DENY
//
// CORS preflight requests (OPTIONS with Origin and
// Access-Control-Request-Method) are answered with 204 and do not reach the
// endpoint.
type HeadersProcessor struct {
	// Headers are set on every response. An empty value removes the header.
	Headers map[string]string

	// HSTSMaxAge, when positive, adds Strict-Transport-Security.
	HSTSMaxAge int

	// CORS configures Cross-Origin Resource Sharing. Nil disables it.
	CORS *CORSConfig
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the API. "*" allows any
	// origin, but is ignored when AllowCredentials is set.
	AllowedOrigins []string

	// AllowedMethods defaults to GET, POST and OPTIONS.
	AllowedMethods []string

	// AllowedHeaders defaults to Accept, Authorization, Content-Type and
	// X-Request-Id.
	AllowedHeaders []string

	ExposedHeaders   []string
	AllowCredentials bool

	// MaxAge is how long, in seconds, preflight results may be cached.
	MaxAge int
}

// HeadersOption configures a HeadersProcessor.
type HeadersOption func(*HeadersProcessor)

// NewHeadersProcessor returns a HeadersProcessor with API defaults.
func NewHeadersProcessor(opts ...HeadersOption) *HeadersProcessor {
	p := &HeadersProcessor{
		Headers: map[string]string{
			"X-Content-Type-Options":  "nosniff",
			"Cache-Control":           "no-store",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
			"Referrer-Policy":         "no-referrer",
			"X-Frame-Options":         "DENY",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHeader sets header to value. An empty value disables a default.
func WithHeader(header, value string) HeadersOption {
	return func(p *HeadersProcessor) {
		p.Headers[http.CanonicalHeaderKey(header)] = value
	}
}

// WithHSTS enables Strict-Transport-Security with includeSubDomains.
func WithHSTS(maxAge int) HeadersOption {
	return func(p *HeadersProcessor) { p.HSTSMaxAge = maxAge }
}

// WithCORS enables CORS with the given configuration.
func WithCORS(cfg CORSConfig) HeadersOption {
	return func(p *HeadersProcessor) {
		if len(cfg.AllowedMethods) == 0 {
			cfg.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
		}
		if len(cfg.AllowedHeaders) == 0 {
			cfg.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", RequestIDHeader}
		}
		p.CORS = &cfg
	}
}

// Process implements endpoint.Processor.
func (p *HeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	for k, v := range p.Headers {
		if v == "" {
			h.Del(k)
			continue
		}
		h.Set(k, v)
	}
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}

	if p.CORS != nil {
		p.CORS.setHeaders(w, r)
		if r.Method == http.MethodOptions &&
			r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}
	return next(w, r)
}

func (c *CORSConfig) allowOrigin(origin string) string {
	if slices.Contains(c.AllowedOrigins, origin) {
		return origin
	}
	if !c.AllowCredentials && slices.Contains(c.AllowedOrigins, "*") {
		return "*"
	}
	return ""
}

// setHeaders writes CORS headers. Requests without Origin are not
// cross-origin and get none.
func (c *CORSConfig) setHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Add("Vary", "Origin")

	allowed := c.allowOrigin(origin)
	if allowed == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", allowed)
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(c.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(c.ExposedHeaders, ", "))
	}

	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
		if c.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAge))
		}
	}
}

var _ endpoint.Processor = (*HeadersProcessor)(nil)
