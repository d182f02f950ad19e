package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mnehpets/rpcsite/endpoint"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLen bounds client supplied ids; longer ones are replaced.
const maxRequestIDLen = 128

type requestIDKey struct{}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDProcessor tags each request with an id, reusing a well-formed
// X-Request-Id from the client and otherwise generating a random UUID. The
// id is echoed in the response header.
type RequestIDProcessor struct {
	// Trust accepts ids supplied by the client.
	Trust bool
}

// Process implements endpoint.Processor.
func (p RequestIDProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	id := ""
	if p.Trust {
		id = r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = ""
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)
	return next(w, r.WithContext(WithRequestID(r.Context(), id)))
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

var _ endpoint.Processor = RequestIDProcessor{}
