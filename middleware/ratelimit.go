package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mnehpets/rpcsite/endpoint"
)

// maxLimiters bounds the per-client limiter table. When it fills up the table
// is reset, which briefly forgives every client.
const maxLimiters = 10000

// RateLimitProcessor rejects requests with 429 once a client's token bucket
// is empty. Clients are keyed by KeyFunc; a nil KeyFunc shares one bucket
// between everybody.
type RateLimitProcessor struct {
	limit rate.Limit
	burst int

	// KeyFunc maps a request to a client key.
	KeyFunc func(*http.Request) string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitProcessor allows perSecond requests per second with bursts of
// up to burst, per client IP.
func NewRateLimitProcessor(perSecond float64, burst int) *RateLimitProcessor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitProcessor{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		KeyFunc:  RemoteIP,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RemoteIP returns the host part of r.RemoteAddr.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (p *RateLimitProcessor) limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		if len(p.limiters) >= maxLimiters {
			clear(p.limiters)
		}
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	return l
}

// Process implements endpoint.Processor.
func (p *RateLimitProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	key := ""
	if p.KeyFunc != nil {
		key = p.KeyFunc(r)
	}
	l := p.limiter(key)
	if !l.Allow() {
		if p.limit > 0 {
			secs := int(1/float64(p.limit)) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		return endpoint.Error(http.StatusTooManyRequests, "rate limit exceeded", nil)
	}
	return next(w, r)
}

var _ endpoint.Processor = (*RateLimitProcessor)(nil)
