package jsonrpc

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-method call counts and latencies.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered by another Site on the same registry are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	calls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcsite",
			Name:      "rpc_calls_total",
			Help:      "Number of JSON-RPC calls by method and result code (0 for success).",
		},
		[]string{"method", "code"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rpcsite",
			Name:      "rpc_duration_seconds",
			Help:      "JSON-RPC call handling time.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m := &Metrics{}
	c, err := register(reg, calls)
	if err != nil {
		return nil, err
	}
	m.calls = c.(*prometheus.CounterVec)
	c, err = register(reg, duration)
	if err != nil {
		return nil, err
	}
	m.duration = c.(*prometheus.HistogramVec)
	return m, nil
}

func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

// observe is safe on a nil *Metrics.
func (m *Metrics) observe(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}
