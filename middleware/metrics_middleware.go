package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rpcdo/rpcerr"
)

// Metrics counts calls by method and outcome code and observes their latency.
// The collectors are registered on reg; use one Metrics per registry.
func Metrics(reg prometheus.Registerer) Hooks {
	factory := promauto.With(reg)
	calls := factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcdo",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Total number of calls by method and outcome code",
		},
		[]string{"method", "code"},
	)
	duration := factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rpcdo",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)

	return Hooks{
		OnResponse: func(_ context.Context, c *Call, _ json.RawMessage) error {
			calls.WithLabelValues(c.Method, "OK").Inc()
			duration.WithLabelValues(c.Method).Observe(time.Since(c.Start).Seconds())
			return nil
		},
		OnError: func(_ context.Context, c *Call, err error) error {
			code := rpcerr.CodeOf(err)
			if code == "" {
				code = "UNKNOWN"
			}
			calls.WithLabelValues(c.Method, code).Inc()
			duration.WithLabelValues(c.Method).Observe(time.Since(c.Start).Seconds())
			return nil
		},
	}
}
