package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	AdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinscout",
			Subsystem: "adapter",
			Name:      "call_latency_seconds",
			Help:      "Latency of adapter calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"adapter", "operation"},
	)

	AdapterErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinscout",
			Subsystem: "adapter",
			Name:      "errors_total",
			Help:      "Failed adapter calls by adapter and operation",
		},
		[]string{"adapter", "operation"},
	)

	AdapterFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinscout",
			Subsystem: "adapter",
			Name:      "fallbacks_total",
			Help:      "Requests served by an adapter other than the first candidate",
		},
		[]string{"operation"},
	)
)

// Register adds the adapter collectors to reg once per process.
func Register(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(AdapterLatency, AdapterErrors, AdapterFallbacks)
	})
}

// ObserveCall records latency and, when err is non-nil, an error.
func ObserveCall(adapter, operation string, started time.Time, err error) {
	AdapterLatency.WithLabelValues(adapter, operation).Observe(time.Since(started).Seconds())
	if err != nil {
		AdapterErrors.WithLabelValues(adapter, operation).Inc()
	}
}
