package resource

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce  sync.Once
	lookups      *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timegate",
			Subsystem: "federation",
			Name:      "lookups_total",
			Help:      "Per-backend resource lookups by outcome (hit, miss, error, timeout, open).",
		}, []string{"backend", "outcome"})
		breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "timegate",
			Subsystem: "federation",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
		}, []string{"backend"})
		prometheus.MustRegister(lookups, breakerState)
	})
}
