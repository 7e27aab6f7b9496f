package cdx

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce  sync.Once
	indexQueries *prometheus.CounterVec
	indexLatency prometheus.Histogram
	cacheLookups *prometheus.CounterVec
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		indexQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timegate",
			Subsystem: "index",
			Name:      "queries_total",
			Help:      "Index queries by outcome.",
		}, []string{"outcome"})
		indexLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "timegate",
			Subsystem: "index",
			Name:      "query_seconds",
			Help:      "Index query latency.",
			Buckets:   prometheus.DefBuckets,
		})
		cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timegate",
			Subsystem: "index",
			Name:      "cache_lookups_total",
			Help:      "Index cache lookups by outcome (hit, miss, error).",
		}, []string{"outcome"})
		prometheus.MustRegister(indexQueries, indexLatency, cacheLookups)
	})
}
