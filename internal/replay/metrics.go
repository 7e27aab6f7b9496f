package replay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	resolutions   *prometheus.CounterVec
	retries       prometheus.Counter
	widens        prometheus.Counter
	selfRedirects prometheus.Counter
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timegate",
			Subsystem: "replay",
			Name:      "resolutions_total",
			Help:      "Replay resolutions by outcome.",
		}, []string{"outcome"})
		retries = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timegate",
			Subsystem: "replay",
			Name:      "retries_total",
			Help:      "Failed candidate fetches that advanced to the next capture.",
		})
		widens = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timegate",
			Subsystem: "replay",
			Name:      "widens_total",
			Help:      "Timestamp-scoped searches widened to the full capture list.",
		})
		selfRedirects = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timegate",
			Subsystem: "replay",
			Name:      "self_redirects_total",
			Help:      "Candidates skipped because they redirect back to the request.",
		})
		prometheus.MustRegister(resolutions, retries, widens, selfRedirects)
	})
}
