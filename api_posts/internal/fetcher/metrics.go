package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posts",
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Post lookups by operation and result",
		},
		[]string{"operation", "result"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posts",
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Adapter attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "posts",
			Subsystem: "fetch",
			Name:      "attempt_duration_seconds",
			Help:      "Adapter call latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"source"},
	)

	coalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posts",
			Subsystem: "fetch",
			Name:      "coalesced_total",
			Help:      "Callers that shared an in-flight lookup",
		},
		[]string{"operation"},
	)
)

// Collectors returns the fetch metrics for registration with a service registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requestsTotal, attemptsTotal, attemptDuration, coalescedTotal}
}
