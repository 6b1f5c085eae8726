package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var decisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posts",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions by check and outcome",
	},
	[]string{"check", "outcome"},
)

// Collectors returns the limiter metrics for registration with a service registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{decisionsTotal}
}
