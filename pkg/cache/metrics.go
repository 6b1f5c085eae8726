package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posts",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache operations by tier, operation and result",
		},
		[]string{"tier", "op", "result"},
	)

	budgetRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "posts",
			Subsystem: "cache",
			Name:      "budget_remaining",
			Help:      "Remote cache operations left in the current UTC day",
		},
	)

	degraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "posts",
			Subsystem: "cache",
			Name:      "degraded",
			Help:      "1 while the store serves from memory for the given reason",
		},
		[]string{"reason"},
	)

	memoryEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "posts",
			Subsystem: "cache",
			Name:      "memory_evictions_total",
			Help:      "Entries removed from the in-memory tier",
		},
		[]string{"reason"},
	)
)

func recordOp(tier, op, result string) {
	operationsTotal.WithLabelValues(tier, op, result).Inc()
}

func setDegraded(reason string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	degraded.WithLabelValues(reason).Set(v)
}

func memoryHooks() MetricsHooks {
	return MetricsHooks{
		OnEvict: func(labels map[string]string) {
			memoryEvictions.WithLabelValues(labels["reason"]).Inc()
		},
	}
}

// Collectors returns the cache metrics for registration with a service registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{operationsTotal, budgetRemaining, degraded, memoryEvictions}
}
