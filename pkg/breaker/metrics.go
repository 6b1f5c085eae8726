package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// circuitBreakerState tracks the current state of each circuit breaker.
	// Values: 0=closed, 1=half-open, 2=open
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	circuitBreakerStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// outcome is "fallback" or "rejected"
	circuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Calls not forwarded because the circuit was open",
		},
		[]string{"name", "outcome"},
	)

	circuitBreakerRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_corrupt_state_recoveries_total",
			Help: "Persisted circuit states discarded because they failed validation",
		},
		[]string{"name"},
	)
)

// Collectors returns the breaker metrics for registration with a service registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		circuitBreakerState,
		circuitBreakerStateTransitions,
		circuitBreakerRejections,
		circuitBreakerRecoveries,
	}
}

func recordTransition(name string, from, to State) {
	circuitBreakerStateTransitions.WithLabelValues(name, string(from), string(to)).Inc()
	circuitBreakerState.WithLabelValues(name).Set(to.gaugeValue())
}

func recordRejection(name, outcome string) {
	circuitBreakerRejections.WithLabelValues(name, outcome).Inc()
}
