package breaker

import (
	"errors"
	"fmt"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) Valid() bool {
	switch s {
	case StateClosed, StateOpen, StateHalfOpen:
		return true
	}
	return false
}

// gaugeValue maps a state onto the circuit_breaker_state gauge
// (0=closed, 1=half-open, 2=open).
func (s State) gaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitState is the persisted view of one named breaker.
type CircuitState struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	FailureCount      int       `json:"failure_count"`
	LastFailureAt     time.Time `json:"last_failure_at"`
	NextAttemptAt     time.Time `json:"next_attempt_at"`
	ManualOverride    bool      `json:"manual_override"`
	OverrideUntil     time.Time `json:"override_until"`
	DegradationActive bool      `json:"degradation_active"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func defaultState(name string) CircuitState {
	return CircuitState{Name: name, State: StateClosed}
}

// overrideActive reports whether a manual override applies at now.
func (s CircuitState) overrideActive(now time.Time) bool {
	return s.ManualOverride && (s.OverrideUntil.IsZero() || now.Before(s.OverrideUntil))
}

// persistedState mirrors CircuitState with pointer fields so that missing or
// mistyped values in a partially written entry can be told apart from zero values.
type persistedState struct {
	State             *State     `json:"state"`
	FailureCount      *int       `json:"failure_count"`
	LastFailureAt     *time.Time `json:"last_failure_at"`
	NextAttemptAt     *time.Time `json:"next_attempt_at"`
	ManualOverride    *bool      `json:"manual_override"`
	OverrideUntil     *time.Time `json:"override_until"`
	DegradationActive *bool      `json:"degradation_active"`
	UpdatedAt         *time.Time `json:"updated_at"`
}

var errCorruptState = errors.New("corrupted circuit state")

func (p persistedState) toState(name string) (CircuitState, error) {
	switch {
	case p.State == nil:
		return CircuitState{}, fmt.Errorf("%w: missing state", errCorruptState)
	case !p.State.Valid():
		return CircuitState{}, fmt.Errorf("%w: unknown state %q", errCorruptState, *p.State)
	case p.FailureCount == nil:
		return CircuitState{}, fmt.Errorf("%w: missing failure_count", errCorruptState)
	case *p.FailureCount < 0:
		return CircuitState{}, fmt.Errorf("%w: negative failure_count %d", errCorruptState, *p.FailureCount)
	case *p.State == StateOpen && (p.NextAttemptAt == nil || p.NextAttemptAt.IsZero()):
		return CircuitState{}, fmt.Errorf("%w: open without next_attempt_at", errCorruptState)
	}

	st := CircuitState{
		Name:         name,
		State:        *p.State,
		FailureCount: *p.FailureCount,
	}
	if p.LastFailureAt != nil {
		st.LastFailureAt = *p.LastFailureAt
	}
	if p.NextAttemptAt != nil {
		st.NextAttemptAt = *p.NextAttemptAt
	}
	if p.ManualOverride != nil {
		st.ManualOverride = *p.ManualOverride
	}
	if p.OverrideUntil != nil {
		st.OverrideUntil = *p.OverrideUntil
	}
	if p.DegradationActive != nil {
		st.DegradationActive = *p.DegradationActive
	}
	if p.UpdatedAt != nil {
		st.UpdatedAt = *p.UpdatedAt
	}
	return st, nil
}

// ErrOpen matches any *OpenError via errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a breaker refuses to run an operation. It is
// distinct from the operation's own failures: the dependency was not called.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry after %ds", e.Name, RetryAfterSeconds(e.RetryAfter))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool { return errors.Is(err, ErrOpen) }

// RetryAfterSeconds rounds d up to whole seconds, never below 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
