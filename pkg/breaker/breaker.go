package breaker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"layeredge/pkg/cache"
	"layeredge/pkg/logging"
)

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of failures inside MonitoringPeriod that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a trial call.
	RecoveryTimeout time.Duration
	// MonitoringPeriod bounds how far apart failures may be and still accumulate.
	MonitoringPeriod time.Duration
	// StateTTL bounds how long persisted state lives, so an idle circuit resets itself.
	StateTTL time.Duration
	// IsFailure decides which errors count against the circuit. Errors it
	// rejects are treated as a healthy response from the dependency.
	IsFailure func(error) bool
}

// DefaultConfig returns the recommended defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 8,
		RecoveryTimeout:  10 * time.Minute,
		MonitoringPeriod: 5 * time.Minute,
		StateTTL:         time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.StateTTL <= 0 {
		c.StateTTL = d.StateTTL
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStateChangeHook is called after every persisted state transition.
func WithStateChangeHook(fn func(name string, from, to State)) Option {
	return func(r *Registry) { r.onStateChange = fn }
}

// WithBreakerConfig sets a config for one named breaker instead of the registry default.
func WithBreakerConfig(name string, cfg Config) Option {
	return func(r *Registry) { r.configs[name] = cfg.withDefaults() }
}

// Registry hands out named breakers whose state lives in a shared cache store.
type Registry struct {
	store         cache.Store
	defaults      Config
	configs       map[string]Config
	logger        logging.Logger
	now           func() time.Time
	onStateChange func(name string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(store cache.Store, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		defaults: cfg.withDefaults(),
		configs:  make(map[string]Config),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.defaults
	}
	b := &Breaker{name: name, cfg: cfg, reg: r}
	r.breakers[name] = b
	return b
}

// Names lists breakers created so far, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) SetManualOverride(ctx context.Context, name string, enabled bool, duration time.Duration) CircuitState {
	return r.Get(name).SetManualOverride(ctx, enabled, duration)
}

func (r *Registry) Reset(ctx context.Context, name string) {
	r.Get(name).Reset(ctx)
}

func (r *Registry) Metrics(ctx context.Context, name string) Metrics {
	return r.Get(name).Metrics(ctx)
}

// Breaker guards one named dependency.
type Breaker struct {
	name  string
	cfg   Config
	reg   *Registry
	trial atomic.Bool
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) key() string { return "breaker:" + b.name }

// Execute runs op through the breaker. When the circuit is open and fallback
// is non-nil, fallback runs instead and the circuit is marked degraded.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context) error) error {
	var fb func(context.Context) (struct{}, error)
	if fallback != nil {
		fb = func(ctx context.Context) (struct{}, error) { return struct{}{}, fallback(ctx) }
	}
	_, err := Run(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, fb)
	return err
}

// Run is Execute for operations that return a value.
func Run[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func(context.Context) (T, error)) (T, error) {
	now := b.reg.now()
	st := b.load(ctx)

	if st.ManualOverride {
		if st.overrideActive(now) {
			val, err := op(ctx)
			b.record(ctx, err)
			return val, err
		}
		st.ManualOverride = false
		st.OverrideUntil = time.Time{}
		b.save(ctx, st)
		b.reg.logger.WithField("breaker", b.name).Info("Manual circuit override expired")
	}

	switch st.State {
	case StateOpen:
		if now.Before(st.NextAttemptAt) {
			return reject(ctx, b, st, now, fallback)
		}
		b.transition(ctx, &st, StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !b.trial.CompareAndSwap(false, true) {
			return reject(ctx, b, st, now, fallback)
		}
		defer b.trial.Store(false)
		val, err := op(ctx)
		b.record(ctx, err)
		return val, err
	default:
		val, err := op(ctx)
		b.record(ctx, err)
		return val, err
	}
}

func reject[T any](ctx context.Context, b *Breaker, st CircuitState, now time.Time, fallback func(context.Context) (T, error)) (T, error) {
	if fallback != nil {
		recordRejection(b.name, "fallback")
		if !st.DegradationActive {
			st.DegradationActive = true
			b.save(ctx, st)
			b.reg.logger.WithField("breaker", b.name).Warn("Circuit open; serving fallback")
		}
		return fallback(ctx)
	}
	recordRejection(b.name, "rejected")
	var zero T
	return zero, &OpenError{Name: b.name, RetryAfter: st.NextAttemptAt.Sub(now)}
}

// record folds an operation outcome into the persisted state.
func (b *Breaker) record(ctx context.Context, opErr error) {
	now := b.reg.now()
	st := b.load(ctx)
	failed := opErr != nil && b.cfg.IsFailure(opErr)

	if st.overrideActive(now) {
		// Outcomes are kept for observability; state does not move.
		if failed {
			b.countFailure(&st, now)
		} else {
			st.FailureCount = 0
		}
		b.save(ctx, st)
		return
	}

	if !failed {
		switch st.State {
		case StateHalfOpen, StateOpen:
			st.FailureCount = 0
			st.DegradationActive = false
			st.NextAttemptAt = time.Time{}
			b.transition(ctx, &st, StateClosed)
		default:
			if st.FailureCount != 0 || st.DegradationActive {
				st.FailureCount = 0
				st.DegradationActive = false
				b.save(ctx, st)
			}
		}
		return
	}

	b.countFailure(&st, now)
	switch st.State {
	case StateHalfOpen:
		st.NextAttemptAt = now.Add(b.cfg.RecoveryTimeout)
		b.transition(ctx, &st, StateOpen)
	case StateClosed:
		if st.FailureCount >= b.cfg.FailureThreshold {
			st.NextAttemptAt = now.Add(b.cfg.RecoveryTimeout)
			b.transition(ctx, &st, StateOpen)
			return
		}
		b.save(ctx, st)
	default:
		b.save(ctx, st)
	}
}

// countFailure increments the failure count, restarting it when the previous
// failure fell outside the monitoring period.
func (b *Breaker) countFailure(st *CircuitState, now time.Time) {
	if !st.LastFailureAt.IsZero() && now.Sub(st.LastFailureAt) > b.cfg.MonitoringPeriod {
		st.FailureCount = 0
	}
	st.FailureCount++
	st.LastFailureAt = now
}

func (b *Breaker) transition(ctx context.Context, st *CircuitState, to State) {
	from := st.State
	st.State = to
	b.save(ctx, *st)
	if from == to {
		return
	}
	recordTransition(b.name, from, to)
	fields := logging.Fields{
		"breaker":       b.name,
		"from_state":    string(from),
		"to_state":      string(to),
		"failure_count": st.FailureCount,
	}
	if to == StateOpen {
		fields["next_attempt_at"] = st.NextAttemptAt
	}
	b.reg.logger.WithFields(fields).Warn("circuit breaker state change")
	if b.reg.onStateChange != nil {
		b.reg.onStateChange(b.name, from, to)
	}
}

func (b *Breaker) load(ctx context.Context) CircuitState {
	var raw persistedState
	found, err := cache.GetJSON(ctx, b.reg.store, b.key(), &raw)
	if !found {
		return defaultState(b.name)
	}
	var st CircuitState
	if err == nil {
		st, err = raw.toState(b.name)
	}
	if err != nil {
		circuitBreakerRecoveries.WithLabelValues(b.name).Inc()
		b.reg.logger.WithError(err).WithField("breaker", b.name).Warn("Recovered corrupted circuit state; resetting to CLOSED")
		st = defaultState(b.name)
		b.save(ctx, st)
	}
	return st
}

func (b *Breaker) save(ctx context.Context, st CircuitState) {
	st.Name = b.name
	st.UpdatedAt = b.reg.now()
	cache.SetJSON(ctx, b.reg.store, b.key(), st, b.cfg.StateTTL)
	circuitBreakerState.WithLabelValues(b.name).Set(st.State.gaugeValue())
}

// State returns the current persisted state.
func (b *Breaker) State(ctx context.Context) CircuitState {
	return b.load(ctx)
}

// Allows reports whether a call made now would reach the dependency.
func (b *Breaker) Allows(ctx context.Context) bool {
	now := b.reg.now()
	st := b.load(ctx)
	if st.overrideActive(now) {
		return true
	}
	switch st.State {
	case StateOpen:
		return !now.Before(st.NextAttemptAt) && !b.trial.Load()
	case StateHalfOpen:
		return !b.trial.Load()
	default:
		return true
	}
}

// SetManualOverride forces the breaker to run every call. A positive duration
// makes the override expire on its own.
func (b *Breaker) SetManualOverride(ctx context.Context, enabled bool, duration time.Duration) CircuitState {
	st := b.load(ctx)
	st.ManualOverride = enabled
	st.OverrideUntil = time.Time{}
	if enabled && duration > 0 {
		st.OverrideUntil = b.reg.now().Add(duration)
	}
	b.save(ctx, st)
	b.reg.logger.WithFields(logging.Fields{
		"breaker":        b.name,
		"enabled":        enabled,
		"override_until": st.OverrideUntil,
	}).Info("Manual circuit override updated")
	return st
}

// Reset returns the breaker to a fresh CLOSED state.
func (b *Breaker) Reset(ctx context.Context) {
	prev := b.load(ctx)
	st := defaultState(b.name)
	b.save(ctx, st)
	if prev.State != StateClosed {
		recordTransition(b.name, prev.State, StateClosed)
	}
	b.reg.logger.WithField("breaker", b.name).Info("Circuit breaker reset")
}

// Metrics summarises a breaker for operators.
type Metrics struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	FailureCount      int       `json:"failure_count"`
	FailureThreshold  int       `json:"failure_threshold"`
	LastFailureAt     time.Time `json:"last_failure_at"`
	NextAttemptAt     time.Time `json:"next_attempt_at"`
	ManualOverride    bool      `json:"manual_override"`
	OverrideUntil     time.Time `json:"override_until"`
	DegradationActive bool      `json:"degradation_active"`
	HealthScore       int       `json:"health_score"`
}

func (b *Breaker) Metrics(ctx context.Context) Metrics {
	now := b.reg.now()
	st := b.load(ctx)
	return Metrics{
		Name:              b.name,
		State:             st.State,
		FailureCount:      st.FailureCount,
		FailureThreshold:  b.cfg.FailureThreshold,
		LastFailureAt:     st.LastFailureAt,
		NextAttemptAt:     st.NextAttemptAt,
		ManualOverride:    st.overrideActive(now),
		OverrideUntil:     st.OverrideUntil,
		DegradationActive: st.DegradationActive,
		HealthScore:       b.healthScore(st, now),
	}
}

// healthScore is 0 for an open circuit, 50 while probing, and otherwise
// falls with the share of the failure threshold already used up.
func (b *Breaker) healthScore(st CircuitState, now time.Time) int {
	switch st.State {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 50
	}
	failures := st.FailureCount
	if !st.LastFailureAt.IsZero() && now.Sub(st.LastFailureAt) > b.cfg.MonitoringPeriod {
		failures = 0
	}
	score := 100 - failures*100/b.cfg.FailureThreshold
	if st.DegradationActive {
		score -= 20
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
