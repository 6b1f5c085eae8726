package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"layeredge/pkg/breaker"
	"layeredge/pkg/cache"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs all health checks and returns the overall status
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	anyUnhealthy := false
	anyDegraded := false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		case StatusUnhealthy:
			anyUnhealthy = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler returns a middleware handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// Common Health Check Functions

// Pinger is anything with a context-aware connectivity check: the SQLite
// ledger, a Redis client, the tiered cache store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthCheck creates a health check that pings a dependency
func PingHealthCheck(component string, p Pinger) HealthCheck {
	return func() CheckResult {
		start := time.Now()

		if p == nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s connection is nil", component),
				Latency: time.Since(start).String(),
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := p.Ping(ctx)
		duration := time.Since(start)

		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s ping failed: %v", component, err),
				Latency: duration.String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%s connection healthy", component),
			Latency: duration.String(),
		}
	}
}

// CacheStatus is the view of the tiered cache the health check needs.
type CacheStatus interface {
	ActiveTier() string
	RemoteFailed() bool
	RemainingBudget() int
}

// CacheHealthCheck reports degraded while a configured remote tier is bypassed,
// either because it failed or because the day's operation budget is spent.
func CacheHealthCheck(store CacheStatus, remoteConfigured bool) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		tier := store.ActiveTier()

		switch {
		case !remoteConfigured:
			return CheckResult{
				Status:  StatusHealthy,
				Message: "In-memory cache only",
				Latency: time.Since(start).String(),
			}
		case store.RemoteFailed():
			return CheckResult{
				Status:  StatusDegraded,
				Message: "Remote cache failed, serving from memory",
				Latency: time.Since(start).String(),
			}
		case tier != cache.TierRemote:
			return CheckResult{
				Status:  StatusDegraded,
				Message: "Remote cache budget exhausted, serving from memory until UTC midnight",
				Latency: time.Since(start).String(),
			}
		}

		msg := "Remote cache active"
		if left := store.RemainingBudget(); left >= 0 {
			msg = fmt.Sprintf("Remote cache active, %d operations left today", left)
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: msg,
			Latency: time.Since(start).String(),
		}
	}
}

// BreakerSource lists circuit breakers and reports their metrics.
type BreakerSource interface {
	BreakerNames() []string
	BreakerMetrics(ctx context.Context, name string) (breaker.Metrics, error)
}

// BreakerHealthCheck reports degraded while any circuit is open. Requests are
// still served from fallbacks, so an open circuit never makes the service unhealthy.
func BreakerHealthCheck(src BreakerSource) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var open []string
		for _, name := range src.BreakerNames() {
			m, err := src.BreakerMetrics(ctx, name)
			if err != nil {
				continue
			}
			if m.State == breaker.StateOpen {
				open = append(open, name)
			}
		}
		sort.Strings(open)

		if len(open) > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "Open circuits: " + strings.Join(open, ", "),
				Latency: time.Since(start).String(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "All circuits closed",
			Latency: time.Since(start).String(),
		}
	}
}

// ConfigurationHealthCheck creates a health check for required configuration
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		missing := []string{}

		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)

		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Missing required configuration: %v", missing),
				Latency: time.Since(start).String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: "All required configuration present",
			Latency: time.Since(start).String(),
		}
	}
}
