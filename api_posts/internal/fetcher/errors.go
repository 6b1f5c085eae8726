package fetcher

import (
	"fmt"
	"strings"
	"time"

	"layeredge/api_posts/internal/sources"
	"layeredge/pkg/models"
)

// Attempt records one adapter's outcome within a fetch.
type Attempt struct {
	Source     models.Source `json:"source"`
	Kind       sources.Kind  `json:"kind"`
	RetryAfter time.Duration `json:"-"`
	Error      string        `json:"error"`
	// Skipped is set when the adapter was not called at all.
	Skipped bool `json:"skipped,omitempty"`
}

// FetchFailedError is returned when every adapter failed. Reason is the most
// actionable attempt kind.
type FetchFailedError struct {
	Reason     sources.Kind
	RetryAfter time.Duration
	Attempts   []Attempt
}

func (e *FetchFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Source, a.Kind))
	}
	return fmt.Sprintf("fetch failed (%s): %s", e.Reason, strings.Join(parts, ", "))
}

func (e *FetchFailedError) ErrorKind() sources.Kind { return sources.KindFetchFailed }

func (e *FetchFailedError) RetryAfterHint() time.Duration { return e.RetryAfter }

// reasonRank orders failure kinds from most to least actionable.
var reasonRank = map[sources.Kind]int{
	sources.KindRateLimited:  5,
	sources.KindUnauthorized: 4,
	sources.KindNotFound:     3,
	sources.KindCircuitOpen:  2,
	sources.KindNetwork:      1,
}

func aggregate(attempts []Attempt) *FetchFailedError {
	out := &FetchFailedError{Reason: sources.KindNetwork, Attempts: attempts}
	best := 0
	for _, a := range attempts {
		if r := reasonRank[a.Kind]; r > best {
			best = r
			out.Reason = a.Kind
		}
	}
	// Report the longest wait among attempts sharing the winning reason.
	for _, a := range attempts {
		if a.Kind == out.Reason && a.RetryAfter > out.RetryAfter {
			out.RetryAfter = a.RetryAfter
		}
	}
	return out
}
