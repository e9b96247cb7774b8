// Package providers defines the uniform interface over external result
// sources and the shared health tracking they report through.
package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"sports-settlement-bot/internal/cache"
)

// Resource identifies one kind of settlement data a provider can resolve.
type Resource string

const (
	ResourceScore   Resource = "score"
	ResourceCorners Resource = "corners"
	ResourceCards   Resource = "cards"
)

// Health is a provider's current availability.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Exhausted Health = "exhausted"
)

// ErrUnavailable wraps network errors, timeouts and 5xx responses. The
// resolver treats it as "no answer this cycle", never as a crash.
var ErrUnavailable = errors.New("provider unavailable")

// FixtureRef identifies a fixture to a provider. ExternalIDs maps provider
// name to that provider's fixture id; providers without an id fall back to
// team/date search where they support it.
type FixtureRef struct {
	FixtureID   int64
	ExternalRef string
	ExternalIDs map[string]string
	HomeTeam    string
	AwayTeam    string
	Kickoff     time.Time
}

// RawResult is a provider's (possibly partial) answer for a fixture. Nil
// fields were not covered by the response.
type RawResult struct {
	Source        string `json:"source"`
	FixtureStatus string `json:"fixture_status"` // SCHEDULED, LIVE, FINISHED, UNKNOWN
	HomeGoals     *int   `json:"home_goals,omitempty"`
	AwayGoals     *int   `json:"away_goals,omitempty"`
	HomeCorners   *int   `json:"home_corners,omitempty"`
	AwayCorners   *int   `json:"away_corners,omitempty"`
	HomeCards     *int   `json:"home_cards,omitempty"`
	AwayCards     *int   `json:"away_cards,omitempty"`
}

// Covers reports whether the result carries complete data for a resource.
func (r *RawResult) Covers(res Resource) bool {
	switch res {
	case ResourceScore:
		return r.HomeGoals != nil && r.AwayGoals != nil
	case ResourceCorners:
		return r.HomeCorners != nil && r.AwayCorners != nil
	case ResourceCards:
		return r.HomeCards != nil && r.AwayCards != nil
	default:
		return false
	}
}

// Final reports whether the provider saw the fixture as finished with a score.
func (r *RawResult) Final() bool {
	return r.FixtureStatus == "FINISHED" && r.Covers(ResourceScore)
}

// ResultProvider is one external result source.
type ResultProvider interface {
	Name() string
	Priority() int // lower is consulted first
	Capabilities() []Resource
	Confidence() cache.Confidence
	Fetch(ctx context.Context, ref FixtureRef) (*RawResult, error)
	Health() Health
	MarkExhausted(until time.Time)
}

// CanResolve reports whether a provider covers every needed resource.
func CanResolve(p ResultProvider, needs []Resource) bool {
	caps := make(map[Resource]bool, len(p.Capabilities()))
	for _, c := range p.Capabilities() {
		caps[c] = true
	}
	for _, n := range needs {
		if !caps[n] {
			return false
		}
	}
	return true
}

// HealthTracker is the shared failure/exhaustion bookkeeping embedded by the
// concrete clients. Its Health and MarkExhausted methods satisfy that part of
// the ResultProvider interface.
type HealthTracker struct {
	mu             sync.Mutex
	failures       int
	exhaustedUntil time.Time
}

const degradedAfter = 3

func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
}

// MarkExhausted flags the provider as quota-denied until the given time
// (typically the next UTC day). Called by the resolver on quota denial.
func (h *HealthTracker) MarkExhausted(until time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhaustedUntil = until
}

func (h *HealthTracker) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Now().Before(h.exhaustedUntil) {
		return Exhausted
	}
	if h.failures >= degradedAfter {
		return Degraded
	}
	return Healthy
}

// NextUTCDay returns the next UTC midnight after t, when daily quotas reset.
func NextUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
