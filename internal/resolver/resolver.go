// Package resolver walks the configured result providers in priority order
// and merges their answers into a single resolution for a fixture. Every
// provider read goes through the cache layer, so live calls only happen on a
// miss with quota available.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sports-settlement-bot/internal/cache"
	"sports-settlement-bot/internal/providers"
)

// FixtureStore is the slice of the repository the resolver writes back to.
type FixtureStore interface {
	ConfirmFixtureResult(ctx context.Context, id int64, status string, homeGoals, awayGoals *int) error
}

// ResultCache is the quota-aware cache gate in front of provider calls.
// *cache.Service satisfies it; tests substitute an in-memory fake.
type ResultCache interface {
	GetOrFetch(ctx context.Context, provider string, rt cache.ResourceType, resourceKey string, conf cache.Confidence, fetch cache.FetchFunc) ([]byte, bool, error)
	Peek(ctx context.Context, provider string, rt cache.ResourceType, resourceKey string) ([]byte, cache.Confidence, error)
}

// Resolution is the merged outcome of one fallback walk.
type Resolution struct {
	Result        *providers.RawResult
	Sources       []string
	FromCache     bool // at least one field served from cache
	ReachedSource bool // a provider answered or was actually called
	QuotaBlocked  bool // every candidate was skipped on quota alone
}

// Final reports whether the resolution is settle-ready for the needed
// resources.
func (r *Resolution) Final(needs []providers.Resource) bool {
	if r.Result == nil || r.Result.FixtureStatus != "FINISHED" {
		return false
	}
	for _, n := range needs {
		if !r.Result.Covers(n) {
			return false
		}
	}
	return true
}

type skipReason int

const (
	skipQuota skipReason = iota + 1
	skipUnavailable
)

// Resolver owns the fallback chain. Safe for concurrent use; the per-cycle
// skip set is shared across workers so one quota denial or timeout silences
// a provider for the whole cycle.
type Resolver struct {
	cache  ResultCache
	store  FixtureStore
	chain  []providers.ResultProvider
	logger zerolog.Logger

	mu   sync.Mutex
	skip map[string]skipReason
}

func New(cacheSvc ResultCache, store FixtureStore, chain []providers.ResultProvider, logger zerolog.Logger) *Resolver {
	sorted := make([]providers.ResultProvider, len(chain))
	copy(sorted, chain)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Resolver{
		cache:  cacheSvc,
		store:  store,
		chain:  sorted,
		logger: logger.With().Str("component", "resolver").Logger(),
		skip:   make(map[string]skipReason),
	}
}

// BeginCycle clears the skip set. Called once per verification cycle.
func (r *Resolver) BeginCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skip = make(map[string]skipReason)
}

func (r *Resolver) skipped(name string) skipReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skip[name]
}

func (r *Resolver) markSkipped(name string, reason skipReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skip[name] = reason
}

// Providers returns the chain in consultation order.
func (r *Resolver) Providers() []providers.ResultProvider {
	out := make([]providers.ResultProvider, len(r.chain))
	copy(out, r.chain)
	return out
}

// Resolve walks the chain until the needed resources are covered by a
// finished result. Fields merge first-writer-wins: once a higher-priority
// provider has answered a field, lower-priority values only fill the gaps.
func (r *Resolver) Resolve(ctx context.Context, ref providers.FixtureRef, needs []providers.Resource) (*Resolution, error) {
	res := &Resolution{}
	sawQuotaDenial := false

	for _, p := range r.chain {
		if reason := r.skipped(p.Name()); reason != 0 {
			if reason == skipQuota {
				sawQuotaDenial = true
			} else {
				res.ReachedSource = true
			}
			continue
		}
		if !coversAnyMissing(p, res.Result, needs) {
			continue
		}

		payload, fromCache, err := r.cache.GetOrFetch(ctx, p.Name(), cache.ResourceFixtureResult, ref.ExternalRef, p.Confidence(), func(fetchCtx context.Context) ([]byte, error) {
			raw, fetchErr := p.Fetch(fetchCtx, ref)
			if fetchErr != nil {
				return nil, fetchErr
			}
			return json.Marshal(raw)
		})

		switch {
		case err == nil:
			// handled below
		case errors.Is(err, cache.ErrQuotaExhausted):
			sawQuotaDenial = true
			p.MarkExhausted(providers.NextUTCDay(time.Now()))
			r.markSkipped(p.Name(), skipQuota)
			r.logger.Warn().Str("provider", p.Name()).Str("fixture", ref.ExternalRef).
				Msg("Quota exhausted, skipping provider for this cycle")
			continue
		case errors.Is(err, cache.ErrUnavailable):
			// Cache down means quota cannot be reserved; no unmetered
			// calls are allowed, so the whole resolution stops here.
			return res, fmt.Errorf("cache unavailable, resolution aborted: %w", err)
		case errors.Is(err, cache.ErrEmptyPayload):
			res.ReachedSource = true
			continue
		case errors.Is(err, providers.ErrUnavailable):
			// Timed out or erroring upstream. Consulting it again this
			// cycle would burn a quota reservation per pick.
			res.ReachedSource = true
			r.markSkipped(p.Name(), skipUnavailable)
			r.logger.Warn().Err(err).Str("provider", p.Name()).Str("fixture", ref.ExternalRef).
				Msg("Provider unavailable, skipping for this cycle")
			continue
		default:
			res.ReachedSource = true
			r.logger.Warn().Err(err).Str("provider", p.Name()).Str("fixture", ref.ExternalRef).
				Msg("Provider fetch failed, falling back")
			continue
		}

		var raw providers.RawResult
		if err := json.Unmarshal(payload, &raw); err != nil {
			r.logger.Error().Err(err).Str("provider", p.Name()).Str("fixture", ref.ExternalRef).
				Msg("Corrupt result payload, falling back")
			continue
		}

		res.ReachedSource = true
		res.FromCache = res.FromCache || fromCache
		r.merge(res, &raw, ref)

		r.logger.Debug().
			Str("provider", p.Name()).
			Str("fixture", ref.ExternalRef).
			Str("status", raw.FixtureStatus).
			Bool("from_cache", fromCache).
			Msg("Source consulted")

		if res.Final(needs) {
			break
		}
	}

	if res.Result == nil {
		res.QuotaBlocked = sawQuotaDenial && !res.ReachedSource
		return res, nil
	}

	if !res.FromCache && res.Result.FixtureStatus == "FINISHED" {
		r.crossCheck(ctx, ref, res)
	}

	if res.Result.FixtureStatus == "FINISHED" && ref.FixtureID != 0 && r.store != nil {
		if err := r.store.ConfirmFixtureResult(ctx, ref.FixtureID, res.Result.FixtureStatus, res.Result.HomeGoals, res.Result.AwayGoals); err != nil {
			r.logger.Error().Err(err).Str("fixture", ref.ExternalRef).Msg("Failed to persist fixture result")
		}
	}

	return res, nil
}

// crossCheck compares a freshly fetched final result against envelopes the
// unconsulted providers cached on earlier cycles, so a disagreement surfaces
// even when the chain stopped before reaching them.
func (r *Resolver) crossCheck(ctx context.Context, ref providers.FixtureRef, res *Resolution) {
	consulted := make(map[string]bool, len(res.Sources))
	for _, s := range res.Sources {
		consulted[s] = true
	}
	for _, p := range r.chain {
		if consulted[p.Name()] {
			continue
		}
		payload, _, err := r.cache.Peek(ctx, p.Name(), cache.ResourceFixtureResult, ref.ExternalRef)
		if err != nil {
			continue
		}
		var cached providers.RawResult
		if json.Unmarshal(payload, &cached) != nil {
			continue
		}
		if scoreDisagrees(res.Result, &cached) {
			r.logger.Warn().
				Str("fixture", ref.ExternalRef).
				Str("kept", res.Result.Source).
				Str("kept_score", scoreString(res.Result)).
				Str("cached_source", p.Name()).
				Str("cached_score", scoreString(&cached)).
				Msg("Cached result disagrees with fresh fetch")
		}
	}
}

func scoreDisagrees(a, b *providers.RawResult) bool {
	if a.HomeGoals == nil || a.AwayGoals == nil || b.HomeGoals == nil || b.AwayGoals == nil {
		return false
	}
	return *a.HomeGoals != *b.HomeGoals || *a.AwayGoals != *b.AwayGoals
}

func scoreString(r *providers.RawResult) string {
	return fmt.Sprintf("%d-%d", *r.HomeGoals, *r.AwayGoals)
}

// merge folds raw into the resolution. Earlier (higher-priority) writers win;
// disagreements on already-set fields are logged and discarded.
func (r *Resolver) merge(res *Resolution, raw *providers.RawResult, ref providers.FixtureRef) {
	if res.Result == nil {
		clone := *raw
		res.Result = &clone
		res.Sources = append(res.Sources, raw.Source)
		return
	}

	merged := res.Result
	conflicts := 0
	mergeField(&merged.HomeGoals, raw.HomeGoals, &conflicts)
	mergeField(&merged.AwayGoals, raw.AwayGoals, &conflicts)
	mergeField(&merged.HomeCorners, raw.HomeCorners, &conflicts)
	mergeField(&merged.AwayCorners, raw.AwayCorners, &conflicts)
	mergeField(&merged.HomeCards, raw.HomeCards, &conflicts)
	mergeField(&merged.AwayCards, raw.AwayCards, &conflicts)

	if merged.FixtureStatus != "FINISHED" && raw.FixtureStatus == "FINISHED" {
		merged.FixtureStatus = "FINISHED"
	}

	if conflicts > 0 {
		r.logger.Warn().
			Str("fixture", ref.ExternalRef).
			Str("kept", merged.Source).
			Str("discarded", raw.Source).
			Int("fields", conflicts).
			Msg("Result conflict between sources, keeping higher priority")
	}

	res.Sources = append(res.Sources, raw.Source)
}

// mergeField fills dst when unset, counts a conflict when both are set and
// disagree.
func mergeField(dst **int, src *int, conflicts *int) {
	if src == nil {
		return
	}
	if *dst == nil {
		v := *src
		*dst = &v
		return
	}
	if **dst != *src {
		*conflicts++
	}
}

func coversAnyMissing(p providers.ResultProvider, current *providers.RawResult, needs []providers.Resource) bool {
	caps := make(map[providers.Resource]bool, len(p.Capabilities()))
	for _, c := range p.Capabilities() {
		caps[c] = true
	}
	for _, n := range needs {
		if !caps[n] {
			continue
		}
		if current == nil || !current.Covers(n) {
			return true
		}
	}
	return false
}
