// Package settlement drives picks from PENDING to a terminal status. The
// service verifies one pick per call; the scheduler fans eligible picks out
// across workers each cycle.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sports-settlement-bot/config"
	"sports-settlement-bot/internal/database"
	"sports-settlement-bot/internal/providers"
	"sports-settlement-bot/internal/resolver"
)

// AutoVoidReason is recorded on picks voided by the sweep.
const AutoVoidReason = "data unavailable"

// PushVoidReason is recorded on whole-line pushes.
const PushVoidReason = "push on line"

// PickStore is the repository slice the service depends on. *database.Repository
// satisfies it; tests substitute a fake.
type PickStore interface {
	GetEligiblePicks(ctx context.Context, now time.Time, minSettleDelay time.Duration, limit int) ([]*database.Pick, error)
	ClaimAttempt(ctx context.Context, pickID string, now time.Time, lease time.Duration) (bool, error)
	SettlePick(ctx context.Context, pickID, status string, resultPayload json.RawMessage, settledAt time.Time) (bool, error)
	VoidPick(ctx context.Context, pickID, reason string, resultPayload json.RawMessage, settledAt time.Time) (bool, error)
	ReschedulePick(ctx context.Context, pickID string, nextEligibleAt time.Time) error
	AutoVoidSweep(ctx context.Context, now time.Time, statsMarkets []string, statsCutoff, defaultCutoff time.Duration, reason string) (int64, error)
	GetFixtureByID(ctx context.Context, id int64) (*database.Fixture, error)
}

// ResultResolver abstracts the provider fallback chain.
type ResultResolver interface {
	BeginCycle()
	Resolve(ctx context.Context, ref providers.FixtureRef, needs []providers.Resource) (*resolver.Resolution, error)
}

// Calibrator receives settled outcomes exactly once each.
type Calibrator interface {
	Observe(predicted float64, won bool)
}

// AttemptStatus classifies what one verification attempt did.
type AttemptStatus string

const (
	AttemptSkipped     AttemptStatus = "skipped"     // claim lost or pick no longer pending
	AttemptSettled     AttemptStatus = "settled"     // terminal transition committed
	AttemptUnresolved  AttemptStatus = "unresolved"  // sources reached, result not final yet
	AttemptQuotaRetry  AttemptStatus = "quota_retry" // blocked purely by quota, short retry
	AttemptUnavailable AttemptStatus = "unavailable" // cache down, no calls made
)

// AttemptResult reports one verification attempt.
type AttemptResult struct {
	Status  AttemptStatus
	Outcome Outcome // set when Status == AttemptSettled
}

// Service settles picks against resolved results.
type Service struct {
	store      PickStore
	resolver   ResultResolver
	calibrator Calibrator
	cfg        config.SettlementConfig
	logger     zerolog.Logger
}

func NewService(store PickStore, res ResultResolver, cal Calibrator, cfg config.SettlementConfig, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		resolver:   res,
		calibrator: cal,
		cfg:        cfg,
		logger:     logger.With().Str("component", "settlement").Logger(),
	}
}

// EligiblePicks pulls the picks due for verification this cycle.
func (s *Service) EligiblePicks(ctx context.Context, now time.Time) ([]*database.Pick, error) {
	return s.store.GetEligiblePicks(ctx, now, s.cfg.MinSettleDelay(), s.cfg.BatchSize)
}

// Attempt runs one verification attempt for a pick. The claim is an atomic
// lease: exactly one worker per pick proceeds past it, and the lease itself
// enforces the cooldown so a crash mid-attempt cannot produce a hot loop.
func (s *Service) Attempt(ctx context.Context, pick *database.Pick) (*AttemptResult, error) {
	now := time.Now().UTC()

	claimed, err := s.store.ClaimAttempt(ctx, pick.ID, now, s.cfg.Cooldown())
	if err != nil {
		return nil, fmt.Errorf("claim attempt for pick %s: %w", pick.ID, err)
	}
	if !claimed {
		return &AttemptResult{Status: AttemptSkipped}, nil
	}

	fixture, err := s.store.GetFixtureByID(ctx, pick.FixtureID)
	if err != nil {
		return nil, fmt.Errorf("load fixture %d: %w", pick.FixtureID, err)
	}

	ref := providers.FixtureRef{
		FixtureID:   fixture.ID,
		ExternalRef: fixture.ExternalRef,
		ExternalIDs: fixture.ProviderIDs,
		HomeTeam:    fixture.HomeTeam,
		AwayTeam:    fixture.AwayTeam,
		Kickoff:     fixture.Kickoff,
	}
	needs := NeedsFor(pick.Market)

	res, err := s.resolver.Resolve(ctx, ref, needs)
	if err != nil {
		// Cache outage: nothing was consulted, so the full cooldown lease
		// is too harsh. Pull the retry in.
		if rescheduleErr := s.store.ReschedulePick(ctx, pick.ID, now.Add(s.cfg.QuotaRetry())); rescheduleErr != nil {
			s.logger.Error().Err(rescheduleErr).Str("pick", pick.ID).Msg("Failed to reschedule after outage")
		}
		return &AttemptResult{Status: AttemptUnavailable}, err
	}

	if res.Final(needs) {
		return s.settle(ctx, pick, res, now)
	}

	if res.QuotaBlocked {
		// No source was reached and no data served; the attempt spent
		// nothing, so retry on the short quota delay.
		if err := s.store.ReschedulePick(ctx, pick.ID, now.Add(s.cfg.QuotaRetry())); err != nil {
			return nil, fmt.Errorf("reschedule pick %s: %w", pick.ID, err)
		}
		s.logger.Debug().Str("pick", pick.ID).Msg("Verification blocked by quota, short retry")
		return &AttemptResult{Status: AttemptQuotaRetry}, nil
	}

	// A source answered (or failed after being reached): the claim lease
	// already holds the full cooldown.
	s.logger.Debug().Str("pick", pick.ID).Bool("reached", res.ReachedSource).
		Msg("Result not final yet, waiting out cooldown")
	return &AttemptResult{Status: AttemptUnresolved}, nil
}

func (s *Service) settle(ctx context.Context, pick *database.Pick, res *resolver.Resolution, now time.Time) (*AttemptResult, error) {
	outcome, err := Evaluate(pick.Market, pick.Selection, pick.Line, res.Result)
	if err != nil {
		return nil, fmt.Errorf("evaluate pick %s: %w", pick.ID, err)
	}

	payload, err := json.Marshal(res.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}

	if outcome == OutcomeVoid {
		voided, err := s.store.VoidPick(ctx, pick.ID, PushVoidReason, payload, now)
		if err != nil {
			return nil, fmt.Errorf("void pick %s: %w", pick.ID, err)
		}
		if !voided {
			return &AttemptResult{Status: AttemptSkipped}, nil
		}
		s.logger.Info().Str("pick", pick.ID).Str("market", pick.Market).
			Strs("sources", res.Sources).Msg("Pick voided on push")
		return &AttemptResult{Status: AttemptSettled, Outcome: OutcomeVoid}, nil
	}

	freshlyAccounted, err := s.store.SettlePick(ctx, pick.ID, string(outcome), payload, now)
	if err != nil {
		return nil, fmt.Errorf("settle pick %s: %w", pick.ID, err)
	}
	if !freshlyAccounted {
		// Lost the race to another writer; their transition owns the
		// calibration observation.
		return &AttemptResult{Status: AttemptSkipped}, nil
	}

	if s.calibrator != nil {
		s.calibrator.Observe(pick.PredictedProbability, outcome == OutcomeWon)
	}

	s.logger.Info().Str("pick", pick.ID).Str("market", pick.Market).
		Str("outcome", string(outcome)).Strs("sources", res.Sources).
		Bool("from_cache", res.FromCache).Msg("Pick settled")
	return &AttemptResult{Status: AttemptSettled, Outcome: outcome}, nil
}

// AutoVoid sweeps overdue PENDING picks into VOID. Corner and card markets
// use the shorter cutoff because their statistics age out of provider feeds.
func (s *Service) AutoVoid(ctx context.Context, now time.Time) (int64, error) {
	statsCutoff := time.Duration(s.cfg.StatsVoidAfterHours) * time.Hour
	defaultCutoff := time.Duration(s.cfg.VoidAfterHours) * time.Hour

	voided, err := s.store.AutoVoidSweep(ctx, now, StatsMarkets(), statsCutoff, defaultCutoff, AutoVoidReason)
	if err != nil {
		return 0, fmt.Errorf("auto-void sweep: %w", err)
	}
	if voided > 0 {
		s.logger.Info().Int64("count", voided).Msg("Auto-voided overdue picks")
	}
	return voided, nil
}
