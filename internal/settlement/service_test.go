package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sports-settlement-bot/config"
	"sports-settlement-bot/internal/database"
	"sports-settlement-bot/internal/providers"
	"sports-settlement-bot/internal/resolver"
)

type fakeStore struct {
	mu sync.Mutex

	claimResult bool
	claimErr    error
	claims      int
	claimLease  time.Duration

	fixture *database.Fixture

	settleResult  bool
	settledStatus string
	settles       int

	voids      int
	voidReason string

	reschedules   int
	rescheduledTo time.Time

	sweepCount int64
	sweeps     int
}

func (f *fakeStore) GetEligiblePicks(ctx context.Context, now time.Time, minSettleDelay time.Duration, limit int) ([]*database.Pick, error) {
	return nil, nil
}

func (f *fakeStore) ClaimAttempt(ctx context.Context, pickID string, now time.Time, lease time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	f.claimLease = lease
	return f.claimResult, f.claimErr
}

func (f *fakeStore) SettlePick(ctx context.Context, pickID, status string, resultPayload json.RawMessage, settledAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles++
	f.settledStatus = status
	return f.settleResult, nil
}

func (f *fakeStore) VoidPick(ctx context.Context, pickID, reason string, resultPayload json.RawMessage, settledAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voids++
	f.voidReason = reason
	return true, nil
}

func (f *fakeStore) ReschedulePick(ctx context.Context, pickID string, nextEligibleAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reschedules++
	f.rescheduledTo = nextEligibleAt
	return nil
}

func (f *fakeStore) AutoVoidSweep(ctx context.Context, now time.Time, statsMarkets []string, statsCutoff, defaultCutoff time.Duration, reason string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.sweepCount, nil
}

func (f *fakeStore) GetFixtureByID(ctx context.Context, id int64) (*database.Fixture, error) {
	if f.fixture == nil {
		return nil, errors.New("fixture not found")
	}
	return f.fixture, nil
}

type fakeResolver struct {
	resolution *resolver.Resolution
	err        error
	calls      int
}

func (f *fakeResolver) BeginCycle() {}

func (f *fakeResolver) Resolve(ctx context.Context, ref providers.FixtureRef, needs []providers.Resource) (*resolver.Resolution, error) {
	f.calls++
	return f.resolution, f.err
}

type fakeCalibrator struct {
	mu           sync.Mutex
	observations []bool
}

func (f *fakeCalibrator) Observe(predicted float64, won bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = append(f.observations, won)
}

func testConfig() config.SettlementConfig {
	return config.SettlementConfig{
		CheckIntervalSec:    600,
		MaxConcurrent:       5,
		CycleBudgetSec:      120,
		BatchSize:           100,
		CooldownMinutes:     30,
		QuotaRetryMinutes:   10,
		MinSettleDelayMin:   95,
		VoidAfterHours:      72,
		StatsVoidAfterHours: 48,
	}
}

func testPick() *database.Pick {
	line := 2.5
	return &database.Pick{
		ID:                   "pick-1",
		FixtureID:            1,
		Market:               MarketOverGoals,
		Selection:            "",
		Line:                 &line,
		PredictedProbability: 0.62,
		OfferedPrice:         1.95,
		StakeUnits:           1.0,
		Status:               database.StatusPending,
	}
}

func testFixture() *database.Fixture {
	return &database.Fixture{
		ID:          1,
		ExternalRef: "EPL-2026-08-29-ARS-CHE",
		ProviderIDs: map[string]string{"api_football": "1001"},
		HomeTeam:    "Arsenal",
		AwayTeam:    "Chelsea",
		Kickoff:     time.Now().UTC().Add(-3 * time.Hour),
	}
}

func finishedResolution(homeGoals, awayGoals int) *resolver.Resolution {
	return &resolver.Resolution{
		Result: &providers.RawResult{
			Source:        "api_football",
			FixtureStatus: "FINISHED",
			HomeGoals:     intPtr(homeGoals),
			AwayGoals:     intPtr(awayGoals),
		},
		Sources:       []string{"api_football"},
		ReachedSource: true,
	}
}

func TestAttemptClaimLostSkips(t *testing.T) {
	store := &fakeStore{claimResult: false, fixture: testFixture()}
	res := &fakeResolver{}
	svc := NewService(store, res, nil, testConfig(), zerolog.Nop())

	result, err := svc.Attempt(context.Background(), testPick())
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result.Status != AttemptSkipped {
		t.Errorf("Status = %v, want %v", result.Status, AttemptSkipped)
	}
	if res.calls != 0 {
		t.Errorf("resolver consulted %d times after lost claim, want 0", res.calls)
	}
}

func TestAttemptSettlesAndObservesOnce(t *testing.T) {
	store := &fakeStore{claimResult: true, settleResult: true, fixture: testFixture()}
	res := &fakeResolver{resolution: finishedResolution(2, 1)}
	cal := &fakeCalibrator{}
	svc := NewService(store, res, cal, testConfig(), zerolog.Nop())

	// Over 2.5 on a 2-1 final: 3 goals clears the line.
	result, err := svc.Attempt(context.Background(), testPick())
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result.Status != AttemptSettled || result.Outcome != OutcomeWon {
		t.Errorf("got (%v, %v), want (%v, %v)", result.Status, result.Outcome, AttemptSettled, OutcomeWon)
	}
	if store.settledStatus != database.StatusWon {
		t.Errorf("settled status = %s, want %s", store.settledStatus, database.StatusWon)
	}
	if len(cal.observations) != 1 || cal.observations[0] != true {
		t.Errorf("observations = %v, want one win", cal.observations)
	}
}

func TestAttemptRaceLoserDoesNotObserve(t *testing.T) {
	// SettlePick returning false means another writer owned the terminal
	// transition; the calibration observation must not happen here.
	store := &fakeStore{claimResult: true, settleResult: false, fixture: testFixture()}
	res := &fakeResolver{resolution: finishedResolution(3, 1)}
	cal := &fakeCalibrator{}
	svc := NewService(store, res, cal, testConfig(), zerolog.Nop())

	result, err := svc.Attempt(context.Background(), testPick())
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result.Status != AttemptSkipped {
		t.Errorf("Status = %v, want %v", result.Status, AttemptSkipped)
	}
	if len(cal.observations) != 0 {
		t.Errorf("observations = %v, want none", cal.observations)
	}
}

func TestAttemptPushVoids(t *testing.T) {
	store := &fakeStore{claimResult: true, fixture: testFixture()}
	res := &fakeResolver{resolution: finishedResolution(2, 1)}
	cal := &fakeCalibrator{}
	svc := NewService(store, res, cal, testConfig(), zerolog.Nop())

	pick := testPick()
	line := 3.0
	pick.Line = &line

	result, err := svc.Attempt(context.Background(), pick)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result.Outcome != OutcomeVoid {
		t.Errorf("Outcome = %v, want %v", result.Outcome, OutcomeVoid)
	}
	if store.voids != 1 || store.voidReason != PushVoidReason {
		t.Errorf("voids = %d reason = %q, want 1 %q", store.voids, store.voidReason, PushVoidReason)
	}
	if store.settles != 0 {
		t.Errorf("SettlePick called %d times on a push", store.settles)
	}
	if len(cal.observations) != 0 {
		t.Errorf("push fed calibration: %v", cal.observations)
	}
}

func TestAttemptQuotaBlockedShortRetry(t *testing.T) {
	store := &fakeStore{claimResult: true, fixture: testFixture()}
	res := &fakeResolver{resolution: &resolver.Resolution{QuotaBlocked: true}}
	svc := NewService(store, res, nil, testConfig(), zerolog.Nop())

	before := time.Now().UTC()
	result, err := svc.Attempt(context.Background(), testPick())
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result.Status != AttemptQuotaRetry {
		t.Errorf("Status = %v, want %v", result.Status, AttemptQuotaRetry)
	}
	if store.reschedules != 1 {
		t.Fatalf("reschedules = %d, want 1", store.reschedules)
	}

	// The quota retry delay must be the short one, not the full cooldown.
	delay := store.rescheduledTo.Sub(before)
	if delay > 11*time.Minute || delay < 9*time.Minute {
		t.Errorf("retry delay = %v, want ~10m", delay)
	}
}

func TestAttemptUnresolvedKeepsCooldownLease(t *testing.T) {
	store := &fakeStore{claimResult: true, fixture: testFixture()}
	res := &fakeResolver{resolution: &resolver.Resolution{
		Result:        &providers.RawResult{Source: "api_football", FixtureStatus: "LIVE"},
		ReachedSource: true,
	}}
	svc := NewService(store, res, nil, testConfig(), zerolog.Nop())

	result, err := svc.Attempt(context.Background(), testPick())
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result.Status != AttemptUnresolved {
		t.Errorf("Status = %v, want %v", result.Status, AttemptUnresolved)
	}
	if store.reschedules != 0 {
		t.Errorf("reschedules = %d, want 0: claim lease already holds the cooldown", store.reschedules)
	}
	if store.claimLease != 30*time.Minute {
		t.Errorf("claim lease = %v, want 30m", store.claimLease)
	}
}

func TestAttemptCacheOutageReschedulesShort(t *testing.T) {
	store := &fakeStore{claimResult: true, fixture: testFixture()}
	res := &fakeResolver{resolution: &resolver.Resolution{}, err: errors.New("cache unavailable")}
	svc := NewService(store, res, nil, testConfig(), zerolog.Nop())

	result, err := svc.Attempt(context.Background(), testPick())
	if err == nil {
		t.Fatal("expected error from cache outage")
	}
	if result.Status != AttemptUnavailable {
		t.Errorf("Status = %v, want %v", result.Status, AttemptUnavailable)
	}
	if store.reschedules != 1 {
		t.Errorf("reschedules = %d, want 1", store.reschedules)
	}
}

func TestAutoVoidUsesMarketCutoffs(t *testing.T) {
	store := &fakeStore{sweepCount: 3}
	svc := NewService(store, &fakeResolver{}, nil, testConfig(), zerolog.Nop())

	voided, err := svc.AutoVoid(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("AutoVoid() error = %v", err)
	}
	if voided != 3 {
		t.Errorf("voided = %d, want 3", voided)
	}
	if store.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", store.sweeps)
	}
}
