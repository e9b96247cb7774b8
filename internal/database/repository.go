package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrPickNotFound is returned when a pick id does not exist.
var ErrPickNotFound = errors.New("pick not found")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// FIXTURES
// ============================================================================

// UpsertFixture inserts a fixture or returns the existing row for the same
// external reference.
func (r *Repository) UpsertFixture(ctx context.Context, fixture *Fixture) error {
	providerIDs, err := json.Marshal(fixture.ProviderIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal provider ids: %w", err)
	}

	query := `
		INSERT INTO fixtures (external_ref, provider_ids, home_team, away_team, kickoff, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_ref) DO UPDATE SET
			provider_ids = fixtures.provider_ids || EXCLUDED.provider_ids,
			updated_at = NOW()
		RETURNING id, status, created_at, updated_at
	`
	status := fixture.Status
	if status == "" {
		status = FixtureScheduled
	}
	return r.db.Pool.QueryRow(
		ctx, query,
		fixture.ExternalRef, providerIDs, fixture.HomeTeam, fixture.AwayTeam, fixture.Kickoff, status,
	).Scan(&fixture.ID, &fixture.Status, &fixture.CreatedAt, &fixture.UpdatedAt)
}

// GetFixtureByID retrieves a fixture by ID
func (r *Repository) GetFixtureByID(ctx context.Context, id int64) (*Fixture, error) {
	query := `
		SELECT id, external_ref, provider_ids, home_team, away_team, kickoff, status,
		       home_goals, away_goals, created_at, updated_at
		FROM fixtures
		WHERE id = $1
	`
	fixture := &Fixture{}
	var providerIDs []byte
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&fixture.ID, &fixture.ExternalRef, &providerIDs, &fixture.HomeTeam, &fixture.AwayTeam,
		&fixture.Kickoff, &fixture.Status, &fixture.HomeGoals, &fixture.AwayGoals,
		&fixture.CreatedAt, &fixture.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(providerIDs, &fixture.ProviderIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider ids: %w", err)
	}
	return fixture, nil
}

// ConfirmFixtureResult records a provider-confirmed lifecycle change. It never
// downgrades a FINISHED fixture back to an earlier status.
func (r *Repository) ConfirmFixtureResult(ctx context.Context, id int64, status string, homeGoals, awayGoals *int) error {
	query := `
		UPDATE fixtures
		SET status = $2,
		    home_goals = COALESCE($3, home_goals),
		    away_goals = COALESCE($4, away_goals),
		    updated_at = NOW()
		WHERE id = $1 AND NOT (status = 'FINISHED' AND $2 <> 'FINISHED')
	`
	_, err := r.db.Pool.Exec(ctx, query, id, status, homeGoals, awayGoals)
	return err
}

// ============================================================================
// PICKS
// ============================================================================

const pickColumns = `id, fixture_id, market, selection, line, predicted_probability, offered_price,
	stake_units, status, attempt_count, last_attempt_at, next_eligible_at, placed_at,
	settled_at, void_reason, result_payload, calibration_accounted, created_at, updated_at`

func scanPick(row pgx.Row) (*Pick, error) {
	pick := &Pick{}
	err := row.Scan(
		&pick.ID, &pick.FixtureID, &pick.Market, &pick.Selection, &pick.Line,
		&pick.PredictedProbability, &pick.OfferedPrice, &pick.StakeUnits, &pick.Status,
		&pick.AttemptCount, &pick.LastAttemptAt, &pick.NextEligibleAt, &pick.PlacedAt,
		&pick.SettledAt, &pick.VoidReason, &pick.ResultPayload, &pick.CalibrationAccounted,
		&pick.CreatedAt, &pick.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return pick, nil
}

// CreatePick inserts a new pick in PENDING state
func (r *Repository) CreatePick(ctx context.Context, pick *Pick) error {
	if pick.ID == "" {
		pick.ID = uuid.New().String()
	}
	pick.Status = StatusPending

	query := `
		INSERT INTO picks (id, fixture_id, market, selection, line, predicted_probability,
		                   offered_price, stake_units, status, next_eligible_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING placed_at, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		pick.ID, pick.FixtureID, pick.Market, pick.Selection, pick.Line,
		pick.PredictedProbability, pick.OfferedPrice, pick.StakeUnits, pick.Status,
		pick.NextEligibleAt,
	).Scan(&pick.PlacedAt, &pick.CreatedAt, &pick.UpdatedAt)
}

// GetPickByID retrieves a pick by ID
func (r *Repository) GetPickByID(ctx context.Context, id string) (*Pick, error) {
	query := `SELECT ` + pickColumns + ` FROM picks WHERE id = $1`
	pick, err := scanPick(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPickNotFound
	}
	return pick, err
}

// ListPicks retrieves picks matching the filter, newest first
func (r *Repository) ListPicks(ctx context.Context, filter PickFilter) ([]*Pick, error) {
	query := `SELECT ` + pickColumns + ` FROM picks WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.Market != "" {
		query += fmt.Sprintf(" AND market = $%d", idx)
		args = append(args, filter.Market)
		idx++
	}
	if filter.Date != nil {
		query += fmt.Sprintf(" AND placed_at >= $%d AND placed_at < $%d", idx, idx+1)
		dayStart := filter.Date.UTC().Truncate(24 * time.Hour)
		args = append(args, dayStart, dayStart.Add(24*time.Hour))
		idx += 2
	}

	query += " ORDER BY placed_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var picks []*Pick
	for rows.Next() {
		pick, err := scanPick(rows)
		if err != nil {
			return nil, err
		}
		picks = append(picks, pick)
	}
	return picks, rows.Err()
}

// GetEligiblePicks returns PENDING picks whose cooldown has elapsed and whose
// fixture kicked off long enough ago that a final result could exist.
func (r *Repository) GetEligiblePicks(ctx context.Context, now time.Time, minSettleDelay time.Duration, limit int) ([]*Pick, error) {
	query := `
		SELECT ` + pickColumns + `
		FROM picks
		WHERE status = 'PENDING'
		  AND next_eligible_at <= $1
		  AND fixture_id IN (SELECT id FROM fixtures WHERE kickoff <= $2)
		ORDER BY next_eligible_at ASC
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, now, now.Add(-minSettleDelay), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var picks []*Pick
	for rows.Next() {
		pick, err := scanPick(rows)
		if err != nil {
			return nil, err
		}
		picks = append(picks, pick)
	}
	return picks, rows.Err()
}

// ClaimAttempt moves an eligible pick under a short lease so that only one
// worker verifies it. The lease is the claiming worker's cycle budget; the
// worker replaces it with a real cooldown or a terminal state before the
// lease expires. Returns false if another worker already claimed the pick or
// it is no longer eligible.
func (r *Repository) ClaimAttempt(ctx context.Context, pickID string, now time.Time, lease time.Duration) (bool, error) {
	query := `
		UPDATE picks
		SET attempt_count = attempt_count + 1,
		    last_attempt_at = $2,
		    next_eligible_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND next_eligible_at <= $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, pickID, now, now.Add(lease))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SettlePick commits a terminal WON/LOST transition. The calibration_accounted
// flag flips in the same statement; the returned bool reports whether this
// call freshly set it, which is the exactly-once signal for the calibration
// engine.
func (r *Repository) SettlePick(ctx context.Context, pickID, status string, resultPayload json.RawMessage, settledAt time.Time) (bool, error) {
	if status != StatusWon && status != StatusLost {
		return false, fmt.Errorf("settle requires WON or LOST, got %s", status)
	}
	query := `
		UPDATE picks
		SET status = $2, settled_at = $3, result_payload = $4,
		    calibration_accounted = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND calibration_accounted = FALSE
	`
	tag, err := r.db.Pool.Exec(ctx, query, pickID, status, settledAt, resultPayload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// VoidPick voids a single PENDING pick with a reason, used for pushes and
// abandoned fixtures detected during evaluation. VOID never feeds calibration,
// so calibration_accounted stays untouched.
func (r *Repository) VoidPick(ctx context.Context, pickID, reason string, resultPayload json.RawMessage, settledAt time.Time) (bool, error) {
	query := `
		UPDATE picks
		SET status = 'VOID', settled_at = $2, void_reason = $3,
		    result_payload = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := r.db.Pool.Exec(ctx, query, pickID, settledAt, reason, resultPayload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReschedulePick sets the next verification attempt time for an unresolved pick.
func (r *Repository) ReschedulePick(ctx context.Context, pickID string, nextEligibleAt time.Time) error {
	query := `
		UPDATE picks
		SET next_eligible_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`
	_, err := r.db.Pool.Exec(ctx, query, pickID, nextEligibleAt)
	return err
}

// AutoVoidSweep voids PENDING picks whose fixture kickoff is older than the
// market-specific cutoff. statsMarkets get the shorter cutoff (thin data
// coverage); everything else gets the default one.
func (r *Repository) AutoVoidSweep(ctx context.Context, now time.Time, statsMarkets []string, statsCutoff, defaultCutoff time.Duration, reason string) (int64, error) {
	statsQuery := `
		UPDATE picks
		SET status = 'VOID', settled_at = $1, void_reason = $2, updated_at = NOW()
		WHERE status = 'PENDING'
		  AND market = ANY($3)
		  AND fixture_id IN (SELECT id FROM fixtures WHERE kickoff < $4)
	`
	statsTag, err := r.db.Pool.Exec(ctx, statsQuery, now, reason, statsMarkets, now.Add(-statsCutoff))
	if err != nil {
		return 0, fmt.Errorf("stats market void sweep failed: %w", err)
	}

	defaultQuery := `
		UPDATE picks
		SET status = 'VOID', settled_at = $1, void_reason = $2, updated_at = NOW()
		WHERE status = 'PENDING'
		  AND NOT (market = ANY($3))
		  AND fixture_id IN (SELECT id FROM fixtures WHERE kickoff < $4)
	`
	defaultTag, err := r.db.Pool.Exec(ctx, defaultQuery, now, reason, statsMarkets, now.Add(-defaultCutoff))
	if err != nil {
		return statsTag.RowsAffected(), fmt.Errorf("default void sweep failed: %w", err)
	}

	return statsTag.RowsAffected() + defaultTag.RowsAffected(), nil
}

// ManualOverride applies an audited operator override. Overrides are the only
// path out of a terminal state. Re-applying an override that already produced
// the requested status is a no-op. The returned bool reports whether the
// override freshly accounted a WON/LOST outcome for calibration.
func (r *Repository) ManualOverride(ctx context.Context, pickID, newStatus, operator, reason string) (*Pick, bool, error) {
	if newStatus != StatusWon && newStatus != StatusLost && newStatus != StatusVoid {
		return nil, false, fmt.Errorf("override requires WON, LOST or VOID, got %s", newStatus)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + pickColumns + ` FROM picks WHERE id = $1 FOR UPDATE`
	pick, err := scanPick(tx.QueryRow(ctx, query, pickID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrPickNotFound
	}
	if err != nil {
		return nil, false, err
	}

	// Idempotent re-application
	if pick.Status == newStatus {
		return pick, false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO override_audit_log (pick_id, operator, reason, prior_status, new_status)
		VALUES ($1, $2, $3, $4, $5)
	`, pickID, operator, reason, pick.Status, newStatus)
	if err != nil {
		return nil, false, fmt.Errorf("failed to write override audit: %w", err)
	}

	// A WON/LOST override accounts for calibration only if the pick was never
	// accounted before; VOID never does.
	freshlyAccounted := (newStatus == StatusWon || newStatus == StatusLost) && !pick.CalibrationAccounted

	now := time.Now().UTC()
	updated, err := scanPick(tx.QueryRow(ctx, `
		UPDATE picks
		SET status = $2, settled_at = $3,
		    void_reason = CASE WHEN $2 = 'VOID' THEN $4 ELSE void_reason END,
		    calibration_accounted = calibration_accounted OR $5,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+pickColumns, pickID, newStatus, now, reason, freshlyAccounted))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return updated, freshlyAccounted, nil
}

// GetOverrideAudit returns the audit trail for a pick, oldest first.
func (r *Repository) GetOverrideAudit(ctx context.Context, pickID string) ([]*OverrideAudit, error) {
	query := `
		SELECT id, pick_id, operator, reason, prior_status, new_status, created_at
		FROM override_audit_log
		WHERE pick_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, pickID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OverrideAudit
	for rows.Next() {
		entry := &OverrideAudit{}
		if err := rows.Scan(&entry.ID, &entry.PickID, &entry.Operator, &entry.Reason,
			&entry.PriorStatus, &entry.NewStatus, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetPickStats aggregates settled pick performance. VOID picks are excluded
// from hit rate and P&L.
func (r *Repository) GetPickStats(ctx context.Context) (*PickStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('WON', 'LOST')),
			COUNT(*) FILTER (WHERE status = 'WON'),
			COUNT(*) FILTER (WHERE status = 'LOST'),
			COUNT(*) FILTER (WHERE status = 'VOID'),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COALESCE(SUM(CASE WHEN status = 'WON' THEN stake_units * (offered_price - 1)
			              WHEN status = 'LOST' THEN -stake_units ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('WON', 'LOST') THEN stake_units ELSE 0 END), 0)
		FROM picks
	`
	stats := &PickStats{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&stats.Settled, &stats.Won, &stats.Lost, &stats.Voided, &stats.Pending,
		&stats.UnitsPnL, &stats.UnitsRisk,
	)
	if err != nil {
		return nil, err
	}
	if stats.Settled > 0 {
		stats.HitRate = float64(stats.Won) / float64(stats.Settled)
	}
	return stats, nil
}

// ============================================================================
// CALIBRATION MODEL
// ============================================================================

// LoadCalibrationState loads the persisted calibration parameters, or nil if
// the model has never been saved.
func (r *Repository) LoadCalibrationState(ctx context.Context) (*CalibrationState, error) {
	query := `
		SELECT id, market_segment, scale, param_offset, brier_window, sample_count, updated_at
		FROM calibration_model
		WHERE id = 1
	`
	state := &CalibrationState{}
	var window []byte
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&state.ID, &state.MarketSegment, &state.Scale, &state.Offset,
		&window, &state.SampleCount, &state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(window, &state.BrierWindow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal brier window: %w", err)
	}
	return state, nil
}

// SaveCalibrationState upserts the calibration parameters.
func (r *Repository) SaveCalibrationState(ctx context.Context, state *CalibrationState) error {
	window, err := json.Marshal(state.BrierWindow)
	if err != nil {
		return fmt.Errorf("failed to marshal brier window: %w", err)
	}
	query := `
		INSERT INTO calibration_model (id, market_segment, scale, param_offset, brier_window, sample_count, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			market_segment = EXCLUDED.market_segment,
			scale = EXCLUDED.scale,
			param_offset = EXCLUDED.param_offset,
			brier_window = EXCLUDED.brier_window,
			sample_count = EXCLUDED.sample_count,
			updated_at = NOW()
	`
	_, err = r.db.Pool.Exec(ctx, query, state.MarketSegment, state.Scale, state.Offset, window, state.SampleCount)
	return err
}
