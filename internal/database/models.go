package database

import (
	"encoding/json"
	"time"
)

// Pick status values. Terminal statuses accept no further automatic
// transitions.
const (
	StatusPending = "PENDING"
	StatusWon     = "WON"
	StatusLost    = "LOST"
	StatusVoid    = "VOID"
)

// Fixture lifecycle values
const (
	FixtureScheduled = "SCHEDULED"
	FixtureLive      = "LIVE"
	FixtureFinished  = "FINISHED"
	FixtureUnknown   = "UNKNOWN"
)

// IsTerminal reports whether a pick status is terminal.
func IsTerminal(status string) bool {
	return status == StatusWon || status == StatusLost || status == StatusVoid
}

// Pick represents a single settleable prediction
type Pick struct {
	ID                   string          `json:"id"`
	FixtureID            int64           `json:"fixture_id"`
	Market               string          `json:"market"`
	Selection            string          `json:"selection"`
	Line                 *float64        `json:"line,omitempty"`
	PredictedProbability float64         `json:"predicted_probability"`
	OfferedPrice         float64         `json:"offered_price"`
	StakeUnits           float64         `json:"stake_units"`
	Status               string          `json:"status"`
	AttemptCount         int             `json:"attempt_count"`
	LastAttemptAt        *time.Time      `json:"last_attempt_at,omitempty"`
	NextEligibleAt       time.Time       `json:"next_eligible_at"`
	PlacedAt             time.Time       `json:"placed_at"`
	SettledAt            *time.Time      `json:"settled_at,omitempty"`
	VoidReason           *string         `json:"void_reason,omitempty"`
	ResultPayload        json.RawMessage `json:"result_payload,omitempty"`
	CalibrationAccounted bool            `json:"calibration_accounted"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Fixture represents the external event a pick is about
type Fixture struct {
	ID          int64             `json:"id"`
	ExternalRef string            `json:"external_ref"`
	ProviderIDs map[string]string `json:"provider_ids"`
	HomeTeam    string            `json:"home_team"`
	AwayTeam    string            `json:"away_team"`
	Kickoff     time.Time         `json:"kickoff"`
	Status      string            `json:"status"`
	HomeGoals   *int              `json:"home_goals,omitempty"`
	AwayGoals   *int              `json:"away_goals,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// OverrideAudit is one entry in the manual override audit trail
type OverrideAudit struct {
	ID          int64     `json:"id"`
	PickID      string    `json:"pick_id"`
	Operator    string    `json:"operator"`
	Reason      string    `json:"reason"`
	PriorStatus string    `json:"prior_status"`
	NewStatus   string    `json:"new_status"`
	CreatedAt   time.Time `json:"created_at"`
}

// CalibrationState is the persisted calibration model row
type CalibrationState struct {
	ID            int       `json:"id"`
	MarketSegment string    `json:"market_segment"`
	Scale         float64   `json:"scale"`
	Offset        float64   `json:"offset"`
	BrierWindow   []float64 `json:"brier_window"`
	SampleCount   int64     `json:"sample_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PickFilter narrows ListPicks queries
type PickFilter struct {
	Status string
	Market string
	Date   *time.Time // matches picks placed on this calendar day (UTC)
	Limit  int
	Offset int
}

// PickStats aggregates settled pick performance. VOID picks are excluded
// from the hit rate and P&L figures.
type PickStats struct {
	Settled   int64   `json:"settled"`
	Won       int64   `json:"won"`
	Lost      int64   `json:"lost"`
	Voided    int64   `json:"voided"`
	Pending   int64   `json:"pending"`
	HitRate   float64 `json:"hit_rate"`
	UnitsPnL  float64 `json:"units_pnl"`
	UnitsRisk float64 `json:"units_risked"`
}
