// Package calibration maintains an online logistic recalibration of predicted
// probabilities and derives a stake multiplier from recent Brier score. One
// global model covers all markets; parameters persist across restarts.
package calibration

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sports-settlement-bot/config"
	"sports-settlement-bot/internal/database"
)

// Parameter bounds. Updates are clipped here; values outside mean the model
// has diverged and the update rolls back instead.
const (
	scaleMin  = 0.1
	scaleMax  = 10.0
	offsetMin = -3.0
	offsetMax = 3.0

	probFloor   = 1e-6
	logitClamp  = 20.0
	warmupCount = 20 // below this many outcomes the multiplier stays neutral
)

// Store is the persistence slice the engine needs from the repository.
type Store interface {
	LoadCalibrationState(ctx context.Context) (*database.CalibrationState, error)
	SaveCalibrationState(ctx context.Context, state *database.CalibrationState) error
}

// Summary is the read-model exposed over the API.
type Summary struct {
	Scale           float64 `json:"scale"`
	Offset          float64 `json:"offset"`
	SampleCount     int64   `json:"sample_count"`
	WindowSize      int     `json:"window_size"`
	WindowFilled    int     `json:"window_filled"`
	BrierScore      float64 `json:"brier_score"`
	StakeMultiplier float64 `json:"stake_multiplier"`
}

// Engine is the online calibrator. Safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	scale       float64
	offset      float64
	lr          float64
	window      []float64 // Brier ring buffer
	windowNext  int
	windowFill  int
	sampleCount int64

	goodBrier float64
	badBrier  float64
	minMult   float64
	maxMult   float64

	store  Store
	logger zerolog.Logger
}

// NewEngine restores persisted parameters, or starts from the identity
// calibration (scale 1, offset 0) on first run.
func NewEngine(ctx context.Context, cfg config.CalibrationConfig, store Store, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		scale:     1.0,
		offset:    0.0,
		lr:        cfg.LearningRate,
		window:    make([]float64, cfg.BrierWindow),
		goodBrier: cfg.GoodBrier,
		badBrier:  cfg.BadBrier,
		minMult:   cfg.MinMultiplier,
		maxMult:   cfg.MaxMultiplier,
		store:     store,
		logger:    logger.With().Str("component", "calibration").Logger(),
	}

	if store == nil {
		return e, nil
	}

	state, err := store.LoadCalibrationState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load calibration state: %w", err)
	}
	if state != nil {
		e.scale = clamp(state.Scale, scaleMin, scaleMax)
		e.offset = clamp(state.Offset, offsetMin, offsetMax)
		e.sampleCount = state.SampleCount
		for _, b := range state.BrierWindow {
			if e.windowFill < len(e.window) {
				e.window[e.windowNext] = b
				e.windowNext = (e.windowNext + 1) % len(e.window)
				e.windowFill++
			}
		}
		e.logger.Info().Float64("scale", e.scale).Float64("offset", e.offset).
			Int64("samples", e.sampleCount).Msg("Restored calibration state")
	}
	return e, nil
}

// CalibratedProbability maps a raw model probability through the learned
// logistic correction.
func (e *Engine) CalibratedProbability(p float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calibrateLocked(p)
}

func (e *Engine) calibrateLocked(p float64) float64 {
	z := logit(clamp(p, probFloor, 1-probFloor))
	return sigmoid(e.scale*z + e.offset)
}

// Observe feeds one settled outcome into the model. Called exactly once per
// pick's first terminal transition; the caller owns that guarantee.
func (e *Engine) Observe(predicted float64, won bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	y := 0.0
	if won {
		y = 1.0
	}

	z := logit(clamp(predicted, probFloor, 1-probFloor))
	calibrated := sigmoid(e.scale*z + e.offset)
	residual := calibrated - y

	newScale := clamp(e.scale-e.lr*residual*z, scaleMin, scaleMax)
	newOffset := clamp(e.offset-e.lr*residual, offsetMin, offsetMax)

	if !isFinite(newScale) || !isFinite(newOffset) {
		e.logger.Error().Float64("predicted", predicted).Float64("residual", residual).
			Msg("Non-finite calibration update, rolling back")
	} else {
		e.scale = newScale
		e.offset = newOffset
	}

	brier := (calibrated - y) * (calibrated - y)
	e.window[e.windowNext] = brier
	e.windowNext = (e.windowNext + 1) % len(e.window)
	if e.windowFill < len(e.window) {
		e.windowFill++
	}
	e.sampleCount++
}

// BrierScore is the mean squared error over the recent outcome window.
func (e *Engine) BrierScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.brierLocked()
}

func (e *Engine) brierLocked() float64 {
	if e.windowFill == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < e.windowFill; i++ {
		sum += e.window[i]
	}
	return sum / float64(e.windowFill)
}

// StakeMultiplier maps recent Brier score to a stake scaling factor:
// max multiplier at or below the good threshold, min at or above the bad
// threshold, linear in between. Until warmup it stays at 1.0.
func (e *Engine) StakeMultiplier() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.windowFill < warmupCount {
		return 1.0
	}

	brier := e.brierLocked()
	var mult float64
	switch {
	case brier <= e.goodBrier:
		mult = e.maxMult
	case brier >= e.badBrier:
		mult = e.minMult
	default:
		frac := (brier - e.goodBrier) / (e.badBrier - e.goodBrier)
		mult = e.maxMult + frac*(e.minMult-e.maxMult)
	}
	return clamp(mult, e.minMult, e.maxMult)
}

// Summary snapshots the model for the API.
func (e *Engine) Summary() Summary {
	mult := e.StakeMultiplier()

	e.mu.Lock()
	defer e.mu.Unlock()
	return Summary{
		Scale:           e.scale,
		Offset:          e.offset,
		SampleCount:     e.sampleCount,
		WindowSize:      len(e.window),
		WindowFilled:    e.windowFill,
		BrierScore:      e.brierLocked(),
		StakeMultiplier: mult,
	}
}

// Persist writes the current parameters and Brier window through the store.
func (e *Engine) Persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.Lock()
	state := &database.CalibrationState{
		ID:            1,
		MarketSegment: "global",
		Scale:         e.scale,
		Offset:        e.offset,
		BrierWindow:   e.windowSnapshotLocked(),
		SampleCount:   e.sampleCount,
		UpdatedAt:     time.Now().UTC(),
	}
	e.mu.Unlock()

	if err := e.store.SaveCalibrationState(ctx, state); err != nil {
		return fmt.Errorf("save calibration state: %w", err)
	}
	return nil
}

// windowSnapshotLocked returns the window oldest-first so a restore replays
// it in order.
func (e *Engine) windowSnapshotLocked() []float64 {
	out := make([]float64, 0, e.windowFill)
	if e.windowFill < len(e.window) {
		out = append(out, e.window[:e.windowFill]...)
		return out
	}
	out = append(out, e.window[e.windowNext:]...)
	out = append(out, e.window[:e.windowNext]...)
	return out
}

func sigmoid(x float64) float64 {
	x = clamp(x, -logitClamp, logitClamp)
	return 1.0 / (1.0 + math.Exp(-x))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
