// Package staking sizes stakes from calibrated probabilities. It uses
// half-Kelly against the offered decimal price, scaled by the Brier-gated
// multiplier from the calibration engine.
package staking

import (
	"sync"
)

// Defaults chosen conservatively: half-Kelly, at most a quarter of bankroll
// on any single pick.
const (
	kellyDivisor     = 2.0
	maxKellyFraction = 0.25
)

// Engine computes suggested stakes in bankroll units.
type Engine struct {
	mu            sync.RWMutex
	bankrollUnits float64
}

func NewEngine(bankrollUnits float64) *Engine {
	return &Engine{bankrollUnits: bankrollUnits}
}

// UpdateBankroll sets the current bankroll in units.
func (e *Engine) UpdateBankroll(units float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bankrollUnits = units
}

// Bankroll returns the current bankroll in units.
func (e *Engine) Bankroll() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bankrollUnits
}

// SuggestStake returns the suggested stake in units for a pick.
//
// Kelly criterion: f* = (b*p - q) / b, with b the net decimal odds, p the
// calibrated win probability and q = 1-p. Negative-edge picks get zero. The
// fraction is halved, capped, and scaled by the calibration multiplier.
func (e *Engine) SuggestStake(calibratedProb, offeredPrice, multiplier float64) float64 {
	if calibratedProb <= 0 || calibratedProb >= 1 || offeredPrice <= 1 {
		return 0
	}

	b := offeredPrice - 1
	p := calibratedProb
	q := 1 - p

	kelly := (b*p - q) / b
	if kelly <= 0 {
		return 0
	}

	fraction := kelly / kellyDivisor
	if fraction > maxKellyFraction {
		fraction = maxKellyFraction
	}

	if multiplier <= 0 {
		multiplier = 1
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bankrollUnits * fraction * multiplier
}
