package settlement

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"sports-settlement-bot/internal/providers"
)

// Supported markets.
const (
	MarketOverGoals    = "OVER_GOALS"
	MarketUnderGoals   = "UNDER_GOALS"
	Market1X2          = "1X2"
	MarketExactScore   = "EXACT_SCORE"
	MarketOverCorners  = "OVER_CORNERS"
	MarketUnderCorners = "UNDER_CORNERS"
	MarketOverCards    = "OVER_CARDS"
	MarketUnderCards   = "UNDER_CARDS"
	MarketBTTS         = "BTTS"
)

// Outcome of evaluating a settled market.
type Outcome string

const (
	OutcomeWon  Outcome = "WON"
	OutcomeLost Outcome = "LOST"
	OutcomeVoid Outcome = "VOID" // push on a whole-number line
)

// KnownMarket reports whether the market has an evaluator.
func KnownMarket(market string) bool {
	switch market {
	case MarketOverGoals, MarketUnderGoals, Market1X2, MarketExactScore,
		MarketOverCorners, MarketUnderCorners, MarketOverCards, MarketUnderCards,
		MarketBTTS:
		return true
	}
	return false
}

// StatsMarkets lists the markets that need corner or card statistics, which
// age out of provider feeds faster than scores.
func StatsMarkets() []string {
	return []string{MarketOverCorners, MarketUnderCorners, MarketOverCards, MarketUnderCards}
}

// NeedsFor maps a market to the result resources required to settle it.
func NeedsFor(market string) []providers.Resource {
	switch market {
	case MarketOverCorners, MarketUnderCorners:
		return []providers.Resource{providers.ResourceCorners}
	case MarketOverCards, MarketUnderCards:
		return []providers.Resource{providers.ResourceCards}
	default:
		return []providers.Resource{providers.ResourceScore}
	}
}

// Evaluate decides a pick's outcome from a final result. The result must be
// FINISHED and cover the market's resources; callers gate on that before
// evaluating.
func Evaluate(market, selection string, line *float64, result *providers.RawResult) (Outcome, error) {
	switch market {
	case MarketOverGoals, MarketUnderGoals:
		return evalOverUnder(market == MarketOverGoals, line, result.HomeGoals, result.AwayGoals)
	case MarketOverCorners, MarketUnderCorners:
		return evalOverUnder(market == MarketOverCorners, line, result.HomeCorners, result.AwayCorners)
	case MarketOverCards, MarketUnderCards:
		return evalOverUnder(market == MarketOverCards, line, result.HomeCards, result.AwayCards)
	case Market1X2:
		return eval1X2(selection, result)
	case MarketExactScore:
		return evalExactScore(selection, result)
	case MarketBTTS:
		return evalBTTS(selection, result)
	default:
		return "", fmt.Errorf("unknown market %q", market)
	}
}

func evalOverUnder(over bool, line *float64, home, away *int) (Outcome, error) {
	if line == nil {
		return "", fmt.Errorf("over/under market requires a line")
	}
	if home == nil || away == nil {
		return "", fmt.Errorf("result missing totals")
	}
	total := float64(*home + *away)

	// Whole-number lines can land exactly: that is a push, not a loss.
	if isWholeLine(*line) && total == *line {
		return OutcomeVoid, nil
	}
	if over {
		if total > *line {
			return OutcomeWon, nil
		}
		return OutcomeLost, nil
	}
	if total < *line {
		return OutcomeWon, nil
	}
	return OutcomeLost, nil
}

func eval1X2(selection string, result *providers.RawResult) (Outcome, error) {
	if result.HomeGoals == nil || result.AwayGoals == nil {
		return "", fmt.Errorf("result missing score")
	}

	var winner string
	switch {
	case *result.HomeGoals > *result.AwayGoals:
		winner = "HOME"
	case *result.HomeGoals < *result.AwayGoals:
		winner = "AWAY"
	default:
		winner = "DRAW"
	}

	switch strings.ToUpper(selection) {
	case "HOME", "1":
		selection = "HOME"
	case "AWAY", "2":
		selection = "AWAY"
	case "DRAW", "X":
		selection = "DRAW"
	default:
		return "", fmt.Errorf("invalid 1X2 selection %q", selection)
	}

	if selection == winner {
		return OutcomeWon, nil
	}
	return OutcomeLost, nil
}

func evalExactScore(selection string, result *providers.RawResult) (Outcome, error) {
	if result.HomeGoals == nil || result.AwayGoals == nil {
		return "", fmt.Errorf("result missing score")
	}

	home, away, err := parseScoreSelection(selection)
	if err != nil {
		return "", err
	}

	if *result.HomeGoals == home && *result.AwayGoals == away {
		return OutcomeWon, nil
	}
	return OutcomeLost, nil
}

func evalBTTS(selection string, result *providers.RawResult) (Outcome, error) {
	if result.HomeGoals == nil || result.AwayGoals == nil {
		return "", fmt.Errorf("result missing score")
	}

	both := *result.HomeGoals > 0 && *result.AwayGoals > 0
	switch strings.ToUpper(selection) {
	case "YES":
		if both {
			return OutcomeWon, nil
		}
		return OutcomeLost, nil
	case "NO":
		if !both {
			return OutcomeWon, nil
		}
		return OutcomeLost, nil
	default:
		return "", fmt.Errorf("invalid BTTS selection %q", selection)
	}
}

// parseScoreSelection accepts "2-1" or "2:1".
func parseScoreSelection(selection string) (home, away int, err error) {
	sep := "-"
	if strings.Contains(selection, ":") {
		sep = ":"
	}
	parts := strings.Split(strings.TrimSpace(selection), sep)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid exact score selection %q", selection)
	}
	home, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid exact score selection %q", selection)
	}
	away, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid exact score selection %q", selection)
	}
	return home, away, nil
}

func isWholeLine(line float64) bool {
	return line == math.Trunc(line)
}
