// Package risk classifies upstream risk assessments into display bands.
//
// Scores are produced by an external analyzer and range from 0.0 (safe) to
// 1.0 (high risk). This package never scores anything itself: it only maps a
// score to a Band and a recommended action to a display category.
package risk

import (
	"fmt"
	"math"
	"strings"
)

// Band is the discrete classification derived from a continuous risk score.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Band thresholds. Upper bounds are inclusive: 0.3 is low, 0.7 is medium.
const (
	LowThreshold    = 0.3
	MediumThreshold = 0.7
)

// Action is the analyzer's recommended handling of a transaction.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionReview Action = "review"
	ActionBlock  Action = "block"
)

// DefaultAction is used when the analyzer's recommendation is absent or unknown.
const DefaultAction = ActionReview

// Category is the display category for a band or action.
type Category string

const (
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
	CategoryError   Category = "error"
)

// Classify maps a score to its band. Out-of-range scores are clamped
// (negative → low, above 1 → high) and NaN is treated as 0.
func Classify(score float64) Band {
	switch score = Clamp(score); {
	case score <= LowThreshold:
		return BandLow
	case score <= MediumThreshold:
		return BandMedium
	default:
		return BandHigh
	}
}

// Clamp restricts a score to [0, 1]. NaN becomes 0.
func Clamp(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// ParseBand parses a band name case-insensitively.
func ParseBand(s string) (Band, error) {
	switch b := Band(strings.ToLower(strings.TrimSpace(s))); b {
	case BandLow, BandMedium, BandHigh:
		return b, nil
	default:
		return "", fmt.Errorf("unknown risk band %q", s)
	}
}

// Rank orders bands: low < medium < high.
func (b Band) Rank() int {
	switch b {
	case BandLow:
		return 1
	case BandMedium:
		return 2
	case BandHigh:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether b is the same as or above min.
func (b Band) AtLeast(min Band) bool {
	return b.Rank() >= min.Rank()
}

// Category returns the display category for the band.
func (b Band) Category() Category {
	switch b {
	case BandHigh:
		return CategoryError
	case BandMedium:
		return CategoryWarning
	default:
		return CategorySuccess
	}
}

// NormalizeAction lowercases s and falls back to DefaultAction for anything
// that is not allow, review or block.
func NormalizeAction(s string) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAllow, ActionReview, ActionBlock:
		return a
	default:
		return DefaultAction
	}
}

// Category returns the display category for the action.
func (a Action) Category() Category {
	switch NormalizeAction(string(a)) {
	case ActionBlock:
		return CategoryError
	case ActionAllow:
		return CategorySuccess
	default:
		return CategoryWarning
	}
}
