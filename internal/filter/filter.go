// Package filter selects records from a view by risk level and search term.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/transaction"
)

// Level is a risk-level selector: a band, or all.
type Level string

// LevelAll matches every band.
const LevelAll Level = "all"

// Mode decides how search and risk level combine.
type Mode string

const (
	// ModeSearchSupersedes lets a non-empty search term decide alone; the
	// risk level only applies when the search term is empty.
	ModeSearchSupersedes Mode = "supersede"
	// ModeAnd requires both predicates to match.
	ModeAnd Mode = "and"
)

// ErrInvalidRiskLevel is returned for a level outside all|low|medium|high.
var ErrInvalidRiskLevel = errors.New("filter: invalid risk level")

// ErrInvalidMode is returned for an unknown combination mode.
var ErrInvalidMode = errors.New("filter: invalid mode")

// Spec is a filter request. The zero value matches everything.
type Spec struct {
	RiskLevel  Level  `json:"riskLevel"`
	SearchTerm string `json:"searchTerm"`
	Mode       Mode   `json:"mode,omitempty"`
}

// ParseRiskLevel parses a level case-insensitively. Empty means all.
func ParseRiskLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == string(LevelAll) {
		return LevelAll, nil
	}
	b, err := risk.ParseBand(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, s)
	}
	return Level(b), nil
}

// ParseMode parses a combination mode. Empty means ModeSearchSupersedes.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSearchSupersedes:
		return ModeSearchSupersedes, nil
	case ModeAnd:
		return ModeAnd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Match reports whether tx passes spec.
func (spec Spec) Match(tx transaction.Transaction) bool {
	// The term is matched as given; whitespace is part of the substring.
	if spec.Mode == ModeAnd {
		return matchesLevel(tx, spec.RiskLevel) && matchesSearch(tx, spec.SearchTerm)
	}
	if spec.SearchTerm != "" {
		return matchesSearch(tx, spec.SearchTerm)
	}
	return matchesLevel(tx, spec.RiskLevel)
}

// Apply returns the records of view that pass spec, preserving order.
// view is not modified.
func Apply(view []transaction.Transaction, spec Spec) []transaction.Transaction {
	out := make([]transaction.Transaction, 0, len(view))
	for _, tx := range view {
		if spec.Match(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func matchesLevel(tx transaction.Transaction, level Level) bool {
	if level == "" || level == LevelAll {
		return true
	}
	return tx.Band() == risk.Band(level)
}

// matchesSearch is a case-insensitive substring match against the
// transaction ID, merchant name, or customer ID.
func matchesSearch(tx transaction.Transaction, term string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	for _, field := range []string{tx.ID, tx.Merchant.Name, tx.Customer.ID} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}
