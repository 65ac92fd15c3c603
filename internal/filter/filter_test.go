package filter

import (
	"errors"
	"testing"

	"github.com/mbd888/riskwatch/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string, score float64, merchant, customer string) transaction.Transaction {
	return transaction.NormalizeMap(map[string]any{
		"transaction_id": id,
		"merchant":       map[string]any{"name": merchant},
		"customer":       map[string]any{"id": customer},
		"risk_analysis":  map[string]any{"risk_score": score},
	})
}

func idsOf(txs []transaction.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}

var view = []transaction.Transaction{
	rec("abc-1", 0.1, "Corner Shop", "cust-9"),
	rec("tx-2", 0.5, "ABC Electronics", "cust-1"),
	rec("tx-3", 0.9, "Jewelry Hub", "c-abc"),
	rec("tx-4", 0.95, "Fuel Stop", "cust-2"),
	rec("tx-5", 0.3, "Grocer", "cust-3"),
	rec("tx-6", 0.7, "Bookstore", "cust-4"),
}

func TestApply_SearchSupersedesRiskLevel(t *testing.T) {
	got := Apply(view, Spec{RiskLevel: "high", SearchTerm: "ABC"})
	assert.Equal(t, []string{"abc-1", "tx-2", "tx-3"}, idsOf(got),
		"non-empty search decides alone, even for low-risk matches")
}

func TestApply_ModeAnd(t *testing.T) {
	got := Apply(view, Spec{RiskLevel: "high", SearchTerm: "ABC", Mode: ModeAnd})
	assert.Equal(t, []string{"tx-3"}, idsOf(got))
}

func TestApply_RiskLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  []string
	}{
		{LevelAll, []string{"abc-1", "tx-2", "tx-3", "tx-4", "tx-5", "tx-6"}},
		{"", []string{"abc-1", "tx-2", "tx-3", "tx-4", "tx-5", "tx-6"}},
		{"low", []string{"abc-1", "tx-5"}},
		{"medium", []string{"tx-2", "tx-6"}},
		{"high", []string{"tx-3", "tx-4"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.want, idsOf(Apply(view, Spec{RiskLevel: tt.level})))
		})
	}
}

func TestApply_SearchFields(t *testing.T) {
	assert.Equal(t, []string{"tx-3"}, idsOf(Apply(view, Spec{SearchTerm: "jewel"})), "merchant name")
	assert.Equal(t, []string{"tx-4"}, idsOf(Apply(view, Spec{SearchTerm: "CUST-2"})), "customer id")
	assert.Equal(t, []string{"tx-6"}, idsOf(Apply(view, Spec{SearchTerm: "tx-6"})), "transaction id")
	assert.Empty(t, Apply(view, Spec{SearchTerm: "nothing-matches"}))
}

func TestApply_WhitespaceSearchStillSupersedes(t *testing.T) {
	got := Apply(view, Spec{RiskLevel: "high", SearchTerm: "   "})
	assert.Empty(t, got, "a blank term is non-empty and no field contains three spaces")
}

func TestApply_PaddedSearchIsLiteral(t *testing.T) {
	assert.Empty(t, Apply(view, Spec{SearchTerm: " jewel"}), "no leading space before Jewelry")
	assert.Equal(t, []string{"abc-1"}, idsOf(Apply(view, Spec{SearchTerm: " shop"})), "Corner Shop has the space")
}

func TestApply_ZeroScoreIsLow(t *testing.T) {
	v := []transaction.Transaction{transaction.NormalizeMap(map[string]any{"transaction_id": "bare"})}
	assert.Len(t, Apply(v, Spec{RiskLevel: "low"}), 1)
	assert.Empty(t, Apply(v, Spec{RiskLevel: "high"}))
}

func TestApply_DoesNotModifyView(t *testing.T) {
	before := idsOf(view)
	_ = Apply(view, Spec{RiskLevel: "high"})
	assert.Equal(t, before, idsOf(view))
	assert.NotNil(t, Apply(nil, Spec{}))
}

func TestParseRiskLevel(t *testing.T) {
	for in, want := range map[string]Level{"": LevelAll, "ALL": LevelAll, "High": "high", " low ": "low", "medium": "medium"} {
		got, err := ParseRiskLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRiskLevel("critical")
	assert.True(t, errors.Is(err, ErrInvalidRiskLevel))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSearchSupersedes, m)

	m, err = ParseMode("AND")
	require.NoError(t, err)
	assert.Equal(t, ModeAnd, m)

	_, err = ParseMode("or")
	assert.ErrorIs(t, err, ErrInvalidMode)
}
