package query

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

var testNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestDecodeWeights(t *testing.T) {
	w, warnings, err := DecodeWeights(nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, DefaultWeights(), w)

	w, warnings, err = DecodeWeights(decodeJSON(t, `{"similarity_weight": 1, "recency_weight": 0.25, "boost": 3}`))
	require.NoError(t, err)
	assert.Equal(t, Weights{Similarity: 1, Recency: 0.25}, w, "supplied weights start from zero")
	assert.Len(t, warnings, 1)

	_, _, err = DecodeWeights(decodeJSON(t, `{"priority_weight": -0.1}`))
	assert.ErrorIs(t, err, types.ErrInvalidWeight)
	assert.Equal(t, types.KindInvalidInput, types.KindOf(err))

	_, _, err = DecodeWeights(decodeJSON(t, `{"priority_weight": "high"}`))
	assert.ErrorIs(t, err, types.ErrInvalidWeight)

	w, _, err = DecodeWeights(decodeJSON(t, `{"similarity_weight": 10}`))
	require.NoError(t, err, "no upper bound")
	assert.Equal(t, 10.0, w.Similarity)
}

func TestWeightsValidateNonFinite(t *testing.T) {
	assert.ErrorIs(t, Weights{Similarity: math.NaN()}.Validate(), types.ErrInvalidWeight)
	assert.ErrorIs(t, Weights{Campus: math.Inf(1)}.Validate(), types.ErrInvalidWeight)
}

func TestCompileScoringOmitsZeroTerms(t *testing.T) {
	expr, err := CompileScoring(Weights{Similarity: 0.7, Popularity: 0.3}, types.CallerContext{}, testNow)
	require.NoError(t, err)

	require.Len(t, expr.Terms, 2)
	assert.True(t, expr.Has(TermSimilarity))
	assert.True(t, expr.Has(TermPopularity))
	assert.False(t, expr.Has(TermPriority))

	// Department bonus cannot hold without a caller department
	expr, err = CompileScoring(DefaultWeights(), types.CallerContext{}, testNow)
	require.NoError(t, err)
	assert.False(t, expr.Has(TermDepartment))

	expr, err = CompileScoring(DefaultWeights(), types.CallerContext{Department: "IT"}, testNow)
	require.NoError(t, err)
	assert.True(t, expr.Has(TermDepartment))
}

func TestCompileScoringRejectsNegative(t *testing.T) {
	_, err := CompileScoring(Weights{Similarity: 1, Department: -1}, types.CallerContext{}, testNow)
	assert.ErrorIs(t, err, types.ErrInvalidWeight)
}

func TestEvaluateScoreComposition(t *testing.T) {
	w := Weights{Similarity: 0.6, Priority: 0.2, Popularity: 0.1, Department: 0.1, Campus: 0.05, Recency: 0.05}
	caller := types.CallerContext{Department: "IT", Campus: "north"}
	expr, err := CompileScoring(w, caller, testNow)
	require.NoError(t, err)

	meta := types.Metadata{
		"priority":      float64(4),
		"view_count":    float64(2500),
		"department":    "IT",
		"campus":        "south",
		"last_reviewed": "2024-05-01",
	}
	distance := 0.25

	b := expr.Evaluate(distance, meta)
	assert.InDelta(t, 0.75*0.6, b.Similarity, 1e-12)
	assert.InDelta(t, 0.8*0.2, b.Priority, 1e-12)
	assert.InDelta(t, 0.5*0.1, b.Popularity, 1e-12)
	assert.InDelta(t, 0.1, b.Department, 1e-12)
	assert.Zero(t, b.Campus)
	assert.InDelta(t, 0.05, b.Recency, 1e-12)
	assert.InDelta(t, 0.45+0.16+0.05+0.1+0.05, b.Total(), 1e-12)
}

func TestEvaluateSaturation(t *testing.T) {
	expr, err := CompileScoring(Weights{Priority: 1, Popularity: 1}, types.CallerContext{}, testNow)
	require.NoError(t, err)

	b := expr.Evaluate(0, types.Metadata{"priority": float64(9), "view_count": float64(1_000_000)})
	assert.Equal(t, 1.0, b.Priority)
	assert.Equal(t, 1.0, b.Popularity)

	b = expr.Evaluate(0, types.Metadata{})
	assert.Zero(t, b.Total(), "missing signals contribute nothing")
}

func TestEvaluateRecencyWindow(t *testing.T) {
	expr, err := CompileScoring(Weights{Recency: 1}, types.CallerContext{}, testNow)
	require.NoError(t, err)

	edge := testNow.Add(-RecencyWindow).Format(time.RFC3339)
	assert.Equal(t, 1.0, expr.Evaluate(0, types.Metadata{"last_reviewed": edge}).Recency)
	assert.Zero(t, expr.Evaluate(0, types.Metadata{"last_reviewed": "2023-01-01"}).Recency)
}

func TestZeroWeightOmissionIsBehaviorPreserving(t *testing.T) {
	// Compare a sparse expression with one that carries every term at zero weight
	sparse, err := CompileScoring(Weights{Similarity: 0.5, Recency: 0.5}, types.CallerContext{Department: "IT"}, testNow)
	require.NoError(t, err)
	full := Expression{Terms: append([]Term{
		{Kind: TermPriority}, {Kind: TermPopularity}, {Kind: TermDepartment, Match: "IT"}, {Kind: TermCampus},
	}, sparse.Terms...)}

	metas := []types.Metadata{
		{},
		{"priority": float64(5), "department": "IT", "last_reviewed": "2024-05-30"},
		{"view_count": float64(9000), "campus": "north"},
	}
	for _, m := range metas {
		for _, d := range []float64{0, 0.3, 1} {
			assert.InDelta(t, full.Evaluate(d, m).Total(), sparse.Evaluate(d, m).Total(), 1e-12)
		}
	}
}
