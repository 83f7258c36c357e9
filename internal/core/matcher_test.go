package core_test

import (
	"math"
	"testing"

	"writerid-backend/internal/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMatchConfig() core.MatchConfig {
	return core.MatchConfig{
		SimilarityThreshold: 0.7,
		MeanThreshold:       0.6,
		GapThreshold:        0.1,
		TopK:                5,
	}
}

// refAtScore builds a unit reference whose cosine similarity with the unit
// query [1, 0] is exactly the given score.
func refAtScore(score float64, name string) core.Reference {
	return core.Reference{
		UserId: uuid.New(),
		Name:   name,
		Values: []float32{float32(score), float32(math.Sqrt(1 - score*score))},
	}
}

func projectedQuery() core.DescriptorVector {
	return core.NewDescriptorVector(core.KindFusedProjected, 1, []float32{1, 0})
}

func TestMatchAcceptsClearWinner(t *testing.T) {
	refs := []core.Reference{
		refAtScore(0.95, "alice"),
		refAtScore(0.72, "bob"),
		refAtScore(0.50, "carol"),
	}

	result, err := core.Match(projectedQuery(), refs, testMatchConfig())
	require.NoError(t, err)

	assert.False(t, result.IsUnknown)
	require.Len(t, result.Matches, 3)
	assert.Equal(t, "alice", result.Matches[0].Name)
	assert.InDelta(t, 0.95, result.Matches[0].Score, 1e-6)
	assert.InDelta(t, 0.95, result.Confidence, 1e-6)
}

func TestMatchRejectsLowTopScore(t *testing.T) {
	refs := []core.Reference{
		refAtScore(0.65, "alice"),
		refAtScore(0.10, "bob"),
	}

	result, err := core.Match(projectedQuery(), refs, testMatchConfig())
	require.NoError(t, err)

	// Ranked list is still returned so callers can show near misses.
	assert.True(t, result.IsUnknown)
	require.Len(t, result.Matches, 2)
	assert.Equal(t, "alice", result.Matches[0].Name)
}

func TestMatchRejectsLowMean(t *testing.T) {
	refs := []core.Reference{
		refAtScore(0.72, "alice"),
		refAtScore(0.10, "bob"),
		refAtScore(0.05, "carol"),
	}

	result, err := core.Match(projectedQuery(), refs, testMatchConfig())
	require.NoError(t, err)

	assert.True(t, result.IsUnknown)
}

func TestMatchRejectsNarrowGap(t *testing.T) {
	refs := []core.Reference{
		refAtScore(0.80, "alice"),
		refAtScore(0.79, "bob"),
	}

	result, err := core.Match(projectedQuery(), refs, testMatchConfig())
	require.NoError(t, err)

	assert.True(t, result.IsUnknown)
}

func TestMatchSingleReferenceSkipsGapRule(t *testing.T) {
	refs := []core.Reference{refAtScore(0.90, "alice")}

	result, err := core.Match(projectedQuery(), refs, testMatchConfig())
	require.NoError(t, err)

	assert.False(t, result.IsUnknown)
	require.Len(t, result.Matches, 1)
}

func TestMatchEmptyLibraryIsError(t *testing.T) {
	_, err := core.Match(projectedQuery(), nil, testMatchConfig())
	assert.ErrorIs(t, err, core.ErrEmptyLibrary)
}

func TestMatchTruncatesToTopK(t *testing.T) {
	var refs []core.Reference
	for i := 0; i < 10; i++ {
		refs = append(refs, refAtScore(0.9-float64(i)*0.05, "user"))
	}

	cfg := testMatchConfig()
	cfg.TopK = 3

	result, err := core.Match(projectedQuery(), refs, cfg)
	require.NoError(t, err)
	assert.Len(t, result.Matches, 3)
}

func TestMatchTieBreakIsDeterministic(t *testing.T) {
	a := refAtScore(0.85, "alice")
	b := refAtScore(0.85, "bob")
	b.Values = a.Values

	result1, err := core.Match(projectedQuery(), []core.Reference{a, b}, testMatchConfig())
	require.NoError(t, err)
	result2, err := core.Match(projectedQuery(), []core.Reference{b, a}, testMatchConfig())
	require.NoError(t, err)

	require.Len(t, result1.Matches, 2)
	assert.Equal(t, result1.Matches[0].UserId, result2.Matches[0].UserId)
	assert.Equal(t, result1.Matches[1].UserId, result2.Matches[1].UserId)
}

func TestMatchDimensionMismatch(t *testing.T) {
	refs := []core.Reference{
		{UserId: uuid.New(), Name: "alice", Values: []float32{1, 0, 0}},
	}

	_, err := core.Match(projectedQuery(), refs, testMatchConfig())

	var dimErr *core.DimensionMismatchError
	assert.ErrorAs(t, err, &dimErr)
}
