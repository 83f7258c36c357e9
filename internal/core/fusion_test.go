package core_test

import (
	"testing"

	"writerid-backend/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseConcatenatesAndNormalizes(t *testing.T) {
	deep := core.NewDescriptorVector(core.KindDeep, 1, []float32{3, 0})
	traditional := core.NewDescriptorVector(core.KindTraditional, 1, []float32{0, 4})

	fused, err := core.Fuse(deep, traditional)
	require.NoError(t, err)

	assert.Equal(t, core.KindFusedRaw, fused.Kind)
	assert.Equal(t, 4, fused.Dim())

	var norm float64
	for _, v := range fused.Values {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestFuseRejectsWrongKinds(t *testing.T) {
	deep := core.NewDescriptorVector(core.KindDeep, 1, []float32{1})
	traditional := core.NewDescriptorVector(core.KindTraditional, 1, []float32{1})

	_, err := core.Fuse(traditional, deep)
	assert.Error(t, err)

	_, err = core.Fuse(deep, deep)
	assert.Error(t, err)
}

func TestFuseRejectsMixedSchemaVersions(t *testing.T) {
	deep := core.NewDescriptorVector(core.KindDeep, 1, []float32{1})
	traditional := core.NewDescriptorVector(core.KindTraditional, 2, []float32{1})

	_, err := core.Fuse(deep, traditional)

	var dimErr *core.DimensionMismatchError
	assert.ErrorAs(t, err, &dimErr)
}

func TestCosineSimilarityBounds(t *testing.T) {
	assert.InDelta(t, 1.0, core.CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, -1.0, core.CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.InDelta(t, 0.0, core.CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)

	// zero vectors score zero instead of NaN
	assert.Equal(t, 0.0, core.CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestEncodeDecodeValues(t *testing.T) {
	values := []float32{0.5, -1.25, 3e7, 0}

	decoded, err := core.DecodeValues(core.EncodeValues(values))
	require.NoError(t, err)
	assert.Equal(t, values, decoded)

	_, err = core.DecodeValues([]byte{1, 2, 3})
	assert.Error(t, err)
}
