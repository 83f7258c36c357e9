package features_test

import (
	"math"
	"math/rand"
	"testing"

	"writerid-backend/internal/core/features"
	"writerid-backend/internal/core/imaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// strokeImage writes a few diagonal strokes into a binary image so the
// descriptor has real texture to work with.
func strokeImage(w, h int, seed int64) *imaging.Binary {
	rng := rand.New(rand.NewSource(seed))
	bin := imaging.NewBinary(w, h)
	for s := 0; s < 5; s++ {
		x0 := rng.Intn(w / 2)
		y0 := rng.Intn(h / 2)
		length := 10 + rng.Intn(h/3)
		for i := 0; i < length; i++ {
			x, y := x0+i, y0+i
			if x >= w-1 || y >= h-1 {
				break
			}
			bin.Set(x, y, 1)
			bin.Set(x+1, y, 1)
		}
	}
	return bin
}

func TestTraditionalHasFixedLength(t *testing.T) {
	out := features.Traditional(strokeImage(96, 96, 1))
	assert.Len(t, out, features.TraditionalDim)

	// even a tiny image must produce a full-length descriptor
	out = features.Traditional(imaging.NewBinary(2, 2))
	assert.Len(t, out, features.TraditionalDim)
}

func TestTraditionalIsDeterministic(t *testing.T) {
	a := features.Traditional(strokeImage(96, 96, 7))
	b := features.Traditional(strokeImage(96, 96, 7))
	assert.Equal(t, a, b)
}

func TestTraditionalSeparatesDistinctStyles(t *testing.T) {
	a := features.Traditional(strokeImage(96, 96, 3))
	b := features.Traditional(strokeImage(96, 96, 4))
	assert.NotEqual(t, a, b)
}

func TestTraditionalValuesAreFinite(t *testing.T) {
	for _, bin := range []*imaging.Binary{
		strokeImage(96, 96, 2),
		imaging.NewBinary(64, 64), // no ink at all
	} {
		out := features.Traditional(bin)
		require.Len(t, out, features.TraditionalDim)
		for i, v := range out {
			assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "component %d is not finite", i)
		}
	}
}
