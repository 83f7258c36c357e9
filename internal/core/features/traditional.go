// Package features computes the hand-engineered handwriting descriptor:
// texture histograms (local binary patterns, oriented filter-bank
// responses) and stroke-geometry statistics. Everything here is
// deterministic and carries no learned parameters.
package features

import (
	"writerid-backend/internal/core/imaging"
)

const (
	lbpBins        = 59
	filterBankDims = 64
	strokeDims     = 36

	// TraditionalDim is the fixed length of the traditional descriptor.
	TraditionalDim = lbpBins + filterBankDims + strokeDims
)

// Traditional extracts the full hand-engineered descriptor from a
// preprocessed binary image. The output length is always TraditionalDim.
func Traditional(bin *imaging.Binary) []float32 {
	out := make([]float32, 0, TraditionalDim)
	out = append(out, lbpHistogram(bin)...)
	out = append(out, filterBankStats(bin)...)
	out = append(out, strokeGeometry(bin)...)
	return out
}
