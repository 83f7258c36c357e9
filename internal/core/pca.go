package core

import (
	"fmt"
	"math"
)

const (
	pcaMaxIterations = 200
	pcaTolerance     = 1e-9
)

// FitProjection fits a PCA projection over the fused-raw training corpus.
// The output dimension is clamped to min(outDim, len(vectors)-1, inDim)
// so few-shot corpora never produce rank-deficient projections. The top
// components are found by power iteration with Gram-Schmidt deflation,
// matrix-free over the centered sample set, so the full covariance matrix
// is never materialized. Deterministic for identical input.
func FitProjection(vectors [][]float32, outDim, schemaVersion int) (*Projection, error) {
	n := len(vectors)
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 vectors to fit projection, got %d", n)
	}
	inDim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != inDim {
			return nil, &DimensionMismatchError{Stage: "projection fit", Want: inDim, Got: len(v),
				Detail: fmt.Sprintf("vector %d", i)}
		}
	}

	if outDim > inDim {
		outDim = inDim
	}
	if outDim > n-1 {
		outDim = n - 1
	}
	if outDim < 1 {
		outDim = 1
	}

	mean := make([]float64, inDim)
	for _, v := range vectors {
		for j, x := range v {
			mean[j] += float64(x)
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	centered := make([][]float64, n)
	for i, v := range vectors {
		centered[i] = make([]float64, inDim)
		for j, x := range v {
			centered[i][j] = float64(x) - mean[j]
		}
	}

	components := make([][]float64, 0, outDim)
	for k := 0; k < outDim; k++ {
		comp := powerIterate(centered, components, k)
		if comp == nil {
			// remaining variance is numerically zero; stop early
			break
		}
		components = append(components, comp)
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("projection fit found no components: corpus has zero variance")
	}

	p := &Projection{
		SchemaVersion: schemaVersion,
		Mean:          make([]float32, inDim),
		Components:    make([][]float32, len(components)),
	}
	for j := range mean {
		p.Mean[j] = float32(mean[j])
	}
	for i, comp := range components {
		p.Components[i] = make([]float32, inDim)
		for j := range comp {
			p.Components[i][j] = float32(comp[j])
		}
	}
	return p, nil
}

// powerIterate finds the dominant component of the centered data
// orthogonal to the components already found. The start vector is a
// deterministic basis direction chosen per component index.
func powerIterate(centered [][]float64, found [][]float64, k int) []float64 {
	inDim := len(centered[0])

	v := make([]float64, inDim)
	v[k%inDim] = 1
	for j := range v {
		v[j] += 1e-3 // break exact orthogonality to the target eigenvector
	}
	orthogonalize(v, found)
	if normalizeF64(v) == 0 {
		return nil
	}

	prev := make([]float64, inDim)
	for iter := 0; iter < pcaMaxIterations; iter++ {
		copy(prev, v)

		// w = Cov * v without materializing Cov
		w := make([]float64, inDim)
		for _, row := range centered {
			var dot float64
			for j, x := range row {
				dot += x * v[j]
			}
			for j, x := range row {
				w[j] += dot * x
			}
		}
		for j := range w {
			w[j] /= float64(len(centered))
		}

		orthogonalize(w, found)
		if normalizeF64(w) == 0 {
			return nil
		}
		copy(v, w)

		var delta float64
		for j := range v {
			d := v[j] - prev[j]
			delta += d * d
		}
		if delta < pcaTolerance {
			break
		}
	}

	// fix sign for reproducibility: largest-magnitude entry is positive
	maxIdx := 0
	for j := range v {
		if math.Abs(v[j]) > math.Abs(v[maxIdx]) {
			maxIdx = j
		}
	}
	if v[maxIdx] < 0 {
		for j := range v {
			v[j] = -v[j]
		}
	}
	return v
}

func orthogonalize(v []float64, basis [][]float64) {
	for _, b := range basis {
		var dot float64
		for j := range v {
			dot += v[j] * b[j]
		}
		for j := range v {
			v[j] -= dot * b[j]
		}
	}
}

func normalizeF64(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm < 1e-12 {
		return 0
	}
	for j := range v {
		v[j] /= norm
	}
	return norm
}
