package core

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// MetricHead is a linear map applied on top of the backbone embedding. It
// is the part of the deep extractor fitted in-process, trained with a
// contrastive objective so that same-writer embeddings score higher under
// cosine similarity than cross-writer ones. A snapshot without a head
// runs the generic pretrained backbone only (degraded mode).
type MetricHead struct {
	Dim     int
	Weights [][]float32 // Dim rows of Dim columns
}

func (h *MetricHead) Apply(x []float32) ([]float32, error) {
	if len(x) != h.Dim {
		return nil, &DimensionMismatchError{Stage: "metric head", Want: h.Dim, Got: len(x)}
	}
	out := make([]float32, h.Dim)
	for i, row := range h.Weights {
		var sum float64
		for j, w := range row {
			sum += float64(w) * float64(x[j])
		}
		out[i] = float32(sum)
	}
	return out, nil
}

type HeadOptions struct {
	Epochs        int
	PairsPerEpoch int
	LearningRate  float64
	Margin        float64
	Seed          int64
}

func DefaultHeadOptions() HeadOptions {
	return HeadOptions{
		Epochs:        30,
		PairsPerEpoch: 256,
		LearningRate:  0.05,
		Margin:        0.3,
		Seed:          1,
	}
}

// FitMetricHead trains the linear head by SGD over sampled same-writer
// and cross-writer embedding pairs. Same pairs are pulled toward cosine 1,
// cross pairs pushed below the margin. Deterministic for a fixed seed and
// input order. The context is checked between epochs so a cancelled
// training job stops between batches, not mid-computation.
func FitMetricHead(ctx context.Context, embeddings [][]float32, labels []int, opts HeadOptions) (*MetricHead, error) {
	if len(embeddings) != len(labels) {
		return nil, fmt.Errorf("embeddings/labels length mismatch: %d vs %d", len(embeddings), len(labels))
	}
	if len(embeddings) < 2 {
		return nil, fmt.Errorf("need at least 2 embeddings to fit metric head, got %d", len(embeddings))
	}
	dim := len(embeddings[0])
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, &DimensionMismatchError{Stage: "metric head fit", Want: dim, Got: len(e),
				Detail: fmt.Sprintf("embedding %d", i)}
		}
	}

	byLabel := make(map[int][]int)
	for i, l := range labels {
		byLabel[l] = append(byLabel[l], i)
	}
	if len(byLabel) < 2 {
		return nil, fmt.Errorf("need samples from at least 2 writers, got %d", len(byLabel))
	}

	// weights kept in float64 during optimization
	w := make([][]float64, dim)
	for i := range w {
		w[i] = make([]float64, dim)
		w[i][i] = 1
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for p := 0; p < opts.PairsPerEpoch; p++ {
			i, j, same := samplePair(rng, labels, byLabel)
			sgdStep(w, embeddings[i], embeddings[j], same, opts.LearningRate, opts.Margin)
		}
	}

	head := &MetricHead{Dim: dim, Weights: make([][]float32, dim)}
	for i := range w {
		head.Weights[i] = make([]float32, dim)
		for j := range w[i] {
			head.Weights[i][j] = float32(w[i][j])
		}
	}
	return head, nil
}

func samplePair(rng *rand.Rand, labels []int, byLabel map[int][]int) (int, int, bool) {
	i := rng.Intn(len(labels))
	if rng.Intn(2) == 0 {
		group := byLabel[labels[i]]
		if len(group) > 1 {
			for {
				j := group[rng.Intn(len(group))]
				if j != i {
					return i, j, true
				}
			}
		}
	}
	for {
		j := rng.Intn(len(labels))
		if labels[j] != labels[i] {
			return i, j, false
		}
	}
}

// sgdStep applies one contrastive gradient update for the pair (x, y).
// Loss: same pairs (1-cos)^2, cross pairs max(0, cos-margin)^2,
// with cos taken between the mapped vectors u=Wx and v=Wy.
func sgdStep(w [][]float64, x, y []float32, same bool, lr, margin float64) {
	dim := len(w)

	u := make([]float64, dim)
	v := make([]float64, dim)
	for i := range w {
		var su, sv float64
		for j, wij := range w[i] {
			su += wij * float64(x[j])
			sv += wij * float64(y[j])
		}
		u[i] = su
		v[i] = sv
	}

	nu, nv := vecNorm(u), vecNorm(v)
	if nu == 0 || nv == 0 {
		return
	}
	var dot float64
	for i := range u {
		dot += u[i] * v[i]
	}
	cos := dot / (nu * nv)

	var dLdCos float64
	if same {
		dLdCos = -2 * (1 - cos)
	} else {
		if cos <= margin {
			return
		}
		dLdCos = 2 * (cos - margin)
	}

	// dcos/du = v/(|u||v|) - cos*u/|u|^2, symmetric for v
	for i := 0; i < dim; i++ {
		du := dLdCos * (v[i]/(nu*nv) - cos*u[i]/(nu*nu))
		dv := dLdCos * (u[i]/(nu*nv) - cos*v[i]/(nv*nv))
		for j := 0; j < dim; j++ {
			w[i][j] -= lr * (du*float64(x[j]) + dv*float64(y[j]))
		}
	}
}

func vecNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
