package core_test

import (
	"context"
	"math/rand"
	"testing"

	"writerid-backend/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writerClusters builds noisy embeddings around one center per writer.
func writerClusters(writers, samplesPer, dim int, noise float64, seed int64) ([][]float32, []int) {
	rng := rand.New(rand.NewSource(seed))

	centers := make([][]float64, writers)
	for w := range centers {
		center := make([]float64, dim)
		for d := range center {
			center[d] = rng.NormFloat64()
		}
		centers[w] = center
	}

	var embeddings [][]float32
	var labels []int
	for w := 0; w < writers; w++ {
		for s := 0; s < samplesPer; s++ {
			v := make([]float32, dim)
			for d := 0; d < dim; d++ {
				v[d] = float32(centers[w][d] + noise*rng.NormFloat64())
			}
			embeddings = append(embeddings, v)
			labels = append(labels, w)
		}
	}
	return embeddings, labels
}

func averagePairCosine(head *core.MetricHead, embeddings [][]float32, labels []int, same bool) float64 {
	var total float64
	var count int
	for i := range embeddings {
		for j := i + 1; j < len(embeddings); j++ {
			if (labels[i] == labels[j]) != same {
				continue
			}
			a, b := embeddings[i], embeddings[j]
			if head != nil {
				a, _ = head.Apply(a)
				b, _ = head.Apply(b)
			}
			total += core.CosineSimilarity(a, b)
			count++
		}
	}
	return total / float64(count)
}

func TestFitMetricHeadPullsSameWriterPairsTogether(t *testing.T) {
	embeddings, labels := writerClusters(3, 6, 8, 1.0, 42)

	opts := core.DefaultHeadOptions()
	opts.Epochs = 50
	opts.PairsPerEpoch = 128

	head, err := core.FitMetricHead(context.Background(), embeddings, labels, opts)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, 8, head.Dim)

	sameBefore := averagePairCosine(nil, embeddings, labels, true)
	sameAfter := averagePairCosine(head, embeddings, labels, true)

	assert.Greater(t, sameAfter, sameBefore, "head should pull same-writer pairs together")
}

func TestFitMetricHeadIsDeterministic(t *testing.T) {
	embeddings, labels := writerClusters(2, 4, 6, 0.5, 7)

	opts := core.DefaultHeadOptions()
	opts.Epochs = 5
	opts.PairsPerEpoch = 32

	h1, err := core.FitMetricHead(context.Background(), embeddings, labels, opts)
	require.NoError(t, err)
	h2, err := core.FitMetricHead(context.Background(), embeddings, labels, opts)
	require.NoError(t, err)

	for i := range h1.Weights {
		for j := range h1.Weights[i] {
			assert.Equal(t, h1.Weights[i][j], h2.Weights[i][j])
		}
	}
}

func TestFitMetricHeadRequiresTwoWriters(t *testing.T) {
	embeddings, labels := writerClusters(1, 5, 6, 0.5, 1)

	_, err := core.FitMetricHead(context.Background(), embeddings, labels, core.DefaultHeadOptions())
	assert.Error(t, err)
}

func TestMetricHeadApplyChecksDimension(t *testing.T) {
	embeddings, labels := writerClusters(2, 3, 6, 0.5, 1)

	opts := core.DefaultHeadOptions()
	opts.Epochs = 2
	opts.PairsPerEpoch = 8

	head, err := core.FitMetricHead(context.Background(), embeddings, labels, opts)
	require.NoError(t, err)

	_, err = head.Apply(make([]float32, 7))
	var dimErr *core.DimensionMismatchError
	assert.ErrorAs(t, err, &dimErr)
}
