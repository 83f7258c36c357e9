// Package embed produces the learned handwriting embedding from a
// preprocessed image.
package embed

import "writerid-backend/internal/core/imaging"

const (
	// InputSize is the side length of the square backbone input.
	InputSize = 128

	// EmbeddingDim is the backbone output length.
	EmbeddingDim = 512
)

type Embedder interface {
	// Embed returns the raw backbone embedding of length Dim(). The
	// metric head, when present, is applied by the caller.
	Embed(bin *imaging.Binary) ([]float32, error)

	Dim() int

	Release()
}

// Loader opens an embedder from a local model directory.
type Loader func(modelDir string) (Embedder, error)
