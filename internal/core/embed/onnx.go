package embed

import (
	"fmt"
	"os"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"writerid-backend/internal/core/imaging"
)

// BackboneFile is the ONNX artifact name inside a snapshot directory.
const BackboneFile = "backbone.onnx"

// OnnxEmbedder runs the convolutional embedding backbone. The network is
// trained offline with a similarity objective; the only parameters fitted
// in-process are the metric head stored with each snapshot.
type OnnxEmbedder struct {
	session *ort.DynamicAdvancedSession
}

var _ Embedder = (*OnnxEmbedder)(nil)

// LoadOnnxEmbedder opens backbone.onnx from the given directory.
func LoadOnnxEmbedder(modelDir string) (Embedder, error) {
	path := filepath.Join(modelDir, BackboneFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backbone model: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		data,
		[]string{"image"},
		[]string{"embedding"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}

	return &OnnxEmbedder{session: session}, nil
}

func (m *OnnxEmbedder) Dim() int {
	return EmbeddingDim
}

func (m *OnnxEmbedder) Embed(bin *imaging.Binary) ([]float32, error) {
	input := bin.ToFloat(InputSize, InputSize)

	inT, err := ort.NewTensor(ort.NewShape(1, 1, InputSize, InputSize), input)
	if err != nil {
		return nil, err
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, EmbeddingDim))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	out := make([]float32, EmbeddingDim)
	copy(out, outT.GetData())
	return out, nil
}

func (m *OnnxEmbedder) Release() {
	m.session.Destroy()
}
