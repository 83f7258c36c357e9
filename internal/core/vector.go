package core

import (
	"encoding/binary"
	"fmt"
	"math"
)

// VectorKind tags a descriptor with the pipeline stage that produced it.
type VectorKind string

const (
	KindDeep           VectorKind = "deep"
	KindTraditional    VectorKind = "traditional"
	KindFusedRaw       VectorKind = "fused_raw"
	KindFusedProjected VectorKind = "fused_projected"
)

// DescriptorVector is a fixed-length feature vector. Kind and SchemaVersion
// together determine the expected length; vectors of different schema
// versions must never be compared.
type DescriptorVector struct {
	Kind          VectorKind
	SchemaVersion int
	Values        []float32
}

func NewDescriptorVector(kind VectorKind, schemaVersion int, values []float32) DescriptorVector {
	return DescriptorVector{Kind: kind, SchemaVersion: schemaVersion, Values: values}
}

func (v DescriptorVector) Dim() int {
	return len(v.Values)
}

// Check validates the vector's kind and length at a pipeline boundary.
func (v DescriptorVector) Check(kind VectorKind, dim int) error {
	if v.Kind != kind {
		return &DimensionMismatchError{Stage: string(kind), Want: dim, Got: v.Dim(),
			Detail: fmt.Sprintf("expected kind %q, got %q", kind, v.Kind)}
	}
	if v.Dim() != dim {
		return &DimensionMismatchError{Stage: string(kind), Want: dim, Got: v.Dim()}
	}
	return nil
}

func l2Norm(values []float32) float64 {
	var sum float64
	for _, x := range values {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize scales values to unit L2 norm in place. A zero vector is left
// unchanged rather than producing NaNs.
func Normalize(values []float32) {
	norm := l2Norm(values)
	if norm == 0 {
		return
	}
	for i := range values {
		values[i] = float32(float64(values[i]) / norm)
	}
}

// CosineSimilarity assumes nothing about input norms; zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	na, nb := l2Norm(a), l2Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

// EncodeValues serializes a float32 vector as little-endian bytes for
// storage in a blob column.
func EncodeValues(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, x := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func DecodeValues(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values, nil
}
