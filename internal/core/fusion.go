package core

import "fmt"

// Fuse concatenates the deep and traditional descriptors of one sample
// and L2-normalizes the result. Both inputs must carry the same schema
// version; the output is the fused-raw vector the projection consumes.
func Fuse(deep, traditional DescriptorVector) (DescriptorVector, error) {
	if deep.Kind != KindDeep {
		return DescriptorVector{}, &DimensionMismatchError{Stage: "fusion", Want: deep.Dim(), Got: deep.Dim(),
			Detail: fmt.Sprintf("first input must be kind %q, got %q", KindDeep, deep.Kind)}
	}
	if traditional.Kind != KindTraditional {
		return DescriptorVector{}, &DimensionMismatchError{Stage: "fusion", Want: traditional.Dim(), Got: traditional.Dim(),
			Detail: fmt.Sprintf("second input must be kind %q, got %q", KindTraditional, traditional.Kind)}
	}
	if deep.SchemaVersion != traditional.SchemaVersion {
		return DescriptorVector{}, &DimensionMismatchError{Stage: "fusion", Want: deep.SchemaVersion, Got: traditional.SchemaVersion,
			Detail: "schema versions differ between deep and traditional descriptors"}
	}

	values := make([]float32, 0, deep.Dim()+traditional.Dim())
	values = append(values, deep.Values...)
	values = append(values, traditional.Values...)
	Normalize(values)

	return NewDescriptorVector(KindFusedRaw, deep.SchemaVersion, values), nil
}

// Projection is the learned linear map from fused-raw space to the
// reduced space actually stored and compared. It is fitted once per
// training run and versioned with its snapshot; applying a projection to
// a vector of a different schema version is rejected.
type Projection struct {
	SchemaVersion int
	Mean          []float32
	Components    [][]float32 // OutDim rows of InDim columns
}

func (p *Projection) InDim() int  { return len(p.Mean) }
func (p *Projection) OutDim() int { return len(p.Components) }

// Apply subtracts the stored mean and multiplies by the component matrix.
// Idempotent in the sense that equal inputs always yield equal outputs;
// input rank and length are validated, never coerced.
func (p *Projection) Apply(v DescriptorVector) (DescriptorVector, error) {
	if v.Kind != KindFusedRaw {
		return DescriptorVector{}, &DimensionMismatchError{Stage: "projection", Want: p.InDim(), Got: v.Dim(),
			Detail: fmt.Sprintf("expected kind %q, got %q", KindFusedRaw, v.Kind)}
	}
	if v.SchemaVersion != p.SchemaVersion {
		return DescriptorVector{}, &DimensionMismatchError{Stage: "projection", Want: p.SchemaVersion, Got: v.SchemaVersion,
			Detail: "vector schema version does not match projection"}
	}
	if v.Dim() != p.InDim() {
		return DescriptorVector{}, &DimensionMismatchError{Stage: "projection", Want: p.InDim(), Got: v.Dim()}
	}

	centered := make([]float64, p.InDim())
	for i, x := range v.Values {
		centered[i] = float64(x) - float64(p.Mean[i])
	}

	out := make([]float32, p.OutDim())
	for i, comp := range p.Components {
		if len(comp) != p.InDim() {
			return DescriptorVector{}, &DimensionMismatchError{Stage: "projection", Want: p.InDim(), Got: len(comp),
				Detail: fmt.Sprintf("component %d", i)}
		}
		var sum float64
		for j, c := range comp {
			sum += float64(c) * centered[j]
		}
		out[i] = float32(sum)
	}

	return NewDescriptorVector(KindFusedProjected, p.SchemaVersion, out), nil
}
