package core

import (
	"errors"
	"fmt"
)

// ErrEmptyLibrary is returned when recognition is attempted against a
// snapshot with zero reference vectors. This is a hard failure, not an
// "unknown" classification.
var ErrEmptyLibrary = errors.New("no reference vectors in published snapshot")

// ErrNoSnapshot is returned when no model snapshot has been published yet.
var ErrNoSnapshot = errors.New("no published model snapshot")

// ErrJobCancelled aborts a training run at a cancellation checkpoint.
var ErrJobCancelled = errors.New("training job cancelled")

// PreprocessingError indicates the input image could not be reduced to a
// usable handwriting region. It is request-fatal and never retried.
type PreprocessingError struct {
	Reason string
	Err    error
}

func (e *PreprocessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("preprocessing failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("preprocessing failed: %s", e.Reason)
}

func (e *PreprocessingError) Unwrap() error { return e.Err }

// FeatureExtractionError indicates a descriptor extractor failed on an
// otherwise valid preprocessed image.
type FeatureExtractionError struct {
	Extractor string
	Err       error
}

func (e *FeatureExtractionError) Error() string {
	return fmt.Sprintf("%s feature extraction failed: %v", e.Extractor, e.Err)
}

func (e *FeatureExtractionError) Unwrap() error { return e.Err }

// DimensionMismatchError is a versioning or programming defect: a vector,
// projection, or reference has an unexpected length. It is surfaced loudly
// rather than coerced by reshaping.
type DimensionMismatchError struct {
	Stage  string
	Want   int
	Got    int
	Detail string
}

func (e *DimensionMismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("dimension mismatch at %s: want %d, got %d (%s)", e.Stage, e.Want, e.Got, e.Detail)
	}
	return fmt.Sprintf("dimension mismatch at %s: want %d, got %d", e.Stage, e.Want, e.Got)
}
