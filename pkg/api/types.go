package api

import (
	"time"

	"github.com/google/uuid"
)

// CropRegion restricts preprocessing to a sub-rectangle of the uploaded
// image. Zero width or height means the full image.
type CropRegion struct {
	X      int `schema:"crop_x"`
	Y      int `schema:"crop_y"`
	Width  int `schema:"crop_w"`
	Height int `schema:"crop_h"`
}

type User struct {
	Id           uuid.UUID
	Name         string
	SampleCount  int
	CreationTime time.Time
}

type CreateUserRequest struct {
	Name string
}

type Sample struct {
	Id           uuid.UUID
	UserId       uuid.UUID
	Status       string
	ContentHash  string
	Crop         *CropRegion `json:"Crop,omitempty"`
	CreationTime time.Time
}

type EnrollSampleResponse struct {
	SampleId    uuid.UUID
	ContentHash string
}

type UserScore struct {
	UserId uuid.UUID
	Name   string
	Score  float64
}

// MatchResult is the ranked outcome of one recognition. Matches holds at
// most the configured top K entries ordered by descending score.
type MatchResult struct {
	Matches    []UserScore
	IsUnknown  bool
	Confidence float64
}

type RecognizeResponse struct {
	Result        MatchResult
	SnapshotId    uuid.UUID
	SchemaVersion int

	// Degraded indicates the published snapshot carries no fine-tuned
	// metric head, so embeddings come from the generic pretrained
	// backbone only.
	Degraded bool
}

type BatchItemResult struct {
	Result *RecognizeResponse `json:"Result,omitempty"`
	Error  string             `json:"Error,omitempty"`
}

type BatchRecognizeResponse struct {
	Results []BatchItemResult
}

type TrainRequest struct {
	ForceRetrain bool
	RequestedBy  string
}

type TrainSubmitResponse struct {
	Message string
	JobId   uuid.UUID
}

type TrainingJobStatus struct {
	JobId          uuid.UUID
	Status         string
	Progress       float64
	Detail         string
	Error          string `json:"Error,omitempty"`
	RequestedBy    string
	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
	SnapshotId     *uuid.UUID `json:"SnapshotId,omitempty"`
	SkippedUsers   int
	SkippedSamples int
}

type RecognitionConfig struct {
	SimilarityThreshold  float64
	MeanThreshold        float64
	GapThreshold         float64
	TopK                 int
	MinEnrollmentSamples int
	Aggregation          string
}

// UpdateConfigRequest is a partial configuration update. Fields omitted
// from the request body keep their current values.
type UpdateConfigRequest struct {
	SimilarityThreshold  *float64 `json:"SimilarityThreshold,omitempty"`
	MeanThreshold        *float64 `json:"MeanThreshold,omitempty"`
	GapThreshold         *float64 `json:"GapThreshold,omitempty"`
	TopK                 *int     `json:"TopK,omitempty"`
	MinEnrollmentSamples *int     `json:"MinEnrollmentSamples,omitempty"`
	Aggregation          *string  `json:"Aggregation,omitempty"`
}

type Snapshot struct {
	Id            uuid.UUID
	SchemaVersion int
	Published     bool
	ProjectedDim  int
	CorpusDigest  string
	CreationTime  time.Time
}
