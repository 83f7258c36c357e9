package api

import (
	"encoding/json"
	"log/slog"

	"writerid-backend/internal/database"
	"writerid-backend/pkg/api"
)

func toApiUser(user database.User, sampleCount int) api.User {
	return api.User{
		Id:           user.Id,
		Name:         user.Name,
		SampleCount:  sampleCount,
		CreationTime: user.CreationTime,
	}
}

func toApiSample(sample database.Sample) api.Sample {
	result := api.Sample{
		Id:           sample.Id,
		UserId:       sample.UserId,
		Status:       sample.Status,
		ContentHash:  sample.ContentHash,
		CreationTime: sample.CreationTime,
	}

	if len(sample.Crop) > 0 {
		var crop api.CropRegion
		if err := json.Unmarshal(sample.Crop, &crop); err != nil {
			slog.Error("error decoding stored crop region", "sample_id", sample.Id, "error", err)
		} else {
			result.Crop = &crop
		}
	}

	return result
}

func toApiTrainingJob(job database.TrainingJob) api.TrainingJobStatus {
	result := api.TrainingJobStatus{
		JobId:          job.Id,
		Status:         job.Status,
		Progress:       job.Progress,
		Detail:         job.Detail,
		RequestedBy:    job.RequestedBy,
		CreationTime:   job.CreationTime,
		SkippedUsers:   job.SkippedUsers,
		SkippedSamples: job.SkippedSamples,
	}

	if job.Error.Valid {
		result.Error = job.Error.String
	}
	if job.StartTime.Valid {
		t := job.StartTime.Time
		result.StartTime = &t
	}
	if job.CompletionTime.Valid {
		t := job.CompletionTime.Time
		result.CompletionTime = &t
	}
	if job.SnapshotId.Valid {
		id := job.SnapshotId.UUID
		result.SnapshotId = &id
	}

	return result
}

func toApiConfig(cfg database.RecognitionConfig) api.RecognitionConfig {
	return api.RecognitionConfig{
		SimilarityThreshold:  cfg.SimilarityThreshold,
		MeanThreshold:        cfg.MeanThreshold,
		GapThreshold:         cfg.GapThreshold,
		TopK:                 cfg.TopK,
		MinEnrollmentSamples: cfg.MinEnrollmentSamples,
		Aggregation:          cfg.Aggregation,
	}
}
