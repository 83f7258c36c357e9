package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateTrainingJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed || status == JobCancelled {
		updates["completion_time"] = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating training job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

// ClaimTrainingJob moves a queued job to RUNNING. It reports false when
// the job is no longer queued, for example after a cancellation landed
// between dequeue and claim.
func ClaimTrainingJob(ctx context.Context, txn *gorm.DB, jobId uuid.UUID) (bool, error) {
	res := txn.WithContext(ctx).Model(&TrainingJob{}).
		Where("id = ? AND status = ?", jobId, JobQueued).
		Updates(map[string]any{
			"status":     JobRunning,
			"start_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
		})
	if res.Error != nil {
		slog.Error("error claiming training job", "job_id", jobId, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CompleteTrainingJob finalizes a running job. It reports false when the
// job left RUNNING in the meantime, so a late completion never overwrites
// a cancellation.
func CompleteTrainingJob(ctx context.Context, txn *gorm.DB, jobId, snapshotId uuid.UUID, skippedUsers, skippedSamples int, detail string) (bool, error) {
	res := txn.WithContext(ctx).Model(&TrainingJob{}).
		Where("id = ? AND status = ?", jobId, JobRunning).
		Updates(map[string]any{
			"status":          JobCompleted,
			"snapshot_id":     uuid.NullUUID{UUID: snapshotId, Valid: true},
			"skipped_users":   skippedUsers,
			"skipped_samples": skippedSamples,
			"progress":        1.0,
			"detail":          detail,
			"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
		})
	if res.Error != nil {
		slog.Error("error completing training job", "job_id", jobId, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func SetTrainingJobProgress(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, progress float64, detail string) {
	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(map[string]any{
		"progress": progress,
		"detail":   detail,
	}).Error; err != nil {
		slog.Error("error updating training job progress", "job_id", jobId, "error", err)
	}
}

func FailTrainingJob(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, cause string) {
	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(map[string]any{
		"status":          JobFailed,
		"error":           sql.NullString{String: cause, Valid: true},
		"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}).Error; err != nil {
		slog.Error("error marking training job failed", "job_id", jobId, "error", err)
	}
}

// ActiveTrainingJob returns the queued or running job, if any. Used to
// enforce single-flight training: a new request is rejected while one is
// active.
func ActiveTrainingJob(ctx context.Context, db *gorm.DB) (*TrainingJob, error) {
	var job TrainingJob
	err := db.WithContext(ctx).
		Where("status IN ?", []string{JobQueued, JobRunning}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying active training job: %w", err)
	}
	return &job, nil
}

// IsJobCancelled reports whether the job has been moved to CANCELLED.
// The trainer polls this at cancellation checkpoints between heavy steps.
func IsJobCancelled(ctx context.Context, db *gorm.DB, jobId uuid.UUID) bool {
	var job TrainingJob
	if err := db.WithContext(ctx).Select("status").First(&job, "id = ?", jobId).Error; err != nil {
		slog.Error("error checking job cancellation", "job_id", jobId, "error", err)
		return false
	}
	return job.Status == JobCancelled
}

// GetPublishedSnapshot returns the currently published snapshot, or nil
// when none has been published yet.
func GetPublishedSnapshot(ctx context.Context, db *gorm.DB) (*ModelSnapshot, error) {
	var snapshot ModelSnapshot
	err := db.WithContext(ctx).Where("published = ?", true).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying published snapshot: %w", err)
	}
	return &snapshot, nil
}

// PublishSnapshot atomically inserts the new snapshot with its reference
// vectors and moves the published flag to it. Readers observe either the
// previous snapshot or this one, never a mixture.
func PublishSnapshot(ctx context.Context, db *gorm.DB, snapshot *ModelSnapshot, refs []ReferenceVector) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		snapshot.Published = false
		if err := txn.Create(snapshot).Error; err != nil {
			return fmt.Errorf("error creating snapshot record: %w", err)
		}

		for i := range refs {
			refs[i].SnapshotId = snapshot.Id
		}
		if len(refs) > 0 {
			if err := txn.CreateInBatches(&refs, 100).Error; err != nil {
				return fmt.Errorf("error creating reference vectors: %w", err)
			}
		}

		if err := txn.Model(&ModelSnapshot{}).Where("published = ?", true).
			Update("published", false).Error; err != nil {
			return fmt.Errorf("error unpublishing previous snapshot: %w", err)
		}
		if err := txn.Model(&ModelSnapshot{}).Where("id = ?", snapshot.Id).
			Update("published", true).Error; err != nil {
			return fmt.Errorf("error publishing snapshot: %w", err)
		}
		snapshot.Published = true
		return nil
	})
}

// GetRecognitionConfig loads the threshold configuration, creating the
// default row on first use.
func GetRecognitionConfig(ctx context.Context, db *gorm.DB) (RecognitionConfig, error) {
	cfg := DefaultRecognitionConfig()
	if err := db.WithContext(ctx).Where(RecognitionConfig{Id: 1}).
		Attrs(cfg).FirstOrCreate(&cfg).Error; err != nil {
		return cfg, fmt.Errorf("error loading recognition config: %w", err)
	}
	return cfg, nil
}

func NextSchemaVersion(ctx context.Context, db *gorm.DB) (int, error) {
	var maxVersion sql.NullInt64
	if err := db.WithContext(ctx).Model(&ModelSnapshot{}).
		Select("MAX(schema_version)").Scan(&maxVersion).Error; err != nil {
		return 0, fmt.Errorf("error querying max schema version: %w", err)
	}
	return int(maxVersion.Int64) + 1, nil
}
