package database_test

import (
	"context"
	"testing"
	"time"

	"writerid-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func createJob(t *testing.T, db *gorm.DB, status string) uuid.UUID {
	job := database.TrainingJob{Id: uuid.New(), Status: status, CreationTime: time.Now().UTC()}
	require.NoError(t, db.Create(&job).Error)
	return job.Id
}

func TestClaimTrainingJob(t *testing.T) {
	ctx := context.Background()
	db := createDB(t)

	jobId := createJob(t, db, database.JobQueued)

	claimed, err := database.ClaimTrainingJob(ctx, db, jobId)
	require.NoError(t, err)
	assert.True(t, claimed)

	var job database.TrainingJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobRunning, job.Status)
	assert.True(t, job.StartTime.Valid)

	// a second claim on the same job must lose
	claimed, err = database.ClaimTrainingJob(ctx, db, jobId)
	require.NoError(t, err)
	assert.False(t, claimed)

	t.Run("CancelledBeforeClaim", func(t *testing.T) {
		cancelledId := createJob(t, db, database.JobCancelled)

		claimed, err := database.ClaimTrainingJob(ctx, db, cancelledId)
		require.NoError(t, err)
		assert.False(t, claimed)

		var job database.TrainingJob
		require.NoError(t, db.First(&job, "id = ?", cancelledId).Error)
		assert.Equal(t, database.JobCancelled, job.Status)
	})
}

func TestCompleteTrainingJobKeepsCancellation(t *testing.T) {
	ctx := context.Background()
	db := createDB(t)

	runningId := createJob(t, db, database.JobRunning)
	snapshotId := uuid.New()

	done, err := database.CompleteTrainingJob(ctx, db, runningId, snapshotId, 1, 2, "snapshot published")
	require.NoError(t, err)
	assert.True(t, done)

	var job database.TrainingJob
	require.NoError(t, db.First(&job, "id = ?", runningId).Error)
	assert.Equal(t, database.JobCompleted, job.Status)
	require.True(t, job.SnapshotId.Valid)
	assert.Equal(t, snapshotId, job.SnapshotId.UUID)
	assert.Equal(t, 1, job.SkippedUsers)
	assert.Equal(t, 2, job.SkippedSamples)
	assert.Equal(t, 1.0, job.Progress)
	assert.True(t, job.CompletionTime.Valid)

	// a cancellation that landed mid-run survives the late completion
	cancelledId := createJob(t, db, database.JobCancelled)

	done, err = database.CompleteTrainingJob(ctx, db, cancelledId, uuid.New(), 0, 0, "snapshot published")
	require.NoError(t, err)
	assert.False(t, done)

	var cancelledJob database.TrainingJob
	require.NoError(t, db.First(&cancelledJob, "id = ?", cancelledId).Error)
	assert.Equal(t, database.JobCancelled, cancelledJob.Status)
	assert.False(t, cancelledJob.SnapshotId.Valid)
}
