package core_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"writerid-backend/internal/core"
	"writerid-backend/internal/database"
	"writerid-backend/internal/messaging"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTask struct {
	payload  []byte
	acked    bool
	nacked   bool
	rejected bool
}

func (t *mockTask) Type() string    { return messaging.TrainingQueue }
func (t *mockTask) Payload() []byte { return t.payload }
func (t *mockTask) Ack() error      { t.acked = true; return nil }
func (t *mockTask) Nack() error     { t.nacked = true; return nil }
func (t *mockTask) Reject() error   { t.rejected = true; return nil }

func trainTask(t *testing.T, jobId uuid.UUID) *mockTask {
	payload, err := json.Marshal(messaging.TrainTaskPayload{JobId: jobId})
	require.NoError(t, err)
	return &mockTask{payload: payload}
}

func TestProcessTaskAcksOnSuccess(t *testing.T) {
	db := createDB(t, permissiveConfig())
	store := createStorage(t)
	queue := messaging.NewInMemoryQueue()

	enrollUser(t, db, store, "alice", false, 2)
	enrollUser(t, db, store, "bob", true, 2)
	jobId := submitJob(t, db, false)

	proc := core.NewTaskProcessor(createTrainer(t, db, store, stubLoader), queue, queue,
		filepath.Join(t.TempDir(), "training.lock"))

	task := trainTask(t, jobId)
	proc.ProcessTask(task)

	assert.True(t, task.acked)
	assert.False(t, task.nacked)
	assert.False(t, task.rejected)

	var job database.TrainingJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobCompleted, job.Status)
}

func TestProcessTaskRejectsOnTrainingFailure(t *testing.T) {
	db := createDB(t, permissiveConfig())
	store := createStorage(t)
	queue := messaging.NewInMemoryQueue()

	enrollUser(t, db, store, "alice", false, 2)
	enrollUser(t, db, store, "bob", true, 2)
	jobId := submitJob(t, db, false)

	proc := core.NewTaskProcessor(createTrainer(t, db, store, failingLoader), queue, queue,
		filepath.Join(t.TempDir(), "training.lock"))

	task := trainTask(t, jobId)
	proc.ProcessTask(task)

	// the failure lives on the job row, so the message is dropped rather
	// than requeued
	assert.True(t, task.rejected)
	assert.False(t, task.acked)

	var job database.TrainingJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobFailed, job.Status)
}

func TestProcessTaskRejectsMalformedPayload(t *testing.T) {
	db := createDB(t, permissiveConfig())
	store := createStorage(t)
	queue := messaging.NewInMemoryQueue()

	proc := core.NewTaskProcessor(createTrainer(t, db, store, stubLoader), queue, queue,
		filepath.Join(t.TempDir(), "training.lock"))

	task := &mockTask{payload: []byte("not json")}
	proc.ProcessTask(task)

	assert.True(t, task.rejected)
	assert.False(t, task.acked)
	assert.False(t, task.nacked)
}

func TestProcessTaskRequeuesWhenLeaseHeld(t *testing.T) {
	db := createDB(t, permissiveConfig())
	store := createStorage(t)
	queue := messaging.NewInMemoryQueue()

	leasePath := filepath.Join(t.TempDir(), "training.lock")
	other := flock.New(leasePath)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.Unlock()

	proc := core.NewTaskProcessor(createTrainer(t, db, store, stubLoader), queue, queue, leasePath)

	task := trainTask(t, uuid.New())
	proc.ProcessTask(task)

	assert.True(t, task.nacked)
	assert.False(t, task.acked)
	assert.False(t, task.rejected)
}

func TestProcessorDrainsQueue(t *testing.T) {
	db := createDB(t, permissiveConfig())
	store := createStorage(t)
	queue := messaging.NewInMemoryQueue()

	enrollUser(t, db, store, "alice", false, 2)
	enrollUser(t, db, store, "bob", true, 2)
	jobId := submitJob(t, db, false)

	proc := core.NewTaskProcessor(createTrainer(t, db, store, stubLoader), queue, queue,
		filepath.Join(t.TempDir(), "training.lock"))

	require.NoError(t, queue.PublishTrainTask(context.Background(), messaging.TrainTaskPayload{JobId: jobId}))

	done := make(chan struct{})
	go func() {
		proc.Start()
		close(done)
	}()

	require.Eventually(t, func() bool {
		var job database.TrainingJob
		if err := db.First(&job, "id = ?", jobId).Error; err != nil {
			return false
		}
		return job.Status == database.JobCompleted
	}, 10*time.Second, 50*time.Millisecond)

	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop after the queue closed")
	}

	snap, err := database.GetPublishedSnapshot(context.Background(), db)
	require.NoError(t, err)
	assert.NotNil(t, snap)
}
