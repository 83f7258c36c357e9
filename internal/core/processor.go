package core

import (
	"context"
	"encoding/json"
	"log/slog"

	"writerid-backend/internal/messaging"

	"github.com/gofrs/flock"
)

// TaskProcessor consumes training tasks from the queue. A file lease
// guards against two worker processes on the same host training at once;
// a task that cannot take the lease is requeued for another worker.
type TaskProcessor struct {
	trainer   *Trainer
	publisher messaging.Publisher
	reciever  messaging.Reciever
	lease     *flock.Flock
}

func NewTaskProcessor(trainer *Trainer, publisher messaging.Publisher, reciever messaging.Reciever, leasePath string) *TaskProcessor {
	return &TaskProcessor{
		trainer:   trainer,
		publisher: publisher,
		reciever:  reciever,
		lease:     flock.New(leasePath),
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var payload messaging.TrainTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling training task", "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	locked, err := proc.lease.TryLock()
	if err != nil || !locked {
		slog.Warn("could not acquire training lease, requeueing task", "job_id", payload.JobId, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error requeueing message", "error", err)
		}
		return
	}
	defer func() {
		if err := proc.lease.Unlock(); err != nil {
			slog.Error("error releasing training lease", "error", err)
		}
	}()

	if err := proc.trainer.Run(ctx, payload.JobId); err != nil {
		// The failure is recorded on the job row; requeueing would just
		// rerun a job already marked FAILED.
		slog.Error("error processing training task", "job_id", payload.JobId, "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	slog.Info("successfully processed training task", "job_id", payload.JobId)
	if err := task.Ack(); err != nil {
		slog.Error("error acknowledging message from queue", "error", err)
	}
}
