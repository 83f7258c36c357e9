package messaging_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"writerid-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueRoundtrip(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	payload := messaging.TrainTaskPayload{JobId: uuid.New()}
	require.NoError(t, queue.PublishTrainTask(context.Background(), payload))

	select {
	case task := <-queue.Tasks():
		assert.Equal(t, messaging.TrainingQueue, task.Type())

		var received messaging.TrainTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload, received)

		require.NoError(t, task.Ack())
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for task")
	}
}

func TestInMemoryQueuePreservesOrder(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	payloads := []messaging.TrainTaskPayload{
		{JobId: uuid.New()},
		{JobId: uuid.New()},
		{JobId: uuid.New()},
	}
	for _, p := range payloads {
		require.NoError(t, queue.PublishTrainTask(context.Background(), p))
	}

	for _, want := range payloads {
		select {
		case task := <-queue.Tasks():
			var received messaging.TrainTaskPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &received))
			assert.Equal(t, want, received)
			require.NoError(t, task.Ack())
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for task")
		}
	}
}
