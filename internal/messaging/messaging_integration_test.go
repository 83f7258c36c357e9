//go:build integration
// +build integration

// Run unit tests with: go test ./...
// Run integration tests with: go test -tags=integration ./...

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
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func setupRabbitMQ(t *testing.T, ctx context.Context) string {
	container, err := rabbitmq.RunContainer(ctx,
		testcontainers.WithImage("rabbitmq:3.11-management"),
	)
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate RabbitMQ container: %v", err)
		}
	})

	connStr, err := container.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

func TestRabbitMQPublishReceive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := setupRabbitMQ(t, ctx)

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err, "Failed to create publisher")
	defer publisher.Close()

	reciever, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err, "Failed to create receiver")
	defer reciever.Close()

	payload := messaging.TrainTaskPayload{JobId: uuid.New()}
	require.NoError(t, publisher.PublishTrainTask(ctx, payload))

	select {
	case task := <-reciever.Tasks():
		assert.Equal(t, messaging.TrainingQueue, task.Type())

		var received messaging.TrainTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload, received)

		require.NoError(t, task.Ack())
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for task")
	}
}

func TestRabbitMQNackRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := setupRabbitMQ(t, ctx)

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err, "Failed to create publisher")
	defer publisher.Close()

	reciever, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err, "Failed to create receiver")
	defer reciever.Close()

	payload := messaging.TrainTaskPayload{JobId: uuid.New()}
	require.NoError(t, publisher.PublishTrainTask(ctx, payload))

	select {
	case task := <-reciever.Tasks():
		require.NoError(t, task.Nack())
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for first delivery")
	}

	select {
	case task := <-reciever.Tasks():
		var received messaging.TrainTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload, received)
		require.NoError(t, task.Ack())
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for redelivery")
	}
}
