package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"writerid-backend/cmd"
	"writerid-backend/internal/core"
	"writerid-backend/internal/core/embed"
	"writerid-backend/internal/database"
	"writerid-backend/internal/messaging"
	"writerid-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
	ModelBucketName   string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
	SampleBucketName  string `env:"SAMPLE_BUCKET_NAME" envDefault:"samples"`
	ScratchDir        string `env:"SCRATCH_DIR" envDefault:"./scratch"`
	BaseModelDir      string `env:"BASE_MODEL_DIR"`
	OnnxRuntimeDylib  string `env:"ONNX_RUNTIME_DYLIB,notEmpty,required"`
	ExtractWorkers    int    `env:"EXTRACT_WORKERS" envDefault:"4"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	shutdownOnnx := cmd.InitOnnxRuntime(cfg.OnnxRuntimeDylib)
	defer shutdownOnnx()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3Provider(&storage.S3ProviderConfig{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
	})
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	if err := cmd.SeedBaseModel(context.Background(), store, cfg.ModelBucketName, cfg.BaseModelDir); err != nil {
		log.Fatalf("Failed to seed base model: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}

	trainer := core.NewTrainer(db, store, embed.LoadOnnxEmbedder, core.TrainerConfig{
		ModelBucket:    cfg.ModelBucketName,
		SampleBucket:   cfg.SampleBucketName,
		ScratchDir:     cfg.ScratchDir,
		ExtractWorkers: cfg.ExtractWorkers,
	})

	if err := os.MkdirAll(cfg.ScratchDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create scratch dir: %v", err)
	}
	processor := core.NewTaskProcessor(trainer, publisher, reciever, filepath.Join(cfg.ScratchDir, "training.lock"))

	go processor.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")

	processor.Stop()

	log.Println("Worker process stopped.")
}
