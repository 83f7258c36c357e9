package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"writerid-backend/cmd"
	"writerid-backend/internal/api"
	"writerid-backend/internal/core"
	"writerid-backend/internal/core/embed"
	"writerid-backend/internal/database"
	"writerid-backend/internal/messaging"
	"writerid-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pelletier/go-toml/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root             string `env:"ROOT" envDefault:"./writerid"`
	Port             int    `env:"PORT" envDefault:"3001"`
	BaseModelDir     string `env:"BASE_MODEL_DIR"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
	SettingsFile     string `env:"SETTINGS_FILE"`
}

const (
	modelBucket  = "models"
	sampleBucket = "samples"
)

// Settings is the optional TOML file for desktop deployments, covering
// the matcher thresholds without going through the HTTP config endpoint.
type Settings struct {
	SimilarityThreshold  *float64 `toml:"similarity_threshold"`
	MeanThreshold        *float64 `toml:"mean_threshold"`
	GapThreshold         *float64 `toml:"gap_threshold"`
	TopK                 *int     `toml:"top_k"`
	MinEnrollmentSamples *int     `toml:"min_enrollment_samples"`
	Aggregation          *string  `toml:"aggregation"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "writerid.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue re-enqueues training jobs that were queued when the process
// last exited.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var jobs []database.TrainingJob
	if err := db.Where("status = ?", database.JobQueued).Find(&jobs).Error; err != nil {
		log.Fatalf("Failed to fetch queued jobs from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, job := range jobs {
		if err := queue.PublishTrainTask(context.Background(), messaging.TrainTaskPayload{
			JobId: job.Id,
		}); err != nil {
			log.Fatalf("Failed to re-enqueue training job: %v", err)
		}
	}

	return queue
}

func applySettings(db *gorm.DB, path string) {
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read settings file %s: %v", path, err)
	}

	var settings Settings
	if err := toml.Unmarshal(data, &settings); err != nil {
		log.Fatalf("Failed to parse settings file %s: %v", path, err)
	}

	cfg, err := database.GetRecognitionConfig(context.Background(), db)
	if err != nil {
		log.Fatalf("Failed to load recognition config: %v", err)
	}

	if settings.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *settings.SimilarityThreshold
	}
	if settings.MeanThreshold != nil {
		cfg.MeanThreshold = *settings.MeanThreshold
	}
	if settings.GapThreshold != nil {
		cfg.GapThreshold = *settings.GapThreshold
	}
	if settings.TopK != nil {
		cfg.TopK = *settings.TopK
	}
	if settings.MinEnrollmentSamples != nil {
		cfg.MinEnrollmentSamples = *settings.MinEnrollmentSamples
	}
	if settings.Aggregation != nil {
		cfg.Aggregation = *settings.Aggregation
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := db.Save(&cfg).Error; err != nil {
		log.Fatalf("Failed to save recognition config: %v", err)
	}

	slog.Info("applied settings file", "path", path)
}

func createServer(db *gorm.DB, store storage.Provider, queue messaging.Publisher, engine *core.Engine, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, store, sampleBucket, queue, engine)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	shutdownOnnx := cmd.InitOnnxRuntime(cfg.OnnxRuntimeDylib)
	defer shutdownOnnx()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port)

	db := createDatabase(cfg.Root)

	applySettings(db, cfg.SettingsFile)

	store, err := storage.NewLocalProvider(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	if err := cmd.SeedBaseModel(context.Background(), store, modelBucket, cfg.BaseModelDir); err != nil {
		log.Fatalf("Failed to seed base model: %v", err)
	}

	queue := createQueue(db)

	trainer := core.NewTrainer(db, store, embed.LoadOnnxEmbedder, core.TrainerConfig{
		ModelBucket:  modelBucket,
		SampleBucket: sampleBucket,
		ScratchDir:   filepath.Join(cfg.Root, "scratch"),
	})

	worker := core.NewTaskProcessor(trainer, queue, queue, filepath.Join(cfg.Root, "training.lock"))

	engine := core.NewEngine(db, store, modelBucket, filepath.Join(cfg.Root, "models"), embed.LoadOnnxEmbedder)

	server := createServer(db, store, queue, engine, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
