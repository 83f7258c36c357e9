package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"writerid-backend/internal/core"
	"writerid-backend/internal/core/embed"
	"writerid-backend/internal/storage"

	"github.com/joho/godotenv"
	ort "github.com/yalue/onnxruntime_go"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// InitOnnxRuntime loads the onnxruntime shared library and initializes the
// environment. The returned cleanup must run before process exit.
func InitOnnxRuntime(dylibPath string) func() {
	if dylibPath == "" {
		log.Fatalf("ONNX_RUNTIME_DYLIB must be set")
	}
	ort.SetSharedLibraryPath(dylibPath)
	if err := ort.InitializeEnvironment(); err != nil {
		log.Fatalf("could not init ONNX Runtime: %v", err)
	}
	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			log.Fatalf("error destroying onnx env: %v", err)
		}
	}
}

// SeedBaseModel uploads the pretrained backbone from modelDir into the
// model bucket if no base model is present yet. Training jobs refuse to
// run without it.
func SeedBaseModel(ctx context.Context, store storage.Provider, bucket, modelDir string) error {
	if modelDir == "" {
		return nil
	}

	backbone := filepath.Join(modelDir, embed.BackboneFile)
	info, err := os.Stat(backbone)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("backbone file not found in model dir, skipping base model upload", "path", backbone)
			return nil
		}
		return fmt.Errorf("failed to stat backbone file %s: %w", backbone, err)
	}
	if info.IsDir() {
		return fmt.Errorf("backbone path %s is a directory", backbone)
	}

	objs, err := store.ListObjects(ctx, bucket, core.BaseModelPrefix)
	if err != nil {
		slog.Error("failed to list base model objects", "bucket", bucket, "error", err)
	} else if len(objs) > 0 {
		slog.Info("base model already present, skipping upload", "bucket", bucket)
		return nil
	}

	if err := store.UploadDir(ctx, bucket, core.BaseModelPrefix, modelDir); err != nil {
		return fmt.Errorf("error uploading base model: %w", err)
	}

	slog.Info("uploaded base model", "bucket", bucket, "dir", modelDir)
	return nil
}
