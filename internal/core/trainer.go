package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"writerid-backend/internal/core/embed"
	"writerid-backend/internal/core/features"
	"writerid-backend/internal/core/imaging"
	"writerid-backend/internal/core/utils"
	"writerid-backend/internal/database"
	"writerid-backend/internal/storage"
	"writerid-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// DefaultProjectedDim is the dimensionality of the projected fused
	// space reference vectors live in.
	DefaultProjectedDim = 128

	// BaseModelPrefix is where the pretrained backbone lives in the model
	// bucket. Each snapshot gets its own copy under SnapshotPrefix so a
	// snapshot stays loadable even if the base model is replaced.
	BaseModelPrefix = "base"

	snapshotPrefix = "snapshots"
)

type TrainerConfig struct {
	ModelBucket  string
	SampleBucket string

	// ScratchDir holds downloaded samples and artifacts being assembled
	// during a run.
	ScratchDir string

	ProjectedDim   int
	ExtractWorkers int
}

type Trainer struct {
	db      *gorm.DB
	storage storage.Provider
	cfg     TrainerConfig

	loadEmbedder   embed.Loader
	preprocessOpts imaging.Options
	headOpts       HeadOptions
}

func NewTrainer(db *gorm.DB, store storage.Provider, loader embed.Loader, cfg TrainerConfig) *Trainer {
	if cfg.ProjectedDim <= 0 {
		cfg.ProjectedDim = DefaultProjectedDim
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = 4
	}
	return &Trainer{
		db:             db,
		storage:        store,
		cfg:            cfg,
		loadEmbedder:   loader,
		preprocessOpts: imaging.DefaultOptions(),
		headOpts:       DefaultHeadOptions(),
	}
}

// sampleVectors is the per-sample output of the extraction stage, before
// the head and projection are fitted.
type sampleVectors struct {
	UserId       uuid.UUID
	SampleId     uuid.UUID
	CreationTime time.Time
	Embedding    []float32
	Traditional  []float32
}

// Run executes one training job end to end. A cancellation moves the job
// to CANCELLED between steps and leaves the previously published snapshot
// untouched; so does any failure.
func (t *Trainer) Run(ctx context.Context, jobId uuid.UUID) error {
	var job database.TrainingJob
	if err := t.db.WithContext(ctx).First(&job, "id = ?", jobId).Error; err != nil {
		return fmt.Errorf("failed to load training job %s: %w", jobId, err)
	}

	// The claim only succeeds on a QUEUED job, so a cancellation landing
	// after the load above is never overwritten.
	claimed, err := database.ClaimTrainingJob(ctx, t.db, jobId)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("training job no longer queued, skipping", "job_id", jobId, "status", job.Status)
		return nil
	}

	err = t.run(ctx, &job)
	switch {
	case errors.Is(err, ErrJobCancelled):
		slog.Info("training job cancelled", "job_id", jobId)
		if err := database.UpdateTrainingJobStatus(ctx, t.db, jobId, database.JobCancelled); err != nil {
			slog.Error("error marking training job cancelled", "job_id", jobId, "error", err)
		}
		return nil
	case err != nil:
		slog.Error("training job failed", "job_id", jobId, "error", err)
		database.FailTrainingJob(ctx, t.db, jobId, err.Error())
		return err
	default:
		return nil
	}
}

func (t *Trainer) checkpoint(ctx context.Context, jobId uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if database.IsJobCancelled(ctx, t.db, jobId) {
		return ErrJobCancelled
	}
	return nil
}

func (t *Trainer) run(ctx context.Context, job *database.TrainingJob) error {
	cfg, err := database.GetRecognitionConfig(ctx, t.db)
	if err != nil {
		return err
	}

	database.SetTrainingJobProgress(ctx, t.db, job.Id, 0.05, "loading corpus")

	var users []database.User
	if err := t.db.WithContext(ctx).Preload("Samples").Find(&users).Error; err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	var hashes []string
	for _, user := range users {
		for _, sample := range user.Samples {
			if sample.Status != database.SampleFailed {
				hashes = append(hashes, sample.ContentHash)
			}
		}
	}
	digest := CorpusDigest(hashes)

	if !job.Force {
		published, err := database.GetPublishedSnapshot(ctx, t.db)
		if err != nil {
			return err
		}
		if published != nil && published.CorpusDigest == digest {
			slog.Info("corpus unchanged since published snapshot, skipping retrain", "job_id", job.Id, "snapshot_id", published.Id)
			return t.complete(ctx, job.Id, published.Id, 0, 0, "corpus unchanged; published snapshot retained")
		}
	}

	// Users below the enrollment minimum are skipped, not fatal.
	var eligible []database.User
	skippedUsers := 0
	for _, user := range users {
		usable := 0
		for _, sample := range user.Samples {
			if sample.Status != database.SampleFailed {
				usable++
			}
		}
		if usable < cfg.MinEnrollmentSamples {
			slog.Warn("skipping user with too few samples", "user_id", user.Id, "samples", usable, "min", cfg.MinEnrollmentSamples)
			skippedUsers++
			continue
		}
		eligible = append(eligible, user)
	}
	if len(eligible) == 0 {
		return fmt.Errorf("no users with at least %d usable samples", cfg.MinEnrollmentSamples)
	}

	if err := t.checkpoint(ctx, job.Id); err != nil {
		return err
	}

	database.SetTrainingJobProgress(ctx, t.db, job.Id, 0.1, "loading embedding backbone")

	baseDir := filepath.Join(t.cfg.ScratchDir, "base")
	if _, err := os.Stat(filepath.Join(baseDir, embed.BackboneFile)); os.IsNotExist(err) {
		if err := t.storage.DownloadDir(ctx, t.cfg.ModelBucket, BaseModelPrefix, baseDir, true); err != nil {
			return fmt.Errorf("failed to download base model: %w", err)
		}
	}
	embedder, err := t.loadEmbedder(baseDir)
	if err != nil {
		return fmt.Errorf("failed to load embedding backbone: %w", err)
	}
	defer embedder.Release()

	database.SetTrainingJobProgress(ctx, t.db, job.Id, 0.2, "extracting sample descriptors")

	vectors, skippedSamples, err := t.extractAll(ctx, eligible, embedder)
	if err != nil {
		return err
	}

	// Re-check the minimum after extraction failures.
	byUser := make(map[uuid.UUID][]sampleVectors)
	for _, v := range vectors {
		byUser[v.UserId] = append(byUser[v.UserId], v)
	}
	var trainable []database.User
	for _, user := range eligible {
		if len(byUser[user.Id]) < cfg.MinEnrollmentSamples {
			slog.Warn("skipping user after extraction failures", "user_id", user.Id, "samples", len(byUser[user.Id]))
			skippedUsers++
			delete(byUser, user.Id)
			continue
		}
		trainable = append(trainable, user)
	}
	if len(trainable) == 0 {
		return fmt.Errorf("no users left after sample extraction")
	}

	if err := t.checkpoint(ctx, job.Id); err != nil {
		return err
	}

	database.SetTrainingJobProgress(ctx, t.db, job.Id, 0.5, "fitting metric head")

	var embeddings [][]float32
	var labels []int
	var ordered []sampleVectors
	for i, user := range trainable {
		for _, v := range byUser[user.Id] {
			embeddings = append(embeddings, v.Embedding)
			labels = append(labels, i)
			ordered = append(ordered, v)
		}
	}

	degraded := false
	head, err := FitMetricHead(ctx, embeddings, labels, t.headOpts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Fall back to the pretrained backbone alone. The snapshot still
		// publishes but is flagged so callers can surface the condition.
		slog.Warn("could not fit metric head, publishing degraded snapshot", "error", err)
		head = nil
		degraded = true
	}

	if err := t.checkpoint(ctx, job.Id); err != nil {
		return err
	}

	database.SetTrainingJobProgress(ctx, t.db, job.Id, 0.7, "fitting projection")

	schemaVersion, err := database.NextSchemaVersion(ctx, t.db)
	if err != nil {
		return err
	}

	fused := make([][]float32, len(ordered))
	for i, v := range ordered {
		values := v.Embedding
		if head != nil {
			if values, err = head.Apply(values); err != nil {
				return err
			}
		}
		deep := NewDescriptorVector(KindDeep, schemaVersion, values)
		traditional := NewDescriptorVector(KindTraditional, schemaVersion, v.Traditional)
		f, err := Fuse(deep, traditional)
		if err != nil {
			return err
		}
		fused[i] = f.Values
	}

	projection, err := FitProjection(fused, t.cfg.ProjectedDim, schemaVersion)
	if err != nil {
		return fmt.Errorf("failed to fit projection: %w", err)
	}

	if err := t.checkpoint(ctx, job.Id); err != nil {
		return err
	}

	database.SetTrainingJobProgress(ctx, t.db, job.Id, 0.8, "aggregating reference vectors")

	refs, err := t.aggregate(ordered, fused, projection, schemaVersion, cfg.Aggregation)
	if err != nil {
		return err
	}

	database.SetTrainingJobProgress(ctx, t.db, job.Id, 0.9, "publishing snapshot")

	snapshotId := uuid.New()
	prefix := path.Join(snapshotPrefix, snapshotId.String())

	if err := t.writeArtifacts(ctx, snapshotId, prefix, baseDir, &SnapshotParams{
		SchemaVersion:  schemaVersion,
		EmbeddingDim:   embedder.Dim(),
		TraditionalDim: features.TraditionalDim,
		Head:           head,
		Projection:     projection,
	}); err != nil {
		return err
	}

	if err := t.checkpoint(ctx, job.Id); err != nil {
		return err
	}

	snapshot := &database.ModelSnapshot{
		Id:             snapshotId,
		SchemaVersion:  schemaVersion,
		EmbeddingDim:   embedder.Dim(),
		TraditionalDim: features.TraditionalDim,
		ProjectedDim:   projection.OutDim(),
		CorpusDigest:   digest,
		ArtifactPrefix: prefix,
		Degraded:       degraded,
		CreationTime:   time.Now().UTC(),
	}
	if err := database.PublishSnapshot(ctx, t.db, snapshot, refs); err != nil {
		return err
	}

	slog.Info("published model snapshot", "snapshot_id", snapshotId, "schema_version", schemaVersion,
		"users", len(trainable), "samples", len(ordered), "skipped_users", skippedUsers, "skipped_samples", skippedSamples, "degraded", degraded)

	return t.complete(ctx, job.Id, snapshotId, skippedUsers, skippedSamples, "snapshot published")
}

func (t *Trainer) complete(ctx context.Context, jobId, snapshotId uuid.UUID, skippedUsers, skippedSamples int, detail string) error {
	done, err := database.CompleteTrainingJob(ctx, t.db, jobId, snapshotId, skippedUsers, skippedSamples, detail)
	if err != nil {
		return fmt.Errorf("failed to finalize training job: %w", err)
	}
	if !done {
		slog.Warn("training job left RUNNING before completion was recorded, keeping its status", "job_id", jobId)
	}
	return nil
}

// extractAll preprocesses and embeds every usable sample in parallel.
// Individual failures mark the sample FAILED and are counted, not fatal.
func (t *Trainer) extractAll(ctx context.Context, users []database.User, embedder embed.Embedder) ([]sampleVectors, int, error) {
	type item struct {
		user   database.User
		sample database.Sample
	}

	var items []item
	for _, user := range users {
		for _, sample := range user.Samples {
			if sample.Status == database.SampleFailed {
				continue
			}
			items = append(items, item{user: user, sample: sample})
		}
	}

	queue := make(chan item, len(items))
	for _, it := range items {
		queue <- it
	}
	close(queue)

	completed := make(chan utils.CompletedTask[sampleVectors], len(items))

	worker := func(it item) (sampleVectors, error) {
		vec, err := t.extractOne(ctx, it.sample, embedder)
		status := database.SamplePreprocessed
		if err != nil {
			status = database.SampleFailed
		}
		if dbErr := t.db.WithContext(ctx).Model(&database.Sample{Id: it.sample.Id}).
			Update("status", status).Error; dbErr != nil {
			slog.Error("error updating sample status", "sample_id", it.sample.Id, "error", dbErr)
		}
		if err != nil {
			slog.Warn("sample failed extraction", "sample_id", it.sample.Id, "user_id", it.user.Id, "error", err)
			return sampleVectors{}, err
		}
		return vec, nil
	}

	utils.RunInPool(ctx, worker, queue, completed, t.cfg.ExtractWorkers)

	var vectors []sampleVectors
	failed := 0
	for task := range completed {
		if task.Error != nil {
			failed++
			continue
		}
		vectors = append(vectors, task.Result)
	}

	if err := ctx.Err(); err != nil {
		return nil, failed, err
	}

	if len(vectors) == 0 {
		return nil, failed, fmt.Errorf("all %d samples failed extraction", len(items))
	}

	return vectors, failed, nil
}

func (t *Trainer) extractOne(ctx context.Context, sample database.Sample, embedder embed.Embedder) (sampleVectors, error) {
	data, err := t.storage.GetObject(ctx, t.cfg.SampleBucket, sample.StorageKey)
	if err != nil {
		return sampleVectors{}, fmt.Errorf("failed to fetch sample image: %w", err)
	}

	var rect *imaging.Rect
	if len(sample.Crop) > 0 {
		var crop api.CropRegion
		if err := json.Unmarshal(sample.Crop, &crop); err != nil {
			return sampleVectors{}, fmt.Errorf("invalid crop region: %w", err)
		}
		if crop.Width > 0 && crop.Height > 0 {
			rect = &imaging.Rect{X: crop.X, Y: crop.Y, Width: crop.Width, Height: crop.Height}
		}
	}

	bin, err := imaging.Preprocess(data, rect, t.preprocessOpts)
	if err != nil {
		return sampleVectors{}, &PreprocessingError{Reason: "sample image could not be prepared", Err: err}
	}

	embedding, err := embedder.Embed(bin)
	if err != nil {
		return sampleVectors{}, &FeatureExtractionError{Extractor: "deep", Err: err}
	}

	return sampleVectors{
		UserId:       sample.UserId,
		SampleId:     sample.Id,
		CreationTime: sample.CreationTime,
		Embedding:    embedding,
		Traditional:  features.Traditional(bin),
	}, nil
}

// aggregate projects every sample vector and folds them into one reference
// vector per user. The mean policy weights samples equally; the recency
// policy weights newer samples linearly heavier.
func (t *Trainer) aggregate(ordered []sampleVectors, fused [][]float32, projection *Projection, schemaVersion int, policy string) ([]database.ReferenceVector, error) {
	type projected struct {
		values       []float32
		creationTime time.Time
	}

	byUser := make(map[uuid.UUID][]projected)
	var userOrder []uuid.UUID
	for i, v := range ordered {
		raw := NewDescriptorVector(KindFusedRaw, schemaVersion, fused[i])
		p, err := projection.Apply(raw)
		if err != nil {
			return nil, err
		}
		if _, seen := byUser[v.UserId]; !seen {
			userOrder = append(userOrder, v.UserId)
		}
		byUser[v.UserId] = append(byUser[v.UserId], projected{values: p.Values, creationTime: v.CreationTime})
	}

	refs := make([]database.ReferenceVector, 0, len(byUser))
	for _, userId := range userOrder {
		samples := byUser[userId]

		weights := make([]float64, len(samples))
		switch policy {
		case database.AggregationRecency:
			sort.Slice(samples, func(i, j int) bool {
				return samples[i].creationTime.Before(samples[j].creationTime)
			})
			for i := range samples {
				weights[i] = float64(i + 1)
			}
		default:
			for i := range weights {
				weights[i] = 1
			}
		}

		dim := len(samples[0].values)
		acc := make([]float64, dim)
		var total float64
		for i, s := range samples {
			for d, val := range s.values {
				acc[d] += weights[i] * float64(val)
			}
			total += weights[i]
		}

		values := make([]float32, dim)
		for d := range acc {
			values[d] = float32(acc[d] / total)
		}
		Normalize(values)

		refs = append(refs, database.ReferenceVector{
			UserId:      userId,
			Vector:      EncodeValues(values),
			SampleCount: len(samples),
		})
	}

	return refs, nil
}

func (t *Trainer) writeArtifacts(ctx context.Context, snapshotId uuid.UUID, prefix, baseDir string, params *SnapshotParams) error {
	snapDir := filepath.Join(t.cfg.ScratchDir, snapshotId.String())
	defer os.RemoveAll(snapDir)

	if err := WriteSnapshotParams(snapDir, params); err != nil {
		return err
	}

	// Each snapshot carries its own backbone copy.
	if err := copyFile(filepath.Join(baseDir, embed.BackboneFile), filepath.Join(snapDir, embed.BackboneFile)); err != nil {
		return fmt.Errorf("failed to copy backbone into snapshot: %w", err)
	}

	if err := t.storage.UploadDir(ctx, t.cfg.ModelBucket, prefix, snapDir); err != nil {
		return fmt.Errorf("failed to upload snapshot artifacts: %w", err)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
