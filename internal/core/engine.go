package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

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

const maxConcurrentDownloads = 16

// loadedSnapshot is an immutable view of one published snapshot with its
// artifacts resolved. In-flight recognitions keep the pointer they loaded,
// so a concurrent publish never changes results mid-request.
type loadedSnapshot struct {
	Id            uuid.UUID
	SchemaVersion int
	Degraded      bool

	Head       *MetricHead
	Projection *Projection
	Embedder   embed.Embedder

	Refs []Reference

	// pins counts the engine's own hold plus every in-flight recognition.
	// The embedder session is released when the last pin drops.
	pins atomic.Int64
}

// acquire adds a pin unless the snapshot has already been retired and
// drained. Callers that acquire must release.
func (s *loadedSnapshot) acquire() bool {
	for {
		n := s.pins.Load()
		if n == 0 {
			return false
		}
		if s.pins.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *loadedSnapshot) release() {
	if s.pins.Add(-1) == 0 && s.Embedder != nil {
		s.Embedder.Release()
	}
}

type Engine struct {
	db      *gorm.DB
	storage storage.Provider

	modelBucket   string
	localModelDir string
	loadEmbedder  embed.Loader

	preprocessOpts imaging.Options
	batchWorkers   int

	current   atomic.Pointer[loadedSnapshot]
	downloads utils.MutexMap
}

func NewEngine(db *gorm.DB, store storage.Provider, modelBucket, localModelDir string, loader embed.Loader) *Engine {
	return &Engine{
		db:             db,
		storage:        store,
		modelBucket:    modelBucket,
		localModelDir:  localModelDir,
		loadEmbedder:   loader,
		preprocessOpts: imaging.DefaultOptions(),
		batchWorkers:   4,
		downloads:      utils.NewMutexMap(maxConcurrentDownloads),
	}
}

// ensureCurrent returns the loaded snapshot matching the published row in
// the database, downloading and loading artifacts on first use. The
// returned snapshot is pinned for the caller, who must release it.
func (e *Engine) ensureCurrent(ctx context.Context) (*loadedSnapshot, error) {
	row, err := database.GetPublishedSnapshot(ctx, e.db)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNoSnapshot
	}

	if cur := e.current.Load(); cur != nil && cur.Id == row.Id && cur.acquire() {
		return cur, nil
	}

	key := row.Id.String()
	if err := e.downloads.Lock(key); err != nil {
		return nil, fmt.Errorf("failed to acquire snapshot load lock: %w", err)
	}
	defer func() {
		if err := e.downloads.Unlock(key); err != nil {
			slog.Error("error releasing snapshot load lock", "snapshot_id", key, "error", err)
		}
	}()

	// Another request may have finished loading while we waited.
	if cur := e.current.Load(); cur != nil && cur.Id == row.Id && cur.acquire() {
		return cur, nil
	}

	snap, err := e.loadSnapshot(ctx, row)
	if err != nil {
		return nil, err
	}

	snap.pins.Add(1) // the caller's pin, on top of the engine's hold
	if old := e.current.Swap(snap); old != nil {
		old.release()
	}
	slog.Info("loaded published snapshot", "snapshot_id", snap.Id, "schema_version", snap.SchemaVersion, "references", len(snap.Refs), "degraded", snap.Degraded)

	return snap, nil
}

func (e *Engine) loadSnapshot(ctx context.Context, row *database.ModelSnapshot) (*loadedSnapshot, error) {
	localDir := filepath.Join(e.localModelDir, row.Id.String())

	if _, err := os.Stat(localDir); os.IsNotExist(err) {
		slog.Info("snapshot artifacts not found locally, downloading", "snapshot_id", row.Id)
		if err := e.storage.DownloadDir(ctx, e.modelBucket, row.ArtifactPrefix, localDir, false); err != nil {
			return nil, fmt.Errorf("failed to download snapshot artifacts: %w", err)
		}
	}

	params, err := ReadSnapshotParams(localDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot parameters: %w", err)
	}
	if params.SchemaVersion != row.SchemaVersion {
		return nil, &DimensionMismatchError{
			Stage: "snapshot load", Want: row.SchemaVersion, Got: params.SchemaVersion,
			Detail: "artifact schema version does not match snapshot record",
		}
	}

	embedder, err := e.loadEmbedder(localDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding backbone: %w", err)
	}

	refs, err := e.loadReferences(ctx, row, params.Projection.OutDim())
	if err != nil {
		embedder.Release()
		return nil, err
	}

	snap := &loadedSnapshot{
		Id:            row.Id,
		SchemaVersion: row.SchemaVersion,
		Degraded:      row.Degraded,
		Head:          params.Head,
		Projection:    params.Projection,
		Embedder:      embedder,
		Refs:          refs,
	}
	snap.pins.Store(1) // the engine's hold, dropped when a newer snapshot replaces it
	return snap, nil
}

func (e *Engine) loadReferences(ctx context.Context, row *database.ModelSnapshot, wantDim int) ([]Reference, error) {
	var rows []database.ReferenceVector
	if err := e.db.WithContext(ctx).Where("snapshot_id = ?", row.Id).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load reference vectors: %w", err)
	}

	var users []database.User
	if err := e.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	names := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		names[u.Id] = u.Name
	}

	refs := make([]Reference, 0, len(rows))
	for _, r := range rows {
		values, err := DecodeValues(r.Vector)
		if err != nil {
			return nil, fmt.Errorf("failed to decode reference vector for user %s: %w", r.UserId, err)
		}
		if len(values) != wantDim {
			return nil, &DimensionMismatchError{
				Stage: "reference vector", Want: wantDim, Got: len(values),
				Detail: fmt.Sprintf("user %s in snapshot %s", r.UserId, row.Id),
			}
		}
		refs = append(refs, Reference{UserId: r.UserId, Name: names[r.UserId], Values: values})
	}

	return refs, nil
}

// describe runs the full descriptor pipeline for one image against the
// given snapshot: preprocess, deep embed through the metric head, handcrafted
// features, fusion, projection.
func (e *Engine) describe(snap *loadedSnapshot, data []byte, crop *api.CropRegion) (DescriptorVector, error) {
	var rect *imaging.Rect
	if crop != nil && crop.Width > 0 && crop.Height > 0 {
		rect = &imaging.Rect{X: crop.X, Y: crop.Y, Width: crop.Width, Height: crop.Height}
	}

	bin, err := imaging.Preprocess(data, rect, e.preprocessOpts)
	if err != nil {
		return DescriptorVector{}, &PreprocessingError{Reason: "image could not be prepared", Err: err}
	}

	embedding, err := snap.Embedder.Embed(bin)
	if err != nil {
		return DescriptorVector{}, &FeatureExtractionError{Extractor: "deep", Err: err}
	}
	if snap.Head != nil {
		embedding, err = snap.Head.Apply(embedding)
		if err != nil {
			return DescriptorVector{}, err
		}
	}

	deep := NewDescriptorVector(KindDeep, snap.SchemaVersion, embedding)
	traditional := NewDescriptorVector(KindTraditional, snap.SchemaVersion, features.Traditional(bin))

	fused, err := Fuse(deep, traditional)
	if err != nil {
		return DescriptorVector{}, err
	}

	return snap.Projection.Apply(fused)
}

func matchConfig(cfg database.RecognitionConfig, topKOverride int) MatchConfig {
	mc := MatchConfig{
		SimilarityThreshold: cfg.SimilarityThreshold,
		MeanThreshold:       cfg.MeanThreshold,
		GapThreshold:        cfg.GapThreshold,
		TopK:                cfg.TopK,
	}
	if topKOverride > 0 {
		mc.TopK = topKOverride
	}
	return mc
}

// Recognize identifies the writer of one image against the currently
// published snapshot. topKOverride limits the ranked list for this request
// only; zero means the configured default.
func (e *Engine) Recognize(ctx context.Context, data []byte, crop *api.CropRegion, topKOverride int) (*api.RecognizeResponse, error) {
	snap, err := e.ensureCurrent(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.release()

	cfg, err := database.GetRecognitionConfig(ctx, e.db)
	if err != nil {
		return nil, err
	}

	return e.recognizeWith(snap, cfg, data, crop, topKOverride)
}

// recognizeWith scores one image against the given snapshot. Callers hold
// the snapshot pin for the duration of the call.
func (e *Engine) recognizeWith(snap *loadedSnapshot, cfg database.RecognitionConfig, data []byte, crop *api.CropRegion, topKOverride int) (*api.RecognizeResponse, error) {
	query, err := e.describe(snap, data, crop)
	if err != nil {
		return nil, err
	}

	result, err := Match(query, snap.Refs, matchConfig(cfg, topKOverride))
	if err != nil {
		return nil, err
	}

	return &api.RecognizeResponse{
		Result:        result,
		SnapshotId:    snap.Id,
		SchemaVersion: snap.SchemaVersion,
		Degraded:      snap.Degraded,
	}, nil
}

type batchImage struct {
	index int
	data  []byte
}

type batchOutcome struct {
	index    int
	response *api.RecognizeResponse
	failure  string
}

// RecognizeBatch fans the images out over a worker pool. Item failures are
// reported per item and never fail the batch; results keep input order.
func (e *Engine) RecognizeBatch(ctx context.Context, images [][]byte, topKOverride int) (api.BatchRecognizeResponse, error) {
	// The snapshot and config are resolved once and pinned, so every item
	// scores against the same reference set even if a publish lands
	// mid-batch.
	snap, err := e.ensureCurrent(ctx)
	if err != nil {
		return api.BatchRecognizeResponse{}, err
	}
	defer snap.release()

	cfg, err := database.GetRecognitionConfig(ctx, e.db)
	if err != nil {
		return api.BatchRecognizeResponse{}, err
	}

	queue := make(chan batchImage, len(images))
	for i, data := range images {
		queue <- batchImage{index: i, data: data}
	}
	close(queue)

	completed := make(chan utils.CompletedTask[batchOutcome], len(images))

	worker := func(item batchImage) (batchOutcome, error) {
		resp, err := e.recognizeWith(snap, cfg, item.data, nil, topKOverride)
		if err != nil {
			return batchOutcome{index: item.index, failure: err.Error()}, nil
		}
		return batchOutcome{index: item.index, response: resp}, nil
	}

	utils.RunInPool(ctx, worker, queue, completed, e.batchWorkers)

	results := make([]api.BatchItemResult, len(images))
	for task := range completed {
		out := task.Result
		if out.failure != "" {
			results[out.index] = api.BatchItemResult{Error: out.failure}
		} else {
			results[out.index] = api.BatchItemResult{Result: out.response}
		}
	}
	if err := ctx.Err(); err != nil {
		return api.BatchRecognizeResponse{}, err
	}

	return api.BatchRecognizeResponse{Results: results}, nil
}
