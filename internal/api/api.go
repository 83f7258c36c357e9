package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"writerid-backend/internal/core"
	"writerid-backend/internal/database"
	"writerid-backend/internal/messaging"
	"writerid-backend/internal/storage"
	"writerid-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxSampleBytes = 32 << 20
	maxBatchBytes  = 64 << 20
)

type BackendService struct {
	db           *gorm.DB
	storage      storage.Provider
	sampleBucket string
	publisher    messaging.Publisher
	engine       *core.Engine
}

func NewBackendService(db *gorm.DB, store storage.Provider, sampleBucket string, publisher messaging.Publisher, engine *core.Engine) *BackendService {
	return &BackendService{
		db:           db,
		storage:      store,
		sampleBucket: sampleBucket,
		publisher:    publisher,
		engine:       engine,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/users", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateUser))
		r.Get("/", RestHandler(s.ListUsers))
		r.Get("/{user_id}", RestHandler(s.GetUser))
		r.Post("/{user_id}/samples", RestHandler(s.EnrollSample))
		r.Get("/{user_id}/samples", RestHandler(s.ListSamples))
	})
	r.Route("/recognize", func(r chi.Router) {
		r.Post("/", RestHandler(s.Recognize))
		r.Post("/batch", RestHandler(s.RecognizeBatch))
	})
	r.Route("/training", func(r chi.Router) {
		r.Post("/", RestHandler(s.StartTraining))
		r.Get("/{job_id}", RestHandler(s.GetTrainingJob))
		r.Post("/{job_id}/cancel", RestHandler(s.CancelTrainingJob))
	})
	r.Route("/config", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetConfig))
		r.Put("/", RestHandler(s.UpdateConfig))
	})
	r.Get("/snapshots", RestHandler(s.ListSnapshots))
}

// mapCoreError translates pipeline errors into response codes: unusable
// input is 422, recognition being impossible in the current state is 409.
func mapCoreError(err error) error {
	var preprocErr *core.PreprocessingError
	var featureErr *core.FeatureExtractionError
	var dimErr *core.DimensionMismatchError

	switch {
	case errors.As(err, &preprocErr), errors.As(err, &featureErr), errors.As(err, &dimErr):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.Is(err, core.ErrEmptyLibrary), errors.Is(err, core.ErrNoSnapshot):
		return CodedError(http.StatusConflict, err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}

func (s *BackendService) CreateUser(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateUserRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateUserName(req.Name); err != nil {
		return nil, err
	}

	ctx := r.Context()

	var existing database.User
	if err := s.db.WithContext(ctx).First(&existing, "name = ?", req.Name).Error; err == nil {
		return nil, CodedErrorf(http.StatusConflict, "user '%s' already exists", req.Name)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("error checking for existing user", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating user")
	}

	user := database.User{
		Id:           uuid.New(),
		Name:         req.Name,
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		slog.Error("error creating user", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating user")
	}

	slog.Info("created user", "user_id", user.Id, "name", user.Name)

	return toApiUser(user, 0), nil
}

func (s *BackendService) ListUsers(r *http.Request) (any, error) {
	ctx := r.Context()

	var users []database.User
	if err := s.db.WithContext(ctx).Preload("Samples").Order("name").Find(&users).Error; err != nil {
		slog.Error("error listing users", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing users")
	}

	result := make([]api.User, len(users))
	for i, user := range users {
		result[i] = toApiUser(user, len(user.Samples))
	}
	return result, nil
}

func (s *BackendService) GetUser(r *http.Request) (any, error) {
	userId, err := URLParamUUID(r, "user_id")
	if err != nil {
		return nil, err
	}

	user, err := s.loadUser(r, userId)
	if err != nil {
		return nil, err
	}

	return toApiUser(*user, len(user.Samples)), nil
}

func (s *BackendService) loadUser(r *http.Request, userId uuid.UUID) (*database.User, error) {
	var user database.User
	if err := s.db.WithContext(r.Context()).Preload("Samples").First(&user, "id = ?", userId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "user not found")
		}
		slog.Error("error getting user", "user_id", userId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving user")
	}
	return &user, nil
}

func (s *BackendService) EnrollSample(r *http.Request) (any, error) {
	userId, err := URLParamUUID(r, "user_id")
	if err != nil {
		return nil, err
	}

	crop, err := ParseRequestQueryParams[api.CropRegion](r)
	if err != nil {
		return nil, err
	}

	if _, err := s.loadUser(r, userId); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSampleBytes+1))
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to read sample image")
	}
	if len(data) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "empty sample image")
	}
	if len(data) > maxSampleBytes {
		return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "sample image exceeds %d bytes", maxSampleBytes)
	}

	ctx := r.Context()

	sampleId := uuid.New()
	key := path.Join(userId.String(), sampleId.String())

	if err := s.storage.PutObject(ctx, s.sampleBucket, key, bytes.NewReader(data)); err != nil {
		slog.Error("error storing sample image", "user_id", userId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error storing sample image")
	}

	sample := database.Sample{
		Id:           sampleId,
		UserId:       userId,
		Status:       database.SampleRaw,
		ContentHash:  core.HashContent(data),
		StorageKey:   key,
		CreationTime: time.Now().UTC(),
	}
	if crop.Width > 0 && crop.Height > 0 {
		cropJson, err := json.Marshal(crop)
		if err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "error encoding crop region")
		}
		sample.Crop = datatypes.JSON(cropJson)
	}

	if err := s.db.WithContext(ctx).Create(&sample).Error; err != nil {
		slog.Error("error creating sample record", "user_id", userId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating sample record")
	}

	slog.Info("enrolled sample", "user_id", userId, "sample_id", sampleId)

	return api.EnrollSampleResponse{SampleId: sampleId, ContentHash: sample.ContentHash}, nil
}

func (s *BackendService) ListSamples(r *http.Request) (any, error) {
	userId, err := URLParamUUID(r, "user_id")
	if err != nil {
		return nil, err
	}

	user, err := s.loadUser(r, userId)
	if err != nil {
		return nil, err
	}

	result := make([]api.Sample, len(user.Samples))
	for i, sample := range user.Samples {
		result[i] = toApiSample(sample)
	}
	return result, nil
}

type recognizeParams struct {
	CropX  int `schema:"crop_x"`
	CropY  int `schema:"crop_y"`
	CropW  int `schema:"crop_w"`
	CropH  int `schema:"crop_h"`
	TopK   int `schema:"top_k"`
}

func (s *BackendService) Recognize(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[recognizeParams](r)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSampleBytes+1))
	if err != nil || len(data) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "a query image is required in the request body")
	}
	if len(data) > maxSampleBytes {
		return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "query image exceeds %d bytes", maxSampleBytes)
	}

	var crop *api.CropRegion
	if params.CropW > 0 && params.CropH > 0 {
		crop = &api.CropRegion{X: params.CropX, Y: params.CropY, Width: params.CropW, Height: params.CropH}
	}

	resp, err := s.engine.Recognize(r.Context(), data, crop, params.TopK)
	if err != nil {
		return nil, mapCoreError(err)
	}
	return resp, nil
}

func (s *BackendService) RecognizeBatch(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[recognizeParams](r)
	if err != nil {
		return nil, err
	}

	if err := r.ParseMultipartForm(maxBatchBytes); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart request: %v", err)
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "at least one file is required under the 'files' field")
	}

	images := make([][]byte, len(files))
	for i, header := range files {
		file, err := header.Open()
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "unable to open uploaded file %s", header.Filename)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "unable to read uploaded file %s", header.Filename)
		}
		images[i] = data
	}

	resp, err := s.engine.RecognizeBatch(r.Context(), images, params.TopK)
	if err != nil {
		return nil, mapCoreError(err)
	}
	return resp, nil
}

func (s *BackendService) StartTraining(r *http.Request) (any, error) {
	req, err := ParseRequest[api.TrainRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	// Single-flight: one training job at a time, new requests are rejected.
	active, err := database.ActiveTrainingJob(ctx, s.db)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error checking for active training job")
	}
	if active != nil {
		return nil, CodedErrorf(http.StatusConflict, "training job %s is already %s", active.Id, active.Status)
	}

	job := database.TrainingJob{
		Id:           uuid.New(),
		RequestedBy:  req.RequestedBy,
		Status:       database.JobQueued,
		Force:        req.ForceRetrain,
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating training job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create training job")
	}

	if err := s.publisher.PublishTrainTask(ctx, messaging.TrainTaskPayload{JobId: job.Id}); err != nil {
		slog.Error("error publishing training task", "job_id", job.Id, "error", err)
		database.FailTrainingJob(ctx, s.db, job.Id, fmt.Sprintf("failed to queue training task: %v", err))
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("submitted training job", "job_id", job.Id, "force", job.Force)

	return api.TrainSubmitResponse{Message: "Training job submitted", JobId: job.Id}, nil
}

func (s *BackendService) GetTrainingJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.TrainingJob
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "training job not found")
		}
		slog.Error("error getting training job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training job")
	}

	return toApiTrainingJob(job), nil
}

func (s *BackendService) CancelTrainingJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var job database.TrainingJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "training job not found")
		}
		slog.Error("error getting training job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training job")
	}

	// Only queued or running jobs can be cancelled; the guard is in the
	// WHERE clause so two concurrent cancels or a completing worker race
	// safely.
	res := s.db.WithContext(ctx).Model(&database.TrainingJob{}).
		Where("id = ? AND status IN ?", jobId, []string{database.JobQueued, database.JobRunning}).
		Update("status", database.JobCancelled)
	if res.Error != nil {
		slog.Error("error cancelling training job", "job_id", jobId, "error", res.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "error cancelling training job")
	}
	if res.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusConflict, "training job is already %s", job.Status)
	}

	slog.Info("cancelled training job", "job_id", jobId)

	return api.TrainSubmitResponse{Message: "Training job cancelled", JobId: jobId}, nil
}

func (s *BackendService) GetConfig(r *http.Request) (any, error) {
	cfg, err := database.GetRecognitionConfig(r.Context(), s.db)
	if err != nil {
		slog.Error("error loading recognition config", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading recognition config")
	}
	return toApiConfig(cfg), nil
}

func (s *BackendService) UpdateConfig(r *http.Request) (any, error) {
	req, err := ParseRequest[api.UpdateConfigRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	// Omitted fields keep the stored values, so a request carrying only
	// the thresholds never trips validation of the supplemental fields.
	cfg, err := database.GetRecognitionConfig(ctx, s.db)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading recognition config")
	}

	if req.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *req.SimilarityThreshold
	}
	if req.MeanThreshold != nil {
		cfg.MeanThreshold = *req.MeanThreshold
	}
	if req.GapThreshold != nil {
		cfg.GapThreshold = *req.GapThreshold
	}
	if req.TopK != nil {
		cfg.TopK = *req.TopK
	}
	if req.MinEnrollmentSamples != nil {
		cfg.MinEnrollmentSamples = *req.MinEnrollmentSamples
	}
	if req.Aggregation != nil {
		cfg.Aggregation = *req.Aggregation
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := validateConfig(toApiConfig(cfg)); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Save(&cfg).Error; err != nil {
		slog.Error("error saving recognition config", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error saving recognition config")
	}

	slog.Info("updated recognition config",
		"similarity_threshold", cfg.SimilarityThreshold, "mean_threshold", cfg.MeanThreshold,
		"gap_threshold", cfg.GapThreshold, "top_k", cfg.TopK)

	return toApiConfig(cfg), nil
}

func validateConfig(cfg api.RecognitionConfig) error {
	for name, v := range map[string]float64{
		"SimilarityThreshold": cfg.SimilarityThreshold,
		"MeanThreshold":       cfg.MeanThreshold,
	} {
		if v < -1 || v > 1 {
			return CodedErrorf(http.StatusUnprocessableEntity, "%s must be within [-1, 1]", name)
		}
	}
	if cfg.GapThreshold < 0 || cfg.GapThreshold > 2 {
		return CodedErrorf(http.StatusUnprocessableEntity, "GapThreshold must be within [0, 2]")
	}
	if cfg.TopK < 1 {
		return CodedErrorf(http.StatusUnprocessableEntity, "TopK must be at least 1")
	}
	if cfg.MinEnrollmentSamples < 1 {
		return CodedErrorf(http.StatusUnprocessableEntity, "MinEnrollmentSamples must be at least 1")
	}
	if cfg.Aggregation != database.AggregationMean && cfg.Aggregation != database.AggregationRecency {
		return CodedErrorf(http.StatusUnprocessableEntity, "Aggregation must be '%s' or '%s'", database.AggregationMean, database.AggregationRecency)
	}
	return nil
}

func (s *BackendService) ListSnapshots(r *http.Request) (any, error) {
	var snapshots []database.ModelSnapshot
	if err := s.db.WithContext(r.Context()).Order("schema_version DESC").Find(&snapshots).Error; err != nil {
		slog.Error("error listing snapshots", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing snapshots")
	}

	result := make([]api.Snapshot, len(snapshots))
	for i, snap := range snapshots {
		result[i] = api.Snapshot{
			Id:            snap.Id,
			SchemaVersion: snap.SchemaVersion,
			Published:     snap.Published,
			ProjectedDim:  snap.ProjectedDim,
			CorpusDigest:  snap.CorpusDigest,
			CreationTime:  snap.CreationTime,
		}
	}
	return result, nil
}
