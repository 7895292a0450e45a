// Package worker claims queued jobs and runs them through the media store,
// the inference provider and the vector store.
package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/media"
	"github.com/kiranshivaraju/inferq/internal/storage"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/internal/vectorstore"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMediaTimeout = 30 * time.Second

	storeAttempts = 5
)

// Worker is a sequential claim-and-process loop. Several Workers may share
// one store; the queue's claim is their only coordination.
type Worker struct {
	id           string
	jobs         *jobs.Service
	media        media.Client
	provider     models.InferenceProvider
	vectors      vectorstore.Store
	artifacts    storage.ArtifactStore
	deliverer    *Deliverer
	pollInterval time.Duration
	mediaTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval sets the wait between empty claims.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithMediaTimeout bounds each media fetch.
func WithMediaTimeout(d time.Duration) Option {
	return func(w *Worker) { w.mediaTimeout = d }
}

// WithArtifacts stores per-job output files.
func WithArtifacts(a storage.ArtifactStore) Option {
	return func(w *Worker) { w.artifacts = a }
}

// WithDeliverer forwards face detection results to the media store.
func WithDeliverer(d *Deliverer) Option {
	return func(w *Worker) { w.deliverer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New creates a Worker identified by id.
func New(id string, svc *jobs.Service, mc media.Client, provider models.InferenceProvider, vectors vectorstore.Store, opts ...Option) *Worker {
	w := &Worker{
		id:           id,
		jobs:         svc,
		media:        mc,
		provider:     provider,
		vectors:      vectors,
		pollInterval: DefaultPollInterval,
		mediaTimeout: DefaultMediaTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("worker_id", id)
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Run claims and processes jobs until ctx is cancelled. Cancellation is
// honoured between jobs only; a claimed job always runs to completion.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "poll_interval", w.pollInterval, "provider", w.provider.Name())
	defer w.logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		id, ok, err := w.jobs.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to claim job", "error", err)
		}
		if ok {
			w.Process(context.WithoutCancel(ctx), id)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// Process runs one claimed job and records its outcome.
func (w *Worker) Process(ctx context.Context, jobID string) {
	logger := w.logger.With("job_id", jobID)

	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		logger.Error("failed to load job", "error", err)
		w.release(ctx, jobID, logger)
		return
	}
	if job == nil {
		logger.Warn("claimed job not found")
		return
	}
	logger = logger.With("task_type", job.TaskType)

	found, err := w.jobs.UpdateStatus(ctx, job.ID, models.StatusProcessing)
	if err != nil {
		logger.Error("failed to mark job processing", "error", err)
		w.release(ctx, jobID, logger)
		return
	}
	if !found {
		logger.Warn("job deleted during processing")
		return
	}

	out, err := w.execute(ctx, job, logger)
	if err != nil {
		w.fail(ctx, job, err, logger)
		return
	}

	found, err = w.jobs.Complete(ctx, job.ID, out.result)
	if err != nil {
		logger.Error("failed to complete job", "error", err)
		w.fail(ctx, job, err, logger)
		return
	}
	if !found {
		logger.Warn("job deleted during processing")
		return
	}
	logger.Info("job completed")

	w.storeArtifacts(ctx, job, out, logger)
	w.jobs.Publish(ctx, jobs.EventJobCompleted, map[string]any{
		"job_id":    job.ID,
		"task_type": job.TaskType,
		"media_ref": job.MediaRef,
		"result":    out.result,
	})

	w.sync(ctx, job, out.result, logger)
}

// output is what a successful execution produced.
type output struct {
	result *models.Result
	files  map[string][]byte
}

// execute turns panics from adapters into errors so they follow the normal
// failure path.
func (w *Worker) execute(ctx context.Context, job *models.Job, logger *slog.Logger) (out *output, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", "error", r)
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	img, err := w.fetch(ctx, job.MediaRef)
	if err != nil {
		return nil, err
	}

	switch job.TaskType {
	case models.TaskImageEmbedding:
		return w.embedImage(ctx, job, img.Data)
	case models.TaskFaceDetection:
		return w.detectFaces(ctx, img.Data)
	case models.TaskFaceEmbedding:
		return w.embedFaces(ctx, job, img.Data)
	}
	return nil, fmt.Errorf("unknown task type %q", job.TaskType)
}

func (w *Worker) fetch(ctx context.Context, ref string) (*media.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, w.mediaTimeout)
	defer cancel()

	img, err := w.media.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching media %s: %w", ref, err)
	}
	return img, nil
}

func (w *Worker) embedImage(ctx context.Context, job *models.Job, img []byte) (*output, error) {
	vec, err := w.provider.EmbedImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("embedding image: %w", err)
	}

	pointID := job.MediaRef
	payload := map[string]any{
		"job_id":    job.ID,
		"media_ref": job.MediaRef,
		"task_type": string(job.TaskType),
	}
	if err := w.vectors.Upsert(ctx, jobs.CollectionImageEmbeddings, pointID, vec, payload); err != nil {
		return nil, fmt.Errorf("storing image embedding: %w", err)
	}

	return &output{
		result: models.NewImageEmbeddingResult(models.ImageEmbeddingResult{
			EmbeddingDimension: len(vec),
			StoredInVectorDB:   true,
			Collection:         jobs.CollectionImageEmbeddings,
			PointID:            pointID,
		}),
		files: map[string][]byte{"embedding.bin": encodeVector(vec)},
	}, nil
}

func (w *Worker) detectFaces(ctx context.Context, img []byte) (*output, error) {
	faces, err := w.provider.DetectFaces(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detecting faces: %w", err)
	}
	if faces == nil {
		faces = []models.FaceDetection{}
	}
	return &output{
		result: models.NewFaceDetectionResult(models.FaceDetectionResult{Faces: faces, FaceCount: len(faces)}),
	}, nil
}

func (w *Worker) embedFaces(ctx context.Context, job *models.Job, img []byte) (*output, error) {
	faces, err := w.provider.EmbedFaces(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("embedding faces: %w", err)
	}
	if len(faces) == 0 {
		return &output{
			result: models.NewFaceEmbeddingResult(models.FaceEmbeddingResult{Faces: []models.StoredFace{}}),
		}, nil
	}

	stored := make([]models.StoredFace, 0, len(faces))
	files := make(map[string][]byte, len(faces))
	for _, f := range faces {
		pointID := FacePointID(job.MediaRef, f.FaceIndex)
		payload := map[string]any{
			"job_id":     job.ID,
			"media_ref":  job.MediaRef,
			"task_type":  string(job.TaskType),
			"face_index": f.FaceIndex,
			"bbox":       f.BBox,
			"landmarks":  f.Landmarks,
			"confidence": f.Confidence,
		}
		if err := w.vectors.Upsert(ctx, jobs.CollectionFaceEmbeddings, pointID, f.Embedding, payload); err != nil {
			return nil, fmt.Errorf("storing face %d embedding: %w", f.FaceIndex, err)
		}
		stored = append(stored, models.StoredFace{
			FaceIndex:          f.FaceIndex,
			BBox:               f.BBox,
			Confidence:         f.Confidence,
			EmbeddingDimension: len(f.Embedding),
			PointID:            pointID,
		})
		files[fmt.Sprintf("faces/%d.bin", f.FaceIndex)] = encodeVector(f.Embedding)
	}

	return &output{
		result: models.NewFaceEmbeddingResult(models.FaceEmbeddingResult{
			Faces:            stored,
			FaceCount:        len(stored),
			StoredInVectorDB: true,
			Collection:       jobs.CollectionFaceEmbeddings,
		}),
		files: files,
	}, nil
}

// FacePointID derives a vector point id for one face of a media item.
// Numeric refs keep the media store's ref*1000+index scheme.
func FacePointID(ref string, index int) string {
	if n, err := strconv.ParseInt(ref, 10, 64); err == nil && n >= 0 && n <= math.MaxInt64/1000-1 {
		return strconv.FormatInt(n*1000+int64(index), 10)
	}
	return fmt.Sprintf("%s:%d", ref, index)
}

func (w *Worker) fail(ctx context.Context, job *models.Job, cause error, logger *slog.Logger) {
	logger.Error("job failed", "error", cause)

	out, err := backoff.Retry(ctx, func() (jobs.FailOutcome, error) {
		out, err := w.jobs.Fail(ctx, job.ID, cause)
		if errors.Is(err, store.ErrInvalidTransition) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, w.storeRetry("record failure", logger)...)
	if err != nil {
		logger.Error("failed to record job failure", "error", err)
		return
	}
	switch {
	case !out.Found:
		logger.Warn("failed job no longer exists")
	case out.Retried:
		logger.Info("job requeued", "retry_count", out.RetryCount, "max_retries", out.MaxRetries)
	default:
		logger.Error("job failed permanently", "retry_count", out.RetryCount, "max_retries", out.MaxRetries)
		w.jobs.Publish(ctx, jobs.EventJobFailed, map[string]any{
			"job_id":      job.ID,
			"task_type":   job.TaskType,
			"media_ref":   job.MediaRef,
			"error":       cause.Error(),
			"retry_count": out.RetryCount,
		})
	}
}

// release returns a job that never started back to the queue.
func (w *Worker) release(ctx context.Context, jobID string, logger *slog.Logger) {
	found, err := backoff.Retry(ctx, func() (bool, error) {
		return w.jobs.Release(ctx, jobID)
	}, w.storeRetry("release", logger)...)
	switch {
	case err != nil:
		logger.Error("failed to release job", "error", err)
	case !found:
		logger.Warn("released job no longer exists")
	default:
		logger.Info("job released")
	}
}

// storeRetry bounds the retries of a bookkeeping write that would otherwise
// leave a claimed job stranded.
func (w *Worker) storeRetry(op string, logger *slog.Logger) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(storeAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn(op+" failed, retrying", "error", err, "retry_in", next)
		}),
	}
}

// storeArtifacts is best effort; the job is already completed.
func (w *Worker) storeArtifacts(ctx context.Context, job *models.Job, out *output, logger *slog.Logger) {
	if w.artifacts == nil {
		return
	}

	body, err := json.Marshal(out.result)
	if err != nil {
		logger.Warn("failed to encode result artifact", "error", err)
		return
	}
	if err := w.artifacts.Put(ctx, job.ID, "result.json", body, "application/json"); err != nil {
		logger.Warn("failed to store result artifact", "error", err)
		return
	}
	for name, data := range out.files {
		if err := w.artifacts.Put(ctx, job.ID, name, data, "application/octet-stream"); err != nil {
			logger.Warn("failed to store artifact", "name", name, "error", err)
		}
	}
}

// sync forwards the result where the task requires it and records the
// outcome. Delivery never changes the job's own status.
func (w *Worker) sync(ctx context.Context, job *models.Job, result *models.Result, logger *slog.Logger) {
	if job.TaskType != models.TaskFaceDetection || w.deliverer == nil {
		err := w.jobs.UpdateSync(ctx, job.ID, func(s *models.SyncStatus) {
			s.Status = models.SyncSkipped
		})
		if err != nil {
			logger.Warn("failed to record sync status", "error", err)
		}
		return
	}
	w.deliverer.Deliver(ctx, job, result)
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}
