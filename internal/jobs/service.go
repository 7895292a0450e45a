// Package jobs is the transactional façade over the job store and queue.
// Every multi-row change (create with enqueue, terminal resolution, retry)
// happens inside a single store transaction.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// Event names published on the broadcaster.
const (
	EventJobCreated   = "job_created"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)

// Vector collections written by the worker, keyed by task type.
const (
	CollectionImageEmbeddings = "image_embeddings"
	CollectionFaceEmbeddings  = "face_embeddings"
)

// CollectionFor returns the vector collection a task type writes to, or ""
// if it writes none.
func CollectionFor(t models.TaskType) string {
	switch t {
	case models.TaskImageEmbedding:
		return CollectionImageEmbeddings
	case models.TaskFaceEmbedding:
		return CollectionFaceEmbeddings
	}
	return ""
}

// DuplicatePolicy decides what Create does when an active job already
// exists for the same media and task type.
type DuplicatePolicy string

const (
	DuplicateReject    DuplicatePolicy = "reject"
	DuplicateSupersede DuplicatePolicy = "supersede"
)

// Publisher is the best-effort event sink.
type Publisher interface {
	Publish(ctx context.Context, event string, data any)
}

// ArtifactRemover deletes stored per-job files.
type ArtifactRemover interface {
	DeleteJob(ctx context.Context, jobID string) error
}

// VectorRemover deletes vectors written for a job.
type VectorRemover interface {
	DeleteByJob(ctx context.Context, collection, jobID string) error
}

// Options configures a Service.
type Options struct {
	MaxRetries      int
	DuplicatePolicy DuplicatePolicy
	Publisher       Publisher
	Artifacts       ArtifactRemover
	Vectors         VectorRemover
	Logger          *slog.Logger
}

// Service owns job lifecycle operations.
type Service struct {
	store      store.Store
	maxRetries int
	policy     DuplicatePolicy
	publisher  Publisher
	artifacts  ArtifactRemover
	vectors    VectorRemover
	logger     *slog.Logger
}

// NewService creates a new Service.
func NewService(st store.Store, opts Options) *Service {
	s := &Service{
		store:      st,
		maxRetries: opts.MaxRetries,
		policy:     opts.DuplicatePolicy,
		publisher:  opts.Publisher,
		artifacts:  opts.Artifacts,
		vectors:    opts.Vectors,
		logger:     opts.Logger,
	}
	if s.policy == "" {
		s.policy = DuplicateReject
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateParams holds the inputs of a new job.
type CreateParams struct {
	TaskType  models.TaskType
	MediaRef  string
	Priority  int
	CreatedBy string
}

// Create validates params, applies the duplicate policy, and writes the job,
// its queue entry, and its sync status in one transaction.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	if !p.TaskType.Valid() {
		return nil, &ValidationError{Field: "task_type", Message: fmt.Sprintf("unsupported task type %q", p.TaskType)}
	}
	if p.MediaRef == "" {
		return nil, &ValidationError{Field: "media_ref", Message: "is required"}
	}
	if !models.ValidPriority(p.Priority) {
		return nil, &ValidationError{Field: "priority", Message: "must be between 0 and 10"}
	}

	existing, err := s.store.FindActiveJob(ctx, p.MediaRef, p.TaskType)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("checking active jobs: %w", err)
	case s.policy == DuplicateSupersede:
		if _, err := s.Delete(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("superseding job %s: %w", existing.ID, err)
		}
		s.logger.Info("superseded active job", "job_id", existing.ID, "media_ref", p.MediaRef, "task_type", p.TaskType)
	default:
		return nil, &ConflictError{ExistingID: existing.ID}
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		TaskType:   p.TaskType,
		MediaRef:   p.MediaRef,
		Status:     models.StatusPending,
		Priority:   p.Priority,
		CreatedAt:  models.NowMillis(),
		MaxRetries: s.maxRetries,
	}
	if p.CreatedBy != "" {
		by := p.CreatedBy
		job.CreatedBy = &by
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, job.ID, job.Priority); err != nil {
			return err
		}
		return tx.CreateSyncStatus(ctx, &models.SyncStatus{JobID: job.ID, Status: models.SyncPending})
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// Lost a race with a concurrent Create for the same media and task.
		if other, ferr := s.store.FindActiveJob(ctx, p.MediaRef, p.TaskType); ferr == nil {
			return nil, &ConflictError{ExistingID: other.ID}
		}
		return nil, &ConflictError{}
	}
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.logger.Info("job created", "job_id", job.ID, "task_type", job.TaskType, "priority", job.Priority)
	s.publish(ctx, EventJobCreated, map[string]any{
		"job_id":    job.ID,
		"task_type": job.TaskType,
		"media_ref": job.MediaRef,
		"priority":  job.Priority,
	})
	return job, nil
}

// Get returns the job, or nil if no such job exists. While the job is
// queued, Priority reflects the queue entry.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}

	entry, err := s.store.GetQueueEntry(ctx, id)
	switch {
	case err == nil:
		job.Priority = entry.Priority
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("getting queue entry: %w", err)
	}
	return job, nil
}

// SyncStatus returns the delivery status of a job, or nil if none exists.
func (s *Service) SyncStatus(ctx context.Context, id string) (*models.SyncStatus, error) {
	st, err := s.store.GetSyncStatus(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync status: %w", err)
	}
	return st, nil
}

// Delete removes the job, its queue entry, its sync status, and its stored
// artifacts and vectors. It returns false if the job did not exist.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting job: %w", err)
	}

	s.removeArtifacts(ctx, job)

	var deleted bool
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.RemoveFromQueue(ctx, id); err != nil {
			return err
		}
		var err error
		deleted, err = tx.DeleteJob(ctx, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("deleting job: %w", err)
	}
	if deleted {
		s.logger.Info("job deleted", "job_id", id)
	}
	return deleted, nil
}

// removeArtifacts is best effort; a storage outage must not make a job
// undeletable.
func (s *Service) removeArtifacts(ctx context.Context, job *models.Job) {
	if s.artifacts != nil {
		if err := s.artifacts.DeleteJob(ctx, job.ID); err != nil {
			s.logger.Warn("failed to delete job artifacts", "job_id", job.ID, "error", err)
		}
	}
	if c := CollectionFor(job.TaskType); c != "" && s.vectors != nil {
		if err := s.vectors.DeleteByJob(ctx, c, job.ID); err != nil {
			s.logger.Warn("failed to delete job vectors", "job_id", job.ID, "collection", c, "error", err)
		}
	}
}

// UpdateOption customises UpdateStatus.
type UpdateOption = store.JobUpdateOption

var (
	WithErrorMessage = store.WithErrorMessage
	WithResult       = store.WithResult
)

// UpdateStatus moves a job to status. It returns false if the job does not
// exist and an error wrapping store.ErrInvalidTransition if the move is not
// allowed.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.Status, opts ...UpdateOption) (bool, error) {
	err := s.store.UpdateJobStatus(ctx, id, status, opts...)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Claim takes the next queued job for workerID. ok is false when the queue
// is empty.
func (s *Service) Claim(ctx context.Context, workerID string) (string, bool, error) {
	id, ok, err := s.store.Dequeue(ctx, workerID)
	if err != nil {
		return "", false, fmt.Errorf("claiming job: %w", err)
	}
	return id, ok, nil
}

// Complete stores the result, marks the job completed, and drops its queue
// entry. It returns false if the job no longer exists.
func (s *Service) Complete(ctx context.Context, id string, result *models.Result) (bool, error) {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateJobStatus(ctx, id, models.StatusCompleted, store.WithResult(result)); err != nil {
			return err
		}
		_, err := tx.RemoveFromQueue(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("completing job: %w", err)
	}
	return true, nil
}

// FailOutcome describes what Fail did with a job.
type FailOutcome struct {
	Found      bool
	Retried    bool
	RetryCount int
	MaxRetries int
}

// Fail records a processing failure. While retries remain the job returns
// to pending with a fresh queue entry at its original priority; otherwise
// it becomes error and leaves the queue.
func (s *Service) Fail(ctx context.Context, id string, cause error) (FailOutcome, error) {
	msg := cause.Error()
	var out FailOutcome

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		out.Found = true
		out.MaxRetries = job.MaxRetries

		if job.RetryCount < job.MaxRetries {
			n, err := tx.IncrementRetryCount(ctx, id)
			if err != nil {
				return err
			}
			out.Retried = true
			out.RetryCount = n
			if err := tx.UpdateJobStatus(ctx, id, models.StatusPending, store.WithErrorMessage(msg)); err != nil {
				return err
			}
			return tx.RequeueJob(ctx, id, job.Priority)
		}

		out.RetryCount = job.RetryCount
		if err := tx.UpdateJobStatus(ctx, id, models.StatusError, store.WithErrorMessage(msg)); err != nil {
			return err
		}
		_, err = tx.RemoveFromQueue(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return FailOutcome{}, nil
	}
	if err != nil {
		return FailOutcome{}, fmt.Errorf("failing job: %w", err)
	}
	return out, nil
}

// Release hands a claimed job back to the queue at its original priority
// without spending a retry. Terminal jobs are left alone. It returns false
// if the job no longer exists.
func (s *Service) Release(ctx context.Context, id string) (bool, error) {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		if job.Status == models.StatusProcessing {
			if err := tx.UpdateJobStatus(ctx, id, models.StatusPending); err != nil {
				return err
			}
		}
		return tx.RequeueJob(ctx, id, job.Priority)
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("releasing job: %w", err)
	}
	return true, nil
}

// QueueStats summarises the dispatch queue.
type QueueStats struct {
	Size int                `json:"size"`
	Next *models.QueueEntry `json:"next,omitempty"`
}

func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	size, err := s.store.QueueSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue size: %w", err)
	}
	next, err := s.store.Peek(ctx)
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}
	return &QueueStats{Size: size, Next: next}, nil
}

func (s *Service) ListPending(ctx context.Context) ([]models.QueueEntry, error) {
	return s.store.ListPending(ctx)
}

// Stats is the operator view of the service.
type Stats struct {
	QueueSize int                   `json:"queue_size"`
	Jobs      map[models.Status]int `json:"jobs"`
	TotalJobs int                   `json:"total_jobs"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	size, err := s.store.QueueSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue size: %w", err)
	}
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &Stats{QueueSize: size, Jobs: counts, TotalJobs: total}, nil
}

// ReleaseStaleClaims returns jobs claimed longer than lease ago to the
// queue so another worker can pick them up.
func (s *Service) ReleaseStaleClaims(ctx context.Context, lease time.Duration) ([]string, error) {
	cutoff := models.NowMillis() - lease.Milliseconds()

	var ids []string
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		ids, err = tx.ReleaseStaleClaims(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, id := range ids {
			job, err := tx.LockJob(ctx, id)
			if err != nil {
				return err
			}
			if job.Status != models.StatusProcessing {
				continue
			}
			if err := tx.UpdateJobStatus(ctx, id, models.StatusPending); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("releasing stale claims: %w", err)
	}
	return ids, nil
}

// UpdateSync applies fn to the job's sync status and saves it.
func (s *Service) UpdateSync(ctx context.Context, id string, fn func(*models.SyncStatus)) error {
	return s.store.WithTx(ctx, func(tx store.Store) error {
		st, err := tx.GetSyncStatus(ctx, id)
		if err != nil {
			return err
		}
		fn(st)
		return tx.UpdateSyncStatus(ctx, st)
	})
}

// Publish forwards an event to the configured publisher, if any.
func (s *Service) Publish(ctx context.Context, event string, data any) {
	s.publish(ctx, event, data)
}

func (s *Service) publish(ctx context.Context, event string, data any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, event, data)
}
