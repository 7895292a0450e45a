package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidPriority   = errors.New("priority must be between 0 and 10")
)

// Store is the data access interface. All job, queue, and sync status
// persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error

	// WithTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Calling WithTx on a Store that is already transactional reuses it.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// LockJob reads a job and holds a row lock for the rest of the transaction.
	LockJob(ctx context.Context, id string) (*models.Job, error)
	FindActiveJob(ctx context.Context, mediaRef string, taskType models.TaskType) (*models.Job, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	UpdateJobStatus(ctx context.Context, id string, status models.Status, opts ...JobUpdateOption) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	// CountJobsByStatus returns a count for every status, including zeros.
	CountJobsByStatus(ctx context.Context) (map[models.Status]int, error)

	// Enqueue returns false without error when the job already has an entry.
	Enqueue(ctx context.Context, jobID string, priority int) (bool, error)
	// Dequeue claims the next unclaimed entry for workerID. ok is false when
	// the queue is empty.
	Dequeue(ctx context.Context, workerID string) (jobID string, ok bool, err error)
	RemoveFromQueue(ctx context.Context, jobID string) (bool, error)
	// RequeueJob replaces any existing entry for the job with a fresh,
	// unclaimed one.
	RequeueJob(ctx context.Context, jobID string, priority int) error
	GetQueueEntry(ctx context.Context, jobID string) (*models.QueueEntry, error)
	// Peek returns the next candidate without claiming it, or nil if empty.
	Peek(ctx context.Context) (*models.QueueEntry, error)
	QueueSize(ctx context.Context) (int, error)
	ListPending(ctx context.Context) ([]models.QueueEntry, error)
	// ReleaseStaleClaims un-claims entries claimed before the cutoff (ms)
	// and returns their job ids.
	ReleaseStaleClaims(ctx context.Context, claimedBefore int64) ([]string, error)

	CreateSyncStatus(ctx context.Context, status *models.SyncStatus) error
	GetSyncStatus(ctx context.Context, jobID string) (*models.SyncStatus, error)
	UpdateSyncStatus(ctx context.Context, status *models.SyncStatus) error
}

// JobUpdate carries the optional fields of a status update.
type JobUpdate struct {
	ErrorMessage *string
	Result       *models.Result
	Now          int64
}

type JobUpdateOption func(*JobUpdate)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithResult(r *models.Result) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = r
	}
}

// WithTimestamp overrides the clock used for started/completed timestamps.
func WithTimestamp(ms int64) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Now = ms
	}
}

// BuildJobUpdate applies opts over a zero JobUpdate stamped with the current time.
func BuildJobUpdate(opts ...JobUpdateOption) JobUpdate {
	p := JobUpdate{Now: models.NowMillis()}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// ApplyStatus mutates job according to the state machine. It is shared by
// every Store implementation so that timestamp rules stay identical.
func ApplyStatus(job *models.Job, status models.Status, upd JobUpdate) error {
	if !models.CanTransition(job.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	switch {
	case status == models.StatusProcessing:
		if job.StartedAt == nil {
			now := upd.Now
			job.StartedAt = &now
		}
	case status.Terminal():
		now := upd.Now
		job.CompletedAt = &now
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		job.ErrorMessage = &msg
	}
	if upd.Result != nil {
		job.Result = upd.Result
	}
	return nil
}
