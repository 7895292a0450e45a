// Package models contains shared data models used across the inferq codebase.
package models

import "time"

// TaskType identifies the kind of inference a job performs.
type TaskType string

const (
	TaskImageEmbedding TaskType = "image_embedding"
	TaskFaceDetection  TaskType = "face_detection"
	TaskFaceEmbedding  TaskType = "face_embedding"
)

// TaskTypes lists every supported task type in a stable order.
var TaskTypes = []TaskType{TaskImageEmbedding, TaskFaceDetection, TaskFaceEmbedding}

// Valid reports whether t is one of the supported task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskImageEmbedding, TaskFaceDetection, TaskFaceEmbedding:
		return true
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusSyncFailed Status = "sync_failed"
)

// Statuses lists every job status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusError, StatusSyncFailed}

// EmptyStatusCounts returns a zeroed count for every status.
func EmptyStatusCounts() map[Status]int {
	m := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		m[s] = 0
	}
	return m
}

// ActiveStatuses are the non-terminal statuses. At most one job per
// (media ref, task type) may hold one of these at a time.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}

// Terminal reports whether no further transitions can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusSyncFailed
}

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusPending, StatusCompleted, StatusError, StatusSyncFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// ValidPriority reports whether p lies in the closed range 0-10.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// Job is one inference request. Timestamps are milliseconds since the Unix epoch.
// The ID doubles as a capability token: knowing it is enough to read the job.
type Job struct {
	ID           string   `json:"job_id"`
	TaskType     TaskType `json:"task_type"`
	MediaRef     string   `json:"media_ref"`
	Status       Status   `json:"status"`
	Priority     int      `json:"priority"`
	CreatedAt    int64    `json:"created_at"`
	StartedAt    *int64   `json:"started_at,omitempty"`
	CompletedAt  *int64   `json:"completed_at,omitempty"`
	RetryCount   int      `json:"retry_count"`
	MaxRetries   int      `json:"max_retries"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	Result       *Result  `json:"result,omitempty"`
	CreatedBy    *string  `json:"created_by,omitempty"`
}

// QueueEntry is a pending dispatch record for a non-terminal job.
// A nil ClaimedAt means the entry is still waiting for a worker.
type QueueEntry struct {
	Seq        int64   `json:"-"`
	JobID      string  `json:"job_id"`
	Priority   int     `json:"priority"`
	EnqueuedAt int64   `json:"enqueued_at"`
	ClaimedAt  *int64  `json:"claimed_at,omitempty"`
	WorkerID   *string `json:"worker_id,omitempty"`
}

// Claimed reports whether a worker has taken the entry.
func (e QueueEntry) Claimed() bool { return e.ClaimedAt != nil }

const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
	SyncSkipped = "skipped"
)

// SyncStatus tracks delivery of a job's result to the external media store.
// It is independent of the job's own status.
type SyncStatus struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"sync_status"`
	AttemptedAt *int64  `json:"sync_attempted_at,omitempty"`
	CompletedAt *int64  `json:"sync_completed_at,omitempty"`
	Error       *string `json:"sync_error,omitempty"`
	RetryCount  int     `json:"retry_count"`
	NextRetryAt *int64  `json:"next_retry_at,omitempty"`
}

// NowMillis returns the current time in milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
