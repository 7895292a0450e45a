// Package memory provides an in-process store.Store used for local
// development and tests. State is lost when the process exits.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

type state struct {
	jobs    map[string]models.Job
	queue   map[string]models.QueueEntry
	syncs   map[string]models.SyncStatus
	nextSeq int64
}

func (st *state) clone() *state {
	c := &state{
		jobs:    make(map[string]models.Job, len(st.jobs)),
		queue:   make(map[string]models.QueueEntry, len(st.queue)),
		syncs:   make(map[string]models.SyncStatus, len(st.syncs)),
		nextSeq: st.nextSeq,
	}
	for k, v := range st.jobs {
		c.jobs[k] = v
	}
	for k, v := range st.queue {
		c.queue[k] = v
	}
	for k, v := range st.syncs {
		c.syncs[k] = v
	}
	return c
}

// Store is a mutex-guarded store.Store. A single lock covers every table, so
// Dequeue's select-and-claim is atomic.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: &state{
		jobs:  map[string]models.Job{},
		queue: map[string]models.QueueEntry{},
		syncs: map[string]models.SyncStatus{},
	}}
}

func (s *Store) Ping(context.Context) error { return nil }

// WithTx holds the store lock for the whole of fn and restores a snapshot
// if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&txStore{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) locked(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	return s.locked(func(st *state) error { return createJob(st, job) })
}

func (s *Store) GetJob(ctx context.Context, id string) (j *models.Job, err error) {
	err = s.locked(func(st *state) error { j, err = getJob(st, id); return err })
	return j, err
}

func (s *Store) LockJob(ctx context.Context, id string) (*models.Job, error) {
	return s.GetJob(ctx, id)
}

func (s *Store) FindActiveJob(ctx context.Context, mediaRef string, taskType models.TaskType) (j *models.Job, err error) {
	err = s.locked(func(st *state) error { j, err = findActiveJob(st, mediaRef, taskType); return err })
	return j, err
}

func (s *Store) DeleteJob(ctx context.Context, id string) (ok bool, err error) {
	err = s.locked(func(st *state) error { ok = deleteJob(st, id); return nil })
	return ok, err
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status models.Status, opts ...store.JobUpdateOption) error {
	return s.locked(func(st *state) error { return updateJobStatus(st, id, status, opts) })
}

func (s *Store) IncrementRetryCount(ctx context.Context, id string) (n int, err error) {
	err = s.locked(func(st *state) error { n, err = incrementRetryCount(st, id); return err })
	return n, err
}

func (s *Store) CountJobsByStatus(ctx context.Context) (c map[models.Status]int, err error) {
	err = s.locked(func(st *state) error { c = countJobsByStatus(st); return nil })
	return c, err
}

func (s *Store) Enqueue(ctx context.Context, jobID string, priority int) (ok bool, err error) {
	err = s.locked(func(st *state) error { ok, err = enqueue(st, jobID, priority); return err })
	return ok, err
}

func (s *Store) Dequeue(ctx context.Context, workerID string) (id string, ok bool, err error) {
	err = s.locked(func(st *state) error { id, ok = dequeue(st, workerID); return nil })
	return id, ok, err
}

func (s *Store) RemoveFromQueue(ctx context.Context, jobID string) (ok bool, err error) {
	err = s.locked(func(st *state) error { ok = removeFromQueue(st, jobID); return nil })
	return ok, err
}

func (s *Store) RequeueJob(ctx context.Context, jobID string, priority int) error {
	return s.locked(func(st *state) error { return requeueJob(st, jobID, priority) })
}

func (s *Store) GetQueueEntry(ctx context.Context, jobID string) (e *models.QueueEntry, err error) {
	err = s.locked(func(st *state) error { e, err = getQueueEntry(st, jobID); return err })
	return e, err
}

func (s *Store) Peek(ctx context.Context) (e *models.QueueEntry, err error) {
	err = s.locked(func(st *state) error { e = peek(st); return nil })
	return e, err
}

func (s *Store) QueueSize(ctx context.Context) (n int, err error) {
	err = s.locked(func(st *state) error { n = len(pending(st)); return nil })
	return n, err
}

func (s *Store) ListPending(ctx context.Context) (out []models.QueueEntry, err error) {
	err = s.locked(func(st *state) error { out = pending(st); return nil })
	return out, err
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, claimedBefore int64) (ids []string, err error) {
	err = s.locked(func(st *state) error { ids = releaseStaleClaims(st, claimedBefore); return nil })
	return ids, err
}

func (s *Store) CreateSyncStatus(ctx context.Context, ss *models.SyncStatus) error {
	return s.locked(func(st *state) error { return createSyncStatus(st, ss) })
}

func (s *Store) GetSyncStatus(ctx context.Context, jobID string) (ss *models.SyncStatus, err error) {
	err = s.locked(func(st *state) error { ss, err = getSyncStatus(st, jobID); return err })
	return ss, err
}

func (s *Store) UpdateSyncStatus(ctx context.Context, ss *models.SyncStatus) error {
	return s.locked(func(st *state) error { return updateSyncStatus(st, ss) })
}

// --- table operations, called with the lock held ---

func createJob(st *state, job *models.Job) error {
	if _, exists := st.jobs[job.ID]; exists {
		return store.ErrDuplicateKey
	}
	if !job.Status.Terminal() {
		if _, err := findActiveJob(st, job.MediaRef, job.TaskType); err == nil {
			return store.ErrDuplicateKey
		}
	}
	st.jobs[job.ID] = *job
	return nil
}

func getJob(st *state, id string) (*models.Job, error) {
	j, ok := st.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func findActiveJob(st *state, mediaRef string, taskType models.TaskType) (*models.Job, error) {
	var found *models.Job
	for _, j := range st.jobs {
		if j.MediaRef != mediaRef || j.TaskType != taskType || j.Status.Terminal() {
			continue
		}
		if found == nil || j.CreatedAt < found.CreatedAt {
			j := j
			found = &j
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func deleteJob(st *state, id string) bool {
	if _, ok := st.jobs[id]; !ok {
		return false
	}
	delete(st.jobs, id)
	delete(st.queue, id)
	delete(st.syncs, id)
	return true
}

func updateJobStatus(st *state, id string, status models.Status, opts []store.JobUpdateOption) error {
	j, ok := st.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := store.ApplyStatus(&j, status, store.BuildJobUpdate(opts...)); err != nil {
		return err
	}
	st.jobs[id] = j
	return nil
}

func incrementRetryCount(st *state, id string) (int, error) {
	j, ok := st.jobs[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	j.RetryCount++
	st.jobs[id] = j
	return j.RetryCount, nil
}

func countJobsByStatus(st *state) map[models.Status]int {
	counts := models.EmptyStatusCounts()
	for _, j := range st.jobs {
		counts[j.Status]++
	}
	return counts
}

func enqueue(st *state, jobID string, priority int) (bool, error) {
	if !models.ValidPriority(priority) {
		return false, store.ErrInvalidPriority
	}
	if _, ok := st.jobs[jobID]; !ok {
		return false, store.ErrNotFound
	}
	if _, exists := st.queue[jobID]; exists {
		return false, nil
	}
	st.nextSeq++
	st.queue[jobID] = models.QueueEntry{
		Seq:        st.nextSeq,
		JobID:      jobID,
		Priority:   priority,
		EnqueuedAt: models.NowMillis(),
	}
	return true, nil
}

func dequeue(st *state, workerID string) (string, bool) {
	head := peek(st)
	if head == nil {
		return "", false
	}
	now := models.NowMillis()
	w := workerID
	head.ClaimedAt = &now
	head.WorkerID = &w
	st.queue[head.JobID] = *head
	return head.JobID, true
}

func removeFromQueue(st *state, jobID string) bool {
	if _, ok := st.queue[jobID]; !ok {
		return false
	}
	delete(st.queue, jobID)
	return true
}

func requeueJob(st *state, jobID string, priority int) error {
	delete(st.queue, jobID)
	_, err := enqueue(st, jobID, priority)
	return err
}

func getQueueEntry(st *state, jobID string) (*models.QueueEntry, error) {
	e, ok := st.queue[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

// pending returns unclaimed entries in dispatch order.
func pending(st *state) []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(st.queue))
	for _, e := range st.queue {
		if !e.Claimed() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.EnqueuedAt != b.EnqueuedAt {
			return a.EnqueuedAt < b.EnqueuedAt
		}
		return a.Seq < b.Seq
	})
	return out
}

func peek(st *state) *models.QueueEntry {
	p := pending(st)
	if len(p) == 0 {
		return nil
	}
	return &p[0]
}

func releaseStaleClaims(st *state, claimedBefore int64) []string {
	var ids []string
	for id, e := range st.queue {
		if e.ClaimedAt != nil && *e.ClaimedAt < claimedBefore {
			e.ClaimedAt = nil
			e.WorkerID = nil
			st.queue[id] = e
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func createSyncStatus(st *state, ss *models.SyncStatus) error {
	if _, ok := st.jobs[ss.JobID]; !ok {
		return store.ErrNotFound
	}
	if _, exists := st.syncs[ss.JobID]; exists {
		return store.ErrDuplicateKey
	}
	st.syncs[ss.JobID] = *ss
	return nil
}

func getSyncStatus(st *state, jobID string) (*models.SyncStatus, error) {
	ss, ok := st.syncs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ss, nil
}

func updateSyncStatus(st *state, ss *models.SyncStatus) error {
	if _, ok := st.syncs[ss.JobID]; !ok {
		return store.ErrNotFound
	}
	st.syncs[ss.JobID] = *ss
	return nil
}

// txStore runs table operations against state already locked by WithTx.
type txStore struct {
	st *state
}

func (t *txStore) Ping(context.Context) error { return nil }

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txStore) CreateJob(_ context.Context, job *models.Job) error { return createJob(t.st, job) }

func (t *txStore) GetJob(_ context.Context, id string) (*models.Job, error) { return getJob(t.st, id) }

func (t *txStore) LockJob(_ context.Context, id string) (*models.Job, error) {
	return getJob(t.st, id)
}

func (t *txStore) FindActiveJob(_ context.Context, mediaRef string, taskType models.TaskType) (*models.Job, error) {
	return findActiveJob(t.st, mediaRef, taskType)
}

func (t *txStore) DeleteJob(_ context.Context, id string) (bool, error) {
	return deleteJob(t.st, id), nil
}

func (t *txStore) UpdateJobStatus(_ context.Context, id string, status models.Status, opts ...store.JobUpdateOption) error {
	return updateJobStatus(t.st, id, status, opts)
}

func (t *txStore) IncrementRetryCount(_ context.Context, id string) (int, error) {
	return incrementRetryCount(t.st, id)
}

func (t *txStore) CountJobsByStatus(context.Context) (map[models.Status]int, error) {
	return countJobsByStatus(t.st), nil
}

func (t *txStore) Enqueue(_ context.Context, jobID string, priority int) (bool, error) {
	return enqueue(t.st, jobID, priority)
}

func (t *txStore) Dequeue(_ context.Context, workerID string) (string, bool, error) {
	id, ok := dequeue(t.st, workerID)
	return id, ok, nil
}

func (t *txStore) RemoveFromQueue(_ context.Context, jobID string) (bool, error) {
	return removeFromQueue(t.st, jobID), nil
}

func (t *txStore) RequeueJob(_ context.Context, jobID string, priority int) error {
	return requeueJob(t.st, jobID, priority)
}

func (t *txStore) GetQueueEntry(_ context.Context, jobID string) (*models.QueueEntry, error) {
	return getQueueEntry(t.st, jobID)
}

func (t *txStore) Peek(context.Context) (*models.QueueEntry, error) { return peek(t.st), nil }

func (t *txStore) QueueSize(context.Context) (int, error) { return len(pending(t.st)), nil }

func (t *txStore) ListPending(context.Context) ([]models.QueueEntry, error) {
	return pending(t.st), nil
}

func (t *txStore) ReleaseStaleClaims(_ context.Context, claimedBefore int64) ([]string, error) {
	return releaseStaleClaims(t.st, claimedBefore), nil
}

func (t *txStore) CreateSyncStatus(_ context.Context, ss *models.SyncStatus) error {
	return createSyncStatus(t.st, ss)
}

func (t *txStore) GetSyncStatus(_ context.Context, jobID string) (*models.SyncStatus, error) {
	return getSyncStatus(t.st, jobID)
}

func (t *txStore) UpdateSyncStatus(_ context.Context, ss *models.SyncStatus) error {
	return updateSyncStatus(t.st, ss)
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Store = (*txStore)(nil)
)
