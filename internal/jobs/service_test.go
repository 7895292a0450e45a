package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/internal/store/memory"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	Event string
	Data  any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(_ context.Context, event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{event, data})
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Event)
	}
	return out
}

type fakeRemover struct {
	artifacts []string
	vectors   []string
	err       error
}

func (r *fakeRemover) DeleteJob(_ context.Context, jobID string) error {
	r.artifacts = append(r.artifacts, jobID)
	return r.err
}

func (r *fakeRemover) DeleteByJob(_ context.Context, collection, jobID string) error {
	r.vectors = append(r.vectors, collection+"/"+jobID)
	return r.err
}

type fixture struct {
	svc     *jobs.Service
	store   *memory.Store
	pub     *fakePublisher
	remover *fakeRemover
}

func newFixture(policy jobs.DuplicatePolicy, maxRetries int) *fixture {
	st := memory.New()
	pub := &fakePublisher{}
	rm := &fakeRemover{}
	svc := jobs.NewService(st, jobs.Options{
		MaxRetries:      maxRetries,
		DuplicatePolicy: policy,
		Publisher:       pub,
		Artifacts:       rm,
		Vectors:         rm,
	})
	return &fixture{svc: svc, store: st, pub: pub, remover: rm}
}

func (f *fixture) create(t *testing.T, ref string, task models.TaskType, priority int) *models.Job {
	t.Helper()
	job, err := f.svc.Create(context.Background(), jobs.CreateParams{TaskType: task, MediaRef: ref, Priority: priority})
	require.NoError(t, err)
	return job
}

func TestCreate_WritesJobQueueAndSync(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, jobs.CreateParams{
		TaskType: models.TaskFaceDetection, MediaRef: "42", Priority: 7, CreatedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries)
	require.NotNil(t, job.CreatedBy)
	assert.Equal(t, "ops", *job.CreatedBy)

	entry, err := f.store.GetQueueEntry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Priority)

	ss, err := f.svc.SyncStatus(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, ss)
	assert.Equal(t, models.SyncPending, ss.Status)

	assert.Equal(t, []string{jobs.EventJobCreated}, f.pub.names())
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)

	tests := []struct {
		name   string
		params jobs.CreateParams
		field  string
	}{
		{"unknown task", jobs.CreateParams{TaskType: "ocr", MediaRef: "1", Priority: 5}, "task_type"},
		{"empty media", jobs.CreateParams{TaskType: models.TaskImageEmbedding, Priority: 5}, "media_ref"},
		{"priority too high", jobs.CreateParams{TaskType: models.TaskImageEmbedding, MediaRef: "1", Priority: 11}, "priority"},
		{"priority negative", jobs.CreateParams{TaskType: models.TaskImageEmbedding, MediaRef: "1", Priority: -1}, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.params)
			var verr *jobs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	size, err := f.store.QueueSize(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestCreate_RejectDuplicate(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	first := f.create(t, "42", models.TaskImageEmbedding, 5)

	_, err := f.svc.Create(context.Background(), jobs.CreateParams{
		TaskType: models.TaskImageEmbedding, MediaRef: "42", Priority: 5,
	})
	require.ErrorIs(t, err, jobs.ErrConflict)
	var cerr *jobs.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, first.ID, cerr.ExistingID)
}

func TestCreate_SupersedeDuplicate(t *testing.T) {
	f := newFixture(jobs.DuplicateSupersede, 3)
	ctx := context.Background()
	first := f.create(t, "42", models.TaskFaceEmbedding, 5)

	second, err := f.svc.Create(ctx, jobs.CreateParams{
		TaskType: models.TaskFaceEmbedding, MediaRef: "42", Priority: 5,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Equal(t, []string{first.ID}, f.remover.artifacts)
	assert.Equal(t, []string{jobs.CollectionFaceEmbeddings + "/" + first.ID}, f.remover.vectors)
}

func TestCreate_AfterTerminalIsAllowed(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 0)
	ctx := context.Background()
	first := f.create(t, "42", models.TaskImageEmbedding, 5)

	_, _, err := f.svc.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, first.ID, models.StatusProcessing)
	require.NoError(t, err)
	_, err = f.svc.Fail(ctx, first.ID, errors.New("boom"))
	require.NoError(t, err)

	f.create(t, "42", models.TaskImageEmbedding, 5)
}

func TestGet_Missing(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)

	job, err := f.svc.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDelete(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()
	job := f.create(t, "42", models.TaskImageEmbedding, 5)

	ok, err := f.svc.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := f.store.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	got, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = f.store.GetQueueEntry(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	ss, err := f.svc.SyncStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, ss)
	counts, err := f.store.CountJobsByStatus(ctx)
	require.NoError(t, err)
	for status, n := range counts {
		assert.Zero(t, n, status)
	}

	ok, err = f.svc.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second delete is a no-op")
}

func TestRelease(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()
	job := f.create(t, "42", models.TaskImageEmbedding, 7)

	id, ok, err := f.svc.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.svc.UpdateStatus(ctx, id, models.StatusProcessing)
	require.NoError(t, err)

	found, err := f.svc.Release(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount, "release does not spend a retry")
	entry, err := f.store.GetQueueEntry(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, entry.Claimed())
	assert.Equal(t, 7, entry.Priority)

	again, ok, err := f.svc.Claim(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, again)
}

func TestRelease_TerminalAndMissing(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 0)
	ctx := context.Background()
	job := f.create(t, "42", models.TaskImageEmbedding, 5)
	id, _, err := f.svc.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, id, models.StatusProcessing)
	require.NoError(t, err)
	_, err = f.svc.Fail(ctx, id, errors.New("bad image"))
	require.NoError(t, err)

	found, err := f.svc.Release(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, found)
	size, err := f.store.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size, "terminal jobs are not requeued")

	found, err = f.svc.Release(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_StorageFailureStillDeletes(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	f.remover.err = errors.New("storage down")
	job := f.create(t, "42", models.TaskImageEmbedding, 5)

	ok, err := f.svc.Delete(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()
	job := f.create(t, "42", models.TaskImageEmbedding, 5)

	ok, err := f.svc.UpdateStatus(ctx, "missing", models.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.UpdateStatus(ctx, job.ID, models.StatusCompleted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	ok, err = f.svc.UpdateStatus(ctx, job.ID, models.StatusProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
}

func TestComplete_RemovesQueueEntry(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()
	job := f.create(t, "42", models.TaskFaceDetection, 5)

	id, ok, err := f.svc.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, id)
	_, err = f.svc.UpdateStatus(ctx, id, models.StatusProcessing)
	require.NoError(t, err)

	result := models.NewFaceDetectionResult(models.FaceDetectionResult{FaceCount: 0, Faces: []models.FaceDetection{}})
	ok, err = f.svc.Complete(ctx, id, result)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, models.TaskFaceDetection, got.Result.Type)

	_, err = f.store.GetQueueEntry(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFail_RetriesThenErrors(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 2)
	ctx := context.Background()
	job := f.create(t, "42", models.TaskImageEmbedding, 8)

	for attempt := 1; attempt <= 2; attempt++ {
		id, ok, err := f.svc.Claim(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = f.svc.UpdateStatus(ctx, id, models.StatusProcessing)
		require.NoError(t, err)

		out, err := f.svc.Fail(ctx, id, errors.New("model crashed"))
		require.NoError(t, err)
		assert.True(t, out.Retried)
		assert.Equal(t, attempt, out.RetryCount)

		entry, err := f.store.GetQueueEntry(ctx, id)
		require.NoError(t, err)
		assert.False(t, entry.Claimed())
		assert.Equal(t, 8, entry.Priority, "retry keeps the original priority")
	}

	id, _, err := f.svc.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, id, models.StatusProcessing)
	require.NoError(t, err)
	out, err := f.svc.Fail(ctx, id, errors.New("model crashed"))
	require.NoError(t, err)
	assert.False(t, out.Retried)

	got, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "model crashed", *got.ErrorMessage)

	size, err := f.store.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
	_, err = f.store.GetQueueEntry(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFail_MissingJob(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)

	out, err := f.svc.Fail(context.Background(), "missing", errors.New("x"))
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestQueueStatsAndStats(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()
	f.create(t, "1", models.TaskImageEmbedding, 1)
	hi := f.create(t, "2", models.TaskImageEmbedding, 9)

	qs, err := f.svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, qs.Size)
	require.NotNil(t, qs.Next)
	assert.Equal(t, hi.ID, qs.Next.JobID)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, 2, stats.Jobs[models.StatusPending])
	assert.Equal(t, 0, stats.Jobs[models.StatusCompleted])
}

func TestReleaseStaleClaims(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()
	job := f.create(t, "1", models.TaskImageEmbedding, 5)

	_, _, err := f.svc.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, job.ID, models.StatusProcessing)
	require.NoError(t, err)

	ids, err := f.svc.ReleaseStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = f.svc.ReleaseStaleClaims(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	got, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.StartedAt, "started_at survives a release")
}

func TestUpdateSync(t *testing.T) {
	f := newFixture(jobs.DuplicateReject, 3)
	ctx := context.Background()
	job := f.create(t, "1", models.TaskFaceDetection, 5)

	require.NoError(t, f.svc.UpdateSync(ctx, job.ID, func(s *models.SyncStatus) {
		s.Status = models.SyncSynced
		s.RetryCount = 1
	}))

	got, err := f.svc.SyncStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}
