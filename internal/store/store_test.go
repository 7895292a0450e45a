package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("inferq_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newJob(mediaRef string, task models.TaskType, priority int) *models.Job {
	return &models.Job{
		ID:         uuid.NewString(),
		TaskType:   task,
		MediaRef:   mediaRef,
		Status:     models.StatusPending,
		Priority:   priority,
		CreatedAt:  models.NowMillis(),
		MaxRetries: 3,
	}
}

func createAndEnqueue(t *testing.T, s store.Store, job *models.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, job))
	ok, err := s.Enqueue(ctx, job.ID, job.Priority)
	require.NoError(t, err)
	require.True(t, ok)
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	creator := "ops"
	job := newJob("42", models.TaskImageEmbedding, 7)
	job.CreatedBy = &creator
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.TaskImageEmbedding, got.TaskType)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 7, got.Priority)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Result)
	require.NotNil(t, got.CreatedBy)
	assert.Equal(t, "ops", *got.CreatedBy)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetJob(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_ActiveDuplicateRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("42", models.TaskFaceDetection, 5)))
	err := s.CreateJob(ctx, newJob("42", models.TaskFaceDetection, 5))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	// A different task type on the same media is fine.
	require.NoError(t, s.CreateJob(ctx, newJob("42", models.TaskFaceEmbedding, 5)))
}

func TestJob_UpdateStatusLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := newJob("7", models.TaskImageEmbedding, 5)
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusProcessing, store.WithTimestamp(1000)))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusProcessing, store.WithTimestamp(2000)))

	result := models.NewImageEmbeddingResult(models.ImageEmbeddingResult{
		EmbeddingDimension: 512, StoredInVectorDB: true, Collection: "image_embeddings", PointID: "7",
	})
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.StatusCompleted,
		store.WithResult(result), store.WithTimestamp(3000)))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, int64(1000), *got.StartedAt, "re-claim must not reset started_at")
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(3000), *got.CompletedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, "7", got.Result.ImageEmbedding.PointID)

	err = s.UpdateJobStatus(ctx, job.ID, models.StatusProcessing)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestJob_UpdateStatusNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	err := s.UpdateJobStatus(context.Background(), uuid.NewString(), models.StatusProcessing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_DeleteCascades(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("9", models.TaskFaceDetection, 5)
	createAndEnqueue(t, s, job)
	require.NoError(t, s.CreateSyncStatus(ctx, &models.SyncStatus{JobID: job.ID, Status: models.SyncPending}))

	deleted, err := s.DeleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	var jobs, entries, syncs int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&jobs))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&entries))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_statuses`).Scan(&syncs))
	assert.Zero(t, jobs)
	assert.Zero(t, entries)
	assert.Zero(t, syncs)

	deleted, err = s.DeleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestWithTx_RollsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := newJob("11", models.TaskImageEmbedding, 5)
	err := s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, job.ID, 11)
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidPriority)

	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Queue Tests ---

func TestQueue_DispatchOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	a := newJob("a", models.TaskImageEmbedding, 5)
	b := newJob("b", models.TaskImageEmbedding, 9)
	c := newJob("c", models.TaskImageEmbedding, 5)
	for _, j := range []*models.Job{a, b, c} {
		createAndEnqueue(t, s, j)
	}

	head, err := s.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, b.ID, head.JobID)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{b.ID, a.ID, c.ID},
		[]string{pending[0].JobID, pending[1].JobID, pending[2].JobID})

	var order []string
	for range 3 {
		id, ok, err := s.Dequeue(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, id)
	}
	assert.Equal(t, []string{b.ID, a.ID, c.ID}, order)

	_, ok, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	head, err = s.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestQueue_EnqueueTwice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := newJob("1", models.TaskImageEmbedding, 5)
	createAndEnqueue(t, s, job)

	ok, err := s.Enqueue(ctx, job.ID, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Enqueue(ctx, job.ID, -1)
	assert.ErrorIs(t, err, store.ErrInvalidPriority)

	_, err = s.Enqueue(ctx, uuid.NewString(), 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueue_ConcurrentDequeueIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	const jobs = 20
	for i := range jobs {
		createAndEnqueue(t, s, newJob(uuid.NewString(), models.TaskImageEmbedding, i%11))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := range 8 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				id, ok, err := s.Dequeue(ctx, uuid.NewString())
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed[id]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestQueue_RequeueReplacesClaimedEntry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := newJob("1", models.TaskImageEmbedding, 8)
	createAndEnqueue(t, s, job)

	_, ok, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RequeueJob(ctx, job.ID, job.Priority))

	entry, err := s.GetQueueEntry(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, entry.Claimed())
	assert.Nil(t, entry.WorkerID)
	assert.Equal(t, 8, entry.Priority)

	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestQueue_ReleaseStaleClaims(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := newJob("1", models.TaskImageEmbedding, 5)
	createAndEnqueue(t, s, job)
	_, _, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)

	ids, err := s.ReleaseStaleClaims(ctx, models.NowMillis()-60_000)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ReleaseStaleClaims(ctx, models.NowMillis()+1)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

// --- Sync Status Tests ---

func TestSyncStatus_CreateUpdateGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := newJob("1", models.TaskFaceDetection, 5)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.CreateSyncStatus(ctx, &models.SyncStatus{JobID: job.ID, Status: models.SyncPending}))

	now := models.NowMillis()
	msg := "connection refused"
	require.NoError(t, s.UpdateSyncStatus(ctx, &models.SyncStatus{
		JobID: job.ID, Status: models.SyncFailed, AttemptedAt: &now, Error: &msg, RetryCount: 3,
	}))

	got, err := s.GetSyncStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)

	err = s.UpdateSyncStatus(ctx, &models.SyncStatus{JobID: uuid.NewString(), Status: models.SyncSynced})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
