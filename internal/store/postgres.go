package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   DBTX
	inTx bool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: s.pool, db: tx, inTx: true})
	})
}

// --- Jobs ---

const jobColumns = `job_id, task_type, media_ref, status, priority, created_at, started_at, completed_at,
	retry_count, max_retries, error_message, result, created_by`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.TaskType, job.MediaRef, job.Status, job.Priority, job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.RetryCount, job.MaxRetries, job.ErrorMessage,
		result, job.CreatedBy)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) LockJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) FindActiveJob(ctx context.Context, mediaRef string, taskType models.TaskType) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE media_ref = $1 AND task_type = $2 AND status = ANY($3)
		 ORDER BY created_at ASC LIMIT 1`,
		mediaRef, taskType, statusStrings(models.ActiveStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id string, status models.Status, opts ...JobUpdateOption) error {
	upd := BuildJobUpdate(opts...)

	return s.WithTx(ctx, func(tx Store) error {
		txs := tx.(*PostgresStore)

		job, err := txs.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if err := ApplyStatus(job, status, upd); err != nil {
			return err
		}
		result, err := encodeResult(job.Result)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}

		_, err = txs.db.Exec(ctx,
			`UPDATE jobs SET status = $2, started_at = $3, completed_at = $4, error_message = $5, result = $6
			 WHERE job_id = $1`,
			id, job.Status, job.StartedAt, job.CompletedAt, job.ErrorMessage, result)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("update job status: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1 WHERE job_id = $1 RETURNING retry_count`, id,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := models.EmptyStatusCounts()
	for rows.Next() {
		var (
			status models.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		result []byte
	)
	if err := row.Scan(&j.ID, &j.TaskType, &j.MediaRef, &j.Status, &j.Priority, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt, &j.RetryCount, &j.MaxRetries, &j.ErrorMessage,
		&result, &j.CreatedBy); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		r, err := models.DecodeResult(j.TaskType, result)
		if err != nil {
			return nil, err
		}
		j.Result = r
	}
	return &j, nil
}

func encodeResult(r *models.Result) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return r.MarshalJSON()
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyError checks if a pgx error is a foreign key violation.
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
