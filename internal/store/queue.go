package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// --- Queue ---

const queueColumns = `seq, job_id, priority, enqueued_at, claimed_at, worker_id`

// dispatchOrder is the total order in which entries are handed to workers.
const dispatchOrder = `ORDER BY priority DESC, enqueued_at ASC, seq ASC`

func (s *PostgresStore) Enqueue(ctx context.Context, jobID string, priority int) (bool, error) {
	if !models.ValidPriority(priority) {
		return false, ErrInvalidPriority
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO queue_entries (job_id, priority, enqueued_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO NOTHING`,
		jobID, priority, models.NowMillis())
	if err != nil {
		if isForeignKeyError(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Dequeue selects and claims in a single statement. SKIP LOCKED lets
// concurrent workers pass over rows another transaction is claiming.
func (s *PostgresStore) Dequeue(ctx context.Context, workerID string) (string, bool, error) {
	var jobID string
	err := s.db.QueryRow(ctx,
		`UPDATE queue_entries SET claimed_at = $2, worker_id = $1
		 WHERE seq = (
			SELECT seq FROM queue_entries
			WHERE claimed_at IS NULL
			`+dispatchOrder+`
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING job_id`,
		workerID, models.NowMillis(),
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	return jobID, true, nil
}

func (s *PostgresStore) RemoveFromQueue(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM queue_entries WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("remove from queue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, jobID string, priority int) error {
	if !models.ValidPriority(priority) {
		return ErrInvalidPriority
	}
	return s.WithTx(ctx, func(tx Store) error {
		txs := tx.(*PostgresStore)
		if _, err := txs.db.Exec(ctx, `DELETE FROM queue_entries WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		ok, err := txs.Enqueue(ctx, jobID, priority)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requeue job: entry for %s reappeared", jobID)
		}
		return nil
	})
}

func (s *PostgresStore) GetQueueEntry(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	e, err := scanQueueEntry(s.db.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queue_entries WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Peek(ctx context.Context) (*models.QueueEntry, error) {
	e, err := scanQueueEntry(s.db.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queue_entries
		 WHERE claimed_at IS NULL
		 `+dispatchOrder+`
		 LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) QueueSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE claimed_at IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+queueColumns+` FROM queue_entries
		 WHERE claimed_at IS NULL
		 `+dispatchOrder)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, claimedBefore int64) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE queue_entries SET claimed_at = NULL, worker_id = NULL
		 WHERE claimed_at IS NOT NULL AND claimed_at < $1
		 RETURNING job_id`, claimedBefore)
	if err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	}
	return ids, nil
}

func scanQueueEntry(row pgx.Row) (*models.QueueEntry, error) {
	var e models.QueueEntry
	if err := row.Scan(&e.Seq, &e.JobID, &e.Priority, &e.EnqueuedAt, &e.ClaimedAt, &e.WorkerID); err != nil {
		return nil, err
	}
	return &e, nil
}
