package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// --- Sync statuses ---

func (s *PostgresStore) CreateSyncStatus(ctx context.Context, st *models.SyncStatus) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sync_statuses (job_id, sync_status, sync_attempted_at, sync_completed_at, sync_error, retry_count, next_retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.JobID, st.Status, st.AttemptedAt, st.CompletedAt, st.Error, st.RetryCount, st.NextRetryAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create sync status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncStatus(ctx context.Context, jobID string) (*models.SyncStatus, error) {
	var st models.SyncStatus
	err := s.db.QueryRow(ctx,
		`SELECT job_id, sync_status, sync_attempted_at, sync_completed_at, sync_error, retry_count, next_retry_at
		 FROM sync_statuses WHERE job_id = $1`, jobID,
	).Scan(&st.JobID, &st.Status, &st.AttemptedAt, &st.CompletedAt, &st.Error, &st.RetryCount, &st.NextRetryAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync status: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) UpdateSyncStatus(ctx context.Context, st *models.SyncStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sync_statuses
		 SET sync_status = $2, sync_attempted_at = $3, sync_completed_at = $4, sync_error = $5,
		     retry_count = $6, next_retry_at = $7
		 WHERE job_id = $1`,
		st.JobID, st.Status, st.AttemptedAt, st.CompletedAt, st.Error, st.RetryCount, st.NextRetryAt)
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
