package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/media"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// DeliveryConfig controls result delivery retries.
type DeliveryConfig struct {
	MaxAttempts     int
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultDeliveryConfig doubles from 1s, capped at 60s, over 3 attempts.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:     3,
		Timeout:         30 * time.Second,
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// Deliverer posts completed results back to the media store and tracks the
// attempts in the job's SyncStatus.
type Deliverer struct {
	client media.Client
	jobs   *jobs.Service
	cfg    DeliveryConfig
	logger *slog.Logger
}

// NewDeliverer creates a Deliverer. Zero fields in cfg take their defaults.
func NewDeliverer(client media.Client, svc *jobs.Service, cfg DeliveryConfig, logger *slog.Logger) *Deliverer {
	def := DefaultDeliveryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{client: client, jobs: svc, cfg: cfg, logger: logger}
}

func (d *Deliverer) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(d.cfg.InitialInterval, d.cfg.MaxInterval)
	bo.MaxInterval = d.cfg.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return bo
}

// Deliver posts result for job, retrying with exponential backoff. It
// returns the final delivery error, which is also recorded as a failed
// SyncStatus.
func (d *Deliverer) Deliver(ctx context.Context, job *models.Job, result *models.Result) error {
	logger := d.logger.With("job_id", job.ID, "media_ref", job.MediaRef)
	attempts := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		err := d.client.PostResults(actx, job.MediaRef, result)
		if errors.Is(err, media.ErrMediaNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(d.backOff()),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("result delivery failed, retrying", "attempt", attempts, "max_attempts", d.cfg.MaxAttempts, "retry_in", next, "error", err)
			d.record(ctx, job.ID, logger, func(s *models.SyncStatus) {
				now := models.NowMillis()
				msg := err.Error()
				retryAt := now + next.Milliseconds()
				s.AttemptedAt = &now
				s.Error = &msg
				s.RetryCount = attempts
				s.NextRetryAt = &retryAt
			})
		}),
	)

	now := models.NowMillis()
	if err != nil {
		logger.Error("result delivery failed", "attempts", attempts, "error", err)
		msg := err.Error()
		d.record(ctx, job.ID, logger, func(s *models.SyncStatus) {
			s.Status = models.SyncFailed
			s.AttemptedAt = &now
			s.Error = &msg
			s.RetryCount = attempts - 1
			s.NextRetryAt = nil
		})
		return err
	}

	logger.Info("result delivered", "attempts", attempts)
	d.record(ctx, job.ID, logger, func(s *models.SyncStatus) {
		s.Status = models.SyncSynced
		s.AttemptedAt = &now
		s.CompletedAt = &now
		s.Error = nil
		s.RetryCount = attempts - 1
		s.NextRetryAt = nil
	})
	return nil
}

func (d *Deliverer) record(ctx context.Context, jobID string, logger *slog.Logger, fn func(*models.SyncStatus)) {
	if err := d.jobs.UpdateSync(ctx, jobID, fn); err != nil {
		logger.Warn("failed to record sync status", "error", err)
	}
}
