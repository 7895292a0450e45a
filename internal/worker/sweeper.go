package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/inferq/internal/jobs"
)

// Sweeper returns jobs whose claim outlived the lease to the queue. It
// covers workers that died mid-job.
type Sweeper struct {
	jobs     *jobs.Service
	lease    time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(svc *jobs.Service, lease, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = lease / 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{jobs: svc, lease: lease, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is cancelled. A zero lease disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.lease <= 0 {
		return
	}
	s.logger.Info("claim sweeper started", "lease", s.lease, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns the released job ids.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	ids, err := s.jobs.ReleaseStaleClaims(ctx, s.lease)
	if err != nil {
		s.logger.Error("failed to release stale claims", "error", err)
		return nil
	}
	for _, id := range ids {
		s.logger.Warn("released stale claim", "job_id", id)
	}
	return ids
}
