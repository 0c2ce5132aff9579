package tokenrequest

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue requests. Multiple instances may run
// concurrently; ExpireDue's CAS discipline keeps the sweep idempotent.
type Sweeper struct {
	workflow *Workflow
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds an expiry sweeper.
func NewSweeper(workflow *Workflow, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{workflow: workflow, interval: interval, logger: logger}
}

// Run blocks until ctx is done, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.workflow.ExpireDue(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired token requests", slog.Int("count", n))
			}
		}
	}
}
