package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically prunes finished tickets older than the retention window.
type Sweeper struct {
	store     Store
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper that runs on schedule, a standard 5-field cron
// expression or a descriptor such as "@every 1h".
func NewSweeper(store Store, retention time.Duration, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		return nil, fmt.Errorf("sweeper: retention must be positive, got %s", retention)
	}
	s := &Sweeper{
		store:     store,
		retention: retention,
		cron:      cron.New(),
		logger:    logger,
		now:       time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the cron scheduler. Blocks until context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("sweeper started", "retention", s.retention)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
	return ctx.Err()
}

// Sweep prunes once and returns the number of deleted tickets.
func (s *Sweeper) Sweep() int {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.Prune(cutoff)
	if err != nil {
		s.logger.Error("ticket prune failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("pruned finished tickets", "count", n, "before", cutoff)
	}
	return n
}
