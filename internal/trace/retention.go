package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper prunes traces past the retention window on a nightly schedule.
// A retention of zero days disables pruning.
type Sweeper struct {
	store         *Store
	logger        *slog.Logger
	retentionDays int
	cron          *cron.Cron
}

// NewSweeper creates a Sweeper. Call Start to begin the schedule.
func NewSweeper(log *slog.Logger, store *Store, retentionDays int) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:         store,
		logger:        log.With(slog.String("component", "trace_sweeper")),
		retentionDays: retentionDays,
	}
}

// Start schedules a nightly sweep and runs one immediately in the
// background to catch up after downtime.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.retentionDays <= 0 {
		s.logger.Info("trace retention disabled")
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@daily", func() {
		s.sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	go s.sweep(ctx)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("trace sweep failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		s.logger.Info("trace sweep complete",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff))
	}
}
