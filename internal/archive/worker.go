package archive

import (
	"context"
	"log/slog"
	"time"
)

// Worker runs the archiver on a fixed interval.
type Worker struct {
	archiver *Archiver
	days     int
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to 24h.
func NewWorker(archiver *Archiver, days int, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Worker{
		archiver: archiver,
		days:     days,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run archives on startup and then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.RunOnce(ctx); err != nil {
			w.logger.Error("archive pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce performs a single archiving pass.
func (w *Worker) RunOnce(_ context.Context) error {
	rep, err := w.archiver.ArchiveOlderThan(w.days)
	if err != nil {
		return err
	}
	if rep.Archived > 0 || len(rep.Failed) > 0 {
		w.logger.Info("archive pass complete", "archived", rep.Archived, "failed", len(rep.Failed))
	}
	return nil
}
