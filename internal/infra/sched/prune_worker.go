package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain/ports/repository"
)

// PruneWorker periodically deletes usage ledger rows that have aged out
// of every possible rate-limit window. Correctness never depends on it
// running; the window queries filter by timestamp regardless. It only
// keeps the table from growing without bound.
type PruneWorker struct {
	interval  time.Duration
	retention time.Duration
	repo      repository.TokenUsageRepository
	log       *zerolog.Logger
}

func NewPruneWorker(interval, retention time.Duration, repo repository.TokenUsageRepository, logger *zerolog.Logger) *PruneWorker {
	pruneLog := logger.With().Str("component", "PruneWorker").Logger()
	return &PruneWorker{
		interval:  interval,
		retention: retention,
		repo:      repo,
		log:       &pruneLog,
	}
}

func (w *PruneWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting ledger prune worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping ledger prune worker")
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-w.retention)
			n, err := w.repo.PruneBefore(ctx, repository.NoTX, cutoff)
			if err != nil {
				w.log.Error().Err(err).Msg("ledger prune error")
			}
			if n > 0 {
				w.log.Info().Int64("count", n).Msg("aged-out usage records pruned")
			}
		}
	}
}
