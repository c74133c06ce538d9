package repository

import (
	"context"
	"time"

	"tabular-ai-analyst/internal/domain/model"
)

// TokenUsageRepository is the append-only ledger behind the rate
// limiter. The rolling-window aggregates are computed from the rows, not
// from a mutable counter, so repeated reads without an intervening
// Append are identical.
type TokenUsageRepository interface {
	// Append inserts one record. Records are never updated or deleted
	// synchronously with a request.
	Append(ctx context.Context, tx Tx, rec *model.TokenUsageRecord) error
	// WindowSum returns the sum of Tokens for the user with
	// RecordedAt > since.
	WindowSum(ctx context.Context, tx Tx, userID string, since time.Time) (int64, error)
	// OldestInWindow returns the RecordedAt of the user's oldest record
	// with RecordedAt > since, or the zero time when none exist.
	OldestInWindow(ctx context.Context, tx Tx, userID string, since time.Time) (time.Time, error)
	// PruneBefore deletes records older than cutoff across all users and
	// reports how many rows went away. Background housekeeping only.
	PruneBefore(ctx context.Context, tx Tx, cutoff time.Time) (int64, error)
}
