package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/domain/ports/repository"
)

var _ repository.TokenUsageRepository = (*tokenUsageRepo)(nil)

// tokenUsageRepo persists the append-only token ledger. Expected table:
//
//	CREATE TABLE IF NOT EXISTS token_usage (
//	  id          UUID PRIMARY KEY,
//	  user_id     TEXT NOT NULL,
//	  tokens      BIGINT NOT NULL,
//	  recorded_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS idx_token_usage_user_time
//	  ON token_usage (user_id, recorded_at);
type tokenUsageRepo struct {
	pool *pgxpool.Pool
}

func NewTokenUsageRepo(pool *pgxpool.Pool) *tokenUsageRepo {
	return &tokenUsageRepo{pool: pool}
}

func (r *tokenUsageRepo) Append(ctx context.Context, tx repository.Tx, rec *model.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	const q = `
INSERT INTO token_usage (id, user_id, tokens, recorded_at)
VALUES ($1, $2, $3, $4);`

	_, err := execSQL(ctx, r.pool, tx, q, rec.ID, rec.UserID, rec.Tokens, rec.RecordedAt)
	return err
}

func (r *tokenUsageRepo) WindowSum(ctx context.Context, tx repository.Tx, userID string, since time.Time) (int64, error) {
	const q = `
SELECT COALESCE(SUM(tokens), 0)
FROM token_usage
WHERE user_id = $1 AND recorded_at > $2;`

	row, err := pickRow(ctx, r.pool, tx, q, userID, since)
	if err != nil {
		return 0, err
	}
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return sum, nil
}

func (r *tokenUsageRepo) OldestInWindow(ctx context.Context, tx repository.Tx, userID string, since time.Time) (time.Time, error) {
	const q = `
SELECT recorded_at
FROM token_usage
WHERE user_id = $1 AND recorded_at > $2
ORDER BY recorded_at
LIMIT 1;`

	row, err := pickRow(ctx, r.pool, tx, q, userID, since)
	if err != nil {
		return time.Time{}, err
	}
	var oldest time.Time
	if err := row.Scan(&oldest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, domain.ErrReadDatabaseRow
	}
	return oldest, nil
}

func (r *tokenUsageRepo) PruneBefore(ctx context.Context, tx repository.Tx, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM token_usage WHERE recorded_at < $1;`

	tag, err := execSQL(ctx, r.pool, tx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
