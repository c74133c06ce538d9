package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/domain/ports/repository"
	"tabular-ai-analyst/internal/infra/metrics"
	red "tabular-ai-analyst/internal/infra/redis"
)

var _ repository.TokenUsageRepository = (*tokenUsageRepoCacheDecorator)(nil)

// tokenUsageRepoCacheDecorator memoizes the window aggregates for a
// short TTL. The window start is quantized to the second so repeated
// admission checks inside the same second share one ledger scan. Append
// invalidates the user's cached aggregates, so a check after a record is
// never served stale beyond the TTL.
type tokenUsageRepoCacheDecorator struct {
	inner repository.TokenUsageRepository
	cache red.RedisClient
	ttl   time.Duration
}

func NewTokenUsageRepoCacheDecorator(inner repository.TokenUsageRepository, cache red.RedisClient, ttl time.Duration) repository.TokenUsageRepository {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &tokenUsageRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl}
}

func (d *tokenUsageRepoCacheDecorator) Append(ctx context.Context, tx repository.Tx, rec *model.TokenUsageRecord) error {
	_ = d.cache.Del(ctx,
		fmt.Sprintf("usage_sum:%s", rec.UserID),
		fmt.Sprintf("usage_oldest:%s", rec.UserID),
	)
	return d.inner.Append(ctx, tx, rec)
}

func (d *tokenUsageRepoCacheDecorator) WindowSum(ctx context.Context, tx repository.Tx, userID string, since time.Time) (int64, error) {
	key := fmt.Sprintf("usage_sum:%s", userID)
	member := strconv.FormatInt(since.Unix(), 10)
	if val, err := d.cache.Get(ctx, key); err == nil {
		// value format: <since_unix>:<sum>
		var cachedSince, sum int64
		if n, _ := fmt.Sscanf(val, "%d:%d", &cachedSince, &sum); n == 2 && strconv.FormatInt(cachedSince, 10) == member {
			metrics.IncCacheRequest("usage_sum", "hit")
			return sum, nil
		}
	}
	metrics.IncCacheRequest("usage_sum", "miss")
	sum, err := d.inner.WindowSum(ctx, tx, userID, since)
	if err != nil {
		return 0, err
	}
	_ = d.cache.Set(ctx, key, fmt.Sprintf("%s:%d", member, sum), d.ttl)
	return sum, nil
}

func (d *tokenUsageRepoCacheDecorator) OldestInWindow(ctx context.Context, tx repository.Tx, userID string, since time.Time) (time.Time, error) {
	key := fmt.Sprintf("usage_oldest:%s", userID)
	member := strconv.FormatInt(since.Unix(), 10)
	if val, err := d.cache.Get(ctx, key); err == nil {
		var cachedSince, oldestNano int64
		if n, _ := fmt.Sscanf(val, "%d:%d", &cachedSince, &oldestNano); n == 2 && strconv.FormatInt(cachedSince, 10) == member {
			metrics.IncCacheRequest("usage_oldest", "hit")
			if oldestNano == 0 {
				return time.Time{}, nil
			}
			return time.Unix(0, oldestNano), nil
		}
	}
	metrics.IncCacheRequest("usage_oldest", "miss")
	oldest, err := d.inner.OldestInWindow(ctx, tx, userID, since)
	if err != nil {
		return time.Time{}, err
	}
	var nano int64
	if !oldest.IsZero() {
		nano = oldest.UnixNano()
	}
	_ = d.cache.Set(ctx, key, fmt.Sprintf("%s:%d", member, nano), d.ttl)
	return oldest, nil
}

func (d *tokenUsageRepoCacheDecorator) PruneBefore(ctx context.Context, tx repository.Tx, cutoff time.Time) (int64, error) {
	// Pruning only removes rows already outside every live window; the
	// cached aggregates stay valid.
	return d.inner.PruneBefore(ctx, tx, cutoff)
}
