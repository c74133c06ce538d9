//go:build !integration

package postgres_test

import (
	"context"
	"sync"
	"time"

	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/domain/ports/repository"
	red "tabular-ai-analyst/internal/infra/redis"
)

// ---- Mock inner TokenUsageRepository ----

type MockTokenUsageRepo struct {
	mu         sync.Mutex
	AppendN    int
	WindowSumN int
	OldestN    int
	PruneN     int

	AppendFunc         func(ctx context.Context, tx repository.Tx, rec *model.TokenUsageRecord) error
	WindowSumFunc      func(ctx context.Context, tx repository.Tx, userID string, since time.Time) (int64, error)
	OldestInWindowFunc func(ctx context.Context, tx repository.Tx, userID string, since time.Time) (time.Time, error)
	PruneBeforeFunc    func(ctx context.Context, tx repository.Tx, cutoff time.Time) (int64, error)
}

var _ repository.TokenUsageRepository = (*MockTokenUsageRepo)(nil)

func (m *MockTokenUsageRepo) Append(ctx context.Context, tx repository.Tx, rec *model.TokenUsageRecord) error {
	m.mu.Lock()
	m.AppendN++
	m.mu.Unlock()
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, tx, rec)
	}
	return nil
}

func (m *MockTokenUsageRepo) WindowSum(ctx context.Context, tx repository.Tx, userID string, since time.Time) (int64, error) {
	m.mu.Lock()
	m.WindowSumN++
	m.mu.Unlock()
	if m.WindowSumFunc != nil {
		return m.WindowSumFunc(ctx, tx, userID, since)
	}
	return 0, nil
}

func (m *MockTokenUsageRepo) OldestInWindow(ctx context.Context, tx repository.Tx, userID string, since time.Time) (time.Time, error) {
	m.mu.Lock()
	m.OldestN++
	m.mu.Unlock()
	if m.OldestInWindowFunc != nil {
		return m.OldestInWindowFunc(ctx, tx, userID, since)
	}
	return time.Time{}, nil
}

func (m *MockTokenUsageRepo) PruneBefore(ctx context.Context, tx repository.Tx, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	m.PruneN++
	m.mu.Unlock()
	if m.PruneBeforeFunc != nil {
		return m.PruneBeforeFunc(ctx, tx, cutoff)
	}
	return 0, nil
}

// ---- In-memory RedisClient ----

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

var _ red.RedisClient = (*fakeRedis)(nil)

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Ping(context.Context) error { return nil }

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := value.(string); ok {
		f.data[key] = s
	}
	return nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", red.Nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRedis) Close() error { return nil }
