//go:build !integration

package usecase_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/domain/ports/repository"
	"tabular-ai-analyst/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// ---- Mock TokenUsageRepository ----

type MockTokenUsageRepo struct {
	mu       sync.Mutex
	Appended []*model.TokenUsageRecord

	AppendFunc         func(ctx context.Context, tx repository.Tx, rec *model.TokenUsageRecord) error
	WindowSumFunc      func(ctx context.Context, tx repository.Tx, userID string, since time.Time) (int64, error)
	OldestInWindowFunc func(ctx context.Context, tx repository.Tx, userID string, since time.Time) (time.Time, error)
	PruneBeforeFunc    func(ctx context.Context, tx repository.Tx, cutoff time.Time) (int64, error)
}

var _ repository.TokenUsageRepository = (*MockTokenUsageRepo)(nil)

func NewMockTokenUsageRepo() *MockTokenUsageRepo { return &MockTokenUsageRepo{} }

func (m *MockTokenUsageRepo) Append(ctx context.Context, tx repository.Tx, rec *model.TokenUsageRecord) error {
	m.mu.Lock()
	m.Appended = append(m.Appended, rec)
	m.mu.Unlock()
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, tx, rec)
	}
	return nil
}

func (m *MockTokenUsageRepo) WindowSum(ctx context.Context, tx repository.Tx, userID string, since time.Time) (int64, error) {
	if m.WindowSumFunc != nil {
		return m.WindowSumFunc(ctx, tx, userID, since)
	}
	return 0, nil
}

func (m *MockTokenUsageRepo) OldestInWindow(ctx context.Context, tx repository.Tx, userID string, since time.Time) (time.Time, error) {
	if m.OldestInWindowFunc != nil {
		return m.OldestInWindowFunc(ctx, tx, userID, since)
	}
	return time.Time{}, nil
}

func (m *MockTokenUsageRepo) PruneBefore(ctx context.Context, tx repository.Tx, cutoff time.Time) (int64, error) {
	if m.PruneBeforeFunc != nil {
		return m.PruneBeforeFunc(ctx, tx, cutoff)
	}
	return 0, nil
}

// ---- Mock RateLimitUseCase ----

var _ usecase.RateLimitUseCase = (*MockRateLimit)(nil)

type MockRateLimit struct {
	CheckFunc  func(ctx context.Context, userID string) (*model.RateLimitDecision, error)
	AdmitFunc  func(ctx context.Context, userID string) (*model.RateLimitDecision, error)
	RecordFunc func(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error)
}

func (m *MockRateLimit) Check(ctx context.Context, userID string) (*model.RateLimitDecision, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, userID)
	}
	return &model.RateLimitDecision{Allowed: true}, nil
}

func (m *MockRateLimit) Admit(ctx context.Context, userID string) (*model.RateLimitDecision, error) {
	if m.AdmitFunc != nil {
		return m.AdmitFunc(ctx, userID)
	}
	return &model.RateLimitDecision{Allowed: true}, nil
}

func (m *MockRateLimit) Record(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error) {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, userID, tokens)
	}
	return &model.RateLimitDecision{Allowed: true}, nil
}

// ---- Event capture ----

type CaptureBus struct {
	mu     sync.Mutex
	Events []model.StreamEvent
}

func (b *CaptureBus) Publish(ev model.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, ev)
}

func (b *CaptureBus) ByType(typ model.EventType) []model.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.StreamEvent
	for _, ev := range b.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
