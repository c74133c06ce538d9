//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/domain/ports/repository"
	"tabular-ai-analyst/internal/usecase"
)

const (
	testCeiling = int64(5_000_000)
	testWarnAt  = 0.8
	testWindow  = 24 * time.Hour
)

func newRateLimiter(repo repository.TokenUsageRepository, bus *CaptureBus) usecase.RateLimitUseCase {
	return usecase.NewRateLimitUseCase(repo, bus, testCeiling, testWarnAt, testWindow, newTestLogger())
}

func TestRateLimitCheckDecisions(t *testing.T) {
	cases := []struct {
		name        string
		used        int64
		wantAllowed bool
		wantWarning bool
		wantRemain  int64
	}{
		{"empty window", 0, true, false, testCeiling},
		{"light usage", 1_000_000, true, false, 4_000_000},
		{"just under warn threshold", 3_999_999, true, false, 1_000_001},
		{"exactly at warn threshold", 4_000_000, true, true, 1_000_000},
		{"one past warn threshold", 4_000_001, true, true, 999_999},
		{"one under ceiling", 4_999_999, true, true, 1},
		{"exactly at ceiling", 5_000_000, false, true, 0},
		{"past ceiling", 5_000_500, false, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := NewMockTokenUsageRepo()
			repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (int64, error) {
				return tc.used, nil
			}
			uc := newRateLimiter(repo, &CaptureBus{})

			d, err := uc.Check(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if d.Allowed != tc.wantAllowed || d.Warning != tc.wantWarning {
				t.Errorf("allowed=%v warning=%v, want %v/%v", d.Allowed, d.Warning, tc.wantAllowed, tc.wantWarning)
			}
			if d.RemainingTokens != tc.wantRemain {
				t.Errorf("remaining = %d, want %d", d.RemainingTokens, tc.wantRemain)
			}
			if d.UsedTokens != tc.used {
				t.Errorf("used = %d, want %d", d.UsedTokens, tc.used)
			}
		})
	}
}

func TestRateLimitCheckWindowBounds(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	var gotSince time.Time
	repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, since time.Time) (int64, error) {
		gotSince = since
		return 0, nil
	}
	uc := newRateLimiter(repo, &CaptureBus{})

	before := time.Now()
	if _, err := uc.Check(context.Background(), "user-1"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	lo := before.Add(-testWindow)
	hi := time.Now().Add(-testWindow)
	if gotSince.Before(lo) || gotSince.After(hi) {
		t.Errorf("since = %v, want within [%v, %v]", gotSince, lo, hi)
	}
}

func TestRateLimitResetsInSeconds(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (int64, error) {
		return 1_000, nil
	}
	repo.OldestInWindowFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (time.Time, error) {
		// The oldest record ages out one hour from now.
		return time.Now().Add(-testWindow + time.Hour), nil
	}
	uc := newRateLimiter(repo, &CaptureBus{})

	d, err := uc.Check(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.ResetsInSeconds < 3590 || d.ResetsInSeconds > 3600 {
		t.Errorf("resets_in_seconds = %d, want ~3600", d.ResetsInSeconds)
	}
}

func TestRateLimitAdmit(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	used := int64(0)
	repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (int64, error) {
		return used, nil
	}
	uc := newRateLimiter(repo, &CaptureBus{})

	if _, err := uc.Admit(context.Background(), "user-1"); err != nil {
		t.Fatalf("Admit under ceiling: %v", err)
	}

	used = testCeiling
	d, err := uc.Admit(context.Background(), "user-1")
	var ce *domain.CodedError
	if !errors.As(err, &ce) || ce.Code != domain.CodeRateLimited {
		t.Fatalf("want rate_limited, got %v", err)
	}
	if d == nil || d.Allowed {
		t.Errorf("blocked Admit must still return the decision, got %+v", d)
	}
}

func TestRateLimitRecordAppends(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	total := int64(0)
	repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (int64, error) {
		return total, nil
	}
	repo.AppendFunc = func(_ context.Context, _ repository.Tx, rec *model.TokenUsageRecord) error {
		total += rec.Tokens
		return nil
	}
	uc := newRateLimiter(repo, &CaptureBus{})

	d, err := uc.Record(context.Background(), "user-1", 1_500)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if d.UsedTokens != 1_500 {
		t.Errorf("used after record = %d, want 1500", d.UsedTokens)
	}
	if len(repo.Appended) != 1 {
		t.Fatalf("appended %d records, want 1", len(repo.Appended))
	}
	rec := repo.Appended[0]
	if rec.UserID != "user-1" || rec.Tokens != 1_500 || rec.ID == "" || rec.RecordedAt.IsZero() {
		t.Errorf("bad record: %+v", rec)
	}
}

func TestRateLimitRecordZeroTokens(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	uc := newRateLimiter(repo, &CaptureBus{})

	for _, tokens := range []int64{0, -5} {
		if _, err := uc.Record(context.Background(), "user-1", tokens); err != nil {
			t.Fatalf("Record(%d): %v", tokens, err)
		}
	}
	if len(repo.Appended) != 0 {
		t.Errorf("non-positive token counts must not reach the ledger, appended %d", len(repo.Appended))
	}
}

func TestRateLimitWarningPublishedOnCrossing(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	total := int64(3_900_000)
	repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (int64, error) {
		return total, nil
	}
	repo.AppendFunc = func(_ context.Context, _ repository.Tx, rec *model.TokenUsageRecord) error {
		total += rec.Tokens
		return nil
	}
	bus := &CaptureBus{}
	uc := newRateLimiter(repo, bus)

	// Crosses 80%: one warning event.
	if _, err := uc.Record(context.Background(), "user-1", 200_000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := bus.ByType(model.EventRateLimitWarning); len(got) != 1 {
		t.Fatalf("warning events = %d, want 1", len(got))
	}

	// Already past the threshold: no repeat warning.
	if _, err := uc.Record(context.Background(), "user-1", 100_000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := bus.ByType(model.EventRateLimitWarning); len(got) != 1 {
		t.Errorf("warning events after second record = %d, want 1", len(got))
	}
	if got := bus.ByType(model.EventRateLimitExceeded); len(got) != 0 {
		t.Errorf("unexpected exceeded events: %d", len(got))
	}
}

func TestRateLimitExceededPublishedOnCrossing(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	total := int64(4_950_000)
	repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (int64, error) {
		return total, nil
	}
	repo.AppendFunc = func(_ context.Context, _ repository.Tx, rec *model.TokenUsageRecord) error {
		total += rec.Tokens
		return nil
	}
	bus := &CaptureBus{}
	uc := newRateLimiter(repo, bus)

	d, err := uc.Record(context.Background(), "user-1", 100_000)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if d.Allowed {
		t.Error("decision after crossing the ceiling must block")
	}

	// Crossing the ceiling emits exceeded, not a second warning.
	if got := bus.ByType(model.EventRateLimitExceeded); len(got) != 1 {
		t.Fatalf("exceeded events = %d, want 1", len(got))
	}
	ev := bus.ByType(model.EventRateLimitExceeded)[0]
	if ev.UserID != "user-1" || ev.UsagePercent < 100 {
		t.Errorf("exceeded event = %+v", ev)
	}
}

func TestRateLimitLedgerErrorSurfaces(t *testing.T) {
	repo := NewMockTokenUsageRepo()
	repo.WindowSumFunc = func(_ context.Context, _ repository.Tx, _ string, _ time.Time) (int64, error) {
		return 0, errors.New("connection refused")
	}
	uc := newRateLimiter(repo, &CaptureBus{})

	_, err := uc.Check(context.Background(), "user-1")
	var ce *domain.CodedError
	if !errors.As(err, &ce) || ce.Code != domain.CodeInternal {
		t.Fatalf("want internal error, got %v", err)
	}
}
