//go:build !integration

package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/api"
	"tabular-ai-analyst/internal/infra/tokencount"
	"tabular-ai-analyst/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

type mockLimiter struct {
	RecordFunc func(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error)
}

var _ usecase.RateLimitUseCase = (*mockLimiter)(nil)

func (m *mockLimiter) Check(context.Context, string) (*model.RateLimitDecision, error) {
	return &model.RateLimitDecision{Allowed: true}, nil
}

func (m *mockLimiter) Admit(context.Context, string) (*model.RateLimitDecision, error) {
	return &model.RateLimitDecision{Allowed: true}, nil
}

func (m *mockLimiter) Record(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error) {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, userID, tokens)
	}
	return &model.RateLimitDecision{Allowed: true}, nil
}

func newInternalHandler(limiter *mockLimiter) http.Handler {
	r := chi.NewRouter()
	api.NewServer(limiter, tokencount.NewEstimator(), "internal-key", newTestLogger()).Register(r)
	return r
}

func postUsage(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/usage", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUsageKeyGuard(t *testing.T) {
	h := newInternalHandler(&mockLimiter{})

	if rec := postUsage(h, "", `{"user_id":"u1","input_tokens":10,"output_tokens":5}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rec.Code)
	}
	if rec := postUsage(h, "wrong-key", `{"user_id":"u1","input_tokens":10,"output_tokens":5}`); rec.Code != http.StatusForbidden {
		t.Errorf("wrong key status = %d, want 403", rec.Code)
	}
}

func TestUsageRecords(t *testing.T) {
	limiter := &mockLimiter{}
	var gotUser string
	var gotTokens int64
	limiter.RecordFunc = func(_ context.Context, userID string, tokens int64) (*model.RateLimitDecision, error) {
		gotUser, gotTokens = userID, tokens
		return &model.RateLimitDecision{Allowed: true, UsedTokens: tokens}, nil
	}
	h := newInternalHandler(limiter)

	// Input and output counts are summed into one ledger record.
	rec := postUsage(h, "internal-key", `{"user_id":"u1","input_tokens":1000,"output_tokens":234}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotUser != "u1" || gotTokens != 1234 {
		t.Errorf("recorded %q/%d", gotUser, gotTokens)
	}

	var d model.RateLimitDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.Allowed || d.UsedTokens != 1234 {
		t.Errorf("decision = %+v", d)
	}
}

func TestUsageEstimatesFromText(t *testing.T) {
	limiter := &mockLimiter{}
	var gotTokens int64
	limiter.RecordFunc = func(_ context.Context, _ string, tokens int64) (*model.RateLimitDecision, error) {
		gotTokens = tokens
		return &model.RateLimitDecision{Allowed: true}, nil
	}
	h := newInternalHandler(limiter)

	rec := postUsage(h, "internal-key", `{"user_id":"u1","text":"What was the average fare per city last month?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotTokens <= 0 {
		t.Errorf("estimated tokens = %d, want > 0", gotTokens)
	}
}

func TestUsageValidation(t *testing.T) {
	h := newInternalHandler(&mockLimiter{})

	if rec := postUsage(h, "internal-key", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
	if rec := postUsage(h, "internal-key", `{"input_tokens":5}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user status = %d, want 400", rec.Code)
	}
	if rec := postUsage(h, "internal-key", `{"user_id":"u1","input_tokens":-1,"output_tokens":3}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative count status = %d, want 400", rec.Code)
	}
}
