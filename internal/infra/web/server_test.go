//go:build !integration

package web_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/api"
	"tabular-ai-analyst/internal/infra/stream"
	"tabular-ai-analyst/internal/infra/tokencount"
	"tabular-ai-analyst/internal/infra/web"
	"tabular-ai-analyst/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// ---- Mocks ----

type mockAnalysis struct {
	SubmitToolRequestFunc func(ctx context.Context, userID string, req model.ToolRequest) (*model.Job, error)
	CancelJobFunc         func(ctx context.Context, jobID string) bool
	ListDatasetsFunc      func(ctx context.Context, conversationID string) []*model.Dataset
	GetDatasetFunc        func(ctx context.Context, conversationID, datasetID string) (*model.Dataset, error)
	RemoveDatasetFunc     func(ctx context.Context, conversationID, datasetID string) error
}

var _ usecase.AnalysisUseCase = (*mockAnalysis)(nil)

func (m *mockAnalysis) SubmitToolRequest(ctx context.Context, userID string, req model.ToolRequest) (*model.Job, error) {
	if m.SubmitToolRequestFunc != nil {
		return m.SubmitToolRequestFunc(ctx, userID, req)
	}
	return &model.Job{ID: "job-1", Kind: req.Kind, State: model.JobStateQueued}, nil
}

func (m *mockAnalysis) CancelJob(ctx context.Context, jobID string) bool {
	if m.CancelJobFunc != nil {
		return m.CancelJobFunc(ctx, jobID)
	}
	return false
}

func (m *mockAnalysis) ListDatasets(ctx context.Context, conversationID string) []*model.Dataset {
	if m.ListDatasetsFunc != nil {
		return m.ListDatasetsFunc(ctx, conversationID)
	}
	return nil
}

func (m *mockAnalysis) GetDataset(ctx context.Context, conversationID, datasetID string) (*model.Dataset, error) {
	if m.GetDatasetFunc != nil {
		return m.GetDatasetFunc(ctx, conversationID, datasetID)
	}
	return nil, domain.ErrNotFound
}

func (m *mockAnalysis) RemoveDataset(ctx context.Context, conversationID, datasetID string) error {
	if m.RemoveDatasetFunc != nil {
		return m.RemoveDatasetFunc(ctx, conversationID, datasetID)
	}
	return domain.ErrNotFound
}

func (m *mockAnalysis) HandleJobTerminal(*model.Job) {}

type mockLimiter struct {
	CheckFunc  func(ctx context.Context, userID string) (*model.RateLimitDecision, error)
	RecordFunc func(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error)
}

var _ usecase.RateLimitUseCase = (*mockLimiter)(nil)

func (m *mockLimiter) Check(ctx context.Context, userID string) (*model.RateLimitDecision, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, userID)
	}
	return &model.RateLimitDecision{Allowed: true, RemainingTokens: 1000}, nil
}

func (m *mockLimiter) Admit(ctx context.Context, userID string) (*model.RateLimitDecision, error) {
	return m.Check(ctx, userID)
}

func (m *mockLimiter) Record(ctx context.Context, userID string, tokens int64) (*model.RateLimitDecision, error) {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, userID, tokens)
	}
	return &model.RateLimitDecision{Allowed: true}, nil
}

// ---- Fixture ----

type webFixture struct {
	analysis *mockAnalysis
	limiter  *mockLimiter
	bus      *stream.Bus
	auth     *web.AuthManager
	handler  http.Handler
	token    string
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	log := newTestLogger()
	analysis := &mockAnalysis{}
	limiter := &mockLimiter{}
	bus := stream.NewBus(16, log)
	auth := web.NewAuthManager("test-secret", false, time.Hour)

	internal := api.NewServer(limiter, tokencount.NewEstimator(), "internal-key", log)
	srv := web.NewServer(analysis, limiter, bus, auth, log)

	token, err := auth.Mint(httptest.NewRecorder(), "u1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return &webFixture{
		analysis: analysis,
		limiter:  limiter,
		bus:      bus,
		auth:     auth,
		handler:  srv.Router(internal),
		token:    token,
	}
}

func (f *webFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// ---- Tests ----

func TestHealth(t *testing.T) {
	f := newWebFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSessionGuard(t *testing.T) {
	f := newWebFixture(t)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit", nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		if rec := f.do(http.MethodGet, "/api/v1/ratelimit", ""); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: f.token})
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("query parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit?token="+f.token, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestToolRequestAccepted(t *testing.T) {
	f := newWebFixture(t)
	var gotUser, gotConv string
	f.analysis.SubmitToolRequestFunc = func(_ context.Context, userID string, req model.ToolRequest) (*model.Job, error) {
		gotUser, gotConv = userID, req.ConversationID
		return &model.Job{ID: "j-7", Kind: req.Kind, State: model.JobStateQueued, DatasetID: "ds-1"}, nil
	}

	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/tool-requests",
		`{"kind":"load_dataset","payload":"https://example.com/trips.csv"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if gotUser != "u1" || gotConv != "c1" {
		t.Errorf("user=%q conv=%q", gotUser, gotConv)
	}

	var body struct {
		JobID     string `json:"job_id"`
		State     string `json:"state"`
		DatasetID string `json:"dataset_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.JobID != "j-7" || body.State != "queued" || body.DatasetID != "ds-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestConversationIDValidation(t *testing.T) {
	f := newWebFixture(t)
	called := false
	f.analysis.SubmitToolRequestFunc = func(context.Context, string, model.ToolRequest) (*model.Job, error) {
		called = true
		return &model.Job{}, nil
	}
	f.analysis.ListDatasetsFunc = func(context.Context, string) []*model.Dataset {
		called = true
		return nil
	}

	// IDs that could rewrite the sandbox DSN or its table namespace are
	// rejected before any use case runs.
	bad := []string{
		"evil%3Fmode%3Drwc%26cache%3Dshared",
		"a%2Fb",
		"sp%20ace",
	}
	for _, id := range bad {
		rec := f.do(http.MethodPost, "/api/v1/conversations/"+id+"/tool-requests",
			`{"kind":"run_query","payload":"SELECT 1"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("tool request with id %q: status = %d, want 400", id, rec.Code)
		}
		if rec := f.do(http.MethodGet, "/api/v1/conversations/"+id+"/datasets", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("list with id %q: status = %d, want 400", id, rec.Code)
		}
	}
	if called {
		t.Error("invalid conversation id must not reach the use case")
	}

	if rec := f.do(http.MethodGet, "/api/v1/conversations/conv_A-1/datasets", ""); rec.Code != http.StatusOK {
		t.Errorf("well-formed id rejected: %d", rec.Code)
	}
}

func TestToolRequestInvalidBody(t *testing.T) {
	f := newWebFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/tool-requests", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestToolRequestValidationError(t *testing.T) {
	f := newWebFixture(t)
	f.analysis.SubmitToolRequestFunc = func(context.Context, string, model.ToolRequest) (*model.Job, error) {
		return nil, domain.NewValidationError(domain.CodeUnsafeStatement, "only read-only SELECT statements are allowed")
	}

	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/tool-requests",
		`{"kind":"run_query","payload":"DROP TABLE trips"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Error struct {
			Class string `json:"class"`
			Code  string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "unsafe_statement" || body.Error.Class != "validation_error" {
		t.Errorf("body = %+v", body)
	}
}

func TestToolRequestQueueFull(t *testing.T) {
	f := newWebFixture(t)
	f.analysis.SubmitToolRequestFunc = func(context.Context, string, model.ToolRequest) (*model.Job, error) {
		return nil, domain.NewAdmissionError(domain.CodeQueueFull, "job queue is full, retry shortly")
	}

	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/tool-requests",
		`{"kind":"run_query","payload":"SELECT 1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestToolRequestRateLimited(t *testing.T) {
	f := newWebFixture(t)
	f.analysis.SubmitToolRequestFunc = func(context.Context, string, model.ToolRequest) (*model.Job, error) {
		return nil, domain.NewAdmissionError(domain.CodeRateLimited, "daily token budget exhausted")
	}
	f.limiter.CheckFunc = func(context.Context, string) (*model.RateLimitDecision, error) {
		return &model.RateLimitDecision{Allowed: false, Warning: true, UsagePercent: 104, ResetsInSeconds: 1800}, nil
	}

	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/tool-requests",
		`{"kind":"run_query","payload":"SELECT 1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var d model.RateLimitDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Allowed || d.ResetsInSeconds != 1800 {
		t.Errorf("decision body = %+v", d)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/ratelimit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	f.limiter.CheckFunc = func(context.Context, string) (*model.RateLimitDecision, error) {
		return &model.RateLimitDecision{Allowed: false}, nil
	}
	rec = f.do(http.MethodGet, "/api/v1/ratelimit", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("blocked status = %d, want 429", rec.Code)
	}
}

func TestDatasetEndpoints(t *testing.T) {
	f := newWebFixture(t)
	ds := &model.Dataset{ID: "ds-1", Name: "trips", TableName: "trips", Status: model.DatasetStatusReady}

	f.analysis.ListDatasetsFunc = func(_ context.Context, conv string) []*model.Dataset {
		if conv != "c1" {
			t.Errorf("conv = %q", conv)
		}
		return []*model.Dataset{ds}
	}
	rec := f.do(http.MethodGet, "/api/v1/conversations/c1/datasets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Datasets []*model.Dataset `json:"datasets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Datasets) != 1 || listed.Datasets[0].ID != "ds-1" {
		t.Errorf("listed = %+v", listed)
	}

	rec = f.do(http.MethodGet, "/api/v1/conversations/c1/datasets/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", rec.Code)
	}

	f.analysis.RemoveDatasetFunc = func(context.Context, string, string) error { return nil }
	rec = f.do(http.MethodDelete, "/api/v1/conversations/c1/datasets/ds-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}

	f.analysis.RemoveDatasetFunc = func(context.Context, string, string) error {
		return domain.NewValidationError(domain.CodeDatasetNotReady, "dataset is still loading, cancel its job first")
	}
	rec = f.do(http.MethodDelete, "/api/v1/conversations/c1/datasets/ds-2", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("delete loading status = %d, want 400", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/jobs/unknown/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}

	f.analysis.CancelJobFunc = func(_ context.Context, jobID string) bool { return jobID == "j-1" }
	rec = f.do(http.MethodPost, "/api/v1/jobs/j-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cancelled") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
