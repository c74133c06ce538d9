package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/dataset"
	"tabular-ai-analyst/internal/infra/metrics"
	"tabular-ai-analyst/internal/infra/sandbox"
	"tabular-ai-analyst/internal/infra/stream"
	"tabular-ai-analyst/internal/infra/worker"
)

// Compile-time check
var _ AnalysisUseCase = (*analysisUC)(nil)

// AnalysisUseCase accepts tool requests from the LLM orchestration
// layer, validates them synchronously and hands the accepted ones to
// the worker pool. Everything after acceptance is reported through the
// event stream, never through the submitting call.
type AnalysisUseCase interface {
	SubmitToolRequest(ctx context.Context, userID string, req model.ToolRequest) (*model.Job, error)
	CancelJob(ctx context.Context, jobID string) bool
	ListDatasets(ctx context.Context, conversationID string) []*model.Dataset
	GetDataset(ctx context.Context, conversationID, datasetID string) (*model.Dataset, error)
	RemoveDataset(ctx context.Context, conversationID, datasetID string) error
	// HandleJobTerminal finalizes registry state for finished load jobs.
	// Wired as the pool's terminal hook.
	HandleJobTerminal(job *model.Job)
}

type analysisUC struct {
	registry *dataset.Registry
	fetcher  *dataset.Fetcher
	store    *sandbox.Store
	pool     *worker.Manager
	bus      *stream.Bus
	limiter  RateLimitUseCase

	log *zerolog.Logger
}

func NewAnalysisUseCase(
	registry *dataset.Registry,
	fetcher *dataset.Fetcher,
	store *sandbox.Store,
	pool *worker.Manager,
	bus *stream.Bus,
	limiter RateLimitUseCase,
	logger *zerolog.Logger,
) *analysisUC {
	return &analysisUC{
		registry: registry,
		fetcher:  fetcher,
		store:    store,
		pool:     pool,
		bus:      bus,
		limiter:  limiter,
		log:      logger,
	}
}

func (a *analysisUC) SubmitToolRequest(ctx context.Context, userID string, req model.ToolRequest) (*model.Job, error) {
	if req.ConversationID == "" {
		return nil, domain.NewValidationError(domain.CodeUnsafeStatement, "conversation_id is required")
	}
	if strings.TrimSpace(req.Payload) == "" {
		return nil, domain.NewValidationError(domain.CodeUnsafeStatement, "payload is required")
	}

	if _, err := a.limiter.Admit(ctx, userID); err != nil {
		return nil, err
	}

	switch req.Kind {
	case model.JobKindLoadDataset:
		return a.submitLoad(ctx, userID, req)
	case model.JobKindRunQuery:
		return a.submitQuery(ctx, userID, req)
	default:
		return nil, domain.NewValidationError(domain.CodeUnsafeStatement, "unknown tool request kind")
	}
}

// submitLoad validates the URL synchronously, so a blocked or malformed
// URL never consumes a worker. A duplicate of an in-flight load attaches
// to the existing job instead of downloading twice.
func (a *analysisUC) submitLoad(ctx context.Context, userID string, req model.ToolRequest) (*model.Job, error) {
	sourceURL := strings.TrimSpace(req.Payload)
	if err := a.fetcher.ValidateURL(sourceURL); err != nil {
		return nil, err
	}

	if ds, jobID, ok := a.registry.InFlight(req.ConversationID, sourceURL); ok {
		a.log.Debug().Str("dataset_id", ds.ID).Str("job_id", jobID).Msg("attached to in-flight load")
		return &model.Job{
			ID:             jobID,
			Kind:           model.JobKindLoadDataset,
			ConversationID: req.ConversationID,
			UserID:         userID,
			DatasetID:      ds.ID,
			Payload:        sourceURL,
			State:          model.JobStateQueued,
		}, nil
	}

	ds, err := a.registry.Create(req.ConversationID, sourceURL)
	if err != nil {
		return nil, err
	}

	job := a.newJob(model.JobKindLoadDataset, req.ConversationID, userID, sourceURL)
	job.DatasetID = ds.ID
	a.registry.AttachJob(req.ConversationID, ds.ID, job.ID)

	if err := a.pool.Submit(job); err != nil {
		// Rejected by backpressure: the dataset entry must not linger as a
		// permanent phantom duplicate.
		a.registry.Remove(req.ConversationID, ds.ID)
		return nil, err
	}
	return job, nil
}

// submitQuery validates the statement and its table references before
// queueing. A reference to a table still loading is reported as
// dataset_not_ready so the client can retry, distinct from a table that
// never existed.
func (a *analysisUC) submitQuery(ctx context.Context, userID string, req model.ToolRequest) (*model.Job, error) {
	sqlText := strings.TrimSpace(req.Payload)
	if err := sandbox.ValidateQuery(sqlText); err != nil {
		return nil, err
	}

	ready := a.registry.Tables(req.ConversationID)
	for _, tbl := range sandbox.ReferencedTables(sqlText) {
		if _, ok := ready[strings.ToLower(tbl)]; ok {
			continue
		}
		if a.registry.Loading(req.ConversationID, tbl) {
			return nil, domain.NewValidationError(domain.CodeDatasetNotReady,
				"dataset '"+tbl+"' is still loading")
		}
		return nil, domain.NewValidationError(domain.CodeUnknownTable,
			"no dataset named '"+tbl+"' in this conversation")
	}

	job := a.newJob(model.JobKindRunQuery, req.ConversationID, userID, sqlText)
	if err := a.pool.Submit(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (a *analysisUC) newJob(kind model.JobKind, conversationID, userID, payload string) *model.Job {
	return &model.Job{
		ID:             ulid.Make().String(),
		Kind:           kind,
		ConversationID: conversationID,
		UserID:         userID,
		Payload:        payload,
	}
}

func (a *analysisUC) CancelJob(ctx context.Context, jobID string) bool {
	return a.pool.Cancel(jobID)
}

func (a *analysisUC) ListDatasets(ctx context.Context, conversationID string) []*model.Dataset {
	return a.registry.List(conversationID)
}

func (a *analysisUC) GetDataset(ctx context.Context, conversationID, datasetID string) (*model.Dataset, error) {
	ds, ok := a.registry.Get(conversationID, datasetID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ds, nil
}

// RemoveDataset drops both the registry entry and the materialized
// frame. A dataset still loading cannot be removed; cancel its job
// first.
func (a *analysisUC) RemoveDataset(ctx context.Context, conversationID, datasetID string) error {
	ds, ok := a.registry.Get(conversationID, datasetID)
	if !ok {
		return domain.ErrNotFound
	}
	if ds.Status == model.DatasetStatusLoading {
		return domain.NewValidationError(domain.CodeDatasetNotReady,
			"dataset is still loading, cancel its job first")
	}
	table, ok := a.registry.Remove(conversationID, datasetID)
	if !ok {
		return domain.ErrNotFound
	}
	if err := a.store.DropFrame(ctx, conversationID, table); err != nil {
		a.log.Warn().Err(err).Str("table", table).Msg("could not drop frame for removed dataset")
	}
	return nil
}

// HandleJobTerminal runs on the pool's dispatch loop after a job reaches
// a terminal state. Load jobs finalize their registry entry here, and
// dataset lifecycle events follow the job's terminal event.
func (a *analysisUC) HandleJobTerminal(job *model.Job) {
	if job.Kind != model.JobKindLoadDataset {
		return
	}

	if job.State == model.JobStateSucceeded && job.LoadResult != nil {
		lr := job.LoadResult
		a.registry.MarkReady(job.ConversationID, job.DatasetID, lr.Schema, lr.RowCount, lr.ColumnCount)
		metrics.IncDatasetLoad("ready")
		a.publishDatasetEvent(job, model.EventDatasetReady, "", "")
		return
	}

	ce := domain.AsCoded(job.Err)
	msg := "dataset load did not complete"
	code := ""
	if ce != nil {
		msg = ce.Message
		code = string(ce.Code)
	}
	a.registry.MarkError(job.ConversationID, job.DatasetID, msg)
	metrics.IncDatasetLoad("error")
	a.publishDatasetEvent(job, model.EventDatasetLoadError, code, msg)
}

func (a *analysisUC) publishDatasetEvent(job *model.Job, typ model.EventType, code, msg string) {
	a.bus.Publish(model.StreamEvent{
		Type:           typ,
		ConversationID: job.ConversationID,
		UserID:         job.UserID,
		JobID:          job.ID,
		JobKind:        job.Kind,
		DatasetID:      job.DatasetID,
		Code:           code,
		Message:        msg,
		At:             time.Now(),
	})
	metrics.IncStreamEvent(string(typ))
}
