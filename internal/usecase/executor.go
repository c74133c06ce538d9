package usecase

import (
	"context"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/dataset"
	"tabular-ai-analyst/internal/infra/sandbox"
)

// JobRunner is the body executed inside a worker. It routes the two job
// kinds to their engines and carries no job state of its own, so a
// worker crash loses nothing but the in-progress computation.
type JobRunner struct {
	registry *dataset.Registry
	loader   *dataset.Loader
	executor *sandbox.Executor
}

func NewJobRunner(registry *dataset.Registry, loader *dataset.Loader, executor *sandbox.Executor) *JobRunner {
	return &JobRunner{registry: registry, loader: loader, executor: executor}
}

func (r *JobRunner) Run(ctx context.Context, job *model.Job) (*model.QueryResult, *model.LoadResult, error) {
	switch job.Kind {
	case model.JobKindLoadDataset:
		ds, ok := r.registry.Get(job.ConversationID, job.DatasetID)
		if !ok {
			return nil, nil, domain.NewInfrastructureError(domain.CodeInternal,
				"dataset entry vanished before load started", nil)
		}
		lr, err := r.loader.Load(ctx, ds)
		return nil, lr, err
	case model.JobKindRunQuery:
		qr, err := r.executor.Execute(ctx, job.ConversationID, job.Payload)
		return qr, nil, err
	default:
		return nil, nil, domain.NewValidationError(domain.CodeUnsafeStatement, "unknown job kind")
	}
}
