package worker

import (
	"context"
	"fmt"

	"tabular-ai-analyst/internal/domain/model"
)

// Runner executes one job body. Implementations route load_dataset to
// the dataset loader and run_query to the sandbox executor.
type Runner interface {
	Run(ctx context.Context, job *model.Job) (*model.QueryResult, *model.LoadResult, error)
}

type execRequest struct {
	ctx context.Context
	job *model.Job
}

type eventKind int

const (
	eventDone eventKind = iota
	eventCrashed
	eventDeadline
)

// workerEvent is the only message a worker (or a deadline timer) sends
// back to the dispatch loop. from identifies the exact worker incarnation
// so events from abandoned workers can be discarded.
type workerEvent struct {
	kind     eventKind
	from     *procWorker
	job      *model.Job
	queryRes *model.QueryResult
	loadRes  *model.LoadResult
	err      error
	panicVal any
}

// procWorker is one isolated execution context. The isolation contract:
// a panic inside Run is converted to a crash event at this boundary and
// never reaches the dispatch loop, and the loop may abandon a worker at
// any time without joining it.
type procWorker struct {
	id     string
	jobs   chan execRequest
	events chan<- workerEvent
	runner Runner
}

func newProcWorker(slot, generation int, runner Runner, events chan<- workerEvent) *procWorker {
	w := &procWorker{
		id:     fmt.Sprintf("w%d-%d", slot, generation),
		jobs:   make(chan execRequest, 1),
		events: events,
		runner: runner,
	}
	go w.run()
	return w
}

func (w *procWorker) run() {
	for req := range w.jobs {
		w.runOne(req)
	}
}

func (w *procWorker) runOne(req execRequest) {
	defer func() {
		if r := recover(); r != nil {
			w.events <- workerEvent{kind: eventCrashed, from: w, job: req.job, panicVal: r}
		}
	}()
	qr, lr, err := w.runner.Run(req.ctx, req.job)
	w.events <- workerEvent{kind: eventDone, from: w, job: req.job, queryRes: qr, loadRes: lr, err: err}
}

// submit hands the worker a job. The jobs channel has capacity one and
// the pool never submits to a busy worker, so this does not block.
func (w *procWorker) submit(ctx context.Context, job *model.Job) {
	w.jobs <- execRequest{ctx: ctx, job: job}
}

func (w *procWorker) stop() { close(w.jobs) }
