package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/metrics"
)

// EventPublisher receives every job state transition. Implemented by the
// streaming event bus.
type EventPublisher interface {
	Publish(ev model.StreamEvent)
}

type Config struct {
	PoolSize     int
	QueryTimeout time.Duration
	LoadTimeout  time.Duration
}

// slot is one position in the fixed-size pool. The procWorker occupying
// it changes on respawn; generation disambiguates events from abandoned
// incarnations.
type slot struct {
	index      int
	generation int
	current    *procWorker
	job        *model.Job
	cancel     context.CancelFunc
	restarts   int
}

// Manager owns the worker pool and the dispatch loop. All worker and
// job state mutation happens on the loop goroutine; the queue, HTTP
// handlers and workers communicate with it exclusively through channels.
type Manager struct {
	cfg    Config
	queue  *Queue
	runner Runner
	bus    EventPublisher
	log    *zerolog.Logger

	// OnTerminal, when set before Start, runs on the dispatch loop after
	// a job reaches its terminal state. Used to finalize registry state.
	OnTerminal func(job *model.Job)

	slots    []*slot
	events   chan workerEvent
	cancelCh chan cancelRequest
	quit     chan struct{}
	done     chan struct{}
}

type cancelRequest struct {
	jobID string
	reply chan bool
}

func NewManager(cfg Config, queue *Queue, runner Runner, bus EventPublisher, log *zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		queue:    queue,
		runner:   runner,
		bus:      bus,
		log:      log,
		events:   make(chan workerEvent, cfg.PoolSize*4+16),
		cancelCh: make(chan cancelRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the workers and the dispatch loop.
func (m *Manager) Start() {
	m.slots = make([]*slot, m.cfg.PoolSize)
	for i := range m.slots {
		s := &slot{index: i}
		s.current = newProcWorker(i, s.generation, m.runner, m.events)
		m.slots[i] = s
	}
	go m.loop()
	m.log.Info().Int("pool_size", m.cfg.PoolSize).Msg("worker pool started")
}

// Shutdown stops dispatching, cancels running jobs and waits for the
// loop to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.quit)
	select {
	case <-m.done:
	case <-ctx.Done():
	}
}

// Submit publishes the queued event and enqueues the job. The queued
// event is emitted before the job becomes dispatchable so per-job event
// order is always queued -> running -> terminal.
func (m *Manager) Submit(job *model.Job) error {
	job.State = model.JobStateQueued
	job.QueuedAt = time.Now()
	m.publishJob(job, "")
	if err := m.queue.Enqueue(job); err != nil {
		// The queued event is already out; close the job's stream history
		// with a terminal event rather than leaving it dangling.
		job.State = model.JobStateCancelled
		job.FinishedAt = time.Now()
		job.Err = err
		m.publishJob(job, domain.AsCoded(err).Message)
		return err
	}
	return nil
}

// Cancel cancels a queued or running job. Cancelling is never silent: a
// cancelled job always produces a terminal event.
func (m *Manager) Cancel(jobID string) bool {
	req := cancelRequest{jobID: jobID, reply: make(chan bool, 1)}
	select {
	case m.cancelCh <- req:
		return <-req.reply
	case <-m.quit:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		m.dispatchReady()
		select {
		case <-m.quit:
			m.drain()
			return
		case <-m.queue.Notify():
		case ev := <-m.events:
			m.handleEvent(ev)
		case req := <-m.cancelCh:
			req.reply <- m.handleCancel(req.jobID)
		}
	}
}

// dispatchReady assigns queued jobs to idle workers until one of the two
// runs out.
func (m *Manager) dispatchReady() {
	for {
		s := m.idleSlot()
		if s == nil {
			return
		}
		job := m.queue.Dequeue()
		if job == nil {
			return
		}
		m.assign(s, job)
	}
}

func (m *Manager) idleSlot() *slot {
	for _, s := range m.slots {
		if s.job == nil {
			return s
		}
	}
	return nil
}

func (m *Manager) assign(s *slot, job *model.Job) {
	deadline := m.cfg.QueryTimeout
	if job.Kind == model.JobKindLoadDataset {
		deadline = m.cfg.LoadTimeout
	}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(deadline))

	s.job = job
	s.cancel = cancel
	job.State = model.JobStateRunning
	job.StartedAt = time.Now()
	job.WorkerID = s.current.id

	// The manager, not the worker, is the deadline authority: the timer
	// fires into the loop even if the worker is wedged.
	from := s.current
	time.AfterFunc(deadline, func() {
		select {
		case m.events <- workerEvent{kind: eventDeadline, from: from, job: job}:
		case <-m.done:
		}
	})

	m.publishJob(job, "")
	m.updateBusyGauge()
	m.log.Debug().Str("job_id", job.ID).Str("worker", s.current.id).Str("kind", string(job.Kind)).Msg("job dispatched")
	s.current.submit(ctx, job)
}

func (m *Manager) handleEvent(ev workerEvent) {
	s := m.slotFor(ev.from)
	if s == nil || s.job == nil || s.job.ID != ev.job.ID {
		// Event from an abandoned worker incarnation or for a job the
		// loop already finalized.
		return
	}
	switch ev.kind {
	case eventDone:
		m.finishOnSlot(s, ev)
	case eventCrashed:
		m.log.Warn().Str("job_id", ev.job.ID).Str("worker", ev.from.id).Interface("panic", ev.panicVal).Msg("worker crashed")
		m.respawn(s)
		m.handleCrash(s, ev.job)
	case eventDeadline:
		m.log.Warn().Str("job_id", ev.job.ID).Str("worker", ev.from.id).Msg("job deadline exceeded, terminating worker")
		m.terminate(s)
		m.finalize(s.job, model.JobStateTimedOut,
			domain.NewResourceError(domain.CodeTimeout, "job exceeded its deadline"))
		m.clearSlot(s)
	}
}

// finishOnSlot handles a normal completion from the current worker.
func (m *Manager) finishOnSlot(s *slot, ev workerEvent) {
	job := s.job
	state := model.JobStateSucceeded
	if ev.err != nil {
		state = model.JobStateFailed
	}
	job.QueryResult = ev.queryRes
	job.LoadResult = ev.loadRes
	m.finalize(job, state, ev.err)
	m.clearSlot(s)
}

// handleCrash applies the per-kind retry policy: one retry for run_query
// on its first crash, none for load_dataset, none for timeouts.
func (m *Manager) handleCrash(s *slot, job *model.Job) {
	m.bus.Publish(model.StreamEvent{
		Type:           model.EventJobCrashed,
		ConversationID: job.ConversationID,
		UserID:         job.UserID,
		JobID:          job.ID,
		JobKind:        job.Kind,
		Code:           string(domain.CodeWorkerCrashed),
		Message:        "worker crashed while running the job",
		At:             time.Now(),
	})
	metrics.IncStreamEvent(string(model.EventJobCrashed))

	job.Crashes++
	if job.Kind == model.JobKindRunQuery && job.Crashes == 1 {
		job.State = model.JobStateQueued
		job.WorkerID = ""
		m.queue.Release(job.ConversationID)
		m.queue.Requeue(job)
		m.publishJob(job, "retrying on another worker after a crash")
		s.job = nil
		s.cancel = nil
		m.updateBusyGauge()
		return
	}
	m.finalize(job, model.JobStateFailed,
		domain.NewInfrastructureError(domain.CodeWorkerCrashed, "worker crashed while running the job", nil))
	m.clearSlot(s)
}

// finalize records the terminal state and reports it. Exactly one
// terminal event is published per accepted job.
func (m *Manager) finalize(job *model.Job, state model.JobState, err error) {
	job.State = state
	job.FinishedAt = time.Now()
	job.Err = err

	metrics.IncJobProcessed(string(job.Kind), string(state))
	if !job.StartedAt.IsZero() {
		metrics.ObserveJobDuration(string(job.Kind), float64(job.FinishedAt.Sub(job.StartedAt).Milliseconds()))
	}

	msg := ""
	if err != nil {
		msg = domain.AsCoded(err).Message
	}
	m.publishJob(job, msg)

	if m.OnTerminal != nil {
		m.OnTerminal(job)
	}

	lvl := m.log.Info()
	if err != nil {
		lvl = m.log.Warn().Err(err)
	}
	lvl.Str("job_id", job.ID).Str("state", string(state)).Msg("job finished")
}

// terminate abandons the slot's worker: its context is cancelled, it is
// replaced, and any late event it sends is discarded by the generation
// check. A wedged worker can therefore never stall the loop.
func (m *Manager) terminate(s *slot) {
	if s.cancel != nil {
		s.cancel()
	}
	m.respawn(s)
}

func (m *Manager) respawn(s *slot) {
	s.generation++
	s.restarts++
	s.current = newProcWorker(s.index, s.generation, m.runner, m.events)
	metrics.IncWorkerRestart()
}

func (m *Manager) clearSlot(s *slot) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.job != nil {
		m.queue.Release(s.job.ConversationID)
		s.job = nil
	}
	m.updateBusyGauge()
}

func (m *Manager) handleCancel(jobID string) bool {
	// Still queued: remove with no side effects.
	if job := m.queue.Cancel(jobID); job != nil {
		m.finalize(job, model.JobStateCancelled,
			domain.NewAdmissionError(domain.CodeCancelled, "job cancelled before it started"))
		return true
	}
	// Running: same path as a timeout, terminate the worker.
	for _, s := range m.slots {
		if s.job != nil && s.job.ID == jobID {
			m.terminate(s)
			m.finalize(s.job, model.JobStateCancelled,
				domain.NewAdmissionError(domain.CodeCancelled, "job cancelled while running"))
			m.clearSlot(s)
			return true
		}
	}
	return false
}

func (m *Manager) slotFor(w *procWorker) *slot {
	for _, s := range m.slots {
		if s.current == w {
			return s
		}
	}
	return nil
}

func (m *Manager) drain() {
	for _, s := range m.slots {
		if s.job != nil {
			m.finalize(s.job, model.JobStateCancelled,
				domain.NewAdmissionError(domain.CodeCancelled, "server shutting down"))
			// clearSlot releases the conversation's running count; without
			// that, a conversation at its cap would pin its backlog and the
			// dequeue sweep below would silently skip those jobs.
			m.clearSlot(s)
		}
		s.current.stop()
	}
	for {
		job := m.queue.Dequeue()
		if job == nil {
			return
		}
		m.finalize(job, model.JobStateCancelled,
			domain.NewAdmissionError(domain.CodeCancelled, "server shutting down"))
		m.queue.Release(job.ConversationID)
	}
}

func (m *Manager) publishJob(job *model.Job, msg string) {
	ev := model.StreamEvent{
		Type:           model.JobEventType(job.State),
		ConversationID: job.ConversationID,
		UserID:         job.UserID,
		JobID:          job.ID,
		JobKind:        job.Kind,
		DatasetID:      job.DatasetID,
		Message:        msg,
		At:             time.Now(),
	}
	if job.Err != nil {
		ev.Code = string(domain.AsCoded(job.Err).Code)
	}
	if job.State == model.JobStateSucceeded {
		ev.QueryResult = job.QueryResult
		ev.LoadResult = job.LoadResult
	}
	m.bus.Publish(ev)
	metrics.IncStreamEvent(string(ev.Type))
}

func (m *Manager) updateBusyGauge() {
	busy := 0
	for _, s := range m.slots {
		if s.job != nil {
			busy++
		}
	}
	metrics.SetWorkersBusy(busy)
}
