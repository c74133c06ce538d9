package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/metrics"
)

// snapshotRetention is how long the last event of a finished job stays
// replayable for reconnecting clients.
const snapshotRetention = 5 * time.Minute

// Subscription is one client's view of the event stream. Events() is
// closed when the subscription is dropped, either by Unsubscribe or
// because the client fell too far behind.
type Subscription struct {
	userID string
	ch     chan model.StreamEvent
	once   sync.Once
}

func (s *Subscription) Events() <-chan model.StreamEvent { return s.ch }

func (s *Subscription) close() { s.once.Do(func() { close(s.ch) }) }

type jobSnapshot struct {
	event    model.StreamEvent
	doneAt   time.Time
	terminal bool
}

// Bus fans job and rate-limit events out to per-user subscribers. It
// keeps the last event of every live job so a client that reconnects
// mid-job immediately learns the job's current state instead of waiting
// for the next transition.
//
// Delivery is best effort per connection: each subscriber has a bounded
// buffer and a slow consumer is disconnected rather than allowed to
// block publishers. The client is expected to reconnect and resync from
// the snapshot.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	jobs    map[string]jobSnapshot
	bufSize int
	log     *zerolog.Logger
}

func NewBus(bufSize int, log *zerolog.Logger) *Bus {
	return &Bus{
		subs:    make(map[string]map[*Subscription]struct{}),
		jobs:    make(map[string]jobSnapshot),
		bufSize: bufSize,
		log:     log,
	}
}

// Subscribe registers a listener for one user's events and replays the
// snapshot of that user's recent jobs into the new buffer.
func (b *Bus) Subscribe(userID string) *Subscription {
	sub := &Subscription{userID: userID, ch: make(chan model.StreamEvent, b.bufSize)}

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*Subscription]struct{})
	}
	b.subs[userID][sub] = struct{}{}
	for _, snap := range b.jobs {
		if snap.event.UserID != userID {
			continue
		}
		select {
		case sub.ch <- snap.event:
		default:
		}
	}
	b.mu.Unlock()

	metrics.IncStreamConnections()
	return sub
}

// Unsubscribe removes the listener and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.userID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sub.userID)
			}
			metrics.DecStreamConnections()
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish records the event in the per-job snapshot and delivers it to
// every subscriber of the event's user.
func (b *Bus) Publish(ev model.StreamEvent) {
	b.mu.Lock()
	b.updateSnapshot(ev)

	var dropped []*Subscription
	for sub := range b.subs[ev.UserID] {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(b.subs[ev.UserID], sub)
		if len(b.subs[ev.UserID]) == 0 {
			delete(b.subs, ev.UserID)
		}
		metrics.DecStreamConnections()
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		metrics.IncStreamDropped()
		b.log.Warn().Str("user_id", ev.UserID).Msg("dropped slow event stream subscriber")
	}
}

func (b *Bus) updateSnapshot(ev model.StreamEvent) {
	if ev.JobID == "" {
		return
	}
	snap := jobSnapshot{event: ev}
	switch ev.Type {
	case model.EventJobSucceeded, model.EventJobFailed, model.EventJobTimedOut, model.EventJobCancelled:
		snap.terminal = true
		snap.doneAt = time.Now()
	}
	b.jobs[ev.JobID] = snap
	b.prune()
}

// prune drops terminal snapshots past their retention. Runs under mu;
// the map stays small because only recent jobs live in it.
func (b *Bus) prune() {
	cutoff := time.Now().Add(-snapshotRetention)
	for id, snap := range b.jobs {
		if snap.terminal && snap.doneAt.Before(cutoff) {
			delete(b.jobs, id)
		}
	}
}
