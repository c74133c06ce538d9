package worker

import (
	"sync"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/metrics"
)

// Queue is the ordered backlog of pending jobs. Ordering is FIFO within
// a conversation and round-robin across conversations, so one busy
// conversation cannot starve the others. A per-conversation cap bounds
// how many of its jobs may run at once; jobs over the cap wait rather
// than being rejected. Only the global depth ceiling rejects.
type Queue struct {
	mu       sync.Mutex
	maxDepth int
	convCap  int

	waiting map[string][]*model.Job // conversation -> FIFO backlog
	running map[string]int          // conversation -> running job count
	order   []string                // round-robin ring of conversations with backlog
	cursor  int
	depth   int

	notify chan struct{}
}

func NewQueue(maxDepth, convCap int) *Queue {
	return &Queue{
		maxDepth: maxDepth,
		convCap:  convCap,
		waiting:  make(map[string][]*model.Job),
		running:  make(map[string]int),
		notify:   make(chan struct{}, 1),
	}
}

// Notify signals whenever a job may have become dispatchable.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends the job to its conversation's backlog, rejecting with
// queue_full when the global ceiling is reached.
func (q *Queue) Enqueue(job *model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.depth >= q.maxDepth {
		metrics.IncQueueRejected("queue_full")
		return domain.NewAdmissionError(domain.CodeQueueFull, "job queue is full, retry shortly")
	}
	q.push(job, false)
	q.wake()
	return nil
}

// Requeue puts a job back at the front of its conversation's backlog.
// Used for the one crash retry; bypasses the depth ceiling so an
// accepted job can never be dropped by backpressure.
func (q *Queue) Requeue(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(job, true)
	q.wake()
}

func (q *Queue) push(job *model.Job, front bool) {
	conv := job.ConversationID
	if len(q.waiting[conv]) == 0 && !q.inOrder(conv) {
		q.order = append(q.order, conv)
	}
	if front {
		q.waiting[conv] = append([]*model.Job{job}, q.waiting[conv]...)
	} else {
		q.waiting[conv] = append(q.waiting[conv], job)
	}
	q.depth++
	metrics.SetQueueDepth(q.depth)
}

func (q *Queue) inOrder(conv string) bool {
	for _, c := range q.order {
		if c == conv {
			return true
		}
	}
	return false
}

// Dequeue returns the next dispatchable job, or nil when every waiting
// conversation is at its running cap or the backlog is empty. The
// conversation chosen advances round-robin from the last dispatch.
func (q *Queue) Dequeue() *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil
	}
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		conv := q.order[idx]
		if q.running[conv] >= q.convCap {
			continue
		}
		backlog := q.waiting[conv]
		if len(backlog) == 0 {
			continue
		}
		job := backlog[0]
		q.waiting[conv] = backlog[1:]
		q.depth--
		metrics.SetQueueDepth(q.depth)
		q.running[conv]++
		if len(q.waiting[conv]) == 0 {
			delete(q.waiting, conv)
			q.order = append(q.order[:idx], q.order[idx+1:]...)
			if idx < q.cursor {
				q.cursor--
			}
			if len(q.order) > 0 {
				q.cursor %= len(q.order)
			} else {
				q.cursor = 0
			}
		} else {
			q.cursor = (idx + 1) % n
		}
		return job
	}
	return nil
}

// Release records that one of the conversation's running jobs finished,
// freeing a cap slot.
func (q *Queue) Release(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running[conversationID] > 0 {
		q.running[conversationID]--
	}
	if q.running[conversationID] == 0 {
		delete(q.running, conversationID)
	}
	q.wake()
}

// Cancel removes a still-queued job and returns it; running jobs are
// not the queue's to cancel.
func (q *Queue) Cancel(jobID string) *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for conv, backlog := range q.waiting {
		for i, job := range backlog {
			if job.ID != jobID {
				continue
			}
			q.waiting[conv] = append(backlog[:i:i], backlog[i+1:]...)
			q.depth--
			metrics.SetQueueDepth(q.depth)
			if len(q.waiting[conv]) == 0 {
				delete(q.waiting, conv)
				for oi, c := range q.order {
					if c == conv {
						q.order = append(q.order[:oi], q.order[oi+1:]...)
						if oi < q.cursor {
							q.cursor--
						}
						break
					}
				}
				if len(q.order) > 0 {
					q.cursor %= len(q.order)
				} else {
					q.cursor = 0
				}
			}
			return job
		}
	}
	return nil
}

// Depth reports the number of waiting jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}
