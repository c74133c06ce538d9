package model

import "time"

type EventType string

const (
	EventJobQueued         EventType = "job_queued"
	EventJobRunning        EventType = "job_running"
	EventJobSucceeded      EventType = "job_succeeded"
	EventJobFailed         EventType = "job_failed"
	EventJobTimedOut       EventType = "job_timed_out"
	EventJobCrashed        EventType = "job_crashed"
	EventJobCancelled      EventType = "job_cancelled"
	EventDatasetReady      EventType = "dataset_ready"
	EventDatasetLoadError  EventType = "dataset_load_error"
	EventRateLimitWarning  EventType = "rate_limit_warning"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
)

// StreamEvent is the frame-delimited object delivered to connected
// clients. Consumers must key job state by JobID, not by arrival order:
// events across jobs in one conversation arrive in dispatch order, not
// completion order.
type StreamEvent struct {
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	UserID         string       `json:"user_id,omitempty"`
	JobID          string       `json:"job_id,omitempty"`
	JobKind        JobKind      `json:"job_kind,omitempty"`
	DatasetID      string       `json:"dataset_id,omitempty"`
	Code           string       `json:"code,omitempty"`
	Message        string       `json:"message,omitempty"`
	QueryResult    *QueryResult `json:"query_result,omitempty"`
	LoadResult     *LoadResult  `json:"load_result,omitempty"`

	UsagePercent    float64 `json:"usage_percent,omitempty"`
	RemainingTokens int64   `json:"remaining_tokens,omitempty"`
	ResetsInSeconds int64   `json:"resets_in_seconds,omitempty"`

	At time.Time `json:"at"`
}

var stateToEvent = map[JobState]EventType{
	JobStateQueued:    EventJobQueued,
	JobStateRunning:   EventJobRunning,
	JobStateSucceeded: EventJobSucceeded,
	JobStateFailed:    EventJobFailed,
	JobStateTimedOut:  EventJobTimedOut,
	JobStateCrashed:   EventJobCrashed,
	JobStateCancelled: EventJobCancelled,
}

// JobEventType maps a job state to the event announcing it.
func JobEventType(s JobState) EventType { return stateToEvent[s] }
