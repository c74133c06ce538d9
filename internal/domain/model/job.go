package model

import "time"

type JobKind string

const (
	JobKindLoadDataset JobKind = "load_dataset"
	JobKindRunQuery    JobKind = "run_query"
)

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateTimedOut  JobState = "timed_out"
	JobStateCrashed   JobState = "crashed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateTimedOut, JobStateCrashed, JobStateCancelled:
		return true
	}
	return false
}

// QueryResult is the outcome of a successful run_query execution.
// ElapsedMs is also carried on the error path so callers can tell a slow
// failure from a fast one.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// LoadResult is the outcome of a successful load_dataset job.
type LoadResult struct {
	DatasetID   string   `json:"dataset_id"`
	Schema      []Column `json:"schema"`
	RowCount    int      `json:"row_count"`
	ColumnCount int      `json:"column_count"`
}

// Job is one unit of work tracked through the state machine
// queued -> running -> terminal. All fields other than State, WorkerID,
// Crashes, timestamps and outcome are immutable after creation and only
// the pool's dispatch loop mutates the rest.
type Job struct {
	ID             string
	Kind           JobKind
	ConversationID string
	UserID         string
	DatasetID      string
	Payload        string // source URL or SQL text
	State          JobState
	WorkerID       string
	Crashes        int
	QueuedAt       time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	QueryResult    *QueryResult
	LoadResult     *LoadResult
	Err            error
}

// ToolRequest is the shape produced by the LLM orchestration
// collaborator. Payload is a URL for load_dataset and SQL text for
// run_query.
type ToolRequest struct {
	Kind           JobKind `json:"kind"`
	ConversationID string  `json:"conversation_id"`
	Payload        string  `json:"payload"`
}
