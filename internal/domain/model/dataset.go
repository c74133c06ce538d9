package model

import "time"

type DatasetStatus string

const (
	DatasetStatusLoading DatasetStatus = "loading"
	DatasetStatusReady   DatasetStatus = "ready"
	DatasetStatusError   DatasetStatus = "error"
)

// Column is one entry of a dataset's ordered schema. Type holds the
// logical type derived at load time, not the storage type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Logical column types the loader derives.
const (
	ColTypeInteger   = "integer"
	ColTypeReal      = "real"
	ColTypeText      = "text"
	ColTypeBoolean   = "boolean"
	ColTypeTimestamp = "timestamp"
)

// Dataset tracks one remote file fetched for a conversation. It is
// created when a load job is accepted and mutated only by the load job
// that owns it; once ready or errored it never changes again except for
// removal.
type Dataset struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SourceURL      string        `json:"source_url"`
	Name           string        `json:"name"`
	TableName      string        `json:"table_name"`
	RowCount       int           `json:"row_count"`
	ColumnCount    int           `json:"column_count"`
	Schema         []Column      `json:"schema,omitempty"`
	Status         DatasetStatus `json:"status"`
	LastError      string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
