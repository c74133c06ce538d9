package model

import "time"

// TokenUsageRecord is one append-only ledger row. Records are never
// mutated; aged-out rows may be pruned in the background but the window
// query filters by timestamp regardless.
type TokenUsageRecord struct {
	ID         string
	UserID     string
	Tokens     int64 // input + output
	RecordedAt time.Time
}

// RateLimitDecision is the result of an admission check against the
// rolling-window ledger.
type RateLimitDecision struct {
	Allowed         bool    `json:"allowed"`
	Warning         bool    `json:"warning"`
	UsagePercent    float64 `json:"usage_percent"`
	UsedTokens      int64   `json:"used_tokens"`
	RemainingTokens int64   `json:"remaining_tokens"`
	ResetsInSeconds int64   `json:"resets_in_seconds"`
}
