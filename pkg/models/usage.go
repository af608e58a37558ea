package models

import "time"

// RequestData describes one completed, billable model call.
type RequestData struct {
	Model        string
	Task         TaskType
	TicketID     string
	InputTokens  int
	OutputTokens int
	// CachedTokens is the part of InputTokens served from the provider's
	// prompt cache.
	CachedTokens int
	// Cost, when set, is used as-is instead of being computed from the
	// pricing table.
	Cost *float64
}

// TrackedRequest is what BudgetMonitor observers receive after a
// request has been applied to the ledger.
type TrackedRequest struct {
	Model        string    `json:"model"`
	Task         TaskType  `json:"task"`
	TicketID     string    `json:"ticket_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CachedTokens int       `json:"cached_tokens"`
	Cost         float64   `json:"cost"`
	Date         string    `json:"date"`
	TrackedAt    time.Time `json:"tracked_at"`
}
