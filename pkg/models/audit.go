package models

import "time"

// Call outcomes recorded in the audit log.
const (
	CallOK          = "ok"
	CallRateLimited = "rate_limited"
	CallFailed      = "error"
)

// CallRecord is one audited model attempt, successful or not.
type CallRecord struct {
	ID           string    `json:"id"`
	TicketID     string    `json:"ticket_id,omitempty"`
	Task         TaskType  `json:"task"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Response     string    `json:"response,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CachedTokens int       `json:"cached_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// CallQuery filters audit log lookups. Zero fields match everything.
type CallQuery struct {
	ID       string
	TicketID string
	Model    string
	Task     TaskType
	Since    time.Time
	Limit    int
}

// CallStat holds aggregate audit counts for a model/day combination.
type CallStat struct {
	Model    string
	Day      string
	Count    int
	Failures int
	Cost     float64
}

// CacheStats reports the classification cache's size and hit rate.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
