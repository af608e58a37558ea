package models

import "sort"

// AlertLevel is a budget threshold expressed as a percentage of the
// daily limit.
type AlertLevel int

const (
	Alert50       AlertLevel = 50
	Alert75       AlertLevel = 75
	Alert90       AlertLevel = 90
	AlertHardStop AlertLevel = 100
)

// AlertLevels lists thresholds in the order they are evaluated: most
// severe first.
var AlertLevels = []AlertLevel{AlertHardStop, Alert90, Alert75, Alert50}

// ModelUsage aggregates one model's spend within a day.
type ModelUsage struct {
	Requests     int     `json:"requests"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CachedTokens int64   `json:"cached_tokens"`
}

// TaskUsage aggregates one task type's spend within a day.
type TaskUsage struct {
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
}

// BudgetDay is the ledger for one local calendar day.
type BudgetDay struct {
	Date          string                 `json:"date"`
	TotalSpend    float64                `json:"total_spend"`
	TotalRequests int                    `json:"total_requests"`
	InputTokens   int64                  `json:"input_tokens"`
	OutputTokens  int64                  `json:"output_tokens"`
	CachedTokens  int64                  `json:"cached_tokens"`
	ByModel       map[string]ModelUsage  `json:"by_model"`
	ByTask        map[TaskType]TaskUsage `json:"by_task"`
	TicketCount   int                    `json:"ticket_count"`
	TicketCostSum float64                `json:"ticket_cost_sum"`
	AlertsSent    map[AlertLevel]bool    `json:"alerts_sent"`
}

// NewBudgetDay returns an empty ledger for date (YYYY-MM-DD).
func NewBudgetDay(date string) *BudgetDay {
	return &BudgetDay{
		Date:       date,
		ByModel:    make(map[string]ModelUsage),
		ByTask:     make(map[TaskType]TaskUsage),
		AlertsSent: make(map[AlertLevel]bool),
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (d *BudgetDay) Clone() BudgetDay {
	out := *d
	out.ByModel = make(map[string]ModelUsage, len(d.ByModel))
	for k, v := range d.ByModel {
		out.ByModel[k] = v
	}
	out.ByTask = make(map[TaskType]TaskUsage, len(d.ByTask))
	for k, v := range d.ByTask {
		out.ByTask[k] = v
	}
	out.AlertsSent = make(map[AlertLevel]bool, len(d.AlertsSent))
	for k, v := range d.AlertsSent {
		out.AlertsSent[k] = v
	}
	return out
}

// SentAlerts returns the alert levels already fired, ascending.
func (d *BudgetDay) SentAlerts() []AlertLevel {
	levels := make([]AlertLevel, 0, len(d.AlertsSent))
	for l, sent := range d.AlertsSent {
		if sent {
			levels = append(levels, l)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

// BudgetStatus is a point-in-time view of today's spend against the limit.
type BudgetStatus struct {
	Date        string       `json:"date" cbor:"date"`
	Limit       float64      `json:"limit" cbor:"limit"`
	Spent       float64      `json:"spent" cbor:"spent"`
	Remaining   float64      `json:"remaining" cbor:"remaining"`
	Percent     float64      `json:"percent" cbor:"percent"`
	Requests    int          `json:"requests" cbor:"requests"`
	OpenTickets int          `json:"open_tickets" cbor:"open_tickets"`
	AlertsSent  []AlertLevel `json:"alerts_sent" cbor:"alerts_sent"`
	HardStopped bool         `json:"hard_stopped" cbor:"hard_stopped"`
}
