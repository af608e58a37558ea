package models

import (
	"sort"
	"time"
)

// TicketCost accumulates spend for one open support conversation.
type TicketCost struct {
	TicketID  string
	TotalCost float64
	Calls     int
	Models    map[string]bool
	StartedAt time.Time
}

// ModelList returns the models used so far, sorted.
func (t *TicketCost) ModelList() []string {
	out := make([]string, 0, len(t.Models))
	for m := range t.Models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// TicketRecord is the archived form of a closed ticket's spend.
type TicketRecord struct {
	TicketID  string    `json:"ticket_id"`
	Date      string    `json:"date"`
	TotalCost float64   `json:"total_cost"`
	Calls     int       `json:"calls"`
	Models    []string  `json:"models"`
	StartedAt time.Time `json:"started_at"`
	ClosedAt  time.Time `json:"closed_at"`
}
