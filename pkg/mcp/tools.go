package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pario-ai/helmsman/pkg/store"
)

// Tool argument structs.

type historyArgs struct {
	Days int `json:"days"`
}

type dateArgs struct {
	Date string `json:"date"`
}

// defaultHistoryDays is how many archived days helmsman_budget_history
// shows when the caller does not say.
const defaultHistoryDays = 7

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"helmsman_budget_status":  handleBudgetStatus,
	"helmsman_budget_history": handleBudgetHistory,
	"helmsman_day_detail":     handleDayDetail,
	"helmsman_tickets":        handleTickets,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "helmsman_budget_status",
		Description: "Show today's AI spend against the daily limit, including alerts already sent.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "helmsman_budget_history",
		Description: "List archived daily AI spend, newest first.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Number of days to show (optional, defaults to 7)",
				},
			},
		},
	},
	{
		Name:        "helmsman_day_detail",
		Description: "Show one archived day broken down by model and task type.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"date"},
			"properties": map[string]any{
				"date": map[string]any{
					"type":        "string",
					"description": "Day in YYYY-MM-DD format",
				},
			},
		},
	},
	{
		Name:        "helmsman_tickets",
		Description: "List closed support tickets with their AI cost.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"date": map[string]any{
					"type":        "string",
					"description": "Only tickets closed on this day, YYYY-MM-DD (optional)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleBudgetStatus(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.status == nil {
		return textResult("Live budget status is not available in this process.")
	}
	return textResult(formatStatus(s.status.Status()))
}

func handleBudgetHistory(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args historyArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Days <= 0 {
		args.Days = defaultHistoryDays
	}
	days, err := s.archive.Days(ctx, args.Days)
	if err != nil {
		return errorResult("Error fetching budget history: " + err.Error())
	}
	return textResult(formatDays(days))
}

func handleDayDetail(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args dateArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Date == "" {
		return errorResult("date is required")
	}
	if _, err := time.Parse("2006-01-02", args.Date); err != nil {
		return errorResult("Invalid date (use YYYY-MM-DD): " + err.Error())
	}
	day, err := s.archive.Day(ctx, args.Date)
	if errors.Is(err, store.ErrNotFound) {
		return textResult("No archived data for " + args.Date + ".")
	}
	if err != nil {
		return errorResult("Error fetching day: " + err.Error())
	}
	return textResult(formatDayDetail(day))
}

func handleTickets(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args dateArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Date != "" {
		if _, err := time.Parse("2006-01-02", args.Date); err != nil {
			return errorResult("Invalid date (use YYYY-MM-DD): " + err.Error())
		}
	}
	tickets, err := s.archive.Tickets(ctx, args.Date)
	if err != nil {
		return errorResult("Error fetching tickets: " + err.Error())
	}
	return textResult(formatTickets(tickets))
}
