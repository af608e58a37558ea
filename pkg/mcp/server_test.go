package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/pario-ai/helmsman/pkg/store"
)

// fakeArchive implements Archive for testing.
type fakeArchive struct {
	days    []models.BudgetDay
	tickets []models.TicketRecord
}

func (f *fakeArchive) Days(_ context.Context, limit int) ([]models.BudgetDay, error) {
	if limit > 0 && limit < len(f.days) {
		return f.days[:limit], nil
	}
	return f.days, nil
}

func (f *fakeArchive) Day(_ context.Context, date string) (models.BudgetDay, error) {
	for _, d := range f.days {
		if d.Date == date {
			return d, nil
		}
	}
	return models.BudgetDay{}, fmt.Errorf("day %s: %w", date, store.ErrNotFound)
}

func (f *fakeArchive) Tickets(_ context.Context, date string) ([]models.TicketRecord, error) {
	var out []models.TicketRecord
	for _, t := range f.tickets {
		if date == "" || t.Date == date {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeStatus struct {
	status models.BudgetStatus
}

func (f *fakeStatus) Status() models.BudgetStatus { return f.status }

func sampleArchive() *fakeArchive {
	d := models.NewBudgetDay("2026-03-10")
	d.TotalSpend = 1.2345
	d.TotalRequests = 1500
	d.InputTokens = 1_250_000
	d.OutputTokens = 80_000
	d.ByModel["gpt-4o-mini"] = models.ModelUsage{Requests: 1500, Cost: 1.2345, InputTokens: 1_250_000, OutputTokens: 80_000}
	d.ByTask[models.TaskClassification] = models.TaskUsage{Requests: 700, Cost: 0.2}
	d.AlertsSent[models.Alert50] = true
	d.TicketCount = 2
	d.TicketCostSum = 0.5

	return &fakeArchive{
		days: []models.BudgetDay{d.Clone()},
		tickets: []models.TicketRecord{{
			TicketID:  "ticket-42",
			Date:      "2026-03-10",
			TotalCost: 0.31,
			Calls:     6,
			Models:    []string{"gpt-4o-mini"},
			ClosedAt:  time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		}},
	}
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := NewServer(&fakeArchive{}, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "helmsman" {
		t.Errorf("server name = %s, want helmsman", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := NewServer(&fakeArchive{}, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallBudgetHistory(t *testing.T) {
	srv := NewServer(sampleArchive(), nil, "test", nil)
	result := callTool(t, srv, "helmsman_budget_history", `{"days": 3}`)

	text := result.Content[0].Text
	if !strings.Contains(text, "2026-03-10") || !strings.Contains(text, "1,250,000") {
		t.Errorf("unexpected history output: %s", text)
	}
}

func TestToolCallDayDetail(t *testing.T) {
	srv := NewServer(sampleArchive(), nil, "test", nil)
	result := callTool(t, srv, "helmsman_day_detail", `{"date": "2026-03-10"}`)

	text := result.Content[0].Text
	for _, want := range []string{"gpt-4o-mini", "classification", "50%"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got: %s", want, text)
		}
	}
}

func TestToolCallDayDetailMissingDate(t *testing.T) {
	srv := NewServer(sampleArchive(), nil, "test", nil)
	result := callTool(t, srv, "helmsman_day_detail", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for missing date")
	}

	result = callTool(t, srv, "helmsman_day_detail", `{"date": "10/03/2026"}`)
	if !result.IsError {
		t.Error("expected isError=true for malformed date")
	}
}

func TestToolCallDayDetailNotArchived(t *testing.T) {
	srv := NewServer(sampleArchive(), nil, "test", nil)
	result := callTool(t, srv, "helmsman_day_detail", `{"date": "2026-01-01"}`)
	if result.IsError {
		t.Error("a missing day is not an error")
	}
	if !strings.Contains(result.Content[0].Text, "No archived data") {
		t.Errorf("unexpected output: %s", result.Content[0].Text)
	}
}

func TestToolCallTickets(t *testing.T) {
	srv := NewServer(sampleArchive(), nil, "test", nil)

	result := callTool(t, srv, "helmsman_tickets", `{"date": "2026-03-10"}`)
	if !strings.Contains(result.Content[0].Text, "ticket-42") {
		t.Errorf("expected ticket-42 in output, got: %s", result.Content[0].Text)
	}

	result = callTool(t, srv, "helmsman_tickets", `{"date": "2026-03-11"}`)
	if !strings.Contains(result.Content[0].Text, "No closed tickets") {
		t.Errorf("unexpected output: %s", result.Content[0].Text)
	}
}

func TestToolCallBudgetStatus(t *testing.T) {
	srv := NewServer(&fakeArchive{}, nil, "test", nil)
	result := callTool(t, srv, "helmsman_budget_status", `{}`)
	if !strings.Contains(result.Content[0].Text, "not available") {
		t.Errorf("expected 'not available', got: %s", result.Content[0].Text)
	}

	status := &fakeStatus{status: models.BudgetStatus{
		Date: "2026-03-10", Limit: 5, Spent: 5.2, Percent: 104,
		AlertsSent:  []models.AlertLevel{models.Alert50, models.Alert75, models.Alert90, models.AlertHardStop},
		HardStopped: true,
	}}
	srv = NewServer(&fakeArchive{}, status, "test", nil)
	result = callTool(t, srv, "helmsman_budget_status", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "100%") || !strings.Contains(text, "paused") {
		t.Errorf("unexpected status output: %s", text)
	}
}

func TestUnknownTool(t *testing.T) {
	srv := NewServer(&fakeArchive{}, nil, "test", nil)
	result := callTool(t, srv, "nope", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := NewServer(&fakeArchive{}, nil, "test", nil)

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := NewServer(&fakeArchive{}, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}
