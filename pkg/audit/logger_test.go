package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/models"
)

var testNow = time.Date(2026, 4, 20, 9, 30, 0, 0, time.UTC)

func tempCfg(t *testing.T) config.AuditConfig {
	t.Helper()
	return config.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 30,
		MaxBodySize:   1024,
		Include:       []string{"prompts", "responses"},
	}
}

func mustNew(t *testing.T, cfg config.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg, clock.Fake(testNow))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleRecord() models.CallRecord {
	return models.CallRecord{
		ID:           "call-001",
		TicketID:     "T1",
		Task:         models.TaskConversation,
		Model:        "gpt-4o",
		Status:       models.CallOK,
		Prompt:       "user: my invoice is wrong",
		Response:     "Let me check that for you.",
		InputTokens:  120,
		OutputTokens: 30,
		Cost:         0.0006,
		LatencyMs:    850,
		CreatedAt:    testNow,
	}
}

func TestRecordAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recs, err := l.Query(ctx, models.CallQuery{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.ID != "call-001" || r.TicketID != "T1" || r.Task != models.TaskConversation {
		t.Errorf("unexpected record: %+v", r)
	}
	if !r.CreatedAt.Equal(testNow) {
		t.Errorf("expected created_at %v, got %v", testNow, r.CreatedAt)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	first := sampleRecord()
	first.CreatedAt = testNow.Add(-2 * time.Hour)
	_ = l.Record(ctx, first)

	second := sampleRecord()
	second.ID = "call-002"
	second.TicketID = "T2"
	second.Task = models.TaskClassification
	_ = l.Record(ctx, second)

	recs, err := l.Query(ctx, models.CallQuery{TicketID: "T2"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "call-002" {
		t.Fatalf("ticket filter: got %+v", recs)
	}

	recs, _ = l.Query(ctx, models.CallQuery{Task: models.TaskConversation})
	if len(recs) != 1 || recs[0].ID != "call-001" {
		t.Fatalf("task filter: got %+v", recs)
	}

	recs, _ = l.Query(ctx, models.CallQuery{Since: testNow.Add(-time.Hour)})
	if len(recs) != 1 || recs[0].ID != "call-002" {
		t.Fatalf("since filter: got %+v", recs)
	}

	recs, _ = l.Query(ctx, models.CallQuery{})
	if len(recs) != 2 || recs[0].ID != "call-002" {
		t.Fatalf("expected newest first, got %+v", recs)
	}
}

func TestExcludeModels(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ExcludeModels = []string{"gpt-4o"}
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recs, err := l.Query(ctx, models.CallQuery{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected 0 records for excluded model, got %d", len(recs))
	}
}

func TestBodyTruncation(t *testing.T) {
	cfg := tempCfg(t)
	cfg.MaxBodySize = 16
	l := mustNew(t, cfg)
	ctx := context.Background()

	rec := sampleRecord()
	rec.Prompt = strings.Repeat("x", 100)
	if err := l.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recs, err := l.Query(ctx, models.CallQuery{ID: "call-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs[0].Prompt) != 16 {
		t.Errorf("expected truncated prompt len 16, got %d", len(recs[0].Prompt))
	}
}

func TestIncludeFiltering(t *testing.T) {
	cfg := tempCfg(t)
	cfg.Include = nil
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recs, err := l.Query(ctx, models.CallQuery{ID: "call-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if recs[0].Prompt != "" {
		t.Errorf("expected empty prompt, got %q", recs[0].Prompt)
	}
	if recs[0].Response != "" {
		t.Errorf("expected empty response, got %q", recs[0].Response)
	}
	if recs[0].InputTokens != 120 {
		t.Errorf("metadata should be kept, got %d input tokens", recs[0].InputTokens)
	}
}

func TestRecordDefaultsCreatedAt(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	rec := sampleRecord()
	rec.CreatedAt = time.Time{}
	_ = l.Record(ctx, rec)

	recs, _ := l.Query(ctx, models.CallQuery{ID: "call-001"})
	if len(recs) != 1 || !recs[0].CreatedAt.Equal(testNow) {
		t.Fatalf("expected clock time, got %+v", recs)
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 7
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleRecord()
	old.ID = "call-old"
	old.CreatedAt = testNow.AddDate(0, 0, -10)
	_ = l.Record(ctx, old)
	_ = l.Record(ctx, sampleRecord())

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
	recs, _ := l.Query(ctx, models.CallQuery{})
	if len(recs) != 1 || recs[0].ID != "call-001" {
		t.Errorf("expected recent record kept, got %+v", recs)
	}
}

func TestCleanupDisabled(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0
	l := mustNew(t, cfg)

	old := sampleRecord()
	old.CreatedAt = testNow.AddDate(-1, 0, 0)
	_ = l.Record(context.Background(), old)

	deleted, err := l.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected nothing deleted, got %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Record(ctx, sampleRecord())
	failed := sampleRecord()
	failed.ID = "call-002"
	failed.Status = models.CallRateLimited
	failed.Cost = 0
	_ = l.Record(ctx, failed)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	s := stats[0]
	if s.Count != 2 || s.Failures != 1 {
		t.Errorf("expected 2 calls with 1 failure, got %+v", s)
	}
	if s.Day != "2026-04-20" {
		t.Errorf("expected day 2026-04-20, got %s", s.Day)
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Record(context.Background(), sampleRecord()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := config.AuditConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
	}
	_, err := New(cfg, nil)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
