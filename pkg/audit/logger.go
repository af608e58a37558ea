// Package audit keeps a per-call log of model attempts in its own SQLite
// database, with optional prompt and response bodies.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/models"
	_ "modernc.org/sqlite"
)

// Logger writes and queries audit entries in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     config.AuditConfig
	clock   clock.Clock
	done    chan struct{}
	wg      sync.WaitGroup
	include map[string]bool
	exclude map[string]bool
}

// New opens the audit SQLite database, creates the schema and starts
// the hourly retention sweep. A nil clk uses the real clock.
func New(cfg config.AuditConfig, clk clock.Clock) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	inc := make(map[string]bool)
	for _, v := range cfg.Include {
		inc[v] = true
	}
	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeModels {
		exc[v] = true
	}
	if clk == nil {
		clk = clock.Real()
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		clock:   clk,
		done:    make(chan struct{}),
		include: inc,
		exclude: exc,
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS call_log (
		id            TEXT PRIMARY KEY,
		ticket_id     TEXT,
		task          TEXT NOT NULL,
		model         TEXT NOT NULL,
		status        TEXT NOT NULL,
		error         TEXT,
		prompt        TEXT,
		response      TEXT,
		input_tokens  INTEGER,
		output_tokens INTEGER,
		cached_tokens INTEGER,
		cost          REAL,
		latency_ms    INTEGER,
		day           TEXT NOT NULL,
		created_at    DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_call_model ON call_log(model)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_call_created ON call_log(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_call_ticket ON call_log(ticket_id)`)
	return err
}

// Record inserts an audit entry, respecting include/exclude configuration.
// A nil Logger records nothing.
func (l *Logger) Record(ctx context.Context, rec models.CallRecord) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[rec.Model] {
		return nil
	}

	prompt := rec.Prompt
	response := rec.Response
	if !l.include["prompts"] {
		prompt = ""
	}
	if !l.include["responses"] {
		response = ""
	}
	if l.cfg.MaxBodySize > 0 {
		if len(prompt) > l.cfg.MaxBodySize {
			prompt = prompt[:l.cfg.MaxBodySize]
		}
		if len(response) > l.cfg.MaxBodySize {
			response = response[:l.cfg.MaxBodySize]
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.clock.Now()
	}
	created := rec.CreatedAt.UTC()

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO call_log
		(id, ticket_id, task, model, status, error, prompt, response,
		 input_tokens, output_tokens, cached_tokens, cost, latency_ms, day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TicketID, string(rec.Task), rec.Model, rec.Status, rec.Error, prompt, response,
		rec.InputTokens, rec.OutputTokens, rec.CachedTokens, rec.Cost, rec.LatencyMs,
		created.Format(time.DateOnly), created,
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Query returns audit entries matching q, newest first.
func (l *Logger) Query(ctx context.Context, q models.CallQuery) ([]models.CallRecord, error) {
	query := `SELECT id, ticket_id, task, model, status, error, prompt, response,
		input_tokens, output_tokens, cached_tokens, cost, latency_ms, created_at
		FROM call_log WHERE 1=1`
	var args []any

	if q.ID != "" {
		query += " AND id = ?"
		args = append(args, q.ID)
	}
	if q.TicketID != "" {
		query += " AND ticket_id = ?"
		args = append(args, q.TicketID)
	}
	if q.Model != "" {
		query += " AND model = ?"
		args = append(args, q.Model)
	}
	if q.Task != "" {
		query += " AND task = ?"
		args = append(args, string(q.Task))
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UTC())
	}

	query += " ORDER BY created_at DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var r models.CallRecord
		var ticketID, errText, prompt, response sql.NullString
		var task string
		if err := rows.Scan(
			&r.ID, &ticketID, &task, &r.Model, &r.Status, &errText, &prompt, &response,
			&r.InputTokens, &r.OutputTokens, &r.CachedTokens, &r.Cost, &r.LatencyMs, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.Task = models.TaskType(task)
		r.TicketID = ticketID.String
		r.Error = errText.String
		r.Prompt = prompt.String
		r.Response = response.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Stats returns aggregate counts grouped by model and day.
func (l *Logger) Stats(ctx context.Context) ([]models.CallStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, day, count(*), sum(CASE WHEN status = 'ok' THEN 0 ELSE 1 END), coalesce(sum(cost), 0)
		 FROM call_log GROUP BY model, day ORDER BY day DESC, model`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.CallStat
	for rows.Next() {
		var s models.CallStat
		if err := rows.Scan(&s.Model, &s.Day, &s.Count, &s.Failures, &s.Cost); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
// A non-positive retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.clock.Now().AddDate(0, 0, -l.cfg.RetentionDays).UTC()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM call_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := l.clock.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
