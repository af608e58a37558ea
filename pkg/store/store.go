package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/helmsman/pkg/models"
)

// ErrNotFound is returned when a requested day has not been archived.
var ErrNotFound = errors.New("not found")

// Store archives closed budget days and tickets.
type Store interface {
	// ArchiveDay inserts or replaces the ledger for day.Date.
	ArchiveDay(ctx context.Context, day models.BudgetDay) error
	// RecordTicket stores a closed ticket's spend.
	RecordTicket(ctx context.Context, rec models.TicketRecord) error
	// Days returns up to limit archived days, newest first. limit <= 0 means all.
	Days(ctx context.Context, limit int) ([]models.BudgetDay, error)
	// Day returns one archived day.
	Day(ctx context.Context, date string) (models.BudgetDay, error)
	// Tickets returns closed tickets for a date, or all tickets when date is empty.
	Tickets(ctx context.Context, date string) ([]models.TicketRecord, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createDaysTable = `
CREATE TABLE IF NOT EXISTS budget_days (
	date TEXT PRIMARY KEY,
	total_spend REAL NOT NULL,
	total_requests INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cached_tokens INTEGER NOT NULL,
	ticket_count INTEGER NOT NULL,
	ticket_cost_sum REAL NOT NULL,
	by_model TEXT NOT NULL,
	by_task TEXT NOT NULL,
	alerts_sent TEXT NOT NULL
);
`

const createTicketsTable = `
CREATE TABLE IF NOT EXISTS tickets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id TEXT NOT NULL,
	date TEXT NOT NULL,
	total_cost REAL NOT NULL,
	calls INTEGER NOT NULL,
	models TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	closed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_date ON tickets(date, closed_at);
`

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createDaysTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate budget_days table: %w", err)
	}

	if _, err := db.Exec(createTicketsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tickets table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ArchiveDay upserts a day's ledger. Archiving the same date twice keeps
// the latest copy.
func (s *SQLiteStore) ArchiveDay(ctx context.Context, day models.BudgetDay) error {
	byModel, err := json.Marshal(day.ByModel)
	if err != nil {
		return fmt.Errorf("encode by_model: %w", err)
	}
	byTask, err := json.Marshal(day.ByTask)
	if err != nil {
		return fmt.Errorf("encode by_task: %w", err)
	}
	alerts, err := json.Marshal(day.SentAlerts())
	if err != nil {
		return fmt.Errorf("encode alerts_sent: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO budget_days (date, total_spend, total_requests, input_tokens, output_tokens, cached_tokens,
			ticket_count, ticket_cost_sum, by_model, by_task, alerts_sent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
			total_spend = excluded.total_spend,
			total_requests = excluded.total_requests,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cached_tokens = excluded.cached_tokens,
			ticket_count = excluded.ticket_count,
			ticket_cost_sum = excluded.ticket_cost_sum,
			by_model = excluded.by_model,
			by_task = excluded.by_task,
			alerts_sent = excluded.alerts_sent`,
		day.Date, day.TotalSpend, day.TotalRequests, day.InputTokens, day.OutputTokens, day.CachedTokens,
		day.TicketCount, day.TicketCostSum, string(byModel), string(byTask), string(alerts),
	)
	if err != nil {
		return fmt.Errorf("archive day %s: %w", day.Date, err)
	}
	return nil
}

// RecordTicket stores a closed ticket.
func (s *SQLiteStore) RecordTicket(ctx context.Context, rec models.TicketRecord) error {
	modelsJSON, err := json.Marshal(rec.Models)
	if err != nil {
		return fmt.Errorf("encode models: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tickets (ticket_id, date, total_cost, calls, models, started_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TicketID, rec.Date, rec.TotalCost, rec.Calls, string(modelsJSON), rec.StartedAt.UTC(), rec.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record ticket: %w", err)
	}
	return nil
}

const selectDay = `SELECT date, total_spend, total_requests, input_tokens, output_tokens, cached_tokens,
	ticket_count, ticket_cost_sum, by_model, by_task, alerts_sent FROM budget_days`

// Days returns archived days, newest first.
func (s *SQLiteStore) Days(ctx context.Context, limit int) ([]models.BudgetDay, error) {
	query := selectDay + ` ORDER BY date DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list days: %w", err)
	}
	defer rows.Close()

	var days []models.BudgetDay
	for rows.Next() {
		day, err := scanDay(rows)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// Day returns the archived ledger for date.
func (s *SQLiteStore) Day(ctx context.Context, date string) (models.BudgetDay, error) {
	row := s.db.QueryRowContext(ctx, selectDay+` WHERE date = ?`, date)
	day, err := scanDay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BudgetDay{}, fmt.Errorf("day %s: %w", date, ErrNotFound)
	}
	return day, err
}

// Tickets returns closed tickets, most recently closed first.
func (s *SQLiteStore) Tickets(ctx context.Context, date string) ([]models.TicketRecord, error) {
	query := `SELECT ticket_id, date, total_cost, calls, models, started_at, closed_at FROM tickets`
	var args []any
	if date != "" {
		query += ` WHERE date = ?`
		args = append(args, date)
	}
	query += ` ORDER BY closed_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var recs []models.TicketRecord
	for rows.Next() {
		var r models.TicketRecord
		var modelsJSON string
		if err := rows.Scan(&r.TicketID, &r.Date, &r.TotalCost, &r.Calls, &modelsJSON, &r.StartedAt, &r.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		if err := json.Unmarshal([]byte(modelsJSON), &r.Models); err != nil {
			return nil, fmt.Errorf("decode ticket models: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDay(sc scanner) (models.BudgetDay, error) {
	var d models.BudgetDay
	var byModel, byTask, alerts string
	err := sc.Scan(&d.Date, &d.TotalSpend, &d.TotalRequests, &d.InputTokens, &d.OutputTokens, &d.CachedTokens,
		&d.TicketCount, &d.TicketCostSum, &byModel, &byTask, &alerts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("scan day: %w", err)
	}

	if err := json.Unmarshal([]byte(byModel), &d.ByModel); err != nil {
		return d, fmt.Errorf("decode by_model: %w", err)
	}
	if err := json.Unmarshal([]byte(byTask), &d.ByTask); err != nil {
		return d, fmt.Errorf("decode by_task: %w", err)
	}
	var levels []models.AlertLevel
	if err := json.Unmarshal([]byte(alerts), &levels); err != nil {
		return d, fmt.Errorf("decode alerts_sent: %w", err)
	}
	d.AlertsSent = make(map[models.AlertLevel]bool, len(levels))
	for _, l := range levels {
		d.AlertsSent[l] = true
	}
	if d.ByModel == nil {
		d.ByModel = make(map[string]models.ModelUsage)
	}
	if d.ByTask == nil {
		d.ByTask = make(map[models.TaskType]models.TaskUsage)
	}
	return d, nil
}
