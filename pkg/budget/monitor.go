package budget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/models"
)

// ErrBudgetExceeded is returned by callers that pre-check IsOverBudget
// and decline to spend.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// dateLayout is the local-date key of a BudgetDay.
const dateLayout = "2006-01-02"

// Archiver persists days that have rolled over and tickets that have
// been closed. Failures are logged and never reach the budget path.
type Archiver interface {
	ArchiveDay(ctx context.Context, day models.BudgetDay) error
	RecordTicket(ctx context.Context, rec models.TicketRecord) error
}

// Options configures a Monitor.
type Options struct {
	DailyLimit  float64
	HistoryDays int
	Location    *time.Location
	Prices      *PriceTable
	Archiver    Archiver
	Clock       clock.Clock
	Logger      *slog.Logger

	// Restore seeds the ledger with a day archived by an earlier run. It
	// is used only if its date is the current local date, so spend and
	// sent alerts survive a restart.
	Restore *models.BudgetDay
}

// Monitor owns the daily spend ledger. TrackRequest is the single
// mutation point for spend; everything else reads or rolls the ledger
// over. The day rolls over lazily, before the operation that noticed the
// date change is applied.
//
// Observer callbacks run after the ledger lock is released, so they may
// read the Monitor. They are delivered one TrackRequest at a time, in
// ledger order, and must not call TrackRequest themselves.
type Monitor struct {
	mu          sync.Mutex
	deliverMu   sync.Mutex // held from ledger unlock until callbacks return
	limit       float64
	historyDays int
	loc         *time.Location
	prices      *PriceTable
	archiver    Archiver
	clock       clock.Clock
	logger      *slog.Logger

	restore *models.BudgetDay
	today   *models.BudgetDay
	history []models.BudgetDay // oldest first
	tickets map[string]*models.TicketCost

	onAlert    func(models.AlertLevel, models.BudgetStatus)
	onHardStop func(models.BudgetStatus)
	onTrack    func(models.TrackedRequest)
}

// New creates a Monitor. Zero-valued options fall back to defaults.
func New(opts Options) *Monitor {
	m := &Monitor{
		limit:       opts.DailyLimit,
		historyDays: opts.HistoryDays,
		loc:         opts.Location,
		prices:      opts.Prices,
		archiver:    opts.Archiver,
		clock:       opts.Clock,
		logger:      opts.Logger,
		tickets:     make(map[string]*models.TicketCost),
	}
	if opts.Restore != nil {
		day := opts.Restore.Clone()
		m.restore = &day
	}
	if m.historyDays <= 0 {
		m.historyDays = 30
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	if m.prices == nil {
		m.prices = NewPriceTable(nil, "")
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// OnAlert registers the callback fired once per day per threshold,
// the hard stop included.
func (m *Monitor) OnAlert(fn func(models.AlertLevel, models.BudgetStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// OnHardStop registers the callback fired when spend reaches 100% of
// the daily limit.
func (m *Monitor) OnHardStop(fn func(models.BudgetStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHardStop = fn
}

// OnTrack registers the callback fired after every tracked request.
func (m *Monitor) OnTrack(fn func(models.TrackedRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

// CalculateCost prices a call. It never fails: unknown models use the
// reference price table.
func (m *Monitor) CalculateCost(model string, tokensIn, tokensOut, cachedTokens int) float64 {
	return m.prices.Cost(model, tokensIn, tokensOut, cachedTokens)
}

// IsOverBudget reports whether today's spend has reached the limit.
func (m *Monitor) IsOverBudget() bool {
	m.mu.Lock()
	archived := m.rolloverLocked()
	over := m.today.TotalSpend >= m.limit
	m.mu.Unlock()

	m.archive(archived)
	return over
}

// TrackRequest applies one completed, billable request to the ledger.
// Call it exactly once per request that returned tokens. Every alert
// threshold crossed by this request that has not fired today fires,
// most severe first.
func (m *Monitor) TrackRequest(data models.RequestData) models.TrackedRequest {
	m.mu.Lock()
	archived := m.rolloverLocked()
	now := m.clock.Now()

	in := max(data.InputTokens, 0)
	out := max(data.OutputTokens, 0)
	cached := min(max(data.CachedTokens, 0), in)

	var cost float64
	if data.Cost != nil {
		cost = max(*data.Cost, 0)
	} else {
		cost = m.prices.Cost(data.Model, in, out, cached)
	}

	day := m.today
	day.TotalSpend += cost
	day.TotalRequests++
	day.InputTokens += int64(in)
	day.OutputTokens += int64(out)
	day.CachedTokens += int64(cached)

	mu := day.ByModel[data.Model]
	mu.Requests++
	mu.Cost += cost
	mu.InputTokens += int64(in)
	mu.OutputTokens += int64(out)
	mu.CachedTokens += int64(cached)
	day.ByModel[data.Model] = mu

	if data.Task != "" {
		tu := day.ByTask[data.Task]
		tu.Requests++
		tu.Cost += cost
		day.ByTask[data.Task] = tu
	}

	if data.TicketID != "" {
		tc, ok := m.tickets[data.TicketID]
		if !ok {
			tc = &models.TicketCost{
				TicketID:  data.TicketID,
				Models:    make(map[string]bool),
				StartedAt: now,
			}
			m.tickets[data.TicketID] = tc
		}
		tc.TotalCost += cost
		tc.Calls++
		tc.Models[data.Model] = true
	}

	rec := models.TrackedRequest{
		Model:        data.Model,
		Task:         data.Task,
		TicketID:     data.TicketID,
		InputTokens:  in,
		OutputTokens: out,
		CachedTokens: cached,
		Cost:         cost,
		Date:         day.Date,
		TrackedAt:    now,
	}

	fired := m.crossedLocked()
	status := m.statusLocked()
	onTrack, onAlert, onHardStop := m.onTrack, m.onAlert, m.onHardStop
	m.deliverMu.Lock()
	m.mu.Unlock()
	m.deliver(rec, fired, status, onTrack, onAlert, onHardStop)
	m.deliverMu.Unlock()

	m.archive(archived)
	return rec
}

func (m *Monitor) deliver(
	rec models.TrackedRequest,
	fired []models.AlertLevel,
	status models.BudgetStatus,
	onTrack func(models.TrackedRequest),
	onAlert func(models.AlertLevel, models.BudgetStatus),
	onHardStop func(models.BudgetStatus),
) {
	if onTrack != nil {
		onTrack(rec)
	}
	for _, level := range fired {
		m.logger.Warn("budget alert",
			"level", int(level),
			"date", status.Date,
			"spent", status.Spent,
			"limit", status.Limit,
		)
		if onAlert != nil {
			onAlert(level, status)
		}
		if level == models.AlertHardStop && onHardStop != nil {
			onHardStop(status)
		}
	}
}

// CloseTicket removes the ticket's accumulator, folds it into today's
// ticket statistics and returns it. A second call for the same id
// returns nil.
func (m *Monitor) CloseTicket(ticketID string) *models.TicketCost {
	m.mu.Lock()
	archived := m.rolloverLocked()
	tc, ok := m.tickets[ticketID]
	if ok {
		delete(m.tickets, ticketID)
		m.today.TicketCount++
		m.today.TicketCostSum += tc.TotalCost
	}
	date := m.today.Date
	m.mu.Unlock()

	m.archive(archived)
	if !ok {
		return nil
	}

	if m.archiver != nil {
		rec := models.TicketRecord{
			TicketID:  tc.TicketID,
			Date:      date,
			TotalCost: tc.TotalCost,
			Calls:     tc.Calls,
			Models:    tc.ModelList(),
			StartedAt: tc.StartedAt,
			ClosedAt:  m.clock.Now(),
		}
		if err := m.archiver.RecordTicket(context.Background(), rec); err != nil {
			m.logger.Error("archive ticket failed", "ticket", ticketID, "error", err)
		}
	}
	return tc
}

// Ticket returns a copy of an open ticket's accumulator.
func (m *Monitor) Ticket(ticketID string) (models.TicketCost, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tickets[ticketID]
	if !ok {
		return models.TicketCost{}, false
	}
	out := *tc
	out.Models = make(map[string]bool, len(tc.Models))
	for k, v := range tc.Models {
		out.Models[k] = v
	}
	return out, true
}

// OpenTickets returns the number of tickets with an open accumulator.
func (m *Monitor) OpenTickets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

// Today returns a copy of the current day's ledger.
func (m *Monitor) Today() models.BudgetDay {
	m.mu.Lock()
	archived := m.rolloverLocked()
	day := m.today.Clone()
	m.mu.Unlock()

	m.archive(archived)
	return day
}

// History returns copies of the archived days, oldest first.
func (m *Monitor) History() []models.BudgetDay {
	m.mu.Lock()
	archived := m.rolloverLocked()
	out := make([]models.BudgetDay, len(m.history))
	copy(out, m.history)
	m.mu.Unlock()

	m.archive(archived)
	return out
}

// Status returns today's spend against the limit.
func (m *Monitor) Status() models.BudgetStatus {
	m.mu.Lock()
	archived := m.rolloverLocked()
	status := m.statusLocked()
	m.mu.Unlock()

	m.archive(archived)
	return status
}

// Flush writes the current day to the archiver without rolling it
// over. Call it on shutdown.
func (m *Monitor) Flush(ctx context.Context) error {
	if m.archiver == nil {
		return nil
	}
	day := m.Today()
	return m.archiver.ArchiveDay(ctx, day)
}

// rolloverLocked starts a new day if the local date has changed and
// returns the day that was archived, if any.
func (m *Monitor) rolloverLocked() *models.BudgetDay {
	key := m.clock.Now().In(m.loc).Format(dateLayout)
	if m.today == nil {
		if m.restore != nil && m.restore.Date == key {
			m.today = m.restore
			m.logger.Info("budget day restored", "date", key, "spent", m.today.TotalSpend)
		} else {
			m.today = models.NewBudgetDay(key)
		}
		m.restore = nil
		return nil
	}
	if m.today.Date == key {
		return nil
	}

	old := m.today.Clone()
	m.history = append(m.history, old)
	if len(m.history) > m.historyDays {
		m.history = append([]models.BudgetDay(nil), m.history[len(m.history)-m.historyDays:]...)
	}
	m.today = models.NewBudgetDay(key)
	return &old
}

// crossedLocked marks and returns every threshold reached but not yet
// sent today, most severe first.
func (m *Monitor) crossedLocked() []models.AlertLevel {
	if m.limit <= 0 {
		return nil
	}
	pct := m.today.TotalSpend / m.limit * 100
	var fired []models.AlertLevel
	for _, level := range models.AlertLevels {
		if pct >= float64(level) && !m.today.AlertsSent[level] {
			m.today.AlertsSent[level] = true
			fired = append(fired, level)
		}
	}
	return fired
}

func (m *Monitor) statusLocked() models.BudgetStatus {
	day := m.today
	status := models.BudgetStatus{
		Date:        day.Date,
		Limit:       m.limit,
		Spent:       day.TotalSpend,
		Remaining:   max(m.limit-day.TotalSpend, 0),
		Requests:    day.TotalRequests,
		OpenTickets: len(m.tickets),
		AlertsSent:  day.SentAlerts(),
		HardStopped: day.TotalSpend >= m.limit,
	}
	if m.limit > 0 {
		status.Percent = day.TotalSpend / m.limit * 100
	}
	return status
}

func (m *Monitor) archive(day *models.BudgetDay) {
	if day == nil {
		return
	}
	m.logger.Info("budget day rolled over",
		"date", day.Date,
		"spent", day.TotalSpend,
		"requests", day.TotalRequests,
	)
	if m.archiver == nil {
		return
	}
	if err := m.archiver.ArchiveDay(context.Background(), *day); err != nil {
		m.logger.Error("archive budget day failed", "date", day.Date, "error", err)
	}
}
