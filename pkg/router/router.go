package router

import (
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/models"
)

// Router picks a model for each task type. It tracks soft per-model
// request windows and hard bans set after a provider rate-limit
// response. Windows and bans expire lazily when next looked at; no
// background timer runs.
//
// Router is safe for concurrent use. SelectModel never blocks and never
// fails: if every candidate is exhausted it returns the primary and
// leaves enforcement to the provider.
type Router struct {
	mu           sync.Mutex
	clock        clock.Clock
	defaultModel string
	defaultBan   time.Duration
	routes       map[models.TaskType]config.TaskRoute
	limits       map[string]config.ModelLimits
	states       map[string]*modelState
	bans         map[string]time.Time
}

// modelState holds the soft counters for one model. Counters only go
// down by rollover of their window.
type modelState struct {
	minuteCount   int
	minuteResetAt time.Time
	dayCount      int
	dayResetAt    time.Time
}

// New creates a Router from the routing table in cfg.
func New(cfg config.RouterConfig, clk clock.Clock) *Router {
	r := &Router{
		clock:        clk,
		defaultModel: cfg.DefaultModel,
		defaultBan:   cfg.DefaultBan,
		routes:       make(map[models.TaskType]config.TaskRoute, len(cfg.Tasks)),
		limits:       make(map[string]config.ModelLimits, len(cfg.Models)),
		states:       make(map[string]*modelState),
		bans:         make(map[string]time.Time),
	}
	if r.defaultBan <= 0 {
		r.defaultBan = time.Minute
	}
	for task, route := range cfg.Tasks {
		r.routes[task] = route
	}
	for model, limits := range cfg.Models {
		r.limits[model] = limits
	}
	return r
}

// SelectModel returns the model to use for task. The primary model is
// preferred; if it is banned or over a soft limit, the fallback (or the
// global default) is used when that one is usable. Otherwise the primary
// is returned anyway.
func (r *Router) SelectModel(task models.TaskType) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	primary, fallback := r.candidates(task)
	if r.usableLocked(primary, now) {
		return primary
	}
	if fallback != "" && fallback != primary && r.usableLocked(fallback, now) {
		return fallback
	}
	return primary
}

// Waterfall returns every candidate for task in preference order:
// primary, fallback, then the global default, without duplicates.
func (r *Router) Waterfall(task models.TaskType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	primary, fallback := r.candidates(task)
	var out []string
	seen := make(map[string]bool, 3)
	for _, m := range []string{primary, fallback, r.defaultModel} {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// RecordUsage counts one attempted call against model's soft windows.
// Call it once per attempt, fallback attempts included.
func (r *Router) RecordUsage(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateLocked(model, r.clock.Now())
	st.minuteCount++
	st.dayCount++
}

// MarkRateLimited bans model for the given number of seconds after a
// real provider rate-limit response. A non-positive value uses the
// configured default ban.
func (r *Router) MarkRateLimited(model string, seconds int) {
	d := time.Duration(seconds) * time.Second
	if d <= 0 {
		d = r.defaultBan
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans[model] = r.clock.Now().Add(d)
}

// IsBanned reports whether model is under an unexpired hard ban.
func (r *Router) IsBanned(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bannedLocked(model, r.clock.Now())
}

// Status returns a snapshot of every model the router knows about.
func (r *Router) Status() []models.ModelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	names := make(map[string]bool)
	for m := range r.limits {
		names[m] = true
	}
	for m := range r.states {
		names[m] = true
	}
	for m := range r.bans {
		names[m] = true
	}
	for _, route := range r.routes {
		names[route.Primary] = true
		if route.Fallback != "" {
			names[route.Fallback] = true
		}
	}

	out := make([]models.ModelStatus, 0, len(names))
	for m := range names {
		st := r.stateLocked(m, now)
		usable := r.usableLocked(m, now)
		limits := r.limits[m]
		status := models.ModelStatus{
			Model:       m,
			MinuteCount: st.minuteCount,
			RPM:         limits.RPM,
			DayCount:    st.dayCount,
			RPD:         limits.RPD,
			Usable:      usable,
		}
		if until, ok := r.bans[m]; ok {
			status.BannedUntil = until.UTC().Format(time.RFC3339)
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func (r *Router) candidates(task models.TaskType) (primary, fallback string) {
	route, ok := r.routes[task]
	if !ok || route.Primary == "" {
		return r.defaultModel, ""
	}
	fallback = route.Fallback
	if fallback == "" {
		fallback = r.defaultModel
	}
	return route.Primary, fallback
}

// usableLocked applies the usability invariant: not banned, and under
// both soft limits.
func (r *Router) usableLocked(model string, now time.Time) bool {
	if r.bannedLocked(model, now) {
		return false
	}
	st := r.stateLocked(model, now)
	limits := r.limits[model]
	if limits.RPM > 0 && st.minuteCount >= limits.RPM {
		return false
	}
	if limits.RPD > 0 && st.dayCount >= limits.RPD {
		return false
	}
	return true
}

func (r *Router) bannedLocked(model string, now time.Time) bool {
	until, ok := r.bans[model]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(r.bans, model)
	return false
}

// stateLocked returns model's counters, zeroing any window whose reset
// time has passed.
func (r *Router) stateLocked(model string, now time.Time) *modelState {
	st, ok := r.states[model]
	if !ok {
		st = &modelState{}
		r.states[model] = st
	}
	if !now.Before(st.minuteResetAt) {
		st.minuteCount = 0
		st.minuteResetAt = now.Add(time.Minute)
	}
	if !now.Before(st.dayResetAt) {
		st.dayCount = 0
		st.dayResetAt = now.Add(24 * time.Hour)
	}
	return st
}
