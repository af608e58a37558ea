// Package conversation keeps bounded dialogue state per conversation key.
package conversation

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/models"
)

const (
	defaultMaxHistory  = 20
	defaultMaxMemories = 5
)

// Options configures a Manager.
type Options struct {
	MaxHistory  int
	MaxMemories int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Manager owns one ConversationState per key. It never evicts keys on
// its own; Remove, Sweep or RunSweeper reclaim idle conversations.
type Manager struct {
	mu          sync.Mutex
	maxHistory  int
	maxMemories int
	clock       clock.Clock
	logger      *slog.Logger
	states      map[string]*models.ConversationState
}

// New creates a Manager.
func New(opts Options) *Manager {
	m := &Manager{
		maxHistory:  opts.MaxHistory,
		maxMemories: opts.MaxMemories,
		clock:       opts.Clock,
		logger:      opts.Logger,
		states:      make(map[string]*models.ConversationState),
	}
	if m.maxHistory <= 0 {
		m.maxHistory = defaultMaxHistory
	}
	if m.maxMemories <= 0 {
		m.maxMemories = defaultMaxMemories
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// GetOrCreate returns a copy of the state for key, creating an empty one
// if none exists.
func (m *Manager) GetOrCreate(key string) models.ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.getLocked(key))
}

// Snapshot returns a copy of the state for key without creating it.
func (m *Manager) Snapshot(key string) (models.ConversationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return models.ConversationState{}, false
	}
	return snapshot(st), true
}

// AddMessage appends a message and trims the oldest entries beyond the
// history cap. Only user messages count as an exchange.
func (m *Manager) AddMessage(key string, role models.Role, content string) models.ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getLocked(key)
	now := m.clock.Now()
	st.Messages = append(st.Messages, models.Message{Role: role, Content: content, At: now})
	if over := len(st.Messages) - m.maxHistory; over > 0 {
		st.Messages = append([]models.Message(nil), st.Messages[over:]...)
	}
	if role == models.RoleUser {
		st.Exchanges++
	}
	st.LastActive = now
	return snapshot(st)
}

// ReduceConfidence lowers the classification confidence by amount,
// flooring at zero. Negative amounts are ignored.
func (m *Manager) ReduceConfidence(key string, amount float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getLocked(key)
	if amount > 0 {
		st.Confidence = max(st.Confidence-amount, 0)
	}
	return st.Confidence
}

// SetTicketType records a (re)classification. This is the only way
// confidence can go back up.
func (m *Manager) SetTicketType(key, topic string, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getLocked(key)
	st.Topic = topic
	st.Confidence = min(max(confidence, 0), 1)
}

// SetEscalated flags the conversation as handed to a human.
func (m *Manager) SetEscalated(key string, escalated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getLocked(key).Escalated = escalated
}

// SetSystemPrompt replaces the conversation's system prompt.
func (m *Manager) SetSystemPrompt(key, prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getLocked(key).SystemPrompt = prompt
}

// SetMemories replaces the retrieved memories, keeping the highest
// scored entries up to the memory cap.
func (m *Manager) SetMemories(key string, memories []models.Memory) {
	sorted := append([]models.Memory(nil), memories...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(sorted) > m.maxMemories {
		sorted = sorted[:m.maxMemories]
	}
	m.getLocked(key).Memories = sorted
}

// Touch marks the conversation active now.
func (m *Manager) Touch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getLocked(key).LastActive = m.clock.Now()
}

// Remove drops the state for key and reports whether it existed.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[key]
	delete(m.states, key)
	return ok
}

// Keys returns the active conversation keys, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.states))
	for k := range m.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of active conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// Sweep removes conversations idle for at least idle and returns their
// keys, sorted.
func (m *Manager) Sweep(idle time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-idle)
	var removed []string
	for k, st := range m.states {
		if !st.LastActive.After(cutoff) {
			delete(m.states, k)
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Sweep(idle); len(removed) > 0 {
				m.logger.Info("swept idle conversations", "count", len(removed), "remaining", m.Len())
			}
		}
	}
}

func (m *Manager) getLocked(key string) *models.ConversationState {
	st, ok := m.states[key]
	if !ok {
		now := m.clock.Now()
		st = &models.ConversationState{
			Key:        key,
			Confidence: 1,
			CreatedAt:  now,
			LastActive: now,
		}
		m.states[key] = st
	}
	return st
}

func snapshot(st *models.ConversationState) models.ConversationState {
	out := *st
	out.Messages = append([]models.Message(nil), st.Messages...)
	out.Memories = append([]models.Memory(nil), st.Memories...)
	return out
}
