package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxHistory int) (*Manager, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	return New(Options{MaxHistory: maxHistory, MaxMemories: 2, Clock: clk}), clk
}

func TestGetOrCreate(t *testing.T) {
	m, _ := newTestManager(t, 5)

	st := m.GetOrCreate("c1")
	assert.Equal(t, "c1", st.Key)
	assert.Empty(t, st.Messages)
	assert.Equal(t, 1.0, st.Confidence)
	assert.Equal(t, 1, m.Len())

	m.GetOrCreate("c1")
	assert.Equal(t, 1, m.Len())
}

func TestAddMessageCapKeepsMostRecent(t *testing.T) {
	m, _ := newTestManager(t, 5)

	for i := 0; i < 12; i++ {
		m.AddMessage("c1", models.RoleUser, fmt.Sprintf("msg %d", i))
	}

	st := m.GetOrCreate("c1")
	require.Len(t, st.Messages, 5)
	for i, msg := range st.Messages {
		assert.Equal(t, fmt.Sprintf("msg %d", 7+i), msg.Content)
	}
	assert.Equal(t, 12, st.Exchanges)
}

func TestOnlyUserMessagesCountAsExchanges(t *testing.T) {
	m, _ := newTestManager(t, 10)

	m.AddMessage("c1", models.RoleUser, "hi")
	m.AddMessage("c1", models.RoleAssistant, "hello")
	m.AddMessage("c1", models.RoleSystem, "note")
	st := m.AddMessage("c1", models.RoleUser, "help")

	assert.Equal(t, 2, st.Exchanges)
	assert.Len(t, st.Messages, 4)
}

func TestConfidence(t *testing.T) {
	m, _ := newTestManager(t, 10)

	m.SetTicketType("c1", "billing", 0.8)
	assert.InDelta(t, 0.5, m.ReduceConfidence("c1", 0.3), 1e-9)
	assert.InDelta(t, 0.5, m.ReduceConfidence("c1", -1), 1e-9)
	assert.Equal(t, 0.0, m.ReduceConfidence("c1", 2))

	m.AddMessage("c1", models.RoleUser, "still here")
	st := m.GetOrCreate("c1")
	assert.Equal(t, "billing", st.Topic)
	assert.Len(t, st.Messages, 1)

	m.SetTicketType("c1", "technical", 0.9)
	st = m.GetOrCreate("c1")
	assert.Equal(t, "technical", st.Topic)
	assert.InDelta(t, 0.9, st.Confidence, 1e-9)
}

func TestSetMemoriesKeepsTopScored(t *testing.T) {
	m, _ := newTestManager(t, 10)

	m.SetMemories("c1", []models.Memory{
		{Content: "a", Score: 0.1},
		{Content: "b", Score: 0.9},
		{Content: "c", Score: 0.5},
	})

	st := m.GetOrCreate("c1")
	require.Len(t, st.Memories, 2)
	assert.Equal(t, "b", st.Memories[0].Content)
	assert.Equal(t, "c", st.Memories[1].Content)
}

func TestSnapshotIsCopy(t *testing.T) {
	m, _ := newTestManager(t, 10)
	m.AddMessage("c1", models.RoleUser, "original")

	st, ok := m.Snapshot("c1")
	require.True(t, ok)
	st.Messages[0].Content = "mutated"

	st, _ = m.Snapshot("c1")
	assert.Equal(t, "original", st.Messages[0].Content)

	_, ok = m.Snapshot("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t, 10)
	m.SetEscalated("c1", true)
	m.SetSystemPrompt("c2", "be nice")

	assert.Equal(t, []string{"c1", "c2"}, m.Keys())
	assert.True(t, m.Remove("c1"))
	assert.False(t, m.Remove("c1"))
	assert.Equal(t, []string{"c2"}, m.Keys())

	// A reused key starts fresh.
	assert.False(t, m.GetOrCreate("c1").Escalated)
}

func TestSweep(t *testing.T) {
	m, clk := newTestManager(t, 10)

	m.AddMessage("old", models.RoleUser, "hi")
	clk.Advance(20 * time.Minute)
	m.AddMessage("new", models.RoleUser, "hi")
	clk.Advance(15 * time.Minute)

	assert.Equal(t, []string{"old"}, m.Sweep(30*time.Minute))
	assert.Equal(t, []string{"new"}, m.Keys())

	m.Touch("new")
	clk.Advance(29 * time.Minute)
	assert.Empty(t, m.Sweep(30*time.Minute))
}

func TestRunSweeper(t *testing.T) {
	m, clk := newTestManager(t, 10)
	m.AddMessage("c1", models.RoleUser, "hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, time.Minute, 5*time.Minute)
		close(done)
	}()

	clk.WaitForTimers(1)
	clk.Advance(6 * time.Minute)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
