package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pario-ai/helmsman/pkg/bridge"
	"github.com/pario-ai/helmsman/pkg/budget"
	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/conversation"
	"github.com/pario-ai/helmsman/pkg/mcp"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/pario-ai/helmsman/pkg/provider"
	"github.com/pario-ai/helmsman/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentAction struct {
	name    string
	key     string
	payload any
}

type fakeBridge struct {
	mu        sync.Mutex
	actions   []sentAction
	actionErr error
	queries   map[string]func(payload, out any) error
	events    map[string]bridge.EventHandler
	requests  map[string]bridge.RequestHandler
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		queries:  make(map[string]func(payload, out any) error),
		events:   make(map[string]bridge.EventHandler),
		requests: make(map[string]bridge.RequestHandler),
	}
}

func (b *fakeBridge) CallAction(_ context.Context, name, key string, payload, out any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.actionErr != nil {
		return b.actionErr
	}
	b.actions = append(b.actions, sentAction{name: name, key: key, payload: payload})
	if ack, ok := out.(*bridge.Ack); ok {
		ack.OK = true
	}
	return nil
}

func (b *fakeBridge) Query(_ context.Context, name, _ string, payload, out any) error {
	fn, ok := b.queries[name]
	if !ok {
		return &bridge.RemoteError{Name: name, Message: "no handler"}
	}
	return fn(payload, out)
}

func (b *fakeBridge) HandleEvent(name string, fn bridge.EventHandler) { b.events[name] = fn }
func (b *fakeBridge) HandleQuery(name string, fn bridge.RequestHandler) { b.requests[name] = fn }

func (b *fakeBridge) sent(name string) []sentAction {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentAction
	for _, a := range b.actions {
		if a.name == name {
			out = append(out, a)
		}
	}
	return out
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   []provider.Request
	respond func(req provider.Request) (*provider.Result, error)
}

func (p *fakeProvider) Complete(_ context.Context, req provider.Request) (*provider.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	respond := p.respond
	p.mu.Unlock()
	return respond(req)
}

func (p *fakeProvider) models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Model
	}
	return out
}

func (p *fakeProvider) last(model string) provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.calls) - 1; i >= 0; i-- {
		if p.calls[i].Model == model {
			return p.calls[i]
		}
	}
	return provider.Request{}
}

func textResult(text string) *provider.Result {
	return &provider.Result{Text: text, InputTokens: 1000, OutputTokens: 200}
}

// scripted answers the classifier with classify and the conversation
// model with reply.
func scripted(classify, reply string) func(provider.Request) (*provider.Result, error) {
	return func(req provider.Request) (*provider.Result, error) {
		if req.Model == "cls" {
			return textResult(classify), nil
		}
		return textResult(reply), nil
	}
}

type harness struct {
	orch   *Orchestrator
	bridge *fakeBridge
	prov   *fakeProvider
	budget *budget.Monitor
	router *router.Router
	convs  *conversation.Manager
	clock  *clock.FakeClock
}

func newHarness(t *testing.T, limit float64, respond func(provider.Request) (*provider.Result, error)) *harness {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))
	rt := router.New(config.RouterConfig{
		DefaultModel: "base",
		Tasks: map[models.TaskType]config.TaskRoute{
			models.TaskClassification: {Primary: "cls"},
			models.TaskConversation:   {Primary: "chat", Fallback: "chat-fb"},
		},
		DefaultBan: time.Minute,
	}, clk)
	mon := budget.New(budget.Options{DailyLimit: limit, Location: time.UTC, Clock: clk})
	convs := conversation.New(conversation.Options{Clock: clk})
	br := newFakeBridge()
	prov := &fakeProvider{respond: respond}

	orch, err := New(Options{
		Router:        rt,
		Budget:        mon,
		Conversations: convs,
		Provider:      prov,
		Bridge:        br,
		Instance:      "ai-1",
		Clock:         clk,
	})
	require.NoError(t, err)
	return &harness{orch: orch, bridge: br, prov: prov, budget: mon, router: rt, convs: convs, clock: clk}
}

func message(ticket, content string) bridge.TicketMessage {
	return bridge.TicketMessage{TicketID: ticket, MessageID: "m", AuthorID: "u1", Content: content}
}

const confident = `{"topic":"billing","confidence":0.9,"escalate":false}`

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router is required")
	assert.Contains(t, err.Error(), "bridge is required")
}

func TestCompleteTracksOnce(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "hi"))

	res, err := h.orch.Complete(context.Background(), models.TaskConversation, "T1", provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "chat", res.Model)
	assert.Equal(t, []string{"chat"}, h.prov.models())

	day := h.budget.Today()
	assert.Equal(t, 1, day.TotalRequests)
	assert.Equal(t, 1, day.ByTask[models.TaskConversation].Requests)
	tc, found := h.budget.Ticket("T1")
	require.True(t, found)
	assert.Equal(t, 1, tc.Calls)
}

func TestCompleteBillsResolvedModel(t *testing.T) {
	h := newHarness(t, 100, func(provider.Request) (*provider.Result, error) {
		res := textResult("hi")
		res.Model = "gpt-4o-2024-08-06"
		return res, nil
	})

	res, err := h.orch.Complete(context.Background(), models.TaskConversation, "T1", provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-2024-08-06", res.Model)
	assert.Equal(t, []string{"chat"}, h.prov.models())

	day := h.budget.Today()
	require.Contains(t, day.ByModel, "gpt-4o-2024-08-06")
	assert.NotContains(t, day.ByModel, "chat")
	// 1000 input and 200 output tokens at gpt-4o prices.
	assert.InDelta(t, 0.0045, day.ByModel["gpt-4o-2024-08-06"].Cost, 1e-9)
}

func TestCompleteAppliesTaskPolicy(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "hi"))

	_, err := h.orch.Complete(context.Background(), models.TaskClassification, "", provider.Request{Temperature: 2, MaxTokens: 9})
	require.NoError(t, err)

	req := h.prov.last("cls")
	want := router.PolicyFor(models.TaskClassification)
	assert.Equal(t, want.Temperature, req.Temperature)
	assert.Equal(t, want.MaxTokens, req.MaxTokens)
}

func TestCompleteRateLimitedFallsBack(t *testing.T) {
	h := newHarness(t, 100, func(req provider.Request) (*provider.Result, error) {
		if req.Model == "chat" {
			return nil, &provider.ProviderError{StatusCode: http.StatusTooManyRequests, RetryAfter: 30 * time.Second}
		}
		return textResult("from fallback"), nil
	})

	res, err := h.orch.Complete(context.Background(), models.TaskConversation, "T1", provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "chat-fb", res.Model)
	assert.Equal(t, []string{"chat", "chat-fb"}, h.prov.models())
	assert.True(t, h.router.IsBanned("chat"))

	day := h.budget.Today()
	assert.Equal(t, 1, day.TotalRequests)
	assert.Equal(t, 1, day.ByModel["chat-fb"].Requests)
	assert.Zero(t, day.ByModel["chat"].Requests)

	h.clock.Advance(31 * time.Second)
	assert.False(t, h.router.IsBanned("chat"))
}

func TestCompleteServerErrorTriesNextCandidate(t *testing.T) {
	h := newHarness(t, 100, func(req provider.Request) (*provider.Result, error) {
		if req.Model == "chat" {
			return nil, &provider.ProviderError{StatusCode: http.StatusInternalServerError}
		}
		return textResult("ok"), nil
	})

	res, err := h.orch.Complete(context.Background(), models.TaskConversation, "", provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "chat-fb", res.Model)
	assert.False(t, h.router.IsBanned("chat"))
}

func TestCompleteAllModelsFail(t *testing.T) {
	h := newHarness(t, 100, func(provider.Request) (*provider.Result, error) {
		return nil, errors.New("connection refused")
	})

	_, err := h.orch.Complete(context.Background(), models.TaskConversation, "T1", provider.Request{})
	require.ErrorIs(t, err, ErrAllModelsFailed)
	assert.Equal(t, []string{"chat", "chat-fb", "base"}, h.prov.models())
	assert.Zero(t, h.budget.Today().TotalRequests)
	_, found := h.budget.Ticket("T1")
	assert.False(t, found)
}

func TestCompleteStopsAtMaxAttempts(t *testing.T) {
	h := newHarness(t, 100, func(provider.Request) (*provider.Result, error) {
		return nil, errors.New("boom")
	})
	h.orch.maxAttempts = 2

	_, err := h.orch.Complete(context.Background(), models.TaskConversation, "", provider.Request{})
	require.ErrorIs(t, err, ErrAllModelsFailed)
	assert.Len(t, h.prov.models(), 2)
}

func TestCompleteOverBudget(t *testing.T) {
	h := newHarness(t, 0.001, scripted(confident, "hi"))
	h.budget.TrackRequest(models.RequestData{Model: "chat", Task: models.TaskConversation, InputTokens: 1_000_000})

	_, err := h.orch.Complete(context.Background(), models.TaskConversation, "", provider.Request{})
	require.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Empty(t, h.prov.models())
}

func TestHandleMessageReplies(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "Try resetting your password."))

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "I cannot log in"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.True(t, reply.Delivered)
	assert.False(t, reply.Escalated)
	assert.Equal(t, "chat", reply.Model)

	sent := h.bridge.sent(bridge.ActionSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "T1", sent[0].key)
	assert.Equal(t, "Try resetting your password.", sent[0].payload.(*bridge.SendMessage).Content)

	st, found := h.convs.Snapshot("T1")
	require.True(t, found)
	assert.Equal(t, "billing", st.Topic)
	assert.InDelta(t, 0.9, st.Confidence, 1e-9)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, models.RoleUser, st.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, st.Messages[1].Role)
	assert.Equal(t, 1, st.Exchanges)

	tc, found := h.budget.Ticket("T1")
	require.True(t, found)
	assert.Equal(t, 2, tc.Calls)
}

func TestHandleMessageStaffIsRecordedOnly(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "hi"))
	msg := message("T1", "Staff here, looking into it")
	msg.FromStaff = true

	reply, err := h.orch.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Empty(t, h.prov.models())

	st, _ := h.convs.Snapshot("T1")
	require.Len(t, st.Messages, 1)
	assert.Equal(t, models.RoleAssistant, st.Messages[0].Role)
	assert.Zero(t, st.Exchanges)
}

func TestHandleMessageClassifierEscalates(t *testing.T) {
	h := newHarness(t, 100, scripted(`{"topic":"refund","confidence":0.8,"escalate":true}`, "unused"))

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "I want a human now"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.True(t, reply.Escalated)
	assert.Equal(t, ReasonRequested, reply.Reason)

	esc := h.bridge.sent(bridge.ActionEscalate)
	require.Len(t, esc, 1)
	assert.Equal(t, "refund", esc[0].payload.(*bridge.Escalate).Topic)
	assert.Empty(t, h.bridge.sent(bridge.ActionSendMessage))

	calls := len(h.prov.models())
	reply, err = h.orch.HandleMessage(context.Background(), message("T1", "hello?"))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Len(t, h.prov.models(), calls)
}

func TestHandleMessageLowConfidenceEscalates(t *testing.T) {
	h := newHarness(t, 100, scripted(`{"topic":"unknown","confidence":0.2}`, "unused"))

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "asdf"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, ReasonLowConfidence, reply.Reason)
}

func TestHandleMessageClassifierFailureReducesConfidence(t *testing.T) {
	h := newHarness(t, 100, scripted("I am not JSON", "Sure, here is how."))
	h.orch.confidencePenalty = 0.5

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "first"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.False(t, reply.Escalated)
	st, _ := h.convs.Snapshot("T1")
	assert.InDelta(t, 0.5, st.Confidence, 1e-9)

	reply, err = h.orch.HandleMessage(context.Background(), message("T1", "second"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.True(t, reply.Escalated)
	assert.Equal(t, ReasonLowConfidence, reply.Reason)
}

func TestHandleMessageExchangeLimitEscalates(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "answer"))
	h.orch.maxExchanges = 2

	for _, text := range []string{"one", "two"} {
		reply, err := h.orch.HandleMessage(context.Background(), message("T1", text))
		require.NoError(t, err)
		require.False(t, reply.Escalated)
	}
	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "three"))
	require.NoError(t, err)
	assert.True(t, reply.Escalated)
	assert.Equal(t, ReasonTooLong, reply.Reason)
}

func TestHandleMessageHardStopIsSilent(t *testing.T) {
	h := newHarness(t, 0.006, scripted(confident, "answer"))

	// Each call costs 0.0045 at the reference price, so the first
	// exchange is answered and pushes spend past the limit.
	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "one"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, h.budget.IsOverBudget())

	calls := len(h.prov.models())
	reply, err = h.orch.HandleMessage(context.Background(), message("T1", "two"))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Len(t, h.prov.models(), calls)

	st, _ := h.convs.Snapshot("T1")
	assert.Equal(t, "two", st.Messages[len(st.Messages)-1].Content)
}

func TestHandleMessageTransportLoss(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "answer"))
	h.bridge.actionErr = bridge.ErrNotConnected

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "hello"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.False(t, reply.Delivered)
	assert.Equal(t, "answer", reply.Content)
}

func TestHandleMessageProviderDown(t *testing.T) {
	h := newHarness(t, 100, func(req provider.Request) (*provider.Result, error) {
		if req.Model == "cls" {
			return textResult(confident), nil
		}
		return nil, errors.New("dial tcp: refused")
	})

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "hello"))
	require.ErrorIs(t, err, ErrAllModelsFailed)
	assert.Nil(t, reply)
	assert.Empty(t, h.bridge.sent(bridge.ActionSendMessage))
}

func TestHandleMessageCloseAction(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "Glad that fixed it!\nACTION: close\n"))

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "works now, thanks"))
	require.NoError(t, err)
	assert.True(t, reply.Closed)
	assert.Equal(t, "Glad that fixed it!", reply.Content)

	sent := h.bridge.sent(bridge.ActionSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "Glad that fixed it!", sent[0].payload.(*bridge.SendMessage).Content)
	assert.Len(t, h.bridge.sent(bridge.ActionCloseTicket), 1)
}

func TestHandleMessageEscalateAction(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "Let me get someone.\nACTION: escalate"))

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "refund my order"))
	require.NoError(t, err)
	assert.True(t, reply.Escalated)
	assert.Equal(t, ReasonModel, reply.Reason)
	assert.True(t, reply.Delivered)
	assert.Len(t, h.bridge.sent(bridge.ActionEscalate), 1)

	st, _ := h.convs.Snapshot("T1")
	assert.True(t, st.Escalated)
}

func TestHandleMessageTruncatesLongReplies(t *testing.T) {
	long := make([]rune, bridge.MaxMessageLength+50)
	for i := range long {
		long[i] = 'é'
	}
	h := newHarness(t, 100, scripted(confident, string(long)))

	reply, err := h.orch.HandleMessage(context.Background(), message("T1", "hi"))
	require.NoError(t, err)
	assert.Len(t, []rune(reply.Content), bridge.MaxMessageLength)
}

func TestHandleMessageRestoresHistory(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "answer"))
	sentAt := time.Date(2026, 3, 9, 11, 0, 0, 0, time.UTC)
	h.bridge.queries[bridge.QueryTicketHistory] = func(payload, out any) error {
		hist := out.(*bridge.TicketHistory)
		hist.Messages = []bridge.HistoryMessage{
			{AuthorID: "u1", Content: "earlier question", SentAt: sentAt.Add(-2 * time.Minute)},
			{AuthorID: "s1", Content: "staff answer", FromStaff: true, SentAt: sentAt.Add(-time.Minute)},
			{AuthorID: "u1", Content: "current", SentAt: sentAt},
		}
		return nil
	}
	msg := message("T1", "current")
	msg.SentAt = sentAt

	_, err := h.orch.HandleMessage(context.Background(), msg)
	require.NoError(t, err)

	conv := h.prov.last("chat")
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "earlier question", conv.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "current", conv.Messages[2].Content)
}

type fakeTools struct {
	connected bool
	text      string
	args      any
}

func (f *fakeTools) Connected() bool { return f.connected }

func (f *fakeTools) CallTool(_ context.Context, _ string, args any) (*mcp.ToolCallResult, error) {
	f.args = args
	return &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: f.text}}}, nil
}

func TestHandleMessageLoadsMemories(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "answer"))
	tools := &fakeTools{connected: true, text: "- Refunds take 5 days\n- Billing is monthly"}
	h.orch.tools = tools
	h.orch.memoryTool = "search_memory"

	_, err := h.orch.HandleMessage(context.Background(), message("T1", "where is my refund"))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"query": "where is my refund"}, tools.args)
	system := h.prov.last("chat").System
	assert.Contains(t, system, "Relevant knowledge:")
	assert.Contains(t, system, "- Refunds take 5 days")

	st, _ := h.convs.Snapshot("T1")
	require.Len(t, st.Memories, 2)
	assert.Equal(t, "Refunds take 5 days", st.Memories[0].Content)
}

func TestHandleMessageSkipsDisconnectedTools(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "answer"))
	tools := &fakeTools{connected: false}
	h.orch.tools = tools
	h.orch.memoryTool = "search_memory"

	_, err := h.orch.HandleMessage(context.Background(), message("T1", "hi"))
	require.NoError(t, err)
	assert.Nil(t, tools.args)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "answer"))
	_, err := h.orch.HandleMessage(context.Background(), message("T1", "hi"))
	require.NoError(t, err)

	st := h.orch.Status()
	assert.Equal(t, "ai-1", st.Instance)
	assert.Equal(t, 1, st.Conversations)
	assert.Equal(t, 1, st.Budget.OpenTickets)
	assert.Equal(t, 2, st.Budget.Requests)
	assert.NotEmpty(t, st.Models)
}

func createdEvent(t *testing.T, ev bridge.TicketCreated) *bridge.Request {
	t.Helper()
	raw, err := cbor.Marshal(ev)
	require.NoError(t, err)
	return &bridge.Request{Kind: bridge.KindEvent, Name: bridge.EventTicketCreated, Key: ev.TicketID, Payload: raw}
}

func TestTicketCreatedIgnoresEmptyMemberInfo(t *testing.T) {
	h := newHarness(t, 100, scripted(confident, "ok"))
	h.bridge.queries[bridge.QueryMemberInfo] = func(_, _ any) error { return nil }
	h.orch.Register()

	handler := h.bridge.events[bridge.EventTicketCreated]
	require.NotNil(t, handler)
	require.NoError(t, handler(context.Background(), createdEvent(t, bridge.TicketCreated{
		TicketID: "T1", ChannelID: "c", UserID: "u1", Category: "billing",
	})))

	st, ok := h.convs.Snapshot("T1")
	require.True(t, ok)
	assert.Contains(t, st.SystemPrompt, "- Category: billing")
	assert.NotContains(t, st.SystemPrompt, "- Member:")
}
