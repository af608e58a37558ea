package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pario-ai/helmsman/pkg/bridge"
	"github.com/pario-ai/helmsman/pkg/budget"
	cachedb "github.com/pario-ai/helmsman/pkg/cache/sqlite"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/pario-ai/helmsman/pkg/provider"
)

// Escalation reasons reported in the escalate action.
const (
	ReasonRequested     = "classifier requested staff"
	ReasonLowConfidence = "low confidence"
	ReasonTooLong       = "exchange limit reached"
	ReasonModel         = "assistant handed over"
)

const cacheScopeClassification = "classification"

// Reply describes what the orchestrator did with one member message.
type Reply struct {
	TicketID string
	Model    string
	Content  string

	// Delivered is false when the send_message action could not reach
	// the chat process.
	Delivered bool

	Escalated bool
	Reason    string
	Closed    bool
}

// HandleMessage processes one ticket message. It returns a nil Reply
// without error when the message is recorded but not answered: staff
// messages, already escalated tickets and a spent budget all stay
// silent.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg bridge.TicketMessage) (*Reply, error) {
	key := msg.TicketID
	if _, ok := o.convs.Snapshot(key); !ok {
		o.restoreHistory(ctx, msg)
	}

	if msg.FromStaff {
		o.convs.AddMessage(key, models.RoleAssistant, msg.Content)
		return nil, nil
	}
	st := o.convs.AddMessage(key, models.RoleUser, msg.Content)
	if st.Escalated {
		return nil, nil
	}
	if o.budget.IsOverBudget() {
		o.logger.Debug("budget exhausted, not replying", "ticket", key)
		return nil, nil
	}

	cls, err := o.classify(ctx, key, &st)
	switch {
	case errors.Is(err, budget.ErrBudgetExceeded):
		return nil, nil
	case err != nil:
		conf := o.convs.ReduceConfidence(key, o.confidencePenalty)
		o.logger.Warn("classification failed", "ticket", key, "confidence", conf, "error", err)
	default:
		o.convs.SetTicketType(key, cls.Topic, cls.Confidence)
	}

	st = o.convs.GetOrCreate(key)
	if reason := o.escalationReason(cls, &st); reason != "" {
		return o.escalate(ctx, &st, reason), nil
	}

	o.loadMemories(ctx, key, msg.Content)
	st = o.convs.GetOrCreate(key)

	res, err := o.Complete(ctx, models.TaskConversation, key, provider.Request{
		System:   conversationSystem(&st),
		Messages: st.Messages,
	})
	if errors.Is(err, budget.ErrBudgetExceeded) {
		return nil, nil
	}
	if err != nil {
		o.convs.ReduceConfidence(key, o.confidencePenalty)
		return nil, fmt.Errorf("reply to ticket %s: %w", key, err)
	}

	text, action := splitAction(res.Text)
	text = truncate(text, bridge.MaxMessageLength)
	reply := &Reply{TicketID: key, Model: res.Model, Content: text}

	if text != "" {
		o.convs.AddMessage(key, models.RoleAssistant, text)
		reply.Delivered = o.send(ctx, key, text)
	}

	switch action {
	case actionEscalate:
		esc := o.escalate(ctx, &st, ReasonModel)
		esc.Model, esc.Content, esc.Delivered = reply.Model, reply.Content, reply.Delivered
		return esc, nil
	case actionClose:
		reply.Closed = o.closeTicket(ctx, key)
	}
	return reply, nil
}

func (o *Orchestrator) classify(ctx context.Context, key string, st *models.ConversationState) (*classification, error) {
	topic := st.Topic
	if topic == "" {
		topic = "(none yet)"
	}
	last := ""
	if n := len(st.Messages); n > 0 {
		last = st.Messages[n-1].Content
	}

	hash := cachedb.HashPrompt(topic, last)
	if o.cache != nil {
		if data, ok := o.cache.Get(hash, cacheScopeClassification); ok {
			if cls, err := parseClassification(string(data)); err == nil {
				o.logger.Debug("classification cache hit", "ticket", key, "topic", cls.Topic)
				return cls, nil
			}
		}
	}

	res, err := o.Complete(ctx, models.TaskClassification, key, provider.Request{
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: fmt.Sprintf(classifyPrompt, topic, last),
			At:      o.clock.Now(),
		}},
	})
	if err != nil {
		return nil, err
	}
	cls, err := parseClassification(res.Text)
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		data, _ := json.Marshal(cls)
		if err := o.cache.Put(hash, cacheScopeClassification, data); err != nil {
			o.logger.Warn("cache classification", "ticket", key, "error", err)
		}
	}
	return cls, nil
}

// escalationReason returns why the ticket should go to staff, or "".
func (o *Orchestrator) escalationReason(cls *classification, st *models.ConversationState) string {
	switch {
	case cls != nil && cls.Escalate:
		return ReasonRequested
	case st.Confidence < o.confidenceFloor:
		return ReasonLowConfidence
	case st.Exchanges > o.maxExchanges:
		return ReasonTooLong
	}
	return ""
}

func (o *Orchestrator) escalate(ctx context.Context, st *models.ConversationState, reason string) *Reply {
	o.convs.SetEscalated(st.Key, true)
	reply := &Reply{TicketID: st.Key, Escalated: true, Reason: reason}

	err := o.bridge.CallAction(ctx, bridge.ActionEscalate, st.Key, &bridge.Escalate{
		TicketID: st.Key,
		Reason:   reason,
		Topic:    st.Topic,
	}, nil)
	if err != nil {
		o.logger.Error("AI temporarily unavailable", "ticket", st.Key, "action", bridge.ActionEscalate, "error", err)
		return reply
	}
	o.logger.Info("ticket escalated", "ticket", st.Key, "reason", reason, "topic", st.Topic)
	return reply
}

func (o *Orchestrator) send(ctx context.Context, key, text string) bool {
	var ack bridge.Ack
	err := o.bridge.CallAction(ctx, bridge.ActionSendMessage, key, &bridge.SendMessage{
		TicketID: key,
		Content:  text,
	}, &ack)
	if err != nil {
		o.logger.Error("AI temporarily unavailable", "ticket", key, "action", bridge.ActionSendMessage, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) closeTicket(ctx context.Context, key string) bool {
	err := o.bridge.CallAction(ctx, bridge.ActionCloseTicket, key, &bridge.CloseTicket{
		TicketID: key,
		Reason:   "resolved by assistant",
	}, nil)
	if err != nil {
		o.logger.Error("AI temporarily unavailable", "ticket", key, "action", bridge.ActionCloseTicket, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) loadMemories(ctx context.Context, key, query string) {
	if o.tools == nil || o.memoryTool == "" || !o.tools.Connected() {
		return
	}
	res, err := o.tools.CallTool(ctx, o.memoryTool, map[string]any{"query": query})
	if err != nil {
		o.logger.Warn("memory lookup failed", "ticket", key, "tool", o.memoryTool, "error", err)
		return
	}
	if res.IsError {
		o.logger.Warn("memory tool returned an error", "ticket", key, "tool", o.memoryTool, "text", res.Text())
		return
	}
	if mems := parseMemories(res.Text()); len(mems) > 0 {
		o.convs.SetMemories(key, mems)
	}
}

// restoreHistory rebuilds the context of a ticket this process has not
// seen, for example after a restart, from the chat side's transcript.
func (o *Orchestrator) restoreHistory(ctx context.Context, msg bridge.TicketMessage) {
	var hist bridge.TicketHistory
	err := o.bridge.Query(ctx, bridge.QueryTicketHistory, msg.TicketID, &bridge.TicketHistoryQuery{TicketID: msg.TicketID}, &hist)
	if err != nil {
		o.logger.Debug("ticket history unavailable", "ticket", msg.TicketID, "error", err)
		return
	}
	for _, h := range hist.Messages {
		if !msg.SentAt.IsZero() && !h.SentAt.Before(msg.SentAt) {
			continue
		}
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		role := models.RoleUser
		if h.FromStaff {
			role = models.RoleAssistant
		}
		o.convs.AddMessage(msg.TicketID, role, h.Content)
	}
}
