package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pario-ai/helmsman/pkg/bridge"
	"github.com/pario-ai/helmsman/pkg/models"
)

const basePrompt = `You are the support assistant for this community. Answer the member's
question clearly and briefly. If you cannot help, say so and offer to bring in
a staff member. Never invent account details or promises on behalf of staff.

When the member's issue is fully resolved, end your reply with a line that
reads exactly "ACTION: close". When a human must take over, end your reply
with "ACTION: escalate".`

const classifyPrompt = `You are a support ticket classifier. Read the latest member message and
decide what the ticket is about.

Current topic: %s

Member message:
%s

Reply with ONLY a JSON object (no markdown, no explanation):
{"topic":"<short topic>","confidence":<0.0-1.0>,"escalate":<true|false>}

Set "escalate" to true when the member asks for a human, reports a security
or billing problem, or is clearly frustrated.`

// classification is the classifier's verdict on one message.
type classification struct {
	Topic      string  `json:"topic"`
	Confidence float64 `json:"confidence"`
	Escalate   bool    `json:"escalate"`
}

// parseClassification extracts the verdict from the model output. Models
// sometimes wrap the JSON in prose, so only the outermost braces are read.
func parseClassification(output string) (*classification, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in classifier output")
	}

	var c classification
	if err := json.Unmarshal([]byte(output[start:end+1]), &c); err != nil {
		return nil, fmt.Errorf("parse classifier output: %w", err)
	}
	c.Topic = strings.TrimSpace(c.Topic)
	if c.Topic == "" {
		c.Topic = "general"
	}
	c.Confidence = min(max(c.Confidence, 0), 1)
	return &c, nil
}

func systemPrompt(ev *bridge.TicketCreated, member *bridge.MemberInfo) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nTicket details:\n")
	if ev.Category != "" {
		fmt.Fprintf(&b, "- Category: %s\n", ev.Category)
	}
	if ev.Subject != "" {
		fmt.Fprintf(&b, "- Subject: %s\n", ev.Subject)
	}
	if member != nil {
		name := member.DisplayName
		if name == "" {
			name = member.UserID
		}
		fmt.Fprintf(&b, "- Member: %s\n", name)
		if len(member.Roles) > 0 {
			fmt.Fprintf(&b, "- Roles: %s\n", strings.Join(member.Roles, ", "))
		}
		if member.PriorTickets > 0 {
			fmt.Fprintf(&b, "- Prior tickets: %d\n", member.PriorTickets)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// conversationSystem is the system prompt sent with a conversation call:
// the ticket's own prompt plus any retrieved memories.
func conversationSystem(st *models.ConversationState) string {
	prompt := st.SystemPrompt
	if prompt == "" {
		prompt = basePrompt
	}
	if len(st.Memories) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRelevant knowledge:\n")
	for _, m := range st.Memories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

type replyAction int

const (
	actionNone replyAction = iota
	actionClose
	actionEscalate
)

// splitAction strips a trailing "ACTION: close" or "ACTION: escalate"
// line from a model reply.
func splitAction(text string) (string, replyAction) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := strings.TrimSpace(trimmed[idx+1:])

	var action replyAction
	switch strings.ToLower(last) {
	case "action: close":
		action = actionClose
	case "action: escalate":
		action = actionEscalate
	default:
		return trimmed, actionNone
	}
	if idx < 0 {
		return "", action
	}
	return strings.TrimSpace(trimmed[:idx]), action
}

// parseMemories accepts either a JSON array of memories or plain text
// with one memory per line. Plain lines are scored in the order given.
func parseMemories(text string) []models.Memory {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var mems []models.Memory
	if strings.HasPrefix(text, "[") && json.Unmarshal([]byte(text), &mems) == nil {
		return mems
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" {
			continue
		}
		mems = append(mems, models.Memory{Content: line, Score: 1 - float64(i)/float64(len(lines))})
	}
	return mems
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
