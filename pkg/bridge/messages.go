package bridge

import (
	"time"
	"unicode/utf8"

	"github.com/pario-ai/helmsman/pkg/models"
)

// Message names. Events flow from the chat process to the AI process;
// actions flow the other way. Queries go both ways.
const (
	EventTicketCreated = "ticket.created"
	EventTicketMessage = "ticket.message"
	EventTicketClosed  = "ticket.closed"

	ActionSendMessage = "send_message"
	ActionEscalate    = "escalate"
	ActionCloseTicket = "close_ticket"

	QueryTicketHistory = "ticket.history"
	QueryMemberInfo    = "member.info"
	QueryAIStatus      = "ai.status"
)

// MaxMessageLength is the longest message body the chat side accepts.
const MaxMessageLength = 2000

type validator interface {
	Validate() error
}

func required(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Message: "required"}
	}
	return nil
}

// TicketCreated is emitted when a support ticket channel opens.
type TicketCreated struct {
	TicketID  string    `cbor:"ticket_id"`
	ChannelID string    `cbor:"channel_id"`
	UserID    string    `cbor:"user_id"`
	Category  string    `cbor:"category,omitempty"`
	Subject   string    `cbor:"subject,omitempty"`
	CreatedAt time.Time `cbor:"created_at"`
}

func (m *TicketCreated) Validate() error {
	if err := required("ticket_id", m.TicketID); err != nil {
		return err
	}
	return required("user_id", m.UserID)
}

// TicketMessage is emitted for every message posted in a ticket.
type TicketMessage struct {
	TicketID  string    `cbor:"ticket_id"`
	MessageID string    `cbor:"message_id"`
	AuthorID  string    `cbor:"author_id"`
	Content   string    `cbor:"content"`
	FromStaff bool      `cbor:"from_staff,omitempty"`
	SentAt    time.Time `cbor:"sent_at"`
}

func (m *TicketMessage) Validate() error {
	if err := required("ticket_id", m.TicketID); err != nil {
		return err
	}
	return required("author_id", m.AuthorID)
}

// TicketClosed is emitted when a ticket is closed by anyone.
type TicketClosed struct {
	TicketID string `cbor:"ticket_id"`
	ClosedBy string `cbor:"closed_by,omitempty"`
	Reason   string `cbor:"reason,omitempty"`
}

func (m *TicketClosed) Validate() error {
	return required("ticket_id", m.TicketID)
}

// SendMessage asks the chat side to post a reply into a ticket.
type SendMessage struct {
	TicketID string `cbor:"ticket_id"`
	Content  string `cbor:"content"`
}

func (m *SendMessage) Validate() error {
	if err := required("ticket_id", m.TicketID); err != nil {
		return err
	}
	if err := required("content", m.Content); err != nil {
		return err
	}
	if utf8.RuneCountInString(m.Content) > MaxMessageLength {
		return &ValidationError{Field: "content", Message: "too long"}
	}
	return nil
}

// Escalate hands a ticket to human staff.
type Escalate struct {
	TicketID string `cbor:"ticket_id"`
	Reason   string `cbor:"reason"`
	Topic    string `cbor:"topic,omitempty"`
}

func (m *Escalate) Validate() error {
	if err := required("ticket_id", m.TicketID); err != nil {
		return err
	}
	return required("reason", m.Reason)
}

// CloseTicket asks the chat side to close a resolved ticket.
type CloseTicket struct {
	TicketID string `cbor:"ticket_id"`
	Reason   string `cbor:"reason,omitempty"`
}

func (m *CloseTicket) Validate() error {
	return required("ticket_id", m.TicketID)
}

// Ack is the reply to every action.
type Ack struct {
	OK        bool   `cbor:"ok"`
	MessageID string `cbor:"message_id,omitempty"`
}

// TicketHistoryQuery asks for the stored transcript of a ticket.
type TicketHistoryQuery struct {
	TicketID string `cbor:"ticket_id"`
	Limit    int    `cbor:"limit,omitempty"`
}

func (m *TicketHistoryQuery) Validate() error {
	if m.Limit < 0 {
		return &ValidationError{Field: "limit", Message: "negative"}
	}
	return required("ticket_id", m.TicketID)
}

// HistoryMessage is one transcript line.
type HistoryMessage struct {
	AuthorID  string    `cbor:"author_id"`
	Content   string    `cbor:"content"`
	FromStaff bool      `cbor:"from_staff,omitempty"`
	SentAt    time.Time `cbor:"sent_at"`
}

// TicketHistory answers TicketHistoryQuery, oldest message first.
type TicketHistory struct {
	TicketID string           `cbor:"ticket_id"`
	Messages []HistoryMessage `cbor:"messages"`
}

// MemberInfoQuery asks for a community member's profile.
type MemberInfoQuery struct {
	UserID string `cbor:"user_id"`
}

func (m *MemberInfoQuery) Validate() error {
	return required("user_id", m.UserID)
}

// MemberInfo answers MemberInfoQuery.
type MemberInfo struct {
	UserID       string    `cbor:"user_id"`
	DisplayName  string    `cbor:"display_name"`
	Roles        []string  `cbor:"roles,omitempty"`
	JoinedAt     time.Time `cbor:"joined_at"`
	PriorTickets int       `cbor:"prior_tickets"`
}

// AIStatusQuery asks the AI process for its health. It has no fields.
type AIStatusQuery struct{}

// AIStatus answers AIStatusQuery.
type AIStatus struct {
	Instance      string               `cbor:"instance"`
	Budget        models.BudgetStatus  `cbor:"budget"`
	Conversations int                  `cbor:"conversations"`
	Models        []models.ModelStatus `cbor:"models,omitempty"`
}
