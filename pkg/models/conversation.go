package models

import "time"

// Role identifies who authored a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation's history.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Memory is a retrieved long-term fact attached to a conversation.
type Memory struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// ConversationState is the bounded dialogue state for one conversation key.
type ConversationState struct {
	Key          string    `json:"key"`
	Messages     []Message `json:"messages"`
	Exchanges    int       `json:"exchanges"`
	Topic        string    `json:"topic"`
	Confidence   float64   `json:"confidence"`
	Escalated    bool      `json:"escalated"`
	SystemPrompt string    `json:"system_prompt"`
	Memories     []Memory  `json:"memories"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}
