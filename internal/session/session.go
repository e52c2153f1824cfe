package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole maps a wire role to a Role. Older backends tag completions "ai".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant", "ai":
		return RoleAssistant, nil
	case "system":
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

// Message represents a single chat message
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IsAssistant reports whether the message was produced by the model
func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// Conversation is a backend-assigned conversation and its ordered history.
// ID and Title are fixed once the backend hands them out.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Clone returns a copy that shares no backing array with c
func (c Conversation) Clone() Conversation {
	c.Messages = CloneMessages(c.Messages)
	return c
}

// CloneMessages copies a message slice
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

var (
	// ErrInvalidInput is returned for blank prompts; no backend call is made.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRequestInFlight is returned when a send is attempted while another is outstanding.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrGatewayUnavailable wraps any failed backend request.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrConversationNotFound is returned for operations on an unknown conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMissingConversationID is returned when the backend hands back an empty id.
	ErrMissingConversationID = errors.New("missing conversation id")
)
