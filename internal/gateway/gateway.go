// Package gateway talks to the backend process that owns conversations,
// titles and completions.
package gateway

import (
	"context"

	"BoltChat/internal/session"
	"BoltChat/internal/stream"
)

// ConversationInfo is what the backend assigns to a new conversation
type ConversationInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// CompletionRequest asks the backend to stream a reply into the "response" event.
// CorrelationID is echoed on every fragment of the reply.
type CompletionRequest struct {
	ConversationID    string
	ConversationTitle string
	Prompt            string
	CorrelationID     string
}

// Gateway is the request/response and event surface of the backend.
// Implementations never retry; failures are returned to the caller.
type Gateway interface {
	// StartConversation registers a conversation seeded by the first prompt
	StartConversation(ctx context.Context, prompt string) (ConversationInfo, error)

	// PostCompletion triggers an asynchronous completion; the reply arrives on subscriptions
	PostCompletion(ctx context.Context, req CompletionRequest) error

	// GetHistory returns the authoritative message history of a conversation
	GetHistory(ctx context.Context, conversationID string) ([]session.Message, error)

	// ListConversations returns the conversations the backend already holds.
	// Backends without the call answer with a method-not-found RPC error.
	ListConversations(ctx context.Context) ([]ConversationInfo, error)

	// Subscribe attaches to the process-wide "response" stream
	Subscribe(ctx context.Context) (Subscription, error)

	// Close disconnects from the backend
	Close() error
}

// Subscription is a live, non-restartable fragment stream. Fragments may be
// duplicated but arrive in emission order. The channel is closed when the
// backend connection ends.
type Subscription interface {
	Fragments() <-chan stream.Fragment
	Close() error
}

var (
	_ Gateway = (*Client)(nil)
	_ Gateway = (*Instrumented)(nil)
)
