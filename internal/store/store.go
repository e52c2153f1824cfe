// Package store holds the conversations known to the client and their message history.
package store

import (
	"errors"
	"fmt"
	"sync"

	"BoltChat/internal/session"
)

// ErrConversationNotFound aliases the session error so callers can match either.
var ErrConversationNotFound = session.ErrConversationNotFound

// ErrConversationExists is returned by Create for an id already present
var ErrConversationExists = errors.New("conversation already exists")

// Store is the conversation container used by the controller.
// Mutations against an unknown id fail with ErrConversationNotFound; nothing is created implicitly.
type Store interface {
	Create(conv session.Conversation) error
	AppendMessage(conversationID string, msg session.Message) error
	ReplaceMessages(conversationID string, msgs []session.Message) error
	// List returns conversations in creation order
	List() ([]session.Conversation, error)
	Get(conversationID string) (session.Conversation, error)
	Close() error
}

// Memory is an in-process Store
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*session.Conversation
	order         []string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*session.Conversation),
	}
}

func (m *Memory) Create(conv session.Conversation) error {
	if conv.ID == "" {
		return session.ErrMissingConversationID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
	}

	c := conv.Clone()
	m.conversations[conv.ID] = &c
	m.order = append(m.order, conv.ID)
	return nil
}

func (m *Memory) AppendMessage(conversationID string, msg session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	conv.Messages = append(conv.Messages, msg)
	return nil
}

func (m *Memory) ReplaceMessages(conversationID string, msgs []session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	conv.Messages = session.CloneMessages(msgs)
	return nil
}

func (m *Memory) List() ([]session.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]session.Conversation, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.conversations[id].Clone())
	}
	return out, nil
}

func (m *Memory) Get(conversationID string) (session.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return session.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return conv.Clone(), nil
}

func (m *Memory) Close() error {
	return nil
}
