package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"BoltChat/internal/session"
	"BoltChat/internal/stream"
)

// JSON-RPC 2.0 framing shared by every transport

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Always "2.0"
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// CodeMethodNotFound is the JSON-RPC code for an unknown method
const CodeMethodNotFound = -32601

// IsMethodNotFound reports whether the backend does not implement the called method
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}

// envelope is any inbound frame: a response carries an id, a notification a method
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Backend methods and events. The names are the wire contract.
const (
	MethodStartConversation = "start_conversation"
	MethodPostCompletion    = "post_chat_completion"
	MethodGetHistory        = "get_conversation_history"
	MethodListConversations = "list_conversations"

	EventResponse = "response"
)

// StartConversationParams represents parameters for start_conversation
type StartConversationParams struct {
	Prompt string `json:"prompt"`
	Role   string `json:"role"`
}

// PostCompletionParams represents parameters for post_chat_completion
type PostCompletionParams struct {
	Prompt            string `json:"prompt"`
	Role              string `json:"role"`
	ConversationID    string `json:"conversation_id"`
	ConversationTitle string `json:"conversation_title,omitempty"`
	CorrelationID     string `json:"correlation_id,omitempty"`
}

// GetHistoryParams represents parameters for get_conversation_history
type GetHistoryParams struct {
	ConversationID string `json:"conversation_id"`
}

// WireMessage is a history entry as the backend sends it
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// decodeConversationInfo accepts {"id","title"} or a bare title string.
// Older backends used the generated title as the conversation key.
func decodeConversationInfo(raw json.RawMessage) (ConversationInfo, error) {
	var title string
	if err := json.Unmarshal(raw, &title); err == nil {
		return ConversationInfo{ID: title, Title: title}, nil
	}

	var info ConversationInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ConversationInfo{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if info.Title == "" {
		info.Title = info.ID
	}
	return info, nil
}

// decodeConversationList accepts an array of conversation objects or titles.
// Older backends listed one "<title>.json" file per conversation.
func decodeConversationList(raw json.RawMessage) ([]ConversationInfo, error) {
	var items []json.RawMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation list: %w", err)
		}
	}

	infos := make([]ConversationInfo, 0, len(items))
	for i, item := range items {
		info, err := decodeConversationInfo(item)
		if err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i, err)
		}
		if info.ID == info.Title {
			info.ID = strings.TrimSuffix(info.ID, ".json")
			info.Title = info.ID
		}
		if info.ID == "" {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func decodeHistory(raw json.RawMessage) ([]session.Message, error) {
	var wire []WireMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}

	msgs := make([]session.Message, 0, len(wire))
	for i, w := range wire {
		role, err := session.ParseRole(w.Role)
		if err != nil {
			return nil, fmt.Errorf("history entry %d: %w", i, err)
		}
		msgs = append(msgs, session.Message{Role: role, Content: w.Content})
	}
	return msgs, nil
}

// decodeFragment accepts a tagged fragment object or a bare text payload
func decodeFragment(raw json.RawMessage) (stream.Fragment, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return stream.Fragment{Text: text}, nil
	}

	var frag stream.Fragment
	if err := json.Unmarshal(raw, &frag); err != nil {
		return stream.Fragment{}, fmt.Errorf("failed to unmarshal fragment: %w", err)
	}
	return frag, nil
}
