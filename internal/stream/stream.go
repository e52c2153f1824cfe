// Package stream assembles streamed completion fragments into assistant messages.
package stream

import (
	"strings"

	"BoltChat/internal/session"
)

// Fragment is one decoded "response" event.
// CorrelationID is empty for backends that emit bare text payloads.
type Fragment struct {
	CorrelationID  string `json:"correlation_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"content"`
	Done           bool   `json:"done,omitempty"`
}

// Outcome describes what Assemble did with a fragment
type Outcome int

const (
	// Opened means a new assistant message was appended
	Opened Outcome = iota
	// Extended means the open assistant message grew
	Extended
	// Duplicate means the fragment was already the tail and was dropped
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Extended:
		return "extended"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Apply folds a single fragment into msgs and returns the new sequence.
// msgs is never modified and the result depends only on the arguments, so
// an opened message carries no timestamp.
func Apply(fragment string, msgs []session.Message) []session.Message {
	out, _ := Assemble(fragment, msgs)
	return out
}

// Assemble is Apply that also reports the outcome.
//
// If the tail is not an assistant message a new one is opened with the fragment.
// Otherwise the fragment is appended to the tail, unless the tail already ends
// with it: at-least-once delivery repeats the last fragment, so a suffix match is
// treated as a redelivery. A fragment that legitimately repeats the suffix is
// lost the same way.
func Assemble(fragment string, msgs []session.Message) ([]session.Message, Outcome) {
	n := len(msgs)
	if n == 0 || !msgs[n-1].IsAssistant() {
		out := make([]session.Message, n, n+1)
		copy(out, msgs)
		out = append(out, session.Message{
			Role:    session.RoleAssistant,
			Content: fragment,
		})
		return out, Opened
	}

	last := msgs[n-1]
	if strings.HasSuffix(last.Content, fragment) {
		return session.CloneMessages(msgs), Duplicate
	}

	out := session.CloneMessages(msgs)
	last.Content += fragment
	out[n-1] = last
	return out, Extended
}

// Fold applies fragments in order
func Fold(fragments []string, msgs []session.Message) []session.Message {
	out := session.CloneMessages(msgs)
	for _, f := range fragments {
		out = Apply(f, out)
	}
	return out
}
