package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"BoltChat/internal/controller"
	"BoltChat/internal/session"
)

// ChatBot is the line-oriented front end over a controller
type ChatBot struct {
	in             io.Reader
	out            io.Writer
	logger         *slog.Logger
	requestTimeout time.Duration
	replyTimeout   time.Duration

	mu       sync.Mutex
	convID   string
	seen     int  // messages of convID already rendered or skipped
	open     bool // the last rendered assistant message may still grow
	printed  int  // bytes of the open message already written
	turnDone chan struct{}
}

// NewChatBot creates a ChatBot reading commands from in and writing to out
func NewChatBot(in io.Reader, out io.Writer, logger *slog.Logger, requestTimeout time.Duration) *ChatBot {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatBot{
		in:             in,
		out:            out,
		logger:         logger,
		requestTimeout: requestTimeout,
		replyTimeout:   4 * requestTimeout,
	}
}

// Render prints streamed assistant text as it arrives. Register it with
// controller.WithObserver.
func (cb *ChatBot) Render(s controller.Snapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if s.ActiveID != cb.convID || len(s.Messages) < cb.seen {
		// switched, cleared or rolled back: start tracking from here
		cb.closeLineLocked()
		cb.convID = s.ActiveID
		cb.seen = len(s.Messages)
	} else if !s.InFlight && !cb.open && cb.turnDone == nil {
		// loaded history, not a reply
		cb.seen = len(s.Messages)
	} else {
		start := cb.seen
		if cb.open && start > 0 {
			start--
		}
		for i := start; i < len(s.Messages); i++ {
			m := s.Messages[i]
			if !m.IsAssistant() {
				continue
			}
			if cb.open && i == cb.seen-1 {
				if cb.printed < len(m.Content) {
					fmt.Fprint(cb.out, m.Content[cb.printed:])
				}
			} else {
				cb.closeLineLocked()
				fmt.Fprintf(cb.out, "Bot: %s", m.Content)
				cb.open = true
			}
			cb.printed = len(m.Content)
		}
		cb.seen = len(s.Messages)
	}

	if !s.InFlight {
		cb.closeLineLocked()
		if cb.turnDone != nil {
			close(cb.turnDone)
			cb.turnDone = nil
		}
	}
}

func (cb *ChatBot) closeLineLocked() {
	if cb.open {
		fmt.Fprint(cb.out, "\n\n")
	}
	cb.open = false
	cb.printed = 0
}

// expectTurn returns a channel closed once the controller reports no request in flight
func (cb *ChatBot) expectTurn() <-chan struct{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.turnDone = make(chan struct{})
	return cb.turnDone
}

// say writes a line without interleaving with streamed text
func (cb *ChatBot) say(format string, args ...any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// Run reads lines until EOF, /quit or ctx is cancelled. Plain lines are sent
// as messages; the reply streams in before the next prompt.
func (cb *ChatBot) Run(ctx context.Context, ctrl *controller.Controller) error {
	cb.say("=== Bolt Chat ===\n")
	cb.say("Type /help for commands, /quit to exit\n\n")

	lines, readErr := cb.readLines()

	for {
		cb.say("You: ")

		var line string
		select {
		case <-ctx.Done():
			cb.say("\n")
			cb.logger.Info("interrupted")
			return nil
		case l, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				cb.say("Goodbye!\n")
				return nil
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, ctrl, input)
			if err != nil {
				cb.say("Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				cb.say("Goodbye!\n")
				return nil
			}
			continue
		}

		if err := cb.send(ctx, ctrl, input); err != nil {
			cb.say("Error: %v\n", err)
			cb.logger.Error("failed to send message", "error", err)
		}
	}
}

// readLines scans input on its own goroutine so a blocked read never holds up
// cancellation. Each line is handed over only when the loop asks for it.
func (cb *ChatBot) readLines() (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errc <- scanner.Err()
	}()

	return lines, errc
}

func (cb *ChatBot) send(ctx context.Context, ctrl *controller.Controller, text string) error {
	done := cb.expectTurn()

	reqCtx, cancel := context.WithTimeout(ctx, cb.requestTimeout)
	err := ctrl.SendMessage(reqCtx, text)
	cancel()
	if err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cb.replyTimeout):
		cb.logger.Warn("reply still streaming", "timeout", cb.replyTimeout)
		cb.say("\n(reply has not finished; the next message closes it)\n")
	}
	return nil
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, ctrl *controller.Controller, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		ctrl.NewConversation()
		cb.say("Started a new conversation; it is created when you send the first message\n")
		return false, nil

	case "/list":
		snap := ctrl.Snapshot()
		if len(snap.Conversations) == 0 {
			cb.say("No conversations yet.\n")
			return false, nil
		}
		cb.say("\nConversations:\n")
		for i, conv := range snap.Conversations {
			marker := " "
			if conv.ID == snap.ActiveID {
				marker = "*"
			}
			cb.say("%s %d. %s (%s)\n", marker, i+1, conv.Title, conv.ID)
		}
		cb.say("\n")
		return false, nil

	case "/select":
		if len(parts) < 2 {
			return false, errors.New("usage: /select <conversation-id>")
		}
		id := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

		reqCtx, cancel := context.WithTimeout(ctx, cb.requestTimeout)
		defer cancel()
		if err := ctrl.SelectConversation(reqCtx, id); err != nil {
			return false, fmt.Errorf("failed to select %s: %w", id, err)
		}
		snap := ctrl.Snapshot()
		cb.say("Switched to %s (%d messages)\n", snap.ActiveTitle, len(snap.Messages))
		return false, nil

	case "/history":
		snap := ctrl.Snapshot()
		if snap.ActiveID == "" {
			cb.say("No active conversation.\n")
			return false, nil
		}
		cb.say("\n%s\n", snap.ActiveTitle)
		for _, m := range snap.Messages {
			cb.say("%s: %s\n", speaker(m), m.Content)
		}
		cb.say("\n")
		return false, nil

	case "/status":
		snap := ctrl.Snapshot()
		active := "(none)"
		if snap.ActiveID != "" {
			active = fmt.Sprintf("%s (%s)", snap.ActiveTitle, snap.ActiveID)
		}
		cb.say("Conversation: %s\n", active)
		cb.say("Messages: %d\n", len(snap.Messages))
		cb.say("Request: %s\n", snap.Phase)
		return false, nil

	case "/help":
		cb.say("Available commands:\n")
		cb.say("  /new              - Start a new conversation\n")
		cb.say("  /list             - List conversations\n")
		cb.say("  /select <id>      - Switch to a conversation and load its history\n")
		cb.say("  /history          - Show the active conversation\n")
		cb.say("  /status           - Show the active conversation and request state\n")
		cb.say("  /quit, /exit      - Exit\n")
		cb.say("  /help             - Show this help message\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

func speaker(m session.Message) string {
	switch m.Role {
	case session.RoleUser:
		return "You"
	case session.RoleAssistant:
		return "Bot"
	default:
		return string(m.Role)
	}
}
