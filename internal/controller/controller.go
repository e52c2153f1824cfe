// Package controller coordinates the chat session: which conversation is
// active, the single in-flight completion, and assembling streamed fragments
// into the active conversation.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"BoltChat/internal/gateway"
	"BoltChat/internal/session"
	"BoltChat/internal/store"
	"BoltChat/internal/stream"
)

var (
	// ErrSuperseded is returned by a send whose turn was replaced by
	// NewConversation or SelectConversation before it was posted.
	ErrSuperseded = errors.New("turn superseded")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("controller already started")
)

// Phase is the state of the current turn
type Phase int

const (
	Idle Phase = iota
	Sending
	Streaming
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ConversationSummary is a sidebar entry
type ConversationSummary struct {
	ID    string
	Title string
}

// Snapshot is a read-only copy of the session state for rendering
type Snapshot struct {
	Conversations []ConversationSummary
	ActiveID      string
	ActiveTitle   string
	Messages      []session.Message
	InFlight      bool
	Phase         Phase
}

// Observer receives a snapshot after every state change
type Observer func(Snapshot)

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithMeter sets the meter used for fragment counters
func WithMeter(meter metric.Meter) Option {
	return func(c *Controller) { c.meter = meter }
}

// WithObserver registers a render callback
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithCorrelationIDs replaces the correlation id generator
func WithCorrelationIDs(next func() string) Option {
	return func(c *Controller) { c.newCorrelationID = next }
}

// Controller owns the session state. All mutation happens under mu, and mu is
// never held across a gateway call.
type Controller struct {
	gw    gateway.Gateway
	store store.Store

	logger           *slog.Logger
	meter            metric.Meter
	fragments        metric.Int64Counter
	observers        []Observer
	newCorrelationID func() string

	mu          sync.Mutex
	activeID    string
	activeTitle string
	messages    []session.Message
	phase       Phase
	// correlationID and turnID identify the tracked request; both are empty while Idle
	correlationID string
	turnID        string

	sub       gateway.Subscription
	started   bool
	stop      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// New creates a controller with no active conversation
func New(gw gateway.Gateway, st store.Store, opts ...Option) *Controller {
	c := &Controller{
		gw:               gw,
		store:            st,
		logger:           slog.Default(),
		meter:            noop.NewMeterProvider().Meter("controller"),
		newCorrelationID: uuid.NewString,
		messages:         []session.Message{},
		stop:             make(chan struct{}),
		pumpDone:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	counter, err := c.meter.Int64Counter(
		"chat.fragments",
		metric.WithDescription("Response fragments received, by outcome"),
	)
	if err != nil {
		c.logger.Warn("failed to create counter", "error", err)
	}
	c.fragments = counter

	return c
}

// Start subscribes to the backend's response stream. The subscription lives
// until Close, across every conversation switch.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	sub, err := c.gw.Subscribe(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("%w: failed to subscribe: %w", session.ErrGatewayUnavailable, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	go c.pump(sub)
	c.logger.Info("controller started")

	c.syncConversations(ctx)
	return nil
}

// syncConversations adds the conversations the backend already holds to the
// store. A failed or unsupported list leaves the store as it was.
func (c *Controller) syncConversations(ctx context.Context) {
	infos, err := c.gw.ListConversations(ctx)
	if err != nil {
		if gateway.IsMethodNotFound(err) {
			c.logger.Debug("backend does not list conversations")
			return
		}
		c.logger.Warn("failed to list conversations", "error", err)
		return
	}

	added := 0
	for _, info := range infos {
		err := c.store.Create(session.Conversation{
			ID:        info.ID,
			Title:     info.Title,
			CreatedAt: time.Now(),
		})
		switch {
		case err == nil:
			added++
		case errors.Is(err, store.ErrConversationExists):
		default:
			c.logger.Warn("failed to store listed conversation", "conversation_id", info.ID, "error", err)
		}
	}

	c.logger.Info("conversations listed", "listed", len(infos), "added", added)
	if added > 0 {
		c.notify()
	}
}

// Close releases the subscription. It is safe to call more than once.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub == nil {
			return
		}

		<-c.pumpDone
		err = sub.Close()
		c.logger.Info("controller stopped")
	})
	return err
}

func (c *Controller) pump(sub gateway.Subscription) {
	defer close(c.pumpDone)

	for {
		select {
		case <-c.stop:
			return
		case frag, ok := <-sub.Fragments():
			if !ok {
				c.logger.Warn("response stream ended")
				return
			}
			c.HandleFragment(frag)
		}
	}
}

// SendMessage appends text to the active conversation (creating one through
// the backend if none is active) and posts a completion request. It returns
// once the request is acknowledged; the reply streams in afterwards.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return session.ErrInvalidInput
	}

	c.mu.Lock()
	if c.phase == Sending {
		c.mu.Unlock()
		return session.ErrRequestInFlight
	}
	// a reply that is still streaming is closed by the next send
	c.supersedeLocked("next send")
	corr := c.newCorrelationID()
	c.phase = Sending
	c.correlationID = corr
	convID, title := c.activeID, c.activeTitle
	c.mu.Unlock()
	c.notify()

	logger := c.logger.With("correlation_id", corr)

	if convID == "" {
		info, err := c.gw.StartConversation(ctx, text)
		if err != nil {
			c.abandon(corr)
			logger.Error("failed to start conversation", "error", err)
			return fmt.Errorf("%w: %w", session.ErrGatewayUnavailable, err)
		}
		if info.ID == "" {
			c.abandon(corr)
			logger.Error("backend returned no conversation id", "title", info.Title)
			return session.ErrMissingConversationID
		}

		if err := c.adopt(corr, info); err != nil {
			c.abandon(corr)
			return err
		}
		convID, title = info.ID, info.Title
		logger.Info("created conversation", "conversation_id", convID, "title", title)
	}

	userMsg := session.Message{
		Role:      session.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	if c.correlationID != corr {
		c.mu.Unlock()
		return ErrSuperseded
	}
	// the view may hold less than the store (history that failed to load), so
	// a failed post restores each from its own snapshot
	stored, err := c.store.Get(convID)
	if err != nil {
		c.resetTurnLocked()
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if err := c.store.AppendMessage(convID, userMsg); err != nil {
		c.resetTurnLocked()
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("failed to append message: %w", err)
	}
	before := c.messages
	c.messages = append(session.CloneMessages(before), userMsg)
	c.turnID = convID
	c.mu.Unlock()
	c.notify()

	err = c.gw.PostCompletion(ctx, gateway.CompletionRequest{
		ConversationID:    convID,
		ConversationTitle: title,
		Prompt:            text,
		CorrelationID:     corr,
	})
	if err != nil {
		c.rollback(corr, convID, before, stored.Messages)
		logger.Error("failed to post completion", "conversation_id", convID, "error", err)
		return fmt.Errorf("%w: %w", session.ErrGatewayUnavailable, err)
	}

	logger.Debug("completion requested", "conversation_id", convID)
	return nil
}

// adopt stores a freshly created conversation and makes it active
func (c *Controller) adopt(corr string, info gateway.ConversationInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.correlationID != corr {
		return ErrSuperseded
	}

	conv := session.Conversation{
		ID:        info.ID,
		Title:     info.Title,
		CreatedAt: time.Now(),
	}
	if err := c.store.Create(conv); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	c.activeID = info.ID
	c.activeTitle = info.Title
	c.messages = []session.Message{}
	return nil
}

// abandon returns to Idle if corr is still the tracked request
func (c *Controller) abandon(corr string) {
	c.mu.Lock()
	if c.correlationID == corr {
		c.resetTurnLocked()
	}
	c.mu.Unlock()
	c.notify()
}

// rollback undoes the user message (and anything streamed) of a failed post
func (c *Controller) rollback(corr, convID string, view, stored []session.Message) {
	c.mu.Lock()
	if c.correlationID == corr {
		c.resetTurnLocked()
		if err := c.store.ReplaceMessages(convID, stored); err != nil {
			c.logger.Error("failed to restore messages", "conversation_id", convID, "error", err)
		}
		if c.activeID == convID {
			c.messages = view
		}
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) resetTurnLocked() {
	c.phase = Idle
	c.correlationID = ""
	c.turnID = ""
}

// NewConversation clears the active conversation. The backend is contacted
// lazily by the next SendMessage.
func (c *Controller) NewConversation() {
	c.mu.Lock()
	c.supersedeLocked("new conversation")
	c.activeID = ""
	c.activeTitle = ""
	c.messages = []session.Message{}
	c.mu.Unlock()

	c.logger.Info("new conversation pending")
	c.notify()
}

// SelectConversation makes id active and replaces its messages with the
// backend's history. Any local tail, including a partially streamed reply,
// is discarded.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return session.ErrInvalidInput
	}

	conv, err := c.store.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.supersedeLocked("conversation switch")
	c.activeID = conv.ID
	c.activeTitle = conv.Title
	c.messages = []session.Message{}
	c.mu.Unlock()
	c.notify()

	history, err := c.gw.GetHistory(ctx, id)
	if err != nil {
		c.logger.Error("failed to load history", "conversation_id", id, "error", err)
		return fmt.Errorf("%w: %w", session.ErrGatewayUnavailable, err)
	}

	c.mu.Lock()
	if c.activeID != id || c.phase != Idle {
		// another action took over while the history was loading
		c.mu.Unlock()
		return nil
	}
	if err := c.store.ReplaceMessages(id, history); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to replace messages: %w", err)
	}
	c.messages = session.CloneMessages(history)
	c.mu.Unlock()

	c.logger.Info("selected conversation", "conversation_id", id, "messages", len(history))
	c.notify()
	return nil
}

func (c *Controller) supersedeLocked(reason string) {
	if c.phase == Idle {
		return
	}
	c.logger.Info("superseding in-flight turn", "reason", reason, "correlation_id", c.correlationID, "conversation_id", c.turnID)
	c.resetTurnLocked()
}

// HandleFragment folds one event into the active conversation. Fragments are
// dropped while no request is tracked, when they carry another request's
// correlation id, or when they belong to a conversation that is no longer active.
func (c *Controller) HandleFragment(frag stream.Fragment) {
	ctx := context.Background()

	c.mu.Lock()
	outcome, ok := c.classifyLocked(frag)
	if !ok {
		c.mu.Unlock()
		c.count(ctx, outcome)
		c.logger.Debug("fragment dropped", "reason", outcome, "correlation_id", frag.CorrelationID)
		return
	}

	changed := false
	if frag.Text != "" {
		msgs, result := stream.Assemble(frag.Text, c.messages)
		outcome = result.String()
		if result != stream.Duplicate {
			now := time.Now()
			if result == stream.Opened {
				msgs[len(msgs)-1].Timestamp = now
			}
			if err := c.persistFragmentLocked(frag.Text, now); err != nil {
				convID := c.turnID
				c.mu.Unlock()
				c.logger.Error("failed to store fragment", "conversation_id", convID, "error", err)
				return
			}
			c.messages = msgs
			changed = true
		}
		if c.phase == Sending {
			c.phase = Streaming
			changed = true
		}
	}

	if frag.Done {
		c.logger.Debug("response complete", "correlation_id", c.correlationID, "conversation_id", c.turnID)
		c.resetTurnLocked()
		changed = true
		if frag.Text == "" {
			outcome = "done"
		}
	}
	c.mu.Unlock()

	c.count(ctx, outcome)
	if changed {
		c.notify()
	}
}

// persistFragmentLocked folds text into the stored history of the tracked
// conversation. The view is not written back: it may hold only the tail.
func (c *Controller) persistFragmentLocked(text string, now time.Time) error {
	conv, err := c.store.Get(c.turnID)
	if err != nil {
		return err
	}
	msgs, result := stream.Assemble(text, conv.Messages)
	switch result {
	case stream.Duplicate:
		return nil
	case stream.Opened:
		msgs[len(msgs)-1].Timestamp = now
	}
	return c.store.ReplaceMessages(c.turnID, msgs)
}

// classifyLocked decides whether frag belongs to the tracked request
func (c *Controller) classifyLocked(frag stream.Fragment) (string, bool) {
	switch {
	case c.phase == Idle:
		return "ignored", false
	case c.turnID == "" || c.turnID != c.activeID:
		// not posted yet, or posted for a conversation no longer in view
		return "ignored", false
	case frag.CorrelationID != "" && frag.CorrelationID != c.correlationID:
		return "stale", false
	case frag.ConversationID != "" && frag.ConversationID != c.turnID:
		return "stale", false
	case frag.Text == "" && !frag.Done:
		return "empty", false
	default:
		return "", true
	}
}

func (c *Controller) count(ctx context.Context, outcome string) {
	if c.fragments == nil {
		return
	}
	c.fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Snapshot returns a copy of the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		ActiveID:    c.activeID,
		ActiveTitle: c.activeTitle,
		Messages:    session.CloneMessages(c.messages),
		InFlight:    c.phase != Idle,
		Phase:       c.phase,
	}
	c.mu.Unlock()

	convs, err := c.store.List()
	if err != nil {
		c.logger.Warn("failed to list conversations", "error", err)
	}
	for _, conv := range convs {
		snap.Conversations = append(snap.Conversations, ConversationSummary{ID: conv.ID, Title: conv.Title})
	}
	return snap
}

// InFlight reports whether a send is outstanding
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase != Idle
}

func (c *Controller) notify() {
	if len(c.observers) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, o := range c.observers {
		o(snap)
	}
}
