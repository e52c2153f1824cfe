package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"BoltChat/internal/session"
	"BoltChat/internal/stream"
)

// ErrClosed is returned for calls on a closed client
var ErrClosed = errors.New("client is closed")

const subscriptionBuffer = 256

// framer moves whole JSON-RPC frames over a transport
type framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Client implements Gateway over a JSON-RPC transport. Responses are matched
// to requests by id; "response" notifications fan out to subscriptions.
type Client struct {
	name   string
	framer framer
	logger *slog.Logger
	reqID  int32

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int]chan envelope
	subs    map[*subscription]struct{}
	closed  bool
	readErr error

	done    chan struct{}
	onClose func() error
}

func newClient(name string, f framer, logger *slog.Logger, onClose func() error) *Client {
	c := &Client{
		name:    name,
		framer:  f,
		logger:  logger,
		pending: make(map[int]chan envelope),
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go c.readLoop()
	return c
}

// Name returns the client identifier
func (c *Client) Name() string {
	return c.name
}

// StartConversation calls start_conversation
func (c *Client) StartConversation(ctx context.Context, prompt string) (ConversationInfo, error) {
	params := StartConversationParams{
		Prompt: prompt,
		Role:   string(session.RoleUser),
	}

	raw, err := c.call(ctx, MethodStartConversation, params)
	if err != nil {
		return ConversationInfo{}, fmt.Errorf("start conversation failed: %w", err)
	}

	info, err := decodeConversationInfo(raw)
	if err != nil {
		return ConversationInfo{}, err
	}
	c.logger.Info("conversation started", "gateway", c.name, "conversation_id", info.ID, "title", info.Title)
	return info, nil
}

// PostCompletion calls post_chat_completion
func (c *Client) PostCompletion(ctx context.Context, req CompletionRequest) error {
	params := PostCompletionParams{
		Prompt:            req.Prompt,
		Role:              string(session.RoleUser),
		ConversationID:    req.ConversationID,
		ConversationTitle: req.ConversationTitle,
		CorrelationID:     req.CorrelationID,
	}

	if _, err := c.call(ctx, MethodPostCompletion, params); err != nil {
		return fmt.Errorf("post completion failed: %w", err)
	}
	c.logger.Debug("completion posted", "gateway", c.name, "conversation_id", req.ConversationID, "correlation_id", req.CorrelationID)
	return nil
}

// GetHistory calls get_conversation_history
func (c *Client) GetHistory(ctx context.Context, conversationID string) ([]session.Message, error) {
	raw, err := c.call(ctx, MethodGetHistory, GetHistoryParams{ConversationID: conversationID})
	if err != nil {
		return nil, fmt.Errorf("get history failed: %w", err)
	}
	return decodeHistory(raw)
}

// ListConversations calls list_conversations
func (c *Client) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	raw, err := c.call(ctx, MethodListConversations, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	return decodeConversationList(raw)
}

// Subscribe attaches a new fragment subscription
func (c *Client) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.readErr != nil {
		return nil, ErrClosed
	}

	sub := &subscription{
		client: c,
		ch:     make(chan stream.Fragment, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	c.subs[sub] = struct{}{}
	c.logger.Debug("subscribed to response events", "gateway", c.name)
	return sub, nil
}

// Close disconnects from the backend
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.framer.Close()
	if c.onClose != nil {
		if cerr := c.onClose(); cerr != nil && err == nil {
			err = cerr
		}
	}
	<-c.done

	c.logger.Info("closed gateway client", "gateway", c.name)
	return err
}

// call sends a JSON-RPC request and waits for the matching response
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	reqID := int(atomic.AddInt32(&c.reqID, 1))
	replyCh := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("connection lost: %w", err)
	}
	c.pending[reqID] = replyCh
	c.mu.Unlock()

	request := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	requestJSON, err := json.Marshal(request)
	if err != nil {
		c.forget(reqID)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = c.framer.WriteFrame(requestJSON)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(reqID)
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forget(reqID)
		return nil, ctx.Err()
	case reply, ok := <-replyCh:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return nil, fmt.Errorf("connection lost: %w", err)
		}
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply.Result, nil
	}
}

func (c *Client) forget(reqID int) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// readLoop owns the read side; it is the only goroutine that delivers to or closes subscriptions
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		if len(frame) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "gateway", c.name, "error", err)
			continue
		}

		switch {
		case env.ID != nil && env.Method == "":
			c.mu.Lock()
			replyCh, ok := c.pending[*env.ID]
			delete(c.pending, *env.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Warn("response for unknown request", "gateway", c.name, "id", *env.ID)
				continue
			}
			replyCh <- env

		case env.Method == EventResponse:
			frag, err := decodeFragment(env.Params)
			if err != nil {
				c.logger.Warn("dropping malformed fragment", "gateway", c.name, "error", err)
				continue
			}
			c.publish(frag)

		default:
			c.logger.Debug("ignoring notification", "gateway", c.name, "method", env.Method)
		}
	}
}

func (c *Client) publish(frag stream.Fragment) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(frag)
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readErr = err
	for id, replyCh := range c.pending {
		close(replyCh)
		delete(c.pending, id)
	}
	for sub := range c.subs {
		close(sub.ch)
		delete(c.subs, sub)
	}

	if !c.closed {
		c.logger.Error("gateway connection lost", "gateway", c.name, "error", err)
	}
}

type subscription struct {
	client *Client
	ch     chan stream.Fragment
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Fragments() <-chan stream.Fragment {
	return s.ch
}

// deliver blocks until the fragment is queued or the subscriber leaves; fragments are never dropped
func (s *subscription) deliver(frag stream.Fragment) {
	select {
	case s.ch <- frag:
	case <-s.done:
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
	return nil
}
