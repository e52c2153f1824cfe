package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"BoltChat/internal/gateway"
	"BoltChat/internal/session"
	"BoltChat/internal/store"
	"BoltChat/internal/stream"
)

type fakeSub struct {
	ch     chan stream.Fragment
	mu     sync.Mutex
	closes int
}

func (s *fakeSub) Fragments() <-chan stream.Fragment { return s.ch }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeGateway struct {
	mu sync.Mutex

	nextID     int
	startInfo  *gateway.ConversationInfo
	startErr   error
	postErr    error
	history    map[string][]session.Message
	historyErr error
	onPost     func(req gateway.CompletionRequest)
	listed     []gateway.ConversationInfo
	listErr    error

	starts  []string
	posts   []gateway.CompletionRequest
	fetches []string

	sub          *fakeSub
	subscribeErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		history: make(map[string][]session.Message),
		sub:     &fakeSub{ch: make(chan stream.Fragment, 16)},
	}
}

func (g *fakeGateway) StartConversation(ctx context.Context, prompt string) (gateway.ConversationInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.starts = append(g.starts, prompt)
	if g.startErr != nil {
		return gateway.ConversationInfo{}, g.startErr
	}
	if g.startInfo != nil {
		return *g.startInfo, nil
	}
	g.nextID++
	return gateway.ConversationInfo{ID: fmt.Sprintf("conv-%d", g.nextID), Title: "Title: " + prompt}, nil
}

func (g *fakeGateway) PostCompletion(ctx context.Context, req gateway.CompletionRequest) error {
	g.mu.Lock()
	g.posts = append(g.posts, req)
	hook, err := g.onPost, g.postErr
	g.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return err
}

func (g *fakeGateway) GetHistory(ctx context.Context, conversationID string) ([]session.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches = append(g.fetches, conversationID)
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	return g.history[conversationID], nil
}

func (g *fakeGateway) ListConversations(ctx context.Context) ([]gateway.ConversationInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listed, g.listErr
}

func (g *fakeGateway) Subscribe(ctx context.Context) (gateway.Subscription, error) {
	if g.subscribeErr != nil {
		return nil, g.subscribeErr
	}
	return g.sub, nil
}

func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) counts() (starts, posts, fetches int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.starts), len(g.posts), len(g.fetches)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}
}

func newTestController(t *testing.T, gw *fakeGateway, opts ...Option) (*Controller, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	opts = append([]Option{WithLogger(testLogger()), WithCorrelationIDs(sequentialIDs())}, opts...)
	return New(gw, st, opts...), st
}

func contents(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestSendMessage_BlankInputIsANoOp(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)
	before := c.Snapshot()

	for _, text := range []string{"", "   ", "\n\t "} {
		assert.ErrorIs(t, c.SendMessage(context.Background(), text), session.ErrInvalidInput)
	}

	assert.Equal(t, before, c.Snapshot())
	starts, posts, _ := gw.counts()
	assert.Zero(t, starts)
	assert.Zero(t, posts)
}

func TestSendMessage_RejectedWhileInFlight(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)

	require.NoError(t, c.SendMessage(context.Background(), "first"))
	require.True(t, c.InFlight())

	err := c.SendMessage(context.Background(), "second")
	assert.ErrorIs(t, err, session.ErrRequestInFlight)

	starts, posts, _ := gw.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, posts)
	assert.Equal(t, []string{"user:first"}, contents(c.Snapshot().Messages))
}

func TestSendMessage_CreatesConversationBeforePosting(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)

	var seenAtPost []session.Message
	gw.onPost = func(req gateway.CompletionRequest) {
		conv, err := st.Get(req.ConversationID)
		require.NoError(t, err)
		seenAtPost = conv.Messages
	}

	require.NoError(t, c.SendMessage(context.Background(), "Hi"))

	starts, posts, _ := gw.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, posts)
	assert.Equal(t, []string{"user:Hi"}, contents(seenAtPost))

	snap := c.Snapshot()
	assert.Equal(t, "conv-1", snap.ActiveID)
	assert.Equal(t, "Title: Hi", snap.ActiveTitle)
	assert.True(t, snap.InFlight)
	assert.Equal(t, Sending, snap.Phase)
	assert.Equal(t, []ConversationSummary{{ID: "conv-1", Title: "Title: Hi"}}, snap.Conversations)

	req := gw.posts[0]
	assert.Equal(t, gateway.CompletionRequest{
		ConversationID:    "conv-1",
		ConversationTitle: "Title: Hi",
		Prompt:            "Hi",
		CorrelationID:     "req-1",
	}, req)
}

func TestSendMessage_ReusesActiveConversation(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)

	require.NoError(t, c.SendMessage(context.Background(), "one"))
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "reply", Done: true})
	require.NoError(t, c.SendMessage(context.Background(), "two"))

	starts, posts, _ := gw.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 2, posts)
	assert.Equal(t, "conv-1", gw.posts[1].ConversationID)
	assert.Equal(t, []string{"user:one", "assistant:reply", "user:two"}, contents(c.Snapshot().Messages))
}

func TestFragments_AssembleIntoAssistantMessage(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)

	require.NoError(t, c.SendMessage(context.Background(), "greet me"))

	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "Hel"})
	assert.Equal(t, Streaming, c.Snapshot().Phase)
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "lo"})
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "lo"})

	snap := c.Snapshot()
	assert.Equal(t, []string{"user:greet me", "assistant:Hello"}, contents(snap.Messages))
	assert.False(t, snap.Messages[1].Timestamp.IsZero())
	assert.True(t, snap.InFlight)

	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Done: true})
	assert.False(t, c.InFlight())

	conv, err := st.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, contents(snap.Messages), contents(conv.Messages))
}

func TestFragments_UntaggedAreAttributedToTrackedRequest(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)

	require.NoError(t, c.SendMessage(context.Background(), "q"))
	c.HandleFragment(stream.Fragment{Text: "legacy "})
	c.HandleFragment(stream.Fragment{Text: "payload"})

	assert.Equal(t, []string{"user:q", "assistant:legacy payload"}, contents(c.Snapshot().Messages))
}

func TestFragments_IgnoredWhileIdle(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)

	c.HandleFragment(stream.Fragment{Text: "orphan"})
	assert.Empty(t, c.Snapshot().Messages)

	require.NoError(t, c.SendMessage(context.Background(), "q"))
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "a", Done: true})
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "late"})

	assert.Equal(t, []string{"user:q", "assistant:a"}, contents(c.Snapshot().Messages))
}

func TestFragments_StaleCorrelationDiscarded(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)

	require.NoError(t, c.SendMessage(context.Background(), "q"))
	c.HandleFragment(stream.Fragment{CorrelationID: "someone-else", Text: "wrong"})
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", ConversationID: "conv-9", Text: "wrong too"})
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: ""})
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", ConversationID: "conv-1", Text: "right"})

	assert.Equal(t, []string{"user:q", "assistant:right"}, contents(c.Snapshot().Messages))
}

func TestSwitchingMidStreamStopsAttribution(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)
	ctx := context.Background()

	require.NoError(t, st.Create(session.Conversation{ID: "other", Title: "Other"}))
	gw.history["other"] = []session.Message{
		{Role: session.RoleUser, Content: "old question"},
		{Role: session.RoleAssistant, Content: "old answer"},
	}

	require.NoError(t, c.SendMessage(ctx, "q"))
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "partial"})

	require.NoError(t, c.SelectConversation(ctx, "other"))
	assert.False(t, c.InFlight())

	// the abandoned stream keeps arriving, tagged and untagged
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: " more"})
	c.HandleFragment(stream.Fragment{Text: " untagged"})

	assert.Equal(t, []string{"user:old question", "assistant:old answer"}, contents(c.Snapshot().Messages))

	require.NoError(t, c.SendMessage(ctx, "follow up"))
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: " stale"})
	c.HandleFragment(stream.Fragment{CorrelationID: "req-2", Text: "fresh"})

	assert.Equal(t, []string{
		"user:old question",
		"assistant:old answer",
		"user:follow up",
		"assistant:fresh",
	}, contents(c.Snapshot().Messages))
}

func TestSendMessage_ClosesReplyWithoutDoneMarker(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, "Hi"))
	c.HandleFragment(stream.Fragment{Text: "Hel"})
	c.HandleFragment(stream.Fragment{Text: "lo"})
	require.Equal(t, Streaming, c.Snapshot().Phase)

	require.NoError(t, c.SendMessage(ctx, "again"))
	_, posts, _ := gw.counts()
	assert.Equal(t, 2, posts)
	assert.Equal(t, "req-2", gw.posts[1].CorrelationID)

	c.HandleFragment(stream.Fragment{Text: "Sure"})
	want := []string{"user:Hi", "assistant:Hello", "user:again", "assistant:Sure"}
	assert.Equal(t, want, contents(c.Snapshot().Messages))

	conv, err := st.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, want, contents(conv.Messages))
}

func TestSendMessage_RejectedUntilFirstFragment(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, "Hi"))
	assert.ErrorIs(t, c.SendMessage(ctx, "again"), session.ErrRequestInFlight)

	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "Hel"})
	require.NoError(t, c.SendMessage(ctx, "again"))

	// the superseded reply no longer streams into the conversation
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "lo"})
	assert.Equal(t, []string{"user:Hi", "assistant:Hel", "user:again"}, contents(c.Snapshot().Messages))
}

func TestUnloadedHistoryIsNotOverwritten(t *testing.T) {
	stored := []session.Message{
		{Role: session.RoleUser, Content: "Hi"},
		{Role: session.RoleAssistant, Content: "Hello"},
	}

	setup := func(t *testing.T) (*Controller, *fakeGateway, *store.Memory) {
		gw := newFakeGateway()
		c, st := newTestController(t, gw)
		require.NoError(t, st.Create(session.Conversation{ID: "c1", Title: "One", Messages: stored}))

		gw.historyErr = errors.New("backend down")
		require.ErrorIs(t, c.SelectConversation(context.Background(), "c1"), session.ErrGatewayUnavailable)
		gw.historyErr = nil
		return c, gw, st
	}

	t.Run("failed post", func(t *testing.T) {
		c, gw, st := setup(t)
		gw.postErr = errors.New("connection refused")

		err := c.SendMessage(context.Background(), "next")
		assert.ErrorIs(t, err, session.ErrGatewayUnavailable)

		conv, err := st.Get("c1")
		require.NoError(t, err)
		assert.Equal(t, contents(stored), contents(conv.Messages))
		assert.Empty(t, c.Snapshot().Messages)
	})

	t.Run("streamed reply", func(t *testing.T) {
		c, _, st := setup(t)

		require.NoError(t, c.SendMessage(context.Background(), "next"))
		c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "ok"})
		c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "ok", Done: true})

		assert.Equal(t, []string{"user:next", "assistant:ok"}, contents(c.Snapshot().Messages))

		conv, err := st.Get("c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"user:Hi", "assistant:Hello", "user:next", "assistant:ok"}, contents(conv.Messages))
	})
}

func TestStart_AddsListedConversations(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)
	require.NoError(t, st.Create(session.Conversation{ID: "known", Title: "Known"}))
	gw.listed = []gateway.ConversationInfo{
		{ID: "known", Title: "Known"},
		{ID: "trip", Title: "Trip plan"},
	}

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	assert.Equal(t, []ConversationSummary{
		{ID: "known", Title: "Known"},
		{ID: "trip", Title: "Trip plan"},
	}, c.Snapshot().Conversations)

	gw.history["trip"] = []session.Message{{Role: session.RoleUser, Content: "where to?"}}
	require.NoError(t, c.SelectConversation(context.Background(), "trip"))
	assert.Equal(t, []string{"user:where to?"}, contents(c.Snapshot().Messages))
}

func TestStart_ToleratesMissingListCall(t *testing.T) {
	for _, listErr := range []error{
		&gateway.RPCError{Code: gateway.CodeMethodNotFound, Message: "Method not found"},
		errors.New("timeout"),
	} {
		gw := newFakeGateway()
		gw.listErr = listErr
		c, _ := newTestController(t, gw)

		require.NoError(t, c.Start(context.Background()))
		assert.Empty(t, c.Snapshot().Conversations)
		require.NoError(t, c.Close())
	}
}

func TestSelectConversation_ReplacesLocalTail(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, "q"))
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "unsaved tail"})

	gw.history["conv-1"] = []session.Message{
		{Role: session.RoleUser, Content: "q"},
		{Role: session.RoleAssistant, Content: "authoritative"},
	}

	require.NoError(t, c.SelectConversation(ctx, "conv-1"))

	snap := c.Snapshot()
	assert.Equal(t, []string{"user:q", "assistant:authoritative"}, contents(snap.Messages))
	assert.False(t, snap.InFlight)

	conv, err := st.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, contents(snap.Messages), contents(conv.Messages))

	_, _, fetches := gw.counts()
	assert.Equal(t, 1, fetches)
}

func TestSelectConversation_Errors(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)
	ctx := context.Background()

	assert.ErrorIs(t, c.SelectConversation(ctx, ""), session.ErrInvalidInput)
	assert.ErrorIs(t, c.SelectConversation(ctx, "nope"), session.ErrConversationNotFound)

	require.NoError(t, st.Create(session.Conversation{ID: "c1", Title: "One"}))
	gw.historyErr = errors.New("backend down")

	err := c.SelectConversation(ctx, "c1")
	assert.ErrorIs(t, err, session.ErrGatewayUnavailable)
	assert.Equal(t, "c1", c.Snapshot().ActiveID)
	assert.Empty(t, c.Snapshot().Messages)
}

func TestPostCompletionFailure_ClearsInFlightAndRestoresHistory(t *testing.T) {
	gw := newFakeGateway()
	c, st := newTestController(t, gw)
	ctx := context.Background()

	require.NoError(t, st.Create(session.Conversation{ID: "c1", Title: "One"}))
	gw.history["c1"] = []session.Message{
		{Role: session.RoleUser, Content: "earlier"},
		{Role: session.RoleAssistant, Content: "reply"},
	}
	require.NoError(t, c.SelectConversation(ctx, "c1"))
	before := contents(c.Snapshot().Messages)

	gw.postErr = errors.New("connection refused")
	gw.onPost = func(req gateway.CompletionRequest) {
		// a fragment slips in before the failure is reported
		c.HandleFragment(stream.Fragment{CorrelationID: req.CorrelationID, Text: "half"})
	}

	err := c.SendMessage(ctx, "new question")
	assert.ErrorIs(t, err, session.ErrGatewayUnavailable)
	assert.False(t, c.InFlight())
	assert.Equal(t, before, contents(c.Snapshot().Messages))

	conv, err := st.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, before, contents(conv.Messages))

	gw.postErr = nil
	gw.onPost = nil
	require.NoError(t, c.SendMessage(ctx, "retry"))
}

func TestStartConversationFailures(t *testing.T) {
	t.Run("gateway error", func(t *testing.T) {
		gw := newFakeGateway()
		c, _ := newTestController(t, gw)
		gw.startErr = errors.New("timeout")

		err := c.SendMessage(context.Background(), "hi")
		assert.ErrorIs(t, err, session.ErrGatewayUnavailable)
		assert.ErrorContains(t, err, "timeout")
		assert.False(t, c.InFlight())
		assert.Empty(t, c.Snapshot().Conversations)

		_, posts, _ := gw.counts()
		assert.Zero(t, posts)
	})

	t.Run("missing id", func(t *testing.T) {
		gw := newFakeGateway()
		c, _ := newTestController(t, gw)
		gw.startInfo = &gateway.ConversationInfo{Title: "untitled"}

		err := c.SendMessage(context.Background(), "hi")
		assert.ErrorIs(t, err, session.ErrMissingConversationID)
		assert.False(t, c.InFlight())
		snap := c.Snapshot()
		assert.Empty(t, snap.Conversations)
		assert.Empty(t, snap.ActiveID)

		gw.startInfo = nil
		require.NoError(t, c.SendMessage(context.Background(), "hi"))
		assert.Equal(t, "conv-1", c.Snapshot().ActiveID)
	})
}

func TestNewConversation_IsLazy(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, "first"))
	c.NewConversation()

	snap := c.Snapshot()
	assert.Empty(t, snap.ActiveID)
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.InFlight)
	starts, _, _ := gw.counts()
	assert.Equal(t, 1, starts)

	require.NoError(t, c.SendMessage(ctx, "second"))
	starts, _, _ = gw.counts()
	assert.Equal(t, 2, starts)

	snap = c.Snapshot()
	assert.Equal(t, "conv-2", snap.ActiveID)
	assert.Equal(t, []string{"user:second"}, contents(snap.Messages))
	assert.Len(t, snap.Conversations, 2)
}

func TestNewConversationDuringStartSupersedesSend(t *testing.T) {
	gw := newFakeGateway()
	c, _ := newTestController(t, gw)

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &blockingGateway{fakeGateway: gw, started: started, release: release}
	c.gw = blocking

	errCh := make(chan error, 1)
	go func() { errCh <- c.SendMessage(context.Background(), "hi") }()

	<-started
	c.NewConversation()
	close(release)

	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	assert.False(t, c.InFlight())
	assert.Empty(t, c.Snapshot().ActiveID)
	_, posts, _ := gw.counts()
	assert.Zero(t, posts)
}

type blockingGateway struct {
	*fakeGateway
	started chan struct{}
	release chan struct{}
}

func (b *blockingGateway) StartConversation(ctx context.Context, prompt string) (gateway.ConversationInfo, error) {
	close(b.started)
	<-b.release
	return b.fakeGateway.StartConversation(ctx, prompt)
}

func TestStartAndClose_PumpsSubscription(t *testing.T) {
	gw := newFakeGateway()
	updates := make(chan Snapshot, 64)
	c, _ := newTestController(t, gw, WithObserver(func(s Snapshot) { updates <- s }))
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, c.SendMessage(ctx, "stream please"))
	gw.sub.ch <- stream.Fragment{CorrelationID: "req-1", Text: "Hel"}
	gw.sub.ch <- stream.Fragment{CorrelationID: "req-1", Text: "lo"}
	gw.sub.ch <- stream.Fragment{CorrelationID: "req-1", Done: true}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-updates:
			if !snap.InFlight && len(snap.Messages) == 2 {
				assert.Equal(t, "Hello", snap.Messages[1].Content)
				require.NoError(t, c.Close())
				require.NoError(t, c.Close())
				assert.Equal(t, 1, gw.sub.closeCount())
				return
			}
		case <-deadline:
			t.Fatal("stream was not assembled")
		}
	}
}

func TestStart_SubscribeFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.subscribeErr = errors.New("refused")
	c, _ := newTestController(t, gw)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, session.ErrGatewayUnavailable)
	require.NoError(t, c.Close())
}

func TestFragmentCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	gw := newFakeGateway()
	c, _ := newTestController(t, gw, WithMeter(mp.Meter("test")))

	c.HandleFragment(stream.Fragment{Text: "idle"})
	require.NoError(t, c.SendMessage(context.Background(), "q"))
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "a"})
	c.HandleFragment(stream.Fragment{CorrelationID: "req-1", Text: "a"})
	c.HandleFragment(stream.Fragment{CorrelationID: "x", Text: "b"})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "chat.fragments" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				got[outcome.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"ignored": 1, "opened": 1, "duplicate": 1, "stale": 1}, got)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "sending", Sending.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "unknown", Phase(9).String())
}
