package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/automagik/omni/internal/access"
	"github.com/automagik/omni/internal/agent"
	"github.com/automagik/omni/internal/channel"
	"github.com/automagik/omni/internal/db"
	"github.com/automagik/omni/internal/identity"
	"github.com/automagik/omni/internal/trace"
)

// fakeSender is a WhatsApp-typed adapter that records every text send.
type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Type() channel.ChannelType { return channel.TypeWhatsApp }

func (f *fakeSender) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:         channel.TypeWhatsApp,
		DisplayName:  "Fake WhatsApp",
		Capabilities: channel.Capabilities{Text: true},
		OutboundPolicy: channel.OutboundPolicy{
			PaceGapMs:      1,
			RetryBackoffMs: 1,
		},
	}
}

func (f *fakeSender) SendText(_ context.Context, _ channel.InstanceConfig, _ string, text string) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return channel.SendResult{MessageID: fmt.Sprintf("OUT-%d", len(f.sent))}, nil
}

func (f *fakeSender) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type routerEnv struct {
	router *Router
	store  *trace.Store
	sender *fakeSender
}

func newTestRouter(t *testing.T) *routerEnv {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Migrate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := channel.NewRegistry()
	sender := &fakeSender{}
	registry.MustRegister(sender)

	store := trace.NewStore(conn)
	r := New(logger, registry, channel.NewDeliverer(logger, registry),
		agent.NewClient(logger), access.NewStore(conn),
		identity.NewStore(logger, conn), trace.NewRecorder(logger, store))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return &routerEnv{router: r, store: store, sender: sender}
}

func testInstance(agentURL string, stream bool) channel.InstanceConfig {
	return channel.InstanceConfig{
		Name:            "wa-main",
		ChannelType:     channel.TypeWhatsApp,
		AgentAPIURL:     agentURL,
		AgentTimeoutMs:  10000,
		AgentStreamMode: stream,
		IsActive:        true,
	}
}

func textEvent(id, text string) channel.InboundEvent {
	return channel.InboundEvent{
		ChannelType:      channel.TypeWhatsApp,
		InstanceName:     "wa-main",
		ChannelMessageID: id,
		FromPeer:         "5511990000101@s.whatsapp.net",
		Text:             text,
		RawMessageKey:    "conversation",
		Timestamp:        time.Now(),
	}
}

func waitTerminal(t *testing.T, store *trace.Store, traceID string) trace.MessageTrace {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tr, err := store.Get(context.Background(), traceID)
		require.NoError(t, err)
		if tr.Status.Terminal() {
			return tr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("trace %s never reached a terminal status", traceID)
	return trace.MessageTrace{}
}

// echoAgent responds to buffered calls with the inbound text.
func echoAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message": body.Message})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandle_ReactionOnlyEventGetsTrace(t *testing.T) {
	env := newTestRouter(t)
	ctx := context.Background()
	cfg := testInstance("http://127.0.0.1:0", false)

	event := textEvent("MSG-REACT", "")
	event.RawMessageKey = "reactionMessage"

	traceID, err := env.router.Handle(ctx, cfg, event)
	require.NoError(t, err)
	require.NotEmpty(t, traceID)

	tr, err := env.store.Get(ctx, traceID)
	require.NoError(t, err)
	require.Equal(t, trace.StatusCompleted, tr.Status)
	require.Equal(t, trace.TypeReaction, tr.MessageType)
	require.Empty(t, env.sender.sentTexts(), "content-free events must not produce sends")
}

func TestHandle_SenderPhoneStripsJIDDomain(t *testing.T) {
	env := newTestRouter(t)
	ctx := context.Background()
	cfg := testInstance("http://127.0.0.1:0", false)

	event := textEvent("MSG-JID", "")
	event.RawMessageKey = "reactionMessage"

	traceID, err := env.router.Handle(ctx, cfg, event)
	require.NoError(t, err)

	tr, err := env.store.Get(ctx, traceID)
	require.NoError(t, err)
	require.Equal(t, "5511990000101", tr.SenderPhone)
}

func TestHandle_DuplicateReturnsOriginalTrace(t *testing.T) {
	env := newTestRouter(t)
	ctx := context.Background()
	cfg := testInstance(echoAgent(t).URL, false)
	event := textEvent("MSG-DUP", "hello")

	first, err := env.router.Handle(ctx, cfg, event)
	require.NoError(t, err)
	second, err := env.router.Handle(ctx, cfg, event)
	require.NoError(t, err)
	require.Equal(t, first, second, "redelivery must reference the original trace")

	waitTerminal(t, env.store, first)
	items, err := env.store.List(ctx, trace.Query{InstanceName: cfg.Name})
	require.NoError(t, err)
	require.Len(t, items, 1, "redelivery must not open a second trace")
	require.Len(t, env.sender.sentTexts(), 1, "redelivery must not send twice")
}

func TestHandle_DedupSurvivesRestart(t *testing.T) {
	env := newTestRouter(t)
	ctx := context.Background()
	cfg := testInstance(echoAgent(t).URL, false)

	// A prior delivery persisted by an earlier process.
	prior := &trace.MessageTrace{
		InstanceName: cfg.Name,
		ChannelType:  "whatsapp",
		Direction:    "inbound",
		MessageID:    "MSG-RESTART",
		SessionName:  "acme_u-1",
		Status:       trace.StatusCompleted,
	}
	require.NoError(t, env.store.Insert(ctx, prior))

	// The router's in-memory cache is empty, so only the store can catch
	// the redelivery.
	traceID, err := env.router.Handle(ctx, cfg, textEvent("MSG-RESTART", "hello again"))
	require.NoError(t, err)
	require.Equal(t, prior.TraceID, traceID)

	items, err := env.store.List(ctx, trace.Query{InstanceName: cfg.Name})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Empty(t, env.sender.sentTexts())
}

func TestHandle_EmptyStreamCompletesWithoutSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	env := newTestRouter(t)
	cfg := testInstance(srv.URL, true)

	traceID, err := env.router.Handle(context.Background(), cfg, textEvent("MSG-SILENT", "anything to add?"))
	require.NoError(t, err)

	tr := waitTerminal(t, env.store, traceID)
	require.Equal(t, trace.StatusCompleted, tr.Status, "a clean zero-chunk stream is a completed exchange")
	require.Empty(t, tr.ErrorMessage)
	require.True(t, tr.AgentResponseSuccess)
	require.False(t, tr.ChannelSendSuccess)
	require.Empty(t, env.sender.sentTexts(), "nothing to say means nothing sent")
}

func TestHandle_PerSessionFIFO(t *testing.T) {
	env := newTestRouter(t)
	ctx := context.Background()
	cfg := testInstance(echoAgent(t).URL, false)

	want := make([]string, 0, 5)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("message %d", i)
		traceID, err := env.router.Handle(ctx, cfg, textEvent(fmt.Sprintf("MSG-%d", i), text))
		require.NoError(t, err)
		want = append(want, text)
		ids = append(ids, traceID)
	}
	for _, id := range ids {
		tr := waitTerminal(t, env.store, id)
		require.Equal(t, trace.StatusCompleted, tr.Status)
	}
	require.Equal(t, want, env.sender.sentTexts(), "replies within one conversation must keep arrival order")
}

func TestHandle_QueueOverflowRecordedAsFailed(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce, releaseOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		startedOnce.Do(func() { close(started) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":"ok"}`)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	env := newTestRouter(t)
	ctx := context.Background()
	cfg := testInstance(srv.URL, false)

	// One task occupies the worker, queueDepth more fill the backlog.
	first, err := env.router.Handle(ctx, cfg, textEvent("MSG-0", "m0"))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the agent")
	}
	for i := 1; i <= queueDepth; i++ {
		_, err := env.router.Handle(ctx, cfg, textEvent(fmt.Sprintf("MSG-%d", i), fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	overflowID, err := env.router.Handle(ctx, cfg, textEvent("MSG-OVER", "one too many"))
	require.NoError(t, err)
	tr, err := env.store.Get(ctx, overflowID)
	require.NoError(t, err)
	require.Equal(t, trace.StatusFailed, tr.Status)
	require.Equal(t, "overloaded", tr.ErrorStage)

	releaseOnce.Do(func() { close(release) })
	waitTerminal(t, env.store, first)
}

func TestShutdown_FinalizesQueuedTasks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce, releaseOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		startedOnce.Do(func() { close(started) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":"ok"}`)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	env := newTestRouter(t)
	ctx := context.Background()
	cfg := testInstance(srv.URL, false)

	inflight, err := env.router.Handle(ctx, cfg, textEvent("MSG-A", "a"))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the agent")
	}
	queued := make([]string, 0, 2)
	for _, id := range []string{"MSG-B", "MSG-C"} {
		traceID, err := env.router.Handle(ctx, cfg, textEvent(id, id))
		require.NoError(t, err)
		queued = append(queued, traceID)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, env.router.Shutdown(shutdownCtx))

	tr, err := env.store.Get(ctx, inflight)
	require.NoError(t, err)
	require.True(t, tr.Status.Terminal(), "in-flight task must be finalized on shutdown")
	for _, id := range queued {
		tr, err := env.store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, trace.StatusFailed, tr.Status)
		require.Equal(t, "shutdown", tr.ErrorStage)
	}
}
