// Package router is the message pipeline: normalized inbound events enter,
// pass admission control, identity resolution and the agent call, and leave
// as channel deliveries. Every step is recorded on the message trace.
//
// Ordering: events are serialized per conversation through bounded FIFO
// queues keyed by session, so replies within one conversation never
// interleave. Distinct conversations proceed concurrently.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/automagik/omni/internal/access"
	"github.com/automagik/omni/internal/agent"
	"github.com/automagik/omni/internal/channel"
	"github.com/automagik/omni/internal/identity"
	"github.com/automagik/omni/internal/trace"
)

const (
	// queueDepth bounds the per-conversation backlog. Overflow is a
	// recorded failure, never a silent drop.
	queueDepth = 32

	// queueIdleTimeout is how long an empty conversation queue lingers
	// before its worker exits.
	queueIdleTimeout = 5 * time.Minute

	// dedupTTL is how long channel message IDs are remembered per
	// instance. Gateways redeliver webhooks within seconds; the window
	// comfortably covers their retry schedule.
	dedupTTL = 5 * time.Minute
)

// Router routes inbound events to agents and agent replies back out.
type Router struct {
	logger    *slog.Logger
	registry  *channel.Registry
	deliverer *channel.Deliverer
	agents    *agent.Client
	accessSt  *access.Store
	identity  *identity.Store
	recorder  *trace.Recorder

	mu     sync.Mutex
	queues map[string]*sessionQueue
	dedup  map[string]dedupEntry
	closed bool
	wg     sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type dedupEntry struct {
	traceID string
	at      time.Time
}

type task struct {
	cfg     channel.InstanceConfig
	event   channel.InboundEvent
	traceID string
	started time.Time
}

// New creates a Router.
func New(log *slog.Logger, registry *channel.Registry, deliverer *channel.Deliverer, agents *agent.Client, accessStore *access.Store, identityStore *identity.Store, recorder *trace.Recorder) *Router {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		logger:     log.With(slog.String("component", "router")),
		registry:   registry,
		deliverer:  deliverer,
		agents:     agents,
		accessSt:   accessStore,
		identity:   identityStore,
		recorder:   recorder,
		queues:     make(map[string]*sessionQueue),
		dedup:      make(map[string]dedupEntry),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Handle is the inbound entry point wired into channel adapters and the
// webhook endpoint. It opens the trace, deduplicates, and enqueues; heavy
// work happens on the conversation's queue worker. The returned trace ID is
// the one the event was recorded under; duplicate deliveries return the
// original trace ID.
func (r *Router) Handle(ctx context.Context, cfg channel.InstanceConfig, event channel.InboundEvent) (string, error) {
	if traceID, dup := r.reserveDelivery(cfg.Name, event.ChannelMessageID); dup {
		r.logger.Debug("duplicate delivery suppressed",
			slog.String("instance", cfg.Name),
			slog.String("message_id", event.ChannelMessageID),
			slog.String("trace_id", traceID))
		return traceID, nil
	}
	// Cache miss can also mean the hub restarted inside the dedup window;
	// the persisted trace is the authority then.
	if event.ChannelMessageID != "" {
		if prior, err := r.recorder.Store().FindByChannelMessage(ctx, cfg.Name, event.ChannelMessageID); err == nil && time.Since(prior.ReceivedAt) <= dedupTTL {
			r.rememberDelivery(cfg.Name, event.ChannelMessageID, prior.TraceID)
			r.logger.Debug("duplicate delivery suppressed",
				slog.String("instance", cfg.Name),
				slog.String("message_id", event.ChannelMessageID),
				slog.String("trace_id", prior.TraceID))
			return prior.TraceID, nil
		}
	}

	now := time.Now()
	traceID := r.recorder.Open(ctx, trace.MessageTrace{
		InstanceName:     cfg.Name,
		ChannelType:      cfg.ChannelType.String(),
		Direction:        "inbound",
		MessageID:        event.ChannelMessageID,
		SessionName:      r.sessionKey(cfg, event, ""),
		SenderPhone:      senderPhone(event),
		SenderName:       event.PeerDisplayName,
		MessageType:      trace.NormalizeMessageType(event.RawMessageKey),
		HasMedia:         event.HasMedia(),
		HasQuotedMessage: event.QuotedMessageID != "",
		Status:           trace.StatusReceived,
		ReceivedAt:       now.UTC(),
	})
	r.rememberDelivery(cfg.Name, event.ChannelMessageID, traceID)

	if len(event.RawPayload) > 0 {
		r.recorder.Payload(ctx, traceID, trace.StageWebhookReceived, event.RawPayload, trace.PayloadFlags{
			PayloadType:    "webhook",
			ContainsMedia:  event.HasMedia(),
			ContainsBase64: false,
		})
	}

	// Content-free events (reactions, receipts) are recorded and
	// acknowledged without an agent call.
	if event.IsEmpty() {
		r.recorder.Finalize(ctx, traceID, trace.StatusCompleted, "", "",
			trace.Timings{TotalProcessingTimeMs: trace.SinceMs(now)}, trace.SuccessFlags{})
		return traceID, nil
	}

	t := task{cfg: cfg, event: event, traceID: traceID, started: now}
	if !r.enqueue(r.sessionKey(cfg, event, ""), t) {
		r.recorder.Finalize(ctx, traceID, trace.StatusFailed,
			"conversation queue full", "overloaded",
			trace.Timings{TotalProcessingTimeMs: trace.SinceMs(now)}, trace.SuccessFlags{})
		return traceID, nil
	}
	return traceID, nil
}

// reserveDelivery atomically claims the message ID in the dedup cache. The
// second return is true when another delivery already holds the claim; the
// claim and its lookup share one critical section so two concurrent identical
// webhooks can never both pass. Expired entries are pruned on every call.
func (r *Router) reserveDelivery(instanceName, messageID string) (string, bool) {
	if messageID == "" {
		return "", false
	}
	key := instanceName + "|" + messageID
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, entry := range r.dedup {
		if now.Sub(entry.at) > dedupTTL {
			delete(r.dedup, k)
		}
	}
	if entry, ok := r.dedup[key]; ok {
		return entry.traceID, true
	}
	r.dedup[key] = dedupEntry{at: now}
	return "", false
}

// rememberDelivery fills in the trace ID on a claimed message ID.
func (r *Router) rememberDelivery(instanceName, messageID, traceID string) {
	if messageID == "" {
		return
	}
	r.mu.Lock()
	r.dedup[instanceName+"|"+messageID] = dedupEntry{traceID: traceID, at: time.Now()}
	r.mu.Unlock()
}

// senderPhone is the peer identifier as stored on traces. WhatsApp JIDs are
// reduced to the bare number so trace queries by phone number match.
func senderPhone(event channel.InboundEvent) string {
	peer := event.FromPeer
	if event.ChannelType == channel.TypeWhatsApp {
		if idx := strings.IndexByte(peer, '@'); idx >= 0 {
			peer = peer[:idx]
		}
	}
	return peer
}

// Shutdown stops accepting work and waits for in-flight tasks. Tasks still
// queued when their worker stops are finalized as failed at the shutdown
// stage.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	queues := make([]*sessionQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cancelBase()
		<-done
	}
	r.cancelBase()
	return nil
}
