package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/automagik/omni/internal/agent"
	"github.com/automagik/omni/internal/channel"
	"github.com/automagik/omni/internal/trace"
)

// process runs one task through admission, identity, the agent call and
// outbound delivery. It always finalizes the trace exactly once.
func (r *Router) process(ctx context.Context, t task) {
	log := r.logger.With(
		slog.String("instance", t.cfg.Name),
		slog.String("trace_id", t.traceID))

	// Admission control. Denied senders get no reply of any kind.
	decision, err := r.accessSt.Check(ctx, t.cfg.Name, t.event.FromPeer)
	if err != nil {
		log.Error("access check failed", slog.Any("error", err))
		r.finalize(ctx, t, trace.StatusFailed, err.Error(), "access_check", agent.Metrics{}, false)
		return
	}
	if !decision.Allowed {
		log.Info("sender blocked", slog.String("peer", t.event.FromPeer))
		r.finalize(ctx, t, trace.StatusAccessDenied, "", "", agent.Metrics{}, false)
		return
	}

	// Identity resolution. Failure here degrades to channel-native
	// session keys instead of dropping the message.
	userID := ""
	provider := t.cfg.ChannelType.String()
	if user, err := r.identity.Resolve(ctx, provider, t.event.FromPeer, t.event.PeerDisplayName); err != nil {
		log.Warn("identity resolution failed", slog.Any("error", err))
	} else {
		userID = user.ID
	}
	sessionName := r.sessionKey(t.cfg, t.event, userID)
	r.recorder.Identity(ctx, t.traceID, userID, sessionName)
	r.recorder.Status(ctx, t.traceID, trace.StatusProcessing)

	// Agent call.
	req := agent.Request{
		SessionName: sessionName,
		UserID:      userID,
		Text:        t.event.Text,
		Media:       t.event.Media,
	}
	if reqBody, err := json.Marshal(req); err == nil {
		r.recorder.Payload(ctx, t.traceID, trace.StageAgentRequest, reqBody, trace.PayloadFlags{
			PayloadType:   "agent_request",
			ContainsMedia: len(req.Media) > 0,
		})
	}

	reply, metrics, err := r.callAgent(ctx, t, req)
	r.recordAgentResponse(ctx, t.traceID, reply, metrics)
	if err != nil {
		stage := "agent_request"
		if errors.Is(err, context.Canceled) {
			stage = "cancelled"
		}
		log.Error("agent call failed", slog.Any("error", err))
		r.sendFallback(ctx, t)
		r.finalize(ctx, t, trace.StatusFailed, err.Error(), stage, metrics, false)
		return
	}
	if reply.IsEmpty() {
		if metrics.Success {
			// The agent finished cleanly with nothing to say. That is a
			// completed exchange with no outbound message, not a failure.
			r.finalize(ctx, t, trace.StatusCompleted, "", "", metrics, false)
			return
		}
		log.Warn("agent returned empty reply")
		r.sendFallback(ctx, t)
		r.finalize(ctx, t, trace.StatusFailed, "empty agent response", "agent_response", metrics, false)
		return
	}

	// Outbound delivery.
	result, deliverErr := r.deliverer.Deliver(ctx, t.cfg, r.replyPeer(t), channel.Reply{
		Text:  reply.Text,
		Media: reply.Media,
	})
	if resultBody, err := json.Marshal(result); err == nil {
		r.recorder.Payload(ctx, t.traceID, trace.StageOutboundSent, resultBody, trace.PayloadFlags{
			PayloadType:   "delivery_result",
			ContainsMedia: len(reply.Media) > 0,
		})
	}
	if deliverErr != nil || !result.Success() {
		msg := "partial delivery"
		if deliverErr != nil {
			msg = deliverErr.Error()
		}
		log.Error("delivery failed",
			slog.Int("failed_chunks", result.FailedChunks),
			slog.Any("error", deliverErr))
		r.finalize(ctx, t, trace.StatusFailed, msg, "outbound_sent", metrics, false)
		return
	}

	r.finalize(ctx, t, trace.StatusCompleted, "", "", metrics, true)
}

// callAgent dispatches to the buffered or streaming variant per instance
// configuration. Streamed chunks are coalesced into one reply; chunk
// arrival order is preserved.
func (r *Router) callAgent(ctx context.Context, t task, req agent.Request) (channel.Reply, agent.Metrics, error) {
	if !t.cfg.AgentStreamMode {
		resp, metrics, err := r.agents.Call(ctx, t.cfg, req)
		return channel.Reply{Text: resp.Text, Media: resp.Media}, metrics, err
	}
	var builder strings.Builder
	metrics, err := r.agents.Stream(ctx, t.cfg, req, func(chunk agent.Chunk) error {
		builder.WriteString(chunk.Content)
		return nil
	})
	return channel.Reply{Text: builder.String()}, metrics, err
}

// recordAgentResponse stores the coalesced reply plus call metrics as the
// agent_response payload. Later writes for the same stage replace earlier
// ones, so a retried call leaves a single capture.
func (r *Router) recordAgentResponse(ctx context.Context, traceID string, reply channel.Reply, metrics agent.Metrics) {
	body, err := json.Marshal(map[string]any{
		"text":    reply.Text,
		"media":   reply.Media,
		"metrics": metrics,
	})
	if err != nil {
		return
	}
	r.recorder.Payload(ctx, traceID, trace.StageAgentResponse, body, trace.PayloadFlags{
		PayloadType:   "agent_response",
		ContainsMedia: len(reply.Media) > 0,
	})
}

// sendFallback notifies the peer after an agent failure when the instance
// configures fallback text. Best effort; delivery errors are only logged.
func (r *Router) sendFallback(ctx context.Context, t task) {
	text := strings.TrimSpace(t.cfg.ErrorFallbackText)
	if text == "" {
		return
	}
	if _, err := r.deliverer.Deliver(ctx, t.cfg, r.replyPeer(t), channel.Reply{Text: text}); err != nil {
		r.logger.Warn("fallback delivery failed",
			slog.String("trace_id", t.traceID),
			slog.Any("error", err))
	}
}

// replyPeer is where the response goes: the originating Discord channel, or
// the sending peer everywhere else.
func (r *Router) replyPeer(t task) string {
	if t.cfg.ChannelType == channel.TypeDiscord {
		if channelID := t.event.Meta("channel_id"); channelID != "" {
			return channelID
		}
	}
	return t.event.FromPeer
}

func (r *Router) finalize(ctx context.Context, t task, status trace.Status, errMessage, errStage string, metrics agent.Metrics, sent bool) {
	r.recorder.Finalize(ctx, t.traceID, status, errMessage, errStage, trace.Timings{
		AgentProcessingTimeMs: metrics.TotalStreamingDurationMs,
		TotalProcessingTimeMs: trace.SinceMs(t.started),
	}, trace.SuccessFlags{
		AgentResponseSuccess: metrics.Success,
		ChannelSendSuccess:   sent,
	})
}
