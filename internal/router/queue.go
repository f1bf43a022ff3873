package router

import (
	"log/slog"
	"time"

	"github.com/automagik/omni/internal/channel"
	"github.com/automagik/omni/internal/session"
	"github.com/automagik/omni/internal/trace"
)

// sessionQueue serializes the tasks of one conversation.
type sessionQueue struct {
	key    string
	tasks  chan task
	closed chan struct{}
}

func (q *sessionQueue) close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// sessionKey derives the conversation key used for both queue affinity and
// the agent session. userID is empty before identity resolution; the
// channel-native fallback keeps affinity stable either way.
func (r *Router) sessionKey(cfg channel.InstanceConfig, event channel.InboundEvent, userID string) string {
	switch cfg.ChannelType {
	case channel.TypeDiscord:
		if event.Meta("is_dm") == "true" || event.Meta("guild_id") == "" {
			return session.ForDiscordDM(event.FromPeer)
		}
		return session.ForDiscordGuild(event.Meta("guild_id"), event.FromPeer)
	default:
		return session.ForWhatsApp(cfg.SessionIDPrefix, userID, event.FromPeer)
	}
}

// enqueue places a task on its conversation queue, creating the queue and
// its worker if needed. Returns false when the backlog is full or the
// router is shut down. The send happens under the admission lock: an idle
// worker removes its queue under the same lock, so a task either lands in a
// channel still registered in the map or is picked up by drainRequeue after
// removal. It can never land in an abandoned channel unseen.
func (r *Router) enqueue(key string, t task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	q, ok := r.queues[key]
	if !ok {
		q = &sessionQueue{
			key:    key,
			tasks:  make(chan task, queueDepth),
			closed: make(chan struct{}),
		}
		r.queues[key] = q
		r.wg.Add(1)
		go r.runQueue(q)
	}

	select {
	case q.tasks <- t:
		return true
	default:
		return false
	}
}

// runQueue is the worker loop for one conversation. It processes tasks in
// arrival order, exits when idle, and on shutdown finalizes whatever is
// still queued without calling the agent.
func (r *Router) runQueue(q *sessionQueue) {
	defer r.wg.Done()
	idle := time.NewTimer(queueIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case t := <-q.tasks:
			r.process(r.baseCtx, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(queueIdleTimeout)
		case <-q.closed:
			r.drain(q)
			r.removeQueue(q)
			return
		case <-idle.C:
			r.removeQueue(q)
			// Tasks racing the removal drain into the abandoned
			// channel; hand them back through enqueue.
			r.drainRequeue(q)
			return
		}
	}
}

func (r *Router) removeQueue(q *sessionQueue) {
	r.mu.Lock()
	if r.queues[q.key] == q {
		delete(r.queues, q.key)
	}
	r.mu.Unlock()
}

func (r *Router) drain(q *sessionQueue) {
	for {
		select {
		case t := <-q.tasks:
			r.recorder.Finalize(r.baseCtx, t.traceID, trace.StatusFailed,
				"hub shutting down", "shutdown",
				trace.Timings{TotalProcessingTimeMs: trace.SinceMs(t.started)},
				trace.SuccessFlags{})
		default:
			return
		}
	}
}

func (r *Router) drainRequeue(q *sessionQueue) {
	for {
		select {
		case t := <-q.tasks:
			if !r.enqueue(q.key, t) {
				r.recorder.Finalize(r.baseCtx, t.traceID, trace.StatusFailed,
					"conversation queue full", "overloaded",
					trace.Timings{TotalProcessingTimeMs: trace.SinceMs(t.started)},
					trace.SuccessFlags{})
				r.logger.Warn("requeue after idle exit failed",
					slog.String("session", q.key),
					slog.String("trace_id", t.traceID))
			}
		default:
			return
		}
	}
}
