package trace

import (
	"context"
	"log/slog"
	"time"
)

// Recorder is the write-side facade the message pipeline uses. Every method
// is best effort: persistence failures are logged and swallowed so tracing
// can never break message delivery.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(log *slog.Logger, store *Store) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, logger: log.With(slog.String("component", "trace"))}
}

// Store exposes the underlying store for read paths.
func (r *Recorder) Store() *Store {
	return r.store
}

// Open creates the trace row for a freshly received message and returns its
// ID. On persistence failure the generated ID is still returned so the
// pipeline keeps a correlation handle; later writes against it become no-ops.
func (r *Recorder) Open(ctx context.Context, t MessageTrace) string {
	if err := r.store.Insert(ctx, &t); err != nil {
		r.logger.Warn("trace open failed",
			slog.String("instance", t.InstanceName),
			slog.String("message_id", t.MessageID),
			slog.Any("error", err))
	}
	return t.TraceID
}

// Status advances the trace lifecycle.
func (r *Recorder) Status(ctx context.Context, traceID string, status Status) {
	if err := r.store.UpdateStatus(ctx, traceID, status); err != nil {
		r.logger.Warn("trace status update failed",
			slog.String("trace_id", traceID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

// Identity records the resolved user and session key.
func (r *Recorder) Identity(ctx context.Context, traceID, userID, sessionName string) {
	if err := r.store.SetIdentity(ctx, traceID, userID, sessionName); err != nil {
		r.logger.Warn("trace identity update failed",
			slog.String("trace_id", traceID), slog.Any("error", err))
	}
}

// Payload captures the raw data observed at a pipeline stage. Re-recording
// the same stage replaces the earlier capture, which is how a stream of
// chunks collapses into one agent_response payload.
func (r *Recorder) Payload(ctx context.Context, traceID string, stage Stage, body []byte, flags PayloadFlags) {
	if _, err := r.store.UpsertPayload(ctx, traceID, stage, body, flags); err != nil {
		r.logger.Warn("trace payload write failed",
			slog.String("trace_id", traceID),
			slog.String("stage", string(stage)),
			slog.Any("error", err))
	}
}

// Finalize moves the trace to a terminal status with timings and outcomes.
func (r *Recorder) Finalize(ctx context.Context, traceID string, status Status, errMessage, errStage string, timings Timings, flags SuccessFlags) {
	if err := r.store.Finalize(ctx, traceID, status, errMessage, errStage, timings, flags); err != nil {
		r.logger.Warn("trace finalize failed",
			slog.String("trace_id", traceID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

// SinceMs returns elapsed wall-clock milliseconds, clamped to zero.
func SinceMs(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
