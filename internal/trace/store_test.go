package trace

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/automagik/omni/internal/db"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.Migrate(); err != nil {
		t.Fatal(err)
	}
	return NewStore(conn)
}

func newTrace(instance, messageID string) *MessageTrace {
	return &MessageTrace{
		InstanceName: instance,
		ChannelType:  "whatsapp",
		Direction:    "inbound",
		MessageID:    messageID,
		SessionName:  "acme_u-1",
		SenderPhone:  "5511990000101",
		MessageType:  TypeText,
	}
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	tr := newTrace("wa-main", "MSG-1")
	if err := store.Insert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	if tr.TraceID == "" {
		t.Fatal("Insert should assign a trace ID")
	}

	got, err := store.Get(ctx, tr.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReceived {
		t.Fatalf("status = %s, want received", got.Status)
	}
	if got.MessageID != "MSG-1" || got.SenderPhone != "5511990000101" {
		t.Fatalf("trace = %+v", got)
	}
	if got.CompletedAt != nil {
		t.Fatal("open trace should have no completion time")
	}

	if _, err := store.Get(ctx, "no-such-trace"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("err = %v, want ErrTraceNotFound", err)
	}
}

func TestStatusLifecycleMonotonic(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	tr := newTrace("wa-main", "MSG-1")
	if err := store.Insert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStatus(ctx, tr.TraceID, StatusProcessing); err != nil {
		t.Fatal(err)
	}
	timings := Timings{AgentProcessingTimeMs: 1200, TotalProcessingTimeMs: 1500}
	flags := SuccessFlags{AgentResponseSuccess: true, ChannelSendSuccess: true}
	if err := store.Finalize(ctx, tr.TraceID, StatusCompleted, "", "", timings, flags); err != nil {
		t.Fatal(err)
	}

	// A late status write must not reopen a terminal trace.
	if err := store.UpdateStatus(ctx, tr.TraceID, StatusProcessing); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, tr.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed after late write", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completion time missing")
	}
	if got.AgentProcessingTimeMs == nil || *got.AgentProcessingTimeMs != 1200 {
		t.Fatalf("agent ms = %v", got.AgentProcessingTimeMs)
	}
	if !got.AgentResponseSuccess || !got.ChannelSendSuccess {
		t.Fatalf("flags = %+v", got)
	}
}

func TestFinalize_RequiresTerminalStatus(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	err := store.Finalize(context.Background(), "any", StatusProcessing, "", "", Timings{}, SuccessFlags{})
	if err == nil {
		t.Fatal("non-terminal finalize should error")
	}
}

func TestFinalize_RefinesTimingsWhenAlreadyTerminal(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	tr := newTrace("wa-main", "MSG-1")
	if err := store.Insert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	if err := store.Finalize(ctx, tr.TraceID, StatusFailed, "agent timeout", "agent_request", Timings{}, SuccessFlags{}); err != nil {
		t.Fatal(err)
	}
	// Second finalize cannot flip the status but may refine timings.
	if err := store.Finalize(ctx, tr.TraceID, StatusCompleted, "", "",
		Timings{TotalProcessingTimeMs: 900}, SuccessFlags{}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, tr.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "agent timeout" || got.ErrorStage != "agent_request" {
		t.Fatalf("error fields = %q/%q", got.ErrorMessage, got.ErrorStage)
	}
	if got.TotalProcessingTimeMs == nil || *got.TotalProcessingTimeMs != 900 {
		t.Fatalf("total ms = %v", got.TotalProcessingTimeMs)
	}
}

func TestSetIdentity(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	tr := newTrace("wa-main", "MSG-1")
	tr.SessionName = ""
	if err := store.Insert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	if err := store.SetIdentity(ctx, tr.TraceID, "u-42", "acme_u-42"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, tr.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u-42" || got.SessionName != "acme_u-42" {
		t.Fatalf("identity = %q/%q", got.UserID, got.SessionName)
	}
}

func TestFindByChannelMessage(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	tr := newTrace("wa-main", "MSG-1")
	if err := store.Insert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	found, err := store.FindByChannelMessage(ctx, "wa-main", "MSG-1")
	if err != nil {
		t.Fatal(err)
	}
	if found.TraceID != tr.TraceID {
		t.Fatalf("found = %s, want %s", found.TraceID, tr.TraceID)
	}
	// Same message ID on another instance is a different conversation.
	if _, err := store.FindByChannelMessage(ctx, "wa-other", "MSG-1"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("err = %v, want ErrTraceNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, instance := range []string{"wa-main", "wa-main", "wa-other"} {
		tr := newTrace(instance, "MSG-"+string(rune('A'+i)))
		tr.ReceivedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Insert(ctx, tr); err != nil {
			t.Fatal(err)
		}
		if instance == "wa-other" {
			if err := store.Finalize(ctx, tr.TraceID, StatusFailed, "boom", "agent_request", Timings{}, SuccessFlags{}); err != nil {
				t.Fatal(err)
			}
		}
	}

	byInstance, err := store.List(ctx, Query{InstanceName: "wa-main"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byInstance) != 2 {
		t.Fatalf("by instance = %d, want 2", len(byInstance))
	}
	// Newest first.
	if byInstance[0].ReceivedAt.Before(byInstance[1].ReceivedAt) {
		t.Fatal("list not ordered newest first")
	}

	failed, err := store.List(ctx, Query{Status: StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].InstanceName != "wa-other" {
		t.Fatalf("failed = %+v", failed)
	}

	windowed, err := store.List(ctx, Query{Since: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 1 {
		t.Fatalf("windowed = %d, want 1", len(windowed))
	}

	limited, err := store.List(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited = %d, want 2", len(limited))
	}
}

func TestUpsertPayload_ReplacesStage(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	tr := newTrace("wa-main", "MSG-1")
	if err := store.Insert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	first := []byte(`{"chunk":1}`)
	if _, err := store.UpsertPayload(ctx, tr.TraceID, StageAgentResponse, first, PayloadFlags{PayloadType: "json"}); err != nil {
		t.Fatal(err)
	}
	final := []byte(`{"chunk":1,"chunk":2,"final":true}`)
	if _, err := store.UpsertPayload(ctx, tr.TraceID, StageAgentResponse, final, PayloadFlags{PayloadType: "json"}); err != nil {
		t.Fatal(err)
	}

	payloads, err := store.Payloads(ctx, tr.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1 after replace", len(payloads))
	}
	if !bytes.Equal(payloads[0].Body, final) {
		t.Fatalf("body = %q, want final write", payloads[0].Body)
	}
	if payloads[0].PayloadSizeOriginal != int64(len(final)) {
		t.Fatalf("size = %d", payloads[0].PayloadSizeOriginal)
	}
}

func TestBackfillMessageTypes(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	tr := newTrace("wa-main", "MSG-1")
	tr.MessageType = TypeUnknown
	if err := store.Insert(ctx, tr); err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"data":{"message":{"imageMessage":{}}}}`)
	if _, err := store.UpsertPayload(ctx, tr.TraceID, StageWebhookReceived, body, PayloadFlags{PayloadType: "json"}); err != nil {
		t.Fatal(err)
	}

	detect := func(raw []byte) string {
		if bytes.Contains(raw, []byte("imageMessage")) {
			return "imageMessage"
		}
		return ""
	}
	updated, err := store.BackfillMessageTypes(ctx, detect, 100)
	if err != nil {
		t.Fatal(err)
	}
	if updated != 1 {
		t.Fatalf("updated = %d, want 1", updated)
	}
	got, err := store.Get(ctx, tr.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageType != TypeImage {
		t.Fatalf("message type = %s, want image", got.MessageType)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	old := newTrace("wa-main", "MSG-OLD")
	old.ReceivedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := store.Insert(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertPayload(ctx, old.TraceID, StageWebhookReceived, []byte(`{}`), PayloadFlags{}); err != nil {
		t.Fatal(err)
	}
	fresh := newTrace("wa-main", "MSG-NEW")
	if err := store.Insert(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	removed, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, old.TraceID); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("err = %v, want ErrTraceNotFound", err)
	}
	payloads, err := store.Payloads(ctx, old.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 0 {
		t.Fatalf("orphan payloads = %d", len(payloads))
	}
	if _, err := store.Get(ctx, fresh.TraceID); err != nil {
		t.Fatalf("fresh trace lost: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	completed := newTrace("wa-main", "MSG-1")
	if err := store.Insert(ctx, completed); err != nil {
		t.Fatal(err)
	}
	if err := store.Finalize(ctx, completed.TraceID, StatusCompleted, "", "",
		Timings{AgentProcessingTimeMs: 1000, TotalProcessingTimeMs: 1400},
		SuccessFlags{AgentResponseSuccess: true, ChannelSendSuccess: true}); err != nil {
		t.Fatal(err)
	}
	failed := newTrace("wa-main", "MSG-2")
	failed.MessageType = TypeImage
	if err := store.Insert(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := store.Finalize(ctx, failed.TraceID, StatusFailed, "boom", "agent_request", Timings{}, SuccessFlags{}); err != nil {
		t.Fatal(err)
	}

	summary, err := store.Summarize(ctx, time.Time{}, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalMessages != 2 || summary.CompletedMessages != 1 || summary.FailedMessages != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.SuccessRate != 0.5 {
		t.Fatalf("success rate = %v, want 0.5", summary.SuccessRate)
	}
	if summary.ByMessageType["text"] != 1 || summary.ByMessageType["image"] != 1 {
		t.Fatalf("by type = %v", summary.ByMessageType)
	}
	if summary.ByErrorStage["agent_request"] != 1 {
		t.Fatalf("by stage = %v", summary.ByErrorStage)
	}
	if summary.Window != "all_time" {
		t.Fatalf("window = %q", summary.Window)
	}
}
