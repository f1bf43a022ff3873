package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/automagik/omni/internal/db"
)

// ErrTraceNotFound indicates no trace exists with the requested ID.
var ErrTraceNotFound = errors.New("trace not found")

const traceColumns = `trace_id, instance_name, channel_type, direction, message_id,
	session_name, user_id, sender_phone, sender_name, message_type, has_media,
	has_quoted_message, status, error_message, error_stage, received_at,
	completed_at, agent_processing_time_ms, total_processing_time_ms,
	agent_response_success, channel_send_success`

// Store persists message traces and their stage payloads.
type Store struct {
	conn *db.Conn
}

// NewStore creates a Store backed by the given database connection.
func NewStore(conn *db.Conn) *Store {
	return &Store{conn: conn}
}

// Insert writes a new trace row. The caller sets TraceID, ReceivedAt and
// Status before calling; missing TraceIDs get a fresh UUID.
func (s *Store) Insert(ctx context.Context, t *MessageTrace) error {
	if t.TraceID == "" {
		t.TraceID = uuid.NewString()
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusReceived
	}
	if t.MessageType == "" {
		t.MessageType = TypeUnknown
	}
	_, err := s.conn.DB.ExecContext(ctx,
		`INSERT INTO message_traces (`+traceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.TraceID, t.InstanceName, t.ChannelType, t.Direction, t.MessageID,
		t.SessionName, nullIfEmpty(t.UserID), nullIfEmpty(t.SenderPhone), nullIfEmpty(t.SenderName),
		string(t.MessageType), t.HasMedia, t.HasQuotedMessage, string(t.Status),
		nullIfEmpty(t.ErrorMessage), nullIfEmpty(t.ErrorStage), t.ReceivedAt,
		t.CompletedAt, t.AgentProcessingTimeMs, t.TotalProcessingTimeMs,
		t.AgentResponseSuccess, t.ChannelSendSuccess,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// UpdateStatus advances a trace to a non-terminal status. The WHERE clause
// refuses to touch rows already in a terminal status, keeping the lifecycle
// monotonic regardless of caller ordering.
func (s *Store) UpdateStatus(ctx context.Context, traceID string, status Status) error {
	_, err := s.conn.DB.ExecContext(ctx,
		`UPDATE message_traces SET status = $1
		 WHERE trace_id = $2 AND status NOT IN ('completed', 'failed', 'access_denied')`,
		string(status), traceID,
	)
	return err
}

// SetIdentity records the resolved user and session on an open trace.
func (s *Store) SetIdentity(ctx context.Context, traceID, userID, sessionName string) error {
	_, err := s.conn.DB.ExecContext(ctx,
		`UPDATE message_traces SET user_id = $1, session_name = $2 WHERE trace_id = $3`,
		nullIfEmpty(userID), sessionName, traceID,
	)
	return err
}

// SetMessageType overwrites the normalized message type of a trace.
func (s *Store) SetMessageType(ctx context.Context, traceID string, mt MessageType) error {
	_, err := s.conn.DB.ExecContext(ctx,
		`UPDATE message_traces SET message_type = $1 WHERE trace_id = $2`,
		string(mt), traceID,
	)
	return err
}

// Finalize moves a trace to its terminal status and records completion
// time, timings, success flags and any error. Finalizing an already
// terminal trace updates timings and flags only.
func (s *Store) Finalize(ctx context.Context, traceID string, status Status, errMessage, errStage string, timings Timings, flags SuccessFlags) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}
	now := time.Now().UTC()
	res, err := s.conn.DB.ExecContext(ctx,
		`UPDATE message_traces
		 SET status = $1, error_message = $2, error_stage = $3, completed_at = $4,
		     agent_processing_time_ms = $5, total_processing_time_ms = $6,
		     agent_response_success = $7, channel_send_success = $8
		 WHERE trace_id = $9 AND status NOT IN ('completed', 'failed', 'access_denied')`,
		string(status), nullIfEmpty(errMessage), nullIfEmpty(errStage), now,
		timings.AgentProcessingTimeMs, timings.TotalProcessingTimeMs,
		flags.AgentResponseSuccess, flags.ChannelSendSuccess, traceID,
	)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Already terminal: timings and flags may still be refined.
		_, err = s.conn.DB.ExecContext(ctx,
			`UPDATE message_traces
			 SET agent_processing_time_ms = $1, total_processing_time_ms = $2,
			     agent_response_success = $3, channel_send_success = $4
			 WHERE trace_id = $5`,
			timings.AgentProcessingTimeMs, timings.TotalProcessingTimeMs,
			flags.AgentResponseSuccess, flags.ChannelSendSuccess, traceID,
		)
	}
	return err
}

// Get returns a trace by ID.
func (s *Store) Get(ctx context.Context, traceID string) (MessageTrace, error) {
	row := s.conn.DB.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM message_traces WHERE trace_id = $1`, traceID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageTrace{}, ErrTraceNotFound
	}
	return t, err
}

// FindByChannelMessage looks up the trace for a channel-native message ID on
// one instance, used for duplicate-delivery detection across restarts.
func (s *Store) FindByChannelMessage(ctx context.Context, instanceName, messageID string) (MessageTrace, error) {
	row := s.conn.DB.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM message_traces
		 WHERE instance_name = $1 AND message_id = $2
		 ORDER BY received_at DESC LIMIT 1`, instanceName, messageID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageTrace{}, ErrTraceNotFound
	}
	return t, err
}

// List returns traces matching the query, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]MessageTrace, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.InstanceName != "" {
		where = append(where, "instance_name = "+arg(q.InstanceName))
	}
	if q.SenderPhone != "" {
		where = append(where, "sender_phone = "+arg(q.SenderPhone))
	}
	if q.SessionName != "" {
		where = append(where, "session_name = "+arg(q.SessionName))
	}
	if q.Status != "" {
		where = append(where, "status = "+arg(string(q.Status)))
	}
	if !q.Since.IsZero() {
		where = append(where, "received_at >= "+arg(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "received_at < "+arg(q.Until))
	}
	query := `SELECT ` + traceColumns + ` FROM message_traces`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC"
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	rows, err := s.conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]MessageTrace, 0)
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// UpsertPayload writes a stage payload. A second write for the same
// (trace_id, stage) replaces the previous row, which is how streaming
// responses collapse into a single agent_response payload.
func (s *Store) UpsertPayload(ctx context.Context, traceID string, stage Stage, body []byte, flags PayloadFlags) (Payload, error) {
	stored, err := Encode(body)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload: %w", err)
	}
	p := Payload{
		ID:                    uuid.NewString(),
		TraceID:               traceID,
		Stage:                 stage,
		PayloadType:           flags.PayloadType,
		StatusCode:            flags.StatusCode,
		PayloadSizeOriginal:   int64(len(body)),
		PayloadSizeCompressed: int64(len(stored)),
		ContainsMedia:         flags.ContainsMedia,
		ContainsBase64:        flags.ContainsBase64,
		Body:                  body,
		CreatedAt:             time.Now().UTC(),
	}
	if p.PayloadSizeOriginal > 0 {
		p.CompressionRatio = float64(p.PayloadSizeCompressed) / float64(p.PayloadSizeOriginal)
	} else {
		p.CompressionRatio = 1.0
	}
	_, err = s.conn.DB.ExecContext(ctx,
		`INSERT INTO trace_payloads (id, trace_id, stage, payload_type, status_code,
		     payload_size_original, payload_size_compressed, compression_ratio,
		     contains_media, contains_base64, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (trace_id, stage) DO UPDATE SET
		     payload_type = EXCLUDED.payload_type,
		     status_code = EXCLUDED.status_code,
		     payload_size_original = EXCLUDED.payload_size_original,
		     payload_size_compressed = EXCLUDED.payload_size_compressed,
		     compression_ratio = EXCLUDED.compression_ratio,
		     contains_media = EXCLUDED.contains_media,
		     contains_base64 = EXCLUDED.contains_base64,
		     payload = EXCLUDED.payload,
		     created_at = EXCLUDED.created_at`,
		p.ID, p.TraceID, string(p.Stage), p.PayloadType, p.StatusCode,
		p.PayloadSizeOriginal, p.PayloadSizeCompressed, p.CompressionRatio,
		p.ContainsMedia, p.ContainsBase64, stored, p.CreatedAt,
	)
	if err != nil {
		return Payload{}, fmt.Errorf("upsert payload: %w", err)
	}
	return p, nil
}

// Payloads returns the stage payloads of a trace with bodies decoded.
func (s *Store) Payloads(ctx context.Context, traceID string) ([]Payload, error) {
	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT id, trace_id, stage, payload_type, status_code,
		        payload_size_original, payload_size_compressed, compression_ratio,
		        contains_media, contains_base64, payload, created_at
		 FROM trace_payloads WHERE trace_id = $1 ORDER BY created_at`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Payload, 0)
	for rows.Next() {
		var (
			p          Payload
			stage      string
			statusCode sql.NullInt64
			stored     []byte
		)
		if err := rows.Scan(&p.ID, &p.TraceID, &stage, &p.PayloadType, &statusCode,
			&p.PayloadSizeOriginal, &p.PayloadSizeCompressed, &p.CompressionRatio,
			&p.ContainsMedia, &p.ContainsBase64, &stored, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Stage = Stage(stage)
		if statusCode.Valid {
			code := int(statusCode.Int64)
			p.StatusCode = &code
		}
		body, err := Decode(stored)
		if err != nil {
			return nil, fmt.Errorf("payload %s: %w", p.ID, err)
		}
		p.Body = body
		items = append(items, p)
	}
	return items, rows.Err()
}

// BackfillMessageTypes re-classifies traces stored as unknown by running the
// detector over their webhook_received payloads. Returns the number of rows
// updated. Rows whose payloads are missing or still unclassifiable are left
// untouched.
func (s *Store) BackfillMessageTypes(ctx context.Context, detect func(raw []byte) string, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT t.trace_id, p.payload
		 FROM message_traces t
		 JOIN trace_payloads p ON p.trace_id = t.trace_id AND p.stage = 'webhook_received'
		 WHERE t.message_type = 'unknown'
		 ORDER BY t.received_at DESC LIMIT $1`, limit)
	if err != nil {
		return 0, err
	}
	type fix struct {
		traceID string
		mt      MessageType
	}
	var fixes []fix
	for rows.Next() {
		var (
			traceID string
			stored  []byte
		)
		if err := rows.Scan(&traceID, &stored); err != nil {
			rows.Close()
			return 0, err
		}
		body, err := Decode(stored)
		if err != nil {
			continue
		}
		mt := NormalizeMessageType(detect(body))
		if mt != TypeUnknown {
			fixes = append(fixes, fix{traceID: traceID, mt: mt})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	updated := 0
	for _, f := range fixes {
		if err := s.SetMessageType(ctx, f.traceID, f.mt); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// DeleteOlderThan removes traces received before the cutoff, payloads first.
// Returns the number of traces removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM trace_payloads WHERE trace_id IN
		 (SELECT trace_id FROM message_traces WHERE received_at < $1)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM message_traces WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, tx.Commit()
}

func scanTrace(row interface{ Scan(dest ...any) error }) (MessageTrace, error) {
	var (
		t            MessageTrace
		userID       sql.NullString
		senderPhone  sql.NullString
		senderName   sql.NullString
		errorMessage sql.NullString
		errorStage   sql.NullString
		completedAt  sql.NullTime
		agentMs      sql.NullInt64
		totalMs      sql.NullInt64
		messageType  string
		status       string
	)
	err := row.Scan(&t.TraceID, &t.InstanceName, &t.ChannelType, &t.Direction, &t.MessageID,
		&t.SessionName, &userID, &senderPhone, &senderName, &messageType, &t.HasMedia,
		&t.HasQuotedMessage, &status, &errorMessage, &errorStage, &t.ReceivedAt,
		&completedAt, &agentMs, &totalMs, &t.AgentResponseSuccess, &t.ChannelSendSuccess)
	if err != nil {
		return MessageTrace{}, err
	}
	t.UserID = userID.String
	t.SenderPhone = senderPhone.String
	t.SenderName = senderName.String
	t.MessageType = MessageType(messageType)
	t.Status = Status(status)
	t.ErrorMessage = errorMessage.String
	t.ErrorStage = errorStage.String
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if agentMs.Valid {
		v := agentMs.Int64
		t.AgentProcessingTimeMs = &v
	}
	if totalMs.Valid {
		v := totalMs.Int64
		t.TotalProcessingTimeMs = &v
	}
	return t, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
