package trace

import (
	"context"
	"fmt"
	"time"
)

// Summarize aggregates trace rows within the window. A zero since means
// all time. Aggregation reads only the message_traces columns; payload
// bodies are never decompressed here.
func (s *Store) Summarize(ctx context.Context, since, until time.Time, instanceName string) (AnalyticsSummary, error) {
	summary := AnalyticsSummary{
		ByMessageType: map[string]int64{},
		ByErrorStage:  map[string]int64{},
		ByInstance:    map[string]int64{},
		Window:        "all_time",
	}
	if !since.IsZero() {
		summary.Window = fmt.Sprintf("%s..%s", since.UTC().Format(time.RFC3339), windowEnd(until))
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !since.IsZero() {
		where = append(where, "received_at >= "+arg(since))
	}
	if !until.IsZero() {
		where = append(where, "received_at < "+arg(until))
	}
	if instanceName != "" {
		where = append(where, "instance_name = "+arg(instanceName))
	}
	clause := ""
	for i, w := range where {
		if i == 0 {
			clause = " WHERE " + w
		} else {
			clause += " AND " + w
		}
	}

	row := s.conn.DB.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'access_denied' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(agent_processing_time_ms), 0),
		        COALESCE(AVG(total_processing_time_ms), 0)
		 FROM message_traces`+clause, args...)
	if err := row.Scan(&summary.TotalMessages, &summary.CompletedMessages,
		&summary.FailedMessages, &summary.AccessDeniedMessages,
		&summary.AvgAgentTimeMs, &summary.AvgTotalTimeMs); err != nil {
		return summary, err
	}
	if summary.TotalMessages > 0 {
		summary.SuccessRate = float64(summary.CompletedMessages) / float64(summary.TotalMessages)
	}

	if err := s.countGrouped(ctx, "message_type", clause, args, summary.ByMessageType); err != nil {
		return summary, err
	}
	if err := s.countGrouped(ctx, "error_stage", clause, args, summary.ByErrorStage); err != nil {
		return summary, err
	}
	if err := s.countGrouped(ctx, "instance_name", clause, args, summary.ByInstance); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Store) countGrouped(ctx context.Context, column, clause string, args []any, dest map[string]int64) error {
	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT COALESCE(`+column+`, ''), COUNT(*) FROM message_traces`+clause+
			` GROUP BY `+column, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		if key == "" {
			continue
		}
		dest[key] = count
	}
	return rows.Err()
}

func windowEnd(until time.Time) string {
	if until.IsZero() {
		return "now"
	}
	return until.UTC().Format(time.RFC3339)
}
