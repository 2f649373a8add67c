package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// PGTracingStore implements store.TracingStore backed by Postgres.
type PGTracingStore struct {
	db *sql.DB
}

func NewPGTracingStore(db *sql.DB) *PGTracingStore {
	return &PGTracingStore{db: db}
}

func (s *PGTracingStore) CreateTrace(ctx context.Context, trace *store.TraceData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, run_id, session_key, user_id, channel, agent_id, parent_trace_id, name, input_preview, status, start_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		trace.ID, trace.RunID, trace.SessionKey, trace.UserID, trace.Channel, trace.AgentID, trace.ParentTraceID,
		trace.Name, trace.InputPreview, trace.Status, trace.StartTime, trace.CreatedAt,
	)
	return err
}

func (s *PGTracingStore) FinishTrace(ctx context.Context, id uuid.UUID, status store.TraceStatus, endTime time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = $2, end_time = $3, duration_ms = EXTRACT(EPOCH FROM ($3 - start_time)) * 1000, error = $4 WHERE id = $1`,
		id, status, endTime, errMsg,
	)
	return err
}

func (s *PGTracingStore) CreateSpan(ctx context.Context, span store.SpanData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spans (id, trace_id, parent_span_id, agent_id, span_type, name, start_time, end_time, duration_ms,
		                     model, provider, tool_name, tool_call_id, input_preview, output_preview,
		                     input_tokens, output_tokens, finish_reason, status, level, error, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		 ON CONFLICT (id) DO NOTHING`,
		span.ID, span.TraceID, span.ParentSpanID, span.AgentID, span.SpanType, span.Name, span.StartTime, span.EndTime, span.DurationMS,
		span.Model, span.Provider, span.ToolName, span.ToolCallID, span.InputPreview, span.OutputPreview,
		span.InputTokens, span.OutputTokens, span.FinishReason, span.Status, span.Level, span.Error, span.Metadata, span.CreatedAt,
	)
	return err
}

func (s *PGTracingStore) ListSpans(ctx context.Context, traceID uuid.UUID) ([]store.SpanData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, parent_span_id, agent_id, span_type, name, start_time, end_time, duration_ms,
		        model, provider, tool_name, tool_call_id, input_preview, output_preview,
		        input_tokens, output_tokens, finish_reason, status, level, error, metadata, created_at
		 FROM spans WHERE trace_id = $1 ORDER BY start_time ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SpanData
	for rows.Next() {
		var sp store.SpanData
		if err := rows.Scan(&sp.ID, &sp.TraceID, &sp.ParentSpanID, &sp.AgentID, &sp.SpanType, &sp.Name, &sp.StartTime, &sp.EndTime, &sp.DurationMS,
			&sp.Model, &sp.Provider, &sp.ToolName, &sp.ToolCallID, &sp.InputPreview, &sp.OutputPreview,
			&sp.InputTokens, &sp.OutputTokens, &sp.FinishReason, &sp.Status, &sp.Level, &sp.Error, &sp.Metadata, &sp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *PGTracingStore) GetTrace(ctx context.Context, id uuid.UUID) (*store.TraceData, error) {
	var t store.TraceData
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, session_key, user_id, channel, agent_id, parent_trace_id, name, input_preview, status, start_time, end_time, duration_ms, error, created_at
		 FROM traces WHERE id = $1`, id,
	).Scan(&t.ID, &t.RunID, &t.SessionKey, &t.UserID, &t.Channel, &t.AgentID, &t.ParentTraceID, &t.Name, &t.InputPreview,
		&t.Status, &t.StartTime, &t.EndTime, &t.DurationMS, &t.Error, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
