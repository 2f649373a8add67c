package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a fresh random identifier, used for trace/span ids.
func GenNewID() uuid.UUID { return uuid.New() }

// TraceStatus is the lifecycle state of one agent run's trace.
type TraceStatus string

const (
	TraceStatusRunning   TraceStatus = "running"
	TraceStatusCompleted TraceStatus = "completed"
	TraceStatusError     TraceStatus = "error"
)

// TraceData is the root record for one Executor run: one trace per turn,
// with child spans for each LLM call and tool call.
type TraceData struct {
	ID            uuid.UUID         `json:"id"`
	RunID         string            `json:"runID,omitempty"`
	SessionKey    string            `json:"sessionKey,omitempty"`
	UserID        string            `json:"userID,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	AgentID       *uuid.UUID        `json:"agentID,omitempty"`
	ParentTraceID *uuid.UUID        `json:"parentTraceID,omitempty"`
	Name          string            `json:"name"`
	InputPreview  string            `json:"inputPreview,omitempty"`
	Status        TraceStatus       `json:"status"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       *time.Time        `json:"endTime,omitempty"`
	DurationMS    int               `json:"durationMS,omitempty"`
	Error         string            `json:"error,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// SpanType distinguishes the three span shapes emitted by the Executor.
type SpanType string

const (
	SpanTypeAgent    SpanType = "agent"
	SpanTypeLLMCall  SpanType = "llm_call"
	SpanTypeToolCall SpanType = "tool_call"
)

// SpanStatus is the outcome of one span.
type SpanStatus string

const (
	SpanStatusCompleted SpanStatus = "completed"
	SpanStatusError     SpanStatus = "error"
)

// SpanLevel mirrors OpenTelemetry's coarse severity bucket for the trace
// viewer's filter UI.
type SpanLevel string

const (
	SpanLevelDefault SpanLevel = "DEFAULT"
	SpanLevelWarning SpanLevel = "WARNING"
	SpanLevelError   SpanLevel = "ERROR"
)

// SpanData is one child span (LLM call, tool call, or nested agent run)
// persisted for the trace viewer. Callers fill it in; internal/tracing's
// Collector.EmitSpan builds a back-dated OpenTelemetry span from it and then
// persists it unchanged.
type SpanData struct {
	ID           uuid.UUID  `json:"id"`
	TraceID      uuid.UUID  `json:"traceID"`
	ParentSpanID *uuid.UUID `json:"parentSpanID,omitempty"`
	AgentID      *uuid.UUID `json:"agentID,omitempty"`
	SpanType     SpanType   `json:"spanType"`
	Name         string     `json:"name"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	DurationMS   int        `json:"durationMS"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallID,omitempty"`

	InputPreview  string `json:"inputPreview,omitempty"`
	OutputPreview string `json:"outputPreview,omitempty"`

	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`

	FinishReason string          `json:"finishReason,omitempty"`
	Status       SpanStatus      `json:"status"`
	Level        SpanLevel       `json:"level"`
	Error        string          `json:"error,omitempty"`
	Metadata     []byte          `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// TracingStore persists traces and their spans for the trace viewer.
type TracingStore interface {
	CreateTrace(ctx context.Context, trace *TraceData) error
	FinishTrace(ctx context.Context, id uuid.UUID, status TraceStatus, endTime time.Time, errMsg string) error
	CreateSpan(ctx context.Context, span SpanData) error
	ListSpans(ctx context.Context, traceID uuid.UUID) ([]SpanData, error)
	GetTrace(ctx context.Context, id uuid.UUID) (*TraceData, error)
}
