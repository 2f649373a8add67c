// Package core declares the outbound event shapes and small abstract
// dependencies shared across the agent execution core. Concrete adapters
// live in internal/providers, internal/mcp, internal/tools, internal/store,
// and internal/skills.
package core

import (
	"context"
)

// EventKind enumerates the outbound event stream variants.
type EventKind string

const (
	EventSessionStart        EventKind = "session_start"
	EventContentStart        EventKind = "content_start"
	EventContentDelta        EventKind = "content_delta"
	EventContentStop         EventKind = "content_stop"
	EventPlanUpdate          EventKind = "plan_update"
	EventHITLConfirm         EventKind = "hitl_confirm"
	EventLongRunConfirm      EventKind = "long_run_confirm"
	EventToolCall            EventKind = "tool_call"
	EventToolResult          EventKind = "tool_result"
	EventTokenUsage          EventKind = "token_usage"
	EventContextUsageUpdate  EventKind = "context_usage_update"
	EventContextTrimmingDone EventKind = "context_trimming_done"
	EventRollbackOffered     EventKind = "rollback_offered"
	EventTurnComplete        EventKind = "turn_complete"
	EventTurnFailed          EventKind = "turn_failed"
)

// Event is one entry in a turn's outbound stream. Seq is strictly monotone
// within a turn; the transport layer frames these for SSE/WebSocket, which
// is out of scope for this module.
type Event struct {
	Kind    EventKind   `json:"kind"`
	Seq     uint64      `json:"seq"`
	TurnID  string      `json:"turn_id"`
	Payload interface{} `json:"payload,omitempty"`
}

// ContentStartPayload accompanies EventContentStart.
type ContentStartPayload struct {
	Index     int    `json:"index"`
	BlockType string `json:"block_type"` // "text", "thinking", "tool_use", "tool_result", "image", "file"
}

// ContentDeltaPayload accompanies EventContentDelta.
type ContentDeltaPayload struct {
	Index    int    `json:"index"`
	Fragment string `json:"fragment"`
}

// ContentStopPayload accompanies EventContentStop.
type ContentStopPayload struct {
	Index int `json:"index"`
}

// ToolCallPayload accompanies EventToolCall.
type ToolCallPayload struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments"`
}

// ToolResultPayload accompanies EventToolResult.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ForUser    string `json:"for_user,omitempty"`
	IsError    bool   `json:"is_error"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// TokenUsagePayload accompanies EventTokenUsage.
type TokenUsagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ContextUsagePayload accompanies EventContextUsageUpdate.
type ContextUsagePayload struct {
	CurrentTokens int    `json:"current_tokens"`
	BudgetTokens  int    `json:"budget_tokens"`
	ColorLevel    string `json:"color_level"` // green|yellow|orange|red
}

// ContextTrimmingPayload accompanies EventContextTrimmingDone.
type ContextTrimmingPayload struct {
	TokensSaved int    `json:"tokens_saved"`
	Details     string `json:"details,omitempty"`
}

// HITLConfirmPayload accompanies EventHITLConfirm.
type HITLConfirmPayload struct {
	Question string `json:"question"`
}

// RollbackOfferedPayload accompanies EventRollbackOffered.
type RollbackOfferedPayload struct {
	Paths []string `json:"paths"`
}

// TurnFailedPayload accompanies EventTurnFailed.
type TurnFailedPayload struct {
	Reason    string `json:"reason"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Sink receives a turn's outbound events in order. Implementations must
// apply backpressure (block) rather than drop events when the consumer is
// slow.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// SeqCounter hands out strictly monotone sequence numbers for one turn.
type SeqCounter struct{ n uint64 }

// Next returns the next sequence number, starting at 1.
func (c *SeqCounter) Next() uint64 {
	c.n++
	return c.n
}

// SkillDoc is a loaded skill's manifest plus markdown body.
type SkillDoc struct {
	ID          string
	Name        string
	Description string
	Body        string
}

// SkillLibrary is the abstract on-disk skill directory dependency.
type SkillLibrary interface {
	List() []SkillDoc
	Load(id string) (*SkillDoc, error)
}

// EmbeddingClient is the abstract embedding dependency used by the
// IntentAnalyzer's semantic cache layer.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
