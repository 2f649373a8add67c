// Package tracing carries per-request trace/span identifiers through
// context.Context and turns them into real OpenTelemetry spans plus
// persisted store.SpanData rows for the trace viewer. Its callers are
// internal/agent/tracing.go and internal/tools' subagent execution and
// tracing code.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	ctxTraceID ctxKey = iota
	ctxCollector
	ctxParentSpanID
	ctxAnnounceParentSpanID
	ctxDelegateParentTraceID
)

func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}

func TraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxTraceID).(uuid.UUID)
	return id
}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, ctxCollector, c)
}

func CollectorFromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(ctxCollector).(*Collector)
	return c
}

func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxParentSpanID, id)
}

func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxParentSpanID).(uuid.UUID)
	return id
}

// WithAnnounceParentSpanID carries the caller-supplied root span id for a
// delegated run that should nest under an already-running parent trace
// rather than starting a new one.
func WithAnnounceParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAnnounceParentSpanID, id)
}

func AnnounceParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxAnnounceParentSpanID).(uuid.UUID)
	return id
}

// WithDelegateParentTraceID marks a context as belonging to a subagent
// delegate call spawned from a parent run's trace, so the delegate's own
// trace can record the link back.
func WithDelegateParentTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxDelegateParentTraceID, id)
}

func DelegateParentTraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxDelegateParentTraceID).(uuid.UUID)
	return id
}
