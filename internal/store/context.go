package store

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxAgentID
)

// WithUserID attaches an external user ID (e.g. a channel's peer ID) to ctx
// for per-user scoping of memory and subagent origin tracking.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// UserIDFromContext returns the user ID attached by WithUserID, or "" if none.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}

// WithAgentID attaches the owning agent's ID to ctx, scoping cross-session
// tools (sessions_send) to sessions belonging to the same agent.
func WithAgentID(ctx context.Context, agentID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}

// AgentIDFromContext returns the agent ID attached by WithAgentID, or the
// zero UUID if none (the standalone, single-agent case).
func AgentIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxAgentID).(uuid.UUID)
	return id
}
