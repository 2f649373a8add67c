package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/contextbuilder"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// maybeSummarize implements ContextBuilder's "structural summary for earlier
// turns" compaction tier: once a session's stored history grows past either
// SummarizeMinMessages or SummarizeHistoryShare of the context window, the
// turns beyond SummarizeKeepLastMessages are collapsed into a running LLM
// summary (sessions.SetSummary) and trimmed from the stored history
// (sessions.TruncateHistory), so the next turn's ContextBuilder.Build call
// picks it up via its summary parameter instead of re-sending full history.
// Grounded on internal/agent/loop_history.go's maybeSummarize.
func (e *Executor) maybeSummarize(ctx context.Context, sessionKey string) {
	history := e.sessions.GetHistory(sessionKey)

	threshold := int(float64(e.contextWindow) * e.coreCfg.SummarizeHistoryShare)
	if len(history) <= e.coreCfg.SummarizeMinMessages && contextbuilder.EstimateMessagesTokens(history) <= threshold {
		return
	}

	muI, _ := e.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("executor.summarize.in_progress", "session", sessionKey)
		return
	}

	keepLast := e.coreCfg.SummarizeKeepLastMessages

	go func() {
		defer sessionMu.Unlock()

		history := e.sessions.GetHistory(sessionKey)
		if len(history) <= keepLast {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		existing := e.sessions.GetSummary(sessionKey)
		toSummarize := history[:len(history)-keepLast]

		var transcript string
		for _, m := range toSummarize {
			switch m.Role {
			case "user":
				transcript += fmt.Sprintf("user: %s\n", m.Content)
			case "assistant":
				transcript += fmt.Sprintf("assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}

		prompt := "Provide a concise summary of this conversation, preserving key context:\n"
		if existing != "" {
			prompt += "Existing context: " + existing + "\n"
		}
		prompt += "\n" + transcript

		resp, err := e.provider.Chat(sctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Model:    e.model,
			Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
		})
		if err != nil {
			slog.Warn("executor.summarize.failed", "session", sessionKey, "error", err)
			return
		}

		e.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
		e.sessions.TruncateHistory(sessionKey, keepLast)
		e.sessions.IncrementCompaction(sessionKey)
		if err := e.sessions.Save(sessionKey); err != nil {
			slog.Warn("executor.summarize.save_failed", "session", sessionKey, "error", err)
		}
	}()
}
