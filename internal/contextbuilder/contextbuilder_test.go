package contextbuilder

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/core"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

func makeHistory(turns int) []providers.Message {
	var msgs []providers.Message
	for i := 0; i < turns; i++ {
		msgs = append(msgs, providers.Message{Role: "user", Content: strings.Repeat("x", 200)})
		msgs = append(msgs, providers.Message{Role: "assistant", Content: strings.Repeat("y", 200)})
	}
	return msgs
}

func TestBuildStaysUnderBudget(t *testing.T) {
	var lastUsage core.ContextUsagePayload
	b := New(WithUsageObserver(func(p core.ContextUsagePayload) { lastUsage = p }))

	history := makeHistory(120) // S6: a long accumulated conversation
	prefix := StablePrefix{SystemPrompt: "you are an assistant", SkillBodies: []string{strings.Repeat("s", 1000)}, SkillHeaders: []string{"skill: short"}}
	budget := Budget{TotalTokens: 2000, ReserveForOutput: 200, HistoryKeepFullTurns: 6}
	summary := "earlier turns covered project setup and a renamed config key"

	msgs := b.Build(prefix, history, summary, LiveTurn{UserMessage: "short question"}, budget)

	got := estimateMessages(msgs)
	if got > budget.available() {
		t.Fatalf("built messages exceed budget: %d > %d", got, budget.available())
	}
	if lastUsage.CurrentTokens != got {
		t.Fatalf("usage observer reported %d, expected %d", lastUsage.CurrentTokens, got)
	}

	foundSummary := false
	for _, m := range msgs {
		if strings.Contains(m.Content, summary) {
			foundSummary = true
		}
	}
	if !foundSummary {
		t.Fatalf("expected the structural summary of older turns to appear in the built messages")
	}
}

func TestBuildNeverDropsLiveTurn(t *testing.T) {
	b := New()
	history := makeHistory(50)
	prefix := StablePrefix{SystemPrompt: "sys"}
	live := LiveTurn{UserMessage: "the live user message must survive"}
	budget := Budget{TotalTokens: 50, ReserveForOutput: 10, HistoryKeepFullTurns: 6}

	msgs := b.Build(prefix, history, "", live, budget)

	found := false
	for _, m := range msgs {
		if m.Role == "user" && m.Content == live.UserMessage {
			found = true
		}
	}
	if !found {
		t.Fatalf("live turn user message was dropped under budget pressure")
	}
}

func TestLimitHistoryTurnsKeepsLastN(t *testing.T) {
	history := makeHistory(10)
	trimmed := limitHistoryTurns(history, 2)
	userCount := 0
	for _, m := range trimmed {
		if m.Role == "user" {
			userCount++
		}
	}
	if userCount != 2 {
		t.Fatalf("expected 2 user turns kept, got %d", userCount)
	}
}

func TestSanitizeHistoryDropsOrphanedToolMessages(t *testing.T) {
	msgs := []providers.Message{
		{Role: "tool", ToolCallID: "orphan", Content: "leftover"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "a1", Name: "x"}}},
		{Role: "tool", ToolCallID: "a1", Content: "result"},
	}
	out := sanitizeHistory(msgs)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages after dropping orphan, got %d", len(out))
	}
	if out[0].Role != "user" {
		t.Fatalf("expected leading orphan tool message dropped")
	}
}

func TestSanitizeHistorySynthesizesMissingToolResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "a1", Name: "x"}}},
		{Role: "user", Content: "next turn"},
	}
	out := sanitizeHistory(msgs)
	if len(out) != 3 {
		t.Fatalf("expected synthesized tool result, got %d messages", len(out))
	}
	if out[1].Role != "tool" || out[1].ToolCallID != "a1" {
		t.Fatalf("expected synthesized tool message for a1, got %+v", out[1])
	}
}
