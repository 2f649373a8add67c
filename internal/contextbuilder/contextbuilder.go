// Package contextbuilder assembles the per-turn LLM message array from
// three phases — stable prefix, decayed history, live turn — honoring a
// token budget and maximizing KV-cache reuse by keeping the prefix stable
// across turns. Grounded on internal/agent's buildMessages/limitHistoryTurns
// /sanitizeHistory pipeline, generalized into a standalone component.
package contextbuilder

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goclaw/internal/core"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Budget configures token ceilings for a single build.
type Budget struct {
	TotalTokens       int
	ReserveForOutput  int
	HistoryKeepFullTurns int
}

// available returns the usable budget after reserving space for the model's
// output.
func (b Budget) available() int {
	n := b.TotalTokens - b.ReserveForOutput
	if n < 0 {
		return 0
	}
	return n
}

// StablePrefix is phase 1: system prompt, persona, allowlisted tool
// descriptions, selected skill bodies, user memory.
type StablePrefix struct {
	SystemPrompt string
	SkillBodies  []string // markdown bodies of selected_skills; may be compressed to headers only under pressure
	SkillHeaders []string // header-only fallback, index-aligned with SkillBodies
}

// LiveTurn is phase 3: the user message, in-progress assistant content, and
// just-produced tool results. Never compressed.
type LiveTurn struct {
	UserMessage       string
	AssistantSoFar    string
	ToolResultsSoFar  []providers.Message
}

// ScratchpadWriter persists oversized tool output to a scratch file and
// returns a short in-context pointer.
type ScratchpadWriter interface {
	Write(toolCallID string, content string) (path string, summary string, shape string, err error)
}

// Builder assembles messages for one turn.
type Builder struct {
	scratchpad     ScratchpadWriter
	scratchpadCap  int // per-tool-output char cap before scratchpad exchange kicks in
	onUsageUpdate  func(core.ContextUsagePayload)
	onTrimmingDone func(core.ContextTrimmingPayload)
}

// Option configures a Builder.
type Option func(*Builder)

func WithScratchpad(w ScratchpadWriter, capChars int) Option {
	return func(b *Builder) { b.scratchpad = w; b.scratchpadCap = capChars }
}

func WithUsageObserver(f func(core.ContextUsagePayload)) Option {
	return func(b *Builder) { b.onUsageUpdate = f }
}

func WithTrimmingObserver(f func(core.ContextTrimmingPayload)) Option {
	return func(b *Builder) { b.onTrimmingDone = f }
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{scratchpadCap: 4000}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EstimateTokens is a rough len/4-rune heuristic, counted on runes for
// UTF-8 safety, within the usual 10% tolerance of an actual tokenizer.
func EstimateTokens(s string) int {
	return utf8.RuneCountInString(s) / 4
}

func estimateMessages(msgs []providers.Message) int {
	return EstimateMessagesTokens(msgs)
}

// EstimateMessagesTokens sums EstimateTokens across msgs. Exported so callers
// outside this package (the compaction decision that decides when to
// summarize older history) can apply the same estimator.
func EstimateMessagesTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Build assembles the full message array. history is the conversation's
// decayed-history candidate set; summary, if non-empty, is a caller-supplied
// summary of older turns placed right after the system prompt. Build makes no
// LLM call: over budget it only drops history and compresses skill bodies.
func (b *Builder) Build(prefix StablePrefix, history []providers.Message, summary string, live LiveTurn, budget Budget) []providers.Message {
	var out []providers.Message

	out = append(out, providers.Message{Role: "system", Content: b.renderPrefix(prefix, true)})

	if summary != "" {
		out = append(out, providers.Message{Role: "user", Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary)})
		out = append(out, providers.Message{Role: "assistant", Content: "I understand the context from our previous conversation. How can I help you?"})
	}

	trimmed := limitHistoryTurns(history, budget.HistoryKeepFullTurns)
	out = append(out, sanitizeHistory(trimmed)...)

	out = append(out, providers.Message{Role: "user", Content: live.UserMessage})
	if live.AssistantSoFar != "" {
		out = append(out, providers.Message{Role: "assistant", Content: live.AssistantSoFar})
	}
	out = append(out, b.exchangeScratchpad(live.ToolResultsSoFar)...)

	out = b.shrinkToBudget(out, prefix, trimmed, summary, live, budget)

	current := estimateMessages(out)
	avail := budget.available()
	b.reportUsage(current, avail)
	return out
}

func (b *Builder) renderPrefix(p StablePrefix, full bool) string {
	s := p.SystemPrompt
	for i, body := range p.SkillBodies {
		if full {
			s += "\n\n" + body
		} else if i < len(p.SkillHeaders) {
			s += "\n\n" + p.SkillHeaders[i]
		}
	}
	return s
}

// exchangeScratchpad replaces any tool result exceeding scratchpadCap with a
// short pointer, persisting the full content via the configured writer.
func (b *Builder) exchangeScratchpad(results []providers.Message) []providers.Message {
	if b.scratchpad == nil {
		return results
	}
	out := make([]providers.Message, len(results))
	for i, m := range results {
		if len(m.Content) <= b.scratchpadCap {
			out[i] = m
			continue
		}
		path, summary, shape, err := b.scratchpad.Write(m.ToolCallID, m.Content)
		if err != nil {
			out[i] = m
			continue
		}
		out[i] = providers.Message{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
			Content:    fmt.Sprintf("[scratchpad:%s] %s (%s)", path, summary, shape),
		}
	}
	return out
}

// shrinkToBudget applies phase-aware compression when over budget: first
// phase 2 (summaries -> hard drops), then phase 1 optional sections (skill
// bodies -> headers only). Phase 3 (live turn) is never touched.
func (b *Builder) shrinkToBudget(out []providers.Message, prefix StablePrefix, history []providers.Message, summary string, live LiveTurn, budget Budget) []providers.Message {
	avail := budget.available()
	if avail <= 0 || estimateMessages(out) <= avail {
		return out
	}

	saved := 0

	// Step 1: drop history messages from the oldest end of phase 2 until
	// under budget or no history is left; the summary pair is kept.
	liveStart := len(out) - (1 + len(live.ToolResultsSoFar))
	if live.AssistantSoFar != "" {
		liveStart--
	}
	prefixEnd := 1
	if summary != "" {
		prefixEnd = 3
	}
	for estimateMessages(out) > avail && liveStart > prefixEnd {
		dropped := out[prefixEnd]
		saved += EstimateTokens(dropped.Content)
		out = append(out[:prefixEnd], out[prefixEnd+1:]...)
		liveStart--
	}

	// Step 2: if still over, compress phase-1 skill bodies to headers only.
	if estimateMessages(out) > avail && len(prefix.SkillBodies) > 0 {
		before := EstimateTokens(out[0].Content)
		out[0].Content = b.renderPrefix(prefix, false)
		saved += before - EstimateTokens(out[0].Content)
	}

	if saved > 0 && b.onTrimmingDone != nil {
		b.onTrimmingDone(core.ContextTrimmingPayload{TokensSaved: saved, Details: "phase-2 history drop and/or phase-1 skill compression"})
	}
	return out
}

func (b *Builder) reportUsage(current, avail int) {
	if b.onUsageUpdate == nil {
		return
	}
	level := "green"
	if avail > 0 {
		ratio := float64(current) / float64(avail)
		switch {
		case ratio >= 0.95:
			level = "red"
		case ratio >= 0.85:
			level = "orange"
		case ratio >= 0.7:
			level = "yellow"
		}
	}
	b.onUsageUpdate(core.ContextUsagePayload{CurrentTokens: current, BudgetTokens: avail, ColorLevel: level})
}

// limitHistoryTurns keeps only the last N user turns (and their associated
// assistant/tool messages). A "turn" is one user message plus all
// subsequent non-user messages until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}
	userCount := 0
	lastUserIndex := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}
	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing: drops orphaned tool
// messages and synthesizes placeholders for missing results, so a truncated
// or compacted history never produces an invalid message sequence.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}
	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			result = append(result, msg)
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				tm := msgs[i]
				if expected[tm.ToolCallID] {
					result = append(result, tm)
					delete(expected, tm.ToolCallID)
				}
			}
			missing := make([]string, 0, len(expected))
			for id := range expected {
				missing = append(missing, id)
			}
			sort.Strings(missing)
			for _, id := range missing {
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — history was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			continue
		} else {
			result = append(result, msg)
		}
	}
	return result
}
