package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/core"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

const classifyPrompt = `You classify one user turn for an agent execution core. Respond with ONLY a JSON object, no prose, matching exactly:
{"intent_kind":"<short label>","complexity":"simple|medium|complex","selected_skills":["..."],"tool_allowlist":["..."],"wants_to_stop":false,"planning_depth":"none|minimal|full"}

"wants_to_stop" is true only if the user is explicitly ending the conversation (e.g. "thanks, that's all", "bye"). "complexity" drives the turn budget: simple for single-fact lookups or trivial edits, medium for a bounded multi-step task, complex for open-ended or multi-file work. "planning_depth" should be "full" only for complex multi-step tasks that benefit from an explicit todo list.`

// ProviderClassifier implements Classifier with a single LLM call against a
// providers.Provider, the same provider the turn itself uses.
type ProviderClassifier struct {
	provider providers.Provider
	model    string
}

// NewProviderClassifier builds a Classifier backed by provider. An empty
// model falls back to the provider's default.
func NewProviderClassifier(provider providers.Provider, model string) *ProviderClassifier {
	return &ProviderClassifier{provider: provider, model: model}
}

func (c *ProviderClassifier) Classify(ctx context.Context, userText string, recentTurns []string, skills []core.SkillDoc) (Fingerprint, error) {
	model := c.model
	if model == "" {
		model = c.provider.DefaultModel()
	}

	var sb strings.Builder
	sb.WriteString(classifyPrompt)
	if len(skills) > 0 {
		sb.WriteString("\n\nAvailable skills:\n")
		for _, s := range skills {
			fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
		}
	}
	if len(recentTurns) > 0 {
		sb.WriteString("\n\nRecent turns (oldest first):\n")
		for _, t := range recentTurns {
			fmt.Fprintf(&sb, "- %s\n", t)
		}
	}

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: "system", Content: sb.String()},
			{Role: "user", Content: userText},
		},
	})
	if err != nil {
		return Fingerprint{}, fmt.Errorf("intent: classify call failed: %w", err)
	}

	raw := extractJSONObject(resp.Content)
	var wire struct {
		IntentKind     string   `json:"intent_kind"`
		Complexity     string   `json:"complexity"`
		SelectedSkills []string `json:"selected_skills"`
		ToolAllowlist  []string `json:"tool_allowlist"`
		WantsToStop    bool     `json:"wants_to_stop"`
		PlanningDepth  string   `json:"planning_depth"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Fingerprint{}, fmt.Errorf("intent: malformed classifier response: %w", err)
	}

	fp := Fingerprint{
		IntentKind:     wire.IntentKind,
		Complexity:     Complexity(wire.Complexity),
		SelectedSkills: wire.SelectedSkills,
		ToolAllowlist:  wire.ToolAllowlist,
		WantsToStop:    wire.WantsToStop,
		PlanningDepth:  PlanningDepth(wire.PlanningDepth),
	}
	switch fp.Complexity {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
	default:
		fp.Complexity = ComplexityMedium
	}
	switch fp.PlanningDepth {
	case PlanningNone, PlanningMinimal, PlanningFull:
	default:
		fp.PlanningDepth = PlanningMinimal
	}
	return fp, nil
}

// extractJSONObject trims any leading/trailing prose a model adds despite
// being told not to, returning the span from the first '{' to the last '}'.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
