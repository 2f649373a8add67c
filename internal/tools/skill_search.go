package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/core"
)

// SkillSearchTool lets the model pull a skill's full markdown body into
// context on demand, for skills the IntentAnalyzer didn't preselect into the
// stable prefix. A skill's body is fetched from the library only when this
// tool is called.
type SkillSearchTool struct {
	library core.SkillLibrary
}

// NewSkillSearchTool wraps library as a tool the model can call directly.
func NewSkillSearchTool(library core.SkillLibrary) *SkillSearchTool {
	return &SkillSearchTool{library: library}
}

func (t *SkillSearchTool) Name() string { return "skill_search" }

func (t *SkillSearchTool) Description() string {
	return "Search or load an available skill by name to get its full instructions"
}

func (t *SkillSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "skill name, or a substring to match against name/description; empty lists all available skills",
			},
		},
	}
}

func (t *SkillSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.library == nil {
		return NewResult("no skill library configured").WithErrorKind(ErrorKindNotFound)
	}
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)

	if query != "" {
		if doc, err := t.library.Load(query); err == nil {
			return NewResult(fmt.Sprintf("# %s\n\n%s", doc.Name, doc.Body))
		}
	}

	all := t.library.List()
	var matches []core.SkillDoc
	for _, d := range all {
		if query == "" || strings.Contains(strings.ToLower(d.Name), strings.ToLower(query)) ||
			strings.Contains(strings.ToLower(d.Description), strings.ToLower(query)) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return NewResult(fmt.Sprintf("no skill matches %q", query)).WithErrorKind(ErrorKindNotFound)
	}

	var sb strings.Builder
	for _, d := range matches {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
	}
	return NewResult(sb.String())
}
