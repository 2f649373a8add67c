package config

// CoreConfig holds the agent execution core's tunables: per-complexity turn
// budgets, token/time ceilings, and suspension timeouts. Every key here is
// named directly after spec §6's enumerated configuration list.
type CoreConfig struct {
	MaxTurnsPerComplexity map[string]int `json:"max_turns_per_complexity,omitempty"`
	TokenBudgetTotal      uint64         `json:"token_budget_total,omitempty"`
	ContextReserveForOutput int          `json:"context_reserve_for_output,omitempty"`
	HistoryKeepFullTurns  int            `json:"history_keep_full_turns,omitempty"`
	SnapshotRetentionHours int           `json:"snapshot_retention_hours,omitempty"`
	BacktrackCapPerTodo   int            `json:"backtrack_cap_per_todo,omitempty"`
	ToolTimeoutMS         int            `json:"tool_timeout_ms,omitempty"`
	LLMTimeoutMS          int            `json:"llm_timeout_ms,omitempty"`
	HITLTimeoutMS         int            `json:"hitl_timeout_ms,omitempty"`
	LongRunConfirmAtTurn  int            `json:"long_run_confirm_at_turn,omitempty"`

	// Decayed-history compaction (ContextBuilder's "structural summary for
	// earlier turns" tier): once stored history crosses SummarizeMinMessages
	// OR its estimated tokens cross SummarizeHistoryShare of the context
	// window, older turns are collapsed into a running LLM summary and
	// trimmed from the session's stored history, keeping the last
	// SummarizeKeepLastMessages verbatim.
	SummarizeHistoryShare     float64 `json:"summarize_history_share,omitempty"`
	SummarizeMinMessages      int     `json:"summarize_min_messages,omitempty"`
	SummarizeKeepLastMessages int     `json:"summarize_keep_last_messages,omitempty"`
}

// DefaultCoreConfig returns the documented baseline defaults.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		MaxTurnsPerComplexity: map[string]int{
			"simple":  2,
			"medium":  6,
			"complex": 20,
		},
		TokenBudgetTotal:        180_000,
		ContextReserveForOutput: 8_192,
		HistoryKeepFullTurns:    8,
		SnapshotRetentionHours:  24,
		BacktrackCapPerTodo:     3,
		ToolTimeoutMS:           30_000,
		LLMTimeoutMS:            120_000,
		HITLTimeoutMS:           300_000,
		LongRunConfirmAtTurn:    12,
		SummarizeHistoryShare:     0.75,
		SummarizeMinMessages:      50,
		SummarizeKeepLastMessages: 4,
	}
}

// WithDefaults fills in zero-valued fields with the baseline defaults,
// leaving explicitly configured values untouched.
func (c CoreConfig) WithDefaults() CoreConfig {
	d := DefaultCoreConfig()
	if c.MaxTurnsPerComplexity == nil {
		c.MaxTurnsPerComplexity = d.MaxTurnsPerComplexity
	}
	if c.TokenBudgetTotal == 0 {
		c.TokenBudgetTotal = d.TokenBudgetTotal
	}
	if c.ContextReserveForOutput == 0 {
		c.ContextReserveForOutput = d.ContextReserveForOutput
	}
	if c.HistoryKeepFullTurns == 0 {
		c.HistoryKeepFullTurns = d.HistoryKeepFullTurns
	}
	if c.SnapshotRetentionHours == 0 {
		c.SnapshotRetentionHours = d.SnapshotRetentionHours
	}
	if c.BacktrackCapPerTodo == 0 {
		c.BacktrackCapPerTodo = d.BacktrackCapPerTodo
	}
	if c.ToolTimeoutMS == 0 {
		c.ToolTimeoutMS = d.ToolTimeoutMS
	}
	if c.LLMTimeoutMS == 0 {
		c.LLMTimeoutMS = d.LLMTimeoutMS
	}
	if c.HITLTimeoutMS == 0 {
		c.HITLTimeoutMS = d.HITLTimeoutMS
	}
	if c.LongRunConfirmAtTurn == 0 {
		c.LongRunConfirmAtTurn = d.LongRunConfirmAtTurn
	}
	if c.SummarizeHistoryShare == 0 {
		c.SummarizeHistoryShare = d.SummarizeHistoryShare
	}
	if c.SummarizeMinMessages == 0 {
		c.SummarizeMinMessages = d.SummarizeMinMessages
	}
	if c.SummarizeKeepLastMessages == 0 {
		c.SummarizeKeepLastMessages = d.SummarizeKeepLastMessages
	}
	return c
}
