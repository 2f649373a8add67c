// Package termination implements the TerminationController: the six
// ordered rules that decide when a turn's RVR-B loop should stop.
package termination

import "time"

// Reason identifies why the loop stopped, for turn_failed/turn_complete
// reporting.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonWantsToStop     Reason = "wants_to_stop"
	ReasonLongRunConfirm  Reason = "long_run_confirm"
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonWallClock       Reason = "wall_clock_exceeded"
	ReasonNaturalEnd      Reason = "natural_end"
	ReasonAbort           Reason = "abort"
)

// Budget is the per-turn resource ceiling, derived from the IntentFingerprint
// complexity at turn start.
type Budget struct {
	MaxTurns               int
	MaxTotalTokens         uint64
	WallClockDeadline      time.Time
	UserConfirmedContinue  bool
	LongRunConfirmAtTurn   int
}

// State is the mutable per-iteration state the controller inspects. The
// Executor updates this every iteration before calling ShouldStop.
type State struct {
	TurnCount         int
	TotalTokens       uint64
	Now               time.Time
	WantsToStop       bool
	NoToolUseEmitted  bool // LLM produced no tool use this iteration
	PendingPlanTodo   bool // at least one plan todo is pending or in_progress
	BacktrackIsAbort  bool
}

// Decision is the outcome of evaluating the six rules.
type Decision struct {
	Stop              bool
	Reason            Reason
	NeedsLongRunAsk bool // rule 2: suspend and ask the user to continue
}

// ShouldStop evaluates the six ordered termination rules against the
// current budget and state.
func ShouldStop(budget Budget, state State) Decision {
	// Rule 1: user intent says stop.
	if state.WantsToStop {
		return Decision{Stop: true, Reason: ReasonWantsToStop}
	}

	// Rule 2: turn count at/above budget without explicit continue
	// confirmation suspends the loop to ask the user.
	if budget.MaxTurns > 0 && state.TurnCount >= budget.MaxTurns && !budget.UserConfirmedContinue {
		return Decision{Stop: true, Reason: ReasonLongRunConfirm, NeedsLongRunAsk: true}
	}

	// Rule 3: total token ceiling.
	if budget.MaxTotalTokens > 0 && state.TotalTokens >= budget.MaxTotalTokens {
		return Decision{Stop: true, Reason: ReasonBudgetExhausted}
	}

	// Rule 4: wall-clock deadline.
	if !budget.WallClockDeadline.IsZero() && !state.Now.Before(budget.WallClockDeadline) {
		return Decision{Stop: true, Reason: ReasonBudgetExhausted}
	}

	// Rule 5: natural end — no tool use and nothing left pending in the plan.
	if state.NoToolUseEmitted && !state.PendingPlanTodo {
		return Decision{Stop: true, Reason: ReasonNaturalEnd}
	}

	// Rule 6: backtrack decision was Abort.
	if state.BacktrackIsAbort {
		return Decision{Stop: true, Reason: ReasonAbort}
	}

	return Decision{Stop: false}
}

// DeriveBudget maps an intent complexity to a turn budget using the
// configured max_turns_per_complexity table plus the shared token/wall-clock
// ceilings.
func DeriveBudget(complexity string, maxTurnsPerComplexity map[string]int, maxTotalTokens uint64, wallClockBudget time.Duration, longRunConfirmAtTurn int, now time.Time) Budget {
	maxTurns := maxTurnsPerComplexity[complexity]
	if maxTurns == 0 {
		maxTurns = maxTurnsPerComplexity["medium"]
	}
	b := Budget{
		MaxTurns:             maxTurns,
		MaxTotalTokens:       maxTotalTokens,
		LongRunConfirmAtTurn: longRunConfirmAtTurn,
	}
	if wallClockBudget > 0 {
		b.WallClockDeadline = now.Add(wallClockBudget)
	}
	return b
}
