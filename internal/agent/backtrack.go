package agent

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// BacktrackDecision is the Reflect step's verdict on a failed tool outcome.
type BacktrackDecision string

const (
	DecisionContinue      BacktrackDecision = "continue"
	DecisionParamAdjust   BacktrackDecision = "param_adjust"
	DecisionToolReplace   BacktrackDecision = "tool_replace"
	DecisionPlanReplan    BacktrackDecision = "plan_replan"
	DecisionContextEnrich BacktrackDecision = "context_enrich"
	DecisionIntentClarify BacktrackDecision = "intent_clarify"
	DecisionAbort         BacktrackDecision = "abort"
)

// LogicErrorClassifier makes the one LLM-assisted backtrack call for the
// hardest case: deciding what to do about an ErrorKindLogicError outcome.
// Implementations may call back into the same provider the turn is already
// using.
type LogicErrorClassifier interface {
	ClassifyLogicError(ctx context.Context, outcome tools.Outcome) (BacktrackDecision, error)
}

// backtrackTracker enforces a bounded per-todo retry counter: once a todo
// has been backtracked backtrackCap times, further failures on it force
// Abort regardless of what the classifier would otherwise choose.
type backtrackTracker struct {
	cap    int
	counts map[string]int // key: todo identifier (tool call id's owning todo, or tool name when no plan)
}

func newBacktrackTracker(cap int) *backtrackTracker {
	if cap <= 0 {
		cap = 3
	}
	return &backtrackTracker{cap: cap, counts: make(map[string]int)}
}

// bump records one backtrack against key and reports whether the cap has
// now been exceeded.
func (t *backtrackTracker) bump(key string) (exceeded bool) {
	t.counts[key]++
	return t.counts[key] > t.cap
}

// attempt reports how many times key has been backtracked so far.
func (t *backtrackTracker) attempt(key string) int {
	return t.counts[key]
}

// reflect maps an ErrorKind to a BacktrackDecision. Deterministic for every
// kind except ErrorKindLogicError, which defers to classifier when set,
// falling back to DecisionToolReplace on a nil classifier or classifier
// error.
func reflect(ctx context.Context, outcome tools.Outcome, classifier LogicErrorClassifier, tracker *backtrackTracker, todoKey string) BacktrackDecision {
	kind := outcome.ErrorKind
	if kind == "" {
		return DecisionContinue
	}

	var decision BacktrackDecision
	switch kind {
	case tools.ErrorKindTransient:
		decision = DecisionContinue
	case tools.ErrorKindInvalidArgs:
		decision = DecisionParamAdjust
	case tools.ErrorKindNotFound:
		decision = DecisionContextEnrich
	case tools.ErrorKindPermissionDenied, tools.ErrorKindPolicyDenied:
		return DecisionIntentClarify // never counted against the backtrack cap — it suspends, it doesn't retry
	case tools.ErrorKindBudgetExhausted, tools.ErrorKindFatal, tools.ErrorKindUserAbort:
		return DecisionAbort
	case tools.ErrorKindLogicError:
		decision = DecisionToolReplace
		if classifier != nil {
			if d, err := classifier.ClassifyLogicError(ctx, outcome); err == nil && d != "" {
				decision = d
			}
		}
	default:
		decision = DecisionPlanReplan
	}

	if tracker.bump(todoKey) {
		return DecisionAbort
	}
	return decision
}
