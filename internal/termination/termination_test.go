package termination

import (
	"testing"
	"time"
)

func TestShouldStopRuleOrdering(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		budget Budget
		state  State
		want   Reason
	}{
		{
			name:   "wants to stop wins over everything",
			budget: Budget{MaxTurns: 1},
			state:  State{WantsToStop: true, TurnCount: 1, BacktrackIsAbort: true},
			want:   ReasonWantsToStop,
		},
		{
			name:   "turn budget without confirmation asks long-run",
			budget: Budget{MaxTurns: 3},
			state:  State{TurnCount: 3},
			want:   ReasonLongRunConfirm,
		},
		{
			name:   "turn budget with confirmation continues past rule 2",
			budget: Budget{MaxTurns: 3, UserConfirmedContinue: true},
			state:  State{TurnCount: 3, NoToolUseEmitted: true},
			want:   ReasonNaturalEnd,
		},
		{
			name:   "token ceiling",
			budget: Budget{MaxTotalTokens: 1000},
			state:  State{TotalTokens: 1000},
			want:   ReasonBudgetExhausted,
		},
		{
			name:   "wall clock deadline passed",
			budget: Budget{WallClockDeadline: now.Add(-time.Second)},
			state:  State{Now: now},
			want:   ReasonBudgetExhausted,
		},
		{
			name:   "natural end",
			budget: Budget{},
			state:  State{NoToolUseEmitted: true, PendingPlanTodo: false},
			want:   ReasonNaturalEnd,
		},
		{
			name:   "pending plan todo keeps looping despite no tool use",
			budget: Budget{},
			state:  State{NoToolUseEmitted: true, PendingPlanTodo: true},
			want:   ReasonNone,
		},
		{
			name:   "abort decision",
			budget: Budget{},
			state:  State{BacktrackIsAbort: true},
			want:   ReasonAbort,
		},
		{
			name:   "nothing triggers, keep looping",
			budget: Budget{MaxTurns: 10},
			state:  State{TurnCount: 1},
			want:   ReasonNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldStop(tt.budget, tt.state)
			if got.Reason != tt.want {
				t.Fatalf("ShouldStop() reason = %q, want %q", got.Reason, tt.want)
			}
			if tt.want == ReasonNone && got.Stop {
				t.Fatalf("expected Stop=false for reason none")
			}
		})
	}
}

func TestDeriveBudgetFallsBackToMedium(t *testing.T) {
	table := map[string]int{"simple": 2, "medium": 6, "complex": 20}
	b := DeriveBudget("unknown", table, 0, 0, 0, time.Now())
	if b.MaxTurns != 6 {
		t.Fatalf("expected fallback to medium (6), got %d", b.MaxTurns)
	}
}
