package plan

import "testing"

func TestCreateRejectsCycle(t *testing.T) {
	p := New(nil)
	_, err := p.Create([]TodoDraft{
		{Content: "a", Deps: []int{1}},
		{Content: "b", Deps: []int{0}},
	})
	if err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestStartRequiresDepsCompleted(t *testing.T) {
	p := New(nil)
	ids, err := p.Create([]TodoDraft{
		{Content: "a"},
		{Content: "b", Deps: []int{0}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.Start(ids[1]); err != ErrDepsIncomplete {
		t.Fatalf("expected ErrDepsIncomplete, got %v", err)
	}

	if err := p.Start(ids[0]); err != nil {
		t.Fatalf("Start(a): %v", err)
	}
	if err := p.Complete(ids[0], "done"); err != nil {
		t.Fatalf("Complete(a): %v", err)
	}
	if err := p.Start(ids[1]); err != nil {
		t.Fatalf("Start(b) after dep complete: %v", err)
	}
}

func TestFailLeavesDescendantsPending(t *testing.T) {
	p := New(nil)
	ids, _ := p.Create([]TodoDraft{
		{Content: "a"},
		{Content: "b", Deps: []int{0}},
	})
	p.Start(ids[0])
	p.Fail(ids[0], "boom")

	snap := p.Snapshot()
	var bStatus Status
	for _, todo := range snap {
		if todo.ID == ids[1] {
			bStatus = todo.Status
		}
	}
	if bStatus != StatusPending {
		t.Fatalf("expected descendant to remain pending, got %s", bStatus)
	}
}

func TestReplanPreservesCompletedAndRejectsCycle(t *testing.T) {
	p := New(nil)
	ids, _ := p.Create([]TodoDraft{{Content: "a"}})
	p.Start(ids[0])
	p.Complete(ids[0], "ok")

	newIDs, err := p.Replan(Diff{
		Add: []TodoDraft{{Content: "c"}, {Content: "d", Deps: []int{0}}},
	})
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if len(newIDs) != 2 {
		t.Fatalf("expected 2 new ids, got %d", len(newIDs))
	}

	snap := p.Snapshot()
	foundCompleted := false
	for _, todo := range snap {
		if todo.ID == ids[0] && todo.Status == StatusCompleted {
			foundCompleted = true
		}
	}
	if !foundCompleted {
		t.Fatalf("expected original completed todo to survive replan")
	}

	// A replan diff that introduces a cycle among the new todos must fail
	// without corrupting the existing plan.
	before := len(p.Snapshot())
	_, err = p.Replan(Diff{
		Add: []TodoDraft{
			{Content: "x", Deps: []int{1}},
			{Content: "y", Deps: []int{0}},
		},
	})
	if err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if len(p.Snapshot()) != before {
		t.Fatalf("failed replan must not mutate the plan")
	}
}

func TestCompletedSetIsPrefixClosed(t *testing.T) {
	p := New(nil)
	ids, _ := p.Create([]TodoDraft{
		{Content: "a"},
		{Content: "b", Deps: []int{0}},
		{Content: "c", Deps: []int{1}},
	})
	p.Start(ids[0])
	p.Complete(ids[0], "")
	p.Start(ids[1])
	p.Complete(ids[1], "")

	completed := p.CompletedSet()
	if !completed[ids[0]] || !completed[ids[1]] {
		t.Fatalf("expected a and b completed")
	}
	if completed[ids[2]] {
		t.Fatalf("c should not be completed")
	}
}
