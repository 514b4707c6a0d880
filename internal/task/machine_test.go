package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// allKnown treats every agent id as registered.
type allKnown struct{}

func (allKnown) Known(string) bool { return true }

// onlyKnown knows a fixed id set.
type onlyKnown map[string]bool

func (k onlyKnown) Known(id string) bool { return k[id] }

func newTestMachine() *Machine {
	return NewMachine(allKnown{}, nil, zap.NewNop())
}

func TestCreateDefaults(t *testing.T) {
	m := newTestMachine()
	created := m.Create(context.Background(), &Task{Title: "build", CreatorID: "a1"})

	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.Status != StatusPending {
		t.Errorf("expected pending, got %q", created.Status)
	}
	if created.Priority != MinPriority {
		t.Errorf("expected priority clamped to %d, got %d", MinPriority, created.Priority)
	}
	if created.Requirements == nil {
		t.Error("expected non-nil requirements map")
	}
}

func TestCreateClampsPriority(t *testing.T) {
	m := newTestMachine()
	high := m.Create(context.Background(), &Task{Title: "x", Priority: 99})
	if high.Priority != MaxPriority {
		t.Errorf("expected %d, got %d", MaxPriority, high.Priority)
	}
	low := m.Create(context.Background(), &Task{Title: "y", Priority: -2})
	if low.Priority != MinPriority {
		t.Errorf("expected %d, got %d", MinPriority, low.Priority)
	}
}

func TestAssignFlow(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	created := m.Create(ctx, &Task{Title: "build"})

	a, err := m.Assign(ctx, created.ID, "a1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Status != AssignmentAssigned {
		t.Errorf("expected assigned, got %q", a.Status)
	}
	got, _ := m.Get(created.ID)
	if got.Status != StatusAssigned {
		t.Errorf("expected task assigned, got %q", got.Status)
	}
}

func TestAssignErrorsInOrder(t *testing.T) {
	m := NewMachine(onlyKnown{"known": true}, nil, zap.NewNop())
	ctx := context.Background()

	if _, err := m.Assign(ctx, "no-such-task", "known"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	created := m.Create(ctx, &Task{Title: "x"})
	if _, err := m.Assign(ctx, created.ID, "stranger"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}

	if _, err := m.Assign(ctx, created.ID, "known"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := m.Assign(ctx, created.ID, "known"); !errors.Is(err, ErrAssignmentConflict) {
		t.Errorf("expected ErrAssignmentConflict, got %v", err)
	}
}

func TestSecondAgentMayAssign(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	created := m.Create(ctx, &Task{Title: "x"})

	if _, err := m.Assign(ctx, created.ID, "a1"); err != nil {
		t.Fatalf("assign a1: %v", err)
	}
	if _, err := m.Assign(ctx, created.ID, "a2"); err != nil {
		t.Fatalf("assign a2: %v", err)
	}
	if len(m.Assignments(created.ID)) != 2 {
		t.Errorf("expected 2 assignments")
	}
}

func TestUpdatePartial(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	created := m.Create(ctx, &Task{Title: "old", Description: "keep me"})

	title := "new"
	st := StatusInProgress
	got, err := m.Update(ctx, created.ID, Update{Title: &title, Status: &st})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "new" || got.Description != "keep me" {
		t.Errorf("expected partial update, got %+v", got)
	}
	if got.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %q", got.Status)
	}

	if _, err := m.Update(ctx, "ghost", Update{}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdateToCompletedStampsTime(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	created := m.Create(ctx, &Task{Title: "x"})

	st := StatusCompleted
	got, err := m.Update(ctx, created.ID, Update{Status: &st})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at stamped")
	}
}

func TestCompleteMergesResult(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	created := m.Create(ctx, &Task{Title: "x", Requirements: map[string]any{"lang": "go"}})
	if _, err := m.Assign(ctx, created.ID, "a1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, err := m.Complete(ctx, created.ID, "a1", map[string]any{"url": "https://x"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("expected completed task, got %+v", got)
	}
	if got.Requirements["lang"] != "go" {
		t.Error("expected existing requirements preserved")
	}
	result, ok := got.Requirements["result"].(map[string]any)
	if !ok || result["url"] != "https://x" {
		t.Errorf("expected result merged under result key, got %v", got.Requirements["result"])
	}

	as := m.Assignments(created.ID)
	if len(as) != 1 || as[0].Status != AssignmentCompleted || as[0].CompletedAt == nil {
		t.Errorf("expected completed assignment, got %+v", as)
	}
}

func TestCompleteWithoutAssignmentIsSilent(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	created := m.Create(ctx, &Task{Title: "x"})

	// No assignment exists for this agent; the task still completes.
	got, err := m.Complete(ctx, created.ID, "nobody", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %q", got.Status)
	}
	if len(m.Assignments(created.ID)) != 0 {
		t.Error("expected no assignment to appear")
	}
}

func TestPendingOrder(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	early := time.Now().Add(-time.Hour)
	m.Create(ctx, &Task{ID: "low", Title: "low", Priority: 1})
	m.Create(ctx, &Task{ID: "high-late", Title: "h2", Priority: 4})
	m.Create(ctx, &Task{ID: "high-early", Title: "h1", Priority: 4, CreatedAt: early})

	got := m.Pending()
	if len(got) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(got))
	}
	if got[0].ID != "high-early" || got[1].ID != "high-late" || got[2].ID != "low" {
		t.Errorf("wrong order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestPendingExcludesAssigned(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	created := m.Create(ctx, &Task{Title: "x"})
	m.Create(ctx, &Task{Title: "y"})
	if _, err := m.Assign(ctx, created.ID, "a1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if len(m.Pending()) != 1 {
		t.Errorf("expected 1 pending, got %d", len(m.Pending()))
	}
}

func TestOverdue(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	pastFurther := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	m.Create(ctx, &Task{ID: "late", Title: "l", DueDate: &past})
	m.Create(ctx, &Task{ID: "later", Title: "ll", DueDate: &pastFurther})
	m.Create(ctx, &Task{ID: "fine", Title: "f", DueDate: &future})
	m.Create(ctx, &Task{ID: "no-due", Title: "n"})

	done := m.Create(ctx, &Task{ID: "done", Title: "d", DueDate: &past})
	if _, err := m.Complete(ctx, done.ID, "a1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got := m.Overdue(now)
	if len(got) != 2 {
		t.Fatalf("expected 2 overdue, got %d", len(got))
	}
	if got[0].ID != "later" || got[1].ID != "late" {
		t.Errorf("expected due-date ascending, got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestByAgent(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	t1 := m.Create(ctx, &Task{Title: "one"})
	m.Create(ctx, &Task{Title: "two"})
	if _, err := m.Assign(ctx, t1.ID, "a1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got := m.ByAgent("a1")
	if len(got) != 1 || got[0].ID != t1.ID {
		t.Errorf("expected only t1, got %v", got)
	}
	if len(m.ByAgent("ghost")) != 0 {
		t.Error("expected no tasks for ghost")
	}
}

func TestRestore(t *testing.T) {
	m := newTestMachine()
	tasks := []*Task{
		{ID: "t1", Title: "one", Status: StatusAssigned, CreatedAt: time.Now()},
	}
	assignments := []*Assignment{
		{ID: "as1", TaskID: "t1", AgentID: "a1", Status: AssignmentAssigned},
		{ID: "orphan", TaskID: "ghost", AgentID: "a1"},
	}
	m.Restore(tasks, assignments)

	if _, ok := m.Get("t1"); !ok {
		t.Fatal("expected t1 restored")
	}
	if len(m.Assignments("t1")) != 1 {
		t.Errorf("expected 1 assignment restored")
	}
	// The restored pair still counts for conflict detection.
	if _, err := m.Assign(context.Background(), "t1", "a1"); !errors.Is(err, ErrAssignmentConflict) {
		t.Errorf("expected conflict after restore, got %v", err)
	}
}
