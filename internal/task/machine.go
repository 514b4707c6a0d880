package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory answers whether an agent identity is known to the system.
type Directory interface {
	Known(agentID string) bool
}

// Persister mirrors machine state into durable storage, best-effort.
type Persister interface {
	SaveTask(ctx context.Context, t *Task) error
	SaveAssignment(ctx context.Context, a *Assignment) error
}

// Machine owns all task and assignment state transitions. It keeps tasks
// and their assignments consistent: a task flips to assigned exactly when a
// live assignment is created for it.
type Machine struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	assignments map[string]*Assignment // keyed taskID + "\x00" + agentID
	byTask      map[string][]*Assignment
	dir         Directory
	persist     Persister
	logger      *zap.Logger
}

// NewMachine creates a machine backed by the given agent directory.
// persist may be nil for a purely in-memory machine.
func NewMachine(dir Directory, persist Persister, logger *zap.Logger) *Machine {
	return &Machine{
		tasks:       make(map[string]*Task),
		assignments: make(map[string]*Assignment),
		byTask:      make(map[string][]*Assignment),
		dir:         dir,
		persist:     persist,
		logger:      logger,
	}
}

func pairKey(taskID, agentID string) string {
	return taskID + "\x00" + agentID
}

// Restore seeds the machine from persisted state. Assignments referencing an
// unknown task are skipped.
func (m *Machine) Restore(tasks []*Task, assignments []*Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if t.Requirements == nil {
			t.Requirements = map[string]any{}
		}
		m.tasks[t.ID] = t
	}
	loaded := 0
	for _, a := range assignments {
		if _, ok := m.tasks[a.TaskID]; !ok {
			m.logger.Warn("orphan assignment skipped",
				zap.String("assignment", a.ID), zap.String("task", a.TaskID))
			continue
		}
		m.assignments[pairKey(a.TaskID, a.AgentID)] = a
		m.byTask[a.TaskID] = append(m.byTask[a.TaskID], a)
		loaded++
	}
	m.logger.Info("task state restored",
		zap.Int("tasks", len(tasks)), zap.Int("assignments", loaded))
}

// Create registers a new task in status pending.
func (m *Machine) Create(ctx context.Context, t *Task) *Task {
	m.mu.Lock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = StatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Priority < MinPriority {
		t.Priority = MinPriority
	}
	if t.Priority > MaxPriority {
		t.Priority = MaxPriority
	}
	if t.Requirements == nil {
		t.Requirements = map[string]any{}
	}
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.logger.Info("task created",
		zap.String("task", t.ID),
		zap.String("creator", t.CreatorID),
		zap.Int("priority", t.Priority))
	m.saveTask(ctx, t)
	return t
}

// Assign creates an assignment for the (task, agent) pair and flips the task
// to assigned. A second assignment for the same pair is a conflict.
func (m *Machine) Assign(ctx context.Context, taskID, agentID string) (*Assignment, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("assign %s: %w", taskID, ErrTaskNotFound)
	}
	if m.dir != nil && !m.dir.Known(agentID) {
		m.mu.Unlock()
		return nil, fmt.Errorf("assign %s to %s: %w", taskID, agentID, ErrAgentNotFound)
	}
	key := pairKey(taskID, agentID)
	if _, exists := m.assignments[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("assign %s to %s: %w", taskID, agentID, ErrAssignmentConflict)
	}

	a := &Assignment{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		AgentID:    agentID,
		Status:     AssignmentAssigned,
		AssignedAt: time.Now(),
	}
	m.assignments[key] = a
	m.byTask[taskID] = append(m.byTask[taskID], a)
	t.Status = StatusAssigned
	m.mu.Unlock()

	m.logger.Info("task assigned",
		zap.String("task", taskID),
		zap.String("agent", agentID))
	m.saveTask(ctx, t)
	m.saveAssignment(ctx, a)
	return a, nil
}

// Update applies a partial mutation. A transition into completed stamps
// completed_at when it is not already set.
func (m *Machine) Update(ctx context.Context, taskID string, u Update) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", taskID, ErrTaskNotFound)
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.DueDate != nil {
		t.DueDate = u.DueDate
	}
	for k, v := range u.Requirements {
		t.Requirements[k] = v
	}
	if t.Status == StatusCompleted && t.CompletedAt == nil {
		now := time.Now()
		t.CompletedAt = &now
	}
	m.mu.Unlock()

	m.logger.Info("task updated",
		zap.String("task", taskID),
		zap.String("status", string(t.Status)))
	m.saveTask(ctx, t)
	return t, nil
}

// Complete stamps the task completed and merges result into its requirements
// under "result". If a matching assignment exists it completes too; when none
// exists the assignment side is a silent no-op.
func (m *Machine) Complete(ctx context.Context, taskID, agentID string, result map[string]any) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("complete %s: %w", taskID, ErrTaskNotFound)
	}
	now := time.Now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	if result != nil {
		t.Requirements["result"] = result
	}

	var a *Assignment
	if found, exists := m.assignments[pairKey(taskID, agentID)]; exists {
		found.Status = AssignmentCompleted
		found.CompletedAt = &now
		a = found
	}
	m.mu.Unlock()

	m.logger.Info("task completed",
		zap.String("task", taskID),
		zap.String("agent", agentID),
		zap.Bool("assignment_matched", a != nil))
	m.saveTask(ctx, t)
	if a != nil {
		m.saveAssignment(ctx, a)
	}
	return t, nil
}

// Get returns a task by id.
func (m *Machine) Get(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// Assignments returns all assignments for a task, newest first.
func (m *Machine) Assignments(taskID string) []*Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Assignment, len(m.byTask[taskID]))
	copy(out, m.byTask[taskID])
	sort.Slice(out, func(i, j int) bool {
		return out[i].AssignedAt.After(out[j].AssignedAt)
	})
	return out
}

// Pending lists pending tasks ordered by priority descending, then creation
// time ascending within a priority band.
func (m *Machine) Pending() []*Task {
	m.mu.RLock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Overdue lists tasks past their due date and still in flight, ordered by
// due date ascending.
func (m *Machine) Overdue(now time.Time) []*Task {
	m.mu.RLock()
	var out []*Task
	for _, t := range m.tasks {
		if t.DueDate == nil || !t.DueDate.Before(now) {
			continue
		}
		switch t.Status {
		case StatusPending, StatusAssigned, StatusInProgress:
			out = append(out, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DueDate.Before(*out[j].DueDate)
	})
	return out
}

// ByAgent lists tasks with an assignment for the given agent.
func (m *Machine) ByAgent(agentID string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, a := range m.assignments {
		if a.AgentID != agentID {
			continue
		}
		if t, ok := m.tasks[a.TaskID]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *Machine) saveTask(ctx context.Context, t *Task) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveTask(ctx, t); err != nil {
		m.logger.Warn("task persist failed", zap.String("task", t.ID), zap.Error(err))
	}
}

func (m *Machine) saveAssignment(ctx context.Context, a *Assignment) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveAssignment(ctx, a); err != nil {
		m.logger.Warn("assignment persist failed", zap.String("assignment", a.ID), zap.Error(err))
	}
}
