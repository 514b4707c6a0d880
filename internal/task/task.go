package task

import (
	"errors"
	"time"
)

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AssignmentStatus tracks one agent's assignment to a task.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentRejected  AssignmentStatus = "rejected"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// Priority bounds. Values outside are clamped on creation.
const (
	MinPriority = 1
	MaxPriority = 4
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAssignmentConflict = errors.New("task already assigned to agent")
)

// Task is a unit of work. Mutated only through the Machine; never deleted
// by the coordination layer.
type Task struct {
	ID           string         `json:"id"`
	CreatorID    string         `json:"creator_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Priority     int            `json:"priority"`
	Requirements map[string]any `json:"requirements,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DueDate      *time.Time     `json:"due_date,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Assignment links one agent to one task. At most one assignment may exist
// per (task, agent) pair.
type Assignment struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	AgentID     string           `json:"agent_id"`
	Status      AssignmentStatus `json:"status"`
	AssignedAt  time.Time        `json:"assigned_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Update is a partial task mutation; nil fields are left untouched.
type Update struct {
	Title        *string        `json:"title,omitempty"`
	Description  *string        `json:"description,omitempty"`
	Status       *Status        `json:"status,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	DueDate      *time.Time     `json:"due_date,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`
}
