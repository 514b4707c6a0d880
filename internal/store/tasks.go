package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/agora/internal/task"
)

// SaveTask upserts a task; the state machine mirrors every mutation here.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	reqs, _ := json.Marshal(t.Requirements)
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, creator_id, title, description, status, priority, requirements, created_at, due_date, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			requirements = EXCLUDED.requirements,
			due_date = EXCLUDED.due_date,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.CreatorID, t.Title, t.Description, string(t.Status),
		t.Priority, reqs, t.CreatedAt, t.DueDate, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// SaveAssignment upserts a task assignment.
func (s *Store) SaveAssignment(ctx context.Context, a *task.Assignment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_assignments (id, task_id, agent_id, status, assigned_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, agent_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at`,
		a.ID, a.TaskID, a.AgentID, string(a.Status), a.AssignedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save assignment %s: %w", a.ID, err)
	}
	return nil
}

// LoadTasks returns all persisted tasks, oldest first, so the machine can
// rebuild its state on startup.
func (s *Store) LoadTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, creator_id, title, COALESCE(description,''), status, priority, requirements, created_at, due_date, completed_at
		FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		var t task.Task
		var reqs []byte
		if err := rows.Scan(&t.ID, &t.CreatorID, &t.Title, &t.Description,
			&t.Status, &t.Priority, &reqs, &t.CreatedAt, &t.DueDate, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		_ = json.Unmarshal(reqs, &t.Requirements)
		if t.Requirements == nil {
			t.Requirements = map[string]any{}
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// LoadAssignments returns all persisted assignments.
func (s *Store) LoadAssignments(ctx context.Context) ([]*task.Assignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, agent_id, status, assigned_at, completed_at
		FROM task_assignments ORDER BY assigned_at`)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	defer rows.Close()

	var out []*task.Assignment
	for rows.Next() {
		var a task.Assignment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.Status, &a.AssignedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, nil
}
