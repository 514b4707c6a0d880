package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/agora/internal/event"
	"github.com/nidhogg/agora/internal/store"
	"github.com/nidhogg/agora/internal/task"
	"go.uber.org/zap"
)

// handleMessageSend persists the message, fans it out (broadcast when the
// recipient list is empty, direct sends otherwise), acknowledges the sender,
// and hands the content to the pipeline orchestrator.
func (d *Dispatcher) handleMessageSend(ctx context.Context, agentID string, env *event.Envelope) {
	msg := &store.Message{
		ID:         uuid.New().String(),
		SenderID:   agentID,
		Content:    env.String("content"),
		Type:       env.String("message_type"),
		TaskID:     env.String("task_id"),
		Recipients: env.StringSlice("recipients"),
		Meta:       env.Map("metadata"),
		CreatedAt:  time.Now(),
	}
	if msg.Type == "" {
		msg.Type = "text"
	}

	if d.messages != nil {
		if err := d.messages.SaveMessage(ctx, msg); err != nil {
			d.logger.Warn("message persist failed",
				zap.String("message", msg.ID), zap.Error(err))
		}
	}

	received := event.New(event.TagMessageReceived, map[string]any{
		"id":           msg.ID,
		"sender_id":    msg.SenderID,
		"content":      msg.Content,
		"message_type": msg.Type,
		"task_id":      msg.TaskID,
		"created_at":   msg.CreatedAt.UTC().Format(time.RFC3339),
	})
	if len(msg.Recipients) == 0 {
		d.hub.Broadcast(received, agentID)
	} else {
		d.hub.SendMany(received, msg.Recipients)
	}

	d.hub.SendDirect(agentID, event.New(event.TagMessageSent, map[string]any{
		"id": msg.ID,
	}))

	if d.chat != nil {
		d.chat.HandleMessage(ctx, agentID, msg.Content)
	}
}

func (d *Dispatcher) handleTaskCreate(ctx context.Context, agentID string, env *event.Envelope) {
	t := &task.Task{
		CreatorID:    agentID,
		Title:        env.String("title"),
		Description:  env.String("description"),
		Priority:     env.Int("priority", 1),
		Requirements: env.Map("requirements"),
	}
	if due := env.String("due_date"); due != "" {
		if ts, err := time.Parse(time.RFC3339, due); err == nil {
			t.DueDate = &ts
		}
	}
	t = d.machine.Create(ctx, t)

	d.hub.Broadcast(event.New(event.TagTaskCreated, map[string]any{
		"id":         t.ID,
		"creator_id": t.CreatorID,
		"title":      t.Title,
		"status":     string(t.Status),
		"priority":   t.Priority,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339),
	}), "")
}

func (d *Dispatcher) handleTaskAssign(ctx context.Context, agentID string, env *event.Envelope) {
	taskID := env.String("task_id")
	assigneeID := env.String("agent_id")

	a, err := d.machine.Assign(ctx, taskID, assigneeID)
	if err != nil {
		d.logger.Warn("task assign rejected",
			zap.String("task", taskID),
			zap.String("agent", assigneeID),
			zap.Error(err))
		d.replyError(agentID, event.TagTaskAssigned, err)
		return
	}

	d.hub.SendDirect(assigneeID, event.New(event.TagTaskAssigned, map[string]any{
		"task_id":       a.TaskID,
		"assignment_id": a.ID,
		"assigned_at":   a.AssignedAt.UTC().Format(time.RFC3339),
	}))
	d.hub.SendDirect(agentID, event.New(event.TagTaskAssignmentCreated, map[string]any{
		"task_id":  a.TaskID,
		"agent_id": a.AgentID,
	}))
}

func (d *Dispatcher) handleTaskUpdate(ctx context.Context, agentID string, env *event.Envelope) {
	taskID := env.String("task_id")

	var u task.Update
	if v, ok := env.Data["title"].(string); ok {
		u.Title = &v
	}
	if v, ok := env.Data["description"].(string); ok {
		u.Description = &v
	}
	if v, ok := env.Data["status"].(string); ok {
		st := task.Status(v)
		u.Status = &st
	}
	if v, ok := env.Data["priority"].(float64); ok {
		p := int(v)
		u.Priority = &p
	}
	if v, ok := env.Data["due_date"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			u.DueDate = &ts
		}
	}
	u.Requirements = env.Map("requirements")

	t, err := d.machine.Update(ctx, taskID, u)
	if err != nil {
		d.logger.Warn("task update rejected",
			zap.String("task", taskID), zap.Error(err))
		d.replyError(agentID, event.TagTaskUpdated, err)
		return
	}

	d.hub.Broadcast(event.New(event.TagTaskUpdated, map[string]any{
		"id":         t.ID,
		"status":     string(t.Status),
		"updated_at": nowISO(),
	}), "")
}

func (d *Dispatcher) handleMemorySet(ctx context.Context, agentID string, env *event.Envelope) {
	if d.memory == nil {
		return
	}
	key := env.String("key")
	value := env.String("value")

	var ac map[string][]string
	if raw := env.Map("access_control"); raw != nil {
		ac = make(map[string][]string, len(raw))
		for k, v := range raw {
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok {
						ac[k] = append(ac[k], s)
					}
				}
			}
		}
	}

	m, err := d.memory.SetMemory(ctx, key, value, agentID, ac)
	if err != nil {
		d.logger.Warn("memory set failed", zap.String("key", key), zap.Error(err))
		d.replyError(agentID, event.TagMemoryUpdated, err)
		return
	}

	d.hub.Broadcast(event.New(event.TagMemoryUpdated, map[string]any{
		"key":        m.Key,
		"updated_at": m.UpdatedAt.UTC().Format(time.RFC3339),
	}), "")
}

// handleMemoryGet replies directly on the requester's connection; a missing
// key is reported inside the response payload, not as a dropped event.
func (d *Dispatcher) handleMemoryGet(ctx context.Context, agentID string, env *event.Envelope) {
	if d.memory == nil {
		return
	}
	key := env.String("key")

	m, err := d.memory.GetMemory(ctx, key)
	if err != nil {
		d.hub.SendDirect(agentID, event.New(event.TagMemoryResponse, map[string]any{
			"key":   key,
			"error": "Memory not found",
		}))
		return
	}

	d.hub.SendDirect(agentID, event.New(event.TagMemoryResponse, map[string]any{
		"key":        m.Key,
		"value":      m.Value,
		"created_by": m.CreatedBy,
		"updated_at": m.UpdatedAt.UTC().Format(time.RFC3339),
	}))
}
