package router

import (
	"context"
	"time"

	"github.com/nidhogg/agora/internal/crew"
	"github.com/nidhogg/agora/internal/event"
	"github.com/nidhogg/agora/internal/hub"
	"github.com/nidhogg/agora/internal/store"
	"github.com/nidhogg/agora/internal/task"
	"go.uber.org/zap"
)

// MessageStore persists inter-agent messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *store.Message) error
}

// MemoryStore persists the crew's shared key/value memory.
type MemoryStore interface {
	GetMemory(ctx context.Context, key string) (*store.Memory, error)
	SetMemory(ctx context.Context, key, value, createdBy string, accessControl map[string][]string) (*store.Memory, error)
}

// ChatListener observes routed inter-agent chatter; the pipeline
// orchestrator hangs off this.
type ChatListener interface {
	HandleMessage(ctx context.Context, agentID, content string)
}

// Dispatcher decodes inbound envelopes and routes them to per-event
// handlers. One Serve loop runs per connection, so events from a single
// agent are processed strictly in arrival order.
type Dispatcher struct {
	hub      *hub.Hub
	roster   *crew.Roster
	machine  *task.Machine
	messages MessageStore
	memory   MemoryStore
	chat     ChatListener
	logger   *zap.Logger
}

// New creates a dispatcher. messages, memory, and chat may be nil; the
// corresponding events then act without persistence or orchestration.
func New(h *hub.Hub, roster *crew.Roster, machine *task.Machine,
	messages MessageStore, memory MemoryStore, chat ChatListener,
	logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		hub:      h,
		roster:   roster,
		machine:  machine,
		messages: messages,
		memory:   memory,
		chat:     chat,
		logger:   logger,
	}
}

// Serve runs the dispatch loop for one connection until it disconnects.
// Malformed frames and handler panics are logged and skipped; the loop only
// ends on a genuine read failure, which unregisters the agent unless a
// newer connection already replaced this one.
func (d *Dispatcher) Serve(ctx context.Context, agentID string, rw hub.ReadWriter) {
	d.hub.Register(agentID, rw)
	d.roster.SetStatus(agentID, crew.StatusOnline)

	d.hub.SendDirect(agentID, event.New(event.TagConnected, map[string]any{
		"agent_id": agentID,
		"message":  "Successfully connected to the agent coordination channel",
	}))

	for {
		raw, err := rw.Read()
		if err != nil {
			d.logger.Info("connection closed",
				zap.String("agent", agentID), zap.Error(err))
			break
		}
		env, err := event.Decode(raw)
		if err != nil {
			d.logger.Warn("malformed envelope dropped",
				zap.String("agent", agentID), zap.Error(err))
			continue
		}
		d.dispatch(ctx, agentID, env)
	}

	// On reconnect-replacement this loop's handle is stale; the fresh
	// connection and the agent's online status must survive its cleanup.
	if d.hub.UnregisterConn(agentID, rw) {
		d.roster.SetStatus(agentID, crew.StatusOffline)
	}
}

// dispatch routes one envelope. A panicking handler must not kill the loop.
func (d *Dispatcher) dispatch(ctx context.Context, agentID string, env *event.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("agent", agentID),
				zap.String("event", string(env.Event)),
				zap.Any("panic", r))
		}
	}()

	d.logger.Debug("event received",
		zap.String("agent", agentID), zap.String("event", string(env.Event)))

	switch env.Event {
	case event.TagAgentRegister:
		d.handleAgentRegister(agentID, env)
	case event.TagHeartbeat:
		d.handleHeartbeat(ctx, agentID, env)
	case event.TagMessageSend:
		d.handleMessageSend(ctx, agentID, env)
	case event.TagTaskCreate:
		d.handleTaskCreate(ctx, agentID, env)
	case event.TagTaskAssign:
		d.handleTaskAssign(ctx, agentID, env)
	case event.TagTaskUpdate:
		d.handleTaskUpdate(ctx, agentID, env)
	case event.TagMemorySet:
		d.handleMemorySet(ctx, agentID, env)
	case event.TagMemoryGet:
		d.handleMemoryGet(ctx, agentID, env)
	default:
		d.logger.Warn("unknown event dropped",
			zap.String("agent", agentID), zap.String("event", string(env.Event)))
	}
}

// handleAgentRegister folds self-declared identity details into the roster.
// The connection itself already registered the bare id.
func (d *Dispatcher) handleAgentRegister(agentID string, env *event.Envelope) {
	a, ok := d.roster.Get(agentID)
	if !ok {
		a = &crew.Agent{ID: agentID}
	}
	if name := env.String("name"); name != "" {
		a.Name = name
	}
	if role := crew.Role(env.String("role")); role.Valid() {
		a.Role = role
	}
	a.Status = crew.StatusOnline
	d.roster.Register(a)
	d.logger.Info("agent self-registered",
		zap.String("agent", agentID),
		zap.String("role", string(a.Role)))
}

func (d *Dispatcher) handleHeartbeat(_ context.Context, agentID string, env *event.Envelope) {
	d.roster.Touch(agentID)
	d.hub.SendDirect(agentID, event.New(event.TagHeartbeatAck, map[string]any{
		"timestamp": env.Data["timestamp"],
	}))
}

// replyError surfaces a handler failure to the sender on its own connection,
// reusing the reply tag with an error payload.
func (d *Dispatcher) replyError(agentID string, tag event.Tag, err error) {
	d.hub.SendDirect(agentID, event.New(tag, map[string]any{
		"error": err.Error(),
	}))
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
