package hub

import (
	"sync"
	"time"

	"github.com/nidhogg/agora/internal/event"
	"go.uber.org/zap"
)

// Conn is one live channel to an agent. The hub owns the handle exclusively
// and closes it on replacement, send failure, or unregistration.
type Conn interface {
	WriteEnvelope(e *event.Envelope) error
	Close() error
}

// ReadWriter is a Conn that can also receive raw frames; the dispatcher's
// per-connection loop consumes it.
type ReadWriter interface {
	Conn
	Read() ([]byte, error)
}

// Hub tracks at most one live connection per agent id.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	joined map[string]time.Time
	logger *zap.Logger
}

// New creates an empty hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]Conn),
		joined: make(map[string]time.Time),
		logger: logger,
	}
}

// Register stores the channel for an agent, replacing and closing any prior
// handle (last registration wins), then announces the arrival to everyone else.
func (h *Hub) Register(agentID string, c Conn) {
	h.mu.Lock()
	if old, ok := h.conns[agentID]; ok {
		_ = old.Close()
		h.logger.Warn("replacing live connection", zap.String("agent", agentID))
	}
	h.conns[agentID] = c
	h.joined[agentID] = time.Now()
	h.mu.Unlock()

	h.logger.Info("agent connected", zap.String("agent", agentID))
	h.Broadcast(event.New(event.TagAgentJoined, map[string]any{
		"agent_id": agentID,
	}), agentID)
}

// Unregister removes the agent's current handle if present and announces
// the departure. Unregistering an unknown id is a no-op.
func (h *Hub) Unregister(agentID string) {
	h.mu.RLock()
	c, ok := h.conns[agentID]
	h.mu.RUnlock()
	if ok {
		h.UnregisterConn(agentID, c)
	}
}

// UnregisterConn removes the agent's handle only if it is still the given
// one, reporting whether it removed anything. A replaced connection's late
// cleanup is therefore a no-op against the handle that superseded it.
func (h *Hub) UnregisterConn(agentID string, c Conn) bool {
	h.mu.Lock()
	cur, ok := h.conns[agentID]
	if !ok || cur != c {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, agentID)
	delete(h.joined, agentID)
	h.mu.Unlock()
	_ = c.Close()
	h.logger.Info("agent disconnected", zap.String("agent", agentID))
	h.Broadcast(event.New(event.TagAgentLeft, map[string]any{
		"agent_id": agentID,
	}), "")
	return true
}

// SendDirect pushes an envelope to one agent. A transport failure unregisters
// the agent as a side effect and reports false.
func (h *Hub) SendDirect(agentID string, e *event.Envelope) bool {
	h.mu.RLock()
	c, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.WriteEnvelope(e); err != nil {
		h.logger.Error("send failed",
			zap.String("agent", agentID),
			zap.String("event", string(e.Event)),
			zap.Error(err))
		h.UnregisterConn(agentID, c)
		return false
	}
	return true
}

// Broadcast pushes an envelope to every connected agent except excludeID.
// It iterates a snapshot so handlers may mutate the registry concurrently;
// agents whose send fails are unregistered after the pass completes.
func (h *Hub) Broadcast(e *event.Envelope, excludeID string) {
	h.mu.RLock()
	snapshot := make(map[string]Conn, len(h.conns))
	for id, c := range h.conns {
		snapshot[id] = c
	}
	h.mu.RUnlock()

	var failed []string
	for id, c := range snapshot {
		if excludeID != "" && id == excludeID {
			continue
		}
		if err := c.WriteEnvelope(e); err != nil {
			h.logger.Error("broadcast send failed",
				zap.String("agent", id),
				zap.String("event", string(e.Event)),
				zap.Error(err))
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		h.UnregisterConn(id, snapshot[id])
	}
}

// SendMany delivers an envelope to each named agent sequentially,
// best-effort; it never fails fast.
func (h *Hub) SendMany(e *event.Envelope, ids []string) {
	for _, id := range ids {
		h.SendDirect(id, e)
	}
}

// Connected returns the ids of all live agents.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether the agent has a live handle.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnectedAt returns when the agent's current handle registered.
func (h *Hub) ConnectedAt(agentID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.joined[agentID]
	return t, ok
}
