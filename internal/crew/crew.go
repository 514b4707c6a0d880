package crew

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role is an agent's responsibility in the pipeline.
type Role string

const (
	RoleLead        Role = "lead"
	RoleImplementer Role = "implementer"
	RoleDeployer    Role = "deployer"
	RoleMemory      Role = "memory-assistant"
)

// Valid reports whether r is one of the fixed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleLead, RoleImplementer, RoleDeployer, RoleMemory:
		return true
	}
	return false
}

// AgentStatus tracks liveness as seen by the roster.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
)

// Agent is a coordination participant. The roster owns the identity; tasks
// and projects reference agents by id only.
type Agent struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Role      Role           `json:"role"`
	Status    AgentStatus    `json:"status"`
	Meta      map[string]any `json:"meta,omitempty"`
	LastSeen  time.Time      `json:"last_seen"`
	CreatedAt time.Time      `json:"created_at"`
}

// Persister mirrors roster liveness changes into durable storage,
// best-effort.
type Persister interface {
	TouchAgent(ctx context.Context, id string) error
	SetAgentStatus(ctx context.Context, id string, status AgentStatus) error
}

// Roster is the in-memory registry of known agents, indexed by id and role.
type Roster struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	persist Persister
	logger  *zap.Logger
}

// NewRoster creates an empty roster. persist may be nil for a purely
// in-memory roster.
func NewRoster(persist Persister, logger *zap.Logger) *Roster {
	return &Roster{
		agents:  make(map[string]*Agent),
		persist: persist,
		logger:  logger,
	}
}

// Register adds or replaces an agent identity.
func (r *Roster) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusOffline
	}
	r.agents[a.ID] = a
	r.logger.Info("agent registered",
		zap.String("agent", a.ID),
		zap.String("role", string(a.Role)))
}

// Get returns the agent with the given id.
func (r *Roster) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Known reports whether the id belongs to a registered agent.
func (r *Roster) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// List returns all registered agents.
func (r *Roster) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// AgentFor returns the id of an agent holding the given role. When several
// agents share a role the earliest-registered one wins so prompts are stable.
func (r *Roster) AgentFor(role Role) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Agent
	for _, a := range r.agents {
		if a.Role != role {
			continue
		}
		if best == nil || a.CreatedAt.Before(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// RoleOf returns the role of the given agent.
func (r *Roster) RoleOf(id string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return "", false
	}
	return a.Role, true
}

// Touch updates an agent's last-seen marker and flips it online.
func (r *Roster) Touch(id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if ok {
		a.LastSeen = time.Now()
		a.Status = StatusOnline
	}
	r.mu.Unlock()
	if !ok || r.persist == nil {
		return
	}
	// Liveness flips run after the connection's own context may be done,
	// so the mirror uses a background context.
	if err := r.persist.TouchAgent(context.Background(), id); err != nil {
		r.logger.Warn("agent touch persist failed",
			zap.String("agent", id), zap.Error(err))
	}
}

// SetStatus records an agent's liveness.
func (r *Roster) SetStatus(id string, status AgentStatus) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if ok {
		a.Status = status
		if status == StatusOnline {
			a.LastSeen = time.Now()
		}
	}
	r.mu.Unlock()
	if !ok || r.persist == nil {
		return
	}
	if err := r.persist.SetAgentStatus(context.Background(), id, status); err != nil {
		r.logger.Warn("agent status persist failed",
			zap.String("agent", id), zap.Error(err))
	}
}
