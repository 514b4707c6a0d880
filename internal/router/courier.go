package router

import (
	"time"

	"github.com/nidhogg/agora/internal/event"
	"github.com/nidhogg/agora/internal/hub"
	"go.uber.org/zap"
)

// OrchestratorSender is the sender ID stamped on pipeline instructions so
// agents can tell coordinator traffic apart from peer messages.
const OrchestratorSender = "orchestrator"

// HubCourier delivers pipeline instructions to agents over their live
// websocket connections.
type HubCourier struct {
	hub    *hub.Hub
	logger *zap.Logger
}

// NewHubCourier creates a courier over the given hub.
func NewHubCourier(h *hub.Hub, logger *zap.Logger) *HubCourier {
	return &HubCourier{hub: h, logger: logger}
}

// Instruct sends one instruction to the agent. Returns false when the agent
// has no live connection or the send fails.
func (c *HubCourier) Instruct(agentID, text string) bool {
	env := event.New(event.TagMessageReceived, map[string]any{
		"sender":    OrchestratorSender,
		"content":   text,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if !c.hub.SendDirect(agentID, env) {
		c.logger.Warn("instruction undeliverable",
			zap.String("agent_id", agentID))
		return false
	}
	return true
}
