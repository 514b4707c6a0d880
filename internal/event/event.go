package event

import (
	"encoding/json"
	"fmt"
)

// Tag identifies the kind of an envelope. The set is closed; unknown tags
// are dropped by the dispatcher.
type Tag string

const (
	TagConnected     Tag = "connected"
	TagAgentJoined   Tag = "agent:joined"
	TagAgentLeft     Tag = "agent:left"
	TagAgentRegister Tag = "agent:register"
	TagHeartbeat     Tag = "agent:heartbeat"
	TagHeartbeatAck  Tag = "agent:heartbeat_ack"

	TagMessageSend     Tag = "message:send"
	TagMessageSent     Tag = "message:sent"
	TagMessageReceived Tag = "message:received"

	TagTaskCreate            Tag = "task:create"
	TagTaskCreated           Tag = "task:created"
	TagTaskAssign            Tag = "task:assign"
	TagTaskAssigned          Tag = "task:assigned"
	TagTaskAssignmentCreated Tag = "task:assignment_created"
	TagTaskUpdate            Tag = "task:update"
	TagTaskUpdated           Tag = "task:updated"

	TagMemorySet      Tag = "memory:set"
	TagMemoryGet      Tag = "memory:get"
	TagMemoryUpdated  Tag = "memory:updated"
	TagMemoryResponse Tag = "memory:response"
)

// Envelope is the unit exchanged over an agent connection.
type Envelope struct {
	Event Tag            `json:"event"`
	Data  map[string]any `json:"data"`
}

// New builds an envelope. A nil data map is replaced with an empty one so
// consumers never see a nil Data.
func New(tag Tag, data map[string]any) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return &Envelope{Event: tag, Data: data}
}

// Decode parses a raw frame into an envelope. Frames without an event tag
// are rejected.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Event == "" {
		return nil, fmt.Errorf("decode envelope: missing event tag")
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return &e, nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.Event, err)
	}
	return b, nil
}

// String returns the string value under key, or "" when absent or not a string.
func (e *Envelope) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Int returns the integer value under key. JSON numbers decode as float64.
func (e *Envelope) Int(key string, def int) int {
	switch v := e.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// StringSlice returns the list of strings under key, skipping non-strings.
func (e *Envelope) StringSlice(key string) []string {
	raw, ok := e.Data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns the nested object under key, or nil.
func (e *Envelope) Map(key string) map[string]any {
	m, _ := e.Data[key].(map[string]any)
	return m
}
