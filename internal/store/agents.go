package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/agora/internal/crew"
)

// SaveAgent upserts an agent identity.
func (s *Store) SaveAgent(ctx context.Context, a *crew.Agent) error {
	meta, _ := json.Marshal(a.Meta)
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, role, status, meta, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			meta = EXCLUDED.meta,
			last_seen = EXCLUDED.last_seen`,
		a.ID, a.Name, string(a.Role), string(a.Status), meta, a.LastSeen, now,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves a single agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*crew.Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, role, status, meta, last_seen, created_at
		FROM agents WHERE id = $1`, id)

	var a crew.Agent
	var meta []byte
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &meta, &a.LastSeen, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	_ = json.Unmarshal(meta, &a.Meta)
	return &a, nil
}

// ListAgents returns all agents ordered by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]*crew.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, role, status, meta, last_seen, created_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*crew.Agent
	for rows.Next() {
		var a crew.Agent
		var meta []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &meta, &a.LastSeen, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		_ = json.Unmarshal(meta, &a.Meta)
		agents = append(agents, &a)
	}
	return agents, nil
}

// TouchAgent stamps an agent's last-seen marker and flips it online.
func (s *Store) TouchAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET last_seen = NOW(), status = 'online' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch agent %s: %w", id, err)
	}
	return nil
}

// SetAgentStatus records an agent's liveness.
func (s *Store) SetAgentStatus(ctx context.Context, id string, status crew.AgentStatus) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set agent status %s: %w", id, err)
	}
	return nil
}
