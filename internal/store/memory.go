package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrMemoryNotFound is returned when no entry exists for a key.
var ErrMemoryNotFound = errors.New("memory not found")

// Memory is one shared key/value entry visible to the crew.
type Memory struct {
	ID            string              `json:"id"`
	Key           string              `json:"key"`
	Value         string              `json:"value"`
	CreatedBy     string              `json:"created_by"`
	AccessControl map[string][]string `json:"access_control,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// GetMemory retrieves an entry by key.
func (s *Store) GetMemory(ctx context.Context, key string) (*Memory, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, key, value, created_by, access_control, created_at, updated_at
		FROM shared_memory WHERE key = $1`, key)

	var m Memory
	var ac []byte
	err := row.Scan(&m.ID, &m.Key, &m.Value, &m.CreatedBy, &ac, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get memory %s: %w", key, ErrMemoryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", key, err)
	}
	_ = json.Unmarshal(ac, &m.AccessControl)
	return &m, nil
}

// SetMemory upserts an entry; the creator is preserved on update.
func (s *Store) SetMemory(ctx context.Context, key, value, createdBy string, accessControl map[string][]string) (*Memory, error) {
	ac, _ := json.Marshal(accessControl)
	row := s.db.QueryRow(ctx, `
		INSERT INTO shared_memory (key, value, created_by, access_control, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			access_control = EXCLUDED.access_control,
			updated_at = NOW()
		RETURNING id, key, value, created_by, access_control, created_at, updated_at`,
		key, value, createdBy, ac)

	var m Memory
	var acOut []byte
	if err := row.Scan(&m.ID, &m.Key, &m.Value, &m.CreatedBy, &acOut, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, fmt.Errorf("set memory %s: %w", key, err)
	}
	_ = json.Unmarshal(acOut, &m.AccessControl)
	return &m, nil
}

// ListMemories returns entries ordered by most recently updated.
func (s *Store) ListMemories(ctx context.Context, createdBy string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, key, value, created_by, access_control, created_at, updated_at
		FROM shared_memory
		WHERE ($1 = '' OR created_by = $1)
		ORDER BY updated_at DESC
		LIMIT $2`, createdBy, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		var m Memory
		var ac []byte
		if err := rows.Scan(&m.ID, &m.Key, &m.Value, &m.CreatedBy, &ac, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		_ = json.Unmarshal(ac, &m.AccessControl)
		out = append(out, &m)
	}
	return out, nil
}
