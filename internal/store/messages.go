package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one persisted inter-agent message.
type Message struct {
	ID         string         `json:"id"`
	SenderID   string         `json:"sender_id"`
	Content    string         `json:"content"`
	Type       string         `json:"message_type"`
	TaskID     string         `json:"task_id,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Meta       map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SaveMessage inserts a message record.
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	recipients, _ := json.Marshal(m.Recipients)
	meta, _ := json.Marshal(m.Meta)
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, sender_id, content, message_type, task_id, recipients, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6, $7, $8)`,
		m.ID, m.SenderID, m.Content, m.Type, m.TaskID, recipients, meta, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns the newest messages, optionally filtered by sender.
func (s *Store) ListMessages(ctx context.Context, senderID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, sender_id, content, message_type, COALESCE(task_id,''), recipients, metadata, created_at
		FROM messages
		WHERE ($1 = '' OR sender_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var recipients, meta []byte
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Content, &m.Type, &m.TaskID,
			&recipients, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		_ = json.Unmarshal(recipients, &m.Recipients)
		_ = json.Unmarshal(meta, &m.Meta)
		out = append(out, &m)
	}
	return out, nil
}
