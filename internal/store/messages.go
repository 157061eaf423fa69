package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppallis/conclave/internal/protocol"
)

// Message is an archived envelope. The archive is pruned to a bounded number
// of newest rows; it exists for inspection, not replay.
type Message struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Sender       string          `json:"sender"`
	Recipient    string          `json:"recipient,omitempty"`
	InResponseTo string          `json:"in_response_to,omitempty"`
	Priority     int             `json:"priority"`
	Hops         int             `json:"hops"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SaveEnvelope archives env. Envelopes are immutable, so replays of the same
// id are ignored.
func (s *Store) SaveEnvelope(env *protocol.Envelope) error {
	content, err := json.Marshal(env.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, type, sender, recipient, in_response_to, priority, hops, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		env.ID, env.Type, env.Sender, env.Recipient, env.InResponseTo,
		int(env.Priority), env.Hops, string(content), env.CreatedAt)
	if err != nil {
		return fmt.Errorf("save envelope: %w", err)
	}
	return nil
}

func scanMessage(sc scanner) (*Message, error) {
	m := &Message{}
	var recipient, inResponseTo sql.NullString
	var content string
	err := sc.Scan(&m.ID, &m.Type, &m.Sender, &recipient, &inResponseTo,
		&m.Priority, &m.Hops, &content, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Recipient = recipient.String
	m.InResponseTo = inResponseTo.String
	m.Content = json.RawMessage(content)
	return m, nil
}

const messageColumns = `id, type, sender, recipient, in_response_to, priority, hops, content, created_at`

func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetConversation returns a request and everything correlated to it, oldest
// first.
func (s *Store) GetConversation(requestID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE id = ? OR in_response_to = ?
		ORDER BY created_at, id`, requestID, requestID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *Store) RecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+messageColumns+` FROM messages
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (s *Store) CountMessages() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// PruneMessages deletes everything but the newest keep rows and reports how
// many rows went away.
func (s *Store) PruneMessages(keep int) (int64, error) {
	if keep <= 0 {
		keep = 10000
	}
	res, err := s.db.Exec(`
		DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY created_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
