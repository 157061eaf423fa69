package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent is the persisted snapshot of a roster entry.
type Agent struct {
	ID            string    `json:"id"`
	Description   string    `json:"description,omitempty"`
	Tier          int       `json:"tier"`
	Capabilities  []string  `json:"capabilities"`
	DependsOn     []string  `json:"depends_on,omitempty"`
	MaxConcurrent int       `json:"max_concurrent_tasks"`
	TimeoutSecs   int       `json:"timeout_seconds"`
	Model         string    `json:"model,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	capabilities, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	dependsOn, err := json.Marshal(a.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agents (id, description, tier, capabilities, depends_on, max_concurrent, timeout_secs, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			tier = excluded.tier,
			capabilities = excluded.capabilities,
			depends_on = excluded.depends_on,
			max_concurrent = excluded.max_concurrent,
			timeout_secs = excluded.timeout_secs,
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Description, a.Tier, string(capabilities), string(dependsOn),
		a.MaxConcurrent, a.TimeoutSecs, a.Model)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func scanAgent(sc scanner) (*Agent, error) {
	a := &Agent{}
	var description, model sql.NullString
	var capabilities, dependsOn string
	err := sc.Scan(&a.ID, &description, &a.Tier, &capabilities, &dependsOn,
		&a.MaxConcurrent, &a.TimeoutSecs, &model, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Model = model.String
	if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsOn), &a.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	return a, nil
}

const agentColumns = `id, description, tier, capabilities, depends_on, max_concurrent, timeout_secs, model, created_at, updated_at`

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY tier, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	query := `DELETE FROM agents WHERE id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}
