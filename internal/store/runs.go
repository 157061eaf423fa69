package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run records one swarm query from arrival to final answer.
type Run struct {
	ID           string          `json:"id"`
	Query        string          `json:"query"`
	Status       string          `json:"status"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Responses    json.RawMessage `json:"responses,omitempty"`
	Answer       string          `json:"answer,omitempty"`
	CacheHit     bool            `json:"cache_hit"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var capabilities, responses, answer sql.NullString
	var cacheHit int
	err := sc.Scan(&r.ID, &r.Query, &r.Status, &capabilities, &responses,
		&answer, &cacheHit, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if capabilities.Valid {
		r.Capabilities = json.RawMessage(capabilities.String)
	}
	if responses.Valid {
		r.Responses = json.RawMessage(responses.String)
	}
	r.Answer = answer.String
	r.CacheHit = cacheHit == 1
	return r, nil
}

const runColumns = `id, query, status, capabilities, responses, answer, cache_hit, started_at, completed_at`

func (s *Store) SaveRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, query, status, capabilities, responses, answer, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			responses = excluded.responses,
			answer = excluded.answer,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Query, r.Status, nullableJSON(r.Capabilities), nullableJSON(r.Responses),
		r.Answer, boolToInt(r.CacheHit))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRun(id, status, answer string, responses json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, answer = ?, responses = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, answer, nullableJSON(responses), status, id)
	return err
}

func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
