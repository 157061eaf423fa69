package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Document is the durable copy of an ingested knowledge document. The
// search index can be rebuilt from these rows.
type Document struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Path      string          `json:"path,omitempty"`
	Content   string          `json:"content"`
	Type      string          `json:"type,omitempty"`
	Date      *time.Time      `json:"date,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const documentColumns = `id, name, path, content, doc_type, doc_date, metadata, created_at, updated_at`

func scanDocument(sc scanner) (*Document, error) {
	d := &Document{}
	var path, docType, metadata sql.NullString
	err := sc.Scan(&d.ID, &d.Name, &path, &d.Content, &docType, &d.Date,
		&metadata, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Path = path.String
	d.Type = docType.String
	if metadata.Valid {
		d.Metadata = json.RawMessage(metadata.String)
	}
	return d, nil
}

func (s *Store) SaveDocument(d *Document) error {
	_, err := s.db.Exec(`
		INSERT INTO documents (id, name, path, content, doc_type, doc_date, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, path=excluded.path,
			content=excluded.content, doc_type=excluded.doc_type,
			doc_date=excluded.doc_date, metadata=excluded.metadata,
			updated_at=CURRENT_TIMESTAMP`,
		d.ID, d.Name, d.Path, d.Content, d.Type, d.Date, nullableJSON(d.Metadata))
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(id string) (*Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// ListDocuments returns documents newest first, optionally filtered by type.
func (s *Store) ListDocuments(docType string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if docType == "" {
		rows, err = s.db.Query(`SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+documentColumns+` FROM documents WHERE doc_type = ? ORDER BY created_at DESC LIMIT ?`, docType, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func (s *Store) DeleteDocument(id string) error {
	_, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	return err
}

func (s *Store) CountDocuments() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}
