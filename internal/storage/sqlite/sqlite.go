// Package sqlite is a mattn/go-sqlite3-backed Storage collaborator (spec
// §6.1), the embedded backend the knhkctl CLI uses when the storage
// backend is set to "sqlite": one row per case holding its document as a
// TEXT column of JSON.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/knhk/engine/internal/delta"
)

const schema = `
CREATE TABLE IF NOT EXISTS knhk_case_document (
	case_id TEXT PRIMARY KEY,
	doc     TEXT NOT NULL DEFAULT '{}'
);
`

// Store is a SQLite-backed Storage collaborator.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Apply(ctx context.Context, caseID string, d *delta.Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM knhk_case_document WHERE case_id = ?`, caseID).Scan(&doc)
	if err == sql.ErrNoRows {
		doc = `{}`
	} else if err != nil {
		return fmt.Errorf("sqlite: select: %w", err)
	}

	out, err := d.Apply([]byte(doc))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO knhk_case_document (case_id, doc) VALUES (?, ?)
		 ON CONFLICT (case_id) DO UPDATE SET doc = excluded.doc`, caseID, string(out)); err != nil {
		return fmt.Errorf("sqlite: upsert: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Query(ctx context.Context, caseID, path string) (any, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM knhk_case_document WHERE case_id = ?`, caseID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("sqlite: decode: %w", err)
	}
	return lookupPath(v, path), nil
}

func (s *Store) Ask(ctx context.Context, caseID, path string) (bool, error) {
	v, err := s.Query(ctx, caseID, path)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (s *Store) Snapshot(ctx context.Context, caseID string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM knhk_case_document WHERE case_id = ?`, caseID).Scan(&doc)
	if err == sql.ErrNoRows {
		return []byte(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: snapshot: %w", err)
	}
	return []byte(doc), nil
}

func (s *Store) Restore(ctx context.Context, caseID string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knhk_case_document (case_id, doc) VALUES (?, ?)
		 ON CONFLICT (case_id) DO UPDATE SET doc = excluded.doc`, caseID, string(snapshot))
	if err != nil {
		return fmt.Errorf("sqlite: restore: %w", err)
	}
	return nil
}

func lookupPath(v map[string]any, path string) any {
	if path == "" {
		return v
	}
	cur := any(v)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil
			}
			cur, ok = m[seg]
			if !ok {
				return nil
			}
			start = i + 1
		}
	}
	return cur
}
