// Package postgres is a jackc/pgx/v5-backed Storage collaborator (spec
// §6.1): each case's document lives as a single JSONB column, mutated in
// place by applying the incoming delta to the value read back from the
// row, guarded by a row lock so concurrent Apply calls for the same case
// never race.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knhk/engine/internal/delta"
)

// jsonPath decodes doc and resolves a dotted path against it.
func jsonPath(doc []byte, path string) (any, error) {
	var v map[string]any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("postgres: decode document: %w", err)
	}
	if path == "" {
		return v, nil
	}
	cur := any(v)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, nil
			}
			cur, ok = m[seg]
			if !ok {
				return nil, nil
			}
			start = i + 1
		}
	}
	return cur, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS knhk_case_document (
	case_id TEXT PRIMARY KEY,
	doc     JSONB NOT NULL DEFAULT '{}'::jsonb
);
`

// Store is a Postgres-backed Storage collaborator.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the backing table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Apply(ctx context.Context, caseID string, d *delta.Delta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx,
		`SELECT doc FROM knhk_case_document WHERE case_id = $1 FOR UPDATE`, caseID).Scan(&doc)
	if err == pgx.ErrNoRows {
		doc = []byte(`{}`)
	} else if err != nil {
		return fmt.Errorf("postgres: select: %w", err)
	}

	out, err := d.Apply(doc)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO knhk_case_document (case_id, doc) VALUES ($1, $2)
		 ON CONFLICT (case_id) DO UPDATE SET doc = EXCLUDED.doc`, caseID, out); err != nil {
		return fmt.Errorf("postgres: upsert: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Query(ctx context.Context, caseID, path string) (any, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM knhk_case_document WHERE case_id = $1`, caseID).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	return jsonPath(doc, path)
}

func (s *Store) Ask(ctx context.Context, caseID, path string) (bool, error) {
	v, err := s.Query(ctx, caseID, path)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (s *Store) Snapshot(ctx context.Context, caseID string) ([]byte, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM knhk_case_document WHERE case_id = $1`, caseID).Scan(&doc)
	if err == pgx.ErrNoRows {
		return []byte(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshot: %w", err)
	}
	return doc, nil
}

func (s *Store) Restore(ctx context.Context, caseID string, snapshot []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO knhk_case_document (case_id, doc) VALUES ($1, $2)
		 ON CONFLICT (case_id) DO UPDATE SET doc = EXCLUDED.doc`, caseID, snapshot)
	if err != nil {
		return fmt.Errorf("postgres: restore: %w", err)
	}
	return nil
}
