// Package memory is the in-process reference Storage collaborator (spec
// §6.1): a per-case JSON document mutated by applying deltas, used by
// tests and as the engine's default when no external store is wired.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/knhk/engine/internal/delta"
)

// Store is a map-of-documents Storage collaborator, one JSON document per
// case id.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

func (s *Store) Apply(ctx context.Context, caseID string, d *delta.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[caseID]
	if !ok {
		doc = []byte(`{}`)
	}
	out, err := d.Apply(doc)
	if err != nil {
		return err
	}
	s.docs[caseID] = out
	return nil
}

func (s *Store) Query(ctx context.Context, caseID, path string) (any, error) {
	s.mu.RLock()
	doc, ok := s.docs[caseID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("memory: decode case %s: %w", caseID, err)
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[caseID]
	if !ok {
		return []byte(`{}`), nil
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (s *Store) Restore(ctx context.Context, caseID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[caseID] = append([]byte(nil), snapshot...)
	return nil
}

// lookupPath resolves a dotted path ("a.b.c") against a decoded document.
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
