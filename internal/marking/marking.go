// Package marking implements the token multiset over net conditions (spec
// §4.1, C1). A Marking is the sole authoritative state of a running net;
// the net runner is its only writer, so no internal locking is required
// (spec §5: "per-case single-threaded").
package marking

import "sort"

// Token is an identity-bearing value held by a condition.
type Token struct {
	ID       string
	Location string         // condition id
	Data     map[string]any // payload, may be nil
	Parent   string         // id of the token this one descends from, "" for root tokens
	Siblings []string       // ids of co-produced tokens sharing the same firing (AND-split lineage)
}

// Clone returns a deep-enough copy of the token (Data map is copied).
func (t *Token) Clone() *Token {
	cp := *t
	if t.Data != nil {
		cp.Data = make(map[string]any, len(t.Data))
		for k, v := range t.Data {
			cp.Data[k] = v
		}
	}
	if t.Siblings != nil {
		cp.Siblings = append([]string(nil), t.Siblings...)
	}
	return &cp
}

// Marking maps a condition id to the multiset of tokens it currently holds.
type Marking struct {
	tokens map[string]map[string]*Token // condition id -> token id -> token
}

// New returns an empty marking.
func New() *Marking {
	return &Marking{tokens: make(map[string]map[string]*Token)}
}

// Place adds a token to a condition.
func (m *Marking) Place(condition string, tok *Token) {
	bucket, ok := m.tokens[condition]
	if !ok {
		bucket = make(map[string]*Token)
		m.tokens[condition] = bucket
	}
	tok.Location = condition
	bucket[tok.ID] = tok
}

// Remove removes a specific token from a condition. Returns the removed
// token, or nil if it was not present.
func (m *Marking) Remove(condition, tokenID string) *Token {
	bucket, ok := m.tokens[condition]
	if !ok {
		return nil
	}
	tok, ok := bucket[tokenID]
	if !ok {
		return nil
	}
	delete(bucket, tokenID)
	if len(bucket) == 0 {
		delete(m.tokens, condition)
	}
	return tok
}

// Clear removes every token held by a condition, returning them.
func (m *Marking) Clear(condition string) []*Token {
	bucket, ok := m.tokens[condition]
	if !ok {
		return nil
	}
	out := make([]*Token, 0, len(bucket))
	for _, tok := range bucket {
		out = append(out, tok)
	}
	delete(m.tokens, condition)
	return out
}

// Count returns the number of tokens a condition holds.
func (m *Marking) Count(condition string) int {
	return len(m.tokens[condition])
}

// Has reports whether a condition holds at least one token.
func (m *Marking) Has(condition string) bool {
	return m.Count(condition) > 0
}

// Tokens returns the tokens held by a condition, in ascending id order for
// determinism (spec §4.3.4).
func (m *Marking) Tokens(condition string) []*Token {
	bucket := m.tokens[condition]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]*Token, 0, len(bucket))
	for _, tok := range bucket {
		out = append(out, tok)
	}
	sortTokensByID(out)
	return out
}

// MarkedConditions returns every condition id currently holding a token,
// sorted for deterministic iteration.
func (m *Marking) MarkedConditions() []string {
	out := make([]string, 0, len(m.tokens))
	for cond, bucket := range m.tokens {
		if len(bucket) > 0 {
			out = append(out, cond)
		}
	}
	sortStrings(out)
	return out
}

// Snapshot returns an observation-only copy: condition id -> sorted token ids.
func (m *Marking) Snapshot() map[string][]string {
	out := make(map[string][]string, len(m.tokens))
	for cond, bucket := range m.tokens {
		ids := make([]string, 0, len(bucket))
		for id := range bucket {
			ids = append(ids, id)
		}
		sortStrings(ids)
		out[cond] = ids
	}
	return out
}

func sortTokensByID(toks []*Token) {
	sort.Slice(toks, func(i, j int) bool { return toks[i].ID < toks[j].ID })
}

func sortStrings(s []string) {
	sort.Strings(s)
}
