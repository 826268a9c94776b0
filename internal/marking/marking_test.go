package marking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceAndRemove(t *testing.T) {
	m := New()
	tok := &Token{ID: "t1"}
	m.Place("c1", tok)

	require.True(t, m.Has("c1"))
	assert.Equal(t, 1, m.Count("c1"))
	assert.Equal(t, "c1", tok.Location)

	removed := m.Remove("c1", "t1")
	require.NotNil(t, removed)
	assert.False(t, m.Has("c1"))
}

func TestRemoveAbsentReturnsNil(t *testing.T) {
	m := New()
	assert.Nil(t, m.Remove("missing", "x"))
}

func TestClearReturnsAllTokens(t *testing.T) {
	m := New()
	m.Place("c1", &Token{ID: "a"})
	m.Place("c1", &Token{ID: "b"})

	cleared := m.Clear("c1")
	assert.Len(t, cleared, 2)
	assert.False(t, m.Has("c1"))
}

func TestTokensOrderedByID(t *testing.T) {
	m := New()
	m.Place("c1", &Token{ID: "z"})
	m.Place("c1", &Token{ID: "a"})
	m.Place("c1", &Token{ID: "m"})

	toks := m.Tokens("c1")
	require.Len(t, toks, 3)
	assert.Equal(t, []string{"a", "m", "z"}, []string{toks[0].ID, toks[1].ID, toks[2].ID})
}

func TestMarkedConditionsSortedAndExcludesEmpty(t *testing.T) {
	m := New()
	m.Place("c2", &Token{ID: "x"})
	m.Place("c1", &Token{ID: "y"})
	m.Remove("c1", "y")

	assert.Equal(t, []string{"c2"}, m.MarkedConditions())
}

func TestTokenCloneDeepCopiesData(t *testing.T) {
	tok := &Token{ID: "t1", Data: map[string]any{"k": "v"}, Siblings: []string{"s1"}}
	clone := tok.Clone()
	clone.Data["k"] = "changed"
	clone.Siblings[0] = "changed"

	assert.Equal(t, "v", tok.Data["k"])
	assert.Equal(t, "s1", tok.Siblings[0])
}

func TestSnapshotReturnsSortedIDs(t *testing.T) {
	m := New()
	m.Place("c1", &Token{ID: "b"})
	m.Place("c1", &Token{ID: "a"})

	snap := m.Snapshot()
	assert.Equal(t, []string{"a", "b"}, snap["c1"])
}
