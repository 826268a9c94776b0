package delta_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knhk/engine/internal/delta"
)

func rawVal(v string) json.RawMessage { return json.RawMessage(v) }

// TestValidateRejectsEmptyOps covers the "a delta must do something"
// structural rule.
func TestValidateRejectsEmptyOps(t *testing.T) {
	d := &delta.Delta{WorkItemID: "wi-1"}
	assert.Error(t, d.Validate(64))
}

// TestValidateEnforcesMaxDeltaSize covers FM-HOOK-010's bounded-complexity
// ingress guard.
func TestValidateEnforcesMaxDeltaSize(t *testing.T) {
	d := &delta.Delta{WorkItemID: "wi-1"}
	for i := 0; i < 5; i++ {
		d.Ops = append(d.Ops, delta.Op{Op: "add", Path: "/x", Value: rawVal("1")})
	}
	assert.NoError(t, d.Validate(5))
	assert.Error(t, d.Validate(4))
	assert.NoError(t, d.Validate(0), "a zero max means unbounded")
}

// TestValidateRejectsUnsupportedOp and the structural per-op checks.
func TestValidateRejectsUnsupportedOp(t *testing.T) {
	d := &delta.Delta{WorkItemID: "wi-1", Ops: []delta.Op{{Op: "delete", Path: "/x", Value: rawVal("1")}}}
	assert.Error(t, d.Validate(64))
}

func TestValidateRejectsMissingPath(t *testing.T) {
	d := &delta.Delta{WorkItemID: "wi-1", Ops: []delta.Op{{Op: "add", Value: rawVal("1")}}}
	assert.Error(t, d.Validate(64))
}

func TestValidateRequiresValueForAddReplaceTest(t *testing.T) {
	for _, op := range []string{"add", "replace", "test"} {
		d := &delta.Delta{WorkItemID: "wi-1", Ops: []delta.Op{{Op: op, Path: "/x"}}}
		assert.Error(t, d.Validate(64), "op %s without value should fail", op)
	}
}

func TestValidateRequiresFromForMoveCopy(t *testing.T) {
	for _, op := range []string{"move", "copy"} {
		d := &delta.Delta{WorkItemID: "wi-1", Ops: []delta.Op{{Op: op, Path: "/x"}}}
		assert.Error(t, d.Validate(64), "op %s without from should fail", op)

		d2 := &delta.Delta{WorkItemID: "wi-1", Ops: []delta.Op{{Op: op, Path: "/x", From: "/y"}}}
		assert.NoError(t, d2.Validate(64))
	}
}

// TestEncodeProducesCanonicalKeyOrderRegardlessOfObjectFieldOrder covers
// spec §4.6's requirement that identical content always hashes identically.
func TestEncodeProducesCanonicalKeyOrderRegardlessOfObjectFieldOrder(t *testing.T) {
	a := &delta.Delta{Ops: []delta.Op{{Op: "add", Path: "/x", Value: rawVal(`{"b":1,"a":2}`)}}}
	b := &delta.Delta{Ops: []delta.Op{{Op: "add", Path: "/x", Value: rawVal(`{"a":2,"b":1}`)}}}

	encA, err := a.Encode()
	require.NoError(t, err)
	encB, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(encA), string(encB))
}

// TestEncodeEmptyOpsProducesEmptyArray covers the zero-ops case the receipt
// chain's seal step relies on.
func TestEncodeEmptyOpsProducesEmptyArray(t *testing.T) {
	d := &delta.Delta{}
	enc, err := d.Encode()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(enc))
}

// TestApplyMutatesDocumentViaJSONPatch covers the delta's actual effect on
// a case's bound-variable document.
func TestApplyMutatesDocumentViaJSONPatch(t *testing.T) {
	doc := []byte(`{"status":"pending"}`)
	d := &delta.Delta{Ops: []delta.Op{{Op: "replace", Path: "/status", Value: rawVal(`"done"`)}}}

	out, err := d.Apply(doc)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "done", got["status"])
}

// TestApplyFailsWholeDeltaOnInapplicableOp covers "fails the whole delta
// rather than applying a prefix": a remove of a field that isn't present
// must not leave the document partially patched.
func TestApplyFailsWholeDeltaOnInapplicableOp(t *testing.T) {
	doc := []byte(`{"status":"pending"}`)
	d := &delta.Delta{Ops: []delta.Op{
		{Op: "replace", Path: "/status", Value: rawVal(`"done"`)},
		{Op: "remove", Path: "/missing"},
	}}

	_, err := d.Apply(doc)
	assert.Error(t, err)
}
