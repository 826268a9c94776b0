package receipt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knhk/engine/internal/delta"
	"github.com/knhk/engine/internal/receipt"
)

func opsDelta(taskID, workItemID string, n int) *delta.Delta {
	d := &delta.Delta{TaskID: taskID, WorkItemID: workItemID}
	for i := 0; i < n; i++ {
		d.Ops = append(d.Ops, delta.Op{Op: "add", Path: "/x", Value: []byte(`1`)})
	}
	return d
}

// TestChainStartsAtGenesisTip covers spec §4.6's fixed genesis constant.
func TestChainStartsAtGenesisTip(t *testing.T) {
	c := receipt.NewChain("case-1")
	assert.Equal(t, receipt.GenesisTip, c.Tip())
	assert.Equal(t, 0, c.Len())
}

// TestAppendLinksMerkleRootToPrevTip covers the core receipt chain
// invariant: merkle_root = H(prev_tip || delta bytes).
func TestAppendLinksMerkleRootToPrevTip(t *testing.T) {
	c := receipt.NewChain("case-1")
	genesisTip := c.Tip()

	r1, err := c.Append(1, "wi-1", "t1", opsDelta("t1", "wi-1", 1), nil)
	require.NoError(t, err)
	assert.Equal(t, genesisTip, r1.PrevTip)
	assert.Equal(t, int64(1), r1.Seq)
	assert.Equal(t, c.Tip(), r1.MerkleRoot)

	r2, err := c.Append(2, "wi-2", "t2", opsDelta("t2", "wi-2", 1), nil)
	require.NoError(t, err)
	assert.Equal(t, r1.MerkleRoot, r2.PrevTip)
	assert.Equal(t, int64(2), r2.Seq)

	require.NoError(t, c.Verify())
}

// TestVerifyDetectsTamperedDelta covers spec §8's tamper-evidence property:
// mutating a recorded delta's bytes after the fact breaks verification.
func TestVerifyDetectsTamperedDelta(t *testing.T) {
	c := receipt.NewChain("case-1")
	_, err := c.Append(1, "wi-1", "t1", opsDelta("t1", "wi-1", 1), nil)
	require.NoError(t, err)

	entries := c.Range(1, 1)
	require.Len(t, entries, 1)
	entries[0].DeltaBytes = append(entries[0].DeltaBytes, 'X')

	assert.Error(t, c.Verify())
}

// TestLogicHashIsOrderIndependent covers spec §8's "hook determinism"
// property: the same set of hooks produces the same logic_hash regardless
// of the order signatures were collected in.
func TestLogicHashIsOrderIndependent(t *testing.T) {
	a := []receipt.HookSignature{{ID: "h1", Mode: "PRE"}, {ID: "h2", Mode: "POST"}}
	b := []receipt.HookSignature{{ID: "h2", Mode: "POST"}, {ID: "h1", Mode: "PRE"}}
	assert.Equal(t, receipt.ComputeLogicHash(a), receipt.ComputeLogicHash(b))
}

// TestLogicHashChangesWithDifferentHookSet covers the complementary half:
// a different hook set must not collide.
func TestLogicHashChangesWithDifferentHookSet(t *testing.T) {
	a := []receipt.HookSignature{{ID: "h1", Mode: "PRE"}}
	b := []receipt.HookSignature{{ID: "h1", Mode: "PRE"}, {ID: "h2", Mode: "PRE"}}
	assert.NotEqual(t, receipt.ComputeLogicHash(a), receipt.ComputeLogicHash(b))
}

// TestRangeIsInclusiveAndAscending covers the audit range query.
func TestRangeIsInclusiveAndAscending(t *testing.T) {
	c := receipt.NewChain("case-1")
	for i := 0; i < 5; i++ {
		_, err := c.Append(int64(i), "wi", "t", opsDelta("t", "wi", 1), nil)
		require.NoError(t, err)
	}
	got := c.Range(2, 4)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{2, 3, 4}, []int64{got[0].Seq, got[1].Seq, got[2].Seq})
}

// TestShouldRotateAtThreshold covers FM-HOOK-009's receipt-exhaustion
// rotation trigger.
func TestShouldRotateAtThreshold(t *testing.T) {
	c := receipt.NewChain("case-1")
	for i := 0; i < 3; i++ {
		_, err := c.Append(int64(i), "wi", "t", opsDelta("t", "wi", 1), nil)
		require.NoError(t, err)
	}
	assert.False(t, c.ShouldRotate(4))
	assert.True(t, c.ShouldRotate(3))
}
