// Package receipt implements the tamper-evident chain of spec §4.6 (C6):
// every applied delta is hashed into a receipt linked to the previous
// chain tip, with a logic_hash binding the receipt to the exact set of
// hooks that ran. Chain membership ordering follows the teacher's
// patch_chain.go sequencing model (a monotonic seq per chain), adapted
// from a separately-materialized lookup table into the receipt's own Seq
// field.
package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/knhk/engine/internal/delta"
	"github.com/knhk/engine/internal/engineerr"
)

// GenesisTip is the fixed starting hash of every chain, computed once
// from the genesis constant named in spec §4.6.
var GenesisTip = hashHex([]byte("KNHK"))

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Receipt is one link in a case's receipt chain.
type Receipt struct {
	Seq        int64
	CaseID     string
	TxID       int64
	WorkItemID string
	TaskID     string
	PrevTip    string
	MerkleRoot string
	LogicHash  string
	DeltaBytes []byte
	Committed  bool
	Error      string
}

// HookSignature identifies one hook that participated in producing a
// receipt, by id and mode, so the logic_hash changes whenever the set of
// hooks bound to a task changes (spec §8's "hook determinism" property).
type HookSignature struct {
	ID   string
	Mode string
}

// ComputeLogicHash hashes the sorted (mode, id) pairs of every hook that
// ran for a transaction, so the result is independent of registration or
// execution order.
func ComputeLogicHash(sigs []HookSignature) string {
	sorted := append([]HookSignature(nil), sigs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Mode != sorted[j].Mode {
			return sorted[i].Mode < sorted[j].Mode
		}
		return sorted[i].ID < sorted[j].ID
	})
	var buf []byte
	for _, s := range sorted {
		buf = append(buf, []byte(s.Mode+":"+s.ID+"\n")...)
	}
	return hashHex(buf)
}

// Chain is the append-only, single-writer receipt chain for one case.
type Chain struct {
	mu      sync.Mutex
	caseID  string
	tip     string
	entries []*Receipt
}

// NewChain starts a fresh chain at the genesis tip.
func NewChain(caseID string) *Chain {
	return &Chain{caseID: caseID, tip: GenesisTip}
}

// Tip returns the current chain tip hash.
func (c *Chain) Tip() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

// Len returns the number of receipts recorded so far.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Append computes and records the next receipt: merkle_root =
// H(prev_tip || canonical delta bytes), and advances the tip to that
// root. The caller already holds the case lock per spec §5's locking
// discipline (case lock before receipt-tip lock), so Append only guards
// the tip itself.
func (c *Chain) Append(txID int64, workItemID, taskID string, d *delta.Delta, sigs []HookSignature) (*Receipt, error) {
	encoded, err := d.Encode()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ValidationFailure, workItemID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prevTip := c.tip
	root := hashHex(append([]byte(prevTip), encoded...))

	r := &Receipt{
		Seq:        int64(len(c.entries)) + 1,
		CaseID:     c.caseID,
		TxID:       txID,
		WorkItemID: workItemID,
		TaskID:     taskID,
		PrevTip:    prevTip,
		MerkleRoot: root,
		LogicHash:  ComputeLogicHash(sigs),
		DeltaBytes: encoded,
		Committed:  true,
	}
	c.entries = append(c.entries, r)
	c.tip = root
	return r, nil
}

// Reject builds the receipt for an aborted transaction (spec §4.5 step 2:
// a PRE-hook guard returning false) without advancing the tip or recording
// an entry: merkle_root is still H(prev_tip || delta) over whatever was
// attempted, so a verifier can see exactly what was rejected, but
// Committed is false and the chain is unaffected.
func (c *Chain) Reject(txID int64, workItemID, taskID string, d *delta.Delta, sigs []HookSignature, reason string) (*Receipt, error) {
	if d == nil {
		d = &delta.Delta{TaskID: taskID, WorkItemID: workItemID}
	}
	encoded, err := d.Encode()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ValidationFailure, workItemID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prevTip := c.tip
	root := hashHex(append([]byte(prevTip), encoded...))
	return &Receipt{
		Seq:        int64(len(c.entries)) + 1,
		CaseID:     c.caseID,
		TxID:       txID,
		WorkItemID: workItemID,
		TaskID:     taskID,
		PrevTip:    prevTip,
		MerkleRoot: root,
		LogicHash:  ComputeLogicHash(sigs),
		DeltaBytes: encoded,
		Committed:  false,
		Error:      reason,
	}, nil
}

// Verify walks the chain from genesis and confirms every link's
// merkle_root matches H(prev_tip || delta) and that seq/prev_tip form an
// unbroken sequence (spec §8's "total receipt order" and "round-trip"
// properties).
func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := GenesisTip
	for i, r := range c.entries {
		if r.Seq != int64(i)+1 {
			return fmt.Errorf("receipt: chain %s broken sequence at index %d: seq=%d", c.caseID, i, r.Seq)
		}
		if r.PrevTip != prev {
			return fmt.Errorf("receipt: chain %s tip mismatch at seq %d", c.caseID, r.Seq)
		}
		want := hashHex(append([]byte(r.PrevTip), r.DeltaBytes...))
		if want != r.MerkleRoot {
			return fmt.Errorf("receipt: chain %s merkle mismatch at seq %d", c.caseID, r.Seq)
		}
		prev = r.MerkleRoot
	}
	return nil
}

// Range returns receipts with seq in [from, to], inclusive, ascending.
func (c *Chain) Range(from, to int64) []*Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Receipt
	for _, r := range c.entries {
		if r.Seq >= from && r.Seq <= to {
			out = append(out, r)
		}
	}
	return out
}

// ShouldRotate reports whether the chain has accumulated enough receipts
// to warrant rotation into cold storage (FM-HOOK-009, spec §4.6).
func (c *Chain) ShouldRotate(maxBeforeRotation int) bool {
	return c.Len() >= maxBeforeRotation
}
