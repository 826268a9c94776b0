package receipt_test

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/knhk/engine/internal/delta"
	"github.com/knhk/engine/internal/receipt"
)

// receiptSnapshot is the golden-comparable projection of one chain link:
// just the fields spec §8's S6 scenario checks (merkle_root_i ==
// H(merkle_root_{i-1} || canonical(delta_i)), rooted at the genesis
// constant).
type receiptSnapshot struct {
	Seq        int64  `json:"seq"`
	PrevTip    string `json:"prev_tip"`
	MerkleRoot string `json:"merkle_root"`
	LogicHash  string `json:"logic_hash"`
	Committed  bool   `json:"committed"`
}

type chainSnapshot struct {
	Genesis  string             `json:"genesis"`
	Receipts []receiptSnapshot  `json:"receipts"`
}

// TestChainFiveOperationSequenceGolden drives spec §8's S6 scenario: five
// committed transactions against a fixed hook signature set, and checks
// the resulting chain byte-for-byte against a recorded golden fixture.
// The fixture was computed independently (sha256 over the same canonical
// delta encoding), so a match here certifies the chain's hashing, not just
// its own internal consistency.
func TestChainFiveOperationSequenceGolden(t *testing.T) {
	chain := receipt.NewChain("case-s6")
	sigs := []receipt.HookSignature{{ID: "guard", Mode: "PRE"}, {ID: "audit", Mode: "POST"}}

	var snap chainSnapshot
	snap.Genesis = receipt.GenesisTip
	require.Equal(t, chain.Tip(), receipt.GenesisTip)

	for i := 0; i < 5; i++ {
		d := &delta.Delta{
			TaskID:     "t",
			WorkItemID: "wi",
			Ops: []delta.Op{{
				Op:    "add",
				Path:  pathFor(i),
				Value: json.RawMessage(`true`),
			}},
		}
		r, err := chain.Append(int64(i+1), "wi", "t", d, sigs)
		require.NoError(t, err)
		snap.Receipts = append(snap.Receipts, receiptSnapshot{
			Seq: r.Seq, PrevTip: r.PrevTip, MerkleRoot: r.MerkleRoot,
			LogicHash: r.LogicHash, Committed: r.Committed,
		})
	}

	require.NoError(t, chain.Verify())

	out, err := json.MarshalIndent(snap, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "chain_s6", out)
}

func pathFor(i int) string {
	return "/step" + string(rune('0'+i))
}
