package hooks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knhk/engine/internal/delta"
	"github.com/knhk/engine/internal/hooks"
	"github.com/knhk/engine/internal/logging"
	"github.com/knhk/engine/internal/receipt"
)

// fakeHook is a Hook whose guard and delta are both configurable, so tests
// can drive every branch of the pipeline without a real binding evaluator.
type fakeHook struct {
	id      string
	guard   bool
	guardErr error
	ops     []delta.Op
	calls   *[]string
}

func (h *fakeHook) ID() string { return h.id }

func (h *fakeHook) Evaluate(ctx context.Context, tx hooks.TxContext) (bool, error) {
	if h.calls != nil {
		*h.calls = append(*h.calls, h.id)
	}
	return h.guard, h.guardErr
}

func (h *fakeHook) Apply(ctx context.Context, tx hooks.TxContext) (*delta.Delta, error) {
	if len(h.ops) == 0 {
		return nil, nil
	}
	return &delta.Delta{TaskID: tx.TaskID, WorkItemID: tx.WorkItemID, Ops: h.ops}, nil
}

type recordingApplier struct {
	applied []*delta.Delta
}

func (a *recordingApplier) Apply(ctx context.Context, caseID string, d *delta.Delta) error {
	a.applied = append(a.applied, d)
	return nil
}

func addOp(path string) delta.Op {
	return delta.Op{Op: "add", Path: path, Value: []byte(`true`)}
}

func newPipeline(applier hooks.Applier) (*hooks.Registry, *hooks.Pipeline) {
	reg := hooks.NewRegistry()
	healer := hooks.NewHealer(hooks.DefaultHealingConfig(), logging.Nop())
	return reg, hooks.NewPipeline(reg, applier, healer, logging.Nop(), 64, 0)
}

// TestPipelineRunsHooksInPriorityThenIDOrder covers FM-HOOK-003 /
// spec §4.5's deterministic ordering guarantee.
func TestPipelineRunsHooksInPriorityThenIDOrder(t *testing.T) {
	var calls []string
	reg, p := newPipeline(&recordingApplier{})

	reg.Register(hooks.Registration{Hook: &fakeHook{id: "z", guard: true, calls: &calls}, Mode: hooks.PRE, Priority: 1})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "a", guard: true, calls: &calls}, Mode: hooks.PRE, Priority: 1})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "mid", guard: true, calls: &calls}, Mode: hooks.PRE, Priority: 0})

	chain := receipt.NewChain("case-1")
	res, err := p.Run(context.Background(), chain, 1, hooks.TxContext{CaseID: "case-1", TaskID: "t"})
	require.NoError(t, err)
	require.False(t, res.Rejected)

	assert.Equal(t, []string{"mid", "a", "z"}, calls)
}

// TestPipelineGuardRejectionLeavesNoSideEffects covers spec §8's "guard
// rejection leaves no side effects" property: a false PRE guard must abort
// before any delta is applied or receipt appended.
func TestPipelineGuardRejectionLeavesNoSideEffects(t *testing.T) {
	applier := &recordingApplier{}
	reg, p := newPipeline(applier)

	reg.Register(hooks.Registration{Hook: &fakeHook{id: "allow", guard: true, ops: []delta.Op{addOp("/x")}}, Mode: hooks.PRE, Priority: 0})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "deny", guard: false}, Mode: hooks.PRE, Priority: 1})

	chain := receipt.NewChain("case-1")
	res, err := p.Run(context.Background(), chain, 1, hooks.TxContext{CaseID: "case-1", TaskID: "t"})
	require.NoError(t, err)

	assert.True(t, res.Rejected)
	assert.Empty(t, applier.applied, "no delta should ever reach the applier on guard rejection")
	assert.Equal(t, 0, chain.Len(), "no receipt should be appended on guard rejection")

	require.NotNil(t, res.Receipt, "spec §4.5 step 2: a rejection still produces a receipt")
	assert.False(t, res.Receipt.Committed)
	assert.Contains(t, res.Receipt.Error, "deny")
	assert.Equal(t, chain.Tip(), res.Receipt.PrevTip, "tip must be unchanged by the rejection")
}

// TestPipelineAlwaysAppendsAReceiptEvenWithNoHooks covers spec §4.11: every
// mediated operation produces a receipt, even an empty-delta one.
func TestPipelineAlwaysAppendsAReceiptEvenWithNoHooks(t *testing.T) {
	_, p := newPipeline(&recordingApplier{})
	chain := receipt.NewChain("case-1")

	res, err := p.Run(context.Background(), chain, 1, hooks.TxContext{CaseID: "case-1", TaskID: "t"})
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.Equal(t, 1, chain.Len())
	require.NoError(t, chain.Verify())
}

// TestPipelineMergesPREAndPOSTDeltasIntoOneReceipt covers the merged-delta
// shape spec §4.5 describes: both passes' ops land in a single receipt.
func TestPipelineMergesPREAndPOSTDeltasIntoOneReceipt(t *testing.T) {
	applier := &recordingApplier{}
	reg, p := newPipeline(applier)

	reg.Register(hooks.Registration{Hook: &fakeHook{id: "pre", guard: true, ops: []delta.Op{addOp("/pre")}}, Mode: hooks.PRE, Priority: 0})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "post", guard: true, ops: []delta.Op{addOp("/post")}}, Mode: hooks.POST, Priority: 0})

	chain := receipt.NewChain("case-1")
	res, err := p.Run(context.Background(), chain, 1, hooks.TxContext{CaseID: "case-1", TaskID: "t"})
	require.NoError(t, err)
	require.False(t, res.Rejected)
	require.Len(t, applier.applied, 2, "PRE delta applies before POST delta")
	assert.Len(t, res.Delta.Ops, 2)
}

// TestPipelinePOSTGuardFailureNeverAbortsTheTransaction covers spec §4.5
// step 4 / §7: a POST hook whose guard returns false is logged and
// skipped, not treated as a rejection -- the PRE delta it follows has
// already been applied, so aborting here would mutate storage with no
// receipt ever appended.
func TestPipelinePOSTGuardFailureNeverAbortsTheTransaction(t *testing.T) {
	applier := &recordingApplier{}
	reg, p := newPipeline(applier)

	reg.Register(hooks.Registration{Hook: &fakeHook{id: "pre", guard: true, ops: []delta.Op{addOp("/pre")}}, Mode: hooks.PRE, Priority: 0})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "deny-post", guard: false}, Mode: hooks.POST, Priority: 0})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "allow-post", guard: true, ops: []delta.Op{addOp("/post")}}, Mode: hooks.POST, Priority: 1})

	chain := receipt.NewChain("case-1")
	res, err := p.Run(context.Background(), chain, 1, hooks.TxContext{CaseID: "case-1", TaskID: "t"})
	require.NoError(t, err)

	assert.False(t, res.Rejected)
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Committed)
	assert.Equal(t, 1, chain.Len(), "the transaction still commits despite the POST guard failure")
	require.Len(t, applier.applied, 2, "PRE delta applies, and the other POST hook still runs")
	assert.Len(t, res.Delta.Ops, 2, "the denied POST hook contributes no ops, the other POST hook still does")
}

// TestPipelinePOSTApplyErrorNeverAbortsTheTransaction covers the same
// guarantee for a POST hook whose Apply returns an error rather than its
// guard returning false.
func TestPipelinePOSTApplyErrorNeverAbortsTheTransaction(t *testing.T) {
	applier := &recordingApplier{}
	reg, p := newPipeline(applier)

	reg.Register(hooks.Registration{Hook: &failingApplyHook{id: "broken-post"}, Mode: hooks.POST, Priority: 0})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "allow-post", guard: true, ops: []delta.Op{addOp("/post")}}, Mode: hooks.POST, Priority: 1})

	chain := receipt.NewChain("case-1")
	res, err := p.Run(context.Background(), chain, 1, hooks.TxContext{CaseID: "case-1", TaskID: "t"})
	require.NoError(t, err)

	assert.False(t, res.Rejected)
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Committed)
	require.Len(t, applier.applied, 1, "only the surviving POST hook's delta applies")
}

// failingApplyHook always passes its guard but fails on Apply, used to
// exercise the POST Apply-error-is-skipped-not-aborted path.
type failingApplyHook struct{ id string }

func (h *failingApplyHook) ID() string { return h.id }
func (h *failingApplyHook) Evaluate(ctx context.Context, tx hooks.TxContext) (bool, error) {
	return true, nil
}
func (h *failingApplyHook) Apply(ctx context.Context, tx hooks.TxContext) (*delta.Delta, error) {
	return nil, assert.AnError
}

// TestRegistryOrderedFiltersByTaskID covers the per-task hook binding
// (spec §4.5: a hook registered for specific task ids only applies there).
func TestRegistryOrderedFiltersByTaskID(t *testing.T) {
	reg := hooks.NewRegistry()
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "scoped"}, Mode: hooks.PRE, TaskIDs: []string{"t1"}})
	reg.Register(hooks.Registration{Hook: &fakeHook{id: "global"}, Mode: hooks.PRE})

	ordered := reg.Ordered(hooks.PRE, "t1")
	assert.Len(t, ordered, 2)

	ordered = reg.Ordered(hooks.PRE, "t2")
	require.Len(t, ordered, 1)
	assert.Equal(t, "global", ordered[0].Hook.ID())
}
