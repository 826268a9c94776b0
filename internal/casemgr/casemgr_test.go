package casemgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knhk/engine/internal/casemgr"
	"github.com/knhk/engine/internal/expr"
	"github.com/knhk/engine/internal/idgen"
	"github.com/knhk/engine/internal/logging"
	"github.com/knhk/engine/internal/marking"
	"github.com/knhk/engine/internal/netmodel"
	"github.com/knhk/engine/internal/netrunner"
	"github.com/knhk/engine/internal/workitem"
)

func newManager(t *testing.T) *casemgr.Manager {
	t.Helper()
	return casemgr.NewManager(logging.Nop(), idgen.NewTxCounter())
}

func emptyNet() *netmodel.Net {
	return &netmodel.Net{
		ID:     "n1",
		Input:  "in",
		Output: "out",
		Conditions: map[string]*netmodel.Condition{
			"in":  {ID: "in"},
			"out": {ID: "out"},
		},
		Tasks: map[string]*netmodel.Task{},
	}
}

func newCase(t *testing.T, m *casemgr.Manager) *casemgr.Case {
	t.Helper()
	ev, err := expr.New()
	require.NoError(t, err)
	runner := netrunner.New(emptyNet(), ev)
	return m.Create("spec-1", runner)
}

// TestCreateSeedsFreshCollaborators covers that every new case starts with
// non-nil compensation/retry/receipt-chain/MI collaborators ready to use.
func TestCreateSeedsFreshCollaborators(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)

	assert.Equal(t, casemgr.StatusRunning, c.Status)
	assert.NotNil(t, c.Chain)
	assert.NotNil(t, c.Compensate)
	assert.NotNil(t, c.Retries)
	assert.NotNil(t, c.MI)
	assert.NotNil(t, c.WorkItems)

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Same(t, c, got)
}

// TestGetUnknownCaseFails covers the not-found path.
func TestGetUnknownCaseFails(t *testing.T) {
	m := newManager(t)
	_, err := m.Get("does-not-exist")
	assert.Error(t, err)
}

// TestStartPlacesRootToken covers the Start lifecycle step.
func TestStartPlacesRootToken(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)

	require.NoError(t, m.Start(c.ID))
	assert.True(t, c.Runner.Marking().Has("in"))
}

// TestSuspendResumeRoundTrip covers the suspend/resume lateral transitions.
func TestSuspendResumeRoundTrip(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)

	require.NoError(t, m.Suspend(c.ID))
	assert.Equal(t, casemgr.StatusSuspended, c.Status)

	require.NoError(t, m.Resume(c.ID))
	assert.Equal(t, casemgr.StatusRunning, c.Status)
}

// TestSuspendRejectsNonRunningCase covers the lifecycle guard: only a
// running case may be suspended.
func TestSuspendRejectsNonRunningCase(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)
	require.NoError(t, m.Suspend(c.ID))
	assert.Error(t, m.Suspend(c.ID), "suspending an already-suspended case is invalid")
}

// TestCancelIsAtomicAcrossWorkItemsAndMarking covers spec §8's
// cancellation atomicity property: every non-terminal work item is
// cancelled and every held token cleared within a single call.
func TestCancelIsAtomicAcrossWorkItemsAndMarking(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)
	require.NoError(t, m.Start(c.ID))

	c.WorkItems["wi-1"] = &workitem.WorkItem{ID: "wi-1", Status: workitem.StatusFired}
	c.WorkItems["wi-2"] = &workitem.WorkItem{ID: "wi-2", Status: workitem.StatusCompleted}

	require.NoError(t, m.Cancel(c.ID))

	assert.Equal(t, casemgr.StatusCancelled, c.Status)
	assert.Equal(t, workitem.StatusCancelled, c.WorkItems["wi-1"].Status)
	assert.Equal(t, workitem.StatusCompleted, c.WorkItems["wi-2"].Status, "an already-terminal work item is left alone")
	assert.Empty(t, c.Runner.Marking().MarkedConditions(), "every held token must be cleared")
}

// TestCancelRejectsAlreadyTerminalCase covers that cancelling a terminal
// case is an invalid operation rather than a silent no-op.
func TestCancelRejectsAlreadyTerminalCase(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)
	require.NoError(t, m.Cancel(c.ID))
	assert.Error(t, m.Cancel(c.ID))
}

// TestCheckCompletionRequiresOutputTokenAndTerminalWorkItems covers the
// completion policy's two joint conditions.
func TestCheckCompletionRequiresOutputTokenAndTerminalWorkItems(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)

	done, err := m.CheckCompletion(c.ID)
	require.NoError(t, err)
	assert.False(t, done, "an empty marking has not reached the output condition")

	c.Runner.Marking().Place("out", &marking.Token{ID: idgen.New()})
	c.WorkItems["wi-1"] = &workitem.WorkItem{ID: "wi-1", Status: workitem.StatusExecuting}

	done, err = m.CheckCompletion(c.ID)
	require.NoError(t, err)
	assert.False(t, done, "an in-flight work item blocks completion even with the output token present")

	c.WorkItems["wi-1"].Status = workitem.StatusCompleted
	done, err = m.CheckCompletion(c.ID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, casemgr.StatusCompleted, c.Status)
}

// TestCheckCompletionOnNonRunningCaseReportsStatusWithoutMutating covers
// the short-circuit for a case that is already terminal or suspended.
func TestCheckCompletionOnNonRunningCaseReportsStatusWithoutMutating(t *testing.T) {
	m := newManager(t)
	c := newCase(t, m)
	require.NoError(t, m.Suspend(c.ID))

	done, err := m.CheckCompletion(c.ID)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, casemgr.StatusSuspended, c.Status, "a suspended case must not be flipped to completed")
}

// TestNextTxIsMonotonic covers the transaction id allocator every mediated
// operation relies on for receipt ordering.
func TestNextTxIsMonotonic(t *testing.T) {
	m := newManager(t)
	a := m.NextTx()
	b := m.NextTx()
	assert.Less(t, a, b)
}
