package workitem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knhk/engine/internal/engineerr"
	"github.com/knhk/engine/internal/expr"
	"github.com/knhk/engine/internal/workitem"
)

// TestTransitionFollowsLifecycleTable exhaustively walks the legal and
// illegal edges of spec §4.7's work-item state machine.
func TestTransitionFollowsLifecycleTable(t *testing.T) {
	cases := []struct {
		from workitem.Status
		to   workitem.Status
		ok   bool
	}{
		{workitem.StatusEnabled, workitem.StatusFired, true},
		{workitem.StatusEnabled, workitem.StatusCancelled, true},
		{workitem.StatusEnabled, workitem.StatusCompleted, false},
		{workitem.StatusFired, workitem.StatusExecuting, true},
		{workitem.StatusFired, workitem.StatusCompleted, false},
		{workitem.StatusFired, workitem.StatusCancelled, true},
		{workitem.StatusFired, workitem.StatusFailed, true},
		{workitem.StatusExecuting, workitem.StatusSuspended, true},
		{workitem.StatusExecuting, workitem.StatusCompleted, true},
		{workitem.StatusExecuting, workitem.StatusCancelled, true},
		{workitem.StatusExecuting, workitem.StatusFailed, true},
		{workitem.StatusSuspended, workitem.StatusExecuting, true},
		{workitem.StatusSuspended, workitem.StatusCompleted, false},
		{workitem.StatusCompleted, workitem.StatusExecuting, false},
		{workitem.StatusCancelled, workitem.StatusExecuting, false},
		{workitem.StatusFailed, workitem.StatusExecuting, false},
	}

	for _, c := range cases {
		got := workitem.CanTransition(c.from, c.to)
		assert.Equal(t, c.ok, got, "CanTransition(%s, %s)", c.from, c.to)

		wi := &workitem.WorkItem{ID: "wi-1", Status: c.from}
		err := wi.Transition(c.to)
		if c.ok {
			assert.NoError(t, err)
			assert.Equal(t, c.to, wi.Status)
		} else {
			assert.Error(t, err)
			assert.True(t, engineerr.Is(err, engineerr.InvalidOperation))
			assert.Equal(t, c.from, wi.Status, "a rejected transition must not mutate status")
		}
	}
}

// TestIsTerminalMatchesOnlyCompletedCancelledFailed covers the terminal
// classification every other module (casemgr completion check,
// compensation) relies on.
func TestIsTerminalMatchesOnlyCompletedCancelledFailed(t *testing.T) {
	terminal := []workitem.Status{workitem.StatusCompleted, workitem.StatusCancelled, workitem.StatusFailed}
	nonTerminal := []workitem.Status{workitem.StatusEnabled, workitem.StatusFired, workitem.StatusExecuting, workitem.StatusSuspended}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

// TestResolveBindingsCoercesEveryBinding covers the success path of spec
// §4.7's binding resolution against a case/work-item context.
func TestResolveBindingsCoercesEveryBinding(t *testing.T) {
	ev, err := expr.New()
	require.NoError(t, err)

	bindings := []workitem.Binding{
		{Name: "amount", Expression: "output.amount", Type: expr.BindInteger},
		{Name: "approved", Expression: "true", Type: expr.BindBoolean},
	}
	ctx := expr.Context{Output: map[string]any{"amount": int64(42)}}

	out, err := workitem.ResolveBindings(ev, bindings, ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["amount"])
	assert.Equal(t, true, out["approved"])
}

// TestResolveBindingsAbortsWholeResolutionOnFirstFailure covers spec
// §4.7's "partial binding resolution is unsound" rule: one bad binding
// fails the set rather than returning the bindings that did resolve.
func TestResolveBindingsAbortsWholeResolutionOnFirstFailure(t *testing.T) {
	ev, err := expr.New()
	require.NoError(t, err)

	bindings := []workitem.Binding{
		{Name: "ok", Expression: "42", Type: expr.BindInteger},
		{Name: "bad", Expression: "output.missing.nested.path(", Type: expr.BindInteger},
	}
	ctx := expr.Context{Output: map[string]any{}}

	out, err := workitem.ResolveBindings(ev, bindings, ctx)
	assert.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, engineerr.Is(err, engineerr.BindingFailure))
}

// TestResolveBindingsStrictTypeMismatchFails covers spec §4.2's stricter
// strict-binding default.
func TestResolveBindingsStrictTypeMismatchFails(t *testing.T) {
	ev, err := expr.New()
	require.NoError(t, err)

	bindings := []workitem.Binding{
		{Name: "amount", Expression: "\"not-a-number\"", Type: expr.BindInteger, Strict: true},
	}
	_, err = workitem.ResolveBindings(ev, bindings, expr.Context{})
	assert.Error(t, err)
}
