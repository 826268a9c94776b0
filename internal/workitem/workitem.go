// Package workitem implements the work-item lifecycle of spec §4.7 (C7):
// the state machine governing a single offer of a task firing to a
// performer, and binding resolution via the expression evaluator.
package workitem

import (
	"fmt"

	"github.com/knhk/engine/internal/engineerr"
	"github.com/knhk/engine/internal/expr"
)

// Status is a work item's lifecycle state (spec §4.7's state machine).
type Status string

const (
	StatusEnabled   Status = "enabled"
	StatusFired     Status = "fired"
	StatusExecuting Status = "executing"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

var transitions = map[Status]map[Status]bool{
	StatusEnabled:   {StatusFired: true, StatusCancelled: true},
	StatusFired:     {StatusExecuting: true, StatusCancelled: true, StatusFailed: true},
	StatusExecuting: {StatusSuspended: true, StatusCompleted: true, StatusCancelled: true, StatusFailed: true},
	StatusSuspended: {StatusExecuting: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusFailed:    {},
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	return ok && next[to]
}

// Binding describes one named input or output parameter resolved via an
// expression against the work item's context.
type Binding struct {
	Name       string
	Expression string
	Type       expr.BindingType
	Strict     bool
}

// WorkItem is one offered instance of a task firing.
type WorkItem struct {
	ID         string
	CaseID     string
	TaskID     string
	Status     Status
	Resource   string // assigned performer id, "" if unassigned
	Input      map[string]any
	Output     map[string]any
	ParentID   string // set for multi-instance children
}

// Transition moves the work item to `to`, rejecting illegal transitions
// with InvalidOperation (spec §7).
func (w *WorkItem) Transition(to Status) error {
	if !CanTransition(w.Status, to) {
		return engineerr.New(engineerr.InvalidOperation, w.ID,
			fmt.Sprintf("cannot transition from %s to %s", w.Status, to))
	}
	w.Status = to
	return nil
}

// ResolveBindings evaluates every binding against ctx and returns the
// coerced values keyed by binding name. A BindingFailure aborts the whole
// resolution; spec §4.7 treats partial binding resolution as unsound.
func ResolveBindings(ev *expr.Evaluator, bindings []Binding, ctx expr.Context) (map[string]any, error) {
	out := make(map[string]any, len(bindings))
	for _, b := range bindings {
		val, err := ev.Evaluate(b.Expression, ctx)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.BindingFailure, b.Name, err)
		}
		coerced, err := expr.CoerceTo(val, b.Type, b.Strict)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.BindingFailure, b.Name, err)
		}
		out[b.Name] = coerced
	}
	return out, nil
}
