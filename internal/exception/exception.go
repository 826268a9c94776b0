// Package exception implements the exception handling service of spec
// §4.10 (C10): a priority-ordered rule base matching failures to actions,
// per-work-item retry tracking, and a LIFO compensation stack.
package exception

import (
	"sort"
)

// Action is what the exception service does once a rule matches.
type Action string

const (
	ActionIgnore       Action = "ignore"
	ActionRetry        Action = "retry"
	ActionSkip         Action = "skip"
	ActionComplete     Action = "complete"
	ActionFail         Action = "fail"
	ActionCancelTask   Action = "cancel_task"
	ActionCancelCase   Action = "cancel_case"
	ActionSuspend      Action = "suspend"
	ActionEscalate     Action = "escalate"
	ActionCompensate   Action = "compensate"
)

// Rule matches a failure by kind (an engineerr.Kind string) and,
// optionally, a specific task id; rules are evaluated in ascending
// Priority order, first match wins.
type Rule struct {
	ID       string
	Priority int
	Kinds    []string // matches engineerr.Kind values; empty means any
	TaskID   string   // "" means any task
	Action   Action
	Params   map[string]any
}

func (r Rule) matches(kind, taskID string) bool {
	if r.TaskID != "" && r.TaskID != taskID {
		return false
	}
	if len(r.Kinds) == 0 {
		return true
	}
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RuleBase holds the exception rules for a specification.
type RuleBase struct {
	rules []Rule
}

func NewRuleBase(rules []Rule) *RuleBase {
	sorted := append([]Rule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &RuleBase{rules: sorted}
}

// Match returns the first rule matching kind/taskID, or nil.
func (rb *RuleBase) Match(kind, taskID string) *Rule {
	for i := range rb.rules {
		if rb.rules[i].matches(kind, taskID) {
			return &rb.rules[i]
		}
	}
	return nil
}

// RetryContext tracks retry attempts for one work item.
type RetryContext struct {
	WorkItemID string
	Attempts   int
	MaxRetries int
}

// ShouldRetry reports whether another attempt is permitted and, if so,
// records it.
func (rc *RetryContext) ShouldRetry() bool {
	if rc.Attempts >= rc.MaxRetries {
		return false
	}
	rc.Attempts++
	return true
}

// RetryTracker keys RetryContext by work item id.
type RetryTracker struct {
	contexts map[string]*RetryContext
}

func NewRetryTracker() *RetryTracker {
	return &RetryTracker{contexts: make(map[string]*RetryContext)}
}

func (t *RetryTracker) Get(workItemID string, maxRetries int) *RetryContext {
	rc, ok := t.contexts[workItemID]
	if !ok {
		rc = &RetryContext{WorkItemID: workItemID, MaxRetries: maxRetries}
		t.contexts[workItemID] = rc
	}
	return rc
}

func (t *RetryTracker) Clear(workItemID string) {
	delete(t.contexts, workItemID)
}

// CompensationEntry is one pushed compensation action, recorded when its
// originating task completes.
type CompensationEntry struct {
	TaskID     string
	WorkItemID string
	Handler    string // identifies the compensating action/hook to invoke
	Data       map[string]any
}

// CompensationStack is a case's LIFO record of completed, compensatable
// tasks.
type CompensationStack struct {
	entries []CompensationEntry
}

func NewCompensationStack() *CompensationStack {
	return &CompensationStack{}
}

// Push records a task completion as compensatable.
func (s *CompensationStack) Push(e CompensationEntry) {
	s.entries = append(s.entries, e)
}

// CompensateAll pops and returns every entry, most-recent first.
func (s *CompensationStack) CompensateAll() []CompensationEntry {
	out := make([]CompensationEntry, len(s.entries))
	for i := range s.entries {
		out[i] = s.entries[len(s.entries)-1-i]
	}
	s.entries = nil
	return out
}

// CompensateTo pops entries down to, but not including, the first entry
// matching taskID (spec §4.10: "compensate_to" stops before the named
// task so a caller can re-drive it separately).
func (s *CompensationStack) CompensateTo(taskID string) []CompensationEntry {
	var out []CompensationEntry
	for len(s.entries) > 0 {
		top := s.entries[len(s.entries)-1]
		if top.TaskID == taskID {
			break
		}
		out = append(out, top)
		s.entries = s.entries[:len(s.entries)-1]
	}
	return out
}

// Len reports how many compensatable entries remain.
func (s *CompensationStack) Len() int {
	return len(s.entries)
}
