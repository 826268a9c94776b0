// Package netrunner implements the Petri-net interpreter of spec §4.3
// (C3): enabling rules per join type, the firing rule, OR-join soundness
// via backward reachability, and deterministic enabled-task ordering.
package netrunner

import (
	"sort"

	"github.com/knhk/engine/internal/engineerr"
	"github.com/knhk/engine/internal/expr"
	"github.com/knhk/engine/internal/idgen"
	"github.com/knhk/engine/internal/marking"
	"github.com/knhk/engine/internal/netmodel"
)

// EnabledTask is one task the scan found ready to fire, along with the
// flows whose predicates evaluated true (the branch it would take).
type EnabledTask struct {
	TaskID       string
	ConsumeFrom  []string // condition ids that would be consumed
	ActiveFlows  []*netmodel.Flow
}

// Runner interprets a single net instance over its own Marking.
type Runner struct {
	net     *netmodel.Net
	marking *marking.Marking
	eval    *expr.Evaluator

	// orActive[taskID] is the set of condition ids backward-reachable from
	// the OR-join task without passing through it -- the candidate set
	// spec §4.3.3 requires be fully resolved (empty or token-bearing)
	// before an OR-join may fire.
	orActive map[string]map[string]bool
}

// New builds a runner over net, starting from an empty marking.
func New(net *netmodel.Net, eval *expr.Evaluator) *Runner {
	r := &Runner{
		net:     net,
		marking: marking.New(),
		eval:    eval,
	}
	r.precomputeORActive()
	return r
}

// Marking exposes the runner's live token state (observation only; callers
// must not mutate tokens returned from it).
func (r *Runner) Marking() *marking.Marking { return r.marking }

// Net exposes the static net this runner interprets.
func (r *Runner) Net() *netmodel.Net { return r.net }

// precomputeORActive computes, for every OR-join task, the set of
// conditions that can reach it without passing through it -- the
// "upstream" set spec §4.3.3 calls active. This is static per net and
// computed once, not per firing.
func (r *Runner) precomputeORActive() {
	r.orActive = make(map[string]map[string]bool)
	for _, t := range r.net.Tasks {
		if t.Join != netmodel.JoinOR {
			continue
		}
		r.orActive[t.ID] = r.backwardSetExcluding(t.ID)
	}
}

// backwardSetExcluding returns every condition that can reach excludeTask
// by a path that does not pass through excludeTask itself.
func (r *Runner) backwardSetExcluding(excludeTask string) map[string]bool {
	seen := make(map[string]bool)
	var queue []string
	for _, cond := range r.net.IncomingFlows(excludeTask) {
		if !seen[cond.From] {
			seen[cond.From] = true
			queue = append(queue, cond.From)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range r.net.IncomingFlows(cur) {
			if f.From == excludeTask {
				continue
			}
			if !seen[f.From] {
				seen[f.From] = true
				queue = append(queue, f.From)
			}
		}
	}
	return seen
}

// Start places a single fresh token on the net's input condition.
func (r *Runner) Start() *marking.Token {
	tok := &marking.Token{ID: idgen.New()}
	r.marking.Place(r.net.Input, tok)
	return tok
}

// Enabled scans every task in deterministic order (task id ascending) and
// returns those whose join condition is currently satisfied.
func (r *Runner) Enabled(ctx func(taskID string) expr.Context) []EnabledTask {
	ids := make([]string, 0, len(r.net.Tasks))
	for id := range r.net.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []EnabledTask
	for _, id := range ids {
		t := r.net.Tasks[id]
		if et, ok := r.checkEnabled(t, ctx(id)); ok {
			out = append(out, et)
		}
	}
	return out
}

func (r *Runner) checkEnabled(t *netmodel.Task, ctx expr.Context) (EnabledTask, bool) {
	switch t.Join {
	case netmodel.JoinAND:
		return r.checkANDEnabled(t)
	case netmodel.JoinXOR:
		return r.checkXOREnabled(t)
	case netmodel.JoinOR:
		return r.checkOREnabled(t, ctx)
	default:
		return EnabledTask{}, false
	}
}

// checkANDEnabled requires a token on every incoming condition.
func (r *Runner) checkANDEnabled(t *netmodel.Task) (EnabledTask, bool) {
	for _, cond := range t.Incoming {
		if !r.marking.Has(cond) {
			return EnabledTask{}, false
		}
	}
	return EnabledTask{TaskID: t.ID, ConsumeFrom: append([]string(nil), t.Incoming...)}, true
}

// checkXOREnabled requires a token on any one incoming condition.
func (r *Runner) checkXOREnabled(t *netmodel.Task) (EnabledTask, bool) {
	for _, cond := range t.Incoming {
		if r.marking.Has(cond) {
			return EnabledTask{TaskID: t.ID, ConsumeFrom: []string{cond}}, true
		}
	}
	return EnabledTask{}, false
}

// checkOREnabled requires at least one marked incoming condition, AND
// every condition in the task's backward-active set that could still
// receive a token must be either marked or provably dead (spec §4.3.3):
// i.e. none of the upstream branches that have not yet resolved can still
// deposit a token here. We approximate "provably dead" conservatively as
// "not marked and has no enabled upstream task that could still mark it",
// which the OR-join soundness property (§8) requires to be re-evaluated
// at every scan rather than cached.
func (r *Runner) checkOREnabled(t *netmodel.Task, ctx expr.Context) (EnabledTask, bool) {
	var marked []string
	for _, cond := range t.Incoming {
		if r.marking.Has(cond) {
			marked = append(marked, cond)
		}
	}
	if len(marked) == 0 {
		return EnabledTask{}, false
	}

	active := r.orActive[t.ID]
	for cond := range active {
		if r.marking.Has(cond) {
			continue
		}
		if r.conditionStillReachable(cond, t.ID) {
			return EnabledTask{}, false
		}
	}
	return EnabledTask{TaskID: t.ID, ConsumeFrom: marked}, true
}

// conditionStillReachable reports whether an unmarked upstream condition
// could still receive a token from a currently-enabled task, without
// going through excludeTask. This is the core of OR-join soundness: an
// OR-join only fires once every branch that could still feed it has
// either delivered a token or become unreachable.
func (r *Runner) conditionStillReachable(cond, excludeTask string) bool {
	for _, f := range r.net.IncomingFlows(cond) {
		taskID := f.From
		if taskID == excludeTask {
			continue
		}
		task := r.net.Tasks[taskID]
		if task == nil {
			continue
		}
		if _, ok := r.checkEnabled(task, expr.Context{}); ok {
			return true
		}
		for _, inCond := range task.Incoming {
			if r.marking.Has(inCond) {
				return true
			}
			if r.conditionStillReachable(inCond, excludeTask) {
				return true
			}
		}
	}
	return false
}

// FireResult describes the effect of a single firing.
type FireResult struct {
	Consumed []*marking.Token
	Produced []*marking.Token
	Flows    []*netmodel.Flow

	// CancelledTasks are the task ids named in the firing task's
	// CancellationSet.Tasks (spec §4.3.2 step 2): the caller is responsible
	// for cancelling any still-active work item belonging to one of these
	// tasks. The tokens those tasks produced have already been removed.
	CancelledTasks []string
}

// Fire executes the firing rule for a task given the set of conditions to
// consume from (as returned by Enabled), and the evaluation context used
// to resolve split predicates. Tokens consumed are merged into a single
// composite token that is then split according to t.Split across the
// predicate-selected outgoing flows (spec §4.3.2).
func (r *Runner) Fire(t *netmodel.Task, consumeFrom []string, ctx expr.Context) (*FireResult, error) {
	var consumed []*marking.Token
	for _, cond := range consumeFrom {
		toks := r.marking.Clear(cond)
		consumed = append(consumed, toks...)
	}
	if len(consumed) == 0 {
		return nil, engineerr.New(engineerr.InvalidOperation, t.ID, "fire called with no tokens to consume")
	}
	return r.produce(t, consumed, ctx)
}

// FireProduceOnly performs only the production half of the firing rule,
// against tokens a caller already consumed itself. Multi-instance tasks
// (spec §4.4) consume their enabling tokens when their context is created
// but defer production until the context becomes completion-satisfied,
// which may be many transactions later; this lets the engine drive that
// split without re-deriving a consumed set from a marking that has long
// since moved on.
func (r *Runner) FireProduceOnly(t *netmodel.Task, consumed []*marking.Token, ctx expr.Context) (*FireResult, error) {
	if len(consumed) == 0 {
		return nil, engineerr.New(engineerr.InvalidOperation, t.ID, "fire called with no tokens to consume")
	}
	return r.produce(t, consumed, ctx)
}

func (r *Runner) produce(t *netmodel.Task, consumed []*marking.Token, ctx expr.Context) (*FireResult, error) {
	res := &FireResult{Consumed: consumed}
	parentID := consumed[0].ID

	outFlows, err := r.selectOutgoing(t, ctx)
	if err != nil {
		return nil, err
	}
	res.Flows = outFlows

	siblingIDs := make([]string, 0, len(outFlows))
	children := make([]*marking.Token, 0, len(outFlows))
	for range outFlows {
		children = append(children, &marking.Token{ID: idgen.New(), Parent: parentID})
	}
	for _, c := range children {
		siblingIDs = append(siblingIDs, c.ID)
	}
	for i, f := range outFlows {
		tok := children[i]
		tok.Siblings = siblingIDs
		r.marking.Place(f.To, tok)
		res.Produced = append(res.Produced, tok)
	}

	if t.Cancel != nil {
		for _, cond := range t.Cancel.Conditions {
			r.marking.Clear(cond)
		}
		for _, taskID := range t.Cancel.Tasks {
			if ct, ok := r.net.Tasks[taskID]; ok {
				for _, f := range r.net.OutgoingFlows(ct.ID) {
					r.marking.Clear(f.To)
				}
			}
			res.CancelledTasks = append(res.CancelledTasks, taskID)
		}
	}

	return res, nil
}

// selectOutgoing resolves which outgoing flows a firing task produces
// tokens on, per its split type.
func (r *Runner) selectOutgoing(t *netmodel.Task, ctx expr.Context) ([]*netmodel.Flow, error) {
	all := r.net.OutgoingFlows(t.ID)
	switch t.Split {
	case netmodel.SplitAND:
		return all, nil
	case netmodel.SplitXOR:
		for _, f := range all {
			if r.eval.EvaluateBoolean(f.Predicate, ctx) {
				return []*netmodel.Flow{f}, nil
			}
		}
		if len(all) > 0 {
			return []*netmodel.Flow{all[len(all)-1]}, nil
		}
		return nil, engineerr.New(engineerr.InvalidOperation, t.ID, "xor-split task has no outgoing flows")
	case netmodel.SplitOR:
		var chosen []*netmodel.Flow
		for _, f := range all {
			if r.eval.EvaluateBoolean(f.Predicate, ctx) {
				chosen = append(chosen, f)
			}
		}
		if len(chosen) == 0 && len(all) > 0 {
			chosen = []*netmodel.Flow{all[len(all)-1]}
		}
		return chosen, nil
	default:
		return nil, engineerr.New(engineerr.InvalidOperation, t.ID, "unknown split type")
	}
}

// IsCompleted reports whether the net's output condition holds a token.
func (r *Runner) IsCompleted() bool {
	return r.marking.Has(r.net.Output)
}

// IsDeadlocked reports whether no task is enabled and the net has not
// completed -- a conservative check driven by the same scan Enabled uses.
func (r *Runner) IsDeadlocked(ctx func(taskID string) expr.Context) bool {
	if r.IsCompleted() {
		return false
	}
	return len(r.Enabled(ctx)) == 0
}

// Snapshot exposes the current marking for persistence/inspection.
func (r *Runner) Snapshot() map[string][]string {
	return r.marking.Snapshot()
}
