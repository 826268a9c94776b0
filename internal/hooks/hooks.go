// Package hooks implements the deterministic PRE/POST mutation pipeline of
// spec §4.5 (C5): a registry of single-capability hooks, evaluated in
// priority-then-id order, producing a Delta that the engine applies
// between the PRE and POST passes and chains into a receipt.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/knhk/engine/internal/delta"
	"github.com/knhk/engine/internal/engineerr"
	"github.com/knhk/engine/internal/logging"
	"github.com/knhk/engine/internal/receipt"
)

// Mode is when in the task lifecycle a hook runs.
type Mode string

const (
	PRE  Mode = "PRE"
	POST Mode = "POST"
)

// TxContext is the read-only state a hook evaluates against: the task and
// work item firing, and the bindings produced so far in this transaction.
type TxContext struct {
	TxID       int64
	CaseID     string
	TaskID     string
	WorkItemID string
	Phase      Mode
	Bindings   map[string]any
}

// Hook is the single-capability interface spec §9 mandates in place of a
// polymorphic hook class hierarchy: evaluate the guard, and if it passes,
// produce the delta this hook contributes.
type Hook interface {
	ID() string
	Evaluate(ctx context.Context, tx TxContext) (bool, error)
	Apply(ctx context.Context, tx TxContext) (*delta.Delta, error)
}

// Registration binds a Hook to a mode and priority.
type Registration struct {
	Hook     Hook
	Mode     Mode
	Priority int
	TaskIDs  []string // empty means "applies to every task"
}

func (r Registration) appliesTo(taskID string) bool {
	if len(r.TaskIDs) == 0 {
		return true
	}
	for _, id := range r.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// Registry holds every registered hook and recomputes a deterministic
// total order (priority ascending, then hook id ascending -- FM-HOOK-003)
// whenever its membership changes.
type Registry struct {
	regs map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds or replaces a hook registration. Registration is
// idempotent on hook id: re-registering the same id overwrites it.
func (r *Registry) Register(reg Registration) {
	r.regs[reg.Hook.ID()] = reg
}

func (r *Registry) Unregister(hookID string) {
	delete(r.regs, hookID)
}

// Ordered returns every registration for (mode, taskID) sorted by
// priority ascending then hook id ascending.
func (r *Registry) Ordered(mode Mode, taskID string) []Registration {
	var out []Registration
	for _, reg := range r.regs {
		if reg.Mode == mode && reg.appliesTo(taskID) {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Hook.ID() < out[j].Hook.ID()
	})
	return out
}

// Count returns the total number of registered hooks, used by the rules-
// not-loaded self-healing check.
func (r *Registry) Count() int {
	return len(r.regs)
}

// Applier commits a delta to the storage collaborator. The pipeline
// itself stays storage-agnostic: it only decides whether a delta applies
// and what receipt it produces.
type Applier interface {
	Apply(ctx context.Context, caseID string, d *delta.Delta) error
}

// Pipeline runs the PRE/POST hook passes for one work-item transition and
// chains the resulting deltas into the case's receipt chain.
type Pipeline struct {
	registry    *Registry
	applier     Applier
	healer      *Healer
	log         *logging.Logger
	maxDeltaSize int
	hookTimeout time.Duration
}

func NewPipeline(registry *Registry, applier Applier, healer *Healer, log *logging.Logger, maxDeltaSize int, hookTimeout time.Duration) *Pipeline {
	return &Pipeline{
		registry:     registry,
		applier:      applier,
		healer:       healer,
		log:          log,
		maxDeltaSize: maxDeltaSize,
		hookTimeout:  hookTimeout,
	}
}

// Result is the outcome of running both hook passes for one transaction.
type Result struct {
	Delta    *delta.Delta
	Receipt  *receipt.Receipt
	Rejected bool
	Reason   string
}

// Run executes PRE hooks (any false guard aborts with no side effects),
// applies the accumulated delta, executes POST hooks, and returns the
// combined result. chain is the case's receipt chain; txID is the
// monotonic transaction id already allocated by the caller.
func (p *Pipeline) Run(ctx context.Context, chain *receipt.Chain, txID int64, tx TxContext) (*Result, error) {
	p.healer.ResetChainTracking()

	rulesLoaded := p.healer.CheckRulesLoaded(p.registry.Count())
	if rulesLoaded.FallbackUsed {
		p.log.Warn("hook rule set empty", "task_id", tx.TaskID)
	}

	preTx := tx
	preTx.Phase = PRE
	preDelta, sigs, err := p.runPass(ctx, preTx, true)
	if err != nil {
		if engineerr.Is(err, engineerr.GuardRejection) {
			r, rerr := chain.Reject(txID, tx.WorkItemID, tx.TaskID, preDelta, sigs, err.Error())
			if rerr != nil {
				return nil, rerr
			}
			return &Result{Rejected: true, Reason: err.Error(), Receipt: r}, nil
		}
		return nil, err
	}

	if preDelta != nil {
		if err := preDelta.Validate(p.maxDeltaSize); err != nil {
			return nil, err
		}
		healing := p.healer.CheckDeltaExplosion(len(preDelta.Ops))
		if healing.FallbackUsed && len(preDelta.Ops) > p.maxDeltaSize {
			preDelta.Ops = preDelta.Ops[:p.maxDeltaSize]
		}
		if err := p.applier.Apply(ctx, tx.CaseID, preDelta); err != nil {
			p.healer.RollbackCascade(err)
			return nil, engineerr.Wrap(engineerr.StorageFailure, tx.WorkItemID, err)
		}
	}

	postTx := tx
	postTx.Phase = POST
	// POST hook failures are logged but never abort the transaction (spec
	// §4.5 step 4, §7): by this point the PRE delta is already applied, so
	// aborting here would leave storage mutated with no receipt ever
	// appended. runPass with abortOnFailure=false cannot return an error.
	postDelta, postSigs, _ := p.runPass(ctx, postTx, false)
	sigs = append(sigs, postSigs...)

	if postDelta != nil {
		if err := postDelta.Validate(p.maxDeltaSize); err != nil {
			return nil, err
		}
		if err := p.applier.Apply(ctx, tx.CaseID, postDelta); err != nil {
			p.healer.RollbackCascade(err)
			return nil, engineerr.Wrap(engineerr.StorageFailure, tx.WorkItemID, err)
		}
	}

	merged := mergeDeltas(tx.TaskID, tx.WorkItemID, preDelta, postDelta)

	healingExhaustion := p.healer.CheckReceiptExhaustion()
	if healingExhaustion.ActionTaken != "" {
		p.log.Info("receipt healing", "fm", healingExhaustion.FMID, "action", healingExhaustion.ActionTaken)
	}

	r, err := chain.Append(txID, tx.WorkItemID, tx.TaskID, merged, sigs)
	if err != nil {
		return nil, err
	}

	return &Result{Delta: merged, Receipt: r}, nil
}

// runPass evaluates and applies every hook registered for (tx.Phase,
// tx.TaskID) in deterministic order. When abortOnFailure is true (the PRE
// pass), a guard returning false -- or any other hook failure -- aborts
// the whole pass with an error. The ops accumulated before the failure are
// returned for the rejection receipt but are never applied (spec §8's
// "guard rejection leaves no side effects" property); a failing Apply
// returns no delta at all. When it is false (the POST
// pass), a failing hook is logged and skipped instead: its failure never
// aborts the transaction, and every other registered hook still runs
// (spec §4.5 step 4, §7's POST-failure table).
func (p *Pipeline) runPass(ctx context.Context, tx TxContext, abortOnFailure bool) (*delta.Delta, []receipt.HookSignature, error) {
	regs := p.registry.Ordered(tx.Phase, tx.TaskID)
	if len(regs) == 0 {
		return nil, nil, nil
	}

	var ops []delta.Op
	var sigs []receipt.HookSignature
	ids := make([]string, 0, len(regs))
	for _, r := range regs {
		ids = append(ids, r.Hook.ID())
	}
	p.healer.BreakPriorityTie(ids)

	partial := func() *delta.Delta {
		if len(ops) == 0 {
			return nil
		}
		return &delta.Delta{TaskID: tx.TaskID, WorkItemID: tx.WorkItemID, Ops: append([]delta.Op(nil), ops...)}
	}

	skip := func(hookID string, err error) {
		p.log.Warn("post hook skipped", "hook_id", hookID, "task_id", tx.TaskID, "error", err)
	}

	for _, reg := range regs {
		hookID := reg.Hook.ID()
		healing, ok := p.healer.EnterChain(hookID)
		if !ok {
			if !abortOnFailure {
				skip(hookID, fmt.Errorf("%s", healing.OriginalError))
				continue
			}
			return partial(), sigs, engineerr.New(engineerr.GuardRejection, tx.WorkItemID, healing.OriginalError)
		}

		start := time.Now()
		runCtx := ctx
		var cancel context.CancelFunc
		if p.hookTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, p.hookTimeout)
		}
		ok2, err := reg.Hook.Evaluate(runCtx, tx)
		if cancel != nil {
			cancel()
		}
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		p.healer.CheckTimeout(hookID, elapsed)
		p.healer.ExitChain(hookID)

		if err != nil {
			if !abortOnFailure {
				skip(hookID, err)
				continue
			}
			if ctx.Err() != nil || runCtx.Err() != nil {
				return partial(), sigs, engineerr.Wrap(engineerr.HandlerTimeout, tx.WorkItemID, err)
			}
			return partial(), sigs, engineerr.Wrap(engineerr.BindingFailure, tx.WorkItemID, err)
		}
		if !ok2 {
			if !abortOnFailure {
				skip(hookID, fmt.Errorf("hook %s rejected transition", hookID))
				continue
			}
			return partial(), sigs, engineerr.New(engineerr.GuardRejection, tx.WorkItemID,
				fmt.Sprintf("hook %s rejected transition", hookID))
		}

		d, err := reg.Hook.Apply(ctx, tx)
		if err != nil {
			if !abortOnFailure {
				skip(hookID, err)
				continue
			}
			return nil, nil, engineerr.Wrap(engineerr.TaskFailure, tx.WorkItemID, err)
		}

		sigs = append(sigs, receipt.HookSignature{ID: hookID, Mode: string(tx.Phase)})
		if d != nil {
			ops = append(ops, d.Ops...)
		}
	}

	if len(ops) == 0 {
		return nil, sigs, nil
	}
	return &delta.Delta{TaskID: tx.TaskID, WorkItemID: tx.WorkItemID, Ops: ops}, sigs, nil
}

func mergeDeltas(taskID, workItemID string, deltas ...*delta.Delta) *delta.Delta {
	merged := &delta.Delta{TaskID: taskID, WorkItemID: workItemID}
	for _, d := range deltas {
		if d == nil {
			continue
		}
		merged.Ops = append(merged.Ops, d.Ops...)
	}
	return merged
}
