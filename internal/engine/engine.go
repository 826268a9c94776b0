// Package engine implements the façade of spec §4.11 (C11): the single
// public entry point mediating every state-changing operation through
// the hook pipeline, the case manager, the net runner, and the
// collaborators. Every public method returns a structured *engineerr.Error
// rather than panicking.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/knhk/engine/internal/casemgr"
	"github.com/knhk/engine/internal/collaborators"
	"github.com/knhk/engine/internal/delta"
	"github.com/knhk/engine/internal/engineerr"
	"github.com/knhk/engine/internal/exception"
	"github.com/knhk/engine/internal/expr"
	"github.com/knhk/engine/internal/hooks"
	"github.com/knhk/engine/internal/idgen"
	"github.com/knhk/engine/internal/logging"
	"github.com/knhk/engine/internal/marking"
	"github.com/knhk/engine/internal/mi"
	"github.com/knhk/engine/internal/netmodel"
	"github.com/knhk/engine/internal/netrunner"
	"github.com/knhk/engine/internal/receipt"
	"github.com/knhk/engine/internal/timer"
	"github.com/knhk/engine/internal/workitem"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentTimerDispatch bounds how many distinct cases' timer
// expiries the engine dispatches at once (spec §5: independent cases run
// in parallel, but dispatch must stay bounded like every other ingress).
const maxConcurrentTimerDispatch = 8

// storageApplier adapts a collaborators.Storage into hooks.Applier.
type storageApplier struct {
	storage collaborators.Storage
}

func (a storageApplier) Apply(ctx context.Context, caseID string, d *delta.Delta) error {
	return a.storage.Apply(ctx, caseID, d)
}

// Engine is the spec §4.11 façade: a specification registry, one case
// manager, the shared hook registry/pipeline, the timer service, and the
// collaborators everything else is mediated through.
type Engine struct {
	mu    sync.RWMutex
	specs map[string]*netmodel.Specification

	cases    *casemgr.Manager
	eval     *expr.Evaluator
	registry *hooks.Registry
	healer   *hooks.Healer
	pipeline *hooks.Pipeline
	timers   *timer.Service
	storage  collaborators.Storage
	bus      collaborators.EventBus
	rlog     collaborators.ReceiptLog
	log      *logging.Logger
	tx       *idgen.TxCounter
	excRules *exception.RuleBase

	maxDeltaSize int

	listeners []func(event string, payload map[string]any)

	timerDispatch *semaphore.Weighted
}

// Options configures a new Engine, the collaborators it is wired to, and
// its tunables (spec §6).
type Options struct {
	Storage       collaborators.Storage
	EventBus      collaborators.EventBus
	ReceiptLog    collaborators.ReceiptLog
	Logger        *logging.Logger
	MaxDeltaSize  int
	HookTimeout   time.Duration
	MaxChainDepth int
	MaxReceipts   int
}

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.MaxDeltaSize <= 0 {
		opts.MaxDeltaSize = 64
	}

	ev, err := expr.New()
	if err != nil {
		return nil, fmt.Errorf("engine: build expression evaluator: %w", err)
	}

	tx := idgen.NewTxCounter()
	registry := hooks.NewRegistry()
	healCfg := hooks.DefaultHealingConfig()
	healCfg.MaxChainDepth = opts.MaxChainDepth
	healCfg.MaxReceipts = opts.MaxReceipts
	healCfg.MaxDeltaMatches = opts.MaxDeltaSize
	if healCfg.MaxChainDepth == 0 {
		healCfg.MaxChainDepth = 10
	}
	if healCfg.MaxReceipts == 0 {
		healCfg.MaxReceipts = 1000
	}
	healer := hooks.NewHealer(healCfg, opts.Logger)

	applier := storageApplier{storage: opts.Storage}

	pipeline := hooks.NewPipeline(registry, applier, healer, opts.Logger, opts.MaxDeltaSize, opts.HookTimeout)

	e := &Engine{
		specs:        make(map[string]*netmodel.Specification),
		cases:        casemgr.NewManager(opts.Logger, tx),
		eval:         ev,
		registry:     registry,
		healer:       healer,
		pipeline:     pipeline,
		timers:       timer.NewService(opts.Logger),
		storage:      opts.Storage,
		bus:          opts.EventBus,
		rlog:         opts.ReceiptLog,
		log:          opts.Logger,
		tx:           tx,
		maxDeltaSize: opts.MaxDeltaSize,

		timerDispatch: semaphore.NewWeighted(maxConcurrentTimerDispatch),
	}
	return e, nil
}

// LoadSpec registers a specification, making it available for case
// creation. Re-loading the same identifier/version replaces it.
func (e *Engine) LoadSpec(spec *netmodel.Specification) error {
	for _, net := range spec.Nets {
		if err := net.Build(); err != nil {
			return engineerr.Wrap(engineerr.ValidationFailure, spec.Identifier, err)
		}
	}
	spec.Status = "loaded"

	e.mu.Lock()
	e.specs[spec.Identifier] = spec
	e.mu.Unlock()
	e.emit("spec.loaded", map[string]any{"spec_id": spec.Identifier})
	return nil
}

// ActivateSpec marks a loaded specification activated, the only state
// from which cases may be created (spec §4.11).
func (e *Engine) ActivateSpec(specID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.specs[specID]
	if !ok {
		return engineerr.New(engineerr.InvalidOperation, specID, "specification not loaded")
	}
	spec.Status = "activated"
	return nil
}

// UnloadSpec removes a loaded specification. It does not check whether
// any case still references it.
func (e *Engine) UnloadSpec(specID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.specs[specID]; !ok {
		return engineerr.New(engineerr.InvalidOperation, specID, "specification not loaded")
	}
	delete(e.specs, specID)
	return nil
}

// SetExceptionRules installs the priority-ordered rule base FailWorkItem
// consults to turn a reported failure into a retry, skip, compensation, or
// propagated failure (spec §4.10). A nil or empty rule base makes every
// failure propagate directly to StatusFailed.
func (e *Engine) SetExceptionRules(rules []exception.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.excRules = exception.NewRuleBase(rules)
}

// RegisterHook adds a hook to the shared registry.
func (e *Engine) RegisterHook(reg hooks.Registration) {
	e.registry.Register(reg)
}

func (e *Engine) UnregisterHook(hookID string) {
	e.registry.Unregister(hookID)
}

// Subscribe registers a best-effort listener for engine lifecycle events.
// Listeners run synchronously inside the emitting call, so a slow listener
// delays that call; a listener that panics is recovered and the panic is
// discarded.
func (e *Engine) Subscribe(fn func(event string, payload map[string]any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) emit(event string, payload map[string]any) {
	e.mu.RLock()
	listeners := append([]func(string, map[string]any){}, e.listeners...)
	e.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(event, payload)
		}()
	}
	if e.bus != nil {
		payload["event"] = event
		if raw, err := json.Marshal(payload); err == nil {
			e.bus.Publish(context.Background(), event, raw)
		}
	}
}

// CreateCase instantiates a new case against the root net of specID,
// which must be activated.
func (e *Engine) CreateCase(specID string) (*casemgr.Case, error) {
	e.mu.RLock()
	spec, ok := e.specs[specID]
	e.mu.RUnlock()
	if !ok {
		return nil, engineerr.New(engineerr.InvalidOperation, specID, "specification not loaded")
	}
	if spec.Status != "activated" {
		return nil, engineerr.New(engineerr.InvalidOperation, specID, "specification is not activated")
	}

	root := spec.Root()
	if root == nil {
		return nil, engineerr.New(engineerr.InvalidOperation, specID, "specification has no root net")
	}

	runner := netrunner.New(root, e.eval)
	c := e.cases.Create(specID, runner)
	e.emit("case.created", map[string]any{"case_id": c.ID, "spec_id": specID})
	return c, nil
}

// StartCase places the initial token and seals the start transaction. It
// does not fire any task and creates no work items: a task's work item is
// created only when the task is fired, by the caller (FireTask) or, for
// fully automated nets, by Advance.
func (e *Engine) StartCase(ctx context.Context, caseID string) error {
	if err := e.cases.Start(caseID); err != nil {
		return err
	}
	c, err := e.cases.Get(caseID)
	if err != nil {
		return err
	}
	res, err := e.seal(ctx, c, "", "case-start")
	if err != nil {
		return err
	}
	if res.Rejected {
		return engineerr.New(engineerr.GuardRejection, caseID, res.Reason)
	}
	e.emit("case.started", map[string]any{"case_id": caseID})
	return nil
}

// SuspendCase suspends a running case; its timers queue rather than fire.
func (e *Engine) SuspendCase(caseID string) error {
	if err := e.cases.Suspend(caseID); err != nil {
		return err
	}
	e.timers.Suspend(caseID)
	e.emit("case.suspended", map[string]any{"case_id": caseID})
	return nil
}

// ResumeCase resumes a suspended case and immediately applies any timer
// expiry that was queued while it was suspended (the resolved reading of
// spec §4.9).
func (e *Engine) ResumeCase(ctx context.Context, caseID string) error {
	if err := e.cases.Resume(caseID); err != nil {
		return err
	}
	fired := e.timers.Resume(caseID)
	e.emit("case.resumed", map[string]any{"case_id": caseID})
	for _, f := range fired {
		e.handleTimerFired(ctx, f)
	}
	return e.Advance(ctx, caseID)
}

// CancelCase atomically cancels a case: every non-terminal work item and
// every token in the marking is cleared in one step (spec §8 cancellation
// atomicity).
func (e *Engine) CancelCase(ctx context.Context, caseID string) error {
	if err := e.cases.Cancel(caseID); err != nil {
		return err
	}
	c, err := e.cases.Get(caseID)
	if err != nil {
		return err
	}
	res, err := e.seal(ctx, c, "", "case-cancel")
	if err != nil {
		return err
	}
	if res.Rejected {
		return engineerr.New(engineerr.GuardRejection, caseID, res.Reason)
	}
	e.emit("case.cancelled", map[string]any{"case_id": caseID})
	return nil
}

func caseExprCtx(c *casemgr.Case) func(taskID string) expr.Context {
	return func(taskID string) expr.Context {
		return expr.Context{Case: map[string]any{"id": c.ID}}
	}
}

// Advance scans for enabled tasks and fires every one a deterministic
// scheduler would pick -- lowest task id first -- looping until no task is
// enabled or the case completes. Spec §4.3.4 reserves the actual choice
// among several enabled tasks to the engine or caller, never the runner;
// this loop is that choice made concrete for fully-automated nets. Callers
// driving a net manually (an external performer deciding which offered
// task to act on) should call FireTask directly instead.
func (e *Engine) Advance(ctx context.Context, caseID string) error {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return err
	}

	for {
		c.Lock()
		if c.Status != casemgr.StatusRunning {
			c.Unlock()
			return nil
		}
		enabled := c.Runner.Enabled(caseExprCtx(c))
		if len(enabled) == 0 {
			c.Unlock()
			break
		}
		taskID := enabled[0].TaskID
		c.Unlock()

		if err := e.FireTask(ctx, caseID, taskID); err != nil {
			return err
		}
		if done, _ := e.cases.CheckCompletion(c.ID); done {
			return nil
		}
	}
	return e.completeIfDone(ctx, c)
}

// FireTask fires exactly the named task, which must currently be enabled
// (spec §4.3: NotEnabled/Unknown are the two ways this fails). Atomic and
// composite tasks run their whole enable->fired->executing->completed
// transition in one pipeline-mediated step; a multi-instance task instead
// creates (or continues) its multi-instance context and only actually
// fires the underlying net transition once that context is
// completion-satisfied (spec §4.4), via CompleteMIChild.
func (e *Engine) FireTask(ctx context.Context, caseID, taskID string) error {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return err
	}

	c.Lock()
	if c.Status != casemgr.StatusRunning {
		c.Unlock()
		return engineerr.New(engineerr.InvalidOperation, caseID, "case is not running")
	}
	task, ok := c.Runner.Net().Tasks[taskID]
	if !ok {
		c.Unlock()
		return engineerr.New(engineerr.InvalidOperation, taskID, "unknown task")
	}
	var target *netrunner.EnabledTask
	for _, et := range c.Runner.Enabled(caseExprCtx(c)) {
		if et.TaskID == taskID {
			cp := et
			target = &cp
			break
		}
	}
	if target == nil {
		c.Unlock()
		return engineerr.New(engineerr.InvalidOperation, taskID, "task is not enabled")
	}
	c.Unlock()

	if task.Kind == netmodel.TaskMultiInstance {
		if err := e.fireMultiInstance(ctx, c, task, *target); err != nil {
			return err
		}
	} else {
		c.Lock()
		wi := &workitem.WorkItem{ID: idgen.New(), CaseID: c.ID, TaskID: task.ID, Status: workitem.StatusEnabled}
		c.WorkItems[wi.ID] = wi
		c.Unlock()
		if err := e.fireAndRun(ctx, c, task, *target, wi); err != nil {
			return err
		}
	}

	return e.completeIfDone(ctx, c)
}

// completeIfDone promotes a case to completed once its output condition
// holds a token and every work item is terminal (spec §4.8), sealing one
// final receipt for the transition so every state change -- including
// completion -- leaves a link in the chain (spec §4.11).
func (e *Engine) completeIfDone(ctx context.Context, c *casemgr.Case) error {
	done, err := e.cases.CheckCompletion(c.ID)
	if err != nil || !done {
		return err
	}
	res, err := e.seal(ctx, c, "", "case-complete")
	if err != nil {
		return err
	}
	if res.Rejected {
		return engineerr.New(engineerr.GuardRejection, c.ID, res.Reason)
	}
	e.emit("case.completed", map[string]any{"case_id": c.ID})
	return nil
}

// seal runs an empty transaction through the hook pipeline purely to
// produce a receipt for a state change that has no task/work-item of its
// own (case start, completion, cancellation).
func (e *Engine) seal(ctx context.Context, c *casemgr.Case, taskID, workItemID string) (*hooks.Result, error) {
	c.Lock()
	defer c.Unlock()
	txID := e.cases.NextTx()
	txCtx := hooks.TxContext{TxID: txID, CaseID: c.ID, TaskID: taskID, WorkItemID: workItemID, Bindings: map[string]any{}}
	res, err := e.pipeline.Run(ctx, c.Chain, txID, txCtx)
	e.recordReceipt(ctx, res)
	return res, err
}

// recordReceipt writes a committed transaction's receipt to the durable
// ReceiptLog collaborator (spec §6: "engine writes one record per
// commit"). A rejected transaction's receipt never reaches the chain's
// tip, so it is not logged either. Append failures are logged and
// swallowed: the receipt already lives in the case's in-memory chain, and
// the collaborator is responsible for its own retry/durability story.
func (e *Engine) recordReceipt(ctx context.Context, res *hooks.Result) {
	if e.rlog == nil || res == nil || res.Rejected || res.Receipt == nil {
		return
	}
	if err := e.rlog.Append(ctx, res.Receipt); err != nil {
		e.log.Warn("receipt log append failed", "case_id", res.Receipt.CaseID, "seq", res.Receipt.Seq, "error", err)
	}
}

// cancelTasksWorkItems cancels every still-active work item belonging to
// one of taskIDs (spec §4.3.2 step 2: a firing task's cancellation set
// names task-instance references whose work items must be cancelled
// alongside the conditions it clears). Called with c already locked.
func (e *Engine) cancelTasksWorkItems(c *casemgr.Case, taskIDs []string) {
	if len(taskIDs) == 0 {
		return
	}
	cancel := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		cancel[id] = true
	}
	for _, wi := range c.WorkItems {
		if cancel[wi.TaskID] && !wi.Status.IsTerminal() {
			_ = wi.Transition(workitem.StatusCancelled)
		}
	}
}

// fireMultiInstance implements spec §4.4's lifecycle for a task that
// became enabled: create its context and pre-allocate children the first
// time (consuming the task's enabling tokens up front, since production is
// deferred), then start whatever children the ordering mode currently
// permits. The underlying net transition does not fire here -- only
// CompleteMIChild, once the context is completion-satisfied, does that.
func (e *Engine) fireMultiInstance(ctx context.Context, c *casemgr.Case, task *netmodel.Task, et netrunner.EnabledTask) error {
	c.Lock()
	defer c.Unlock()

	miCtx := c.MI.GetContextByTask(task.ID)
	if miCtx == nil {
		cfg := mi.Config{
			Minimum:        task.MI.Minimum,
			Maximum:        task.MI.Maximum,
			Threshold:      task.MI.Threshold,
			CreationMode:   mi.CreationMode(task.MI.CreationMode),
			OrderingMode:   mi.OrderingMode(task.MI.OrderingMode),
			CompletionMode: mi.CompletionMode(task.MI.CompletionMode),
			InputQuery:     task.MI.InputExpression,
			OutputQuery:    task.MI.OutputExpression,
		}

		parentWI := &workitem.WorkItem{ID: idgen.New(), CaseID: c.ID, TaskID: task.ID, Status: workitem.StatusEnabled}
		c.WorkItems[parentWI.ID] = parentWI

		newCtx, err := c.MI.CreateContext(task.ID, parentWI.ID, cfg, nil)
		if err != nil {
			return engineerr.Wrap(engineerr.ValidationFailure, task.ID, err)
		}
		if err := parentWI.Transition(workitem.StatusFired); err != nil {
			return err
		}

		var consumed []*marking.Token
		for _, cond := range et.ConsumeFrom {
			consumed = append(consumed, c.Runner.Marking().Clear(cond)...)
		}
		newCtx.ConsumedTokens = consumed
		miCtx = newCtx
	}

	for _, child := range c.MI.InstancesToStart(miCtx.ParentWorkItemID) {
		cwi := &workitem.WorkItem{
			ID: idgen.New(), CaseID: c.ID, TaskID: task.ID,
			Status: workitem.StatusEnabled, ParentID: miCtx.ParentWorkItemID, Input: child.Input,
		}
		if err := cwi.Transition(workitem.StatusFired); err != nil {
			return err
		}
		if err := cwi.Transition(workitem.StatusExecuting); err != nil {
			return err
		}
		c.WorkItems[cwi.ID] = cwi
		miCtx.StartChild(child.ID, cwi.ID)
	}
	return nil
}

// CompleteMIChild records one multi-instance child's completion. Once the
// owning context becomes completion-satisfied (spec §4.4's all/threshold
// criteria), this cancels any still-running children in threshold mode,
// fires the underlying net transition using the tokens consumed when the
// context was created, and retires the context.
func (e *Engine) CompleteMIChild(ctx context.Context, caseID, childWorkItemID string, output map[string]any) error {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return err
	}
	if err := e.completeMIChild(ctx, c, childWorkItemID, output); err != nil {
		return err
	}
	return e.completeIfDone(ctx, c)
}

func (e *Engine) completeMIChild(ctx context.Context, c *casemgr.Case, childWorkItemID string, output map[string]any) error {
	c.Lock()
	defer c.Unlock()

	cwi, ok := c.WorkItems[childWorkItemID]
	if !ok {
		return engineerr.New(engineerr.InvalidOperation, childWorkItemID, "work item not found")
	}
	miCtx, child := c.MI.GetContextByChild(childWorkItemID)
	if miCtx == nil || child == nil {
		return engineerr.New(engineerr.InvalidOperation, childWorkItemID, "no multi-instance context owns this work item")
	}
	if err := cwi.Transition(workitem.StatusCompleted); err != nil {
		return err
	}
	cwi.Output = output
	miCtx.CompleteChild(child.ID, output)

	if !miCtx.IsCompletionSatisfied() {
		return nil
	}

	if miCtx.ShouldCancelRemaining() {
		for _, childID := range miCtx.CancelRemaining() {
			ch := miCtx.Children[childID]
			if ch == nil || ch.WorkItemID == "" {
				continue
			}
			if wi := c.WorkItems[ch.WorkItemID]; wi != nil && !wi.Status.IsTerminal() {
				_ = wi.Transition(workitem.StatusCancelled)
			}
		}
	}

	task := c.Runner.Net().Tasks[miCtx.TaskID]
	parentWI := c.WorkItems[miCtx.ParentWorkItemID]

	txID := e.cases.NextTx()
	txCtx := hooks.TxContext{TxID: txID, CaseID: c.ID, TaskID: task.ID, WorkItemID: miCtx.ParentWorkItemID, Bindings: map[string]any{}}
	res, err := e.pipeline.Run(ctx, c.Chain, txID, txCtx)
	e.recordReceipt(ctx, res)
	if err != nil {
		return err
	}
	if res.Rejected {
		e.emit("workitem.rejected", map[string]any{"work_item_id": miCtx.ParentWorkItemID, "reason": res.Reason})
		return nil
	}

	fr, err := c.Runner.FireProduceOnly(task, miCtx.ConsumedTokens, expr.Context{})
	if err != nil {
		return err
	}
	e.cancelTasksWorkItems(c, fr.CancelledTasks)
	if parentWI != nil {
		if err := parentWI.Transition(workitem.StatusExecuting); err == nil {
			_ = parentWI.Transition(workitem.StatusCompleted)
		}
	}
	c.MI.CompleteContext(miCtx.ParentWorkItemID)
	if parentWI != nil {
		c.Compensate.Push(exception.CompensationEntry{TaskID: task.ID, WorkItemID: parentWI.ID, Handler: task.ID})
	}
	e.emit("workitem.completed", map[string]any{"work_item_id": miCtx.ParentWorkItemID, "task_id": task.ID})
	return nil
}

func (e *Engine) fireAndRun(ctx context.Context, c *casemgr.Case, task *netmodel.Task, et netrunner.EnabledTask, wi *workitem.WorkItem) error {
	c.Lock()
	defer c.Unlock()

	if err := wi.Transition(workitem.StatusFired); err != nil {
		return err
	}

	txID := e.cases.NextTx()
	txCtx := hooks.TxContext{
		TxID:       txID,
		CaseID:     c.ID,
		TaskID:     task.ID,
		WorkItemID: wi.ID,
		Bindings:   map[string]any{},
	}

	res, err := e.pipeline.Run(ctx, c.Chain, txID, txCtx)
	e.recordReceipt(ctx, res)
	if err != nil {
		_ = wi.Transition(workitem.StatusFailed)
		return err
	}
	if res.Rejected {
		_ = wi.Transition(workitem.StatusFailed)
		e.emit("workitem.rejected", map[string]any{"work_item_id": wi.ID, "reason": res.Reason})
		return nil
	}

	fr, err := c.Runner.Fire(task, et.ConsumeFrom, expr.Context{})
	if err != nil {
		return err
	}
	e.cancelTasksWorkItems(c, fr.CancelledTasks)

	if err := wi.Transition(workitem.StatusExecuting); err != nil {
		return err
	}
	if err := wi.Transition(workitem.StatusCompleted); err != nil {
		return err
	}
	c.Compensate.Push(exception.CompensationEntry{TaskID: task.ID, WorkItemID: wi.ID, Handler: task.ID})
	e.emit("workitem.completed", map[string]any{"work_item_id": wi.ID, "task_id": task.ID})
	return nil
}

// FailWorkItem reports that a work item's task execution failed with
// causeKind, and consults the engine's exception rule base (spec §4.10) to
// decide the outcome: ignore the failure, retry up to the rule's limit,
// skip the task as if it had completed, cancel just the task or the whole
// case, suspend the case, trigger compensation, or -- the default with no
// matching rule -- propagate straight to StatusFailed.
func (e *Engine) FailWorkItem(ctx context.Context, caseID, workItemID string, causeKind engineerr.Kind, message string) error {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return err
	}
	c.Lock()
	wi, ok := c.WorkItems[workItemID]
	if !ok {
		c.Unlock()
		return engineerr.New(engineerr.InvalidOperation, workItemID, "work item not found")
	}
	taskID := wi.TaskID
	c.Unlock()

	e.mu.RLock()
	rules := e.excRules
	e.mu.RUnlock()

	var rule *exception.Rule
	if rules != nil {
		rule = rules.Match(string(causeKind), taskID)
	}
	action := exception.ActionFail
	if rule != nil {
		action = rule.Action
	}

	switch action {
	case exception.ActionIgnore:
		return nil

	case exception.ActionRetry:
		c.Lock()
		rc := c.Retries.Get(workItemID, retryLimit(rule))
		again := rc.ShouldRetry()
		c.Unlock()
		if again {
			e.emit("workitem.retry", map[string]any{"work_item_id": workItemID, "task_id": taskID, "attempt": rc.Attempts})
			return nil
		}
		c.Retries.Clear(workItemID)

	case exception.ActionSkip:
		c.Lock()
		if wi.Status == workitem.StatusFired {
			_ = wi.Transition(workitem.StatusExecuting)
		}
		terr := wi.Transition(workitem.StatusCompleted)
		if terr == nil {
			c.Compensate.Push(exception.CompensationEntry{TaskID: taskID, WorkItemID: workItemID, Handler: "skip"})
		}
		c.Unlock()
		if terr != nil {
			return terr
		}
		e.emit("workitem.skipped", map[string]any{"work_item_id": workItemID, "task_id": taskID})
		return e.completeIfDone(ctx, c)

	case exception.ActionCancelTask:
		c.Lock()
		_ = wi.Transition(workitem.StatusCancelled)
		c.Unlock()
		e.emit("workitem.cancelled", map[string]any{"work_item_id": workItemID, "task_id": taskID})
		return nil

	case exception.ActionCancelCase:
		return e.CancelCase(ctx, caseID)

	case exception.ActionSuspend:
		return e.SuspendCase(caseID)

	case exception.ActionCompensate:
		entries, _ := e.CompensateCase(caseID)
		e.emit("case.compensating", map[string]any{"case_id": caseID, "entries": len(entries)})
	}

	c.Lock()
	_ = wi.Transition(workitem.StatusFailed)
	c.Unlock()
	e.emit("workitem.failed", map[string]any{
		"work_item_id": workItemID, "task_id": taskID, "kind": string(causeKind), "message": message,
	})
	return nil
}

func retryLimit(rule *exception.Rule) int {
	if rule == nil {
		return 0
	}
	if v, ok := rule.Params["max_retries"].(int); ok {
		return v
	}
	return 1
}

// ScheduleTimer registers a relative timer on a work item (spec §4.9):
// `after` elapses from the trigger event the caller already observed
// (enabled|offered|allocated|started), and `action` fires when it expires.
func (e *Engine) ScheduleTimer(caseID, workItemID, taskID string, after time.Duration, action timer.ExpiryAction) string {
	id := idgen.New()
	e.timers.Schedule(&timer.Entry{
		ID: id, Kind: timer.KindTimer, CaseID: caseID, WorkItemID: workItemID,
		TaskID: taskID, FireAt: time.Now().Add(after), Action: action,
	})
	return id
}

// ScheduleDeadline registers an absolute deadline on a case or work item
// (spec §4.9), with an optional warning lead emitted as a notify-only event
// before the deadline itself fires `action`.
func (e *Engine) ScheduleDeadline(caseID, workItemID, taskID string, at time.Time, warningLead time.Duration, action timer.ExpiryAction) string {
	id := idgen.New()
	e.timers.Schedule(&timer.Entry{
		ID: id, Kind: timer.KindDeadline, CaseID: caseID, WorkItemID: workItemID,
		TaskID: taskID, FireAt: at, WarningLead: warningLead, Action: action,
	})
	return id
}

// CancelTimer unschedules a pending timer or deadline, e.g. when the work
// item it guards completes before expiry.
func (e *Engine) CancelTimer(id string) {
	e.timers.Cancel(id)
}

// handleTimerFired dispatches one expiry per spec §4.9: the handler
// receives the affected work-item or case id and the engine applies the
// resulting state change through its own operations (FireTask,
// FailWorkItem, CancelCase). FireTask and CancelCase run the hook pipeline
// and yield a receipt; FailWorkItem seals no receipt of its own. A bare
// notify, or a warning ahead of a deadline, only emits an event.
func (e *Engine) handleTimerFired(ctx context.Context, f timer.Fired) {
	e.emit("timer.fired", map[string]any{
		"entry_id": f.Entry.ID,
		"case_id":  f.Entry.CaseID,
		"warning":  f.Warning,
	})
	if f.Warning {
		return
	}

	entry := f.Entry
	var err error
	switch entry.Action {
	case timer.ActionFireTask:
		if entry.TaskID != "" {
			err = e.FireTask(ctx, entry.CaseID, entry.TaskID)
		}
	case timer.ActionCancelTask:
		if entry.WorkItemID != "" {
			err = e.FailWorkItem(ctx, entry.CaseID, entry.WorkItemID, engineerr.Timeout, "timer expired: cancel task")
		}
	case timer.ActionEscalate:
		if entry.WorkItemID != "" {
			err = e.FailWorkItem(ctx, entry.CaseID, entry.WorkItemID, engineerr.Timeout, "timer expired: escalate")
		} else {
			err = e.CancelCase(ctx, entry.CaseID)
		}
	case timer.ActionNotify:
		// already emitted above; no state change.
	}
	if err != nil {
		e.emit("timer.dispatch_failed", map[string]any{
			"entry_id": entry.ID, "case_id": entry.CaseID, "error": err.Error(),
		})
	}
}

// RunTimers drives the timer polling loop until ctx is cancelled. Fired
// entries belonging to distinct cases are independent (spec §5's
// per-case-lock, engine-multi-case-parallel model) so they are dispatched
// concurrently, bounded by a small worker group; entries for the same case
// still serialize through that case's own lock inside handleTimerFired.
func (e *Engine) RunTimers(ctx context.Context, interval time.Duration) error {
	return e.timers.Run(ctx, interval, func(f timer.Fired) {
		if err := e.timerDispatch.Acquire(ctx, 1); err != nil {
			e.handleTimerFired(ctx, f)
			return
		}
		go func() {
			defer e.timerDispatch.Release(1)
			e.handleTimerFired(ctx, f)
		}()
	})
}

// MITaskRunner exposes the multi-instance runner for a case, letting the
// caller drive dynamic instance creation (spec §4.4's "add instance while
// not completion-satisfied").
func (e *Engine) MITaskRunner(caseID string) (*mi.Runner, error) {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return nil, err
	}
	return c.MI, nil
}

// CaseStatus returns a case's current lifecycle status.
func (e *Engine) CaseStatus(caseID string) (casemgr.Status, error) {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return "", err
	}
	c.Lock()
	defer c.Unlock()
	return c.Status, nil
}

// ReceiptChain returns a case's receipt chain, for audit and verification
// (spec §4.6).
func (e *Engine) ReceiptChain(caseID string) (*receipt.Chain, error) {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return nil, err
	}
	return c.Chain, nil
}

// WorkItems returns a snapshot of every work item tracked for caseID,
// sorted by id, for callers (or tests) driving a case by hand.
func (e *Engine) WorkItems(caseID string) ([]workitem.WorkItem, error) {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return nil, err
	}
	c.Lock()
	defer c.Unlock()
	out := make([]workitem.WorkItem, 0, len(c.WorkItems))
	for _, wi := range c.WorkItems {
		out = append(out, *wi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CompensateCase pops and returns every compensatable entry for a case,
// most-recently-completed first.
func (e *Engine) CompensateCase(caseID string) ([]exception.CompensationEntry, error) {
	c, err := e.cases.Get(caseID)
	if err != nil {
		return nil, err
	}
	c.Lock()
	defer c.Unlock()
	return c.Compensate.CompensateAll(), nil
}
