// Package casemgr implements the case manager of spec §4.8 (C8): case
// lifecycle operations and the completion/cancellation policies that
// coordinate the net runner, work items, and receipt chain for a single
// running case. Structured after the teacher's coordinator -- an options
// struct wiring collaborators together, small lifecycle sub-handlers --
// but collapsed to this module's single-process, single-case-lock model
// instead of a Redis-choreographed worker pool.
package casemgr

import (
	"fmt"
	"sync"

	"github.com/knhk/engine/internal/engineerr"
	"github.com/knhk/engine/internal/exception"
	"github.com/knhk/engine/internal/idgen"
	"github.com/knhk/engine/internal/logging"
	"github.com/knhk/engine/internal/mi"
	"github.com/knhk/engine/internal/netrunner"
	"github.com/knhk/engine/internal/receipt"
	"github.com/knhk/engine/internal/workitem"
)

// Status is the case's own lifecycle state, independent of its net's
// marking (spec §4.8).
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Case is a single running instance of a specification's root net.
type Case struct {
	mu sync.Mutex

	ID         string
	SpecID     string
	Status     Status
	Runner     *netrunner.Runner
	Chain      *receipt.Chain
	WorkItems  map[string]*workitem.WorkItem
	MI         *mi.Runner
	Compensate *exception.CompensationStack
	Retries    *exception.RetryTracker
}

// Lock acquires the case's single-threaded execution lock, per spec §5's
// locking discipline (case lock is always acquired before any receipt-tip
// lock, never the reverse).
func (c *Case) Lock()   { c.mu.Lock() }
func (c *Case) Unlock() { c.mu.Unlock() }

// Manager owns every case for one engine instance.
type Manager struct {
	mu    sync.RWMutex
	cases map[string]*Case
	log   *logging.Logger
	tx    *idgen.TxCounter
}

func NewManager(log *logging.Logger, tx *idgen.TxCounter) *Manager {
	return &Manager{cases: make(map[string]*Case), log: log, tx: tx}
}

// Create instantiates a new case bound to a prebuilt net runner.
func (m *Manager) Create(specID string, runner *netrunner.Runner) *Case {
	c := &Case{
		ID:         idgen.New(),
		SpecID:     specID,
		Status:     StatusRunning,
		Runner:     runner,
		Chain:      receipt.NewChain(""),
		WorkItems:  make(map[string]*workitem.WorkItem),
		MI:         mi.NewRunner(),
		Compensate: exception.NewCompensationStack(),
		Retries:    exception.NewRetryTracker(),
	}
	c.Chain = receipt.NewChain(c.ID)

	m.mu.Lock()
	m.cases[c.ID] = c
	m.mu.Unlock()
	return c
}

func (m *Manager) Get(caseID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil, engineerr.New(engineerr.InvalidOperation, caseID, "case not found")
	}
	return c, nil
}

// Start places the root token on a running case. It is a no-op if the
// case already holds tokens (already started).
func (m *Manager) Start(caseID string) error {
	c, err := m.Get(caseID)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	if c.Status != StatusRunning {
		return engineerr.New(engineerr.InvalidOperation, caseID, fmt.Sprintf("cannot start case in status %s", c.Status))
	}
	if len(c.Runner.Marking().MarkedConditions()) == 0 {
		c.Runner.Start()
	}
	return nil
}

// Suspend marks a case suspended: no further task firings are scanned
// until Resume, though in-flight work items are left exactly as they are.
func (m *Manager) Suspend(caseID string) error {
	c, err := m.Get(caseID)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	if c.Status != StatusRunning {
		return engineerr.New(engineerr.InvalidOperation, caseID, fmt.Sprintf("cannot suspend case in status %s", c.Status))
	}
	c.Status = StatusSuspended
	return nil
}

// Resume returns a suspended case to running.
func (m *Manager) Resume(caseID string) error {
	c, err := m.Get(caseID)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	if c.Status != StatusSuspended {
		return engineerr.New(engineerr.InvalidOperation, caseID, fmt.Sprintf("cannot resume case in status %s", c.Status))
	}
	c.Status = StatusRunning
	return nil
}

// Cancel tears a case down atomically: every non-terminal work item is
// cancelled and every token in the marking is removed, in the same lock
// acquisition so no observer ever sees a
// partially-cancelled case (spec §8's "cancellation atomicity" property).
func (m *Manager) Cancel(caseID string) error {
	c, err := m.Get(caseID)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	if c.Status.isTerminalCase() {
		return engineerr.New(engineerr.InvalidOperation, caseID, fmt.Sprintf("cannot cancel case in status %s", c.Status))
	}

	for _, wi := range c.WorkItems {
		if !wi.Status.IsTerminal() {
			_ = wi.Transition(workitem.StatusCancelled)
		}
	}
	mk := c.Runner.Marking()
	for _, cond := range mk.MarkedConditions() {
		mk.Clear(cond)
	}
	c.Status = StatusCancelled
	return nil
}

func (s Status) isTerminalCase() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CheckCompletion marks the case completed if its net's output condition
// holds a token and every work item is terminal (spec §4.8's completion
// policy).
func (m *Manager) CheckCompletion(caseID string) (bool, error) {
	c, err := m.Get(caseID)
	if err != nil {
		return false, err
	}
	c.Lock()
	defer c.Unlock()
	if c.Status != StatusRunning {
		return c.Status == StatusCompleted, nil
	}
	if !c.Runner.IsCompleted() {
		return false, nil
	}
	for _, wi := range c.WorkItems {
		if !wi.Status.IsTerminal() {
			return false, nil
		}
	}
	c.Status = StatusCompleted
	return true, nil
}

// NextTx allocates the next process-wide transaction id for any mutation
// this case performs.
func (m *Manager) NextTx() int64 {
	return m.tx.Next()
}
