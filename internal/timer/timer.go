// Package timer implements the timer and deadline primitives of spec §4.9
// (C9): a Timer fires a relative duration after a trigger event, a
// Deadline fires at an absolute time with an optional warning lead. The
// polling loop follows the teacher's TimeoutDetector (ticker-driven scan,
// context-cancellable), adapted from a single-table SQL scan into a
// generic in-process registry the engine drives.
package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/knhk/engine/internal/logging"
)

// ExpiryAction names what happens when a timer or deadline fires (spec
// §4.9): the engine interprets these against the owning work item/case.
type ExpiryAction string

const (
	ActionFireTask     ExpiryAction = "fire_task"
	ActionCancelTask   ExpiryAction = "cancel_task"
	ActionEscalate     ExpiryAction = "escalate"
	ActionNotify       ExpiryAction = "notify"
)

// Kind discriminates a Timer (relative) from a Deadline (absolute).
type Kind string

const (
	KindTimer    Kind = "timer"
	KindDeadline Kind = "deadline"
)

// Entry is one scheduled timer or deadline.
type Entry struct {
	ID         string
	Kind       Kind
	CaseID     string
	WorkItemID string
	TaskID     string
	FireAt     time.Time
	WarningLead time.Duration // Deadline only: emit a warning this long before FireAt
	Action     ExpiryAction

	fired   bool
	warned  bool
	// suspended entries are skipped by the poll scan until resumed; their
	// expiry is queued rather than applied immediately (the resolved
	// reading of spec §4.9: a timer expiring during case suspension must
	// not fire until the case resumes).
	suspended bool
	queued    bool
}

// Fired is an expiry (or warning) event the owner must act on.
type Fired struct {
	Entry   *Entry
	Warning bool
}

// Service tracks every scheduled timer/deadline and polls for expiries.
type Service struct {
	mu      sync.Mutex
	entries map[string]*Entry
	log     *logging.Logger
}

func NewService(log *logging.Logger) *Service {
	return &Service{entries: make(map[string]*Entry), log: log}
}

// Schedule registers a new timer or deadline.
func (s *Service) Schedule(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
}

// Cancel removes a scheduled entry.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Suspend marks every entry for a case as suspended: due expiries are
// queued instead of fired until Resume is called.
func (s *Service) Suspend(caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.CaseID == caseID {
			e.suspended = true
		}
	}
}

// Resume un-suspends a case's entries. Any expiry that was queued while
// suspended is returned so the caller can apply it immediately.
func (s *Service) Resume(caseID string) []Fired {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Fired
	for _, e := range s.entries {
		if e.CaseID != caseID {
			continue
		}
		e.suspended = false
		if e.queued {
			e.queued = false
			e.fired = true
			due = append(due, Fired{Entry: e})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Entry.ID < due[j].Entry.ID })
	return due
}

// poll scans for expiries at `now`, mutating fired/warned/queued flags and
// returning the events the owner should act on. Suspended entries whose
// fire time has passed are marked queued rather than returned.
func (s *Service) poll(now time.Time) []Fired {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Fired
	for _, e := range s.entries {
		if e.fired {
			continue
		}
		if e.Kind == KindDeadline && e.WarningLead > 0 && !e.warned {
			if now.After(e.FireAt.Add(-e.WarningLead)) {
				e.warned = true
				if !e.suspended {
					due = append(due, Fired{Entry: e, Warning: true})
				}
			}
		}
		if now.Before(e.FireAt) {
			continue
		}
		if e.suspended {
			e.queued = true
			continue
		}
		e.fired = true
		due = append(due, Fired{Entry: e})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Entry.ID < due[j].Entry.ID })
	return due
}

// Run drives the poll loop until ctx is cancelled, invoking onFired for
// every expiry/warning event observed.
func (s *Service) Run(ctx context.Context, interval time.Duration, onFired func(Fired)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, f := range s.poll(now) {
				onFired(f)
			}
		}
	}
}
