// Package collaborators defines the narrow external interfaces of spec §6:
// Storage, BindingEvaluator, ReceiptLog, and EventBus. The engine core
// depends only on these, never on a concrete backend, so storage/eventbus
// implementations are swappable collaborators rather than compiled-in
// dependencies.
package collaborators

import (
	"context"

	"github.com/knhk/engine/internal/delta"
	"github.com/knhk/engine/internal/receipt"
)

// Storage is the world the engine mutates through deltas: apply commits a
// delta, query/ask read it back, snapshot/restore move whole-state copies
// for cold storage or recovery (spec §6.1).
type Storage interface {
	Apply(ctx context.Context, caseID string, d *delta.Delta) error
	Query(ctx context.Context, caseID, path string) (any, error)
	Ask(ctx context.Context, caseID, path string) (bool, error)
	Snapshot(ctx context.Context, caseID string) ([]byte, error)
	Restore(ctx context.Context, caseID string, snapshot []byte) error
}

// BindingEvaluator resolves an expression string against a case/work-item
// context, the collaborator-facing counterpart of the internal expr
// package (spec §6.2) -- kept separate so an external engine embedding
// this module can supply its own evaluator.
type BindingEvaluator interface {
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// ReceiptLog is the append-only store backing a case's receipt chain
// beyond the in-memory Chain (spec §6.3): durable persistence and
// range queries for audit.
type ReceiptLog interface {
	Append(ctx context.Context, r *receipt.Receipt) error
	Range(ctx context.Context, caseID string, from, to int64) ([]*receipt.Receipt, error)
	Tip(ctx context.Context, caseID string) (string, error)
}

// EventBus is a write-only, loss-tolerant sink for engine lifecycle
// events (spec §6.4): the engine never blocks on or retries a publish.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte)
}
