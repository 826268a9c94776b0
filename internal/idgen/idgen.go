// Package idgen supplies the engine's identifiers, per spec §9: a
// monotonic transaction-id counter and UUID generation for every other
// entity kind (cases, tokens, work items, MI contexts).
package idgen

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// TxCounter is a monotonically increasing transaction sequence number.
// Each engine instance owns one, so transaction ids are totally ordered
// within a single engine regardless of how many cases are running
// concurrently.
type TxCounter struct {
	n int64
}

// NewTxCounter creates a counter starting at 0.
func NewTxCounter() *TxCounter {
	return &TxCounter{}
}

// Next returns the next transaction id, starting at 1.
func (c *TxCounter) Next() int64 {
	return atomic.AddInt64(&c.n, 1)
}

// New returns a fresh random UUID string, used for case, token, work-item,
// and MI-child identities.
func New() string {
	return uuid.NewString()
}
