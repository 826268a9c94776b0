// Package receiptlog implements the ReceiptLog collaborator of spec §6.3:
// durable append-only persistence for receipts beyond a case's in-memory
// Chain. Two backends are provided -- an in-memory reference and a
// redis/go-redis/v9 list-backed one mirroring the teacher's use of Redis
// as the durable side-channel for workflow state.
package receiptlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/knhk/engine/internal/receipt"
)

// Memory is an in-process ReceiptLog, useful for tests.
type Memory struct {
	mu   sync.Mutex
	logs map[string][]*receipt.Receipt
}

func NewMemory() *Memory {
	return &Memory{logs: make(map[string][]*receipt.Receipt)}
}

func (m *Memory) Append(ctx context.Context, r *receipt.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[r.CaseID] = append(m.logs[r.CaseID], r)
	return nil
}

func (m *Memory) Range(ctx context.Context, caseID string, from, to int64) ([]*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*receipt.Receipt
	for _, r := range m.logs[caseID] {
		if r.Seq >= from && r.Seq <= to {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) Tip(ctx context.Context, caseID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.logs[caseID]
	if len(entries) == 0 {
		return receipt.GenesisTip, nil
	}
	return entries[len(entries)-1].MerkleRoot, nil
}

// RedisLog appends receipts to a Redis list named "knhk:receipts:<case>",
// one JSON-encoded entry per call, relying on RPUSH's append ordering for
// the chain's total order.
type RedisLog struct {
	client *redis.Client
}

func NewRedisLog(addr string) *RedisLog {
	return &RedisLog{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *RedisLog) Close() error {
	return r.client.Close()
}

func key(caseID string) string {
	return "knhk:receipts:" + caseID
}

func (r *RedisLog) Append(ctx context.Context, rec *receipt.Receipt) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("receiptlog: encode: %w", err)
	}
	if err := r.client.RPush(ctx, key(rec.CaseID), raw).Err(); err != nil {
		return fmt.Errorf("receiptlog: rpush: %w", err)
	}
	return nil
}

func (r *RedisLog) Range(ctx context.Context, caseID string, from, to int64) ([]*receipt.Receipt, error) {
	raws, err := r.client.LRange(ctx, key(caseID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("receiptlog: lrange: %w", err)
	}
	var out []*receipt.Receipt
	for _, raw := range raws {
		var rec receipt.Receipt
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("receiptlog: decode: %w", err)
		}
		if rec.Seq >= from && rec.Seq <= to {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (r *RedisLog) Tip(ctx context.Context, caseID string) (string, error) {
	raw, err := r.client.LIndex(ctx, key(caseID), -1).Result()
	if err == redis.Nil {
		return receipt.GenesisTip, nil
	}
	if err != nil {
		return "", fmt.Errorf("receiptlog: lindex: %w", err)
	}
	var rec receipt.Receipt
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", fmt.Errorf("receiptlog: decode: %w", err)
	}
	return rec.MerkleRoot, nil
}
