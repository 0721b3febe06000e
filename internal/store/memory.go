package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"autotrader/internal/types"
)

// MemoryStore is an in-process Store used by paper runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]types.OrderRecord
	seq    map[string]int
	next   int
	trades []types.TradeLogEntry
	risk   *types.RiskState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]types.OrderRecord),
		seq:    make(map[string]int),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateOrder(_ context.Context, rec types.OrderRecord) error {
	key := strings.TrimSpace(rec.IdempotencyKey)
	if key == "" {
		return fmt.Errorf("order record requires an idempotency key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, key)
	}
	m.orders[key] = rec
	m.next++
	m.seq[key] = m.next
	return nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, rec types.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.orders[rec.IdempotencyKey]
	if !ok {
		return fmt.Errorf("order %s: %w", rec.IdempotencyKey, types.ErrNotFound)
	}
	if err := CheckTransition(prev, rec); err != nil {
		return err
	}
	rec.CreatedAt = prev.CreatedAt
	m.orders[rec.IdempotencyKey] = rec
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, key string) (types.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.orders[key]
	if !ok {
		return types.OrderRecord{}, fmt.Errorf("order %s: %w", key, types.ErrNotFound)
	}
	return rec, nil
}

// sorted returns matching records in insertion order.
func (m *MemoryStore) sorted(match func(types.OrderRecord) bool) []types.OrderRecord {
	out := make([]types.OrderRecord, 0, len(m.orders))
	for _, rec := range m.orders {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].IdempotencyKey] < m.seq[out[j].IdempotencyKey]
	})
	return out
}

func (m *MemoryStore) ListOrders(_ context.Context, q OrderQuery) ([]types.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sorted(func(rec types.OrderRecord) bool {
		if q.Asset != "" && rec.Asset != q.Asset {
			return false
		}
		if q.Status != "" && rec.Status != q.Status {
			return false
		}
		return q.Since.IsZero() || !rec.CreatedAt.Before(q.Since)
	})
	// newest first, like the sql implementation
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnresolved(_ context.Context) ([]types.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(func(rec types.OrderRecord) bool { return !rec.Status.Terminal() }), nil
}

func (m *MemoryStore) AppendTrade(_ context.Context, entry types.TradeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, entry)
	return nil
}

func (m *MemoryStore) RecentTrades(_ context.Context, asset string, limit int) ([]types.TradeLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.TradeLogEntry
	for i := len(m.trades) - 1; i >= 0; i-- {
		if asset != "" && m.trades[i].Asset != asset {
			continue
		}
		out = append(out, m.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadRiskState(_ context.Context) (types.RiskState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.risk == nil {
		return types.NewRiskState(), false, nil
	}
	return m.risk.Clone(), true, nil
}

func (m *MemoryStore) SaveRiskState(_ context.Context, state types.RiskState) error {
	cp := state.Clone()
	m.mu.Lock()
	m.risk = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
