package store

import (
	"context"
	"errors"
	"time"

	"autotrader/internal/types"
)

// ErrDuplicateOrder is returned by CreateOrder when a record for the key
// already exists.
var ErrDuplicateOrder = errors.New("order record already exists")

// OrderQuery filters ListOrders. Zero values match everything.
type OrderQuery struct {
	Asset  string
	Status types.OrderStatus
	Since  time.Time
	Limit  int
}

// Store persists order records, the trade log and the risk snapshot.
// Order records are never deleted.
type Store interface {
	// CreateOrder inserts a new record; the idempotency key is unique.
	CreateOrder(ctx context.Context, rec types.OrderRecord) error
	// UpdateOrder replaces the record for rec.IdempotencyKey. The status may
	// only move forward.
	UpdateOrder(ctx context.Context, rec types.OrderRecord) error
	GetOrder(ctx context.Context, key string) (types.OrderRecord, error)
	ListOrders(ctx context.Context, q OrderQuery) ([]types.OrderRecord, error)
	// ListUnresolved returns every record that is not terminal, oldest first.
	ListUnresolved(ctx context.Context) ([]types.OrderRecord, error)

	AppendTrade(ctx context.Context, entry types.TradeLogEntry) error
	// RecentTrades returns up to limit entries, newest first. An empty asset
	// matches every asset.
	RecentTrades(ctx context.Context, asset string, limit int) ([]types.TradeLogEntry, error)

	LoadRiskState(ctx context.Context) (types.RiskState, bool, error)
	SaveRiskState(ctx context.Context, state types.RiskState) error

	Close() error
}

// CheckTransition validates an update against the stored record. Status
// only moves forward and a terminal status is final.
func CheckTransition(prev, next types.OrderRecord) error {
	if !prev.Status.CanTransition(next.Status) {
		return types.Invariant("order %s status %s -> %s", prev.IdempotencyKey, prev.Status, next.Status)
	}
	return nil
}
