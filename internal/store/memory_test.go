package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func record(key string, status types.OrderStatus) types.OrderRecord {
	return types.OrderRecord{
		IdempotencyKey: key,
		Status:         status,
		Purpose:        types.PurposeOpen,
		Asset:          "BTCUSDT",
		Direction:      types.DirectionBuy,
		Quantity:       0.5,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func TestMemoryStoreCreateIsUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, record("k1", types.OrderPending)))
	err := s.CreateOrder(ctx, record("k1", types.OrderPending))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
	assert.Error(t, s.CreateOrder(ctx, record(" ", types.OrderPending)))
}

func TestMemoryStoreUpdateIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, record("k1", types.OrderPending)))

	sub := record("k1", types.OrderSubmitted)
	sub.VenueOrderID = "v-1"
	require.NoError(t, s.UpdateOrder(ctx, sub))

	back := record("k1", types.OrderPending)
	err := s.UpdateOrder(ctx, back)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)

	filled := record("k1", types.OrderFilled)
	require.NoError(t, s.UpdateOrder(ctx, filled))
	err = s.UpdateOrder(ctx, record("k1", types.OrderFailed))
	assert.ErrorIs(t, err, types.ErrInvariantViolation)

	got, err := s.GetOrder(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, got.Status)

	err = s.UpdateOrder(ctx, record("missing", types.OrderFilled))
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestMemoryStoreListings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateOrder(ctx, record(k, types.OrderPending)))
	}
	require.NoError(t, s.UpdateOrder(ctx, record("b", types.OrderFilled)))

	unresolved, err := s.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 2)
	assert.Equal(t, "a", unresolved[0].IdempotencyKey)
	assert.Equal(t, "c", unresolved[1].IdempotencyKey)

	all, err := s.ListOrders(ctx, OrderQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].IdempotencyKey)

	filled, err := s.ListOrders(ctx, OrderQuery{Status: types.OrderFilled})
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, "b", filled[0].IdempotencyKey)
}

func TestMemoryStoreTradesNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AppendTrade(ctx, types.TradeLogEntry{IdempotencyKey: "1", Asset: "BTCUSDT"}))
	require.NoError(t, s.AppendTrade(ctx, types.TradeLogEntry{IdempotencyKey: "2", Asset: "ETHUSDT"}))
	require.NoError(t, s.AppendTrade(ctx, types.TradeLogEntry{IdempotencyKey: "3", Asset: "BTCUSDT"}))

	btc, err := s.RecentTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, "3", btc[0].IdempotencyKey)

	one, err := s.RecentTrades(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "3", one[0].IdempotencyKey)
}

func TestMemoryStoreRiskStateIsCopied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, ok, err := s.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	st := types.NewRiskState()
	st.Assets["BTCUSDT"] = &types.AssetRisk{Exposure: 0.05}
	require.NoError(t, s.SaveRiskState(ctx, st))
	st.Assets["BTCUSDT"].Exposure = 0.9

	got, ok, err := s.LoadRiskState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.05, got.Asset("BTCUSDT").Exposure)
}
