package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"autotrader/internal/notify"
	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Publish(e notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestSizerQuantity(t *testing.T) {
	s := Sizer{Equity: 10000, QuantityDecimals: 3}
	assert.Equal(t, 0.666, s.Quantity(0.02, 300))
	assert.Equal(t, 2.0, s.Quantity(0.02, 100))
	assert.Zero(t, s.Quantity(0.02, 0))
	assert.Zero(t, Sizer{Equity: 10, QuantityDecimals: 2}.Quantity(0.001, 50000))
}

func TestGateAdmitDownsizeScenario(t *testing.T) {
	state := types.NewRiskState()
	state.TradingDay = TradingDay(testNow)
	state.Assets["BTCUSDT"] = &types.AssetRisk{Exposure: 0.19}
	book := NewBook(state, testLimits(), WithBookClock(func() time.Time { return testNow }))
	sink := &recordingSink{}
	gate := NewGate(book, Sizer{Equity: 10000, QuantityDecimals: 6}, sink)

	order, d, err := gate.Admit(context.Background(), candidate("BTCUSDT", 0.02))
	require.NoError(t, err)
	assert.Equal(t, ActionDownsize, d.Action)
	assert.Equal(t, 0.01, d.Size)
	assert.True(t, order.Downsized)
	assert.Equal(t, 0.01, order.Size)
	assert.Equal(t, 1.0, order.Quantity)
	assert.Equal(t, types.PurposeOpen, order.Purpose)
	assert.Equal(t, types.IdempotencyKey("BTCUSDT", types.DirectionBuy, testNow, types.PurposeOpen), order.IdempotencyKey)
	assert.Equal(t, order.IdempotencyKey, order.PositionKey)
	assert.InDelta(t, 0.01, book.Snapshot().Asset("BTCUSDT").Reserved[order.IdempotencyKey], 1e-12)

	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.KindRiskDownsized, sink.events[0].Kind)

	// same signal again collides on the idempotency key
	_, d, err = gate.Admit(context.Background(), candidate("BTCUSDT", 0.02))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonDuplicateOrder, d.Reason)
}

func TestGateRejectsZeroQuantity(t *testing.T) {
	book := NewBook(types.NewRiskState(), testLimits(), WithBookClock(func() time.Time { return testNow }))
	gate := NewGate(book, Sizer{Equity: 10, QuantityDecimals: 0}, nil)
	_, d, err := gate.Admit(context.Background(), candidate("BTCUSDT", 0.02))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInvalidOrder, d.Reason)
	assert.Zero(t, book.Snapshot().Asset("BTCUSDT").ReservedTotal())
}

func TestGateHonoursCancelledContext(t *testing.T) {
	book := NewBook(types.NewRiskState(), testLimits())
	gate := NewGate(book, Sizer{Equity: 10000, QuantityDecimals: 6}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := gate.Admit(ctx, candidate("BTCUSDT", 0.02))
	assert.ErrorIs(t, err, context.Canceled)
}

type mockSaver struct{ mock.Mock }

func (m *mockSaver) SaveRiskState(ctx context.Context, s types.RiskState) error {
	return m.Called(s.DailyRealizedPnL).Error(0)
}

func TestPersisterCoalescesAndFlushes(t *testing.T) {
	saver := &mockSaver{}
	saver.On("SaveRiskState", 3.0).Return(nil).Once()
	p := NewPersister(saver)
	for i := 1; i <= 3; i++ {
		s := types.NewRiskState()
		s.DailyRealizedPnL = float64(i)
		p.Offer(s)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	saver.AssertExpectations(t)
}
