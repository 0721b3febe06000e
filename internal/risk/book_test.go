package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bookClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *bookClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *bookClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBook() (*Book, *bookClock) {
	clock := &bookClock{now: testNow}
	return NewBook(types.NewRiskState(), testLimits(), WithBookClock(clock.Now)), clock
}

func TestConcurrentAdmitsNeverShareHeadroom(t *testing.T) {
	book, _ := newTestBook()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := book.AdmitAndReserve(candidate("BTCUSDT", 0.05), fmt.Sprintf("k%d", i))
			if v.Admitted() {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(4), admitted.Load())
	snap := book.Snapshot()
	assert.InDelta(t, 0.20, snap.Asset("BTCUSDT").ReservedTotal(), 1e-9)
}

func TestDuplicateReservationRejected(t *testing.T) {
	book, _ := newTestBook()
	first := book.AdmitAndReserve(candidate("BTCUSDT", 0.02), "same")
	second := book.AdmitAndReserve(candidate("BTCUSDT", 0.02), "same")
	assert.True(t, first.Admitted())
	assert.Equal(t, types.ReasonDuplicateOrder, second.Reason)
	assert.InDelta(t, 0.02, book.Snapshot().Asset("BTCUSDT").ReservedTotal(), 1e-9)
}

func openPosition(t *testing.T, book *Book, key string, entry float64) {
	t.Helper()
	v := book.AdmitAndReserve(candidate("BTCUSDT", 0.02), key)
	require.True(t, v.Admitted(), "%s: %s %s", key, v.Reason, v.Detail)
	require.NoError(t, book.ApplyFill(Fill{
		Key: key, Asset: "BTCUSDT", Direction: types.DirectionBuy, Size: v.Size, Quantity: 2,
		Price: entry, StopLoss: entry - 3, TakeProfit: entry + 6, Time: testNow,
	}))
}

func TestFillAndCloseAccounting(t *testing.T) {
	book, _ := newTestBook()
	openPosition(t, book, "p1", 100)

	snap := book.Snapshot()
	a := snap.Asset("BTCUSDT")
	assert.Equal(t, 0.02, a.Exposure)
	assert.Zero(t, a.ReservedTotal())
	require.Contains(t, a.Positions, "p1")

	closed, err := book.ClosePosition("BTCUSDT", "p1", 104, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 8.0, closed.PnL)
	assert.Equal(t, types.TradeWin, closed.Result)

	snap = book.Snapshot()
	a = snap.Asset("BTCUSDT")
	assert.Zero(t, a.Exposure)
	assert.Equal(t, 8.0, a.RealizedPnL)
	assert.Equal(t, 8.0, snap.DailyRealizedPnL)
	assert.Empty(t, a.Positions)

	_, err = book.ClosePosition("BTCUSDT", "p1", 104, testNow)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
}

func TestApplyFillTwiceIsInvariantViolation(t *testing.T) {
	book, _ := newTestBook()
	openPosition(t, book, "p1", 100)
	err := book.ApplyFill(Fill{Key: "p1", Asset: "BTCUSDT", Direction: types.DirectionBuy, Size: 0.02, Quantity: 2, Price: 100})
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
}

func TestReleaseDropsReservation(t *testing.T) {
	book, _ := newTestBook()
	book.AdmitAndReserve(candidate("BTCUSDT", 0.02), "k")
	book.Release("BTCUSDT", "k")
	book.Release("BTCUSDT", "missing")
	assert.Zero(t, book.Snapshot().Asset("BTCUSDT").ReservedTotal())
}

// Three consecutive losses put the asset on cooldown: every order before
// expiry is rejected, the first one after is admitted.
func TestLossStreakCooldown(t *testing.T) {
	book, clock := newTestBook()
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("loss%d", i)
		openPosition(t, book, key, 100)
		closed, err := book.ClosePosition("BTCUSDT", key, 99, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, types.TradeLoss, closed.Result)
		assert.Equal(t, i+1, closed.Streak)
	}

	for i := 0; i < 6; i++ {
		v := book.AdmitAndReserve(candidate("BTCUSDT", 0.02), fmt.Sprintf("blocked%d", i))
		assert.Equal(t, types.ReasonCooldown, v.Reason, "attempt %d", i)
		clock.Advance(9 * time.Minute)
	}
	snap := book.Snapshot()
	assert.Zero(t, snap.Asset("BTCUSDT").ConsecutiveLosses, "arming resets the streak")
	assert.Equal(t, testNow.Add(time.Hour), snap.Asset("BTCUSDT").CooldownUntil)

	clock.Advance(10 * time.Minute)
	v := book.AdmitAndReserve(candidate("BTCUSDT", 0.02), "after")
	assert.True(t, v.Admitted())

	other := book.AdmitAndReserve(candidate("ETHUSDT", 0.02), "eth")
	assert.True(t, other.Admitted())
}

func TestMarkToMarketReportsExits(t *testing.T) {
	book, _ := newTestBook()
	openPosition(t, book, "p1", 100)

	assert.Empty(t, book.MarkToMarket("BTCUSDT", 101))
	pos, ok := book.Position("BTCUSDT", "p1")
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.Unrealized)

	hit := book.MarkToMarket("BTCUSDT", 96.5)
	require.Len(t, hit, 1)
	assert.Equal(t, "p1", hit[0].Key)

	assert.True(t, book.MarkClosing("BTCUSDT", "p1", true))
	assert.False(t, book.MarkClosing("BTCUSDT", "p1", true))
	assert.Empty(t, book.MarkToMarket("BTCUSDT", 90), "closing positions are not reported again")
	assert.True(t, book.MarkClosing("BTCUSDT", "p1", false))
	assert.Len(t, book.MarkToMarket("BTCUSDT", 110), 1)
}

func TestDailyLossFlipsModeAndRollsOver(t *testing.T) {
	book, clock := newTestBook()
	openPosition(t, book, "big", 100)
	_, err := book.ClosePosition("BTCUSDT", "big", 0.0, clock.Now()) // -200 on qty 2
	require.NoError(t, err)
	book.SetLimits(func() Limits { l := testLimits(); l.MaxDailyLoss = 0.01; return l }())

	v := book.AdmitAndReserve(candidate("ETHUSDT", 0.02), "eth1")
	assert.Equal(t, types.ReasonDailyLossLimit, v.Reason)
	assert.Equal(t, types.RiskModeConservative, book.Snapshot().Mode)

	clock.Advance(24 * time.Hour)
	v = book.AdmitAndReserve(candidate("ETHUSDT", 0.04), "eth2")
	require.True(t, v.Admitted())
	assert.Equal(t, 0.04, v.Size)
	snap := book.Snapshot()
	assert.Equal(t, types.RiskModeNormal, snap.Mode)
	assert.Zero(t, snap.DailyRealizedPnL)
}

func TestOnChangeReceivesCopies(t *testing.T) {
	var got []types.RiskState
	book := NewBook(types.NewRiskState(), testLimits(),
		WithBookClock(func() time.Time { return testNow }),
		OnChange(func(s types.RiskState) { got = append(got, s) }))
	book.AdmitAndReserve(candidate("BTCUSDT", 0.02), "k")
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	last.Assets["BTCUSDT"].Reserved["k"] = 99
	assert.Equal(t, 0.02, book.Snapshot().Asset("BTCUSDT").Reserved["k"])
}
