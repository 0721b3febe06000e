package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"autotrader/internal/notify"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeVenue scripts venue behaviour per attempt.
type fakeVenue struct {
	mu sync.Mutex
	// failPlaces makes the first N placements return a transient error;
	// with ghost set the order still lands at the venue.
	failPlaces int
	ghost      bool
	reject     bool
	// ackOnly acknowledges without filling; fillAll fills them later.
	ackOnly    bool
	placeDelay time.Duration
	fillPrice  float64

	places  int
	queries int
	orders  map[string]VenueOrder
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{orders: make(map[string]VenueOrder), fillPrice: 100}
}

func (f *fakeVenue) Name() string { return "fake" }

func (f *fakeVenue) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if f.placeDelay > 0 {
		time.Sleep(f.placeDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.places++
	if existing, ok := f.orders[req.Key]; ok {
		return PlaceResult{Status: PlaceDuplicate, VenueOrderID: existing.ID}, nil
	}
	if f.reject {
		return PlaceResult{Status: PlaceRejected, Reason: "insufficient margin"}, nil
	}
	vo := VenueOrder{ID: fmt.Sprintf("v-%d", f.places), Key: req.Key, Status: VenueFilled, FilledQty: req.Quantity, AvgPrice: f.fillPrice}
	if f.ackOnly {
		vo.Status, vo.FilledQty, vo.AvgPrice = VenueOpen, 0, 0
	}
	if f.places <= f.failPlaces {
		if f.ghost {
			f.orders[req.Key] = vo
		}
		return PlaceResult{}, fmt.Errorf("submit: %w: %w", context.DeadlineExceeded, types.ErrExecutionTransient)
	}
	f.orders[req.Key] = vo
	ack := vo
	return PlaceResult{Status: PlaceAccepted, VenueOrderID: vo.ID, Order: &ack}, nil
}

func (f *fakeVenue) Query(_ context.Context, _ string, key string) (VenueOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	vo, ok := f.orders[key]
	if !ok {
		return VenueOrder{}, fmt.Errorf("fake %s: %w", key, types.ErrNotFound)
	}
	return vo, nil
}

func (f *fakeVenue) fillAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, vo := range f.orders {
		vo.Status = VenueFilled
		vo.AvgPrice = f.fillPrice
		vo.FilledQty = 5
		f.orders[k] = vo
	}
}

func (f *fakeVenue) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.places
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(e notify.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) find(kind notify.Kind) (notify.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return notify.Event{}, false
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

type harness struct {
	engine *Engine
	book   *risk.Book
	store  *store.MemoryStore
	events *eventLog
	sleeps *sleepRecorder
}

func testLimits() risk.Limits {
	return risk.Limits{
		MaxPositionSize:    0.2,
		MaxTotalExposure:   0.5,
		MaxDailyLoss:       0.05,
		LossStreak:         3,
		Cooldown:           time.Hour,
		ConservativeFactor: 0.5,
		MinOrderSize:       0.001,
		Equity:             10000,
	}
}

func newHarness(venue Venue) *harness {
	h := &harness{
		book:   risk.NewBook(types.NewRiskState(), testLimits(), risk.WithBookClock(func() time.Time { return t0 })),
		store:  store.NewMemoryStore(),
		events: &eventLog{},
		sleeps: &sleepRecorder{},
	}
	cfg := Config{
		MaxRetries:       3,
		BackoffBase:      100 * time.Millisecond,
		BackoffMax:       time.Second,
		FillPollAttempts: 2,
		FillPollInterval: 10 * time.Millisecond,
	}
	h.engine = NewEngine(cfg, venue, h.store, h.book,
		WithSink(h.events), WithClock(func() time.Time { return t0 }), WithSleeper(h.sleeps.sleep))
	return h
}

// approve reserves a BUY of size 0.05 (5 units at 100) in the book.
func (h *harness) approve(t *testing.T, signalTime time.Time) types.ApprovedOrder {
	t.Helper()
	cand := types.CandidateOrder{
		Asset:      "BTCUSDT",
		Direction:  types.DirectionBuy,
		Size:       0.05,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 110,
		Confidence: 0.6,
		Provenance: types.ProvenanceRuleOnly,
		SignalTime: signalTime,
	}
	key := types.IdempotencyKey(cand.Asset, cand.Direction, cand.SignalTime, types.PurposeOpen)
	v := h.book.AdmitAndReserve(cand, key)
	require.True(t, v.Admitted(), "reserve: %+v", v.Decision)
	return types.ApprovedOrder{
		CandidateOrder: cand,
		IdempotencyKey: key,
		Quantity:       5,
		Purpose:        types.PurposeOpen,
		PositionKey:    key,
	}
}

func TestExecuteFillsAndBooksExposure(t *testing.T) {
	h := newHarness(NewPaperVenue())
	order := h.approve(t, t0)

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, out.Record.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Reused)
	assert.Equal(t, 100.0, out.Record.FillPrice)

	btc := h.book.Snapshot().Asset("BTCUSDT")
	assert.InDelta(t, 0.05, btc.Exposure, 1e-12)
	assert.Empty(t, btc.Reserved)
	require.Contains(t, btc.Positions, order.IdempotencyKey)
	assert.Equal(t, 95.0, btc.Positions[order.IdempotencyKey].StopLoss)

	trades, err := h.store.RecentTrades(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.TradeOpened, trades[0].Result)

	_, ok := h.events.find(notify.KindOrderTerminal)
	assert.True(t, ok)
}

func TestExecuteConcurrentSameKeyFillsOnce(t *testing.T) {
	venue := newFakeVenue()
	venue.placeDelay = 20 * time.Millisecond
	h := newHarness(venue)
	order := h.approve(t, t0)

	const callers = 16
	outs := make([]types.OrderOutcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = h.engine.Execute(context.Background(), order)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, types.OrderFilled, outs[i].Record.Status)
	}
	assert.Equal(t, 1, venue.placeCount())

	recs, err := h.store.ListOrders(context.Background(), store.OrderQuery{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, h.book.Positions(), 1)
	assert.InDelta(t, 0.05, h.book.Snapshot().Asset("BTCUSDT").Exposure, 1e-12)

	// a later call for the same key is answered from the record
	again, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, 1, venue.placeCount())
}

func TestExecuteTimeoutThenDuplicateFillsOnce(t *testing.T) {
	venue := newFakeVenue()
	venue.failPlaces = 1
	venue.ghost = true
	venue.fillPrice = 100.5
	h := newHarness(venue)
	order := h.approve(t, t0)

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, out.Record.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, out.Record.RetryCount)
	assert.Equal(t, "v-1", out.Record.VenueOrderID)
	assert.Equal(t, 100.5, out.Record.FillPrice)
	assert.Equal(t, 2, venue.placeCount())
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, h.sleeps.waits)

	assert.Len(t, h.book.Positions(), 1)
	trades, err := h.store.RecentTrades(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestExecuteVenueRejectionFailsWithoutRetry(t *testing.T) {
	venue := newFakeVenue()
	venue.reject = true
	h := newHarness(venue)
	order := h.approve(t, t0)

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFailed, out.Record.Status)
	assert.True(t, strings.HasPrefix(out.Record.Reason, types.ReasonVenueRejected))
	assert.Equal(t, 1, venue.placeCount())
	assert.Empty(t, h.sleeps.waits)

	btc := h.book.Snapshot().Asset("BTCUSDT")
	assert.Empty(t, btc.Reserved)
	assert.Zero(t, btc.Exposure)

	ev, ok := h.events.find(notify.KindOrderTerminal)
	require.True(t, ok)
	assert.Equal(t, types.ReasonVenueRejected, ev.Reason)
}

func TestExecuteRetriesExhaustedFailsWithAlert(t *testing.T) {
	venue := newFakeVenue()
	venue.failPlaces = 100
	h := newHarness(venue)
	order := h.approve(t, t0)

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFailed, out.Record.Status)
	assert.True(t, strings.HasPrefix(out.Record.Reason, types.ReasonExecutionUnresolved))
	assert.Equal(t, 4, venue.placeCount())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, h.sleeps.waits)
	assert.Empty(t, h.book.Snapshot().Asset("BTCUSDT").Reserved)

	ev, ok := h.events.find(notify.KindExecutionUnresolved)
	require.True(t, ok)
	assert.Equal(t, notify.SeverityCritical, ev.Severity)

	unresolved, err := h.store.ListUnresolved(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestExecuteCancelledContextStillResolves(t *testing.T) {
	venue := newFakeVenue()
	venue.failPlaces = 1
	venue.ghost = true
	h := newHarness(venue)
	order := h.approve(t, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := h.engine.Execute(ctx, order)
	require.NoError(t, err)
	// the final query finds the ghost order
	assert.Equal(t, types.OrderFilled, out.Record.Status)
	assert.Equal(t, 1, venue.placeCount())
}

func TestExecuteResumesPendingRecord(t *testing.T) {
	venue := newFakeVenue()
	h := newHarness(venue)
	order := h.approve(t, t0)

	rec := newRecord(order, t0)
	require.NoError(t, h.store.CreateOrder(context.Background(), rec))
	venue.orders[order.IdempotencyKey] = VenueOrder{ID: "v-9", Key: order.IdempotencyKey, Status: VenueFilled, FilledQty: 5, AvgPrice: 101}

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, out.Reused)
	assert.Equal(t, types.OrderFilled, out.Record.Status)
	assert.Equal(t, "v-9", out.Record.VenueOrderID)
	assert.Zero(t, venue.placeCount())
	assert.Len(t, h.book.Positions(), 1)
}

func TestExecuteReplayOfFailedOrderReleasesReservation(t *testing.T) {
	venue := newFakeVenue()
	h := newHarness(venue)
	order := h.approve(t, t0)

	rec := newRecord(order, t0)
	rec.Status = types.OrderFailed
	rec.Reason = types.ReasonVenueRejected
	require.NoError(t, h.store.CreateOrder(context.Background(), rec))

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, out.Reused)
	assert.Equal(t, types.OrderFailed, out.Record.Status)
	assert.Zero(t, venue.placeCount())

	btc := h.book.Snapshot().Asset("BTCUSDT")
	assert.Empty(t, btc.Reserved)
	assert.Zero(t, btc.Exposure)
}

func TestExecuteReplayOfFilledOrderAfterCloseReleasesReservation(t *testing.T) {
	h := newHarness(newFakeVenue())
	order := h.approve(t, t0)

	// filled earlier and already closed: no position left under the key
	rec := newRecord(order, t0)
	rec.Status = types.OrderFilled
	rec.FilledQty = 5
	rec.FillPrice = 100
	require.NoError(t, h.store.CreateOrder(context.Background(), rec))

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, out.Reused)
	assert.Equal(t, types.OrderFilled, out.Record.Status)
	assert.Empty(t, h.book.Snapshot().Asset("BTCUSDT").Reserved)
	assert.Empty(t, h.book.Positions())
}

func TestExecutePartialFillScalesSize(t *testing.T) {
	venue := newFakeVenue()
	venue.ackOnly = true
	h := newHarness(venue)
	order := h.approve(t, t0)

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, types.OrderSubmitted, out.Record.Status)

	venue.mu.Lock()
	vo := venue.orders[order.IdempotencyKey]
	vo.Status, vo.FilledQty, vo.AvgPrice = VenueCanceled, 2, 100
	venue.orders[order.IdempotencyKey] = vo
	venue.mu.Unlock()

	report, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Filled)
	assert.InDelta(t, 0.02, h.book.Snapshot().Asset("BTCUSDT").Exposure, 1e-9)
}

func TestExecuteRejectsInvalidOrder(t *testing.T) {
	h := newHarness(NewPaperVenue())
	_, err := h.engine.Execute(context.Background(), types.ApprovedOrder{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Equal(t, types.ReasonInvalidOrder, types.ReasonOf(err))
}

func TestReconcileSettlesAcknowledgedOrders(t *testing.T) {
	venue := newFakeVenue()
	venue.ackOnly = true
	h := newHarness(venue)
	order := h.approve(t, t0)

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, types.OrderSubmitted, out.Record.Status)
	assert.Len(t, h.book.Snapshot().Asset("BTCUSDT").Reserved, 1)
	_, ok := h.events.find(notify.KindExecutionUnresolved)
	assert.True(t, ok)

	venue.fillAll()
	report, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Filled: 1}, report)
	assert.True(t, report.Clean())

	btc := h.book.Snapshot().Asset("BTCUSDT")
	assert.Empty(t, btc.Reserved)
	assert.InDelta(t, 0.05, btc.Exposure, 1e-12)
}

func TestReconcileFailsPendingUnknownToVenue(t *testing.T) {
	venue := newFakeVenue()
	h := newHarness(venue)
	order := h.approve(t, t0)
	require.NoError(t, h.store.CreateOrder(context.Background(), newRecord(order, t0)))

	report, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, venue.placeCount())
	assert.Empty(t, h.book.Snapshot().Asset("BTCUSDT").Reserved)
}

// staleListing reports records as they were before a concurrent settle.
type staleListing struct {
	*store.MemoryStore
	listed []types.OrderRecord
}

func (s *staleListing) ListUnresolved(context.Context) ([]types.OrderRecord, error) {
	return s.listed, nil
}

func TestReconcileRereadsRecordSettledSinceListing(t *testing.T) {
	venue := newFakeVenue()
	h := newHarness(venue)
	order := h.approve(t, t0)

	out, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, types.OrderFilled, out.Record.Status)

	stale := out.Record
	stale.Status = types.OrderSubmitted
	st := &staleListing{MemoryStore: h.store, listed: []types.OrderRecord{stale}}
	eng := NewEngine(h.engine.cfg, venue, st, h.book, WithSink(h.events), WithClock(func() time.Time { return t0 }))

	report, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Filled: 1}, report)
	assert.Len(t, h.book.Positions(), 1)
	assert.InDelta(t, 0.05, h.book.Snapshot().Asset("BTCUSDT").Exposure, 1e-12)
}

func TestCloseRealizesLoss(t *testing.T) {
	venue := NewPaperVenue()
	h := newHarness(venue)
	order := h.approve(t, t0)
	_, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)

	venue.Mark("BTCUSDT", 90)
	hits := h.book.MarkToMarket("BTCUSDT", 90)
	require.Len(t, hits, 1)

	at := t0.Add(time.Hour)
	out, err := h.engine.Close(context.Background(), hits[0], 90, at)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, out.Record.Status)
	assert.Equal(t, types.PurposeClose, out.Record.Purpose)
	assert.Equal(t, types.DirectionSell, out.Record.Direction)
	assert.Equal(t, types.CloseKey(order.IdempotencyKey, at), out.Record.IdempotencyKey)

	snap := h.book.Snapshot()
	btc := snap.Asset("BTCUSDT")
	assert.Empty(t, btc.Positions)
	assert.Zero(t, btc.Exposure)
	assert.Equal(t, 1, btc.ConsecutiveLosses)
	assert.InDelta(t, -50, snap.DailyRealizedPnL, 1e-9)

	trades, err := h.store.RecentTrades(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, types.TradeLoss, trades[0].Result)
	assert.InDelta(t, -50, trades[0].PnL, 1e-9)
	assert.Equal(t, 100.0, trades[0].EntryPrice)

	ev, ok := h.events.find(notify.KindPositionClosed)
	require.True(t, ok)
	assert.Equal(t, notify.SeverityWarn, ev.Severity)

	// closing again is refused: the position is gone
	_, err = h.engine.Close(context.Background(), hits[0], 90, at)
	assert.Error(t, err)
}

func TestCloseFailureClearsClosingFlag(t *testing.T) {
	venue := newFakeVenue()
	h := newHarness(venue)
	order := h.approve(t, t0)
	_, err := h.engine.Execute(context.Background(), order)
	require.NoError(t, err)

	venue.reject = true
	pos, ok := h.book.Position("BTCUSDT", order.IdempotencyKey)
	require.True(t, ok)
	out, err := h.engine.Close(context.Background(), pos, 90, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.OrderFailed, out.Record.Status)

	pos, ok = h.book.Position("BTCUSDT", order.IdempotencyKey)
	require.True(t, ok)
	assert.False(t, pos.Closing)
	assert.Len(t, h.book.MarkToMarket("BTCUSDT", 90), 1)
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{-1, base},
		{0, base},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, max},
		{64, max},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.retry, base, max), "retry %d", tc.retry)
	}
	assert.Equal(t, defaultBackoffBase, Backoff(0, 0, 0))
}

func TestPaperVenue(t *testing.T) {
	p := NewPaperVenue()
	ctx := context.Background()

	res, err := p.Place(ctx, PlaceRequest{Key: "k", Asset: "ETHUSDT", Direction: types.DirectionBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, PlaceRejected, res.Status)

	p.Mark("ETHUSDT", 2000)
	res, err = p.Place(ctx, PlaceRequest{Key: "k", Asset: "ETHUSDT", Direction: types.DirectionBuy, Quantity: 1, Price: 1990})
	require.NoError(t, err)
	require.Equal(t, PlaceAccepted, res.Status)
	assert.Equal(t, 2000.0, res.Order.AvgPrice)

	res, err = p.Place(ctx, PlaceRequest{Key: "k", Asset: "ETHUSDT", Direction: types.DirectionBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, PlaceDuplicate, res.Status)

	_, err = p.Query(ctx, "ETHUSDT", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
