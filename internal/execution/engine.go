package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/logger"
	"autotrader/internal/notify"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/types"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Config bounds submission retries and fill polling.
type Config struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	SubmitTimeout    time.Duration
	QueryTimeout     time.Duration
	FillPollAttempts int
	FillPollInterval time.Duration
}

func ConfigFrom(c config.ExecutionConfig) Config {
	return Config{
		MaxRetries:       c.MaxRetries,
		BackoffBase:      time.Duration(c.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:       time.Duration(c.BackoffMaxMillis) * time.Millisecond,
		SubmitTimeout:    time.Duration(c.SubmitTimeoutSeconds) * time.Second,
		QueryTimeout:     time.Duration(c.QueryTimeoutSeconds) * time.Second,
		FillPollAttempts: c.FillPollAttempts,
		FillPollInterval: time.Duration(c.FillPollIntervalMillis) * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.FillPollAttempts < 0 {
		c.FillPollAttempts = 0
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = 500 * time.Millisecond
	}
	return c
}

// Engine submits approved orders exactly once per idempotency key and feeds
// fills back into the risk book.
type Engine struct {
	cfg   Config
	venue Venue
	store store.Store
	book  *risk.Book
	sink  notify.Sink
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	group    singleflight.Group
	inflight sync.WaitGroup
}

type Option func(*Engine)

func WithSink(s notify.Sink) Option { return func(e *Engine) { e.sink = s } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithSleeper replaces the backoff/poll wait. fn reports false when ctx ended first.
func WithSleeper(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(e *Engine) { e.sleep = fn }
}

func NewEngine(cfg Config, venue Venue, st store.Store, book *risk.Book, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		venue: venue,
		store: st,
		book:  book,
		sink:  notify.Nop,
		now:   time.Now,
		sleep: sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = notify.Nop
	}
	return e
}

func (e *Engine) Venue() Venue { return e.venue }

// Execute drives order to a terminal status, or to SUBMITTED when the venue
// acknowledged it but the fill is still pending. Concurrent calls for one
// key share a single submission.
func (e *Engine) Execute(ctx context.Context, order types.ApprovedOrder) (types.OrderOutcome, error) {
	if err := validateOrder(order); err != nil {
		return types.OrderOutcome{}, err
	}
	e.inflight.Add(1)
	defer e.inflight.Done()
	v, err, _ := e.group.Do(order.IdempotencyKey, func() (any, error) {
		return e.execute(ctx, order)
	})
	out, _ := v.(types.OrderOutcome)
	return out, err
}

func validateOrder(o types.ApprovedOrder) error {
	var problem string
	switch {
	case strings.TrimSpace(o.IdempotencyKey) == "":
		problem = "missing idempotency key"
	case strings.TrimSpace(o.Asset) == "":
		problem = "missing asset"
	case !o.Direction.Valid():
		problem = fmt.Sprintf("direction %q", o.Direction)
	case o.Quantity <= 0:
		problem = fmt.Sprintf("quantity %v", o.Quantity)
	case o.Purpose != types.PurposeOpen && o.Purpose != types.PurposeClose:
		problem = fmt.Sprintf("purpose %q", o.Purpose)
	case o.Purpose == types.PurposeClose && o.PositionKey == "":
		problem = "close order without position key"
	default:
		return nil
	}
	return types.NewReasonError(types.ReasonInvalidOrder, problem, types.ErrExecutionFatal)
}

func (e *Engine) execute(ctx context.Context, order types.ApprovedOrder) (types.OrderOutcome, error) {
	key := order.IdempotencyKey
	existing, err := e.store.GetOrder(ctx, key)
	switch {
	case err == nil:
		logger.Infof("[exec] %s already recorded as %s", key, existing.Status)
		out, rerr := e.resolve(ctx, existing, true)
		out.Reused = true
		if existing.Status.Terminal() && existing.Purpose == types.PurposeOpen {
			// the replayed signal reserved headroom that no fill will consume
			e.book.Release(existing.Asset, key)
		}
		return out, rerr
	case !errors.Is(err, types.ErrNotFound):
		return types.OrderOutcome{}, fmt.Errorf("load order %s: %w", key, err)
	}

	rec := newRecord(order, e.now())
	if err := e.store.CreateOrder(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			return types.OrderOutcome{}, types.Invariant("second order record for %s", key)
		}
		e.abandon(rec)
		return types.OrderOutcome{}, fmt.Errorf("create order %s: %w", key, err)
	}
	logger.Infof("[exec] %s %s %s qty=%v purpose=%s recorded", key, rec.Asset, rec.Direction, rec.Quantity, rec.Purpose)
	return e.submit(ctx, rec, 0)
}

func newRecord(o types.ApprovedOrder, now time.Time) types.OrderRecord {
	return types.OrderRecord{
		IdempotencyKey: o.IdempotencyKey,
		Status:         types.OrderPending,
		Purpose:        o.Purpose,
		Asset:          o.Asset,
		Direction:      o.Direction,
		Quantity:       o.Quantity,
		PositionKey:    o.PositionKey,
		Size:           o.Size,
		EntryPrice:     o.EntryPrice,
		StopLoss:       o.StopLoss,
		TakeProfit:     o.TakeProfit,
		Provenance:     o.Provenance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// submit places rec, retrying transient failures under the same key.
func (e *Engine) submit(ctx context.Context, rec types.OrderRecord, attempts int) (types.OrderOutcome, error) {
	req := PlaceRequest{
		Key:       rec.IdempotencyKey,
		Asset:     rec.Asset,
		Direction: rec.Direction,
		Quantity:  rec.Quantity,
		Purpose:   rec.Purpose,
		Price:     rec.EntryPrice,
	}
	var lastErr error
	for {
		attempts++
		res, err := e.place(ctx, req)
		if err == nil {
			switch res.Status {
			case PlaceAccepted:
				if rec, err = e.acknowledge(ctx, rec, res.VenueOrderID); err != nil {
					return types.OrderOutcome{Record: rec, Attempts: attempts}, err
				}
				return e.await(ctx, rec, res.Order, attempts)
			case PlaceDuplicate:
				logger.Infof("[exec] %s already known to %s, querying it", rec.IdempotencyKey, e.venue.Name())
				vo, qerr := e.query(ctx, rec)
				if qerr == nil {
					if rec, err = e.acknowledge(ctx, rec, vo.ID); err != nil {
						return types.OrderOutcome{Record: rec, Attempts: attempts}, err
					}
					return e.await(ctx, rec, &vo, attempts)
				}
				err = fmt.Errorf("duplicate reply but query failed: %w", qerr)
			case PlaceRejected:
				return e.terminate(ctx, rec, types.OrderFailed, types.ReasonVenueRejected, res.Reason, attempts)
			default:
				err = fmt.Errorf("venue %s returned status %q", e.venue.Name(), res.Status)
			}
		}
		if errors.Is(err, types.ErrExecutionFatal) {
			return e.terminate(ctx, rec, types.OrderFailed, types.ReasonVenueRejected, err.Error(), attempts)
		}
		lastErr = err
		logger.Warnf("[exec] %s attempt %d failed: %v", rec.IdempotencyKey, attempts, err)
		if attempts > e.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		rec.RetryCount = attempts
		rec.UpdatedAt = e.now()
		if uerr := e.store.UpdateOrder(detach(ctx), rec); uerr != nil {
			return types.OrderOutcome{Record: rec, Attempts: attempts}, uerr
		}
		if !e.sleep(ctx, Backoff(attempts-1, e.cfg.BackoffBase, e.cfg.BackoffMax)) {
			break
		}
	}
	return e.exhausted(ctx, rec, attempts, lastErr)
}

// exhausted runs one last query with a fresh context before giving up.
func (e *Engine) exhausted(ctx context.Context, rec types.OrderRecord, attempts int, lastErr error) (types.OrderOutcome, error) {
	qctx, cancel := context.WithTimeout(detach(ctx), e.cfg.QueryTimeout)
	defer cancel()
	vo, err := e.venue.Query(qctx, rec.Asset, rec.IdempotencyKey)
	if err == nil {
		logger.Infof("[exec] %s found at venue after failed submissions (%s)", rec.IdempotencyKey, vo.Status)
		if rec, err = e.acknowledge(ctx, rec, vo.ID); err != nil {
			return types.OrderOutcome{Record: rec, Attempts: attempts}, err
		}
		if vo.Status.Terminal() {
			return e.settle(ctx, rec, vo, attempts)
		}
		e.publishPending(rec)
		return types.OrderOutcome{Record: rec, Attempts: attempts}, nil
	}
	detail := fmt.Sprintf("%d attempts: %v; final query: %v", attempts, lastErr, err)
	return e.terminate(ctx, rec, types.OrderFailed, types.ReasonExecutionUnresolved, detail, attempts)
}

// resolve continues from a stored record. With resubmit set, a PENDING
// record the venue does not know is submitted again under its key.
func (e *Engine) resolve(ctx context.Context, rec types.OrderRecord, resubmit bool) (types.OrderOutcome, error) {
	if rec.Status.Terminal() {
		return types.OrderOutcome{Record: rec}, nil
	}
	vo, err := e.query(ctx, rec)
	switch {
	case err == nil:
		if rec, err = e.acknowledge(ctx, rec, vo.ID); err != nil {
			return types.OrderOutcome{Record: rec}, err
		}
		return e.await(ctx, rec, &vo, rec.RetryCount)
	case errors.Is(err, types.ErrNotFound) && rec.Status == types.OrderPending && resubmit:
		return e.submit(ctx, rec, rec.RetryCount)
	case errors.Is(err, types.ErrNotFound):
		return e.terminate(ctx, rec, types.OrderFailed, types.ReasonExecutionUnresolved,
			fmt.Sprintf("%s record unknown to venue", rec.Status), rec.RetryCount)
	default:
		logger.Warnf("[exec] %s query failed, left %s: %v", rec.IdempotencyKey, rec.Status, err)
		return types.OrderOutcome{Record: rec, Attempts: rec.RetryCount}, nil
	}
}

func (e *Engine) acknowledge(ctx context.Context, rec types.OrderRecord, venueID string) (types.OrderRecord, error) {
	if rec.Status == types.OrderSubmitted && (venueID == "" || venueID == rec.VenueOrderID) {
		return rec, nil
	}
	rec.Status = types.OrderSubmitted
	if venueID != "" {
		rec.VenueOrderID = venueID
	}
	rec.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(detach(ctx), rec); err != nil {
		return rec, err
	}
	logger.Infof("[exec] %s acknowledged by %s as %s", rec.IdempotencyKey, e.venue.Name(), rec.VenueOrderID)
	return rec, nil
}

// await polls until the order is terminal or the poll bound is reached.
func (e *Engine) await(ctx context.Context, rec types.OrderRecord, first *VenueOrder, attempts int) (types.OrderOutcome, error) {
	vo := first
	for poll := 0; ; poll++ {
		if vo != nil && vo.Status.Terminal() {
			return e.settle(ctx, rec, *vo, attempts)
		}
		if poll >= e.cfg.FillPollAttempts || !e.sleep(ctx, e.cfg.FillPollInterval) {
			break
		}
		q, err := e.query(ctx, rec)
		if err != nil {
			logger.Warnf("[exec] %s poll %d failed: %v", rec.IdempotencyKey, poll+1, err)
			vo = nil
			continue
		}
		vo = &q
	}
	e.publishPending(rec)
	return types.OrderOutcome{Record: rec, Attempts: attempts}, nil
}

func (e *Engine) publishPending(rec types.OrderRecord) {
	logger.Warnf("[exec] %s still open at %s, left for reconcile", rec.IdempotencyKey, e.venue.Name())
	e.sink.Publish(notify.NewEvent(notify.KindExecutionUnresolved, notify.SeverityWarn, rec.Asset,
		types.ReasonExecutionUnresolved, "acknowledged order not yet filled").
		With("key", rec.IdempotencyKey).With("status", string(rec.Status)))
}

func (e *Engine) settle(ctx context.Context, rec types.OrderRecord, vo VenueOrder, attempts int) (types.OrderOutcome, error) {
	if rec.VenueOrderID == "" {
		rec.VenueOrderID = vo.ID
	}
	// a canceled order with a partial fill still moved exposure
	if vo.Status == VenueFilled || vo.FilledQty > 0 {
		return e.fill(ctx, rec, vo, attempts)
	}
	reason := vo.Reason
	if reason == "" {
		reason = string(vo.Status)
	}
	return e.terminate(ctx, rec, types.OrderRejected, types.ReasonVenueRejected, reason, attempts)
}

func (e *Engine) fill(ctx context.Context, rec types.OrderRecord, vo VenueOrder, attempts int) (types.OrderOutcome, error) {
	qty := vo.FilledQty
	if qty <= 0 {
		qty = rec.Quantity
	}
	price := vo.AvgPrice
	if price <= 0 {
		price = rec.EntryPrice
	}
	now := e.now()
	rec.Status = types.OrderFilled
	rec.FilledQty = qty
	rec.FillPrice = price
	rec.UpdatedAt = now
	out := types.OrderOutcome{Record: rec, Attempts: attempts}
	if err := e.store.UpdateOrder(detach(ctx), rec); err != nil {
		return out, err
	}

	entry := types.TradeLogEntry{
		IdempotencyKey: rec.IdempotencyKey,
		PositionKey:    rec.PositionKey,
		Asset:          rec.Asset,
		Direction:      rec.Direction,
		Purpose:        rec.Purpose,
		Quantity:       qty,
		Price:          price,
		Provenance:     rec.Provenance,
		Time:           now,
	}
	if rec.Purpose == types.PurposeClose {
		if qty < rec.Quantity {
			logger.Warnf("[exec] close %s filled %v of %v, booking full close", rec.IdempotencyKey, qty, rec.Quantity)
		}
		closed, err := e.book.ClosePosition(rec.Asset, rec.PositionKey, price, now)
		if err != nil {
			return out, err
		}
		entry.EntryPrice = closed.Position.EntryPrice
		entry.PnL = closed.PnL
		entry.Result = closed.Result
		sev := notify.SeverityInfo
		if closed.Result == types.TradeLoss {
			sev = notify.SeverityWarn
		}
		e.sink.Publish(notify.NewEvent(notify.KindPositionClosed, sev, rec.Asset, "",
			fmt.Sprintf("%s closed %s pnl=%.4f", rec.PositionKey, closed.Result, closed.PnL)).
			With("pnl", closed.PnL).With("result", string(closed.Result)).With("streak", closed.Streak))
	} else {
		size := rec.Size
		if rec.Quantity > 0 && qty < rec.Quantity {
			size, _ = decimal.NewFromFloat(rec.Size).Mul(decimal.NewFromFloat(qty)).
				Div(decimal.NewFromFloat(rec.Quantity)).Round(8).Float64()
		}
		err := e.book.ApplyFill(risk.Fill{
			Key:        rec.PositionKey,
			Asset:      rec.Asset,
			Direction:  rec.Direction,
			Size:       size,
			Quantity:   qty,
			Price:      price,
			StopLoss:   rec.StopLoss,
			TakeProfit: rec.TakeProfit,
			Provenance: rec.Provenance,
			Time:       now,
		})
		if err != nil {
			return out, err
		}
		entry.EntryPrice = price
		entry.Result = types.TradeOpened
	}
	if err := e.store.AppendTrade(detach(ctx), entry); err != nil {
		logger.Errorf("[exec] trade log append for %s failed: %v", rec.IdempotencyKey, err)
	}
	logger.Infof("[exec] %s %s %s filled qty=%v @ %v", rec.IdempotencyKey, rec.Asset, rec.Purpose, qty, price)
	e.sink.Publish(notify.NewEvent(notify.KindOrderTerminal, notify.SeverityInfo, rec.Asset, "",
		fmt.Sprintf("%s %s %s filled %v @ %v", rec.Purpose, rec.Direction, rec.Asset, qty, price)).
		With("key", rec.IdempotencyKey).With("status", string(rec.Status)).With("attempts", attempts))
	return out, nil
}

// terminate records a non-fill terminal status and undoes the order's claim
// on the book.
func (e *Engine) terminate(ctx context.Context, rec types.OrderRecord, status types.OrderStatus, reason, detail string, attempts int) (types.OrderOutcome, error) {
	rec.Status = status
	rec.Reason = reason
	if detail != "" {
		rec.Reason = reason + ": " + detail
	}
	rec.UpdatedAt = e.now()
	err := e.store.UpdateOrder(detach(ctx), rec)
	e.abandon(rec)

	kind, sev := notify.KindOrderTerminal, notify.SeverityWarn
	if reason == types.ReasonExecutionUnresolved {
		kind, sev = notify.KindExecutionUnresolved, notify.SeverityCritical
	}
	logger.Warnf("[exec] %s %s: %s", rec.IdempotencyKey, status, rec.Reason)
	e.sink.Publish(notify.NewEvent(kind, sev, rec.Asset, reason,
		fmt.Sprintf("%s %s %s %s: %s", rec.Purpose, rec.Direction, rec.Asset, status, detail)).
		With("key", rec.IdempotencyKey).With("status", string(status)).With("attempts", attempts))
	return types.OrderOutcome{Record: rec, Attempts: attempts}, err
}

func (e *Engine) abandon(rec types.OrderRecord) {
	if rec.Purpose == types.PurposeClose {
		e.book.MarkClosing(rec.Asset, rec.PositionKey, false)
		return
	}
	e.book.Release(rec.Asset, rec.IdempotencyKey)
}

func (e *Engine) place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	return e.venue.Place(pctx, req)
}

func (e *Engine) query(ctx context.Context, rec types.OrderRecord) (VenueOrder, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	return e.venue.Query(qctx, rec.Asset, rec.IdempotencyKey)
}

// Close submits the opposite-side order for an open position whose exit was
// observed at markTime.
func (e *Engine) Close(ctx context.Context, pos types.Position, mark float64, markTime time.Time) (types.OrderOutcome, error) {
	if !e.book.MarkClosing(pos.Asset, pos.Key, true) {
		return types.OrderOutcome{}, fmt.Errorf("position %s/%s is gone or already closing", pos.Asset, pos.Key)
	}
	order := types.ApprovedOrder{
		CandidateOrder: types.CandidateOrder{
			Asset:      pos.Asset,
			Direction:  pos.Direction.Opposite(),
			Size:       pos.Size,
			EntryPrice: mark,
			Provenance: pos.Provenance,
			SignalTime: markTime,
			Reason:     exitReason(pos, mark),
		},
		IdempotencyKey: types.CloseKey(pos.Key, markTime),
		Quantity:       pos.Quantity,
		Purpose:        types.PurposeClose,
		PositionKey:    pos.Key,
	}
	logger.Infof("[exec] closing %s %s on %s at %v", pos.Asset, pos.Key, order.Reason, mark)
	out, err := e.Execute(ctx, order)
	switch {
	case err != nil && out.Record.IdempotencyKey == "":
		e.book.MarkClosing(pos.Asset, pos.Key, false)
	case out.Reused && (out.Record.Status == types.OrderFailed || out.Record.Status == types.OrderRejected):
		// replay of an exit that already failed once
		e.book.MarkClosing(pos.Asset, pos.Key, false)
	}
	return out, err
}

func exitReason(p types.Position, mark float64) string {
	hitStop := (p.Direction == types.DirectionBuy && mark <= p.StopLoss) ||
		(p.Direction == types.DirectionSell && mark >= p.StopLoss)
	if p.StopLoss > 0 && hitStop {
		return "stop_loss"
	}
	return "take_profit"
}

// ReconcileReport summarizes one pass over non-terminal records.
type ReconcileReport struct {
	Checked int `json:"checked"`
	Filled  int `json:"filled"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

func (r ReconcileReport) Clean() bool { return r.Pending == 0 }

// Reconcile queries the venue for every non-terminal record and settles
// what it can. Nothing is resubmitted.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	recs, err := e.store.ListUnresolved(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list unresolved orders: %w", err)
	}
	report := ReconcileReport{Checked: len(recs)}
	var errs error
	for _, rec := range recs {
		if ctx.Err() != nil {
			report.Pending++
			continue
		}
		v, rerr, _ := e.group.Do(rec.IdempotencyKey, func() (any, error) {
			// an execute for the same key may have settled it since the listing
			cur, err := e.store.GetOrder(ctx, rec.IdempotencyKey)
			if err != nil {
				return types.OrderOutcome{Record: rec}, fmt.Errorf("reload order: %w", err)
			}
			return e.resolve(ctx, cur, false)
		})
		out, _ := v.(types.OrderOutcome)
		switch out.Record.Status {
		case types.OrderFilled:
			report.Filled++
		case types.OrderRejected, types.OrderFailed:
			report.Failed++
		default:
			report.Pending++
		}
		if rerr != nil {
			errs = errors.Join(errs, fmt.Errorf("reconcile %s: %w", rec.IdempotencyKey, rerr))
		}
	}
	if report.Checked > 0 {
		logger.Infof("[exec] reconcile checked=%d filled=%d failed=%d pending=%d",
			report.Checked, report.Filled, report.Failed, report.Pending)
	}
	return report, errs
}

// Drain waits for in-flight executions, then reconciles.
func (e *Engine) Drain(ctx context.Context) (ReconcileReport, error) {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ReconcileReport{}, fmt.Errorf("waiting for in-flight orders: %w", ctx.Err())
	}
	return e.Reconcile(ctx)
}

// RunReconciler reconciles on every tick until ctx ends.
func (e *Engine) RunReconciler(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("[exec] periodic reconcile: %v", err)
			}
		}
	}
}

func detach(ctx context.Context) context.Context { return context.WithoutCancel(ctx) }

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
