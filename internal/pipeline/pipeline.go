package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"autotrader/internal/advisory"
	"autotrader/internal/analysis/performance"
	"autotrader/internal/execution"
	"autotrader/internal/logger"
	"autotrader/internal/notify"
	"autotrader/internal/risk"
	"autotrader/internal/signal"
	"autotrader/internal/store"
	"autotrader/internal/types"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	Shards       int
	QueueSize    int
	CandleWindow int
	TradeWindow  int
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Shards <= 0 {
		out.Shards = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.CandleWindow <= 0 {
		out.CandleWindow = 50
	}
	if out.TradeWindow <= 0 {
		out.TradeWindow = 10
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = 30 * time.Second
	}
	return out
}

// PriceMarker is implemented by venues that fill at the last observed price.
type PriceMarker interface {
	Mark(asset string, price float64)
}

type Stats struct {
	Processed int64    `json:"processed"`
	Rejected  int64    `json:"rejected"`
	Signals   int64    `json:"signals"`
	Orders    int64    `json:"orders"`
	Exits     int64    `json:"exits"`
	Halted    []string `json:"halted,omitempty"`
}

// Pipeline moves each update through generator, gateway, gate and engine.
// Updates of one asset always land on the same shard and are handled in
// arrival order; shards run concurrently.
type Pipeline struct {
	cfg       Config
	generator *signal.Generator
	gateway   *advisory.Gateway
	gate      *risk.Gate
	engine    *execution.Engine
	candles   *store.CandleStore
	store     store.Store
	sink      notify.Sink

	shards []chan types.MarketUpdate

	mu     sync.Mutex
	halted map[string]string

	processed atomic.Int64
	rejected  atomic.Int64
	signals   atomic.Int64
	orders    atomic.Int64
	exits     atomic.Int64
}

func New(cfg Config, gen *signal.Generator, gw *advisory.Gateway, gate *risk.Gate, eng *execution.Engine,
	candles *store.CandleStore, st store.Store, sink notify.Sink) *Pipeline {
	if sink == nil {
		sink = notify.Nop
	}
	final := cfg.withDefaults()
	return &Pipeline{
		cfg:       final,
		generator: gen,
		gateway:   gw,
		gate:      gate,
		engine:    eng,
		candles:   candles,
		store:     st,
		sink:      sink,
		halted:    make(map[string]string),
	}
}

// Run consumes updates until the channel closes or ctx ends, then waits for
// the shards and drains the execution engine with a fresh bounded context.
func (p *Pipeline) Run(ctx context.Context, updates <-chan types.MarketUpdate) error {
	p.shards = make([]chan types.MarketUpdate, p.cfg.Shards)
	group, gctx := errgroup.WithContext(ctx)
	for i := range p.shards {
		queue := make(chan types.MarketUpdate, p.cfg.QueueSize)
		p.shards[i] = queue
		group.Go(func() error {
			p.runShard(gctx, queue)
			return nil
		})
	}
	logger.Infof("[pipeline] running shards=%d queue=%d", p.cfg.Shards, p.cfg.QueueSize)

	p.dispatch(ctx, updates)
	for _, q := range p.shards {
		close(q)
	}
	_ = group.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	report, err := p.engine.Drain(drainCtx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if !report.Clean() {
		logger.Warnf("[pipeline] stopped with %d unresolved orders", report.Pending)
	}
	logger.Infof("[pipeline] stopped processed=%d signals=%d orders=%d", p.processed.Load(), p.signals.Load(), p.orders.Load())
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, updates <-chan types.MarketUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			q := p.shards[int(shardIndex(u.Asset, len(p.shards)))]
			select {
			case q <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runShard(ctx context.Context, queue <-chan types.MarketUpdate) {
	for u := range queue {
		if ctx.Err() != nil {
			// drain the queue without work so dispatch never blocks
			continue
		}
		p.safeHandle(ctx, u)
	}
}

func (p *Pipeline) safeHandle(ctx context.Context, u types.MarketUpdate) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[pipeline] panic handling %s seq=%d: %v", u.Asset, u.Seq, r)
			debug.PrintStack()
			p.halt(u.Asset, fmt.Sprintf("panic: %v", r))
		}
		if dur := time.Since(start); dur > 5*time.Second {
			logger.Warnf("[pipeline] slow update %s seq=%d took %v", u.Asset, u.Seq, dur)
		}
	}()
	p.Handle(ctx, u)
}

// Handle runs one update through every stage on the caller's goroutine.
// A halted asset keeps feeding its indicators and sequence so that Resume
// continues from the next bar; it only stops trading. Warmup bars do the same.
func (p *Pipeline) Handle(ctx context.Context, u types.MarketUpdate) {
	sig, ok, err := p.generator.Process(u)
	if err != nil {
		p.fail(u.Asset, err)
		return
	}
	p.processed.Add(1)
	if err := p.candles.Put(u.Asset, types.CandleFromUpdate(u)); err != nil {
		logger.Warnf("[pipeline] candle history %s: %v", u.Asset, err)
	}
	if reason, halted := p.isHalted(u.Asset); halted {
		logger.Debugf("[pipeline] %s halted (%s), not trading seq=%d", u.Asset, reason, u.Seq)
		return
	}
	if u.Warmup {
		return
	}
	if m, isMarker := p.engine.Venue().(PriceMarker); isMarker {
		m.Mark(u.Asset, u.Close)
	}

	p.checkExits(ctx, u)

	if !ok {
		return
	}
	p.signals.Add(1)
	p.sink.Publish(notify.NewEvent(notify.KindSignal, notify.SeverityInfo, sig.Asset, string(sig.Trigger), sig.Reason).
		With("direction", string(sig.Direction)).With("seq", sig.Seq).With("price", sig.EntryPrice))

	cand, out := p.gateway.Escalate(ctx, sig, p.history(ctx, sig.Asset))
	if !out.HasCandidate() {
		return
	}
	approved, decision, err := p.gate.Admit(ctx, cand)
	if err != nil || !decision.Admitted() {
		return
	}
	p.orders.Add(1)
	if _, err := p.engine.Execute(ctx, approved); err != nil {
		p.fail(u.Asset, err)
	}
}

func (p *Pipeline) checkExits(ctx context.Context, u types.MarketUpdate) {
	for _, pos := range p.gate.Book().MarkToMarket(u.Asset, u.Close) {
		p.exits.Add(1)
		if _, err := p.engine.Close(ctx, pos, u.Close, u.Time); err != nil {
			p.fail(u.Asset, err)
		}
	}
}

func (p *Pipeline) history(ctx context.Context, asset string) advisory.RecentHistory {
	hist := advisory.RecentHistory{Candles: p.candles.Window(asset, p.cfg.CandleWindow)}
	if p.store == nil {
		return hist
	}
	// opening entries interleave with outcomes, so read twice the window
	trades, err := p.store.RecentTrades(ctx, asset, 2*p.cfg.TradeWindow)
	if err != nil {
		logger.Warnf("[pipeline] recent trades %s: %v", asset, err)
		return hist
	}
	closed := performance.Closed(trades)
	if len(closed) > p.cfg.TradeWindow {
		closed = closed[len(closed)-p.cfg.TradeWindow:]
	}
	hist.Trades = closed
	return hist
}

func (p *Pipeline) fail(asset string, err error) {
	switch {
	case errors.Is(err, types.ErrInvariantViolation):
		p.halt(asset, err.Error())
	case types.IsInputError(err):
		p.rejected.Add(1)
		logger.Warnf("[pipeline] %s update rejected: %v", asset, err)
		p.sink.Publish(notify.NewEvent(notify.KindInputRejected, notify.SeverityWarn, asset, types.ReasonOf(err), err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Debugf("[pipeline] %s: %v", asset, err)
	default:
		logger.Errorf("[pipeline] %s: %v", asset, err)
	}
}

func (p *Pipeline) halt(asset, reason string) {
	p.mu.Lock()
	_, already := p.halted[asset]
	p.halted[asset] = reason
	p.mu.Unlock()
	if already {
		return
	}
	logger.Errorf("[pipeline] halting %s: %s", asset, reason)
	p.sink.Publish(notify.NewEvent(notify.KindAssetHalted, notify.SeverityCritical, asset, types.ReasonInvariantViolation, reason))
}

func (p *Pipeline) isHalted(asset string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason, ok := p.halted[asset]
	return reason, ok
}

// Resume clears a halt after an operator has inspected the asset.
func (p *Pipeline) Resume(asset string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.halted[asset]; !ok {
		return false
	}
	delete(p.halted, asset)
	logger.Infof("[pipeline] %s resumed", asset)
	return true
}

func (p *Pipeline) Stats() Stats {
	s := Stats{
		Processed: p.processed.Load(),
		Rejected:  p.rejected.Load(),
		Signals:   p.signals.Load(),
		Orders:    p.orders.Load(),
		Exits:     p.exits.Load(),
	}
	p.mu.Lock()
	for asset := range p.halted {
		s.Halted = append(s.Halted, asset)
	}
	p.mu.Unlock()
	sort.Strings(s.Halted)
	return s
}

func shardIndex(asset string, n int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(asset))
	return h.Sum32() % uint32(n)
}
