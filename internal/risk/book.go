package risk

import (
	"sort"
	"sync"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/types"
)

// Fill is an acknowledged opening fill.
type Fill struct {
	Key        string
	Asset      string
	Direction  types.Direction
	Size       float64
	Quantity   float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Provenance types.Provenance
	Time       time.Time
}

// Closed describes a realized position.
type Closed struct {
	Position types.Position
	Exit     float64
	PnL      float64
	Result   types.TradeResult
	Streak   int
}

// Book is the single owner of RiskState. Every read-modify-write happens
// under one mutex: admission with its reservation, fills, closes and marks.
type Book struct {
	mu       sync.Mutex
	state    types.RiskState
	limits   Limits
	now      func() time.Time
	onChange func(types.RiskState)
}

type BookOption func(*Book)

func WithBookClock(now func() time.Time) BookOption { return func(b *Book) { b.now = now } }

// OnChange registers a hook called with a copy of the state after every
// mutation. It runs under the lock and must not block.
func OnChange(fn func(types.RiskState)) BookOption { return func(b *Book) { b.onChange = fn } }

func NewBook(initial types.RiskState, limits Limits, opts ...BookOption) *Book {
	if initial.Assets == nil {
		initial.Assets = make(map[string]*types.AssetRisk)
	}
	if initial.Mode == "" {
		initial.Mode = types.RiskModeNormal
	}
	b := &Book{state: initial.Clone(), limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Book) Snapshot() types.RiskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

func (b *Book) Limits() Limits {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limits
}

// SetLimits swaps the limits for subsequent admissions. Reservations already
// made are kept.
func (b *Book) SetLimits(l Limits) {
	b.mu.Lock()
	b.limits = l
	b.mu.Unlock()
	logger.Infof("[risk] limits updated max_position=%.4f max_total=%.4f max_daily_loss=%.4f streak=%d cooldown=%s",
		l.MaxPositionSize, l.MaxTotalExposure, l.MaxDailyLoss, l.LossStreak, l.Cooldown)
}

func (b *Book) asset(name string) *types.AssetRisk {
	a, ok := b.state.Assets[name]
	if !ok || a == nil {
		a = &types.AssetRisk{}
		b.state.Assets[name] = a
	}
	if a.Reserved == nil {
		a.Reserved = make(map[string]float64)
	}
	if a.Positions == nil {
		a.Positions = make(map[string]*types.Position)
	}
	return a
}

func (b *Book) changed() {
	b.state.UpdatedAt = b.now().UTC()
	if b.onChange != nil {
		b.onChange(b.state.Clone())
	}
}

func (b *Book) rollover(now time.Time) {
	if day := TradingDay(now); b.state.TradingDay != day {
		if b.state.TradingDay != "" {
			logger.Infof("[risk] trading day %s -> %s, daily pnl %.4f reset", b.state.TradingDay, day, b.state.DailyRealizedPnL)
		}
		b.state.TradingDay = day
		b.state.DailyRealizedPnL = 0
		b.state.Mode = types.RiskModeNormal
	}
}

// AdmitAndReserve runs Admit against the live state, applies its transitions
// and reserves the admitted size under key, all under the lock.
func (b *Book) AdmitAndReserve(order types.CandidateOrder, key string) Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if a, ok := b.state.Assets[order.Asset]; ok && a != nil {
		if _, dup := a.Reserved[key]; dup {
			return Verdict{Decision: reject(types.ReasonDuplicateOrder, "key %s already reserved", key)}
		}
		if _, dup := a.Positions[key]; dup {
			return Verdict{Decision: reject(types.ReasonDuplicateOrder, "key %s already filled", key)}
		}
	}

	v := Admit(order, b.state, b.limits, now)
	mutated := false
	if v.TradingDay != "" {
		b.rollover(now)
		mutated = true
	}
	if v.Mode != "" && v.Mode != b.state.Mode {
		logger.Warnf("[risk] mode %s -> %s (%s)", b.state.Mode, v.Mode, v.Reason)
		b.state.Mode = v.Mode
		mutated = true
	}
	if !v.CooldownUntil.IsZero() {
		a := b.asset(order.Asset)
		a.CooldownUntil = v.CooldownUntil
		a.ConsecutiveLosses = 0
		mutated = true
	}
	if v.Admitted() {
		b.asset(order.Asset).Reserved[key] = v.Size
		mutated = true
	}
	if mutated {
		b.changed()
	}
	return v
}

// Release drops a reservation after a terminal non-fill.
func (b *Book) Release(asset, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.state.Assets[asset]
	if !ok || a == nil {
		return
	}
	if _, ok := a.Reserved[key]; !ok {
		return
	}
	delete(a.Reserved, key)
	b.changed()
}

// ApplyFill turns the reservation for f.Key into exposure and an open
// position.
func (b *Book) ApplyFill(f Fill) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.asset(f.Asset)
	if _, exists := a.Positions[f.Key]; exists {
		return types.Invariant("fill for %s applied twice", f.Key)
	}
	if _, ok := a.Reserved[f.Key]; !ok {
		logger.Warnf("[risk] fill %s %s without reservation, booking exposure anyway", f.Asset, f.Key)
	}
	delete(a.Reserved, f.Key)
	a.Exposure = roundFraction(a.Exposure + f.Size)
	a.Positions[f.Key] = &types.Position{
		Key:        f.Key,
		Asset:      f.Asset,
		Direction:  f.Direction,
		Size:       f.Size,
		Quantity:   f.Quantity,
		EntryPrice: f.Price,
		StopLoss:   f.StopLoss,
		TakeProfit: f.TakeProfit,
		MarkPrice:  f.Price,
		Provenance: f.Provenance,
		OpenedAt:   f.Time,
	}
	b.changed()
	return nil
}

// ClosePosition realizes PnL for positionKey at exit and updates the loss
// streak.
func (b *Book) ClosePosition(asset, positionKey string, exit float64, at time.Time) (Closed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.state.Assets[asset]
	if !ok || a == nil {
		return Closed{}, types.Invariant("close of unknown asset %s", asset)
	}
	pos, ok := a.Positions[positionKey]
	if !ok || pos == nil {
		return Closed{}, types.Invariant("close of unknown position %s/%s", asset, positionKey)
	}

	exposure := roundFraction(a.Exposure - pos.Size)
	if exposure < 0 {
		return Closed{}, types.Invariant("exposure for %s would go negative (%v)", asset, exposure)
	}
	pnl := (exit - pos.EntryPrice) * pos.Direction.Sign() * pos.Quantity
	delete(a.Positions, positionKey)
	a.Exposure = exposure
	b.rollover(at)
	a.RealizedPnL += pnl
	a.UnrealizedPnL = unrealized(a)
	b.state.DailyRealizedPnL += pnl

	result := types.TradeWin
	if pnl < 0 {
		result = types.TradeLoss
		a.ConsecutiveLosses++
	} else {
		a.ConsecutiveLosses = 0
	}
	b.changed()
	return Closed{Position: *pos, Exit: exit, PnL: pnl, Result: result, Streak: a.ConsecutiveLosses}, nil
}

// MarkToMarket updates unrealized PnL for the asset's positions and returns
// those whose stop or target has been touched and are not already closing.
func (b *Book) MarkToMarket(asset string, price float64) []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.state.Assets[asset]
	if !ok || a == nil || len(a.Positions) == 0 {
		return nil
	}
	var hit []types.Position
	for _, p := range a.Positions {
		p.MarkPrice = price
		p.Unrealized = (price - p.EntryPrice) * p.Direction.Sign() * p.Quantity
		if p.Closing {
			continue
		}
		if exitTouched(*p, price) {
			hit = append(hit, *p)
		}
	}
	a.UnrealizedPnL = unrealized(a)
	sort.Slice(hit, func(i, j int) bool { return hit[i].OpenedAt.Before(hit[j].OpenedAt) })
	return hit
}

func exitTouched(p types.Position, price float64) bool {
	switch p.Direction {
	case types.DirectionBuy:
		return (p.StopLoss > 0 && price <= p.StopLoss) || (p.TakeProfit > 0 && price >= p.TakeProfit)
	case types.DirectionSell:
		return (p.StopLoss > 0 && price >= p.StopLoss) || (p.TakeProfit > 0 && price <= p.TakeProfit)
	}
	return false
}

// MarkClosing flags a position so it is closed only once. It reports false
// when the position is gone or already closing.
func (b *Book) MarkClosing(asset, positionKey string, closing bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.state.Assets[asset]
	if !ok || a == nil {
		return false
	}
	p, ok := a.Positions[positionKey]
	if !ok || p == nil {
		return false
	}
	if closing && p.Closing {
		return false
	}
	p.Closing = closing
	return true
}

// Position returns a copy of an open position.
func (b *Book) Position(asset, positionKey string) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.state.Assets[asset]
	if !ok || a == nil {
		return types.Position{}, false
	}
	p, ok := a.Positions[positionKey]
	if !ok || p == nil {
		return types.Position{}, false
	}
	return *p, true
}

// Positions lists open positions, oldest first.
func (b *Book) Positions() []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Position
	for _, a := range b.state.Assets {
		if a == nil {
			continue
		}
		for _, p := range a.Positions {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func unrealized(a *types.AssetRisk) float64 {
	total := 0.0
	for _, p := range a.Positions {
		total += p.Unrealized
	}
	return total
}

func roundFraction(v float64) float64 {
	f, _ := dec(v).Float64()
	return f
}
