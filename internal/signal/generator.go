package signal

import (
	"fmt"
	"sync"

	"autotrader/internal/logger"
	"autotrader/internal/types"
)

// Config bundles windows and thresholds for a Generator.
type Config struct {
	Params     Params
	Thresholds Thresholds
}

type assetSlot struct {
	mu    sync.Mutex
	state *indicatorState
}

// Generator turns ordered market updates into rule signals. The arena holds
// one slot per asset; updates of different assets only contend on the arena
// lookup, never on indicator math.
type Generator struct {
	cfg Config

	mu    sync.RWMutex
	arena map[string]*assetSlot
}

func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg, arena: make(map[string]*assetSlot)}
}

func (g *Generator) slot(asset string) *assetSlot {
	g.mu.RLock()
	s, ok := g.arena[asset]
	g.mu.RUnlock()
	if ok {
		return s
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok = g.arena[asset]; ok {
		return s
	}
	s = &assetSlot{}
	g.arena[asset] = s
	return s
}

// Process applies u and returns the rule signal it produced, if any. An update
// whose Seq is not exactly last+1 fails with ErrOutOfOrder and leaves the
// state untouched.
func (g *Generator) Process(u types.MarketUpdate) (types.RuleSignal, bool, error) {
	if err := u.Validate(); err != nil {
		return types.RuleSignal{}, false, err
	}
	s := g.slot(u.Asset)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		s.state = newIndicatorState(g.cfg.Params)
	} else if u.Seq != s.state.lastSeq+1 {
		return types.RuleSignal{}, false, types.NewReasonError(types.ReasonOutOfOrder,
			fmt.Sprintf("%s seq=%d expected=%d", u.Asset, u.Seq, s.state.lastSeq+1), types.ErrOutOfOrder)
	}
	prev := s.state.last
	first := s.state.bars == 0
	cur := s.state.apply(u)
	if first {
		return types.RuleSignal{}, false, nil
	}
	dir, trig, reason, all := Evaluate(prev, cur, g.cfg.Thresholds)
	if dir == types.DirectionNone {
		return types.RuleSignal{}, false, nil
	}
	sig := types.RuleSignal{
		Asset:      u.Asset,
		Direction:  dir,
		Reason:     reason,
		Trigger:    trig,
		Triggers:   all,
		SourceTime: u.Time,
		Seq:        u.Seq,
		EntryPrice: u.Close,
		Indicators: cur,
	}
	logger.Debugf("[signal] %s seq=%d %s (%s)", u.Asset, u.Seq, dir, reason)
	return sig, true, nil
}

// Snapshot returns the latest indicator snapshot for asset.
func (g *Generator) Snapshot(asset string) (types.IndicatorSnapshot, bool) {
	g.mu.RLock()
	s, ok := g.arena[asset]
	g.mu.RUnlock()
	if !ok {
		return types.IndicatorSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return types.IndicatorSnapshot{}, false
	}
	return s.state.last, true
}

// LastSeq reports the last applied sequence number for asset.
func (g *Generator) LastSeq(asset string) (uint64, bool) {
	snap, ok := g.Snapshot(asset)
	return snap.Seq, ok
}
