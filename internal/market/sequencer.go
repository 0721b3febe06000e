package market

import (
	"strings"
	"sync"
	"time"

	"autotrader/internal/types"
)

// Sequencer stamps candles with a per-asset Seq. A candle whose open time is
// not after the last stamped one for the asset is a repeat (a reconnect
// overlap or REST/WS seam) and is refused, so Seq never skips or repeats.
type Sequencer struct {
	mu   sync.Mutex
	last map[string]assetSeq
}

type assetSeq struct {
	seq  uint64
	time time.Time
}

func NewSequencer() *Sequencer {
	return &Sequencer{last: make(map[string]assetSeq)}
}

// Stamp assigns the next Seq to u. It reports false for a repeated candle.
func (s *Sequencer) Stamp(u types.MarketUpdate) (types.MarketUpdate, bool) {
	u.Asset = strings.ToUpper(strings.TrimSpace(u.Asset))
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seen := s.last[u.Asset]
	if seen && !u.Time.After(prev.time) {
		return u, false
	}
	next := prev.seq + 1
	u.Seq = next
	s.last[u.Asset] = assetSeq{seq: next, time: u.Time}
	return u, true
}

// Last returns the last Seq stamped for asset.
func (s *Sequencer) Last(asset string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[strings.ToUpper(asset)].seq
}
