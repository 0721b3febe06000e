package market

import (
	"context"
	"sync"

	"autotrader/internal/types"
)

// Feed delivers closed candles as MarketUpdates with a per-asset Seq that
// increases by exactly one. The channel closes when ctx ends or the feed is
// exhausted.
type Feed interface {
	Name() string
	Subscribe(ctx context.Context, assets []string, opts SubscribeOptions) (<-chan types.MarketUpdate, error)
	Stats() Stats
	Close() error
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type Stats struct {
	Delivered       int64  `json:"delivered"`
	Skipped         int64  `json:"skipped"`
	Reconnects      int    `json:"reconnects"`
	SubscribeErrors int    `json:"subscribe_errors"`
	LastError       string `json:"last_error,omitempty"`
}

// StatsRecorder is embedded by feeds to keep Stats consistent.
type StatsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *StatsRecorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *StatsRecorder) RecordDelivered() {
	r.mu.Lock()
	r.stats.Delivered++
	r.mu.Unlock()
}

func (r *StatsRecorder) RecordSkipped() {
	r.mu.Lock()
	r.stats.Skipped++
	r.mu.Unlock()
}

func (r *StatsRecorder) RecordSubscribeError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.stats.SubscribeErrors++
	r.stats.LastError = err.Error()
	r.mu.Unlock()
}

func (r *StatsRecorder) RecordReconnect(err error) {
	r.mu.Lock()
	r.stats.Reconnects++
	if err != nil && err.Error() != "" {
		r.stats.LastError = err.Error()
	}
	r.mu.Unlock()
}
