package store

import (
	"errors"
	"sync"

	"autotrader/internal/types"
)

// CandleStore keeps a bounded trailing window of closed candles per asset
// for advisory context.
type CandleStore struct {
	max    int
	shards []candleShard
}

type candleShard struct {
	mu   sync.RWMutex
	data map[string][]types.Candle
}

const (
	defaultShardCount = 32
	defaultCandleMax  = 200
)

func NewCandleStore(max int) *CandleStore {
	return newCandleStore(defaultShardCount, max)
}

func newCandleStore(shards, max int) *CandleStore {
	if shards <= 0 {
		shards = 1
	}
	if max <= 0 {
		max = defaultCandleMax
	}
	out := &CandleStore{max: max, shards: make([]candleShard, shards)}
	for i := range out.shards {
		out.shards[i] = candleShard{data: make(map[string][]types.Candle)}
	}
	return out
}

func (s *CandleStore) shardFor(asset string) *candleShard {
	idx := hashKey(asset) % uint32(len(s.shards))
	return &s.shards[idx]
}

// Put appends a candle; a candle with the same open time replaces the last one.
func (s *CandleStore) Put(asset string, c types.Candle) error {
	if asset == "" {
		return errors.New("candle store: asset is empty")
	}
	sh := s.shardFor(asset)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := sh.data[asset]
	if n := len(cur); n > 0 && cur[n-1].OpenTime == c.OpenTime {
		cur[n-1] = c
	} else {
		cur = append(cur, c)
	}
	if len(cur) > s.max {
		// copy so the backing array does not grow without bound
		trimmed := make([]types.Candle, s.max)
		copy(trimmed, cur[len(cur)-s.max:])
		cur = trimmed
	}
	sh.data[asset] = cur
	return nil
}

// Window returns up to the last limit candles, oldest first.
func (s *CandleStore) Window(asset string, limit int) []types.Candle {
	if limit <= 0 {
		return nil
	}
	sh := s.shardFor(asset)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[asset]
	if limit > len(cur) {
		limit = len(cur)
	}
	out := make([]types.Candle, limit)
	copy(out, cur[len(cur)-limit:])
	return out
}

// Len reports how many candles are held for asset.
func (s *CandleStore) Len(asset string) int {
	sh := s.shardFor(asset)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.data[asset])
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
