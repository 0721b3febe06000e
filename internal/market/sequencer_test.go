package market

import (
	"testing"
	"time"

	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestSequencerRefusesRepeats(t *testing.T) {
	s := NewSequencer()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	u, ok := s.Stamp(types.MarketUpdate{Asset: "btcusdt", Time: base})
	assert.True(t, ok)
	assert.Equal(t, uint64(1), u.Seq)
	assert.Equal(t, "BTCUSDT", u.Asset)

	_, ok = s.Stamp(types.MarketUpdate{Asset: "BTCUSDT", Time: base})
	assert.False(t, ok)
	_, ok = s.Stamp(types.MarketUpdate{Asset: "BTCUSDT", Time: base.Add(-time.Minute)})
	assert.False(t, ok)

	u, ok = s.Stamp(types.MarketUpdate{Asset: "BTCUSDT", Time: base.Add(time.Minute)})
	assert.True(t, ok)
	assert.Equal(t, uint64(2), u.Seq)

	u, ok = s.Stamp(types.MarketUpdate{Asset: "ETHUSDT", Time: base})
	assert.True(t, ok)
	assert.Equal(t, uint64(1), u.Seq)
	assert.Equal(t, uint64(2), s.Last("btcusdt"))
}
