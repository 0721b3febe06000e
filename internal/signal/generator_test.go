package signal

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"autotrader/internal/types"

	"github.com/markcheno/go-talib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Params: Params{FastPeriod: 10, SlowPeriod: 50, RSIPeriod: 14, ATRPeriod: 14, ATRAvgPeriod: 20, VolumePeriod: 20},
		Thresholds: Thresholds{
			RSIOversold:      25,
			RSIOverbought:    75,
			ATRSpikeMultiple: 2,
		},
	}
}

func randomWalk(asset string, n int, seed int64) []types.MarketUpdate {
	rng := rand.New(rand.NewSource(seed))
	out := make([]types.MarketUpdate, 0, n)
	price := 100.0
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		open := price
		price = math.Max(1, price+rng.NormFloat64()*1.5)
		high := math.Max(open, price) + rng.Float64()
		low := math.Min(open, price) - rng.Float64()
		out = append(out, types.MarketUpdate{
			Asset:  asset,
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   open,
			High:   high,
			Low:    math.Max(0.01, low),
			Close:  price,
			Volume: 10 + rng.Float64()*5,
			Seq:    uint64(i + 1),
		})
	}
	return out
}

func TestIndicatorsMatchTalib(t *testing.T) {
	cfg := testConfig()
	g := NewGenerator(cfg)
	updates := randomWalk("BTCUSDT", 300, 7)

	closes := make([]float64, len(updates))
	highs := make([]float64, len(updates))
	lows := make([]float64, len(updates))
	for i, u := range updates {
		closes[i], highs[i], lows[i] = u.Close, u.High, u.Low
	}
	fast := talib.Sma(closes, cfg.Params.FastPeriod)
	slow := talib.Sma(closes, cfg.Params.SlowPeriod)
	rsi := talib.Rsi(closes, cfg.Params.RSIPeriod)
	atr := talib.Atr(highs, lows, closes, cfg.Params.ATRPeriod)

	for i, u := range updates {
		_, _, err := g.Process(u)
		require.NoError(t, err)
		snap, ok := g.Snapshot("BTCUSDT")
		require.True(t, ok)

		assert.Equal(t, i >= cfg.Params.SlowPeriod-1, snap.SlowReady, "slow ready at %d", i)
		if snap.FastReady {
			assert.InDelta(t, fast[i], snap.FastSMA, 1e-6, "fast sma at %d", i)
		}
		if snap.SlowReady {
			assert.InDelta(t, slow[i], snap.SlowSMA, 1e-6, "slow sma at %d", i)
		}
		assert.Equal(t, i >= cfg.Params.RSIPeriod, snap.RSIReady, "rsi ready at %d", i)
		if snap.RSIReady {
			assert.InDelta(t, rsi[i], snap.RSI, 1e-6, "rsi at %d", i)
		}
		assert.Equal(t, i >= cfg.Params.ATRPeriod, snap.ATRReady, "atr ready at %d", i)
		if snap.ATRReady {
			assert.InDelta(t, atr[i], snap.ATR, 1e-6, "atr at %d", i)
		}
	}
}

func TestProcessRejectsOutOfOrder(t *testing.T) {
	g := NewGenerator(testConfig())
	updates := randomWalk("ETHUSDT", 5, 1)
	for _, u := range updates[:3] {
		_, _, err := g.Process(u)
		require.NoError(t, err)
	}
	before, _ := g.Snapshot("ETHUSDT")

	_, _, err := g.Process(updates[4]) // skips seq 4
	require.ErrorIs(t, err, types.ErrOutOfOrder)
	assert.Equal(t, types.ReasonOutOfOrder, types.ReasonOf(err))

	_, _, err = g.Process(updates[1]) // replay of seq 2
	require.ErrorIs(t, err, types.ErrOutOfOrder)

	after, _ := g.Snapshot("ETHUSDT")
	assert.Equal(t, before, after, "rejected updates must not touch state")

	_, _, err = g.Process(updates[3])
	assert.NoError(t, err)
}

func TestProcessRejectsMalformed(t *testing.T) {
	g := NewGenerator(testConfig())
	_, _, err := g.Process(types.MarketUpdate{Asset: "X", Close: math.NaN(), Seq: 1})
	assert.ErrorIs(t, err, types.ErrMalformedUpdate)
	_, ok := g.Snapshot("X")
	assert.False(t, ok)
}

// Per-asset state must not depend on how updates of different assets are
// interleaved or parallelised.
func TestProcessDeterministicAcrossConcurrency(t *testing.T) {
	assets := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}
	streams := make(map[string][]types.MarketUpdate)
	for i, a := range assets {
		streams[a] = randomWalk(a, 400, int64(i+11))
	}

	sequential := NewGenerator(testConfig())
	seqSignals := map[string][]types.RuleSignal{}
	for i := 0; i < 400; i++ {
		for _, a := range assets {
			sig, ok, err := sequential.Process(streams[a][i])
			require.NoError(t, err)
			if ok {
				seqSignals[a] = append(seqSignals[a], sig)
			}
		}
	}

	concurrent := NewGenerator(testConfig())
	var mu sync.Mutex
	conSignals := map[string][]types.RuleSignal{}
	var wg sync.WaitGroup
	for _, a := range assets {
		wg.Add(1)
		go func(asset string) {
			defer wg.Done()
			var local []types.RuleSignal
			for _, u := range streams[asset] {
				sig, ok, err := concurrent.Process(u)
				if err != nil {
					t.Errorf("process %s: %v", asset, err)
					return
				}
				if ok {
					local = append(local, sig)
				}
			}
			mu.Lock()
			conSignals[asset] = local
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	for _, a := range assets {
		s1, _ := sequential.Snapshot(a)
		s2, _ := concurrent.Snapshot(a)
		assert.Equal(t, s1, s2, a)
		assert.Equal(t, seqSignals[a], conSignals[a], a)
	}
}

func TestGeneratorEmitsCrossover(t *testing.T) {
	cfg := testConfig()
	cfg.Params.FastPeriod = 2
	cfg.Params.SlowPeriod = 5
	g := NewGenerator(cfg)
	closes := []float64{10, 10, 10, 10, 10, 11}
	var got []types.RuleSignal
	for i, c := range closes {
		sig, ok, err := g.Process(types.MarketUpdate{
			Asset: "BTCUSDT", Open: c, High: c, Low: c, Close: c, Volume: 1, Seq: uint64(i + 1),
			Time: time.Unix(int64(i*60), 0),
		})
		require.NoError(t, err)
		if ok {
			got = append(got, sig)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, types.DirectionBuy, got[0].Direction)
	assert.Equal(t, types.TriggerCross, got[0].Trigger)
	assert.Equal(t, "SMA cross", got[0].Reason)
	assert.Equal(t, uint64(6), got[0].Seq)
	assert.Equal(t, 11.0, got[0].EntryPrice)
}
