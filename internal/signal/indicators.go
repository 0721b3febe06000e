package signal

import (
	"math"

	"autotrader/internal/types"
)

// Params configures the rolling windows of one asset's indicator state.
type Params struct {
	FastPeriod   int
	SlowPeriod   int
	RSIPeriod    int
	ATRPeriod    int
	ATRAvgPeriod int
	VolumePeriod int
}

// wilder implements Wilder's smoothing: seeded with the simple mean of the
// first period samples, then avg = (avg*(n-1) + x) / n.
type wilder struct {
	period int
	seen   int
	seed   float64
	value  float64
}

func (w *wilder) push(x float64) {
	w.seen++
	if w.seen <= w.period {
		w.seed += x
		if w.seen == w.period {
			w.value = w.seed / float64(w.period)
		}
		return
	}
	n := float64(w.period)
	w.value = (w.value*(n-1) + x) / n
}

func (w *wilder) ready() bool { return w.seen >= w.period }

// indicatorState is the per-asset arena entry. It is mutated only by apply,
// which the generator calls in strict sequence order.
type indicatorState struct {
	fast   *window
	slow   *window
	volume *window
	atrAvg *window

	gain wilder
	loss wilder
	atr  wilder

	prevClose float64
	bars      int
	lastSeq   uint64
	last      types.IndicatorSnapshot
}

func newIndicatorState(p Params) *indicatorState {
	return &indicatorState{
		fast:   newWindow(p.FastPeriod),
		slow:   newWindow(p.SlowPeriod),
		volume: newWindow(p.VolumePeriod),
		atrAvg: newWindow(p.ATRAvgPeriod),
		gain:   wilder{period: p.RSIPeriod},
		loss:   wilder{period: p.RSIPeriod},
		atr:    wilder{period: p.ATRPeriod},
	}
}

// apply folds one update into the state and returns the new snapshot.
func (s *indicatorState) apply(u types.MarketUpdate) types.IndicatorSnapshot {
	s.fast.push(u.Close)
	s.slow.push(u.Close)
	s.volume.push(u.Volume)

	if s.bars > 0 {
		change := u.Close - s.prevClose
		s.gain.push(math.Max(change, 0))
		s.loss.push(math.Max(-change, 0))

		tr := math.Max(u.High-u.Low, math.Max(math.Abs(u.High-s.prevClose), math.Abs(u.Low-s.prevClose)))
		s.atr.push(tr)
		if s.atr.ready() {
			s.atrAvg.push(s.atr.value)
		}
	}
	s.prevClose = u.Close
	s.bars++
	s.lastSeq = u.Seq

	snap := types.IndicatorSnapshot{
		Seq:         u.Seq,
		Close:       u.Close,
		Open:        u.Open,
		Volume:      u.Volume,
		FastSMA:     s.fast.mean(),
		SlowSMA:     s.slow.mean(),
		ATR:         s.atr.value,
		ATRAvg:      s.atrAvg.mean(),
		VolumeAvg:   s.volume.mean(),
		FastReady:   s.fast.full(),
		SlowReady:   s.slow.full(),
		RSIReady:    s.gain.ready(),
		ATRReady:    s.atr.ready(),
		ATRAvgReady: s.atrAvg.full(),
		VolumeReady: s.volume.full(),
	}
	if snap.RSIReady {
		snap.RSI = rsiFrom(s.gain.value, s.loss.value)
	}
	s.last = snap
	return snap
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	total := avgGain + avgLoss
	if total == 0 {
		return 50
	}
	return 100 * avgGain / total
}
