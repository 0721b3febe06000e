package advisory

import (
	"math"
	"strings"

	"autotrader/internal/types"
)

const (
	ModeUncertain = "uncertain"
	ModeAlways    = "always"
	ModeNever     = "never"
)

// Policy decides whether a rule signal is worth a second opinion.
type Policy struct {
	Mode          string
	RSIOversold   float64
	RSIOverbought float64
	RSIBand       float64
	SpreadPct     float64
}

// ShouldEscalate reports whether sig is uncertain enough to consult the
// advisor. Volatility-only signals are always uncertain; otherwise the signal
// must sit near an RSI threshold or have a thin fast/slow spread.
func (p Policy) ShouldEscalate(sig types.RuleSignal) bool {
	switch strings.ToLower(strings.TrimSpace(p.Mode)) {
	case ModeAlways:
		return true
	case ModeNever:
		return false
	}
	if sig.Trigger == types.TriggerVolatility {
		return true
	}
	snap := sig.Indicators
	if snap.RSIReady && p.RSIBand > 0 {
		if math.Abs(snap.RSI-p.RSIOversold) <= p.RSIBand || math.Abs(snap.RSI-p.RSIOverbought) <= p.RSIBand {
			return true
		}
	}
	if snap.FastReady && snap.SlowReady && snap.SlowSMA > 0 && p.SpreadPct > 0 {
		if math.Abs(snap.FastSMA-snap.SlowSMA)/snap.SlowSMA <= p.SpreadPct {
			return true
		}
	}
	return false
}
