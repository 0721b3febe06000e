package advisory

import (
	"testing"

	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestPolicyShouldEscalate(t *testing.T) {
	p := Policy{Mode: ModeUncertain, RSIOversold: 25, RSIOverbought: 75, RSIBand: 3, SpreadPct: 0.002}

	near := testSignal() // RSI 24 sits inside the oversold band
	assert.True(t, p.ShouldEscalate(near))

	clear := testSignal()
	clear.Indicators.RSI = 50
	clear.Indicators.FastSMA = 105
	clear.Indicators.SlowSMA = 100
	assert.False(t, p.ShouldEscalate(clear))

	thin := clear
	thin.Indicators.FastSMA = 100.1
	assert.True(t, p.ShouldEscalate(thin))

	vol := clear
	vol.Trigger = types.TriggerVolatility
	assert.True(t, p.ShouldEscalate(vol))

	assert.True(t, Policy{Mode: ModeAlways}.ShouldEscalate(clear))
	assert.False(t, Policy{Mode: ModeNever}.ShouldEscalate(near))
}
