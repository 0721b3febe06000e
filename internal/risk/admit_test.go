package risk

import (
	"math/rand"
	"testing"
	"time"

	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLimits() Limits {
	return Limits{
		MaxPositionSize:    0.20,
		MaxDailyLoss:       0.05,
		LossStreak:         3,
		Cooldown:           time.Hour,
		ConservativeFactor: 0.5,
		MinOrderSize:       0.001,
		Equity:             10000,
	}
}

func candidate(asset string, size float64) types.CandidateOrder {
	return types.CandidateOrder{
		Asset:      asset,
		Direction:  types.DirectionBuy,
		Size:       size,
		EntryPrice: 100,
		StopLoss:   97,
		TakeProfit: 106,
		Provenance: types.ProvenanceRuleOnly,
		SignalTime: testNow,
	}
}

func stateWith(asset string, a types.AssetRisk) types.RiskState {
	s := types.NewRiskState()
	s.TradingDay = TradingDay(testNow)
	s.Assets[asset] = &a
	return s
}

func TestAdmitDownsizesToRemainingHeadroom(t *testing.T) {
	state := stateWith("BTCUSDT", types.AssetRisk{Exposure: 0.19})
	v := Admit(candidate("BTCUSDT", 0.02), state, testLimits(), testNow)
	assert.Equal(t, ActionDownsize, v.Action)
	assert.Equal(t, 0.01, v.Size)
	assert.Equal(t, types.ReasonExposureLimit, v.Reason)
}

func TestAdmitCountsReservedExposure(t *testing.T) {
	state := stateWith("BTCUSDT", types.AssetRisk{Exposure: 0.10, Reserved: map[string]float64{"k1": 0.0995}})
	v := Admit(candidate("BTCUSDT", 0.02), state, testLimits(), testNow)
	assert.Equal(t, ActionReject, v.Action, "headroom 0.0005 is below min order size")
	assert.Equal(t, types.ReasonExposureLimit, v.Reason)
}

func TestAdmitAggregateCap(t *testing.T) {
	state := stateWith("BTCUSDT", types.AssetRisk{Exposure: 0.15})
	state.Assets["ETHUSDT"] = &types.AssetRisk{Exposure: 0.05}
	limits := testLimits()
	limits.MaxTotalExposure = 0.25
	v := Admit(candidate("BTCUSDT", 0.06), state, limits, testNow)
	assert.Equal(t, ActionDownsize, v.Action)
	assert.Equal(t, 0.05, v.Size)

	v = Admit(candidate("SOLUSDT", 0.10), state, limits, testNow)
	assert.Equal(t, ActionDownsize, v.Action)
	assert.Equal(t, 0.05, v.Size)
}

func TestAdmitCheckOrder(t *testing.T) {
	limits := testLimits()
	cases := []struct {
		name   string
		state  types.RiskState
		order  types.CandidateOrder
		action Action
		reason string
	}{
		{
			name:   "cooldown beats exposure",
			state:  stateWith("BTCUSDT", types.AssetRisk{Exposure: 0.20, CooldownUntil: testNow.Add(time.Minute)}),
			order:  candidate("BTCUSDT", 0.02),
			action: ActionReject, reason: types.ReasonCooldown,
		},
		{
			name:   "exposure beats daily loss",
			state:  func() types.RiskState { s := stateWith("BTCUSDT", types.AssetRisk{Exposure: 0.20}); s.DailyRealizedPnL = -900; return s }(),
			order:  candidate("BTCUSDT", 0.02),
			action: ActionReject, reason: types.ReasonExposureLimit,
		},
		{
			name:   "daily loss beats streak",
			state:  func() types.RiskState { s := stateWith("BTCUSDT", types.AssetRisk{ConsecutiveLosses: 3}); s.DailyRealizedPnL = -501; return s }(),
			order:  candidate("BTCUSDT", 0.02),
			action: ActionReject, reason: types.ReasonDailyLossLimit,
		},
		{
			name:   "loss at exactly the limit still trades",
			state:  func() types.RiskState { s := stateWith("BTCUSDT", types.AssetRisk{}); s.DailyRealizedPnL = -500; return s }(),
			order:  candidate("BTCUSDT", 0.02),
			action: ActionApprove,
		},
		{
			name:   "expired cooldown",
			state:  stateWith("BTCUSDT", types.AssetRisk{CooldownUntil: testNow}),
			order:  candidate("BTCUSDT", 0.02),
			action: ActionApprove,
		},
		{
			name:   "invalid direction",
			state:  types.NewRiskState(),
			order:  func() types.CandidateOrder { c := candidate("BTCUSDT", 0.02); c.Direction = types.DirectionNone; return c }(),
			action: ActionReject, reason: types.ReasonInvalidOrder,
		},
		{
			name:   "non-positive size",
			state:  types.NewRiskState(),
			order:  candidate("BTCUSDT", 0),
			action: ActionReject, reason: types.ReasonInvalidOrder,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := Admit(c.order, c.state, limits, testNow)
			assert.Equal(t, c.action, v.Action)
			assert.Equal(t, c.reason, v.Reason)
		})
	}
}

func TestAdmitDailyLossSwitchesToConservative(t *testing.T) {
	state := stateWith("BTCUSDT", types.AssetRisk{})
	state.DailyRealizedPnL = -600
	v := Admit(candidate("BTCUSDT", 0.02), state, testLimits(), testNow)
	assert.Equal(t, types.ReasonDailyLossLimit, v.Reason)
	assert.Equal(t, types.RiskModeConservative, v.Mode)

	state.Mode = types.RiskModeConservative
	v = Admit(candidate("BTCUSDT", 0.02), state, testLimits(), testNow)
	assert.Empty(t, v.Mode, "already conservative")
}

func TestAdmitConservativeScalesSize(t *testing.T) {
	state := stateWith("BTCUSDT", types.AssetRisk{})
	state.Mode = types.RiskModeConservative
	v := Admit(candidate("BTCUSDT", 0.04), state, testLimits(), testNow)
	assert.Equal(t, ActionApprove, v.Action)
	assert.Equal(t, 0.02, v.Size)
}

func TestAdmitRolloverResetsDay(t *testing.T) {
	state := stateWith("BTCUSDT", types.AssetRisk{})
	state.TradingDay = "2024-02-29"
	state.DailyRealizedPnL = -900
	state.Mode = types.RiskModeConservative
	v := Admit(candidate("BTCUSDT", 0.04), state, testLimits(), testNow)
	assert.Equal(t, "2024-03-01", v.TradingDay)
	assert.Equal(t, ActionApprove, v.Action)
	assert.Equal(t, 0.04, v.Size, "mode resets with the day")
}

func TestAdmitStreakArmsCooldown(t *testing.T) {
	state := stateWith("BTCUSDT", types.AssetRisk{ConsecutiveLosses: 3})
	v := Admit(candidate("BTCUSDT", 0.02), state, testLimits(), testNow)
	assert.Equal(t, ActionReject, v.Action)
	assert.Equal(t, types.ReasonCooldown, v.Reason)
	assert.Equal(t, testNow.Add(time.Hour), v.CooldownUntil)

	other := Admit(candidate("ETHUSDT", 0.02), state, testLimits(), testNow)
	assert.Equal(t, ActionApprove, other.Action, "streaks are per asset")
}

// An order over the position limit is never approved at its original size.
func TestAdmitNeverApprovesOversizedOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	limits := testLimits()
	for i := 0; i < 5000; i++ {
		a := types.AssetRisk{
			Exposure: rng.Float64() * 0.25,
			Reserved: map[string]float64{"r": rng.Float64() * 0.05},
		}
		state := stateWith("BTCUSDT", a)
		size := 0.001 + rng.Float64()*0.3
		v := Admit(candidate("BTCUSDT", size), state, limits, testNow)
		committed := a.Exposure + a.ReservedTotal()
		if v.Admitted() {
			require.LessOrEqual(t, committed+v.Size, limits.MaxPositionSize+1e-9, "iteration %d", i)
		}
		if committed+size > limits.MaxPositionSize+1e-9 {
			require.False(t, v.Action == ActionApprove && v.Size == size, "iteration %d approved oversized order", i)
		}
	}
}
