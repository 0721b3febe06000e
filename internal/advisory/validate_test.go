package advisory

import (
	"testing"

	"autotrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReply(t *testing.T) {
	b := Bounds{SizeMin: 0.001, SizeMax: 0.25, MinConfidence: 0.6}
	buy := types.AdvisoryReply{Direction: types.DirectionBuy, Size: 0.05, StopLoss: 95, TakeProfit: 110, Confidence: 0.7}
	sell := types.AdvisoryReply{Direction: types.DirectionSell, Size: 0.05, StopLoss: 105, TakeProfit: 90, Confidence: 0.7}

	cases := []struct {
		name       string
		mutate     func(r types.AdvisoryReply) types.AdvisoryReply
		base       types.AdvisoryReply
		constraint string
	}{
		{"valid buy", nil, buy, ""},
		{"valid sell", nil, sell, ""},
		{"size too large", func(r types.AdvisoryReply) types.AdvisoryReply { r.Size = 1.5; return r }, buy, ConstraintSizeRange},
		{"size zero", func(r types.AdvisoryReply) types.AdvisoryReply { r.Size = 0; return r }, buy, ConstraintSizeRange},
		{"buy stop at entry", func(r types.AdvisoryReply) types.AdvisoryReply { r.StopLoss = 100; return r }, buy, ConstraintStopSide},
		{"buy take below entry", func(r types.AdvisoryReply) types.AdvisoryReply { r.TakeProfit = 99; return r }, buy, ConstraintTakeSide},
		{"sell stop below entry", func(r types.AdvisoryReply) types.AdvisoryReply { r.StopLoss = 99; return r }, sell, ConstraintStopSide},
		{"sell take above entry", func(r types.AdvisoryReply) types.AdvisoryReply { r.TakeProfit = 101; return r }, sell, ConstraintTakeSide},
		{"negative stop", func(r types.AdvisoryReply) types.AdvisoryReply { r.StopLoss = -1; return r }, buy, ConstraintLevelPositive},
		{"low confidence", func(r types.AdvisoryReply) types.AdvisoryReply { r.Confidence = 0.5; return r }, buy, ConstraintConfidenceMin},
		{"confidence above one", func(r types.AdvisoryReply) types.AdvisoryReply { r.Confidence = 1.2; return r }, buy, ConstraintConfidenceRange},
		{"no-trade reply skips levels", func(r types.AdvisoryReply) types.AdvisoryReply {
			return types.AdvisoryReply{Direction: types.DirectionNone, Confidence: 0.9}
		}, buy, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := c.base
			if c.mutate != nil {
				r = c.mutate(r)
			}
			err := ValidateReply(r, 100, b)
			if c.constraint == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrAdvisoryUnavailable)
			assert.Equal(t, types.ReasonAdvisoryRange, types.ReasonOf(err))
			assert.Equal(t, c.constraint, Constraint(err))
		})
	}
}
