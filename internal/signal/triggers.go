package signal

import (
	"strconv"
	"strings"

	"autotrader/internal/types"
)

// Thresholds configures the trigger predicates.
type Thresholds struct {
	RSIOversold           float64
	RSIOverbought         float64
	ATRSpikeMultiple      float64
	VolumeConfirmMultiple float64
}

type firing struct {
	trigger   types.Trigger
	direction types.Direction
	label     string
}

// priority orders predicates for choosing the direction: crossover beats RSI,
// RSI beats volatility.
var priority = []types.Trigger{types.TriggerCross, types.TriggerRSI, types.TriggerVolatility}

// labelOrder orders the labels inside the reason string.
var labelOrder = []types.Trigger{types.TriggerRSI, types.TriggerCross, types.TriggerVolatility}

// Evaluate runs every trigger predicate on the prev→cur transition. It is
// pure: the same snapshots always yield the same result.
func Evaluate(prev, cur types.IndicatorSnapshot, th Thresholds) (types.Direction, types.Trigger, string, []types.Trigger) {
	fired := map[types.Trigger]firing{}
	if f, ok := crossover(prev, cur); ok {
		fired[f.trigger] = f
	}
	if f, ok := rsiCrossing(prev, cur, th); ok {
		fired[f.trigger] = f
	}
	if f, ok := volatilitySpike(prev, cur, th); ok {
		fired[f.trigger] = f
	}
	var winner firing
	for _, t := range priority {
		if f, ok := fired[t]; ok {
			winner = f
			break
		}
	}
	if winner.trigger == types.TriggerNone {
		return types.DirectionNone, types.TriggerNone, "", nil
	}
	var labels []string
	var triggers []types.Trigger
	for _, t := range labelOrder {
		f, ok := fired[t]
		if !ok || f.direction != winner.direction {
			continue
		}
		labels = append(labels, f.label)
		triggers = append(triggers, t)
	}
	return winner.direction, winner.trigger, strings.Join(labels, " + "), triggers
}

func crossover(prev, cur types.IndicatorSnapshot) (firing, bool) {
	if !(prev.FastReady && prev.SlowReady && cur.FastReady && cur.SlowReady) {
		return firing{}, false
	}
	switch {
	case prev.FastSMA <= prev.SlowSMA && cur.FastSMA > cur.SlowSMA:
		return firing{types.TriggerCross, types.DirectionBuy, "SMA cross"}, true
	case prev.FastSMA >= prev.SlowSMA && cur.FastSMA < cur.SlowSMA:
		return firing{types.TriggerCross, types.DirectionSell, "SMA cross"}, true
	}
	return firing{}, false
}

func rsiCrossing(prev, cur types.IndicatorSnapshot, th Thresholds) (firing, bool) {
	if !(prev.RSIReady && cur.RSIReady) {
		return firing{}, false
	}
	switch {
	case prev.RSI >= th.RSIOversold && cur.RSI < th.RSIOversold:
		return firing{types.TriggerRSI, types.DirectionBuy, "RSI<" + formatLevel(th.RSIOversold)}, true
	case prev.RSI <= th.RSIOverbought && cur.RSI > th.RSIOverbought:
		return firing{types.TriggerRSI, types.DirectionSell, "RSI>" + formatLevel(th.RSIOverbought)}, true
	}
	return firing{}, false
}

// volatilitySpike compares the current ATR with the trailing ATR average as
// of the previous bar, so the spike itself does not inflate its baseline.
func volatilitySpike(prev, cur types.IndicatorSnapshot, th Thresholds) (firing, bool) {
	if !(cur.ATRReady && prev.ATRAvgReady) || prev.ATRAvg <= 0 {
		return firing{}, false
	}
	if cur.ATR <= th.ATRSpikeMultiple*prev.ATRAvg {
		return firing{}, false
	}
	if th.VolumeConfirmMultiple > 0 {
		if !prev.VolumeReady || cur.Volume < th.VolumeConfirmMultiple*prev.VolumeAvg {
			return firing{}, false
		}
	}
	switch {
	case cur.Close > cur.Open:
		return firing{types.TriggerVolatility, types.DirectionBuy, "ATR spike"}, true
	case cur.Close < cur.Open:
		return firing{types.TriggerVolatility, types.DirectionSell, "ATR spike"}, true
	}
	return firing{}, false
}

func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
