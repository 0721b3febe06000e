package types

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionNone Direction = "NONE"
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// ParseDirection accepts the venue and advisor spellings (buy, long, open_long, ...).
func ParseDirection(raw string) Direction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "open_long":
		return DirectionBuy
	case "sell", "short", "open_short":
		return DirectionSell
	default:
		return DirectionNone
	}
}

func (d Direction) Valid() bool { return d == DirectionBuy || d == DirectionSell }

// Opposite returns the closing side for a position opened in d.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	default:
		return DirectionNone
	}
}

// Sign is +1 for BUY, -1 for SELL and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionBuy:
		return 1
	case DirectionSell:
		return -1
	default:
		return 0
	}
}

type Trigger string

const (
	TriggerNone       Trigger = ""
	TriggerCross      Trigger = "sma_cross"
	TriggerRSI        Trigger = "rsi_threshold"
	TriggerVolatility Trigger = "volatility_spike"
)

// IndicatorSnapshot is the read-only view of one asset's rolling indicators
// after a given update. Ready flags are false until the window is full.
type IndicatorSnapshot struct {
	Seq       uint64  `json:"seq"`
	Close     float64 `json:"close"`
	Open      float64 `json:"open"`
	Volume    float64 `json:"volume"`
	FastSMA   float64 `json:"fast_sma"`
	SlowSMA   float64 `json:"slow_sma"`
	RSI       float64 `json:"rsi"`
	ATR       float64 `json:"atr"`
	ATRAvg    float64 `json:"atr_avg"`
	VolumeAvg float64 `json:"volume_avg"`

	FastReady   bool `json:"fast_ready"`
	SlowReady   bool `json:"slow_ready"`
	RSIReady    bool `json:"rsi_ready"`
	ATRReady    bool `json:"atr_ready"`
	ATRAvgReady bool `json:"atr_avg_ready"`
	VolumeReady bool `json:"volume_ready"`
}

type RuleSignal struct {
	Asset      string            `json:"asset"`
	Direction  Direction         `json:"direction"`
	Reason     string            `json:"reason"`
	Trigger    Trigger           `json:"trigger"`
	Triggers   []Trigger         `json:"triggers,omitempty"`
	SourceTime time.Time         `json:"source_time"`
	Seq        uint64            `json:"seq"`
	EntryPrice float64           `json:"entry_price"`
	Indicators IndicatorSnapshot `json:"indicators"`
}
