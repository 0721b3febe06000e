package types

import (
	"math"
	"strings"
	"time"
)

// MarketUpdate is one closed candle for an asset. Seq increases by exactly one
// per asset; the ingestion side assigns it and never reuses it. Warmup marks
// history replayed at startup, which primes indicators but never trades.
type MarketUpdate struct {
	Asset  string    `json:"asset"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Seq    uint64    `json:"seq"`
	Warmup bool      `json:"warmup,omitempty"`
}

// Validate reports the first structural problem of the update, if any.
func (u MarketUpdate) Validate() error {
	if strings.TrimSpace(u.Asset) == "" {
		return NewReasonError(ReasonMalformedUpdate, "empty asset", ErrMalformedUpdate)
	}
	for _, v := range []float64{u.Open, u.High, u.Low, u.Close, u.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return NewReasonError(ReasonMalformedUpdate, "non-finite or negative field", ErrMalformedUpdate)
		}
	}
	if u.Close <= 0 {
		return NewReasonError(ReasonMalformedUpdate, "close must be > 0", ErrMalformedUpdate)
	}
	if u.High < u.Low {
		return NewReasonError(ReasonMalformedUpdate, "high < low", ErrMalformedUpdate)
	}
	return nil
}

// Candle is the compact OHLCV form used in advisory context windows.
type Candle struct {
	OpenTime int64   `json:"t"`
	Open     float64 `json:"o"`
	High     float64 `json:"h"`
	Low      float64 `json:"l"`
	Close    float64 `json:"c"`
	Volume   float64 `json:"v"`
}

func CandleFromUpdate(u MarketUpdate) Candle {
	return Candle{
		OpenTime: u.Time.UnixMilli(),
		Open:     u.Open,
		High:     u.High,
		Low:      u.Low,
		Close:    u.Close,
		Volume:   u.Volume,
	}
}
