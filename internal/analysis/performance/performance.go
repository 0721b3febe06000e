// Package performance summarizes realized results from the trade log.
package performance

import (
	"sort"
	"time"

	"autotrader/internal/types"

	"github.com/shopspring/decimal"
)

type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

type Report struct {
	Trades      int           `json:"trades"`
	Wins        int           `json:"wins"`
	Losses      int           `json:"losses"`
	TotalReturn float64       `json:"total_return"`
	WinRate     float64       `json:"win_rate"`
	MaxDrawdown float64       `json:"max_drawdown"`
	Curve       []EquityPoint `json:"equity_curve"`

	// Recent holds the last outcomes, newest first.
	Recent []types.TradeResult `json:"recent"`
}

const recentOutcomes = 10

// Closed keeps only realized entries (WIN or LOSS), oldest first.
func Closed(entries []types.TradeLogEntry) []types.TradeLogEntry {
	out := make([]types.TradeLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Result == types.TradeWin || e.Result == types.TradeLoss {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// EquityCurve accumulates realized PnL starting from zero.
func EquityCurve(entries []types.TradeLogEntry) []EquityPoint {
	closed := Closed(entries)
	curve := make([]EquityPoint, 0, len(closed))
	equity := decimal.Zero
	for _, e := range closed {
		equity = equity.Add(decimal.NewFromFloat(e.PnL))
		curve = append(curve, EquityPoint{Time: e.Time, Equity: equity.InexactFloat64()})
	}
	return curve
}

// WinRate is wins over realized trades; zero when there are none.
func WinRate(entries []types.TradeLogEntry) float64 {
	wins, total := 0, 0
	for _, e := range entries {
		switch e.Result {
		case types.TradeWin:
			wins++
			total++
		case types.TradeLoss:
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

// MaxDrawdown is the largest peak-to-trough fall of the curve in quote
// currency. The starting equity of zero counts as the first peak.
func MaxDrawdown(curve []EquityPoint) float64 {
	peak := 0.0
	maxDD := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if dd := peak - p.Equity; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

func Analyze(entries []types.TradeLogEntry) Report {
	closed := Closed(entries)
	curve := EquityCurve(closed)
	rep := Report{
		Trades:      len(closed),
		Curve:       curve,
		WinRate:     WinRate(closed),
		MaxDrawdown: MaxDrawdown(curve),
		Recent:      RecentOutcomes(closed, recentOutcomes),
	}
	for _, e := range closed {
		if e.Result == types.TradeWin {
			rep.Wins++
		} else {
			rep.Losses++
		}
	}
	if len(curve) > 0 {
		rep.TotalReturn = curve[len(curve)-1].Equity
	}
	return rep
}

// RecentOutcomes lists the newest n realized results, newest first.
func RecentOutcomes(entries []types.TradeLogEntry, n int) []types.TradeResult {
	closed := Closed(entries)
	out := make([]types.TradeResult, 0, n)
	for i := len(closed) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, closed[i].Result)
	}
	return out
}
