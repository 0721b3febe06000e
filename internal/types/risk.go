package types

import "time"

type RiskMode string

const (
	RiskModeNormal       RiskMode = "normal"
	RiskModeConservative RiskMode = "conservative"
)

// Position is an open exposure created by a filled open order.
type Position struct {
	Key        string     `json:"key"`
	Asset      string     `json:"asset"`
	Direction  Direction  `json:"direction"`
	Size       float64    `json:"size"`
	Quantity   float64    `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	MarkPrice  float64    `json:"mark_price"`
	Unrealized float64    `json:"unrealized"`
	Closing    bool       `json:"closing"`
	Provenance Provenance `json:"provenance,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
}

type AssetRisk struct {
	Exposure          float64              `json:"exposure"`
	Reserved          map[string]float64   `json:"reserved,omitempty"`
	Positions         map[string]*Position `json:"positions,omitempty"`
	RealizedPnL       float64              `json:"realized_pnl"`
	UnrealizedPnL     float64              `json:"unrealized_pnl"`
	ConsecutiveLosses int                  `json:"consecutive_losses"`
	CooldownUntil     time.Time            `json:"cooldown_until"`
}

// ReservedTotal sums in-flight reservations for the asset.
func (a *AssetRisk) ReservedTotal() float64 {
	if a == nil {
		return 0
	}
	total := 0.0
	for _, v := range a.Reserved {
		total += v
	}
	return total
}

// RiskState is the shared position/risk snapshot. Values handed out by the
// book are deep copies and safe to read without locking.
type RiskState struct {
	Assets           map[string]*AssetRisk `json:"assets"`
	DailyRealizedPnL float64               `json:"daily_realized_pnl"`
	TradingDay       string                `json:"trading_day"`
	Mode             RiskMode              `json:"mode"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

func NewRiskState() RiskState {
	return RiskState{Assets: make(map[string]*AssetRisk), Mode: RiskModeNormal}
}

// Asset returns the asset entry, or an empty one when the asset is unknown.
func (s RiskState) Asset(asset string) *AssetRisk {
	if a, ok := s.Assets[asset]; ok && a != nil {
		return a
	}
	return &AssetRisk{}
}

// TotalCommitted returns exposure plus reservations across all assets.
func (s RiskState) TotalCommitted() float64 {
	total := 0.0
	for _, a := range s.Assets {
		if a == nil {
			continue
		}
		total += a.Exposure + a.ReservedTotal()
	}
	return total
}

func (s RiskState) Clone() RiskState {
	out := RiskState{
		Assets:           make(map[string]*AssetRisk, len(s.Assets)),
		DailyRealizedPnL: s.DailyRealizedPnL,
		TradingDay:       s.TradingDay,
		Mode:             s.Mode,
		UpdatedAt:        s.UpdatedAt,
	}
	for k, v := range s.Assets {
		if v == nil {
			continue
		}
		cp := *v
		cp.Reserved = make(map[string]float64, len(v.Reserved))
		for rk, rv := range v.Reserved {
			cp.Reserved[rk] = rv
		}
		cp.Positions = make(map[string]*Position, len(v.Positions))
		for pk, pv := range v.Positions {
			if pv == nil {
				continue
			}
			p := *pv
			cp.Positions[pk] = &p
		}
		out.Assets[k] = &cp
	}
	return out
}
