package risk

import (
	"fmt"
	"math"
	"time"

	"autotrader/internal/types"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionApprove  Action = "approve"
	ActionDownsize Action = "downsize"
	ActionReject   Action = "reject"
)

// Decision is the gate's answer for one candidate. Size is the admitted
// fraction of equity; Reason is set on rejections and downsizes.
type Decision struct {
	Action Action  `json:"action"`
	Size   float64 `json:"size"`
	Reason string  `json:"reason,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

func (d Decision) Admitted() bool { return d.Action == ActionApprove || d.Action == ActionDownsize }

func reject(reason, format string, args ...any) Decision {
	return Decision{Action: ActionReject, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Verdict is a decision plus the state transitions that must be applied
// atomically with it.
type Verdict struct {
	Decision
	// TradingDay is set when now falls on a new UTC day; daily PnL and mode
	// reset before anything else.
	TradingDay string
	// Mode is the new risk mode, empty when unchanged.
	Mode types.RiskMode
	// CooldownUntil arms the asset's cooldown and resets its loss streak.
	CooldownUntil time.Time
}

// precision for fraction arithmetic; 0.20 - 0.19 must be exactly 0.01.
const precision = 8

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(precision) }

// TradingDay formats the UTC trading day of t.
func TradingDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Admit evaluates order against state and limits at now. It is pure: the
// caller applies the returned transitions.
//
// Checks run in order and the first rejection wins: cooldown, exposure
// headroom (may downsize), daily loss, loss streak.
func Admit(order types.CandidateOrder, state types.RiskState, limits Limits, now time.Time) Verdict {
	var v Verdict
	mode := state.Mode
	daily := state.DailyRealizedPnL
	if day := TradingDay(now); state.TradingDay != day {
		v.TradingDay = day
		mode = types.RiskModeNormal
		daily = 0
	}

	if order.Asset == "" || !order.Direction.Valid() || math.IsNaN(order.Size) || order.Size <= 0 {
		v.Decision = reject(types.ReasonInvalidOrder, "asset=%q direction=%s size=%v", order.Asset, order.Direction, order.Size)
		return v
	}
	asset := state.Asset(order.Asset)

	// 1. cooldown
	if now.Before(asset.CooldownUntil) {
		v.Decision = reject(types.ReasonCooldown, "until %s", asset.CooldownUntil.UTC().Format(time.RFC3339))
		return v
	}

	// 2. exposure headroom
	requested := dec(order.Size)
	if mode == types.RiskModeConservative && limits.ConservativeFactor > 0 {
		requested = requested.Mul(dec(limits.ConservativeFactor)).Round(precision)
	}
	committed := dec(asset.Exposure).Add(dec(asset.ReservedTotal()))
	headroom := dec(limits.MaxPositionSize).Sub(committed)
	if limits.MaxTotalExposure > 0 {
		total := dec(limits.MaxTotalExposure).Sub(dec(state.TotalCommitted()))
		if total.LessThan(headroom) {
			headroom = total
		}
	}
	size := requested
	action := ActionApprove
	if requested.GreaterThan(headroom) {
		if headroom.LessThan(dec(limits.MinOrderSize)) || !headroom.IsPositive() {
			v.Decision = reject(types.ReasonExposureLimit, "committed=%s headroom=%s requested=%s",
				committed.String(), headroom.String(), requested.String())
			return v
		}
		size = headroom
		action = ActionDownsize
	}

	// 3. daily loss
	if limits.Equity > 0 && limits.MaxDailyLoss > 0 {
		loss := dec(-daily).Div(dec(limits.Equity))
		if loss.GreaterThan(dec(limits.MaxDailyLoss)) {
			v.Decision = reject(types.ReasonDailyLossLimit, "daily loss %s of equity exceeds %v", loss.StringFixed(4), limits.MaxDailyLoss)
			if mode != types.RiskModeConservative {
				v.Mode = types.RiskModeConservative
			}
			return v
		}
	}

	// 4. loss streak arms the cooldown
	if limits.LossStreak > 0 && asset.ConsecutiveLosses >= limits.LossStreak {
		v.CooldownUntil = now.Add(limits.Cooldown)
		v.Decision = reject(types.ReasonCooldown, "%d consecutive losses, cooling down until %s",
			asset.ConsecutiveLosses, v.CooldownUntil.UTC().Format(time.RFC3339))
		return v
	}

	f, _ := size.Float64()
	v.Decision = Decision{Action: action, Size: f}
	if action == ActionDownsize {
		v.Reason = types.ReasonExposureLimit
		v.Detail = fmt.Sprintf("requested=%s headroom=%s", requested.String(), headroom.String())
	}
	return v
}
