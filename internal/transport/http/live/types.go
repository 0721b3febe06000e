package livehttp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/advisory"
	"autotrader/internal/advisory/auditlog"
	"autotrader/internal/notify"
	"autotrader/internal/pipeline"
	"autotrader/internal/risk"
	"autotrader/internal/types"
)

// RiskBook is satisfied by *risk.Book.
type RiskBook interface {
	Snapshot() types.RiskState
	Limits() risk.Limits
	SetLimits(risk.Limits)
}

type EventSource interface {
	Recent(limit int) []notify.Event
}

type AdvisoryLog interface {
	Recent(ctx context.Context, q auditlog.Query) ([]advisory.Attempt, error)
}

type LimiterView interface {
	Remaining() int
}

type PipelineView interface {
	Stats() pipeline.Stats
	Resume(asset string) bool
}

type riskResponse struct {
	State  types.RiskState `json:"state"`
	Limits limitsView      `json:"limits"`
}

type limitsView struct {
	MaxPositionSize    float64 `json:"max_position_size"`
	MaxTotalExposure   float64 `json:"max_total_exposure"`
	MaxDailyLoss       float64 `json:"max_daily_loss"`
	LossStreak         int     `json:"loss_streak"`
	CooldownMinutes    float64 `json:"cooldown_minutes"`
	ConservativeFactor float64 `json:"conservative_factor"`
	MinOrderSize       float64 `json:"min_order_size"`
	Equity             float64 `json:"equity"`
}

func viewLimits(l risk.Limits) limitsView {
	return limitsView{
		MaxPositionSize:    l.MaxPositionSize,
		MaxTotalExposure:   l.MaxTotalExposure,
		MaxDailyLoss:       l.MaxDailyLoss,
		LossStreak:         l.LossStreak,
		CooldownMinutes:    l.Cooldown.Minutes(),
		ConservativeFactor: l.ConservativeFactor,
		MinOrderSize:       l.MinOrderSize,
		Equity:             l.Equity,
	}
}

// limitsRequest is a partial update; omitted fields keep their value.
type limitsRequest struct {
	MaxPositionSize    *float64 `json:"max_position_size"`
	MaxTotalExposure   *float64 `json:"max_total_exposure"`
	MaxDailyLoss       *float64 `json:"max_daily_loss"`
	LossStreak         *int     `json:"loss_streak"`
	CooldownMinutes    *float64 `json:"cooldown_minutes"`
	ConservativeFactor *float64 `json:"conservative_factor"`
	MinOrderSize       *float64 `json:"min_order_size"`
}

func (r limitsRequest) apply(l risk.Limits) (risk.Limits, error) {
	fraction := func(name string, v *float64, dst *float64) error {
		if v == nil {
			return nil
		}
		if *v <= 0 || *v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, *v)
		}
		*dst = *v
		return nil
	}
	if err := fraction("max_position_size", r.MaxPositionSize, &l.MaxPositionSize); err != nil {
		return l, err
	}
	if err := fraction("max_total_exposure", r.MaxTotalExposure, &l.MaxTotalExposure); err != nil {
		return l, err
	}
	if err := fraction("max_daily_loss", r.MaxDailyLoss, &l.MaxDailyLoss); err != nil {
		return l, err
	}
	if err := fraction("conservative_factor", r.ConservativeFactor, &l.ConservativeFactor); err != nil {
		return l, err
	}
	if err := fraction("min_order_size", r.MinOrderSize, &l.MinOrderSize); err != nil {
		return l, err
	}
	if r.LossStreak != nil {
		if *r.LossStreak < 0 {
			return l, fmt.Errorf("loss_streak must be >= 0")
		}
		l.LossStreak = *r.LossStreak
	}
	if r.CooldownMinutes != nil {
		if *r.CooldownMinutes < 0 {
			return l, fmt.Errorf("cooldown_minutes must be >= 0")
		}
		l.Cooldown = time.Duration(*r.CooldownMinutes * float64(time.Minute))
	}
	if l.MaxTotalExposure > 0 && l.MaxPositionSize > l.MaxTotalExposure {
		return l, fmt.Errorf("max_position_size %v exceeds max_total_exposure %v", l.MaxPositionSize, l.MaxTotalExposure)
	}
	return l, nil
}

func errorsIsNotFound(err error) bool { return errors.Is(err, types.ErrNotFound) }
