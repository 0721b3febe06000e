package risk

import (
	"time"

	"autotrader/internal/config"
)

// Limits are the admission thresholds. Sizes are fractions of Equity.
type Limits struct {
	MaxPositionSize    float64       `json:"max_position_size"`
	MaxTotalExposure   float64       `json:"max_total_exposure"`
	MaxDailyLoss       float64       `json:"max_daily_loss"`
	LossStreak         int           `json:"loss_streak"`
	Cooldown           time.Duration `json:"cooldown"`
	ConservativeFactor float64       `json:"conservative_factor"`
	MinOrderSize       float64       `json:"min_order_size"`
	Equity             float64       `json:"equity"`
}

func LimitsFromConfig(r config.RiskConfig, equity float64) Limits {
	return Limits{
		MaxPositionSize:    r.MaxPositionSize,
		MaxTotalExposure:   r.MaxTotalExposure,
		MaxDailyLoss:       r.MaxDailyLoss,
		LossStreak:         r.LossStreak,
		Cooldown:           r.Cooldown(),
		ConservativeFactor: r.ConservativeFactor,
		MinOrderSize:       r.MinOrderSize,
		Equity:             equity,
	}
}
