package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	validators := []func() error{
		c.Market.validate,
		c.Signal.validate,
		c.Advisory.validate,
		c.Risk.validate,
		c.Execution.validate,
		c.Notify.validate,
	}
	for _, fn := range validators {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch m.Source {
	case "binance":
		if len(m.NormalizedAssets()) == 0 {
			return fmt.Errorf("market.assets requires at least one asset")
		}
	case "replay":
		if strings.TrimSpace(m.ReplayPath) == "" {
			return fmt.Errorf("market.replay_path is required for source=replay")
		}
	default:
		return fmt.Errorf("market.source must be binance or replay, got %q", m.Source)
	}
	return nil
}

func (s *SignalConfig) validate() error {
	if s.FastPeriod < 1 {
		return fmt.Errorf("signal.fast_period must be >= 1")
	}
	if s.FastPeriod >= s.SlowPeriod {
		return fmt.Errorf("signal.fast_period (%d) must be < signal.slow_period (%d)", s.FastPeriod, s.SlowPeriod)
	}
	if s.RSIPeriod < 2 {
		return fmt.Errorf("signal.rsi_period must be >= 2")
	}
	for name, v := range map[string]int{
		"atr_period":     s.ATRPeriod,
		"atr_avg_period": s.ATRAvgPeriod,
		"volume_period":  s.VolumePeriod,
	} {
		if v < 1 {
			return fmt.Errorf("signal.%s must be >= 1, got %d", name, v)
		}
	}
	if !(s.RSIOversold > 0 && s.RSIOversold < s.RSIOverbought && s.RSIOverbought < 100) {
		return fmt.Errorf("signal rsi thresholds must satisfy 0 < oversold < overbought < 100")
	}
	if s.ATRSpikeMultiple <= 1 {
		return fmt.Errorf("signal.atr_spike_multiple must be > 1")
	}
	if s.VolumeConfirmMultiple < 0 {
		return fmt.Errorf("signal.volume_confirm_multiple must be >= 0")
	}
	return nil
}

func (a *AdvisoryConfig) validate() error {
	switch a.Mode {
	case "uncertain", "always", "never":
	default:
		return fmt.Errorf("advisory.mode must be uncertain, always or never, got %q", a.Mode)
	}
	if a.SizeMin <= 0 || a.SizeMin >= a.SizeMax || a.SizeMax > 1 {
		return fmt.Errorf("advisory size bounds must satisfy 0 < size_min < size_max <= 1")
	}
	if a.MinConfidence <= 0 || a.MinConfidence > 1 {
		return fmt.Errorf("advisory.min_confidence must be in (0,1]")
	}
	if a.Enabled && strings.TrimSpace(a.APIKey) == "" {
		return fmt.Errorf("advisory.api_key is required when advisory is enabled")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxPositionSize <= 0 || r.MaxPositionSize > 1 {
		return fmt.Errorf("risk.max_position_size must be in (0,1]")
	}
	if r.MaxTotalExposure < 0 || r.MaxTotalExposure > 1 {
		return fmt.Errorf("risk.max_total_exposure must be in [0,1]")
	}
	if r.ConservativeFactor <= 0 || r.ConservativeFactor > 1 {
		return fmt.Errorf("risk.conservative_factor must be in (0,1]")
	}
	if r.DefaultSize < r.MinOrderSize {
		return fmt.Errorf("risk.default_size must be >= risk.min_order_size")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	switch e.Venue {
	case "paper":
	case "binance":
		if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
			return fmt.Errorf("execution.api_key and execution.api_secret are required for venue=binance")
		}
	default:
		return fmt.Errorf("execution.venue must be paper or binance, got %q", e.Venue)
	}
	if e.BackoffBaseMillis > e.BackoffMaxMillis {
		return fmt.Errorf("execution.backoff_base_ms must be <= execution.backoff_max_ms")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}
