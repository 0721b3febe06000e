package config

import "strings"

const (
	defaultAppEnv       = "dev"
	defaultAppLogLevel  = "info"
	defaultAppLogFormat = "text"

	defaultMarketSource   = "binance"
	defaultMarketInterval = "1m"
	defaultMarketREST     = "https://fapi.binance.com"
	defaultWarmupBars     = 120

	defaultFastPeriod    = 10
	defaultSlowPeriod    = 50
	defaultRSIPeriod     = 14
	defaultRSIOversold   = 25
	defaultRSIOverbought = 75
	defaultATRPeriod     = 14
	defaultATRAvgPeriod  = 20
	defaultATRSpike      = 2.0
	defaultVolumePeriod  = 20

	defaultAdvisoryMode      = "uncertain"
	defaultAdvisoryMaxCalls  = 20
	defaultAdvisoryWindow    = 60
	defaultAdvisoryTimeout   = 20
	defaultAdvisoryAPI       = "https://api.openai.com/v1"
	defaultAdvisoryModel     = "gpt-4o-mini"
	defaultAdvisoryCandles   = 30
	defaultAdvisoryTrades    = 10
	defaultAdvisorySizeMin   = 0.001
	defaultAdvisorySizeMax   = 0.25
	defaultAdvisoryMinConf   = 0.6
	defaultAdvisoryRSIBand   = 3
	defaultAdvisorySpreadPct = 0.002
	defaultAdvisoryAudit     = "data/advisory_audit.db"
	defaultAdvisoryBreaker   = 5
	defaultAdvisoryBreakerCD = 300

	defaultMaxPositionSize    = 0.20
	defaultMaxDailyLoss       = 0.05
	defaultLossStreak         = 3
	defaultCooldownMinutes    = 60
	defaultConservativeFactor = 0.5
	defaultMinOrderSize       = 0.001
	defaultOrderSize          = 0.02
	defaultStopATR            = 1.5
	defaultTakeATR            = 3.0
	defaultStopPct            = 0.02
	defaultTakePct            = 0.04

	defaultVenue            = "paper"
	defaultEquity           = 10000
	defaultQtyDecimals      = 6
	defaultMaxRetries       = 4
	defaultBackoffBase      = 500
	defaultBackoffMax       = 8000
	defaultSubmitTimeout    = 10
	defaultQueryTimeout     = 5
	defaultFillPollAttempts = 10
	defaultFillPollInterval = 500
	defaultReconcileTimeout = 30

	defaultShards    = 8
	defaultQueueSize = 256

	defaultStoragePath = "data/autotrader.db"
	defaultNotifyBuf   = 256
	defaultRecentSize  = 500
	defaultHTTPAddr    = ":9991"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Advisory.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Pipeline.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.source", &m.Source, defaultMarketSource),
		stringFieldDefault("market.interval", &m.Interval, defaultMarketInterval),
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		intFieldDefault("market.warmup_bars", &m.WarmupBars, defaultWarmupBars),
	)
	m.Source = strings.ToLower(strings.TrimSpace(m.Source))
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("signal.fast_period", &s.FastPeriod, defaultFastPeriod),
		intFieldDefault("signal.slow_period", &s.SlowPeriod, defaultSlowPeriod),
		intFieldDefault("signal.rsi_period", &s.RSIPeriod, defaultRSIPeriod),
		floatFieldDefault("signal.rsi_oversold", &s.RSIOversold, defaultRSIOversold),
		floatFieldDefault("signal.rsi_overbought", &s.RSIOverbought, defaultRSIOverbought),
		intFieldDefault("signal.atr_period", &s.ATRPeriod, defaultATRPeriod),
		intFieldDefault("signal.atr_avg_period", &s.ATRAvgPeriod, defaultATRAvgPeriod),
		floatFieldDefault("signal.atr_spike_multiple", &s.ATRSpikeMultiple, defaultATRSpike),
		intFieldDefault("signal.volume_period", &s.VolumePeriod, defaultVolumePeriod),
	)
}

func (a *AdvisoryConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("advisory.mode", &a.Mode, defaultAdvisoryMode),
		intFieldDefault("advisory.max_calls_per_hour", &a.MaxCallsPerHour, defaultAdvisoryMaxCalls),
		intFieldDefault("advisory.window_minutes", &a.WindowMinutes, defaultAdvisoryWindow),
		intFieldDefault("advisory.timeout_seconds", &a.TimeoutSeconds, defaultAdvisoryTimeout),
		stringFieldDefault("advisory.api_url", &a.APIURL, defaultAdvisoryAPI),
		stringFieldDefault("advisory.model", &a.Model, defaultAdvisoryModel),
		intFieldDefault("advisory.candle_window", &a.CandleWindow, defaultAdvisoryCandles),
		intFieldDefault("advisory.trade_window", &a.TradeWindow, defaultAdvisoryTrades),
		floatFieldDefault("advisory.size_min", &a.SizeMin, defaultAdvisorySizeMin),
		floatFieldDefault("advisory.size_max", &a.SizeMax, defaultAdvisorySizeMax),
		floatFieldDefault("advisory.min_confidence", &a.MinConfidence, defaultAdvisoryMinConf),
		floatFieldDefault("advisory.uncertain_rsi_band", &a.RSIBand, defaultAdvisoryRSIBand),
		floatFieldDefault("advisory.uncertain_spread_pct", &a.SpreadPct, defaultAdvisorySpreadPct),
		stringFieldDefault("advisory.audit_path", &a.AuditPath, defaultAdvisoryAudit),
		intFieldDefault("advisory.breaker_threshold", &a.BreakerThreshold, defaultAdvisoryBreaker),
		intFieldDefault("advisory.breaker_cooldown_seconds", &a.BreakerCooldownSeconds, defaultAdvisoryBreakerCD),
	)
	a.Mode = strings.ToLower(strings.TrimSpace(a.Mode))
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_position_size", &r.MaxPositionSize, defaultMaxPositionSize),
		floatFieldDefault("risk.max_daily_loss", &r.MaxDailyLoss, defaultMaxDailyLoss),
		intFieldDefault("risk.loss_streak", &r.LossStreak, defaultLossStreak),
		intFieldDefault("risk.cooldown_minutes", &r.CooldownMinutes, defaultCooldownMinutes),
		floatFieldDefault("risk.conservative_factor", &r.ConservativeFactor, defaultConservativeFactor),
		floatFieldDefault("risk.min_order_size", &r.MinOrderSize, defaultMinOrderSize),
		floatFieldDefault("risk.default_size", &r.DefaultSize, defaultOrderSize),
		floatFieldDefault("risk.stop_atr", &r.StopATR, defaultStopATR),
		floatFieldDefault("risk.take_atr", &r.TakeATR, defaultTakeATR),
		floatFieldDefault("risk.stop_pct", &r.StopPct, defaultStopPct),
		floatFieldDefault("risk.take_pct", &r.TakePct, defaultTakePct),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("execution.venue", &e.Venue, defaultVenue),
		floatFieldDefault("execution.account_equity", &e.AccountEquity, defaultEquity),
		fieldDefault{
			key:   "execution.quantity_decimals",
			need:  func() bool { return e.QuantityDecimals <= 0 },
			apply: func() { e.QuantityDecimals = defaultQtyDecimals },
		},
		intFieldDefault("execution.max_retries", &e.MaxRetries, defaultMaxRetries),
		intFieldDefault("execution.backoff_base_ms", &e.BackoffBaseMillis, defaultBackoffBase),
		intFieldDefault("execution.backoff_max_ms", &e.BackoffMaxMillis, defaultBackoffMax),
		intFieldDefault("execution.submit_timeout_seconds", &e.SubmitTimeoutSeconds, defaultSubmitTimeout),
		intFieldDefault("execution.query_timeout_seconds", &e.QueryTimeoutSeconds, defaultQueryTimeout),
		intFieldDefault("execution.fill_poll_attempts", &e.FillPollAttempts, defaultFillPollAttempts),
		intFieldDefault("execution.fill_poll_interval_ms", &e.FillPollIntervalMillis, defaultFillPollInterval),
		intFieldDefault("execution.reconcile_timeout_seconds", &e.ReconcileTimeoutSeconds, defaultReconcileTimeout),
	)
	e.Venue = strings.ToLower(strings.TrimSpace(e.Venue))
}

func (p *PipelineConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("pipeline.shards", &p.Shards, defaultShards),
		intFieldDefault("pipeline.queue_size", &p.QueueSize, defaultQueueSize),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("storage.path", &s.Path, defaultStoragePath))
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("notify.buffer_size", &n.BufferSize, defaultNotifyBuf),
		intFieldDefault("notify.recent_size", &n.RecentSize, defaultRecentSize),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr))
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}
