package config

import (
	"strings"
	"time"
)

// Config is the root configuration of the pipeline.
type Config struct {
	App       AppConfig       `toml:"app"`
	Market    MarketConfig    `toml:"market"`
	Signal    SignalConfig    `toml:"signal"`
	Advisory  AdvisoryConfig  `toml:"advisory"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Storage   StorageConfig   `toml:"storage"`
	Notify    NotifyConfig    `toml:"notify"`
	HTTP      HTTPConfig      `toml:"http"`
}

type AppConfig struct {
	Env          string `toml:"env"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	LogPath      string `toml:"log_path"`
	AdvisoryLog  string `toml:"advisory_log_path"`
	AdvisoryDump bool   `toml:"advisory_dump_payload"`
}

type MarketConfig struct {
	Source      string   `toml:"source"` // "binance" | "replay"
	Assets      []string `toml:"assets"`
	Interval    string   `toml:"interval"`
	RESTBaseURL string   `toml:"rest_base_url"`
	ProxyURL    string   `toml:"proxy_url"`
	ReplayPath  string   `toml:"replay_path"`
	WarmupBars  int      `toml:"warmup_bars"`
}

// SignalConfig holds the rolling indicator windows and trigger thresholds.
type SignalConfig struct {
	FastPeriod            int     `toml:"fast_period"`
	SlowPeriod            int     `toml:"slow_period"`
	RSIPeriod             int     `toml:"rsi_period"`
	RSIOversold           float64 `toml:"rsi_oversold"`
	RSIOverbought         float64 `toml:"rsi_overbought"`
	ATRPeriod             int     `toml:"atr_period"`
	ATRAvgPeriod          int     `toml:"atr_avg_period"`
	ATRSpikeMultiple      float64 `toml:"atr_spike_multiple"`
	VolumePeriod          int     `toml:"volume_period"`
	VolumeConfirmMultiple float64 `toml:"volume_confirm_multiple"`
}

type AdvisoryConfig struct {
	Enabled         bool              `toml:"enabled"`
	Mode            string            `toml:"mode"` // "uncertain" | "always" | "never"
	MaxCallsPerHour int               `toml:"max_calls_per_hour"`
	WindowMinutes   int               `toml:"window_minutes"`
	TimeoutSeconds  int               `toml:"timeout_seconds"`
	APIURL          string            `toml:"api_url"`
	APIKey          string            `toml:"api_key"`
	Model           string            `toml:"model"`
	Headers         map[string]string `toml:"headers"`
	PromptPath      string            `toml:"prompt_path"`
	CandleWindow    int               `toml:"candle_window"`
	TradeWindow     int               `toml:"trade_window"`
	SizeMin         float64           `toml:"size_min"`
	SizeMax         float64           `toml:"size_max"`
	MinConfidence   float64           `toml:"min_confidence"`
	RSIBand         float64           `toml:"uncertain_rsi_band"`
	SpreadPct       float64           `toml:"uncertain_spread_pct"`
	AuditPath       string            `toml:"audit_path"`
	// BreakerThreshold consecutive advisor failures open the breaker for
	// BreakerCooldownSeconds; 0 disables it.
	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownSeconds int `toml:"breaker_cooldown_seconds"`
}

func (a AdvisoryConfig) Window() time.Duration {
	return time.Duration(a.WindowMinutes) * time.Minute
}

func (a AdvisoryConfig) BreakerCooldown() time.Duration {
	return time.Duration(a.BreakerCooldownSeconds) * time.Second
}

func (a AdvisoryConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RiskConfig holds admission limits. Sizes are fractions of account equity.
type RiskConfig struct {
	MaxPositionSize    float64 `toml:"max_position_size"`
	MaxTotalExposure   float64 `toml:"max_total_exposure"`
	MaxDailyLoss       float64 `toml:"max_daily_loss"`
	LossStreak         int     `toml:"loss_streak"`
	CooldownMinutes    int     `toml:"cooldown_minutes"`
	ConservativeFactor float64 `toml:"conservative_factor"`
	MinOrderSize       float64 `toml:"min_order_size"`
	DefaultSize        float64 `toml:"default_size"`
	StopATR            float64 `toml:"stop_atr"`
	TakeATR            float64 `toml:"take_atr"`
	StopPct            float64 `toml:"stop_pct"`
	TakePct            float64 `toml:"take_pct"`
}

func (r RiskConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

type ExecutionConfig struct {
	Venue                   string  `toml:"venue"` // "paper" | "binance"
	APIKey                  string  `toml:"api_key"`
	APISecret               string  `toml:"api_secret"`
	BaseURL                 string  `toml:"base_url"`
	Testnet                 bool    `toml:"testnet"`
	AccountEquity           float64 `toml:"account_equity"`
	QuantityDecimals        int32   `toml:"quantity_decimals"`
	MaxRetries              int     `toml:"max_retries"`
	BackoffBaseMillis       int     `toml:"backoff_base_ms"`
	BackoffMaxMillis        int     `toml:"backoff_max_ms"`
	SubmitTimeoutSeconds    int     `toml:"submit_timeout_seconds"`
	QueryTimeoutSeconds     int     `toml:"query_timeout_seconds"`
	FillPollAttempts        int     `toml:"fill_poll_attempts"`
	FillPollIntervalMillis  int     `toml:"fill_poll_interval_ms"`
	ReconcileTimeoutSeconds int     `toml:"reconcile_timeout_seconds"`
}

type PipelineConfig struct {
	Shards    int `toml:"shards"`
	QueueSize int `toml:"queue_size"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram   TelegramConfig `toml:"telegram"`
	BufferSize int            `toml:"buffer_size"`
	RecentSize int            `toml:"recent_size"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// NormalizedAssets returns upper-cased, de-duplicated asset symbols.
func (m MarketConfig) NormalizedAssets() []string {
	out := make([]string, 0, len(m.Assets))
	seen := make(map[string]bool, len(m.Assets))
	for _, a := range m.Assets {
		a = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(a), "/", ""))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// keySet tracks which dotted paths were set explicitly in config files.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
