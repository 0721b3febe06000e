package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autotrader/internal/advisory"
	"autotrader/internal/advisory/auditlog"
	"autotrader/internal/config"
	"autotrader/internal/execution"
	binancevenue "autotrader/internal/execution/binance"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	binancefeed "autotrader/internal/market/binance"
	"autotrader/internal/notify"
	"autotrader/internal/pipeline"
	"autotrader/internal/pkg/circuit"
	"autotrader/internal/risk"
	"autotrader/internal/signal"
	"autotrader/internal/store"
	"autotrader/internal/store/gormstore"
	livehttp "autotrader/internal/transport/http/live"
	"autotrader/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// AppBuilder assembles the App from configuration. The factory fields can be
// swapped in tests.
type AppBuilder struct {
	cfg        *config.Config
	configPath string

	storeFn   func(config.StorageConfig) (store.Store, error)
	feedFn    func(config.MarketConfig) (market.Feed, error)
	venueFn   func(config.ExecutionConfig) (execution.Venue, error)
	advisorFn func(config.AdvisoryConfig) advisory.Advisor
}

type AppBuilderOption func(*AppBuilder)

func WithConfigPath(path string) AppBuilderOption {
	return func(b *AppBuilder) { b.configPath = strings.TrimSpace(path) }
}

func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(config.StorageConfig) (store.Store, error) { return st, nil }
	}
}

func WithFeed(f market.Feed) AppBuilderOption {
	return func(b *AppBuilder) {
		b.feedFn = func(config.MarketConfig) (market.Feed, error) { return f, nil }
	}
}

func WithVenue(v execution.Venue) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(config.ExecutionConfig) (execution.Venue, error) { return v, nil }
	}
}

func WithAdvisor(a advisory.Advisor) AppBuilderOption {
	return func(b *AppBuilder) {
		b.advisorFn = func(config.AdvisoryConfig) advisory.Advisor { return a }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		storeFn:   buildStore,
		feedFn:    buildFeed,
		venueFn:   buildVenue,
		advisorFn: buildAdvisor,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	a := &App{cfg: cfg, configPath: b.configPath}
	fail := func(err error) (*App, error) {
		a.Close()
		return nil, err
	}

	st, err := b.storeFn(cfg.Storage)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	a.closers = append(a.closers, st)

	// notify fan-out
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.dispatcher = notify.NewDispatcher(cfg.Notify.BufferSize, cfg.Notify.RecentSize)
	a.dispatcher.Attach(notify.LogSink{})
	a.dispatcher.Attach(notify.NewMetrics(reg))
	if tg := cfg.Notify.Telegram; tg.Enabled {
		a.alerts = notify.NewAlertSink(notify.NewTelegram(tg.BotToken, tg.ChatID), notify.SeverityWarn, 64)
		a.dispatcher.Attach(a.alerts)
	}

	// risk book, restored from the last snapshot
	state, found, err := st.LoadRiskState(ctx)
	if err != nil {
		return fail(fmt.Errorf("load risk state: %w", err))
	}
	if found {
		clearClosing(state.Assets)
		logger.Infof("[app] risk state restored: day=%s mode=%s assets=%d", state.TradingDay, state.Mode, len(state.Assets))
	}
	a.persister = risk.NewPersister(st)
	equity := cfg.Execution.AccountEquity
	a.book = risk.NewBook(state, risk.LimitsFromConfig(cfg.Risk, equity), risk.OnChange(a.persister.Offer))
	gate := risk.NewGate(a.book, risk.Sizer{Equity: equity, QuantityDecimals: cfg.Execution.QuantityDecimals}, a.dispatcher)

	// advisory
	gw, limiter, audit, err := b.buildGateway(ctx, cfg.Advisory, cfg.Signal, cfg.Risk)
	if err != nil {
		return fail(err)
	}
	if audit != nil {
		a.closers = append(a.closers, audit)
	}
	a.onRisk = func(rc config.RiskConfig) {
		a.book.SetLimits(risk.LimitsFromConfig(rc, equity))
	}

	// execution
	venue, err := b.venueFn(cfg.Execution)
	if err != nil {
		return fail(fmt.Errorf("build venue: %w", err))
	}
	a.engine = execution.NewEngine(execution.ConfigFrom(cfg.Execution), venue, st, a.book, execution.WithSink(a.dispatcher))

	// ingestion and pipeline
	feed, err := b.feedFn(cfg.Market)
	if err != nil {
		return fail(fmt.Errorf("build feed: %w", err))
	}
	a.feed = feed
	gen := signal.NewGenerator(signalConfig(cfg.Signal))
	candles := store.NewCandleStore(max(cfg.Advisory.CandleWindow*2, cfg.Market.WarmupBars))
	a.pipeline = pipeline.New(pipeline.Config{
		Shards:       cfg.Pipeline.Shards,
		QueueSize:    cfg.Pipeline.QueueSize,
		CandleWindow: cfg.Advisory.CandleWindow,
		TradeWindow:  cfg.Advisory.TradeWindow,
		DrainTimeout: time.Duration(cfg.Execution.ReconcileTimeoutSeconds) * time.Second,
	}, gen, gw, gate, a.engine, candles, st, a.dispatcher)

	// dashboard
	if cfg.HTTP.Enabled {
		a.hub = livehttp.NewHub(50)
		a.dispatcher.Attach(a.hub)
		srvCfg := livehttp.ServerConfig{
			Addr:     cfg.HTTP.Addr,
			Risk:     a.book,
			Store:    st,
			Events:   a.dispatcher,
			Limiter:  limiter,
			Pipeline: a.pipeline,
			Hub:      a.hub,
			Gatherer: reg,
		}
		if audit != nil {
			srvCfg.Advisory = audit
		}
		a.http, err = livehttp.NewServer(srvCfg)
		if err != nil {
			return fail(fmt.Errorf("build dashboard: %w", err))
		}
	}

	a.Summary = newStartupSummary(cfg, feed.Name(), venue.Name(), a.book.Limits())
	return a, nil
}

func (b *AppBuilder) buildGateway(ctx context.Context, ac config.AdvisoryConfig, sc config.SignalConfig, rc config.RiskConfig) (*advisory.Gateway, *advisory.Limiter, *auditlog.Store, error) {
	limiter := advisory.NewLimiter(ac.MaxCallsPerHour, ac.Window())
	var opts []advisory.Option
	var audit *auditlog.Store
	if strings.TrimSpace(ac.AuditPath) != "" {
		var err error
		audit, err = auditlog.Open(ac.AuditPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open advisory audit: %w", err)
		}
		calls, err := audit.CallTimes(ctx, time.Now().Add(-ac.Window()))
		if err != nil {
			logger.Warnf("[app] advisory call history unavailable: %v", err)
		} else {
			limiter.Seed(calls)
		}
		opts = append(opts, advisory.WithAudit(audit))
	}
	if ac.BreakerThreshold > 0 {
		breaker := circuit.New("advisory", ac.BreakerThreshold, ac.BreakerCooldown())
		breaker.OnStateChange(func(name string, from, to circuit.State) {
			logger.Warnf("[advisory] breaker %s %s -> %s", name, from, to)
		})
		opts = append(opts, advisory.WithBreaker(breaker))
	}

	var advisor advisory.Advisor
	var prompter *advisory.Prompter
	if ac.Enabled {
		advisor = b.advisorFn(ac)
		p, err := advisory.LoadPrompter(ac.PromptPath)
		if err != nil {
			if audit != nil {
				_ = audit.Close()
			}
			return nil, nil, nil, err
		}
		prompter = p
	}
	gwCfg := advisory.Config{
		Policy: advisory.Policy{
			Mode:          ac.Mode,
			RSIOversold:   sc.RSIOversold,
			RSIOverbought: sc.RSIOverbought,
			RSIBand:       ac.RSIBand,
			SpreadPct:     ac.SpreadPct,
		},
		Bounds:       advisory.Bounds{SizeMin: ac.SizeMin, SizeMax: ac.SizeMax, MinConfidence: ac.MinConfidence},
		Defaults:     advisory.Defaults{Size: rc.DefaultSize, StopATR: rc.StopATR, TakeATR: rc.TakeATR, StopPct: rc.StopPct, TakePct: rc.TakePct},
		Timeout:      ac.Timeout(),
		CandleWindow: ac.CandleWindow,
		TradeWindow:  ac.TradeWindow,
	}
	return advisory.NewGateway(gwCfg, advisor, prompter, limiter, opts...), limiter, audit, nil
}

func signalConfig(s config.SignalConfig) signal.Config {
	return signal.Config{
		Params: signal.Params{
			FastPeriod:   s.FastPeriod,
			SlowPeriod:   s.SlowPeriod,
			RSIPeriod:    s.RSIPeriod,
			ATRPeriod:    s.ATRPeriod,
			ATRAvgPeriod: s.ATRAvgPeriod,
			VolumePeriod: s.VolumePeriod,
		},
		Thresholds: signal.Thresholds{
			RSIOversold:           s.RSIOversold,
			RSIOverbought:         s.RSIOverbought,
			ATRSpikeMultiple:      s.ATRSpikeMultiple,
			VolumeConfirmMultiple: s.VolumeConfirmMultiple,
		},
	}
}

func buildStore(sc config.StorageConfig) (store.Store, error) {
	return gormstore.NewGormStore(sc.Path)
}

func buildFeed(mc config.MarketConfig) (market.Feed, error) {
	switch strings.ToLower(strings.TrimSpace(mc.Source)) {
	case "replay":
		return market.NewReplayFile(mc.ReplayPath, 0), nil
	case "", "binance":
		return binancefeed.New(binancefeed.Config{
			RESTBaseURL: mc.RESTBaseURL,
			ProxyURL:    mc.ProxyURL,
			Interval:    mc.Interval,
			WarmupBars:  mc.WarmupBars,
		})
	default:
		return nil, fmt.Errorf("unknown market source %q", mc.Source)
	}
}

func buildVenue(ec config.ExecutionConfig) (execution.Venue, error) {
	switch strings.ToLower(strings.TrimSpace(ec.Venue)) {
	case "", "paper":
		return execution.NewPaperVenue(), nil
	case "binance":
		return binancevenue.New(binancevenue.Config{
			APIKey:           ec.APIKey,
			APISecret:        ec.APISecret,
			BaseURL:          ec.BaseURL,
			Testnet:          ec.Testnet,
			HTTPTimeout:      time.Duration(ec.SubmitTimeoutSeconds) * time.Second,
			QuantityDecimals: ec.QuantityDecimals,
		})
	default:
		return nil, fmt.Errorf("unknown execution venue %q", ec.Venue)
	}
}

func buildAdvisor(ac config.AdvisoryConfig) advisory.Advisor {
	return advisory.NewOpenAIClient(ac.APIURL, ac.APIKey, ac.Model, ac.Headers)
}

// clearClosing drops in-flight exit flags from a restored snapshot; the exit
// monitor re-evaluates those positions on the next update.
func clearClosing(assets map[string]*types.AssetRisk) {
	for _, a := range assets {
		if a == nil {
			continue
		}
		for _, p := range a.Positions {
			if p != nil {
				p.Closing = false
			}
		}
	}
}
