package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/execution"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/notify"
	"autotrader/internal/pipeline"
	"autotrader/internal/risk"
	livehttp "autotrader/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App owns the running pipeline and its background services.
type App struct {
	cfg        *config.Config
	configPath string

	feed       market.Feed
	pipeline   *pipeline.Pipeline
	engine     *execution.Engine
	book       *risk.Book
	persister  *risk.Persister
	dispatcher *notify.Dispatcher
	alerts     *notify.AlertSink
	http       *livehttp.Server
	hub        *livehttp.Hub
	onRisk     func(config.RiskConfig)
	closers    []io.Closer

	Summary *StartupSummary
}

// NewApp builds the application without starting it.
func NewApp(cfg *config.Config, path string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, ConfigPath(path))
}

// Run reconciles leftover orders, then runs the feed, pipeline, dispatcher
// and dashboard until ctx ends or the feed is exhausted.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.pipeline == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	reconcileCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Execution.ReconcileTimeoutSeconds)*time.Second)
	report, err := a.engine.Reconcile(reconcileCtx)
	cancel()
	if err != nil {
		logger.Warnf("[app] startup reconcile: %v", err)
	}
	if report.Pending > 0 {
		logger.Warnf("[app] %d orders still unresolved at startup", report.Pending)
	}

	if a.configPath != "" && a.onRisk != nil {
		if err := config.WatchRisk(a.configPath, a.onRisk); err != nil {
			logger.Warnf("[app] risk hot reload disabled: %v", err)
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	group, gctx := errgroup.WithContext(runCtx)

	// sinks outlive the pipeline so fills settled while draining are still
	// persisted and notified
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()
	var sinks errgroup.Group
	runSink := func(run func(context.Context) error) {
		sinks.Go(func() error {
			err := run(sinkCtx)
			if err != nil {
				stop()
			}
			return err
		})
	}
	runSink(a.dispatcher.Run)
	runSink(a.persister.Run)
	if a.alerts != nil {
		runSink(a.alerts.Run)
	}
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("dashboard http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		a.engine.RunReconciler(gctx, time.Minute)
		return nil
	})

	updates, err := a.feed.Subscribe(gctx, a.cfg.Market.NormalizedAssets(), market.SubscribeOptions{
		Buffer:       a.cfg.Pipeline.QueueSize,
		OnConnect:    func() { logger.Infof("[app] %s connected", a.feed.Name()) },
		OnDisconnect: func(err error) { logger.Warnf("[app] %s disconnected: %v", a.feed.Name(), err) },
	})
	if err != nil {
		stop()
		_ = group.Wait()
		stopSinks()
		_ = sinks.Wait()
		return fmt.Errorf("subscribe %s: %w", a.feed.Name(), err)
	}
	group.Go(func() error {
		// a finite feed (replay) ends the run once the pipeline has drained
		defer stop()
		return a.pipeline.Run(gctx, updates)
	})

	err = group.Wait()
	stopSinks()
	if serr := sinks.Wait(); serr != nil && err == nil {
		err = serr
	}
	stats := a.feed.Stats()
	logger.Infof("[app] feed %s delivered=%d skipped=%d reconnects=%d", a.feed.Name(), stats.Delivered, stats.Skipped, stats.Reconnects)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases feeds and stores. Safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.feed != nil {
		_ = a.feed.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warnf("[app] close: %v", err)
		}
	}
	a.closers = nil
}

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

func (a *App) Book() *risk.Book { return a.book }
