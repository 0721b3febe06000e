package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/types"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	ProxyURL    string
	Interval    string
	// WarmupBars closed candles are fetched over REST before streaming.
	WarmupBars int
}

func (c Config) withDefaults() Config {
	out := c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.Interval = strings.ToLower(strings.TrimSpace(out.Interval))
	if out.Interval == "" {
		out.Interval = "1m"
	}
	if out.WarmupBars > maxHistoryLimit {
		out.WarmupBars = maxHistoryLimit
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}

// Feed streams closed futures klines and stamps them with per-asset Seq.
type Feed struct {
	market.StatsRecorder

	cfg    Config
	client *futures.Client
	seq    *market.Sequencer
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ market.Feed = (*Feed)(nil)

func New(cfg Config) (*Feed, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
		futures.SetWsProxyUrl(final.ProxyURL)
	}
	client.HTTPClient = httpClient
	return &Feed{cfg: final, client: client, seq: market.NewSequencer(), now: time.Now}, nil
}

func (f *Feed) Name() string { return "binance-futures:" + f.cfg.Interval }

func (f *Feed) Subscribe(ctx context.Context, assets []string, opts market.SubscribeOptions) (<-chan types.MarketUpdate, error) {
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		sym := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(a), "/", ""))
		if sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no valid symbols for subscription")
	}
	mapping := make(map[string][]string, len(symbols))
	for _, sym := range symbols {
		mapping[sym] = []string{f.cfg.Interval}
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan types.MarketUpdate, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = cancel
	f.mu.Unlock()

	go func() {
		defer close(out)
		if f.cfg.WarmupBars > 0 {
			f.warmup(subCtx, symbols, out)
		}
		f.runKlineLoop(subCtx, mapping, out, opts)
	}()
	return out, nil
}

func (f *Feed) warmup(ctx context.Context, symbols []string, out chan<- types.MarketUpdate) {
	for _, sym := range symbols {
		// one extra bar: the newest is usually still open
		kls, err := f.client.NewKlinesService().Symbol(sym).Interval(f.cfg.Interval).Limit(f.cfg.WarmupBars + 1).Do(ctx)
		if err != nil {
			logger.Warnf("[market] warmup %s %s failed: %v", sym, f.cfg.Interval, err)
			continue
		}
		now := f.now().UnixMilli()
		n := 0
		for _, kl := range kls {
			u, ok := klineToUpdate(sym, kl, now)
			if !ok {
				continue
			}
			u.Warmup = true
			if !f.emit(ctx, u, out) {
				return
			}
			n++
		}
		logger.Infof("[market] warmup %s %s bars=%d", sym, f.cfg.Interval, n)
	}
}

// emit stamps and delivers u. Delivery blocks: once a Seq is stamped the
// candle must reach the consumer or the asset would see a gap.
func (f *Feed) emit(ctx context.Context, u types.MarketUpdate, out chan<- types.MarketUpdate) bool {
	stamped, ok := f.seq.Stamp(u)
	if !ok {
		f.RecordSkipped()
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case out <- stamped:
		f.RecordDelivered()
		return true
	}
}

func (f *Feed) runKlineLoop(ctx context.Context, mapping map[string][]string, out chan<- types.MarketUpdate, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsKlineEvent) {
			u, ok := wsKlineToUpdate(event)
			if !ok {
				return
			}
			f.emit(ctx, u, out)
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedKlineServeMultiInterval(mapping, handler, errHandler)
		if err != nil {
			f.RecordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		f.RecordReconnect(errCopy)
		logger.Warnf("[market] kline stream closed, reconnecting in %s: %v", delay, errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	return nil
}

// klineToUpdate converts a REST kline; bars still open at nowMillis are dropped.
func klineToUpdate(symbol string, kl *futures.Kline, nowMillis int64) (types.MarketUpdate, bool) {
	if kl == nil || kl.CloseTime >= nowMillis {
		return types.MarketUpdate{}, false
	}
	return types.MarketUpdate{
		Asset:  symbol,
		Time:   time.UnixMilli(kl.OpenTime).UTC(),
		Open:   parseFloat(kl.Open),
		High:   parseFloat(kl.High),
		Low:    parseFloat(kl.Low),
		Close:  parseFloat(kl.Close),
		Volume: parseFloat(kl.Volume),
	}, true
}

// wsKlineToUpdate keeps only final (closed) klines.
func wsKlineToUpdate(ev *futures.WsKlineEvent) (types.MarketUpdate, bool) {
	if ev == nil || !ev.Kline.IsFinal {
		return types.MarketUpdate{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return types.MarketUpdate{}, false
	}
	return types.MarketUpdate{
		Asset:  symbol,
		Time:   time.UnixMilli(ev.Kline.StartTime).UTC(),
		Open:   parseFloat(ev.Kline.Open),
		High:   parseFloat(ev.Kline.High),
		Low:    parseFloat(ev.Kline.Low),
		Close:  parseFloat(ev.Kline.Close),
		Volume: parseFloat(ev.Kline.Volume),
	}, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
