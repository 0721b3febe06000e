package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/types"
)

// ReplayFeed streams candles from CSV rows:
//
//	asset,time,open,high,low,close,volume[,seq]
//
// time is RFC3339 or unix milliseconds. When the seq column is present it is
// passed through untouched; otherwise seq is assigned per asset.
type ReplayFeed struct {
	StatsRecorder

	name string
	open func() (io.ReadCloser, error)
	pace time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ Feed = (*ReplayFeed)(nil)

func NewReplayFile(path string, pace time.Duration) *ReplayFeed {
	return &ReplayFeed{
		name: "replay:" + path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
		pace: pace,
	}
}

func NewReplayReader(r io.Reader, pace time.Duration) *ReplayFeed {
	return &ReplayFeed{
		name: "replay",
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		pace: pace,
	}
}

func (f *ReplayFeed) Name() string { return f.name }

func (f *ReplayFeed) Subscribe(ctx context.Context, assets []string, opts SubscribeOptions) (<-chan types.MarketUpdate, error) {
	rc, err := f.open()
	if err != nil {
		f.RecordSubscribeError(err)
		return nil, fmt.Errorf("open replay: %w", err)
	}
	want := make(map[string]bool, len(assets))
	for _, a := range assets {
		want[strings.ToUpper(strings.TrimSpace(a))] = true
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	out := make(chan types.MarketUpdate, buffer)
	subCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = cancel
	f.mu.Unlock()

	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	go func() {
		defer close(out)
		defer rc.Close()
		err := f.stream(subCtx, rc, want, out)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(err)
		}
	}()
	return out, nil
}

func (f *ReplayFeed) stream(ctx context.Context, r io.Reader, want map[string]bool, out chan<- types.MarketUpdate) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	seq := NewSequencer()
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			logger.Infof("[market] %s finished after %d rows", f.name, line)
			return nil
		}
		line++
		if err != nil {
			f.RecordSkipped()
			logger.Warnf("[market] %s row %d unreadable: %v", f.name, line, err)
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "asset") {
			continue
		}
		u, explicitSeq, err := parseRow(rec)
		if err != nil {
			f.RecordSkipped()
			logger.Warnf("[market] %s row %d skipped: %v", f.name, line, err)
			continue
		}
		if len(want) > 0 && !want[u.Asset] {
			continue
		}
		if !explicitSeq {
			var ok bool
			if u, ok = seq.Stamp(u); !ok {
				f.RecordSkipped()
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- u:
			f.RecordDelivered()
		}
		if f.pace > 0 {
			t := time.NewTimer(f.pace)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

func parseRow(rec []string) (types.MarketUpdate, bool, error) {
	if len(rec) < 7 {
		return types.MarketUpdate{}, false, fmt.Errorf("want at least 7 columns, got %d", len(rec))
	}
	ts, err := parseTime(rec[1])
	if err != nil {
		return types.MarketUpdate{}, false, err
	}
	var nums [5]float64
	for i := range nums {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+2]), 64)
		if err != nil {
			return types.MarketUpdate{}, false, fmt.Errorf("column %d: %w", i+3, err)
		}
		nums[i] = v
	}
	u := types.MarketUpdate{
		Asset:  strings.ToUpper(strings.TrimSpace(rec[0])),
		Time:   ts,
		Open:   nums[0],
		High:   nums[1],
		Low:    nums[2],
		Close:  nums[3],
		Volume: nums[4],
	}
	if len(rec) > 7 && strings.TrimSpace(rec[7]) != "" {
		s, err := strconv.ParseUint(strings.TrimSpace(rec[7]), 10, 64)
		if err != nil {
			return types.MarketUpdate{}, false, fmt.Errorf("seq: %w", err)
		}
		u.Seq = s
		return u, true, nil
	}
	return u, false, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func (f *ReplayFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	return nil
}
