package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"autotrader/internal/config"
	"autotrader/internal/risk"
)

// StartupSummary is printed once before the pipeline starts.
type StartupSummary struct {
	Market   MarketSummary
	Advisory AdvisorySummary
	Limits   risk.Limits
	Venue    string
	Shards   int
	Dash     string
}

type MarketSummary struct {
	Feed     string
	Assets   []string
	Interval string
	Warmup   int
}

type AdvisorySummary struct {
	Enabled      bool
	Mode         string
	Model        string
	CallsPerHour int
	Window       string
}

func newStartupSummary(cfg *config.Config, feed, venue string, limits risk.Limits) *StartupSummary {
	s := &StartupSummary{
		Market: MarketSummary{
			Feed:     feed,
			Assets:   cfg.Market.NormalizedAssets(),
			Interval: cfg.Market.Interval,
			Warmup:   cfg.Market.WarmupBars,
		},
		Advisory: AdvisorySummary{
			Enabled:      cfg.Advisory.Enabled,
			Mode:         cfg.Advisory.Mode,
			Model:        cfg.Advisory.Model,
			CallsPerHour: cfg.Advisory.MaxCallsPerHour,
			Window:       cfg.Advisory.Window().String(),
		},
		Limits: limits,
		Venue:  venue,
		Shards: cfg.Pipeline.Shards,
	}
	if cfg.HTTP.Enabled {
		s.Dash = cfg.HTTP.Addr
	}
	return s
}

func (s *StartupSummary) Print() { s.Fprint(os.Stdout) }

func (s *StartupSummary) Fprint(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("STARTUP SUMMARY")/2, "STARTUP SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[MARKET]")
	fmt.Fprintf(w, "  feed:     %s\n", s.Market.Feed)
	fmt.Fprintf(w, "  assets:   %s\n", formatList(s.Market.Assets))
	fmt.Fprintf(w, "  interval: %s (warmup %d)\n", s.Market.Interval, s.Market.Warmup)
	fmt.Fprintf(w, "  shards:   %d\n", s.Shards)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[ADVISORY]")
	if !s.Advisory.Enabled {
		fmt.Fprintln(w, "  disabled, rule-only orders")
	} else {
		fmt.Fprintf(w, "  model:  %s\n", s.Advisory.Model)
		fmt.Fprintf(w, "  mode:   %s\n", s.Advisory.Mode)
		fmt.Fprintf(w, "  budget: %d calls / %s\n", s.Advisory.CallsPerHour, s.Advisory.Window)
	}
	fmt.Fprintln(w)

	l := s.Limits
	fmt.Fprintln(w, "[RISK]")
	fmt.Fprintf(w, "  equity:         %.2f\n", l.Equity)
	fmt.Fprintf(w, "  max position:   %.4f\n", l.MaxPositionSize)
	fmt.Fprintf(w, "  max exposure:   %.4f\n", l.MaxTotalExposure)
	fmt.Fprintf(w, "  max daily loss: %.4f\n", l.MaxDailyLoss)
	fmt.Fprintf(w, "  loss streak:    %d (cooldown %s)\n", l.LossStreak, l.Cooldown)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[EXECUTION]")
	fmt.Fprintf(w, "  venue:     %s\n", s.Venue)
	fmt.Fprintf(w, "  dashboard: %s\n", orDash(s.Dash))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
