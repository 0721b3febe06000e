package advisory

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"autotrader/internal/types"

	talib "github.com/markcheno/go-talib"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// RecentHistory is the bounded context handed to the advisor.
type RecentHistory struct {
	Candles []types.Candle
	Trades  []types.TradeLogEntry
}

// TechSnapshot is a context-window indicator summary computed with talib,
// independent of the generator's incremental state.
type TechSnapshot struct {
	Bars       int
	EMA20      float64
	EMA50      float64
	RSI14      float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
}

type promptFile struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Prompter renders system and user prompts from a YAML template pair.
type Prompter struct {
	system *template.Template
	user   *template.Template
}

type promptData struct {
	Signal  types.RuleSignal
	Bounds  Bounds
	Tech    *TechSnapshot
	Candles []types.Candle
	Trades  []types.TradeLogEntry
}

// LoadPrompter reads templates from path, or the built-in set when path is
// empty.
func LoadPrompter(path string) (*Prompter, error) {
	raw := defaultPrompts
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read advisory prompts: %w", err)
		}
		raw = b
	}
	var pf promptFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parse advisory prompts: %w", err)
	}
	if strings.TrimSpace(pf.System) == "" || strings.TrimSpace(pf.User) == "" {
		return nil, fmt.Errorf("advisory prompts need both system and user templates")
	}
	sys, err := template.New("advisory_system").Option("missingkey=error").Parse(pf.System)
	if err != nil {
		return nil, fmt.Errorf("parse system template: %w", err)
	}
	usr, err := template.New("advisory_user").Option("missingkey=error").Parse(pf.User)
	if err != nil {
		return nil, fmt.Errorf("parse user template: %w", err)
	}
	return &Prompter{system: sys, user: usr}, nil
}

// Render produces the prompt pair for sig.
func (p *Prompter) Render(sig types.RuleSignal, hist RecentHistory, b Bounds) (string, string, error) {
	data := promptData{
		Signal:  sig,
		Bounds:  b,
		Tech:    ComputeTech(hist.Candles),
		Candles: hist.Candles,
		Trades:  hist.Trades,
	}
	var sys, usr bytes.Buffer
	if err := p.system.Execute(&sys, data); err != nil {
		return "", "", fmt.Errorf("render system prompt: %w", err)
	}
	if err := p.user.Execute(&usr, data); err != nil {
		return "", "", fmt.Errorf("render user prompt: %w", err)
	}
	return strings.TrimSpace(sys.String()), strings.TrimSpace(usr.String()), nil
}

// ComputeTech returns nil until there are enough bars for MACD(12,26,9).
func ComputeTech(candles []types.Candle) *TechSnapshot {
	const macdBars = 26 + 9
	if len(candles) < macdBars {
		return nil
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	last := len(closes) - 1
	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	snap := &TechSnapshot{
		Bars:       len(closes),
		EMA20:      talib.Ema(closes, 20)[last],
		RSI14:      talib.Rsi(closes, 14)[last],
		MACD:       macd[last],
		MACDSignal: signal[last],
		MACDHist:   hist[last],
	}
	if len(closes) >= 50 {
		snap.EMA50 = talib.Ema(closes, 50)[last]
	}
	return snap
}
