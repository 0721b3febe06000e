package advisory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/notify"
	"autotrader/internal/pkg/circuit"
	"autotrader/internal/types"

	"github.com/google/uuid"
)

// Config holds the gateway's static settings.
type Config struct {
	Policy       Policy
	Bounds       Bounds
	Defaults     Defaults
	Timeout      time.Duration
	CandleWindow int
	TradeWindow  int
}

// Outcome describes how a signal was merged.
type Outcome struct {
	State      State
	Event      Event
	Called     bool
	Reason     string
	Constraint string
	TraceID    string
	Latency    time.Duration
	Reply      *types.AdvisoryReply
	Raw        string
}

// HasCandidate reports whether the outcome produced an order.
func (o Outcome) HasCandidate() bool {
	return o.State == StateRuleOnly || o.State == StateRuleAndAdvisory
}

// Gateway merges rule signals with optional advisory input. It never returns
// an error: every advisory failure degrades to a rule-only candidate.
type Gateway struct {
	cfg      Config
	advisor  Advisor
	prompter *Prompter
	limiter  *Limiter
	breaker  *circuit.Breaker
	audit    AuditLog
	sink     notify.Sink
	now      func() time.Time
}

type Option func(*Gateway)

func WithBreaker(b *circuit.Breaker) Option { return func(g *Gateway) { g.breaker = b } }
func WithAudit(a AuditLog) Option { return func(g *Gateway) { g.audit = a } }
func WithSink(s notify.Sink) Option { return func(g *Gateway) { g.sink = s } }
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway wires a gateway. advisor may be nil, in which case every signal
// is merged rule-only.
func NewGateway(cfg Config, advisor Advisor, prompter *Prompter, limiter *Limiter, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		advisor:  advisor,
		prompter: prompter,
		limiter:  limiter,
		sink:     notify.Nop,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Limiter() *Limiter { return g.limiter }

// Escalate turns sig into a candidate order. The candidate is only
// meaningful when Outcome.HasCandidate is true.
func (g *Gateway) Escalate(ctx context.Context, sig types.RuleSignal, hist RecentHistory) (types.CandidateOrder, Outcome) {
	state := Start(sig)
	if state == StateNoSignal {
		return types.CandidateOrder{}, Outcome{State: state}
	}
	if g.advisor == nil || g.prompter == nil || !g.cfg.Policy.ShouldEscalate(sig) {
		return g.finish(sig, Outcome{State: Transition(state, EventSkipped), Event: EventSkipped}, types.AdvisoryReply{}, false)
	}

	out := Outcome{TraceID: uuid.NewString()}
	hist = g.bound(hist)
	system, user, err := g.prompter.Render(sig, hist, g.cfg.Bounds)
	if err != nil {
		logger.Errorf("[advisory] %s prompt render failed: %v", sig.Asset, err)
		out.Event, out.Reason, out.Constraint = EventSkipped, types.ReasonAdvisoryMalformed, "prompt_render"
		out.State = Transition(state, out.Event)
		return g.finish(sig, out, types.AdvisoryReply{}, true)
	}
	if !g.breaker.Allow() {
		out.Event, out.Reason, out.Constraint = EventSkipped, types.ReasonAdvisoryTransport, "circuit_open"
		out.State = Transition(state, out.Event)
		return g.finish(sig, out, types.AdvisoryReply{}, true)
	}
	if !g.limiter.Allow() {
		g.breaker.Cancel()
		out.Event, out.Reason = EventSkipped, types.ReasonRateLimited
		out.State = Transition(state, out.Event)
		return g.finish(sig, out, types.AdvisoryReply{}, true)
	}

	out.Called = true
	logger.LogAdvisoryRequest(out.TraceID, sig.Asset, system, user)
	timeout := g.cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	started := g.now()
	raw, err := g.advisor.Advise(callCtx, Request{TraceID: out.TraceID, Asset: sig.Asset, System: system, User: user})
	out.Latency = g.now().Sub(started)
	out.Raw = raw
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	var reply types.AdvisoryReply
	switch {
	case err != nil:
		g.breaker.Failure()
		out.Event, out.Reason = EventUnavailable, types.ReasonAdvisoryTransport
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			out.Reason = types.ReasonAdvisoryTimeout
		}
		out.Constraint = err.Error()
	default:
		g.breaker.Success()
		reply, err = ParseReply(raw)
		if err == nil {
			err = ValidateReply(reply, sig.EntryPrice, g.cfg.Bounds)
		}
		if err != nil {
			out.Event, out.Reason = EventUnavailable, types.ReasonOf(err)
			out.Constraint = Constraint(err)
			if out.Constraint == "" {
				out.Constraint = err.Error()
			}
		} else {
			out.Event = Classify(sig, reply)
			out.Reply = &reply
			if out.Event == EventDisagree {
				out.Reason = types.ReasonAdvisoryVeto
			}
		}
	}
	out.State = Transition(state, out.Event)
	logger.LogAdvisoryResponse(out.TraceID, sig.Asset, raw, fmt.Sprintf("%s %s %s", out.State, out.Reason, out.Constraint))
	return g.finish(sig, out, reply, true)
}

func (g *Gateway) bound(hist RecentHistory) RecentHistory {
	if k := g.cfg.CandleWindow; k > 0 && len(hist.Candles) > k {
		hist.Candles = hist.Candles[len(hist.Candles)-k:]
	}
	if m := g.cfg.TradeWindow; m > 0 && len(hist.Trades) > m {
		hist.Trades = hist.Trades[len(hist.Trades)-m:]
	}
	return hist
}

// finish materialises the candidate and, for escalated signals, records the
// attempt and publishes it.
func (g *Gateway) finish(sig types.RuleSignal, out Outcome, reply types.AdvisoryReply, escalated bool) (types.CandidateOrder, Outcome) {
	cand, _ := Materialize(out.State, sig, reply, g.cfg.Defaults)
	if !escalated {
		return cand, out
	}
	g.record(sig, out)
	switch {
	case out.Reason == types.ReasonRateLimited:
		g.sink.Publish(notify.NewEvent(notify.KindRateLimited, notify.SeverityInfo, sig.Asset, out.Reason,
			"advisory rate limit reached, using rule-only order"))
	case out.State == StateRejected:
		g.sink.Publish(notify.NewEvent(notify.KindAdvisoryVeto, notify.SeverityInfo, sig.Asset, out.Reason,
			fmt.Sprintf("advisor vetoed %s signal (%s)", sig.Direction, sig.Reason)).
			With("trace_id", out.TraceID).With("advisor_direction", string(reply.Direction)))
	case out.Event == EventUnavailable || out.Reason != "":
		g.sink.Publish(notify.NewEvent(notify.KindAdvisoryUnavailable, notify.SeverityWarn, sig.Asset, out.Reason,
			"advisory unavailable, falling back to rule-only: "+out.Constraint).
			With("trace_id", out.TraceID))
	default:
		g.sink.Publish(notify.NewEvent(notify.KindAdvisoryAttempt, notify.SeverityInfo, sig.Asset, "",
			fmt.Sprintf("advisor confirmed %s size=%.4f conf=%.2f", cand.Direction, cand.Size, cand.Confidence)).
			With("trace_id", out.TraceID))
	}
	return cand, out
}

func (g *Gateway) record(sig types.RuleSignal, out Outcome) {
	if g.audit == nil {
		return
	}
	a := Attempt{
		TraceID:    out.TraceID,
		Asset:      sig.Asset,
		Time:       g.now().UTC(),
		Direction:  string(sig.Direction),
		Trigger:    string(sig.Trigger),
		Called:     out.Called,
		State:      out.State.String(),
		Reason:     out.Reason,
		Constraint: out.Constraint,
		LatencyMs:  out.Latency.Milliseconds(),
		Raw:        out.Raw,
	}
	if a.TraceID == "" {
		a.TraceID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.audit.Record(ctx, a); err != nil {
		logger.Warnf("[advisory] audit record failed trace=%s: %v", a.TraceID, err)
	}
}
