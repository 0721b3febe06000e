package advisory

import "autotrader/internal/types"

// State is a node of the rule/advisory merge machine.
type State int

const (
	StateNoSignal State = iota
	StateRuleOnly
	StateRuleAndAdvisory
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNoSignal:
		return "no_signal"
	case StateRuleOnly:
		return "rule_only"
	case StateRuleAndAdvisory:
		return "rule_and_advisory"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event drives the merge machine.
type Event int

const (
	// EventSkipped: no call was made (certain signal, mode, rate limit, breaker).
	EventSkipped Event = iota
	// EventUnavailable: timeout, transport, malformed, schema or range failure.
	EventUnavailable
	// EventAgree: valid reply with the rule's direction.
	EventAgree
	// EventDisagree: valid reply with the opposite direction or no trade.
	EventDisagree
)

var allEvents = []Event{EventSkipped, EventUnavailable, EventAgree, EventDisagree}

func (e Event) String() string {
	switch e {
	case EventSkipped:
		return "skipped"
	case EventUnavailable:
		return "unavailable"
	case EventAgree:
		return "agree"
	case EventDisagree:
		return "disagree"
	default:
		return "unknown"
	}
}

// Start is the initial state for a rule signal.
func Start(sig types.RuleSignal) State {
	if !sig.Direction.Valid() {
		return StateNoSignal
	}
	return StateRuleOnly
}

// Transition is the pure step function. Only RuleOnly has outgoing edges; the
// other states absorb every event.
func Transition(s State, e Event) State {
	if s != StateRuleOnly {
		return s
	}
	switch e {
	case EventAgree:
		return StateRuleAndAdvisory
	case EventDisagree:
		return StateRejected
	default:
		return StateRuleOnly
	}
}

// Classify maps a validated reply to its merge event.
func Classify(sig types.RuleSignal, reply types.AdvisoryReply) Event {
	if reply.Direction == sig.Direction {
		return EventAgree
	}
	return EventDisagree
}

// Materialize builds the candidate for a final state. ok is false for
// NoSignal and Rejected.
func Materialize(s State, sig types.RuleSignal, reply types.AdvisoryReply, d Defaults) (types.CandidateOrder, bool) {
	switch s {
	case StateRuleOnly:
		return RuleOnlyCandidate(sig, d), true
	case StateRuleAndAdvisory:
		c := RuleOnlyCandidate(sig, d)
		c.Size = reply.Size
		c.StopLoss = reply.StopLoss
		c.TakeProfit = reply.TakeProfit
		c.Confidence = reply.Confidence
		c.Provenance = types.ProvenanceRuleAdvisory
		return c, true
	default:
		return types.CandidateOrder{}, false
	}
}

// Defaults shape a rule-only candidate.
type Defaults struct {
	Size    float64
	StopATR float64
	TakeATR float64
	StopPct float64
	TakePct float64
}

// RuleOnlyCandidate synthesises an order from the signal alone. Stops and
// targets come from ATR multiples, or percentages of entry until ATR is warm.
func RuleOnlyCandidate(sig types.RuleSignal, d Defaults) types.CandidateOrder {
	entry := sig.EntryPrice
	stopDist := entry * d.StopPct
	takeDist := entry * d.TakePct
	if snap := sig.Indicators; snap.ATRReady && snap.ATR > 0 && d.StopATR > 0 && d.TakeATR > 0 {
		stopDist = snap.ATR * d.StopATR
		takeDist = snap.ATR * d.TakeATR
	}
	sign := sig.Direction.Sign()
	return types.CandidateOrder{
		Asset:      sig.Asset,
		Direction:  sig.Direction,
		Size:       d.Size,
		EntryPrice: entry,
		StopLoss:   entry - sign*stopDist,
		TakeProfit: entry + sign*takeDist,
		Provenance: types.ProvenanceRuleOnly,
		SignalTime: sig.SourceTime,
		Reason:     sig.Reason,
	}
}
