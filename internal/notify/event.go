package notify

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSignal              Kind = "signal"
	KindInputRejected       Kind = "input_rejected"
	KindAdvisoryAttempt     Kind = "advisory_attempt"
	KindAdvisoryUnavailable Kind = "advisory_unavailable"
	KindAdvisoryVeto        Kind = "advisory_veto"
	KindRateLimited         Kind = "rate_limited"
	KindRiskRejected        Kind = "risk_rejected"
	KindRiskDownsized       Kind = "risk_downsized"
	KindRiskMode            Kind = "risk_mode"
	KindOrderTerminal       Kind = "order_terminal"
	KindExecutionUnresolved Kind = "execution_unresolved"
	KindPositionClosed      Kind = "position_closed"
	KindAssetHalted         Kind = "asset_halted"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

// Event is what the core reports to operators. Reason carries the stable
// reason code when there is one.
type Event struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Severity Severity       `json:"severity"`
	Asset    string         `json:"asset,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Message  string         `json:"message"`
	Time     time.Time      `json:"time"`
	Data     map[string]any `json:"data,omitempty"`
}

func NewEvent(kind Kind, severity Severity, asset, reason, message string) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Asset:    asset,
		Reason:   reason,
		Message:  message,
		Time:     time.Now().UTC(),
	}
}

// With attaches a data field and returns the event.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Sink receives events. Publish must not block the caller.
type Sink interface {
	Publish(e Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})
