package advisory

import (
	"context"
	"time"
)

// Attempt is one escalation decision, whether or not the advisor was called.
type Attempt struct {
	ID         int64     `json:"id"`
	TraceID    string    `json:"trace_id"`
	Asset      string    `json:"asset"`
	Time       time.Time `json:"time"`
	Direction  string    `json:"direction"`
	Trigger    string    `json:"trigger"`
	Called     bool      `json:"called"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Constraint string    `json:"constraint,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	Raw        string    `json:"raw,omitempty"`
}

// AuditLog persists attempts.
type AuditLog interface {
	Record(ctx context.Context, a Attempt) error
}
