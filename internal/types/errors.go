package types

import (
	"errors"
	"fmt"
)

// Reason codes are stable identifiers consumed by the dashboard and alerts.
const (
	ReasonOutOfOrder          = "out_of_order"
	ReasonMalformedUpdate     = "malformed_update"
	ReasonAdvisoryTimeout     = "advisory_timeout"
	ReasonAdvisoryTransport   = "advisory_transport"
	ReasonAdvisoryMalformed   = "advisory_malformed"
	ReasonAdvisorySchema      = "advisory_schema"
	ReasonAdvisoryRange       = "advisory_range"
	ReasonAdvisoryVeto        = "advisory_veto"
	ReasonRateLimited         = "rate_limited"
	ReasonCooldown            = "cooldown"
	ReasonExposureLimit       = "exposure_limit"
	ReasonDailyLossLimit      = "daily_loss_limit"
	ReasonInvalidOrder        = "invalid_order"
	ReasonDuplicateOrder      = "duplicate_order"
	ReasonVenueRejected       = "venue_rejected"
	ReasonExecutionUnresolved = "execution_unresolved"
	ReasonInvariantViolation  = "invariant_violation"
)

var (
	// Input errors: rejected at the boundary, never repaired.
	ErrOutOfOrder      = errors.New("out-of-order market update")
	ErrMalformedUpdate = errors.New("malformed market update")

	// ErrAdvisoryUnavailable covers timeout, transport, parse, schema and range failures.
	ErrAdvisoryUnavailable = errors.New("advisory unavailable")

	ErrExecutionTransient = errors.New("transient execution error")
	ErrExecutionFatal     = errors.New("fatal execution error")

	// ErrInvariantViolation stops processing for the affected asset.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrNotFound = errors.New("not found")
)

// ReasonError attaches a stable reason code to an error chain.
type ReasonError struct {
	Code   string
	Detail string
	Err    error
}

func NewReasonError(code, detail string, err error) *ReasonError {
	return &ReasonError{Code: code, Detail: detail, Err: err}
}

func (e *ReasonError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
}

func (e *ReasonError) Unwrap() error { return e.Err }

// ReasonOf extracts the reason code from err, or "" when none is attached.
func ReasonOf(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Invariant wraps a violation description into ErrInvariantViolation.
func Invariant(format string, args ...any) error {
	return NewReasonError(ReasonInvariantViolation, fmt.Sprintf(format, args...), ErrInvariantViolation)
}

func IsInputError(err error) bool {
	return errors.Is(err, ErrOutOfOrder) || errors.Is(err, ErrMalformedUpdate)
}
