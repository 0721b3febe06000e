package advisory

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"autotrader/internal/types"
)

// Bounds are the acceptance limits for an advisory reply.
type Bounds struct {
	SizeMin       float64
	SizeMax       float64
	MinConfidence float64
}

// Constraint codes reported with advisory_range failures.
const (
	ConstraintConfidenceRange = "confidence_out_of_range"
	ConstraintConfidenceMin   = "confidence_below_min"
	ConstraintSizeRange       = "size_out_of_range"
	ConstraintLevelPositive   = "level_not_positive"
	ConstraintStopSide        = "stop_loss_not_worse_than_entry"
	ConstraintTakeSide        = "take_profit_not_better_than_entry"
)

// ValidateReply checks reply against b and the rule's entry price. A no-trade
// reply only needs a sane confidence. The error names the first violated
// constraint.
func ValidateReply(reply types.AdvisoryReply, entry float64, b Bounds) error {
	if math.IsNaN(reply.Confidence) || reply.Confidence < 0 || reply.Confidence > 1 {
		return rangeError(ConstraintConfidenceRange, "confidence=%v", reply.Confidence)
	}
	if reply.Confidence < b.MinConfidence {
		return rangeError(ConstraintConfidenceMin, "confidence=%v min=%v", reply.Confidence, b.MinConfidence)
	}
	if !reply.Direction.Valid() {
		return nil
	}
	if math.IsNaN(reply.Size) || reply.Size < b.SizeMin || reply.Size > b.SizeMax {
		return rangeError(ConstraintSizeRange, "size=%v bounds=[%v,%v]", reply.Size, b.SizeMin, b.SizeMax)
	}
	if !(reply.StopLoss > 0) || !(reply.TakeProfit > 0) {
		return rangeError(ConstraintLevelPositive, "stop=%v take=%v", reply.StopLoss, reply.TakeProfit)
	}
	switch reply.Direction {
	case types.DirectionBuy:
		if reply.StopLoss >= entry {
			return rangeError(ConstraintStopSide, "BUY stop=%v entry=%v", reply.StopLoss, entry)
		}
		if reply.TakeProfit <= entry {
			return rangeError(ConstraintTakeSide, "BUY take=%v entry=%v", reply.TakeProfit, entry)
		}
	case types.DirectionSell:
		if reply.StopLoss <= entry {
			return rangeError(ConstraintStopSide, "SELL stop=%v entry=%v", reply.StopLoss, entry)
		}
		if reply.TakeProfit >= entry {
			return rangeError(ConstraintTakeSide, "SELL take=%v entry=%v", reply.TakeProfit, entry)
		}
	}
	return nil
}

func rangeError(constraint, format string, args ...any) error {
	return types.NewReasonError(types.ReasonAdvisoryRange,
		constraint+": "+fmt.Sprintf(format, args...), types.ErrAdvisoryUnavailable)
}

// Constraint extracts the violated constraint code from a range error.
func Constraint(err error) string {
	var re *types.ReasonError
	if !errors.As(err, &re) || re.Code != types.ReasonAdvisoryRange {
		return ""
	}
	code, _, _ := strings.Cut(re.Detail, ":")
	return code
}
