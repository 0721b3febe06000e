package types

import "time"

type Provenance string

const (
	ProvenanceRuleOnly     Provenance = "rule-only"
	ProvenanceRuleAdvisory Provenance = "rule+advisory"
)

// AdvisoryReply is a parsed and range-checked advisory recommendation.
type AdvisoryReply struct {
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Confidence float64   `json:"confidence"`
	Raw        string    `json:"-"`
}

type CandidateOrder struct {
	Asset      string     `json:"asset"`
	Direction  Direction  `json:"direction"`
	Size       float64    `json:"size"`
	EntryPrice float64    `json:"entry_price"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
	SignalTime time.Time  `json:"signal_time"`
	Reason     string     `json:"reason"`
}

type Purpose string

const (
	PurposeOpen  Purpose = "open"
	PurposeClose Purpose = "close"
)

// ApprovedOrder is issued by the risk gate and is immutable afterwards.
type ApprovedOrder struct {
	CandidateOrder
	IdempotencyKey string  `json:"idempotency_key"`
	Quantity       float64 `json:"quantity"`
	Downsized      bool    `json:"downsized"`
	Purpose        Purpose `json:"purpose"`
	// PositionKey links a close order to the position it unwinds.
	PositionKey string `json:"position_key,omitempty"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderFailed    OrderStatus = "FAILED"
)

func (s OrderStatus) rank() int {
	switch s {
	case OrderPending:
		return 0
	case OrderSubmitted:
		return 1
	case OrderFilled, OrderRejected, OrderFailed:
		return 2
	default:
		return -1
	}
}

func (s OrderStatus) Terminal() bool { return s.rank() == 2 }

// CanTransition reports whether an order record may move from s to next.
// Status only moves forward; a terminal status is final.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	if s == next {
		return !s.Terminal()
	}
	return to > from
}

type OrderRecord struct {
	IdempotencyKey string      `json:"idempotency_key"`
	VenueOrderID   string      `json:"venue_order_id,omitempty"`
	Status         OrderStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`
	Purpose        Purpose     `json:"purpose"`
	Asset          string      `json:"asset"`
	Direction      Direction   `json:"direction"`
	Quantity       float64     `json:"quantity"`
	FilledQty      float64     `json:"filled_qty"`
	FillPrice      float64     `json:"fill_price"`
	Reason         string      `json:"reason,omitempty"`
	PositionKey    string      `json:"position_key,omitempty"`
	// Order terms kept so a fill can be booked from the record alone.
	Size       float64    `json:"size"`
	EntryPrice float64    `json:"entry_price"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	Provenance Provenance `json:"provenance,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// OrderOutcome is what Execute returns to the pipeline.
type OrderOutcome struct {
	Record   OrderRecord `json:"record"`
	Reused   bool        `json:"reused"`
	Attempts int         `json:"attempts"`
}

type TradeResult string

const (
	TradeOpened TradeResult = "OPENED"
	TradeWin    TradeResult = "WIN"
	TradeLoss   TradeResult = "LOSS"
)

// TradeLogEntry is appended for every fill. Close entries carry realized PnL
// in quote currency.
type TradeLogEntry struct {
	IdempotencyKey string      `json:"idempotency_key"`
	PositionKey    string      `json:"position_key"`
	Asset          string      `json:"asset"`
	Direction      Direction   `json:"direction"`
	Purpose        Purpose     `json:"purpose"`
	Quantity       float64     `json:"quantity"`
	Price          float64     `json:"price"`
	EntryPrice     float64     `json:"entry_price,omitempty"`
	PnL            float64     `json:"pnl"`
	Result         TradeResult `json:"result"`
	Provenance     Provenance  `json:"provenance,omitempty"`
	Time           time.Time   `json:"time"`
}
