package risk

import (
	"context"
	"fmt"

	"autotrader/internal/logger"
	"autotrader/internal/notify"
	"autotrader/internal/types"

	"github.com/shopspring/decimal"
)

// Sizer converts an equity fraction into a venue quantity.
type Sizer struct {
	Equity           float64
	QuantityDecimals int32
}

// Quantity is size*equity/price truncated to the venue's step.
func (s Sizer) Quantity(size, price float64) float64 {
	if size <= 0 || price <= 0 || s.Equity <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(size).Mul(decimal.NewFromFloat(s.Equity)).
		Div(decimal.NewFromFloat(price)).Truncate(s.QuantityDecimals)
	f, _ := q.Float64()
	return f
}

// Gate is the stateful front of the risk book.
type Gate struct {
	book  *Book
	sizer Sizer
	sink  notify.Sink
}

func NewGate(book *Book, sizer Sizer, sink notify.Sink) *Gate {
	if sink == nil {
		sink = notify.Nop
	}
	return &Gate{book: book, sizer: sizer, sink: sink}
}

func (g *Gate) Book() *Book { return g.book }

// Admit evaluates cand and, when admitted, returns the approved order with
// its exposure already reserved in the book. Rejections are decisions, not
// errors; err is only set when ctx is already done.
func (g *Gate) Admit(ctx context.Context, cand types.CandidateOrder) (types.ApprovedOrder, Decision, error) {
	if err := ctx.Err(); err != nil {
		return types.ApprovedOrder{}, Decision{}, err
	}
	key := types.IdempotencyKey(cand.Asset, cand.Direction, cand.SignalTime, types.PurposeOpen)
	v := g.book.AdmitAndReserve(cand, key)

	if v.Mode != "" {
		g.sink.Publish(notify.NewEvent(notify.KindRiskMode, notify.SeverityWarn, cand.Asset, v.Reason,
			fmt.Sprintf("risk mode -> %s", v.Mode)))
	}
	if !v.Admitted() {
		logger.Infof("[risk] %s %s rejected: %s (%s)", cand.Asset, cand.Direction, v.Reason, v.Detail)
		g.sink.Publish(notify.NewEvent(notify.KindRiskRejected, notify.SeverityInfo, cand.Asset, v.Reason, v.Detail).
			With("direction", string(cand.Direction)).With("size", cand.Size).With("provenance", string(cand.Provenance)))
		return types.ApprovedOrder{}, v.Decision, nil
	}

	qty := g.sizer.Quantity(v.Size, cand.EntryPrice)
	if qty <= 0 {
		g.book.Release(cand.Asset, key)
		d := reject(types.ReasonInvalidOrder, "size %v at %v rounds to zero quantity", v.Size, cand.EntryPrice)
		g.sink.Publish(notify.NewEvent(notify.KindRiskRejected, notify.SeverityInfo, cand.Asset, d.Reason, d.Detail))
		return types.ApprovedOrder{}, d, nil
	}

	approved := cand
	approved.Size = v.Size
	order := types.ApprovedOrder{
		CandidateOrder: approved,
		IdempotencyKey: key,
		Quantity:       qty,
		Downsized:      v.Action == ActionDownsize,
		Purpose:        types.PurposeOpen,
		PositionKey:    key,
	}
	if order.Downsized {
		logger.Infof("[risk] %s %s downsized %.6f -> %.6f", cand.Asset, cand.Direction, cand.Size, v.Size)
		g.sink.Publish(notify.NewEvent(notify.KindRiskDownsized, notify.SeverityInfo, cand.Asset, v.Reason, v.Detail).
			With("requested", cand.Size).With("approved", v.Size))
	}
	return order, v.Decision, nil
}
