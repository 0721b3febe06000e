package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"autotrader/internal/types"
)

// PaperVenue fills every order immediately at the last marked price.
type PaperVenue struct {
	mu     sync.Mutex
	prices map[string]float64
	orders map[string]VenueOrder
	seq    int64
}

func NewPaperVenue() *PaperVenue {
	return &PaperVenue{
		prices: make(map[string]float64),
		orders: make(map[string]VenueOrder),
	}
}

var _ Venue = (*PaperVenue)(nil)

func (p *PaperVenue) Name() string { return "paper" }

// Mark records the latest price for asset.
func (p *PaperVenue) Mark(asset string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.prices[asset] = price
	p.mu.Unlock()
}

func (p *PaperVenue) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if err := ctx.Err(); err != nil {
		return PlaceResult{}, fmt.Errorf("paper place: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.orders[req.Key]; ok {
		return PlaceResult{Status: PlaceDuplicate, VenueOrderID: existing.ID}, nil
	}
	if req.Quantity <= 0 {
		return PlaceResult{Status: PlaceRejected, Reason: "quantity must be positive"}, nil
	}
	price := p.prices[req.Asset]
	if price <= 0 {
		price = req.Price
	}
	if price <= 0 {
		return PlaceResult{Status: PlaceRejected, Reason: "no price for " + req.Asset}, nil
	}
	p.seq++
	vo := VenueOrder{
		ID:        "paper-" + strconv.FormatInt(p.seq, 10),
		Key:       req.Key,
		Status:    VenueFilled,
		FilledQty: req.Quantity,
		AvgPrice:  price,
	}
	p.orders[req.Key] = vo
	ack := vo
	return PlaceResult{Status: PlaceAccepted, VenueOrderID: vo.ID, Order: &ack}, nil
}

func (p *PaperVenue) Query(ctx context.Context, _ string, key string) (VenueOrder, error) {
	if err := ctx.Err(); err != nil {
		return VenueOrder{}, fmt.Errorf("paper query: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	vo, ok := p.orders[key]
	if !ok {
		return VenueOrder{}, fmt.Errorf("paper order %s: %w", key, types.ErrNotFound)
	}
	return vo, nil
}
