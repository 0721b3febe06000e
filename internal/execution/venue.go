package execution

import (
	"context"

	"autotrader/internal/types"
)

// PlaceRequest is a single submission. Key is the client order id; the venue
// must refuse a second order with the same key.
type PlaceRequest struct {
	Key       string
	Asset     string
	Direction types.Direction
	Quantity  float64
	Purpose   types.Purpose
	// Price is the reference price at decision time; market venues ignore it.
	Price float64
}

type PlaceStatus string

const (
	PlaceAccepted  PlaceStatus = "accepted"
	PlaceDuplicate PlaceStatus = "duplicate"
	PlaceRejected  PlaceStatus = "rejected"
)

// PlaceResult is the venue's answer to a submission. Transport and server
// failures are returned as errors instead.
type PlaceResult struct {
	Status       PlaceStatus
	VenueOrderID string
	Reason       string
	// Order is set when the venue reported the order state with the ack.
	Order *VenueOrder
}

type VenueOrderStatus string

const (
	VenueOpen     VenueOrderStatus = "open"
	VenueFilled   VenueOrderStatus = "filled"
	VenueCanceled VenueOrderStatus = "canceled"
	VenueRejected VenueOrderStatus = "rejected"
)

func (s VenueOrderStatus) Terminal() bool { return s != VenueOpen && s != "" }

type VenueOrder struct {
	ID        string
	Key       string
	Status    VenueOrderStatus
	FilledQty float64
	AvgPrice  float64
	Reason    string
}

// Venue is the trading API. Errors wrapping types.ErrExecutionFatal are not
// retried; every other error is treated as transient. Query returns an error
// wrapping types.ErrNotFound when the venue has no order for key.
type Venue interface {
	Name() string
	Place(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	Query(ctx context.Context, asset, key string) (VenueOrder, error)
}
