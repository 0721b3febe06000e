package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/execution"
	"autotrader/internal/logger"
	"autotrader/internal/types"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

type Config struct {
	APIKey           string
	APISecret        string
	BaseURL          string
	Testnet          bool
	HTTPTimeout      time.Duration
	QuantityDecimals int32
}

// Venue places market orders on Binance USDⓈ-M futures using the
// idempotency key as newClientOrderId.
type Venue struct {
	client   *futures.Client
	decimals int32
}

var _ execution.Venue = (*Venue)(nil)

func New(cfg Config) (*Venue, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("binance venue requires api key and secret")
	}
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = base
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &Venue{client: client, decimals: cfg.QuantityDecimals}, nil
}

func (v *Venue) Name() string { return "binance-futures" }

func (v *Venue) Place(ctx context.Context, req execution.PlaceRequest) (execution.PlaceResult, error) {
	qty := decimal.NewFromFloat(req.Quantity).Truncate(v.decimals)
	if !qty.IsPositive() {
		return execution.PlaceResult{Status: execution.PlaceRejected, Reason: "quantity rounds to zero"}, nil
	}
	side := futures.SideTypeBuy
	if req.Direction == types.DirectionSell {
		side = futures.SideTypeSell
	}
	svc := v.client.NewCreateOrderService().
		Symbol(req.Asset).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(req.Key).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.Purpose == types.PurposeClose {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return classifyPlaceError(err)
	}
	vo := execution.VenueOrder{
		ID:        strconv.FormatInt(res.OrderID, 10),
		Key:       res.ClientOrderID,
		Status:    mapStatus(res.Status),
		FilledQty: parseFloat(res.ExecutedQuantity),
		AvgPrice:  parseFloat(res.AvgPrice),
	}
	return execution.PlaceResult{Status: execution.PlaceAccepted, VenueOrderID: vo.ID, Order: &vo}, nil
}

func (v *Venue) Query(ctx context.Context, asset, key string) (execution.VenueOrder, error) {
	o, err := v.client.NewGetOrderService().Symbol(asset).OrigClientOrderID(key).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			return execution.VenueOrder{}, fmt.Errorf("binance order %s: %w", key, types.ErrNotFound)
		}
		return execution.VenueOrder{}, fmt.Errorf("binance query %s: %w", key, err)
	}
	return execution.VenueOrder{
		ID:        strconv.FormatInt(o.OrderID, 10),
		Key:       o.ClientOrderID,
		Status:    mapStatus(o.Status),
		FilledQty: parseFloat(o.ExecutedQuantity),
		AvgPrice:  parseFloat(o.AvgPrice),
	}, nil
}

const (
	codeUnknownOrder      = -2013
	codeDuplicateClientID = -4116
	codeNewOrderRejected  = -2010
)

// transient API codes: server, rate limit and clock problems.
var transientCodes = map[int64]bool{
	-1000: true, // unknown error
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1006: true, // unexpected response
	-1007: true, // timeout
	-1008: true, // server busy
	-1021: true, // timestamp outside recvWindow
}

func classifyPlaceError(err error) (execution.PlaceResult, error) {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// transport failure: the order may or may not have reached the venue
		return execution.PlaceResult{}, fmt.Errorf("binance place: %v: %w", err, types.ErrExecutionTransient)
	}
	switch {
	case apiErr.Code == codeDuplicateClientID,
		apiErr.Code == codeNewOrderRejected && strings.Contains(strings.ToLower(apiErr.Message), "duplicate"):
		return execution.PlaceResult{Status: execution.PlaceDuplicate, Reason: apiErr.Message}, nil
	case transientCodes[apiErr.Code]:
		return execution.PlaceResult{}, fmt.Errorf("binance place: %v: %w", apiErr, types.ErrExecutionTransient)
	default:
		logger.Warnf("[exec] binance rejected order: code=%d msg=%s", apiErr.Code, apiErr.Message)
		return execution.PlaceResult{Status: execution.PlaceRejected, Reason: fmt.Sprintf("%d %s", apiErr.Code, apiErr.Message)}, nil
	}
}

func mapStatus(s futures.OrderStatusType) execution.VenueOrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return execution.VenueFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return execution.VenueCanceled
	case futures.OrderStatusTypeRejected:
		return execution.VenueRejected
	default:
		return execution.VenueOpen
	}
}

func parseFloat(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return f
}
