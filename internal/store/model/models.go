package model

import (
	"gorm.io/datatypes"
)

// OrderModel maps to 'orders'. Rows are updated in place and never deleted.
type OrderModel struct {
	ID             int64   `gorm:"column:id;primaryKey"`
	IdempotencyKey string  `gorm:"column:idempotency_key;uniqueIndex"`
	VenueOrderID   string  `gorm:"column:venue_order_id"`
	Status         string  `gorm:"column:status;index"`
	RetryCount     int     `gorm:"column:retry_count"`
	Purpose        string  `gorm:"column:purpose"`
	Asset          string  `gorm:"column:asset;index"`
	Direction      string  `gorm:"column:direction"`
	Quantity       float64 `gorm:"column:quantity"`
	FilledQty      float64 `gorm:"column:filled_qty"`
	FillPrice      float64 `gorm:"column:fill_price"`
	Reason         string  `gorm:"column:reason"`
	PositionKey    string  `gorm:"column:position_key"`
	Size           float64 `gorm:"column:size"`
	EntryPrice     float64 `gorm:"column:entry_price"`
	StopLoss       float64 `gorm:"column:stop_loss"`
	TakeProfit     float64 `gorm:"column:take_profit"`
	Provenance     string  `gorm:"column:provenance"`
	CreatedAtUnix  int64   `gorm:"column:created_at"`
	UpdatedAtUnix  int64   `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "orders" }

// TradeModel maps to 'trade_log', the append-only fill history.
type TradeModel struct {
	ID             int64   `gorm:"column:id;primaryKey"`
	IdempotencyKey string  `gorm:"column:idempotency_key;index"`
	PositionKey    string  `gorm:"column:position_key"`
	Asset          string  `gorm:"column:asset;index"`
	Direction      string  `gorm:"column:direction"`
	Purpose        string  `gorm:"column:purpose"`
	Quantity       float64 `gorm:"column:quantity"`
	Price          float64 `gorm:"column:price"`
	EntryPrice     float64 `gorm:"column:entry_price"`
	PnL            float64 `gorm:"column:pnl"`
	Result         string  `gorm:"column:result"`
	Provenance     string  `gorm:"column:provenance"`
	TimeUnix       int64   `gorm:"column:time"`
}

func (TradeModel) TableName() string { return "trade_log" }

// RiskStateModel is a single-row table holding the latest risk snapshot.
type RiskStateModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	StateJSON     datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (RiskStateModel) TableName() string { return "risk_state" }
