package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autotrader/internal/store"
	storemodel "autotrader/internal/store/model"
	"autotrader/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type (
	orderModel     = storemodel.OrderModel
	tradeModel     = storemodel.TradeModel
	riskStateModel = storemodel.RiskStateModel
)

const riskStateRowID = 1

// GormStore implements store.Store using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// NewGormStore opens (or creates) the database at path and migrates it.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: storage path is empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&orderModel{}, &tradeModel{}, &riskStateModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialised")
	}
	return nil
}

// --------------------- Orders -------------------------

func (s *GormStore) CreateOrder(ctx context.Context, rec types.OrderRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.IdempotencyKey) == "" {
		return fmt.Errorf("order record requires an idempotency key")
	}
	m := newOrderModel(rec)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrDuplicateOrder, rec.IdempotencyKey)
	}
	return nil
}

func (s *GormStore) UpdateOrder(ctx context.Context, rec types.OrderRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev orderModel
		if err := tx.Where("idempotency_key = ?", rec.IdempotencyKey).First(&prev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("order %s: %w", rec.IdempotencyKey, types.ErrNotFound)
			}
			return err
		}
		if err := store.CheckTransition(orderModelToRecord(prev), rec); err != nil {
			return err
		}
		next := newOrderModel(rec)
		return tx.Model(&orderModel{}).
			Where("id = ?", prev.ID).
			Updates(map[string]interface{}{
				"venue_order_id": next.VenueOrderID,
				"status":         next.Status,
				"retry_count":    next.RetryCount,
				"filled_qty":     next.FilledQty,
				"fill_price":     next.FillPrice,
				"reason":         next.Reason,
				"updated_at":     next.UpdatedAtUnix,
			}).Error
	})
}

func (s *GormStore) GetOrder(ctx context.Context, key string) (types.OrderRecord, error) {
	if err := s.ready(); err != nil {
		return types.OrderRecord{}, err
	}
	var m orderModel
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.OrderRecord{}, fmt.Errorf("order %s: %w", key, types.ErrNotFound)
		}
		return types.OrderRecord{}, err
	}
	return orderModelToRecord(m), nil
}

func (s *GormStore) ListOrders(ctx context.Context, q store.OrderQuery) ([]types.OrderRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&orderModel{})
	if q.Asset != "" {
		db = db.Where("asset = ?", q.Asset)
	}
	if q.Status != "" {
		db = db.Where("status = ?", string(q.Status))
	}
	if !q.Since.IsZero() {
		db = db.Where("created_at >= ?", q.Since.UnixMilli())
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var models []orderModel
	if err := db.Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return orderModelsToRecords(models), nil
}

func (s *GormStore) ListUnresolved(ctx context.Context) ([]types.OrderRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []orderModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(types.OrderPending), string(types.OrderSubmitted)}).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return orderModelsToRecords(models), nil
}

// --------------------- Trade log -------------------------

func (s *GormStore) AppendTrade(ctx context.Context, entry types.TradeLogEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	m := tradeModel{
		IdempotencyKey: entry.IdempotencyKey,
		PositionKey:    entry.PositionKey,
		Asset:          entry.Asset,
		Direction:      string(entry.Direction),
		Purpose:        string(entry.Purpose),
		Quantity:       entry.Quantity,
		Price:          entry.Price,
		EntryPrice:     entry.EntryPrice,
		PnL:            entry.PnL,
		Result:         string(entry.Result),
		Provenance:     string(entry.Provenance),
		TimeUnix:       entry.Time.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) RecentTrades(ctx context.Context, asset string, limit int) ([]types.TradeLogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&tradeModel{})
	if asset != "" {
		db = db.Where("asset = ?", asset)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	var models []tradeModel
	if err := db.Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.TradeLogEntry, 0, len(models))
	for _, m := range models {
		out = append(out, types.TradeLogEntry{
			IdempotencyKey: m.IdempotencyKey,
			PositionKey:    m.PositionKey,
			Asset:          m.Asset,
			Direction:      types.Direction(m.Direction),
			Purpose:        types.Purpose(m.Purpose),
			Quantity:       m.Quantity,
			Price:          m.Price,
			EntryPrice:     m.EntryPrice,
			PnL:            m.PnL,
			Result:         types.TradeResult(m.Result),
			Provenance:     types.Provenance(m.Provenance),
			Time:           unixMilli(m.TimeUnix),
		})
	}
	return out, nil
}

// --------------------- Risk state -------------------------

func (s *GormStore) LoadRiskState(ctx context.Context) (types.RiskState, bool, error) {
	if err := s.ready(); err != nil {
		return types.RiskState{}, false, err
	}
	var m riskStateModel
	err := s.db.WithContext(ctx).Where("id = ?", riskStateRowID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewRiskState(), false, nil
	}
	if err != nil {
		return types.RiskState{}, false, err
	}
	state := types.NewRiskState()
	if err := json.Unmarshal(m.StateJSON, &state); err != nil {
		return types.RiskState{}, false, fmt.Errorf("decode risk state: %w", err)
	}
	if state.Assets == nil {
		state.Assets = make(map[string]*types.AssetRisk)
	}
	return state, true, nil
}

func (s *GormStore) SaveRiskState(ctx context.Context, state types.RiskState) error {
	if err := s.ready(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode risk state: %w", err)
	}
	m := riskStateModel{ID: riskStateRowID, StateJSON: datatypes.JSON(raw), UpdatedAtUnix: time.Now().UnixMilli()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_json", "updated_at"}),
		}).
		Create(&m).Error
}

// --------------------- helpers -------------------------

func newOrderModel(rec types.OrderRecord) orderModel {
	return orderModel{
		IdempotencyKey: rec.IdempotencyKey,
		VenueOrderID:   rec.VenueOrderID,
		Status:         string(rec.Status),
		RetryCount:     rec.RetryCount,
		Purpose:        string(rec.Purpose),
		Asset:          rec.Asset,
		Direction:      string(rec.Direction),
		Quantity:       rec.Quantity,
		FilledQty:      rec.FilledQty,
		FillPrice:      rec.FillPrice,
		Reason:         rec.Reason,
		PositionKey:    rec.PositionKey,
		Size:           rec.Size,
		EntryPrice:     rec.EntryPrice,
		StopLoss:       rec.StopLoss,
		TakeProfit:     rec.TakeProfit,
		Provenance:     string(rec.Provenance),
		CreatedAtUnix:  rec.CreatedAt.UnixMilli(),
		UpdatedAtUnix:  rec.UpdatedAt.UnixMilli(),
	}
}

func orderModelToRecord(m orderModel) types.OrderRecord {
	return types.OrderRecord{
		IdempotencyKey: m.IdempotencyKey,
		VenueOrderID:   m.VenueOrderID,
		Status:         types.OrderStatus(m.Status),
		RetryCount:     m.RetryCount,
		Purpose:        types.Purpose(m.Purpose),
		Asset:          m.Asset,
		Direction:      types.Direction(m.Direction),
		Quantity:       m.Quantity,
		FilledQty:      m.FilledQty,
		FillPrice:      m.FillPrice,
		Reason:         m.Reason,
		PositionKey:    m.PositionKey,
		Size:           m.Size,
		EntryPrice:     m.EntryPrice,
		StopLoss:       m.StopLoss,
		TakeProfit:     m.TakeProfit,
		Provenance:     types.Provenance(m.Provenance),
		CreatedAt:      unixMilli(m.CreatedAtUnix),
		UpdatedAt:      unixMilli(m.UpdatedAtUnix),
	}
}

func orderModelsToRecords(models []orderModel) []types.OrderRecord {
	out := make([]types.OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, orderModelToRecord(m))
	}
	return out
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func ensureDir(path string) error {
	if strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
