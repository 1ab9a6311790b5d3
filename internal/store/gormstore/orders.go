package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"neotrader/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveOrder upserts by broker_order_id.
func (s *GormStore) SaveOrder(ctx context.Context, rec *store.OrderRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec == nil || strings.TrimSpace(rec.BrokerOrderID) == "" {
		return fmt.Errorf("broker_order_id 必填")
	}
	now := s.now()
	if rec.PlacedAt.IsZero() {
		rec.PlacedAt = now
	}
	rec.UpdatedAt = now
	m := newOrderModel(*rec)
	m.ID = 0
	m.CreatedAtUnix = now.UnixMilli()
	updates := clause.Assignments(map[string]interface{}{
		"symbol":         gorm.Expr("excluded.symbol"),
		"side":           gorm.Expr("excluded.side"),
		"quantity":       gorm.Expr("excluded.quantity"),
		"price":          gorm.Expr("excluded.price"),
		"executed_qty":   gorm.Expr("excluded.executed_qty"),
		"executed_price": gorm.Expr("excluded.executed_price"),
		"status":         gorm.Expr("excluded.status"),
		"is_reentry":     gorm.Expr("excluded.is_reentry"),
		"reason":         gorm.Expr("COALESCE(NULLIF(excluded.reason, ''), orders.reason)"),
		"metadata":       gorm.Expr("excluded.metadata"),
		"updated_at":     gorm.Expr("excluded.updated_at"),
	})
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "broker_order_id"}},
			DoUpdates: updates,
		}).
		Create(&m).Error
	if err != nil {
		return err
	}
	if rec.ID == 0 {
		saved, err := s.GetOrder(ctx, rec.BrokerOrderID)
		if err == nil {
			rec.ID = saved.ID
		}
	}
	return nil
}

func (s *GormStore) GetOrder(ctx context.Context, brokerOrderID string) (store.OrderRecord, error) {
	if err := s.ready(); err != nil {
		return store.OrderRecord{}, err
	}
	var m orderModel
	err := s.db.WithContext(ctx).Where("broker_order_id = ?", strings.TrimSpace(brokerOrderID)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.OrderRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.OrderRecord{}, err
	}
	return orderModelToRecord(m), nil
}

// ListOrders 按方向与状态过滤；side 为空表示不限。
func (s *GormStore) ListOrders(ctx context.Context, side string, statuses ...store.OrderStatus) ([]store.OrderRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&orderModel{})
	if side = strings.ToUpper(strings.TrimSpace(side)); side != "" {
		q = q.Where("side = ?", side)
	}
	if len(statuses) > 0 {
		vals := make([]string, 0, len(statuses))
		for _, st := range statuses {
			vals = append(vals, string(st))
		}
		q = q.Where("status IN ?", vals)
	}
	var models []orderModel
	if err := q.Order("placed_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, orderModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) ListPendingReentries(ctx context.Context, symbol string) ([]store.OrderRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []orderModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND is_reentry = ? AND status IN ?", normSymbol(symbol), "BUY", true,
			[]string{string(store.OrderStatusPending), string(store.OrderStatusOpen), string(store.OrderStatusAMO)}).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, orderModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) UpdateOrderStatus(ctx context.Context, brokerOrderID string, status store.OrderStatus, reason string) error {
	return s.patchOrder(ctx, brokerOrderID, map[string]interface{}{
		"status": string(status),
		"reason": reason,
	})
}

func (s *GormStore) MarkOrderExecuted(ctx context.Context, brokerOrderID string, qty int, price float64) error {
	return s.patchOrder(ctx, brokerOrderID, map[string]interface{}{
		"status":         string(store.OrderStatusOngoing),
		"executed_qty":   qty,
		"executed_price": price,
	})
}

func (s *GormStore) PatchOrderTerms(ctx context.Context, brokerOrderID string, qty int, price float64) error {
	return s.patchOrder(ctx, brokerOrderID, map[string]interface{}{
		"quantity": qty,
		"price":    price,
	})
}

func (s *GormStore) patchOrder(ctx context.Context, brokerOrderID string, fields map[string]interface{}) error {
	if err := s.ready(); err != nil {
		return err
	}
	fields["updated_at"] = s.now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&orderModel{}).
		Where("broker_order_id = ?", strings.TrimSpace(brokerOrderID)).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func newOrderModel(rec store.OrderRecord) orderModel {
	return orderModel{
		ID:            rec.ID,
		BrokerOrderID: strings.TrimSpace(rec.BrokerOrderID),
		Symbol:        normSymbol(rec.Symbol),
		Side:          strings.ToUpper(rec.Side),
		Quantity:      rec.Quantity,
		Price:         rec.Price,
		ExecutedQty:   rec.ExecutedQty,
		ExecutedPrice: rec.ExecutedPrice,
		Status:        string(rec.Status),
		IsReentry:     rec.IsReentry,
		Reason:        rec.Reason,
		Metadata:      toJSON(rec.Metadata),
		PlacedAtUnix:  timeToMillis(rec.PlacedAt),
		UpdatedAtUnix: timeToMillis(rec.UpdatedAt),
	}
}

func orderModelToRecord(m orderModel) store.OrderRecord {
	rec := store.OrderRecord{
		ID:            m.ID,
		BrokerOrderID: m.BrokerOrderID,
		Symbol:        m.Symbol,
		Side:          m.Side,
		Quantity:      m.Quantity,
		Price:         m.Price,
		ExecutedQty:   m.ExecutedQty,
		ExecutedPrice: m.ExecutedPrice,
		Status:        store.OrderStatus(m.Status),
		IsReentry:     m.IsReentry,
		Reason:        m.Reason,
		PlacedAt:      millisToTime(m.PlacedAtUnix),
		UpdatedAt:     millisToTime(m.UpdatedAtUnix),
	}
	fromJSON(m.Metadata, &rec.Metadata)
	return rec
}
