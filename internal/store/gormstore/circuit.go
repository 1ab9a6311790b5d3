package gormstore

import (
	"context"
	"fmt"
	"strings"

	"neotrader/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveCircuitWait 覆盖写入该标的的等待记录（status 重置为 waiting）。
func (s *GormStore) SaveCircuitWait(ctx context.Context, w store.CircuitWait) error {
	if err := s.ready(); err != nil {
		return err
	}
	sym := normSymbol(w.Symbol)
	if sym == "" {
		return fmt.Errorf("circuit wait symbol 必填")
	}
	now := s.now().UnixMilli()
	status := w.Status
	if status == "" {
		status = store.CircuitWaiting
	}
	m := circuitWaitModel{
		Symbol:          sym,
		OrderID:         w.OrderID,
		PlacedSymbol:    w.PlacedSymbol,
		Ticker:          w.Ticker,
		Exchange:        w.Exchange,
		Quantity:        w.Quantity,
		UpperCircuit:    w.Upper,
		LowerCircuit:    w.Lower,
		EMA9Target:      w.EMA9Target,
		RejectionReason: w.RejectionReason,
		Snapshot:        toJSON(w.Snapshot),
		Status:          status,
		NewOrderID:      w.NewOrderID,
		CreatedAtUnix:   now,
		UpdatedAtUnix:   now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"order_id", "placed_symbol", "ticker", "exchange", "quantity", "upper_circuit", "lower_circuit",
				"ema9_target", "rejection_reason", "snapshot", "status", "new_order_id", "updated_at",
			}),
		}).
		Create(&m).Error
}

// ListCircuitWaits 只返回仍在等待的记录。
func (s *GormStore) ListCircuitWaits(ctx context.Context) ([]store.CircuitWait, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []circuitWaitModel
	if err := s.db.WithContext(ctx).Where("status = ?", store.CircuitWaiting).Order("symbol ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.CircuitWait, 0, len(models))
	for _, m := range models {
		w := store.CircuitWait{
			Symbol:          m.Symbol,
			OrderID:         m.OrderID,
			PlacedSymbol:    m.PlacedSymbol,
			Ticker:          m.Ticker,
			Exchange:        m.Exchange,
			Quantity:        m.Quantity,
			Upper:           m.UpperCircuit,
			Lower:           m.LowerCircuit,
			EMA9Target:      m.EMA9Target,
			RejectionReason: m.RejectionReason,
			Status:          m.Status,
			NewOrderID:      m.NewOrderID,
			CreatedAt:       millisToTime(m.CreatedAtUnix),
			UpdatedAt:       millisToTime(m.UpdatedAtUnix),
		}
		fromJSON(m.Snapshot, &w.Snapshot)
		out = append(out, w)
	}
	return out, nil
}

func (s *GormStore) MarkCircuitRetried(ctx context.Context, symbol, newOrderID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&circuitWaitModel{}).
		Where("symbol = ?", normSymbol(symbol)).
		Updates(map[string]interface{}{
			"status":       store.CircuitRetried,
			"new_order_id": newOrderID,
			"updated_at":   s.now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordForcedExit 每个 (symbol, trade_date) 只保留一条；重复写入更新状态。
func (s *GormStore) RecordForcedExit(ctx context.Context, fe store.ForcedExit) error {
	if err := s.ready(); err != nil {
		return err
	}
	if normSymbol(fe.Symbol) == "" || strings.TrimSpace(fe.TradeDate) == "" {
		return fmt.Errorf("forced exit 需要 symbol 与 trade_date")
	}
	m := forcedExitModel{
		Symbol:        normSymbol(fe.Symbol),
		TradeDate:     fe.TradeDate,
		OrderID:       fe.OrderID,
		Status:        fe.Status,
		RSI:           fe.RSI,
		Detail:        fe.Detail,
		CreatedAtUnix: s.now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}, {Name: "trade_date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"order_id": gorm.Expr("excluded.order_id"),
				"status":   gorm.Expr("excluded.status"),
				"rsi":      gorm.Expr("excluded.rsi"),
				"detail":   gorm.Expr("excluded.detail"),
			}),
		}).
		Create(&m).Error
}

func (s *GormStore) ListForcedExits(ctx context.Context, tradeDate string) ([]store.ForcedExit, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []forcedExitModel
	if err := s.db.WithContext(ctx).Where("trade_date = ?", tradeDate).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.ForcedExit, 0, len(models))
	for _, m := range models {
		out = append(out, store.ForcedExit{
			Symbol:    m.Symbol,
			TradeDate: m.TradeDate,
			OrderID:   m.OrderID,
			Status:    m.Status,
			RSI:       m.RSI,
			Detail:    m.Detail,
			CreatedAt: millisToTime(m.CreatedAtUnix),
		})
	}
	return out, nil
}
