package gormstore

import (
	"context"
	"errors"
	"fmt"

	"neotrader/internal/store"

	"gorm.io/gorm"
)

// GetOpenPosition 返回该标的最近一条未平仓记录。
func (s *GormStore) GetOpenPosition(ctx context.Context, symbol string) (store.PositionRecord, error) {
	if err := s.ready(); err != nil {
		return store.PositionRecord{}, err
	}
	var m positionModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND closed_at IS NULL", normSymbol(symbol)).
		Order("id DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.PositionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.PositionRecord{}, err
	}
	return positionModelToRecord(m), nil
}

func (s *GormStore) ListOpenPositions(ctx context.Context) ([]store.PositionRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []positionModel
	if err := s.db.WithContext(ctx).Where("closed_at IS NULL").Order("symbol ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.PositionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, positionModelToRecord(m))
	}
	return out, nil
}

// SavePosition inserts when rec.ID is zero, otherwise overwrites the row.
func (s *GormStore) SavePosition(ctx context.Context, rec *store.PositionRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec == nil || normSymbol(rec.Symbol) == "" {
		return fmt.Errorf("position symbol 必填")
	}
	now := s.now()
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = now
	}
	rec.UpdatedAt = now
	m := newPositionModel(*rec)
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return err
	}
	rec.ID = m.ID
	return nil
}

func newPositionModel(rec store.PositionRecord) positionModel {
	m := positionModel{
		ID:             rec.ID,
		Symbol:         normSymbol(rec.Symbol),
		Quantity:       rec.Quantity,
		AvgPrice:       rec.AvgPrice,
		OpenedAtUnix:   timeToMillis(rec.OpenedAt),
		ReentryCount:   rec.ReentryCount,
		PartialExits:   toJSON(rec.PartialExits),
		Reentries:      toJSON(rec.Reentries),
		ExitPrice:      rec.ExitPrice,
		RealizedPnL:    rec.RealizedPnL,
		RealizedPnLPct: rec.RealizedPnLPct,
		ExitReason:     rec.ExitReason,
		UpdatedAtUnix:  timeToMillis(rec.UpdatedAt),
	}
	if rec.ClosedAt != nil && !rec.ClosedAt.IsZero() {
		ms := rec.ClosedAt.UnixMilli()
		m.ClosedAtUnix = &ms
	}
	return m
}

func positionModelToRecord(m positionModel) store.PositionRecord {
	rec := store.PositionRecord{
		ID:             m.ID,
		Symbol:         m.Symbol,
		Quantity:       m.Quantity,
		AvgPrice:       m.AvgPrice,
		OpenedAt:       millisToTime(m.OpenedAtUnix),
		ReentryCount:   m.ReentryCount,
		ExitPrice:      m.ExitPrice,
		RealizedPnL:    m.RealizedPnL,
		RealizedPnLPct: m.RealizedPnLPct,
		ExitReason:     m.ExitReason,
		UpdatedAt:      millisToTime(m.UpdatedAtUnix),
	}
	if m.ClosedAtUnix != nil {
		t := millisToTime(*m.ClosedAtUnix)
		rec.ClosedAt = &t
	}
	fromJSON(m.PartialExits, &rec.PartialExits)
	fromJSON(m.Reentries, &rec.Reentries)
	return rec
}
