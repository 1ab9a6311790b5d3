package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// OrderRepository handles relational order persistence.
type OrderRepository interface {
	// SaveOrder inserts or updates by broker order id.
	SaveOrder(ctx context.Context, rec *OrderRecord) error
	GetOrder(ctx context.Context, brokerOrderID string) (OrderRecord, error)
	ListOrders(ctx context.Context, side string, statuses ...OrderStatus) ([]OrderRecord, error)
	// ListPendingReentries returns not-yet-filled reentry buys for symbol.
	ListPendingReentries(ctx context.Context, symbol string) ([]OrderRecord, error)
	UpdateOrderStatus(ctx context.Context, brokerOrderID string, status OrderStatus, reason string) error
	MarkOrderExecuted(ctx context.Context, brokerOrderID string, qty int, price float64) error
	// PatchOrderTerms records a manual price/quantity edit made outside the engine.
	PatchOrderTerms(ctx context.Context, brokerOrderID string, qty int, price float64) error
}

// PositionRepository handles open/closed positions.
type PositionRepository interface {
	// GetOpenPosition returns the open position for symbol or ErrNotFound.
	GetOpenPosition(ctx context.Context, symbol string) (PositionRecord, error)
	ListOpenPositions(ctx context.Context) ([]PositionRecord, error)
	SavePosition(ctx context.Context, rec *PositionRecord) error
}

// CircuitWaitRepository persists sells parked after a circuit-limit rejection.
type CircuitWaitRepository interface {
	SaveCircuitWait(ctx context.Context, w CircuitWait) error
	ListCircuitWaits(ctx context.Context) ([]CircuitWait, error)
	MarkCircuitRetried(ctx context.Context, symbol, newOrderID string) error
}

// ForcedExitRepository persists once-per-day RSI conversions.
type ForcedExitRepository interface {
	RecordForcedExit(ctx context.Context, fe ForcedExit) error
	ListForcedExits(ctx context.Context, tradeDate string) ([]ForcedExit, error)
}

// Repositories groups the relational stores.
type Repositories interface {
	OrderRepository
	PositionRepository
	CircuitWaitRepository
	ForcedExitRepository
	Close() error
}

// PendingJournal mirrors every order the engine is tracking, keyed by broker order id.
type PendingJournal interface {
	UpsertPending(ctx context.Context, p PendingOrder) error
	UpdatePendingStatus(ctx context.Context, orderID, status, reason string) error
	ListPending(ctx context.Context, side string) ([]PendingOrder, error)
}

// TradeJournal keeps the trade history (trades + failed_orders).
type TradeJournal interface {
	RecordEntry(ctx context.Context, tr TradeRecord) error
	// CloseTrade patches the latest open trade for symbol, or appends a closed one when none is open.
	CloseTrade(ctx context.Context, exit TradeExit) (TradeRecord, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]TradeRecord, error)
	RecordFailed(ctx context.Context, f FailedOrder) error
}

// Journal is the combined file-backed journal.
type Journal interface {
	PendingJournal
	TradeJournal
	Close() error
}

// TradeDate 返回交易日字符串 YYYY-MM-DD。
func TradeDate(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2006-01-02")
}
