package livehttp

import (
	"context"
	"time"

	"neotrader/internal/coordinator"
	"neotrader/internal/monitor"
	"neotrader/internal/store"
)

// OrderSource 是协调器的只读视图。
type OrderSource interface {
	ActiveSellOrders() map[string]coordinator.ActiveSellOrder
	ActiveBuyOrders() map[string]coordinator.ActiveBuyOrder
}

type CycleSource interface {
	LastReport() (monitor.CycleReport, bool)
}

// StoreSource 提供持仓与熔断等待列表。
type StoreSource interface {
	ListOpenPositions(ctx context.Context) ([]store.PositionRecord, error)
	ListCircuitWaits(ctx context.Context) ([]store.CircuitWait, error)
	ListForcedExits(ctx context.Context, tradeDate string) ([]store.ForcedExit, error)
}

type TradeSource interface {
	ListTrades(ctx context.Context, symbol string, limit int) ([]store.TradeRecord, error)
}

type sellView struct {
	Symbol       string    `json:"symbol"`
	OrderID      string    `json:"order_id"`
	TargetPrice  float64   `json:"target_price"`
	Quantity     int       `json:"quantity"`
	Ticker       string    `json:"ticker,omitempty"`
	PlacedSymbol string    `json:"placed_symbol,omitempty"`
	Exchange     string    `json:"exchange,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

type buyView struct {
	OrderID          string    `json:"order_id"`
	Symbol           string    `json:"symbol"`
	Quantity         int       `json:"quantity"`
	Price            float64   `json:"price"`
	OriginalQuantity int       `json:"original_quantity"`
	OriginalPrice    float64   `json:"original_price"`
	ManualCancelled  bool      `json:"manually_cancelled"`
	RegisteredAt     time.Time `json:"registered_at"`
}

type cycleView struct {
	TraceID    string         `json:"trace_id"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Orders     int            `json:"orders"`
	Buys       map[string]int `json:"buys"`
	Sells      map[string]int `json:"sells"`
	Error      string         `json:"error,omitempty"`
}

type waitView struct {
	Symbol     string    `json:"symbol"`
	OrderID    string    `json:"order_id"`
	Quantity   int       `json:"quantity"`
	Upper      float64   `json:"upper"`
	Lower      float64   `json:"lower"`
	EMA9Target float64   `json:"ema9_target"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	NewOrderID string    `json:"new_order_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
