package model

import (
	"time"

	"gorm.io/datatypes"
)

// OrderModel 对应 orders 表；broker_order_id 唯一。
type OrderModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	BrokerOrderID string         `gorm:"column:broker_order_id;uniqueIndex"`
	Symbol        string         `gorm:"column:symbol;index"`
	Side          string         `gorm:"column:side"`
	Quantity      int            `gorm:"column:quantity"`
	Price         float64        `gorm:"column:price"`
	ExecutedQty   int            `gorm:"column:executed_qty"`
	ExecutedPrice float64        `gorm:"column:executed_price"`
	Status        string         `gorm:"column:status;index"`
	IsReentry     bool           `gorm:"column:is_reentry"`
	Reason        string         `gorm:"column:reason"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:TEXT"`
	PlacedAtUnix  int64          `gorm:"column:placed_at"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`

	CreatedAt time.Time `gorm:"-"`
	UpdatedAt time.Time `gorm:"-"`
}

func (OrderModel) TableName() string { return "orders" }

// PositionModel 对应 positions 表；closed_at 为空表示仍持有。
type PositionModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	Symbol         string         `gorm:"column:symbol;index"`
	Quantity       int            `gorm:"column:quantity"`
	AvgPrice       float64        `gorm:"column:avg_price"`
	OpenedAtUnix   int64          `gorm:"column:opened_at"`
	ClosedAtUnix   *int64         `gorm:"column:closed_at"`
	ReentryCount   int            `gorm:"column:reentry_count"`
	PartialExits   datatypes.JSON `gorm:"column:partial_exits;type:TEXT"`
	Reentries      datatypes.JSON `gorm:"column:reentries;type:TEXT"`
	ExitPrice      float64        `gorm:"column:exit_price"`
	RealizedPnL    float64        `gorm:"column:realized_pnl"`
	RealizedPnLPct float64        `gorm:"column:realized_pnl_pct"`
	ExitReason     string         `gorm:"column:exit_reason"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// CircuitWaitModel 对应 circuit_waits 表，每个标的至多一行。
type CircuitWaitModel struct {
	Symbol          string         `gorm:"column:symbol;primaryKey"`
	OrderID         string         `gorm:"column:order_id"`
	PlacedSymbol    string         `gorm:"column:placed_symbol"`
	Ticker          string         `gorm:"column:ticker"`
	Exchange        string         `gorm:"column:exchange"`
	Quantity        int            `gorm:"column:quantity"`
	UpperCircuit    float64        `gorm:"column:upper_circuit"`
	LowerCircuit    float64        `gorm:"column:lower_circuit"`
	EMA9Target      float64        `gorm:"column:ema9_target"`
	RejectionReason string         `gorm:"column:rejection_reason"`
	Snapshot        datatypes.JSON `gorm:"column:snapshot;type:TEXT"`
	Status          string         `gorm:"column:status;index"`
	NewOrderID      string         `gorm:"column:new_order_id"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
}

func (CircuitWaitModel) TableName() string { return "circuit_waits" }

// ForcedExitModel 对应 forced_exits 表，(symbol, trade_date) 唯一。
type ForcedExitModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Symbol        string  `gorm:"column:symbol;uniqueIndex:idx_forced_exit,priority:1"`
	TradeDate     string  `gorm:"column:trade_date;uniqueIndex:idx_forced_exit,priority:2"`
	OrderID       string  `gorm:"column:order_id"`
	Status        string  `gorm:"column:status"`
	RSI           float64 `gorm:"column:rsi"`
	Detail        string  `gorm:"column:detail"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
}

func (ForcedExitModel) TableName() string { return "forced_exits" }
