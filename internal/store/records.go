package store

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusAMO       OrderStatus = "AMO"
	OrderStatusOngoing   OrderStatus = "ONGOING"
	OrderStatusClosed    OrderStatus = "CLOSED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further broker updates are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRecord 是 orders 表的一行。
type OrderRecord struct {
	ID            int64
	BrokerOrderID string
	Symbol        string
	Side          string
	Quantity      int
	Price         float64
	ExecutedQty   int
	ExecutedPrice float64
	Status        OrderStatus
	IsReentry     bool
	Reason        string
	Metadata      map[string]any
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// PartialExit 是一次部分卖出（人工或系统）。
type PartialExit struct {
	OrderIDs []string  `json:"order_ids"`
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// ReentryEntry 是一次加仓记录，写入前须通过 ValidateReentryData。
type ReentryEntry struct {
	OrderID  string    `json:"order_id"`
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

// PositionRecord 是 positions 表的一行。
type PositionRecord struct {
	ID             int64
	Symbol         string
	Quantity       int
	AvgPrice       float64
	OpenedAt       time.Time
	ClosedAt       *time.Time
	ReentryCount   int
	PartialExits   []PartialExit
	Reentries      []ReentryEntry
	ExitPrice      float64
	RealizedPnL    float64
	RealizedPnLPct float64
	ExitReason     string
	UpdatedAt      time.Time
}

// UnsettledQuantity 返回当日买入、券商持仓里还看不到的股数（T+1 交收）。
// 当日开仓的整笔持仓都算未交收；老仓位只计当日成交的加仓。
func (p PositionRecord) UnsettledQuantity(now time.Time, loc *time.Location) int {
	today := TradeDate(now, loc)
	if TradeDate(p.OpenedAt, loc) == today {
		return p.Quantity
	}
	n := 0
	for _, r := range p.Reentries {
		if TradeDate(r.Time, loc) == today {
			n += r.Quantity
		}
	}
	if n > p.Quantity {
		n = p.Quantity
	}
	return n
}

func (p PositionRecord) IsOpen() bool {
	return p.ClosedAt == nil && p.Quantity > 0
}

// HasExitOrder reports whether orderID is already accounted for in the partial-exit ledger.
func (p PositionRecord) HasExitOrder(orderID string) bool {
	for _, pe := range p.PartialExits {
		for _, id := range pe.OrderIDs {
			if id == orderID {
				return true
			}
		}
	}
	return false
}

const (
	CircuitWaiting = "waiting"
	CircuitRetried = "retried"

	ForcedExitConverted = "converted"
	ForcedExitFailed    = "failed"
)

// CircuitWait 记录一笔因涨跌停价格带被拒、等待重挂的卖单。
type CircuitWait struct {
	Symbol          string
	OrderID         string
	PlacedSymbol    string
	Ticker          string
	Exchange        string
	Quantity        int
	Upper           float64
	Lower           float64
	EMA9Target      float64
	RejectionReason string
	Snapshot        map[string]any
	Status          string
	NewOrderID      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ForcedExit 记录一次 RSI 强制转市价的尝试。
type ForcedExit struct {
	Symbol    string
	TradeDate string
	OrderID   string
	Status    string
	RSI       float64
	Detail    string
	CreatedAt time.Time
}

// PendingOrder 是挂单日志的一行。
type PendingOrder struct {
	OrderID      string
	Symbol       string
	Side         string
	Quantity     int
	Price        float64
	Ticker       string
	PlacedSymbol string
	Exchange     string
	Status       string
	Reason       string
	Extra        map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	PendingStatusPending   = "PENDING"
	PendingStatusExecuted  = "EXECUTED"
	PendingStatusCancelled = "CANCELLED"
	PendingStatusRejected  = "REJECTED"
	PendingStatusRemoved   = "REMOVED"

	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// TradeRecord 是交易流水的一行。
type TradeRecord struct {
	ID           int64
	Symbol       string
	EntryOrderID string
	ExitOrderID  string
	Quantity     int
	EntryPrice   float64
	EntryTime    time.Time
	ExitPrice    float64
	ExitTime     time.Time
	PnL          float64
	PnLPct       float64
	Status       string
	ExitReason   string
}

// TradeExit 描述一次卖出成交。
type TradeExit struct {
	Symbol   string
	OrderID  string
	Price    float64
	Quantity int
	At       time.Time
	Reason   string
}

// FailedOrder 记录下单失败的请求。
type FailedOrder struct {
	Symbol    string
	OrderID   string
	Side      string
	Reason    string
	Payload   map[string]any
	CreatedAt time.Time
}
