package exchange

import (
	"context"

	"neotrader/internal/order"
)

// OrderClient is the broker order API.
type OrderClient interface {
	// GetOrders returns today's full order report.
	GetOrders(ctx context.Context) ([]order.Order, error)

	GetExecutedOrders(ctx context.Context) ([]order.Order, error)

	GetPendingOrders(ctx context.Context) ([]order.Order, error)

	PlaceLimitSell(ctx context.Context, req PlaceRequest) (PlaceResult, error)

	PlaceMarketSell(ctx context.Context, req PlaceRequest) (PlaceResult, error)

	ModifyOrder(ctx context.Context, req ModifyRequest) (ModifyResult, error)

	CancelOrder(ctx context.Context, orderID string) error

	// GetOrderHistory returns every status transition the broker recorded for orderID.
	// An empty orderID returns the history of all orders for the day.
	GetOrderHistory(ctx context.Context, orderID string) ([]order.Order, error)
}

// HoldingsClient exposes delivery holdings.
type HoldingsClient interface {
	GetHoldings(ctx context.Context) ([]Holding, error)
}

// Broker groups the collaborators a live process needs from one account.
type Broker interface {
	OrderClient
	HoldingsClient
}

// HoldingsBySymbol indexes holdings quantity by base symbol, summing duplicate lines.
func HoldingsBySymbol(holdings []Holding, base func(string) string) map[string]int {
	out := make(map[string]int, len(holdings))
	for _, h := range holdings {
		key := h.Symbol
		if base != nil {
			key = base(h.Symbol)
		}
		if key == "" {
			continue
		}
		out[key] += h.Quantity
	}
	return out
}
