package sellengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/logger"
)

type updateState string

const (
	statePlaced          updateState = "PLACED"
	stateModifyRequested updateState = "MODIFY_REQUESTED"
	stateModifyOk        updateState = "MODIFY_OK"
	stateModifyFailed    updateState = "MODIFY_FAILED"
	stateCancelRequested updateState = "CANCEL_REQUESTED"
	stateCancelFailed    updateState = "CANCEL_FAILED"
	statePlaceNewOk      updateState = "PLACE_NEW_OK"
	statePlaceNewFailed  updateState = "PLACE_NEW_FAILED"
)

// orderUpdate walks one live order through modify, or cancel and place-new.
// Every step lands in the audit log.
type orderUpdate struct {
	symbol  string
	orderID string
	state   updateState
}

func (u *orderUpdate) advance(next updateState, fields map[string]any) {
	logger.LogOrderTransition(u.symbol, u.orderID, string(u.state), string(next), fields)
	u.state = next
}

type terms struct {
	Price    float64
	Quantity int
	Market   bool
}

type amendResult struct {
	OrderID  string
	Replaced bool
	State    updateState
}

// amend tries an in-place modify and falls back to cancel + place-new when the modify fails
// or the broker answers with a non-success status.
func (e *Engine) amend(ctx context.Context, active coordinator.ActiveSellOrder, t terms) (amendResult, error) {
	u := &orderUpdate{symbol: active.Symbol, orderID: active.OrderID, state: statePlaced}
	orderType := exchange.OrderTypeLimit
	if t.Market {
		orderType = exchange.OrderTypeMarket
	}
	u.advance(stateModifyRequested, map[string]any{"price": t.Price, "qty": t.Quantity, "type": orderType})
	mod, err := e.broker.ModifyOrder(ctx, exchange.ModifyRequest{
		OrderID:   active.OrderID,
		Symbol:    active.PlacedSymbol,
		Exchange:  active.Exchange,
		Quantity:  t.Quantity,
		Price:     t.Price,
		OrderType: orderType,
	})
	if err == nil && !mod.Success() {
		err = fmt.Errorf("modify status %q: %s", mod.Status, strings.TrimSpace(mod.Message))
	}
	e.metrics.OrderAction("modify", err)
	if err == nil {
		u.advance(stateModifyOk, nil)
		return amendResult{OrderID: active.OrderID, State: u.state}, nil
	}
	u.advance(stateModifyFailed, map[string]any{"error": err.Error()})

	u.advance(stateCancelRequested, nil)
	if cerr := e.broker.CancelOrder(ctx, active.OrderID); cerr != nil && !errors.Is(cerr, exchange.ErrOrderNotFound) {
		e.metrics.OrderAction("cancel", cerr)
		u.advance(stateCancelFailed, map[string]any{"error": cerr.Error()})
		return amendResult{OrderID: active.OrderID, State: u.state}, fmt.Errorf("cancel %s after failed modify: %w", active.OrderID, cerr)
	}
	e.metrics.OrderAction("cancel", nil)

	req := exchange.PlaceRequest{
		Symbol:   active.PlacedSymbol,
		Exchange: active.Exchange,
		Quantity: t.Quantity,
		Price:    t.Price,
		Product:  exchange.ProductCNC,
		Variety:  "REGULAR",
		Tag:      orderTag,
	}
	var placed exchange.PlaceResult
	if t.Market {
		placed, err = e.broker.PlaceMarketSell(ctx, req)
	} else {
		placed, err = e.broker.PlaceLimitSell(ctx, req)
	}
	if err == nil && strings.TrimSpace(placed.OrderID) == "" {
		err = fmt.Errorf("broker returned no order id: %s", placed.Message)
	}
	e.metrics.OrderAction("place", err)
	if err != nil {
		u.advance(statePlaceNewFailed, map[string]any{"error": err.Error()})
		return amendResult{State: u.state}, fmt.Errorf("re-place %s: %w", active.Symbol, err)
	}
	u.advance(statePlaceNewOk, map[string]any{"new_order": placed.OrderID})
	return amendResult{OrderID: placed.OrderID, Replaced: true, State: u.state}, nil
}
