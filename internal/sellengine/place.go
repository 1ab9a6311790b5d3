package sellengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/logger"
	"neotrader/internal/order"
	"neotrader/internal/pkg/trading"
	"neotrader/internal/store"
)

const orderTag = "neotrader"

// SellRequest asks for a new limit sell. Price is the raw target; it is tick-rounded before submission.
type SellRequest struct {
	Symbol   string
	Quantity int
	Price    float64
	Reason   string
}

// PlaceSellOrder submits a limit sell and starts tracking it.
func (e *Engine) PlaceSellOrder(ctx context.Context, req SellRequest) (string, error) {
	res := e.symbols.Resolve(req.Symbol)
	if res.Base == "" {
		return "", fmt.Errorf("invalid symbol %q", req.Symbol)
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%s: quantity must be positive, got %d", res.Base, req.Quantity)
	}
	price := roundPrice(req.Price, res.Exchange)
	if price <= 0 {
		return "", fmt.Errorf("%s: invalid price %.4f", res.Base, req.Price)
	}
	placed, err := e.broker.PlaceLimitSell(ctx, exchange.PlaceRequest{
		Symbol:   res.TradingSymbol,
		Exchange: res.Exchange,
		Quantity: req.Quantity,
		Price:    price,
		Product:  exchange.ProductCNC,
		Variety:  "REGULAR",
		Tag:      orderTag,
	})
	if err == nil && strings.TrimSpace(placed.OrderID) == "" {
		err = fmt.Errorf("broker returned no order id: %s", placed.Message)
	}
	e.metrics.OrderAction("place", err)
	if err != nil {
		e.recordFailed(ctx, res.Base, "", err, map[string]any{
			"symbol": res.TradingSymbol, "qty": req.Quantity, "price": price, "reason": req.Reason,
		})
		return "", fmt.Errorf("place sell %s: %w", res.Base, err)
	}
	logger.LogOrderTransition(res.Base, placed.OrderID, "", string(statePlaced), map[string]any{
		"price": price, "qty": req.Quantity, "reason": req.Reason,
	})
	e.track(ctx, coordinator.ActiveSellOrder{
		Symbol:       res.Base,
		Ticker:       res.Ticker,
		PlacedSymbol: res.TradingSymbol,
		Exchange:     res.Exchange,
	}, placed.OrderID, price, req.Quantity, req.Reason)
	logger.Infof("sellengine: placed sell %s %d @ %.2f order=%s (%s)", res.TradingSymbol, req.Quantity, price, placed.OrderID, req.Reason)
	return placed.OrderID, nil
}

// UpdateSellOrder moves the live sell for symbol to newPrice.
func (e *Engine) UpdateSellOrder(ctx context.Context, sym string, newPrice float64) (bool, error) {
	active, ok := e.coord.ActiveSellOrder(sym)
	if !ok {
		return false, fmt.Errorf("%s: no active sell order", sym)
	}
	price := roundPrice(newPrice, active.Exchange)
	res, err := e.amend(ctx, active, terms{Price: price, Quantity: active.Quantity})
	return e.applyAmend(ctx, active, res, price, active.Quantity, err)
}

// IncreaseSellQuantity grows the live sell after a reentry buy filled. Shrinking is refused.
func (e *Engine) IncreaseSellQuantity(ctx context.Context, sym string, qty int) (bool, error) {
	active, ok := e.coord.ActiveSellOrder(sym)
	if !ok {
		return false, nil
	}
	if qty <= active.Quantity {
		return true, nil
	}
	return e.resizeSellOrder(ctx, active, qty)
}

func (e *Engine) resizeSellOrder(ctx context.Context, active coordinator.ActiveSellOrder, qty int) (bool, error) {
	res, err := e.amend(ctx, active, terms{Price: active.TargetPrice, Quantity: qty})
	return e.applyAmend(ctx, active, res, active.TargetPrice, qty, err)
}

// applyAmend folds the outcome of an amend into the coordinator and the orders table.
func (e *Engine) applyAmend(ctx context.Context, active coordinator.ActiveSellOrder, res amendResult, price float64, qty int, err error) (bool, error) {
	switch {
	case err != nil && res.State == statePlaceNewFailed:
		// 旧单已撤，新单失败：停止跟踪，等待下次开盘补单
		e.coord.RemoveFromTracking(ctx, active.Symbol, "replace failed")
		e.setOrderStatus(ctx, active.OrderID, store.OrderStatusCancelled, "replace failed")
		e.recordFailed(ctx, active.Symbol, active.OrderID, err, map[string]any{"price": price, "qty": qty})
		return false, err
	case err != nil:
		return false, err
	case res.Replaced:
		e.setOrderStatus(ctx, active.OrderID, store.OrderStatusCancelled, "replaced by "+res.OrderID)
		e.track(ctx, active, res.OrderID, price, qty, "replace")
	default:
		if price != active.TargetPrice {
			e.coord.UpdateSellOrderPrice(ctx, active.Symbol, price)
		}
		if qty != active.Quantity {
			e.coord.UpdateSellOrderQuantity(ctx, active.Symbol, qty)
		}
		if perr := e.repos.PatchOrderTerms(ctx, active.OrderID, qty, price); perr != nil && !errors.Is(perr, store.ErrNotFound) {
			logger.Warnf("sellengine: patch order %s failed: %v", active.OrderID, perr)
		}
	}
	return true, nil
}

// track registers a freshly placed order with the coordinator and the orders table.
func (e *Engine) track(ctx context.Context, tmpl coordinator.ActiveSellOrder, orderID string, price float64, qty int, reason string) {
	extra := map[string]any{"exchange": tmpl.Exchange, "placed_symbol": tmpl.PlacedSymbol}
	e.coord.RegisterSellOrder(ctx, tmpl.Symbol, orderID, price, qty, tmpl.Ticker, extra)
	rec := &store.OrderRecord{
		BrokerOrderID: orderID,
		Symbol:        tmpl.Symbol,
		Side:          string(order.SideSell),
		Quantity:      qty,
		Price:         price,
		Status:        store.OrderStatusOpen,
		Reason:        reason,
		Metadata:      map[string]any{"placed_symbol": tmpl.PlacedSymbol, "exchange": tmpl.Exchange, "ticker": tmpl.Ticker},
		PlacedAt:      e.now(),
	}
	if err := e.repos.SaveOrder(ctx, rec); err != nil {
		logger.Warnf("sellengine: save order %s failed: %v", orderID, err)
	}
}

func (e *Engine) recordFailed(ctx context.Context, sym, orderID string, cause error, payload map[string]any) {
	if e.trades == nil {
		return
	}
	err := e.trades.RecordFailed(ctx, store.FailedOrder{
		Symbol:  sym,
		OrderID: orderID,
		Side:    string(order.SideSell),
		Reason:  cause.Error(),
		Payload: payload,
	})
	if err != nil {
		logger.Warnf("sellengine: record failed order %s: %v", sym, err)
	}
}

// PlaceInitialSellOrders gives every open position lacking a sell one, sized at min(position, holdings).
// A live broker sell for the symbol is adopted instead of duplicated.
func (e *Engine) PlaceInitialSellOrders(ctx context.Context) (int, error) {
	positions, err := e.repos.ListOpenPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}
	holdings := e.loadHoldings(ctx)
	if holdings == nil {
		return 0, errors.New("holdings unavailable, cannot size sell orders")
	}
	live := make(map[string]order.Order)
	if pending, err := e.broker.GetPendingOrders(ctx); err != nil {
		logger.Warnf("sellengine: pending orders unavailable: %v", err)
	} else {
		for _, o := range pending {
			if o.Side == order.SideSell && o.Status.IsLive() {
				live[o.BaseSymbol()] = o
			}
		}
	}
	waiting := make(map[string]bool)
	if waits, err := e.repos.ListCircuitWaits(ctx); err == nil {
		for _, w := range waits {
			waiting[w.Symbol] = true
		}
	}
	placed := 0
	for _, pos := range positions {
		sym := pos.Symbol
		if _, tracked := e.coord.ActiveSellOrder(sym); tracked || waiting[sym] {
			continue
		}
		qty := trading.SellableQuantity(pos.Quantity, holdings.qty(sym))
		if qty <= 0 {
			logger.Warnf("sellengine: %s position=%d holdings=%d, nothing to sell", sym, pos.Quantity, holdings.qty(sym))
			continue
		}
		res := e.symbols.Resolve(sym)
		if lo, ok := live[sym]; ok {
			e.track(ctx, coordinator.ActiveSellOrder{Symbol: res.Base, Ticker: res.Ticker, PlacedSymbol: lo.Symbol, Exchange: res.Exchange},
				lo.OrderID, lo.Price, lo.Quantity, "adopted")
			logger.Infof("sellengine: adopted live sell %s order=%s", sym, lo.OrderID)
			if lo.Quantity > qty {
				if active, ok := e.coord.ActiveSellOrder(sym); ok {
					if _, err := e.resizeSellOrder(ctx, active, qty); err != nil {
						logger.Warnf("sellengine: resize adopted %s %d -> %d failed: %v", sym, lo.Quantity, qty, err)
					}
				}
			}
			continue
		}
		ema, err := e.GetCurrentEMA9(ctx, res.Ticker, res.TradingSymbol)
		if err != nil {
			logger.Warnf("sellengine: %s ema unavailable: %v", sym, err)
			continue
		}
		if _, err := e.PlaceSellOrder(ctx, SellRequest{Symbol: res.TradingSymbol, Quantity: qty, Price: ema, Reason: "initial"}); err != nil {
			logger.Warnf("sellengine: initial sell %s failed: %v", sym, err)
			continue
		}
		placed++
	}
	return placed, nil
}

func roundPrice(price float64, exch string) float64 {
	return trading.RoundToTickSize(price, exch)
}
