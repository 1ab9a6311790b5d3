package sellengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/gateway/notifier"
	"neotrader/internal/logger"
	"neotrader/internal/order"
	"neotrader/internal/pkg/trading"
	"neotrader/internal/store"

	"github.com/shopspring/decimal"
)

const (
	exitSourceEngine   = "engine"
	exitSourceManual   = "manual"
	exitSourceHoldings = "holdings"
)

type sellFill struct {
	orderID string
	qty     int
	price   float64
}

// manualSell aggregates unmatched executed sells of one symbol.
type manualSell struct {
	fills []sellFill
}

func (m *manualSell) total(skip func(string) bool) (ids []string, qty int, avg float64) {
	notional := decimal.Zero
	for _, f := range m.fills {
		if skip != nil && skip(f.orderID) {
			continue
		}
		ids = append(ids, f.orderID)
		qty += f.qty
		notional = notional.Add(decimal.NewFromFloat(f.price).Mul(decimal.NewFromInt(int64(f.qty))))
	}
	if qty > 0 {
		avg, _ = notional.Div(decimal.NewFromInt(int64(qty))).Round(4).Float64()
	}
	return ids, qty, avg
}

// handleManualSells finds executed SELLs the engine never placed and books them against positions.
func (e *Engine) handleManualSells(ctx context.Context, orders []order.Order, holdings holdingBook, stats *CycleStats) {
	tracked := e.coord.TrackedSellOrderIDs()
	bySymbol := make(map[string]*manualSell)
	for _, o := range orders {
		if o.Side != order.SideSell || o.Status != order.StatusComplete || o.OrderID == "" {
			continue
		}
		if _, ok := tracked[o.OrderID]; ok {
			continue
		}
		if e.knownOrder(ctx, o.OrderID) {
			continue
		}
		sym := o.BaseSymbol()
		agg := bySymbol[sym]
		if agg == nil {
			agg = &manualSell{}
			bySymbol[sym] = agg
		}
		agg.fills = append(agg.fills, sellFill{orderID: o.OrderID, qty: o.ExecutedQuantity(), price: o.ExecutedPrice()})
	}
	for _, sym := range sortedKeys(bySymbol) {
		if e.applyManualSell(ctx, sym, bySymbol[sym], holdings) {
			stats.ManualSells++
		}
	}
	e.metrics.Manual("sell", stats.ManualSells)
}

func (e *Engine) knownOrder(ctx context.Context, orderID string) bool {
	_, err := e.repos.GetOrder(ctx, orderID)
	return err == nil
}

func (e *Engine) applyManualSell(ctx context.Context, sym string, agg *manualSell, holdings holdingBook) bool {
	pos, err := e.repos.GetOpenPosition(ctx, sym)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debugf("sellengine: manual sell %s has no managed position", sym)
		return false
	}
	if err != nil {
		logger.Warnf("sellengine: load position %s failed: %v", sym, err)
		return false
	}
	ids, qty, avg := agg.total(pos.HasExitOrder)
	if qty <= 0 {
		return false
	}
	logger.Warnf("sellengine: manual sell detected %s qty=%d avg=%.2f orders=%s", sym, qty, avg, strings.Join(ids, ","))

	active, hadActive := e.coord.ActiveSellOrder(sym)
	if hadActive {
		if err := e.broker.CancelOrder(ctx, active.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warnf("sellengine: cancel stale sell %s/%s failed: %v", sym, active.OrderID, err)
		}
		e.coord.RemoveFromTracking(ctx, sym, "manual sell detected")
		e.setOrderStatus(ctx, active.OrderID, store.OrderStatusCancelled, "manual sell detected")
	}

	now := e.now()
	closed := applyExit(&pos, ids, qty, avg, exitSourceManual, now)
	if closed {
		pos.ExitReason = "MANUAL_SELL"
	}
	if err := e.repos.SavePosition(ctx, &pos); err != nil {
		logger.Errorf("sellengine: save position %s after manual sell failed: %v", sym, err)
		return false
	}
	for _, f := range agg.fills {
		rec := &store.OrderRecord{
			BrokerOrderID: f.orderID,
			Symbol:        sym,
			Side:          string(order.SideSell),
			Quantity:      f.qty,
			Price:         f.price,
			ExecutedQty:   f.qty,
			ExecutedPrice: f.price,
			Status:        store.OrderStatusClosed,
			Reason:        "manual sell",
			PlacedAt:      now,
		}
		if err := e.repos.SaveOrder(ctx, rec); err != nil {
			logger.Warnf("sellengine: save manual order %s failed: %v", f.orderID, err)
		}
	}
	fields := []string{fmt.Sprintf("数量：%d", qty), fmt.Sprintf("均价：%.2f", avg)}
	if closed {
		fields = append(fields, fmt.Sprintf("已平仓，盈亏：%.2f (%.2f%%)", pos.RealizedPnL, pos.RealizedPnLPct))
	} else {
		fields = append(fields, fmt.Sprintf("剩余：%d", pos.Quantity))
	}
	e.notify.Notify(notifier.Event{Kind: notifier.EventManualSell, Symbol: sym, OrderID: strings.Join(ids, ","), Fields: fields})

	if closed {
		if e.trades != nil {
			if _, err := e.trades.CloseTrade(ctx, store.TradeExit{Symbol: sym, OrderID: ids[len(ids)-1], Price: pos.ExitPrice, Quantity: qty, At: now, Reason: "manual_sell"}); err != nil {
				logger.Warnf("sellengine: trade history %s manual exit failed: %v", sym, err)
			}
		}
		e.cancelReentries(ctx, sym)
		return true
	}
	if hadActive {
		remaining := pos.Quantity
		if holdings != nil {
			remaining = trading.SellableQuantity(pos.Quantity, holdings.qty(sym))
		}
		if remaining > 0 {
			if _, err := e.PlaceSellOrder(ctx, SellRequest{Symbol: active.PlacedSymbol, Quantity: remaining, Price: active.TargetPrice, Reason: "after manual sell"}); err != nil {
				logger.Warnf("sellengine: re-place %s after manual sell failed: %v", sym, err)
			}
		}
	}
	return true
}

// detectManualBuys logs executed BUYs the engine never placed. They are never adopted.
func (e *Engine) detectManualBuys(ctx context.Context, orders []order.Order, stats *CycleStats) {
	trackedBuys := e.coord.ActiveBuyOrders()
	for _, o := range orders {
		if o.Side != order.SideBuy || o.Status != order.StatusComplete || o.OrderID == "" {
			continue
		}
		if _, ok := trackedBuys[o.OrderID]; ok {
			continue
		}
		if e.knownOrder(ctx, o.OrderID) {
			continue
		}
		e.mu.Lock()
		_, seen := e.seenManualBuys[o.OrderID]
		e.seenManualBuys[o.OrderID] = struct{}{}
		e.mu.Unlock()
		if seen {
			continue
		}
		stats.ManualBuys++
		logger.Warnf("sellengine: manual buy %s qty=%d @ %.2f order=%s ignored, not adopted", o.BaseSymbol(), o.ExecutedQuantity(), o.ExecutedPrice(), o.OrderID)
	}
	e.metrics.Manual("buy", stats.ManualBuys)
}

// reconcileQuantities compares positions with broker holdings. A shortfall is a manual sell;
// an excess is ignored. Live sells larger than min(position, holdings) are shrunk.
func (e *Engine) reconcileQuantities(ctx context.Context, holdings holdingBook, stats *CycleStats) {
	positions, err := e.repos.ListOpenPositions(ctx)
	if err != nil {
		logger.Warnf("sellengine: list positions failed: %v", err)
		return
	}
	now := e.now()
	for _, pos := range positions {
		sym := pos.Symbol
		// 当日买入（含加仓）的股份 T+1 才进入持仓
		brokerQty := holdings.qty(sym) + pos.UnsettledQuantity(now, e.loc)
		if brokerQty < pos.Quantity {
			shortfall := pos.Quantity - brokerQty
			price := holdings[sym].LastPrice
			if price <= 0 {
				price = pos.AvgPrice
			}
			closed := applyExit(&pos, nil, shortfall, price, exitSourceHoldings, now)
			if closed {
				pos.ExitReason = "MANUAL_SELL"
			}
			if err := e.repos.SavePosition(ctx, &pos); err != nil {
				logger.Warnf("sellengine: save position %s failed: %v", sym, err)
				continue
			}
			logger.Warnf("sellengine: %s holdings shortfall %d, position now %d", sym, shortfall, pos.Quantity)
			stats.ManualSells++
			if closed {
				if active, ok := e.coord.ActiveSellOrder(sym); ok {
					if err := e.broker.CancelOrder(ctx, active.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
						logger.Warnf("sellengine: cancel %s failed: %v", active.OrderID, err)
					}
					e.coord.RemoveFromTracking(ctx, sym, "position closed by holdings reconciliation")
					e.setOrderStatus(ctx, active.OrderID, store.OrderStatusCancelled, "position closed")
				}
				e.cancelReentries(ctx, sym)
				continue
			}
		}
		active, ok := e.coord.ActiveSellOrder(sym)
		if !ok {
			continue
		}
		want := trading.SellableQuantity(pos.Quantity, brokerQty)
		if want > 0 && active.Quantity > want {
			if _, err := e.resizeSellOrder(ctx, active, want); err != nil {
				logger.Warnf("sellengine: resize %s %d -> %d failed: %v", sym, active.Quantity, want, err)
				stats.Errors++
				continue
			}
			stats.Resized++
		}
	}
}

// recordSellExecution books an engine sell fill against the position.
func (e *Engine) recordSellExecution(ctx context.Context, f coordinator.Fill, reason string) {
	if err := e.repos.MarkOrderExecuted(ctx, f.OrderID, f.Quantity, f.Price); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("sellengine: mark order %s executed failed: %v", f.OrderID, err)
	}
	e.setOrderStatus(ctx, f.OrderID, store.OrderStatusClosed, reason)
	pos, err := e.repos.GetOpenPosition(ctx, f.Symbol)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("sellengine: load position %s failed: %v", f.Symbol, err)
		}
		return
	}
	if pos.HasExitOrder(f.OrderID) {
		return
	}
	closed := applyExit(&pos, []string{f.OrderID}, f.Quantity, f.Price, exitSourceEngine, e.now())
	if closed {
		pos.ExitReason = reason
	}
	if err := e.repos.SavePosition(ctx, &pos); err != nil {
		logger.Errorf("sellengine: save position %s failed: %v", f.Symbol, err)
		return
	}
	if closed {
		logger.Infof("sellengine: %s closed @ %.2f pnl=%.2f", f.Symbol, pos.ExitPrice, pos.RealizedPnL)
		e.cancelReentries(ctx, f.Symbol)
	}
}

// cancelReentries cancels pending reentry buys so a just-closed position is not reopened.
func (e *Engine) cancelReentries(ctx context.Context, sym string) {
	pending, err := e.repos.ListPendingReentries(ctx, sym)
	if err != nil {
		logger.Warnf("sellengine: list reentries %s failed: %v", sym, err)
		return
	}
	for _, rec := range pending {
		if err := e.broker.CancelOrder(ctx, rec.BrokerOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warnf("sellengine: cancel reentry %s/%s failed: %v", sym, rec.BrokerOrderID, err)
			continue
		}
		e.setOrderStatus(ctx, rec.BrokerOrderID, store.OrderStatusCancelled, "position closed")
		e.coord.RemoveBuyOrderFromTracking(ctx, rec.BrokerOrderID, "position closed")
		logger.Infof("sellengine: cancelled reentry buy %s for closed %s", rec.BrokerOrderID, sym)
	}
}

// applyExit reduces pos by qty at price and appends a ledger entry. It reports whether the position closed.
func applyExit(pos *store.PositionRecord, orderIDs []string, qty int, price float64, source string, at time.Time) bool {
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	if qty <= 0 {
		return false
	}
	pnl, _ := trading.RealizedPnL(pos.AvgPrice, price, qty)
	pos.PartialExits = append(pos.PartialExits, store.PartialExit{
		OrderIDs: orderIDs,
		Quantity: qty,
		Price:    price,
		Source:   source,
		At:       at,
	})
	pos.RealizedPnL, _ = decimal.NewFromFloat(pos.RealizedPnL).Add(decimal.NewFromFloat(pnl)).Round(2).Float64()
	pos.Quantity -= qty
	if pos.Quantity > 0 {
		return false
	}
	pos.Quantity = 0
	closedAt := at
	pos.ClosedAt = &closedAt
	exitQty, exitPrice := 0, 0.0
	for _, pe := range pos.PartialExits {
		exitPrice = trading.WeightedAverage(exitQty, exitPrice, pe.Quantity, pe.Price)
		exitQty += pe.Quantity
	}
	pos.ExitPrice = exitPrice
	_, pos.RealizedPnLPct = trading.RealizedPnL(pos.AvgPrice, exitPrice, 1)
	return true
}
