package coordinator

import (
	"context"
	"fmt"
	"math"
	"strings"

	"neotrader/internal/gateway/notifier"
	"neotrader/internal/logger"
	"neotrader/internal/order"
	"neotrader/internal/pkg/convert"
	"neotrader/internal/store"
)

// priceTolerance below which a broker price is treated as unchanged.
const priceTolerance = 0.01

// Fill is one execution the coordinator observed during a sync.
type Fill struct {
	Symbol   string
	OrderID  string
	Price    float64
	Quantity int
}

// Removal is an order dropped from tracking because the broker reported it terminal.
type Removal struct {
	Side    order.Side
	Symbol  string
	OrderID string
	Status  string
	Reason  string
}

// SyncResult aggregates one SyncWithBroker pass.
type SyncResult struct {
	SellsExecuted  []Fill
	BuysExecuted   []Fill
	Removed        []Removal
	SellsRemoved   int
	BuysRemoved    int
	ManualSells    int
	ManualCancels  int
	ManualModified int
	Unmatched      int
}

// SyncWithBroker reconciles every tracked order against the broker's order report.
func (c *Coordinator) SyncWithBroker(ctx context.Context, brokerOrders []order.Order) (res SyncResult) {
	defer guard("SyncWithBroker", nil)
	byID := make(map[string]order.Order, len(brokerOrders))
	completedSells := make(map[string]bool)
	for _, o := range brokerOrders {
		if o.OrderID == "" {
			continue
		}
		byID[o.OrderID] = o
		if o.Side == order.SideSell && o.Status == order.StatusComplete {
			completedSells[o.BaseSymbol()] = true
		}
	}
	c.refreshVerifications(byID)

	for sym, sell := range c.ActiveSellOrders() {
		bo, ok := byID[sell.OrderID]
		if !ok {
			if completedSells[sym] {
				// 同 symbol 已有另一笔卖单成交：视为人工卖出
				if c.removeSell(ctx, sym, store.PendingStatusRemoved, "manual sell detected") {
					res.ManualSells++
				}
				continue
			}
			res.Unmatched++
			logger.Warnf("coordinator: %s sell %s missing from broker report, keep tracking", sym, sell.OrderID)
			continue
		}
		switch bo.Status {
		case order.StatusComplete:
			price := convert.FirstPositive(bo.ExecutedPrice(), sell.TargetPrice)
			qty := bo.ExecutedQuantity()
			if qty <= 0 {
				qty = sell.Quantity
			}
			if c.MarkOrderExecuted(ctx, sym, sell.OrderID, price, qty) {
				res.SellsExecuted = append(res.SellsExecuted, Fill{Symbol: sym, OrderID: sell.OrderID, Price: price, Quantity: qty})
			}
		case order.StatusRejected:
			if c.removeSell(ctx, sym, store.PendingStatusRejected, rejectionText(bo)) {
				res.SellsRemoved++
				res.Removed = append(res.Removed, Removal{Side: order.SideSell, Symbol: sym, OrderID: sell.OrderID, Status: store.PendingStatusRejected, Reason: rejectionText(bo)})
				c.notify.Notify(notifier.Event{
					Kind:    notifier.EventOrderRejected,
					Symbol:  sym,
					OrderID: sell.OrderID,
					Detail:  rejectionText(bo),
					Fields:  []string{"方向：SELL", fmt.Sprintf("数量：%d", sell.Quantity), fmt.Sprintf("价格：%.2f", sell.TargetPrice)},
				})
			}
		case order.StatusCancelled:
			if c.removeSell(ctx, sym, store.PendingStatusCancelled, rejectionText(bo)) {
				res.SellsRemoved++
				res.Removed = append(res.Removed, Removal{Side: order.SideSell, Symbol: sym, OrderID: sell.OrderID, Status: store.PendingStatusCancelled, Reason: rejectionText(bo)})
			}
		}
	}

	for id, buy := range c.ActiveBuyOrders() {
		bo, ok := byID[id]
		if !ok {
			continue
		}
		if c.DetectManualModification(ctx, bo) {
			res.ManualModified++
		}
		switch bo.Status {
		case order.StatusComplete:
			price := convert.FirstPositive(bo.ExecutedPrice(), buy.Price)
			qty := bo.ExecutedQuantity()
			if c.MarkBuyOrderExecuted(ctx, id, price, qty) {
				res.BuysExecuted = append(res.BuysExecuted, Fill{Symbol: buy.Symbol, OrderID: id, Price: price, Quantity: qty})
			}
		case order.StatusRejected:
			if c.removeBuy(ctx, id, store.PendingStatusRejected, rejectionText(bo)) {
				res.BuysRemoved++
				res.Removed = append(res.Removed, Removal{Side: order.SideBuy, Symbol: buy.Symbol, OrderID: id, Status: store.PendingStatusRejected, Reason: rejectionText(bo)})
				c.notify.Notify(notifier.Event{
					Kind:    notifier.EventOrderRejected,
					Symbol:  buy.Symbol,
					OrderID: id,
					Detail:  rejectionText(bo),
					Fields:  []string{"方向：BUY", fmt.Sprintf("数量：%d", buy.Quantity), fmt.Sprintf("价格：%.2f", buy.Price)},
				})
			}
		case order.StatusCancelled:
			manual := c.ClassifyBuyCancellation(id, bo.RejectionReason)
			reason := "cancelled by system"
			if manual {
				reason = "cancelled manually"
			}
			if c.removeBuy(ctx, id, store.PendingStatusCancelled, reason) {
				res.BuysRemoved++
				res.Removed = append(res.Removed, Removal{Side: order.SideBuy, Symbol: buy.Symbol, OrderID: id, Status: store.PendingStatusCancelled, Reason: reason})
				if manual {
					res.ManualCancels++
					c.notify.Notify(notifier.Event{
						Kind:    notifier.EventOrderCancelled,
						Symbol:  buy.Symbol,
						OrderID: id,
						Detail:  rejectionText(bo),
						Fields:  []string{fmt.Sprintf("原数量：%d", buy.OriginalQuantity), fmt.Sprintf("原价格：%.2f", buy.OriginalPrice)},
					})
				}
			}
		}
	}
	return res
}

// DetectManualModification compares the broker's view of a tracked buy against its original snapshot.
// A change is applied, patched into the orders table and notified once.
func (c *Coordinator) DetectManualModification(ctx context.Context, bo order.Order) (modified bool) {
	defer guard("DetectManualModification", &modified)
	var (
		before ActiveBuyOrder
		after  ActiveBuyOrder
	)
	c.locked(func() {
		cur, ok := c.buys[bo.OrderID]
		if !ok {
			return
		}
		priceMoved := bo.Price > 0 && math.Abs(bo.Price-cur.OriginalPrice) > priceTolerance &&
			math.Abs(bo.Price-cur.Price) > priceTolerance
		qtyMoved := bo.Quantity > 0 && bo.Quantity != cur.OriginalQuantity && bo.Quantity != cur.Quantity
		if !priceMoved && !qtyMoved {
			return
		}
		before = copyBuy(cur)
		if priceMoved {
			cur.Price = bo.Price
		}
		if qtyMoved {
			cur.Quantity = bo.Quantity
		}
		after = copyBuy(cur)
		modified = true
	})
	if !modified {
		return false
	}
	logger.Warnf("coordinator: %s buy %s modified outside engine qty %d->%d price %.2f->%.2f",
		after.Symbol, after.OrderID, before.Quantity, after.Quantity, before.Price, after.Price)
	logger.LogOrderTransition(after.Symbol, after.OrderID, "OPEN", "MANUAL_MODIFIED", map[string]any{
		"qty": after.Quantity, "price": after.Price, "orig_qty": after.OriginalQuantity, "orig_price": after.OriginalPrice,
	})
	if c.orders != nil {
		if err := c.orders.PatchOrderTerms(ctx, after.OrderID, after.Quantity, after.Price); err != nil {
			logger.Warnf("coordinator: patch order %s failed: %v", after.OrderID, err)
		}
	}
	if c.journal != nil {
		err := c.journal.UpsertPending(ctx, store.PendingOrder{
			OrderID:  after.OrderID,
			Symbol:   after.Symbol,
			Side:     string(order.SideBuy),
			Quantity: after.Quantity,
			Price:    after.Price,
			Ticker:   after.Ticker,
			Extra:    after.Extra,
		})
		if err != nil {
			logger.Warnf("coordinator: journal buy %s failed: %v", after.OrderID, err)
		}
	}
	c.notify.Notify(notifier.Event{
		Kind:    notifier.EventOrderModified,
		Symbol:  after.Symbol,
		OrderID: after.OrderID,
		Fields: []string{
			fmt.Sprintf("数量：%d → %d", before.Quantity, after.Quantity),
			fmt.Sprintf("价格：%.2f → %.2f", before.Price, after.Price),
		},
	})
	return true
}

// ClassifyBuyCancellation reports whether a cancelled buy was cancelled by a person.
// The verdict sticks to the tracked entry.
func (c *Coordinator) ClassifyBuyCancellation(orderID, reason string) bool {
	text := strings.ToLower(reason)
	manual := strings.Contains(text, "user") || strings.Contains(text, "manual")
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.buys[orderID]
	if !ok {
		return manual
	}
	if manual {
		cur.IsManuallyCancelled = true
	}
	return cur.IsManuallyCancelled
}

func rejectionText(o order.Order) string {
	if txt := strings.TrimSpace(o.RejectionReason); txt != "" {
		return txt
	}
	return strings.ToLower(string(o.Status))
}
