package sellengine

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"

	"neotrader/internal/logger"
	"neotrader/internal/order"
	"neotrader/internal/pkg/trading"
	"neotrader/internal/store"
)

var (
	lowRangeRe  = regexp.MustCompile(`(?i)low\s*price\s*range\s*[:=]?\s*([0-9]+(?:\.[0-9]+)?)`)
	highRangeRe = regexp.MustCompile(`(?i)high\s*price\s*range\s*[:=]?\s*([0-9]+(?:\.[0-9]+)?)`)
)

// ParseCircuitLimits extracts the price band from a circuit-breach rejection.
// ok is true only when both the low and the high value are present.
func ParseCircuitLimits(text string) (lower, upper float64, ok bool) {
	lm := lowRangeRe.FindStringSubmatch(text)
	hm := highRangeRe.FindStringSubmatch(text)
	if len(lm) < 2 || len(hm) < 2 {
		return 0, 0, false
	}
	lower, lerr := strconv.ParseFloat(lm[1], 64)
	upper, herr := strconv.ParseFloat(hm[1], 64)
	if lerr != nil || herr != nil || upper <= 0 {
		return 0, 0, false
	}
	return lower, upper, true
}

// captureCircuitRejections parks tracked sells rejected for a circuit breach instead of dropping them.
func (e *Engine) captureCircuitRejections(ctx context.Context, orders []order.Order, stats *CycleStats) {
	tracked := e.coord.TrackedSellOrderIDs()
	if len(tracked) == 0 {
		return
	}
	for _, o := range orders {
		if o.Status != order.StatusRejected {
			continue
		}
		sym, ok := tracked[o.OrderID]
		if !ok {
			continue
		}
		lower, upper, ok := ParseCircuitLimits(o.RejectionReason)
		if !ok {
			continue
		}
		active, ok := e.coord.ActiveSellOrder(sym)
		if !ok {
			continue
		}
		w := store.CircuitWait{
			Symbol:          sym,
			OrderID:         active.OrderID,
			PlacedSymbol:    active.PlacedSymbol,
			Ticker:          active.Ticker,
			Exchange:        active.Exchange,
			Quantity:        active.Quantity,
			Upper:           upper,
			Lower:           lower,
			EMA9Target:      active.TargetPrice,
			RejectionReason: o.RejectionReason,
			Snapshot: map[string]any{
				"order_id": active.OrderID,
				"price":    active.TargetPrice,
				"quantity": active.Quantity,
				"raw":      string(o.Raw),
			},
			Status: store.CircuitWaiting,
		}
		if err := e.repos.SaveCircuitWait(ctx, w); err != nil {
			logger.Warnf("sellengine: save circuit wait %s failed: %v", sym, err)
			continue
		}
		e.coord.RemoveFromTracking(ctx, sym, "circuit limit rejection")
		e.setOrderStatus(ctx, active.OrderID, store.OrderStatusRejected, o.RejectionReason)
		logger.LogOrderTransition(sym, active.OrderID, "REJECTED", "CIRCUIT_WAIT", map[string]any{
			"lower": lower, "upper": upper, "target": active.TargetPrice,
		})
		stats.CircuitQueued++
	}
}

// retryCircuitWaits re-places a parked sell once EMA9 is back at or under the upper circuit.
func (e *Engine) retryCircuitWaits(ctx context.Context, holdings holdingBook, stats *CycleStats) {
	waits, err := e.repos.ListCircuitWaits(ctx)
	if err != nil {
		logger.Warnf("sellengine: list circuit waits failed: %v", err)
		return
	}
	remaining := 0
	for _, w := range waits {
		if e.retryCircuitWait(ctx, w, holdings) {
			stats.CircuitRetried++
			continue
		}
		remaining++
	}
	stats.CircuitWaiting = remaining
	e.metrics.SetCircuitWaits(remaining)
}

func (e *Engine) retryCircuitWait(ctx context.Context, w store.CircuitWait, holdings holdingBook) bool {
	if active, ok := e.coord.ActiveSellOrder(w.Symbol); ok {
		e.closeWait(ctx, w.Symbol, active.OrderID)
		return true
	}
	pos, err := e.repos.GetOpenPosition(ctx, w.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		logger.Infof("sellengine: %s position gone, drop circuit wait", w.Symbol)
		e.closeWait(ctx, w.Symbol, "")
		return true
	}
	if err != nil {
		logger.Warnf("sellengine: load position %s failed: %v", w.Symbol, err)
		return false
	}
	ema, err := e.GetCurrentEMA9(ctx, w.Ticker, w.PlacedSymbol)
	if err != nil {
		logger.Warnf("sellengine: circuit retry %s ema unavailable: %v", w.Symbol, err)
		return false
	}
	if ema > w.Upper {
		logger.Debugf("sellengine: %s ema %.2f still above upper circuit %.2f", w.Symbol, ema, w.Upper)
		return false
	}
	target := ema
	if w.EMA9Target > 0 {
		target = math.Min(ema, w.EMA9Target)
	}
	price := roundPrice(target, w.Exchange)
	if price > w.Upper {
		price = trading.FloorToTickSize(w.Upper, w.Exchange)
	}
	qty := w.Quantity
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}
	if holdings != nil {
		qty = trading.SellableQuantity(qty, holdings.qty(w.Symbol))
	}
	if qty <= 0 {
		logger.Warnf("sellengine: %s nothing sellable for circuit retry", w.Symbol)
		return false
	}
	sym := w.PlacedSymbol
	if sym == "" {
		sym = w.Symbol
	}
	id, err := e.PlaceSellOrder(ctx, SellRequest{Symbol: sym, Quantity: qty, Price: price, Reason: "circuit retry"})
	if err != nil {
		logger.Warnf("sellengine: circuit retry %s failed: %v", w.Symbol, err)
		return false
	}
	logger.LogOrderTransition(w.Symbol, id, "CIRCUIT_WAIT", "PLACED", map[string]any{"ema": ema, "price": price, "upper": w.Upper})
	e.closeWait(ctx, w.Symbol, id)
	return true
}

func (e *Engine) closeWait(ctx context.Context, sym, newOrderID string) {
	if err := e.repos.MarkCircuitRetried(ctx, sym, newOrderID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("sellengine: close circuit wait %s failed: %v", sym, err)
	}
}
