package sellengine

import (
	"context"
	"fmt"

	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/notifier"
	"neotrader/internal/logger"
	"neotrader/internal/store"
)

// SeedRSICache loads the prior-day RSI of every tracked symbol. Run it at market open.
func (e *Engine) SeedRSICache(ctx context.Context) int {
	seeded := 0
	for sym, sell := range e.coord.ActiveSellOrders() {
		v, err := e.ind.PriorRSI(ctx, sell.Ticker)
		if err != nil {
			logger.Warnf("sellengine: seed rsi %s failed: %v", sym, err)
			continue
		}
		e.setRSI(sym, v)
		seeded++
	}
	logger.Infof("sellengine: rsi cache seeded for %d symbols", seeded)
	return seeded
}

func (e *Engine) setRSI(sym string, v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rsiCache[sym] = v
}

func (e *Engine) cachedRSI(sym string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.rsiCache[sym]
	return v, ok
}

// currentRSI prefers the realtime value and falls back to the cache, seeding it lazily.
func (e *Engine) currentRSI(ctx context.Context, sell coordinator.ActiveSellOrder) (float64, bool) {
	v, err := e.ind.RSIRealtime(ctx, sell.Ticker, sell.PlacedSymbol)
	if err == nil {
		e.setRSI(sell.Symbol, v)
		return v, true
	}
	if cached, ok := e.cachedRSI(sell.Symbol); ok {
		logger.Debugf("sellengine: %s realtime rsi failed (%v), using cached %.2f", sell.Symbol, err, cached)
		return cached, true
	}
	prior, perr := e.ind.PriorRSI(ctx, sell.Ticker)
	if perr != nil {
		logger.Warnf("sellengine: %s rsi unavailable: %v", sell.Symbol, perr)
		return 0, false
	}
	e.setRSI(sell.Symbol, prior)
	return prior, true
}

// forcedExitsToday maps symbol to the status of today's conversion attempt.
func (e *Engine) forcedExitsToday(ctx context.Context) map[string]string {
	out := make(map[string]string)
	list, err := e.repos.ListForcedExits(ctx, store.TradeDate(e.now(), e.loc))
	if err != nil {
		logger.Warnf("sellengine: list forced exits failed: %v", err)
		return out
	}
	for _, fe := range list {
		out[fe.Symbol] = fe.Status
	}
	return out
}

// runForcedExits converts a limit sell to market once RSI crosses above the threshold, at most once per day.
func (e *Engine) runForcedExits(ctx context.Context, attempts map[string]string, stats *CycleStats) {
	active := e.coord.ActiveSellOrders()
	for _, sym := range sortedKeys(active) {
		if _, done := attempts[sym]; done {
			continue
		}
		sell := active[sym]
		rsi, ok := e.currentRSI(ctx, sell)
		if !ok || rsi <= e.rsiThreshold {
			continue
		}
		logger.Infof("sellengine: %s rsi %.2f > %.2f, converting to market", sym, rsi, e.rsiThreshold)
		if e.forceMarketExit(ctx, sell, rsi) {
			stats.ForcedExits++
		}
	}
}

func (e *Engine) forceMarketExit(ctx context.Context, sell coordinator.ActiveSellOrder, rsi float64) bool {
	fe := store.ForcedExit{
		Symbol:    sell.Symbol,
		TradeDate: store.TradeDate(e.now(), e.loc),
		OrderID:   sell.OrderID,
		RSI:       rsi,
	}
	res, err := e.amend(ctx, sell, terms{Price: sell.TargetPrice, Quantity: sell.Quantity, Market: true})
	switch {
	case err == nil:
		fe.Status = store.ForcedExitConverted
		fe.OrderID = res.OrderID
		if res.Replaced {
			e.setOrderStatus(ctx, sell.OrderID, store.OrderStatusCancelled, "converted to market")
			e.track(ctx, sell, res.OrderID, sell.TargetPrice, sell.Quantity, "rsi forced exit")
		}
		fe.Detail = fmt.Sprintf("market order %s", res.OrderID)
	case res.State == statePlaceNewFailed:
		// 市价单下单失败：恢复原限价单
		fe.Status = store.ForcedExitFailed
		fe.Detail = err.Error()
		if id, perr := e.PlaceSellOrder(ctx, SellRequest{Symbol: sell.PlacedSymbol, Quantity: sell.Quantity, Price: sell.TargetPrice, Reason: "restore after forced exit"}); perr != nil {
			e.coord.RemoveFromTracking(ctx, sell.Symbol, "forced exit failed, limit not restored")
			e.setOrderStatus(ctx, sell.OrderID, store.OrderStatusCancelled, "forced exit failed")
			fe.Detail += "; restore failed: " + perr.Error()
		} else {
			e.setOrderStatus(ctx, sell.OrderID, store.OrderStatusCancelled, "replaced by "+id)
			fe.Detail += "; limit restored as " + id
		}
	default:
		fe.Status = store.ForcedExitFailed
		fe.Detail = err.Error()
	}
	if rerr := e.repos.RecordForcedExit(ctx, fe); rerr != nil {
		logger.Warnf("sellengine: record forced exit %s failed: %v", sell.Symbol, rerr)
	}
	e.metrics.ForcedExit(fe.Status)
	if fe.Status == store.ForcedExitFailed {
		logger.Errorf("sellengine: forced exit %s failed: %s", sell.Symbol, fe.Detail)
		e.notify.Notify(notifier.Event{
			Kind:    notifier.EventForcedExitFailed,
			Symbol:  sell.Symbol,
			OrderID: sell.OrderID,
			Detail:  fe.Detail,
			Fields:  []string{fmt.Sprintf("RSI：%.2f", rsi), fmt.Sprintf("数量：%d", sell.Quantity)},
		})
		return false
	}
	return true
}
