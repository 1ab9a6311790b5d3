// Package monitor reconciles AMO/pending buy orders with the broker and drives the sell engine,
// sharing one order-report fetch per pass.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/logger"
	"neotrader/internal/metrics"
	"neotrader/internal/order"
	"neotrader/internal/pkg/circuit"
	"neotrader/internal/pkg/symbol"
	"neotrader/internal/pkg/trading"
	"neotrader/internal/sellengine"
	"neotrader/internal/store"

	"github.com/google/uuid"
)

// SellSide is the part of the sell engine the monitor drives.
type SellSide interface {
	RunCycle(ctx context.Context, orders []order.Order) sellengine.CycleStats
	IncreaseSellQuantity(ctx context.Context, sym string, qty int) (bool, error)
}

type Options struct {
	Broker      exchange.Broker
	Coordinator *coordinator.Coordinator
	Sells       SellSide
	Repos       store.Repositories
	Breaker     *circuit.Breaker
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Monitor owns the pending-buy map; the coordinator mirrors it for sync and manual-edit detection.
type Monitor struct {
	broker  exchange.Broker
	coord   *coordinator.Coordinator
	sells   SellSide
	repos   store.Repositories
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	buys map[string]store.OrderRecord
	last *CycleReport
}

func New(opts Options) (*Monitor, error) {
	if opts.Broker == nil || opts.Coordinator == nil || opts.Repos == nil {
		return nil, errors.New("monitor: broker, coordinator and repos are required")
	}
	m := &Monitor{
		broker:  opts.Broker,
		coord:   opts.Coordinator,
		sells:   opts.Sells,
		repos:   opts.Repos,
		breaker: opts.Breaker,
		metrics: opts.Metrics,
		now:     opts.Now,
		buys:    make(map[string]store.OrderRecord),
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// BuyStats summarizes one buy reconciliation pass.
type BuyStats struct {
	Tracked   int
	Executed  int
	Rejected  int
	Cancelled int
	Modified  int
	Pending   int
	Errors    int
}

// CycleReport is the combined result of one monitoring pass.
type CycleReport struct {
	TraceID   string
	StartedAt time.Time
	Duration  time.Duration
	Orders    int
	Buys      BuyStats
	Sells     sellengine.CycleStats
	Err       string
}

// LoadPendingBuyOrders loads AMO/PENDING/OPEN buys from the orders table and registers them
// with the coordinator. Orders already tracked are left alone.
func (m *Monitor) LoadPendingBuyOrders(ctx context.Context) (int, error) {
	recs, err := m.repos.ListOrders(ctx, string(order.SideBuy), store.OrderStatusAMO, store.OrderStatusPending, store.OrderStatusOpen)
	if err != nil {
		return 0, fmt.Errorf("load pending buys: %w", err)
	}
	loaded := 0
	for _, rec := range recs {
		m.mu.Lock()
		_, exists := m.buys[rec.BrokerOrderID]
		if !exists {
			m.buys[rec.BrokerOrderID] = rec
		}
		m.mu.Unlock()
		if exists {
			continue
		}
		extra := map[string]any{"is_reentry": rec.IsReentry, "status": string(rec.Status)}
		m.coord.RegisterBuyOrder(ctx, rec.Symbol, rec.BrokerOrderID, rec.Quantity, rec.Price, "", extra)
		loaded++
	}
	logger.Infof("monitor: loaded %d pending buy orders", loaded)
	return loaded, nil
}

// PendingBuys returns a copy of the tracked buys keyed by order id.
func (m *Monitor) PendingBuys() map[string]store.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]store.OrderRecord, len(m.buys))
	for k, v := range m.buys {
		out[k] = v
	}
	return out
}

// RunCycle fetches the order report once and runs buy reconciliation followed by the sell cycle.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{TraceID: uuid.NewString(), StartedAt: m.now()}
	var orders []order.Order
	fetch := func() error {
		var err error
		orders, err = m.broker.GetOrders(ctx)
		return err
	}
	var err error
	if m.breaker != nil {
		err = m.breaker.Do(fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		rep.Err = err.Error()
		rep.Duration = m.now().Sub(rep.StartedAt)
		m.metrics.ObservePass("monitor", rep.Duration, err)
		m.remember(rep)
		if errors.Is(err, circuit.ErrOpen) {
			logger.Warnf("monitor[%s]: pass skipped, broker circuit open", rep.TraceID[:8])
		} else {
			logger.Errorf("monitor[%s]: order report unavailable: %v", rep.TraceID[:8], err)
		}
		return rep, err
	}
	rep.Orders = len(orders)
	rep.Buys = m.CheckBuyOrderStatus(ctx, orders)
	if m.sells != nil {
		rep.Sells = m.sells.RunCycle(ctx, orders)
		m.applySellSync(ctx, orders, rep.Sells.Sync, &rep.Buys)
	}
	rep.Duration = m.now().Sub(rep.StartedAt)
	m.metrics.ObservePass("monitor", rep.Duration, nil)
	m.remember(rep)
	logger.Infof("monitor[%s]: orders=%d buys(tracked=%d executed=%d rejected=%d cancelled=%d pending=%d) took=%s",
		rep.TraceID[:8], rep.Orders, rep.Buys.Tracked, rep.Buys.Executed, rep.Buys.Rejected, rep.Buys.Cancelled,
		rep.Buys.Pending, rep.Duration.Round(time.Millisecond))
	return rep, nil
}

// LastReport returns the most recent pass, if any.
func (m *Monitor) LastReport() (CycleReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return CycleReport{}, false
	}
	return *m.last, true
}

func (m *Monitor) remember(rep CycleReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &rep
}

// CheckBuyOrderStatus reconciles every tracked buy against the broker.
func (m *Monitor) CheckBuyOrderStatus(ctx context.Context, orders []order.Order) BuyStats {
	var stats BuyStats
	tracked := m.PendingBuys()
	stats.Tracked = len(tracked)
	if len(tracked) == 0 {
		return stats
	}
	byID := make(map[string]order.Order, len(orders))
	for _, o := range orders {
		if o.OrderID != "" {
			byID[o.OrderID] = o
		}
	}
	ids := make([]string, 0, len(tracked))
	for id := range tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	loadHoldings := m.holdingsLoader(ctx)

	for _, id := range ids {
		rec := tracked[id]
		var report *order.Order
		if bo, ok := byID[id]; ok {
			report = &bo
			if m.coord.DetectManualModification(ctx, bo) {
				stats.Modified++
				rec.Quantity, rec.Price = bo.Quantity, bo.Price
				m.replace(rec)
			}
		}
		if err := m.checkOne(ctx, rec, report, loadHoldings, &stats); err != nil {
			stats.Errors++
			logger.Warnf("monitor: buy %s/%s check failed: %v", rec.Symbol, id, err)
		}
	}
	return stats
}

func (m *Monitor) checkOne(ctx context.Context, rec store.OrderRecord, report *order.Order, holdingsFn func() map[string]int, stats *BuyStats) error {
	id := rec.BrokerOrderID
	var (
		status  order.Status
		reason  string
		history []order.Order
	)
	switch {
	case report != nil:
		status, reason = report.Status, report.RejectionReason
	default:
		if v, ok := m.coord.Verification(id); ok {
			status = v.Status
			break
		}
		h, err := m.broker.GetOrderHistory(ctx, id)
		if err != nil {
			return fmt.Errorf("order history: %w", err)
		}
		history = h
		latest, ok := latestEntry(id, history)
		if !ok {
			stats.Pending++
			return nil
		}
		status, reason = latest.Status, latest.RejectionReason
		m.coord.RecordVerification(latest)
	}

	switch status {
	case order.StatusComplete:
		var (
			qty    int
			source string
		)
		qty, source, history = m.resolveFill(ctx, rec, report, history, holdingsFn)
		price := executionPrice(rec, report, history)
		logger.Infof("monitor: buy %s/%s executed qty=%d (%s) price=%.2f", rec.Symbol, id, qty, source, price)
		if err := m.applyExecution(ctx, rec, qty, price); err != nil {
			return err
		}
		stats.Executed++
	case order.StatusRejected:
		m.finish(ctx, rec, store.OrderStatusRejected, nonEmpty(reason, "rejected by broker"))
		stats.Rejected++
	case order.StatusCancelled:
		text := "cancelled by system"
		if m.coord.ClassifyBuyCancellation(id, reason) {
			text = "cancelled manually"
		}
		if reason != "" {
			text += ": " + reason
		}
		m.finish(ctx, rec, store.OrderStatusCancelled, text)
		stats.Cancelled++
	default:
		stats.Pending++
	}
	return nil
}

// resolveFill walks the filled-quantity chain, fetching history and holdings only when the stronger sources are silent.
func (m *Monitor) resolveFill(ctx context.Context, rec store.OrderRecord, report *order.Order, history []order.Order, holdingsFn func() map[string]int) (int, string, []order.Order) {
	id := rec.BrokerOrderID
	ev := FillEvidence{OrderID: id, Report: report, History: history, HoldingsQty: -1, Submitted: rec.Quantity}
	qty, source := ResolveFilledQuantity(ev)
	if source == FillSourceReport {
		return qty, source, history
	}
	if history == nil {
		h, err := m.broker.GetOrderHistory(ctx, id)
		if err != nil {
			logger.Warnf("monitor: history for %s unavailable: %v", id, err)
		}
		ev.History = h
		qty, source = ResolveFilledQuantity(ev)
	}
	if source == FillSourceHoldings || source == FillSourceSubmitted {
		// 只有前两级都拿不到时才查持仓
		ev.HoldingsQty = holdingsFn()[symbol.Base(rec.Symbol)]
		qty, source = ResolveFilledQuantity(ev)
	}
	return qty, source, ev.History
}

// holdingsLoader fetches holdings at most once per pass.
func (m *Monitor) holdingsLoader(ctx context.Context) func() map[string]int {
	var holdings map[string]int
	return func() map[string]int {
		if holdings != nil {
			return holdings
		}
		list, err := m.broker.GetHoldings(ctx)
		if err != nil {
			logger.Warnf("monitor: holdings unavailable: %v", err)
			holdings = map[string]int{}
			return holdings
		}
		holdings = exchange.HoldingsBySymbol(list, symbol.Base)
		return holdings
	}
}

func executionPrice(rec store.OrderRecord, report *order.Order, history []order.Order) float64 {
	if report != nil {
		if p := report.ExecutedPrice(); p > 0 {
			return p
		}
	}
	if h, ok := latestComplete(rec.BrokerOrderID, history); ok {
		if p := h.ExecutedPrice(); p > 0 {
			return p
		}
	}
	return rec.Price
}

// applyExecution merges the fill into the position, closes the buy and grows the live sell.
func (m *Monitor) applyExecution(ctx context.Context, rec store.OrderRecord, qty int, price float64) error {
	if qty <= 0 {
		return fmt.Errorf("buy %s resolved non-positive quantity %d", rec.BrokerOrderID, qty)
	}
	sym := symbol.Base(rec.Symbol)
	now := m.now()
	pos, err := m.repos.GetOpenPosition(ctx, sym)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = store.PositionRecord{Symbol: sym, Quantity: qty, AvgPrice: price, OpenedAt: now}
	case err != nil:
		return fmt.Errorf("load position %s: %w", sym, err)
	default:
		pos.AvgPrice = trading.WeightedAverage(pos.Quantity, pos.AvgPrice, qty, price)
		pos.Quantity += qty
		pos.ReentryCount++
		data, verr := ValidateReentryData(map[string]any{
			"order_id": rec.BrokerOrderID,
			"quantity": qty,
			"price":    price,
			"time":     now.Format(time.RFC3339),
		})
		if verr != nil {
			logger.Warnf("monitor: drop reentry ledger entry for %s: %v", sym, verr)
		} else {
			pos.Reentries = append(pos.Reentries, data.Entry())
		}
	}
	if err := m.repos.SavePosition(ctx, &pos); err != nil {
		return fmt.Errorf("save position %s: %w", sym, err)
	}
	if err := m.repos.MarkOrderExecuted(ctx, rec.BrokerOrderID, qty, price); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("monitor: mark buy %s executed failed: %v", rec.BrokerOrderID, err)
	}
	m.coord.MarkBuyOrderExecuted(ctx, rec.BrokerOrderID, price, qty)
	m.forget(rec.BrokerOrderID)
	logger.LogOrderTransition(sym, rec.BrokerOrderID, string(rec.Status), "EXECUTED", map[string]any{
		"side": "BUY", "qty": qty, "price": price, "position_qty": pos.Quantity, "avg": pos.AvgPrice,
	})

	if m.sells != nil {
		if _, tracked := m.coord.ActiveSellOrder(sym); tracked {
			if _, err := m.sells.IncreaseSellQuantity(ctx, sym, pos.Quantity); err != nil {
				logger.Warnf("monitor: grow sell %s to %d failed: %v", sym, pos.Quantity, err)
			}
		}
	}
	return nil
}

func (m *Monitor) finish(ctx context.Context, rec store.OrderRecord, status store.OrderStatus, reason string) {
	if err := m.repos.UpdateOrderStatus(ctx, rec.BrokerOrderID, status, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("monitor: set buy %s %s failed: %v", rec.BrokerOrderID, status, err)
	}
	m.coord.RemoveBuyOrderFromTracking(ctx, rec.BrokerOrderID, reason)
	m.forget(rec.BrokerOrderID)
	logger.Infof("monitor: buy %s/%s %s (%s)", rec.Symbol, rec.BrokerOrderID, status, reason)
}

// applySellSync books buys the coordinator closed during the sell cycle's sync
// (orders it tracked that this monitor did not, e.g. restored from the journal).
// The filled quantity is resolved again from the report, history and holdings.
func (m *Monitor) applySellSync(ctx context.Context, orders []order.Order, res coordinator.SyncResult, stats *BuyStats) {
	loadHoldings := m.holdingsLoader(ctx)
	for _, f := range res.BuysExecuted {
		rec, err := m.repos.GetOrder(ctx, f.OrderID)
		if err != nil {
			rec = store.OrderRecord{BrokerOrderID: f.OrderID, Symbol: f.Symbol, Side: string(order.SideBuy), Quantity: f.Quantity, Price: f.Price}
		}
		if rec.Status.IsTerminal() || rec.Status == store.OrderStatusOngoing {
			continue
		}
		var report *order.Order
		for i := range orders {
			if orders[i].OrderID == f.OrderID {
				report = &orders[i]
				break
			}
		}
		if report != nil && report.Quantity > 0 {
			rec.Quantity = report.Quantity
		}
		qty, source, _ := m.resolveFill(ctx, rec, report, nil, loadHoldings)
		logger.Infof("monitor: synced buy %s/%s qty=%d (%s) price=%.2f", rec.Symbol, f.OrderID, qty, source, f.Price)
		if err := m.applyExecution(ctx, rec, qty, f.Price); err != nil {
			stats.Errors++
			logger.Warnf("monitor: book synced buy %s failed: %v", f.OrderID, err)
			continue
		}
		stats.Executed++
	}
	for _, r := range res.Removed {
		if r.Side != order.SideBuy {
			continue
		}
		status := store.OrderStatusCancelled
		if r.Status == store.PendingStatusRejected {
			status = store.OrderStatusRejected
		}
		if err := m.repos.UpdateOrderStatus(ctx, r.OrderID, status, r.Reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("monitor: set buy %s %s failed: %v", r.OrderID, status, err)
		}
		m.forget(r.OrderID)
	}
}

func (m *Monitor) replace(rec store.OrderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buys[rec.BrokerOrderID]; ok {
		m.buys[rec.BrokerOrderID] = rec
	}
}

func (m *Monitor) forget(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buys, orderID)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
