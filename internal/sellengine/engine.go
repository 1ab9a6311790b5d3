// Package sellengine places and maintains EMA9-target sell orders: monotonic target updates,
// circuit-limit retries, RSI forced exits and manual-activity reconciliation.
package sellengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/gateway/notifier"
	"neotrader/internal/logger"
	"neotrader/internal/metrics"
	"neotrader/internal/order"
	"neotrader/internal/pkg/symbol"
	"neotrader/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 10

// Indicators is the indicator surface the engine needs; indicator.Calculator implements it.
type Indicators interface {
	EMARealtime(ctx context.Context, ticker, brokerSymbol string) (value float64, live bool, err error)
	PriorRSI(ctx context.Context, ticker string) (float64, error)
	RSIRealtime(ctx context.Context, ticker, brokerSymbol string) (float64, error)
}

type Options struct {
	Broker      exchange.Broker
	Coordinator *coordinator.Coordinator
	Indicators  Indicators
	Repos       store.Repositories
	Trades      store.TradeJournal
	Symbols     *symbol.Registry
	Notifier    notifier.Sink
	Metrics     *metrics.Metrics

	Workers          int
	RSIExitThreshold float64
	Location         *time.Location
	Now              func() time.Time
}

type Engine struct {
	broker  exchange.Broker
	coord   *coordinator.Coordinator
	ind     Indicators
	repos   store.Repositories
	trades  store.TradeJournal
	symbols *symbol.Registry
	notify  notifier.Sink
	metrics *metrics.Metrics

	workers      int
	rsiThreshold float64
	loc          *time.Location
	now          func() time.Time

	mu             sync.Mutex
	rsiCache       map[string]float64
	seenManualBuys map[string]struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Broker == nil || opts.Coordinator == nil || opts.Indicators == nil || opts.Repos == nil {
		return nil, errors.New("sellengine: broker, coordinator, indicators and repos are required")
	}
	e := &Engine{
		broker:         opts.Broker,
		coord:          opts.Coordinator,
		ind:            opts.Indicators,
		repos:          opts.Repos,
		trades:         opts.Trades,
		symbols:        opts.Symbols,
		notify:         opts.Notifier,
		metrics:        opts.Metrics,
		workers:        opts.Workers,
		rsiThreshold:   opts.RSIExitThreshold,
		loc:            opts.Location,
		now:            opts.Now,
		rsiCache:       make(map[string]float64),
		seenManualBuys: make(map[string]struct{}),
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.rsiThreshold <= 0 {
		e.rsiThreshold = 50
	}
	if e.loc == nil {
		e.loc = order.Location
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.notify == nil {
		e.notify = notifier.Nop{}
	}
	return e, nil
}

// CycleStats summarizes one monitoring pass.
type CycleStats struct {
	TraceID        string
	StartedAt      time.Time
	Duration       time.Duration
	Tracked        int
	Checked        int
	Updated        int
	Unchanged      int
	Skipped        int
	Errors         int
	Executed       int
	Removed        int
	ManualSells    int
	ManualBuys     int
	Resized        int
	CircuitQueued  int
	CircuitRetried int
	CircuitWaiting int
	ForcedExits    int
	Sync           coordinator.SyncResult
}

// RunCycle runs one full pass over the broker order report. It never aborts on a single-symbol failure.
func (e *Engine) RunCycle(ctx context.Context, orders []order.Order) CycleStats {
	stats := CycleStats{TraceID: uuid.NewString(), StartedAt: e.now()}
	holdings := e.loadHoldings(ctx)

	// 熔断拒单必须在同步之前接管，否则会被当作普通拒单移除
	e.captureCircuitRejections(ctx, orders, &stats)
	stats.Sync = e.coord.SyncWithBroker(ctx, orders)
	e.applySync(ctx, stats.Sync, &stats)

	// 人工卖出后补挂的新单不在本轮快照里，所以放在同步之后
	e.handleManualSells(ctx, orders, holdings, &stats)
	e.detectManualBuys(ctx, orders, &stats)
	e.pruneExecuted(ctx, orders, &stats)
	if holdings != nil {
		e.reconcileQuantities(ctx, holdings, &stats)
	}

	attempts := e.forcedExitsToday(ctx)
	e.refreshTargets(ctx, attempts, &stats)
	e.retryCircuitWaits(ctx, holdings, &stats)
	e.runForcedExits(ctx, attempts, &stats)

	active := e.coord.ActiveSellOrders()
	e.metrics.SetActive("sell", len(active))
	e.metrics.SetActive("buy", len(e.coord.ActiveBuyOrders()))
	stats.Duration = e.now().Sub(stats.StartedAt)
	logger.Infof("sellengine[%s]: tracked=%d updated=%d unchanged=%d errors=%d executed=%d manual_sells=%d circuit(q=%d r=%d w=%d) forced=%d took=%s",
		shortID(stats.TraceID), stats.Tracked, stats.Updated, stats.Unchanged, stats.Errors, stats.Executed, stats.ManualSells,
		stats.CircuitQueued, stats.CircuitRetried, stats.CircuitWaiting, stats.ForcedExits, stats.Duration.Round(time.Millisecond))
	return stats
}

type taskResult struct {
	symbol  string
	updated bool
	err     error
}

// refreshTargets fans one EMA9 refresh per tracked symbol across a bounded pool.
func (e *Engine) refreshTargets(ctx context.Context, attempts map[string]string, stats *CycleStats) {
	active := e.coord.ActiveSellOrders()
	stats.Tracked = len(active)
	if len(active) == 0 {
		return
	}
	syms := sortedKeys(active)
	results := make([]taskResult, len(syms))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, sym := range syms {
		i, sell := i, active[sym]
		if attempts[sym] == store.ForcedExitConverted {
			stats.Skipped++
			continue
		}
		g.Go(func() error {
			results[i] = e.refreshTarget(ctx, sell)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if r.symbol == "" {
			continue
		}
		stats.Checked++
		switch {
		case r.err != nil:
			stats.Errors++
			logger.Warnf("sellengine: refresh %s failed: %v", r.symbol, r.err)
		case r.updated:
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}
}

func (e *Engine) refreshTarget(ctx context.Context, sell coordinator.ActiveSellOrder) (res taskResult) {
	res.symbol = sell.Symbol
	defer func() {
		if r := recover(); r != nil {
			res = taskResult{symbol: sell.Symbol, err: fmt.Errorf("panic: %v", r)}
		}
	}()
	ema, err := e.GetCurrentEMA9(ctx, sell.Ticker, sell.PlacedSymbol)
	if err != nil {
		res.err = err
		return res
	}
	rounded := roundPrice(ema, sell.Exchange)
	prev, improved := e.coord.ObserveTarget(sell.Symbol, rounded)
	if !improved {
		return res
	}
	if _, err := e.UpdateSellOrder(ctx, sell.Symbol, rounded); err != nil {
		e.coord.RestoreTarget(sell.Symbol, prev)
		res.err = err
		return res
	}
	logger.Infof("sellengine: %s target %.2f -> %.2f", sell.Symbol, prev, rounded)
	res.updated = true
	return res
}

// GetCurrentEMA9 returns the realtime EMA target, or the prior-day value when no live price exists.
func (e *Engine) GetCurrentEMA9(ctx context.Context, ticker, brokerSymbol string) (float64, error) {
	v, live, err := e.ind.EMARealtime(ctx, ticker, brokerSymbol)
	if err != nil {
		return 0, err
	}
	if !live {
		logger.Debugf("sellengine: %s ema uses prior-day value %.2f", ticker, v)
	}
	return v, nil
}

// applySync books executions and terminal removals the coordinator reported.
func (e *Engine) applySync(ctx context.Context, res coordinator.SyncResult, stats *CycleStats) {
	for _, f := range res.SellsExecuted {
		e.recordSellExecution(ctx, f, "EMA9_TARGET")
		stats.Executed++
	}
	for _, r := range res.Removed {
		if r.Side != order.SideSell {
			continue
		}
		e.setOrderStatus(ctx, r.OrderID, orderStatusFor(r.Status), r.Reason)
		stats.Removed++
	}
	stats.Removed += res.ManualSells
}

// pruneExecuted closes tracked sells the report already shows as complete before spending EMA calls on them.
func (e *Engine) pruneExecuted(ctx context.Context, orders []order.Order, stats *CycleStats) {
	tracked := e.coord.TrackedSellOrderIDs()
	if len(tracked) == 0 {
		return
	}
	for _, o := range orders {
		if o.Status != order.StatusComplete || o.Side != order.SideSell {
			continue
		}
		sym, ok := tracked[o.OrderID]
		if !ok {
			continue
		}
		price, qty := o.ExecutedPrice(), o.ExecutedQuantity()
		if !e.coord.MarkOrderExecuted(ctx, sym, o.OrderID, price, qty) {
			continue
		}
		e.recordSellExecution(ctx, coordinator.Fill{Symbol: sym, OrderID: o.OrderID, Price: price, Quantity: qty}, "EMA9_TARGET")
		stats.Executed++
	}
}

type holdingBook map[string]exchange.Holding

func (h holdingBook) qty(sym string) int {
	return h[sym].Quantity
}

func (e *Engine) loadHoldings(ctx context.Context) holdingBook {
	list, err := e.broker.GetHoldings(ctx)
	if err != nil {
		logger.Warnf("sellengine: holdings unavailable: %v", err)
		return nil
	}
	book := make(holdingBook, len(list))
	for _, h := range list {
		base := symbol.Base(h.Symbol)
		if base == "" {
			continue
		}
		cur := book[base]
		cur.Symbol = base
		cur.Quantity += h.Quantity
		if h.LastPrice > 0 {
			cur.LastPrice = h.LastPrice
		}
		if h.AvgPrice > 0 {
			cur.AvgPrice = h.AvgPrice
		}
		book[base] = cur
	}
	return book
}

func (e *Engine) setOrderStatus(ctx context.Context, orderID string, status store.OrderStatus, reason string) {
	if orderID == "" {
		return
	}
	if err := e.repos.UpdateOrderStatus(ctx, orderID, status, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("sellengine: order %s status %s failed: %v", orderID, status, err)
	}
}

func orderStatusFor(pending string) store.OrderStatus {
	switch pending {
	case store.PendingStatusRejected:
		return store.OrderStatusRejected
	case store.PendingStatusExecuted:
		return store.OrderStatusClosed
	default:
		return store.OrderStatusCancelled
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
