// Package coordinator owns the active buy/sell order maps. Every mutation happens under one mutex;
// journal, repository and notification I/O always runs outside the critical section.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"neotrader/internal/gateway/notifier"
	"neotrader/internal/logger"
	"neotrader/internal/order"
	"neotrader/internal/pkg/symbol"
	"neotrader/internal/store"
)

// ActiveSellOrder 是某个 symbol 当前唯一的在途卖单。
type ActiveSellOrder struct {
	Symbol       string
	OrderID      string
	TargetPrice  float64
	Quantity     int
	Ticker       string
	PlacedSymbol string
	Exchange     string
	RegisteredAt time.Time
	LastUpdated  time.Time
	Extra        map[string]any
}

// ActiveBuyOrder 是一笔在途买单；Original* 在登记后不再改变，用来识别人工改单。
type ActiveBuyOrder struct {
	OrderID             string
	Symbol              string
	Ticker              string
	Quantity            int
	Price               float64
	OriginalPrice       float64
	OriginalQuantity    int
	IsManuallyCancelled bool
	RegisteredAt        time.Time
	Extra               map[string]any
}

// Options configures a Coordinator. Journal and Orders may be nil in tests.
type Options struct {
	Journal         store.Journal
	Orders          store.OrderRepository
	Notifier        notifier.Sink
	VerificationTTL time.Duration
	Now             func() time.Time
}

// Coordinator is the single owner of active order state.
type Coordinator struct {
	mu       sync.Mutex
	sells    map[string]*ActiveSellOrder
	buys     map[string]*ActiveBuyOrder
	lowest   map[string]float64
	verified map[string]VerificationResult

	journal store.Journal
	orders  store.OrderRepository
	notify  notifier.Sink
	ttl     time.Duration
	now     func() time.Time
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		sells:    make(map[string]*ActiveSellOrder),
		buys:     make(map[string]*ActiveBuyOrder),
		lowest:   make(map[string]float64),
		verified: make(map[string]VerificationResult),
		journal:  opts.Journal,
		orders:   opts.Orders,
		notify:   opts.Notifier,
		ttl:      opts.VerificationTTL,
		now:      opts.Now,
	}
	if c.notify == nil {
		c.notify = notifier.Nop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.ttl <= 0 {
		c.ttl = 30 * time.Second
	}
	return c
}

// guard 把 panic 转成失败结果，保证公开方法不会把异常抛出边界。
func guard(op string, ok *bool) {
	if r := recover(); r != nil {
		logger.Errorf("coordinator: %s panic: %v", op, r)
		if ok != nil {
			*ok = false
		}
	}
}

func (c *Coordinator) locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// RegisterSellOrder tracks orderID as the live sell for symbol.
// Re-registering the same order id only updates the price when it changed.
func (c *Coordinator) RegisterSellOrder(ctx context.Context, sym, orderID string, targetPrice float64, qty int, ticker string, extra map[string]any) (ok bool) {
	defer guard("RegisterSellOrder", &ok)
	base := symbol.Base(sym)
	orderID = strings.TrimSpace(orderID)
	if base == "" || orderID == "" {
		logger.Warnf("coordinator: register sell ignored, symbol=%q order=%q", sym, orderID)
		return false
	}
	parsed := symbol.Parse(sym)
	if ticker == "" {
		ticker = parsed.Ticker()
	}
	exch := parsed.Exchange
	if v, ok := extra["exchange"].(string); ok && v != "" {
		exch = strings.ToUpper(v)
	}
	placed := strings.ToUpper(strings.TrimSpace(sym))
	if v, ok := extra["placed_symbol"].(string); ok && v != "" {
		placed = v
	}
	now := c.now()

	var (
		snapshot ActiveSellOrder
		changed  bool
		replaced string
	)
	c.locked(func() {
		if cur, exists := c.sells[base]; exists && cur.OrderID == orderID {
			if cur.TargetPrice != targetPrice {
				cur.TargetPrice = targetPrice
				cur.LastUpdated = now
				changed = true
			}
			snapshot = copySell(cur)
			return
		} else if exists {
			replaced = cur.OrderID
		}
		entry := &ActiveSellOrder{
			Symbol:       base,
			OrderID:      orderID,
			TargetPrice:  targetPrice,
			Quantity:     qty,
			Ticker:       ticker,
			PlacedSymbol: placed,
			Exchange:     exch,
			RegisteredAt: now,
			LastUpdated:  now,
			Extra:        copyExtra(extra),
		}
		c.sells[base] = entry
		if low, ok := c.lowest[base]; !ok || targetPrice < low {
			c.lowest[base] = targetPrice
		}
		snapshot = copySell(entry)
		changed = true
	})
	if !changed {
		return true
	}
	if replaced != "" {
		logger.Infof("coordinator: %s sell order %s replaced by %s", base, replaced, orderID)
		c.setPendingStatus(ctx, replaced, store.PendingStatusRemoved, "replaced by "+orderID)
	}
	c.mirrorSell(ctx, snapshot)
	return true
}

// RegisterBuyOrder tracks a buy once per order id and snapshots its original terms.
func (c *Coordinator) RegisterBuyOrder(ctx context.Context, sym, orderID string, qty int, price float64, ticker string, extra map[string]any) (ok bool) {
	defer guard("RegisterBuyOrder", &ok)
	base := symbol.Base(sym)
	orderID = strings.TrimSpace(orderID)
	if base == "" || orderID == "" {
		return false
	}
	if ticker == "" {
		ticker = symbol.Parse(sym).Ticker()
	}
	var (
		entry   ActiveBuyOrder
		created bool
	)
	c.locked(func() {
		if _, exists := c.buys[orderID]; exists {
			return
		}
		b := &ActiveBuyOrder{
			OrderID:          orderID,
			Symbol:           base,
			Ticker:           ticker,
			Quantity:         qty,
			Price:            price,
			OriginalPrice:    price,
			OriginalQuantity: qty,
			RegisteredAt:     c.now(),
			Extra:            copyExtra(extra),
		}
		c.buys[orderID] = b
		entry = copyBuy(b)
		created = true
	})
	if !created {
		return true
	}
	if c.journal != nil {
		err := c.journal.UpsertPending(ctx, store.PendingOrder{
			OrderID:  entry.OrderID,
			Symbol:   entry.Symbol,
			Side:     string(order.SideBuy),
			Quantity: entry.Quantity,
			Price:    entry.Price,
			Ticker:   entry.Ticker,
			Extra:    entry.Extra,
		})
		if err != nil {
			logger.Warnf("coordinator: journal buy %s failed: %v", orderID, err)
		}
	}
	return true
}

// MarkOrderExecuted closes the tracked sell for symbol and writes the exit into trade history.
// Non-positive price/qty fall back to the tracked target and quantity.
func (c *Coordinator) MarkOrderExecuted(ctx context.Context, sym, orderID string, price float64, qty int) (ok bool) {
	defer guard("MarkOrderExecuted", &ok)
	base := symbol.Base(sym)
	var (
		entry ActiveSellOrder
		found bool
	)
	c.locked(func() {
		cur, exists := c.sells[base]
		if !exists || (orderID != "" && cur.OrderID != orderID) {
			return
		}
		entry = copySell(cur)
		found = true
		delete(c.sells, base)
		delete(c.lowest, base)
	})
	if !found {
		logger.Debugf("coordinator: %s order %s not tracked, skip executed", base, orderID)
		return false
	}
	if price <= 0 {
		price = entry.TargetPrice
	}
	if qty <= 0 {
		qty = entry.Quantity
	}
	c.setPendingStatus(ctx, entry.OrderID, store.PendingStatusExecuted, "")
	logger.LogOrderTransition(base, entry.OrderID, "OPEN", "EXECUTED", map[string]any{"price": price, "qty": qty})
	if c.journal != nil {
		tr, err := c.journal.CloseTrade(ctx, store.TradeExit{
			Symbol:   base,
			OrderID:  entry.OrderID,
			Price:    price,
			Quantity: qty,
			At:       c.now(),
			Reason:   "sell_executed",
		})
		if err != nil {
			logger.Warnf("coordinator: trade history %s exit failed: %v", base, err)
		} else {
			logger.Infof("coordinator: %s sold %d @ %.2f pnl=%.2f (%.2f%%)", base, qty, price, tr.PnL, tr.PnLPct)
		}
	}
	return true
}

// MarkBuyOrderExecuted closes the tracked buy and records the entry in trade history.
func (c *Coordinator) MarkBuyOrderExecuted(ctx context.Context, orderID string, price float64, qty int) (ok bool) {
	defer guard("MarkBuyOrderExecuted", &ok)
	var (
		entry ActiveBuyOrder
		found bool
	)
	c.locked(func() {
		cur, exists := c.buys[orderID]
		if !exists {
			return
		}
		entry = copyBuy(cur)
		found = true
		delete(c.buys, orderID)
	})
	if !found {
		return false
	}
	if price <= 0 {
		price = entry.Price
	}
	if qty <= 0 {
		qty = entry.Quantity
	}
	c.setPendingStatus(ctx, orderID, store.PendingStatusExecuted, "")
	logger.LogOrderTransition(entry.Symbol, orderID, "OPEN", "EXECUTED", map[string]any{"side": "BUY", "price": price, "qty": qty})
	if c.journal != nil {
		err := c.journal.RecordEntry(ctx, store.TradeRecord{
			Symbol:       entry.Symbol,
			EntryOrderID: orderID,
			Quantity:     qty,
			EntryPrice:   price,
			EntryTime:    c.now(),
		})
		if err != nil {
			logger.Warnf("coordinator: trade history %s entry failed: %v", entry.Symbol, err)
		}
	}
	return true
}

func (c *Coordinator) UpdateSellOrderPrice(ctx context.Context, sym string, newPrice float64) (ok bool) {
	defer guard("UpdateSellOrderPrice", &ok)
	return c.updateSell(ctx, sym, func(e *ActiveSellOrder) {
		e.TargetPrice = newPrice
		if low, ok := c.lowest[e.Symbol]; !ok || newPrice < low {
			c.lowest[e.Symbol] = newPrice
		}
	})
}

// UpdateSellOrderQuantity 在加仓成交后放大在途卖单的数量。
func (c *Coordinator) UpdateSellOrderQuantity(ctx context.Context, sym string, qty int) (ok bool) {
	defer guard("UpdateSellOrderQuantity", &ok)
	if qty <= 0 {
		return false
	}
	return c.updateSell(ctx, sym, func(e *ActiveSellOrder) { e.Quantity = qty })
}

func (c *Coordinator) updateSell(ctx context.Context, sym string, apply func(*ActiveSellOrder)) bool {
	base := symbol.Base(sym)
	var (
		snapshot ActiveSellOrder
		found    bool
	)
	c.locked(func() {
		cur, exists := c.sells[base]
		if !exists {
			return
		}
		apply(cur)
		cur.LastUpdated = c.now()
		snapshot = copySell(cur)
		found = true
	})
	if !found {
		return false
	}
	c.mirrorSell(ctx, snapshot)
	return true
}

// RemoveFromTracking drops the sell for symbol without recording an execution.
func (c *Coordinator) RemoveFromTracking(ctx context.Context, sym, reason string) (ok bool) {
	defer guard("RemoveFromTracking", &ok)
	return c.removeSell(ctx, symbol.Base(sym), store.PendingStatusRemoved, reason)
}

func (c *Coordinator) removeSell(ctx context.Context, base, status, reason string) bool {
	var (
		orderID string
		found   bool
	)
	c.locked(func() {
		cur, exists := c.sells[base]
		if !exists {
			return
		}
		orderID = cur.OrderID
		found = true
		delete(c.sells, base)
		delete(c.lowest, base)
	})
	if !found {
		return false
	}
	logger.Infof("coordinator: stop tracking %s sell %s (%s)", base, orderID, reason)
	logger.LogOrderTransition(base, orderID, "OPEN", status, map[string]any{"reason": reason})
	c.setPendingStatus(ctx, orderID, status, reason)
	return true
}

func (c *Coordinator) RemoveBuyOrderFromTracking(ctx context.Context, orderID, reason string) (ok bool) {
	defer guard("RemoveBuyOrderFromTracking", &ok)
	return c.removeBuy(ctx, orderID, store.PendingStatusRemoved, reason)
}

func (c *Coordinator) removeBuy(ctx context.Context, orderID, status, reason string) bool {
	var (
		sym   string
		found bool
	)
	c.locked(func() {
		cur, exists := c.buys[orderID]
		if !exists {
			return
		}
		sym = cur.Symbol
		found = true
		delete(c.buys, orderID)
	})
	if !found {
		return false
	}
	logger.Infof("coordinator: stop tracking %s buy %s (%s)", sym, orderID, reason)
	logger.LogOrderTransition(sym, orderID, "OPEN", status, map[string]any{"side": "BUY", "reason": reason})
	c.setPendingStatus(ctx, orderID, status, reason)
	return true
}

// ObserveTarget records a rounded EMA target for symbol and reports whether it is strictly
// below every previous reading. The first reading only seeds the ledger.
func (c *Coordinator) ObserveTarget(sym string, rounded float64) (previous float64, improved bool) {
	base := symbol.Base(sym)
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.lowest[base]
	if !ok {
		c.lowest[base] = rounded
		return rounded, false
	}
	if rounded < prev {
		c.lowest[base] = rounded
		return prev, true
	}
	return prev, false
}

// RestoreTarget rolls the ledger back after an update that never reached the broker.
func (c *Coordinator) RestoreTarget(sym string, previous float64) {
	base := symbol.Base(sym)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, tracked := c.sells[base]; !tracked {
		return
	}
	c.lowest[base] = previous
}

func (c *Coordinator) LowestTarget(sym string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lowest[symbol.Base(sym)]
	return v, ok
}

// ActiveSellOrders returns a copy keyed by base symbol.
func (c *Coordinator) ActiveSellOrders() map[string]ActiveSellOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ActiveSellOrder, len(c.sells))
	for k, v := range c.sells {
		out[k] = copySell(v)
	}
	return out
}

func (c *Coordinator) ActiveSellOrder(sym string) (ActiveSellOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.sells[symbol.Base(sym)]
	if !ok {
		return ActiveSellOrder{}, false
	}
	return copySell(cur), true
}

// ActiveBuyOrders returns a copy keyed by order id.
func (c *Coordinator) ActiveBuyOrders() map[string]ActiveBuyOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ActiveBuyOrder, len(c.buys))
	for k, v := range c.buys {
		out[k] = copyBuy(v)
	}
	return out
}

// TrackedSellOrderIDs maps every tracked sell order id to its symbol.
func (c *Coordinator) TrackedSellOrderIDs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.sells))
	for sym, v := range c.sells {
		out[v.OrderID] = sym
	}
	return out
}

// LoadFromJournal restores pending orders after a restart. Entries already in memory win.
func (c *Coordinator) LoadFromJournal(ctx context.Context) (int, error) {
	if c.journal == nil {
		return 0, errors.New("coordinator: journal not configured")
	}
	pending, err := c.journal.ListPending(ctx, "")
	if err != nil {
		return 0, err
	}
	now := c.now()
	restored := 0
	c.locked(func() {
		for _, p := range pending {
			base := symbol.Base(p.Symbol)
			switch strings.ToUpper(p.Side) {
			case string(order.SideSell):
				if _, exists := c.sells[base]; exists {
					continue
				}
				c.sells[base] = &ActiveSellOrder{
					Symbol:       base,
					OrderID:      p.OrderID,
					TargetPrice:  p.Price,
					Quantity:     p.Quantity,
					Ticker:       p.Ticker,
					PlacedSymbol: p.PlacedSymbol,
					Exchange:     p.Exchange,
					RegisteredAt: p.CreatedAt,
					LastUpdated:  now,
					Extra:        copyExtra(p.Extra),
				}
				c.lowest[base] = p.Price
				restored++
			case string(order.SideBuy):
				if _, exists := c.buys[p.OrderID]; exists {
					continue
				}
				c.buys[p.OrderID] = &ActiveBuyOrder{
					OrderID:          p.OrderID,
					Symbol:           base,
					Ticker:           p.Ticker,
					Quantity:         p.Quantity,
					Price:            p.Price,
					OriginalPrice:    p.Price,
					OriginalQuantity: p.Quantity,
					RegisteredAt:     p.CreatedAt,
					Extra:            copyExtra(p.Extra),
				}
				restored++
			}
		}
	})
	if restored > 0 {
		logger.Infof("coordinator: restored %d pending orders from journal", restored)
	}
	return restored, nil
}

func (c *Coordinator) mirrorSell(ctx context.Context, e ActiveSellOrder) {
	if c.journal == nil {
		return
	}
	err := c.journal.UpsertPending(ctx, store.PendingOrder{
		OrderID:      e.OrderID,
		Symbol:       e.Symbol,
		Side:         string(order.SideSell),
		Quantity:     e.Quantity,
		Price:        e.TargetPrice,
		Ticker:       e.Ticker,
		PlacedSymbol: e.PlacedSymbol,
		Exchange:     e.Exchange,
		Extra:        e.Extra,
	})
	if err != nil {
		logger.Warnf("coordinator: journal sell %s/%s failed: %v", e.Symbol, e.OrderID, err)
	}
}

func (c *Coordinator) setPendingStatus(ctx context.Context, orderID, status, reason string) {
	if c.journal == nil || orderID == "" {
		return
	}
	if err := c.journal.UpdatePendingStatus(ctx, orderID, status, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("coordinator: journal status %s -> %s failed: %v", orderID, status, err)
	}
}

func copySell(e *ActiveSellOrder) ActiveSellOrder {
	out := *e
	out.Extra = copyExtra(e.Extra)
	return out
}

func copyBuy(e *ActiveBuyOrder) ActiveBuyOrder {
	out := *e
	out.Extra = copyExtra(e.Extra)
	return out
}

func copyExtra(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
