package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/gateway/exchange/exchangetest"
	"neotrader/internal/order"
	"neotrader/internal/pkg/circuit"
	"neotrader/internal/sellengine"
	"neotrader/internal/store"
	"neotrader/internal/store/gormstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSells struct {
	mock.Mock
}

func (m *MockSells) RunCycle(ctx context.Context, orders []order.Order) sellengine.CycleStats {
	args := m.Called(ctx, orders)
	return args.Get(0).(sellengine.CycleStats)
}

func (m *MockSells) IncreaseSellQuantity(ctx context.Context, sym string, qty int) (bool, error) {
	args := m.Called(ctx, sym, qty)
	return args.Bool(0), args.Error(1)
}

var testNow = time.Date(2024, 5, 10, 9, 20, 0, 0, order.Location)

type rig struct {
	monitor *Monitor
	broker  *exchangetest.MockBroker
	sells   *MockSells
	coord   *coordinator.Coordinator
	repos   *gormstore.GormStore
}

func newRig(t *testing.T, breaker *circuit.Breaker) *rig {
	t.Helper()
	repos, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "neotrader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })
	r := &rig{broker: &exchangetest.MockBroker{}, sells: &MockSells{}, repos: repos}
	r.coord = coordinator.New(coordinator.Options{Orders: repos, Now: func() time.Time { return testNow }})
	r.monitor, err = New(Options{
		Broker:      r.broker,
		Coordinator: r.coord,
		Sells:       r.sells,
		Repos:       repos,
		Breaker:     breaker,
		Now:         func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return r
}

func (r *rig) saveBuy(t *testing.T, id, sym string, qty int, price float64, status store.OrderStatus, reentry bool) {
	t.Helper()
	require.NoError(t, r.repos.SaveOrder(context.Background(), &store.OrderRecord{
		BrokerOrderID: id, Symbol: sym, Side: "BUY", Quantity: qty, Price: price, Status: status, IsReentry: reentry,
	}))
}

func TestLoadPendingBuyOrders(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B1", "RELIANCE", 5, 2300, store.OrderStatusAMO, true)
	r.saveBuy(t, "B2", "TCS", 2, 3500, store.OrderStatusOpen, false)
	r.saveBuy(t, "B3", "INFY", 4, 1400, store.OrderStatusClosed, false)
	require.NoError(t, r.repos.SaveOrder(ctx, &store.OrderRecord{BrokerOrderID: "S1", Symbol: "ITC", Side: "SELL", Quantity: 1, Status: store.OrderStatusAMO}))

	n, err := r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, r.monitor.PendingBuys(), 2)
	buys := r.coord.ActiveBuyOrders()
	require.Contains(t, buys, "B1")
	assert.Equal(t, 2300.0, buys["B1"].OriginalPrice)
	assert.Equal(t, true, buys["B1"].Extra["is_reentry"])

	n, err = r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReentryExecutionMergesPositionAndGrowsSell(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	pos := &store.PositionRecord{Symbol: "RELIANCE", Quantity: 10, AvgPrice: 2400, OpenedAt: testNow.AddDate(0, 0, -5)}
	require.NoError(t, r.repos.SavePosition(ctx, pos))
	require.True(t, r.coord.RegisterSellOrder(ctx, "RELIANCE-EQ", "S1", 2500, 10, "", nil))
	r.saveBuy(t, "B1", "RELIANCE", 5, 2300, store.OrderStatusAMO, true)
	_, err := r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)

	r.sells.On("IncreaseSellQuantity", mock.Anything, "RELIANCE", 15).Return(true, nil).Once()

	stats := r.monitor.CheckBuyOrderStatus(ctx, []order.Order{
		{OrderID: "B1", Symbol: "RELIANCE-EQ", Side: order.SideBuy, Status: order.StatusComplete, Quantity: 5, FilledQty: 5, Price: 2300, AvgPrice: 2300},
	})
	assert.Equal(t, 1, stats.Executed)
	assert.Zero(t, stats.Modified)

	got, err := r.repos.GetOpenPosition(ctx, "RELIANCE")
	require.NoError(t, err)
	assert.Equal(t, 15, got.Quantity)
	assert.InDelta(t, 2366.6667, got.AvgPrice, 0.0001)
	assert.Equal(t, 1, got.ReentryCount)
	require.Len(t, got.Reentries, 1)
	assert.Equal(t, "B1", got.Reentries[0].OrderID)
	assert.Equal(t, 5, got.Reentries[0].Quantity)

	rec, err := r.repos.GetOrder(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, store.OrderStatusOngoing, rec.Status)
	assert.Equal(t, 5, rec.ExecutedQty)
	assert.Empty(t, r.coord.ActiveBuyOrders())
	assert.Empty(t, r.monitor.PendingBuys())
	r.sells.AssertExpectations(t)
}

func TestPartialFillUsesReportedFilledQuantity(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B1", "ABC", 10, 100, store.OrderStatusAMO, false)
	_, err := r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)

	stats := r.monitor.CheckBuyOrderStatus(ctx, []order.Order{
		{OrderID: "B1", Symbol: "ABC-EQ", Side: order.SideBuy, Status: order.StatusComplete, Quantity: 10, FilledQty: 7, Price: 100, AvgPrice: 99.8},
	})
	assert.Equal(t, 1, stats.Executed)
	pos, err := r.repos.GetOpenPosition(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, 7, pos.Quantity)
	assert.Equal(t, 99.8, pos.AvgPrice)
	assert.Zero(t, pos.ReentryCount)
	r.broker.AssertNotCalled(t, "GetHoldings", mock.Anything)
}

func TestMissingFromReportFallsBackToHistory(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B2", "XYZ", 6, 50, store.OrderStatusAMO, false)
	_, err := r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)

	t0 := testNow.Add(-time.Hour)
	r.broker.On("GetOrderHistory", mock.Anything, "B2").Return([]order.Order{
		{OrderID: "B2", Status: order.StatusOpen, Timestamp: t0},
		{OrderID: "B2", Status: order.StatusComplete, FilledQty: 3, AvgPrice: 49.5, Timestamp: t0.Add(time.Minute)},
	}, nil).Once()

	stats := r.monitor.CheckBuyOrderStatus(ctx, nil)
	assert.Equal(t, 1, stats.Executed)
	pos, err := r.repos.GetOpenPosition(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, 3, pos.Quantity)
	assert.Equal(t, 49.5, pos.AvgPrice)
	r.broker.AssertExpectations(t)
}

func TestHoldingsFallbackWhenNoFillReported(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B3", "ABC", 6, 20, store.OrderStatusAMO, false)
	_, err := r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)

	r.broker.On("GetOrderHistory", mock.Anything, "B3").Return([]order.Order{
		{OrderID: "B3", Status: order.StatusComplete, Timestamp: testNow},
	}, nil).Once()
	r.broker.On("GetHoldings", mock.Anything).Return([]exchange.Holding{{Symbol: "ABC-EQ", Quantity: 4}}, nil).Once()

	stats := r.monitor.CheckBuyOrderStatus(ctx, nil)
	assert.Equal(t, 1, stats.Executed)
	pos, err := r.repos.GetOpenPosition(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, 4, pos.Quantity)
	assert.Equal(t, 20.0, pos.AvgPrice)
	r.broker.AssertExpectations(t)
}

func TestRejectedAndCancelledBuys(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B4", "AAA", 1, 10, store.OrderStatusAMO, false)
	r.saveBuy(t, "B5", "BBB", 1, 10, store.OrderStatusAMO, false)
	r.saveBuy(t, "B6", "CCC", 1, 10, store.OrderStatusAMO, false)
	_, err := r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)

	stats := r.monitor.CheckBuyOrderStatus(ctx, []order.Order{
		{OrderID: "B4", Symbol: "AAA-EQ", Side: order.SideBuy, Status: order.StatusRejected, Quantity: 1, Price: 10, RejectionReason: "RMS: insufficient funds"},
		{OrderID: "B5", Symbol: "BBB-EQ", Side: order.SideBuy, Status: order.StatusCancelled, Quantity: 1, Price: 10, RejectionReason: "Cancelled by user"},
		{OrderID: "B6", Symbol: "CCC-EQ", Side: order.SideBuy, Status: order.StatusOpen, Quantity: 1, Price: 10},
	})
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.Pending)

	b4, err := r.repos.GetOrder(ctx, "B4")
	require.NoError(t, err)
	assert.Equal(t, store.OrderStatusRejected, b4.Status)
	assert.Equal(t, "RMS: insufficient funds", b4.Reason)
	b5, err := r.repos.GetOrder(ctx, "B5")
	require.NoError(t, err)
	assert.Equal(t, store.OrderStatusCancelled, b5.Status)
	assert.Contains(t, b5.Reason, "cancelled manually")

	pending := r.monitor.PendingBuys()
	assert.Len(t, pending, 1)
	assert.Contains(t, pending, "B6")
	assert.Len(t, r.coord.ActiveBuyOrders(), 1)
}

func TestManualModificationUpdatesTrackedBuy(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B7", "DDD", 10, 100, store.OrderStatusAMO, false)
	_, err := r.monitor.LoadPendingBuyOrders(ctx)
	require.NoError(t, err)

	stats := r.monitor.CheckBuyOrderStatus(ctx, []order.Order{
		{OrderID: "B7", Symbol: "DDD-EQ", Side: order.SideBuy, Status: order.StatusOpen, Quantity: 12, Price: 98.5},
	})
	assert.Equal(t, 1, stats.Modified)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 12, r.monitor.PendingBuys()["B7"].Quantity)
	rec, err := r.repos.GetOrder(ctx, "B7")
	require.NoError(t, err)
	assert.Equal(t, 12, rec.Quantity)
	assert.Equal(t, 98.5, rec.Price)
}

func TestRunCycleSharesOneOrderFetch(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	orders := []order.Order{{OrderID: "X", Symbol: "ZZZ-EQ", Side: order.SideSell, Status: order.StatusOpen}}
	r.broker.On("GetOrders", mock.Anything).Return(orders, nil).Once()
	r.sells.On("RunCycle", mock.Anything, orders).Return(sellengine.CycleStats{Tracked: 3, Updated: 1}).Once()

	rep, err := r.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Orders)
	assert.Equal(t, 3, rep.Sells.Tracked)
	assert.NotEmpty(t, rep.TraceID)

	last, ok := r.monitor.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.TraceID, last.TraceID)
	r.broker.AssertExpectations(t)
	r.sells.AssertExpectations(t)
}

func TestRunCycleBreakerStopsHammering(t *testing.T) {
	r := newRig(t, circuit.New("broker", 2, time.Hour))
	ctx := context.Background()
	r.broker.On("GetOrders", mock.Anything).Return(nil, errors.New("gateway timeout")).Times(2)

	_, err := r.monitor.RunCycle(ctx)
	assert.Error(t, err)
	_, err = r.monitor.RunCycle(ctx)
	assert.Error(t, err)
	rep, err := r.monitor.RunCycle(ctx)
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.Equal(t, circuit.ErrOpen.Error(), rep.Err)

	r.broker.AssertNumberOfCalls(t, "GetOrders", 2)
	r.sells.AssertNotCalled(t, "RunCycle", mock.Anything, mock.Anything)
}

func TestSyncedBuyFromJournalIsBooked(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B9", "EEE", 4, 75, store.OrderStatusPending, false)

	report := []order.Order{{OrderID: "B9", Symbol: "EEE-EQ", Side: order.SideBuy, Status: order.StatusComplete, Quantity: 4, FilledQty: 4, AvgPrice: 74.9}}
	r.monitor.applySellSync(ctx, report, coordinator.SyncResult{
		BuysExecuted: []coordinator.Fill{{Symbol: "EEE", OrderID: "B9", Price: 74.9, Quantity: 4}},
	}, &BuyStats{})

	pos, err := r.repos.GetOpenPosition(ctx, "EEE")
	require.NoError(t, err)
	assert.Equal(t, 4, pos.Quantity)
	assert.Equal(t, 74.9, pos.AvgPrice)

	// 已经入账的不再重复
	stats := &BuyStats{}
	r.monitor.applySellSync(ctx, report, coordinator.SyncResult{
		BuysExecuted: []coordinator.Fill{{Symbol: "EEE", OrderID: "B9", Price: 74.9, Quantity: 4}},
	}, stats)
	assert.Zero(t, stats.Executed)
	pos, err = r.repos.GetOpenPosition(ctx, "EEE")
	require.NoError(t, err)
	assert.Equal(t, 4, pos.Quantity)
}

func TestSyncedBuyResolvesFilledQuantity(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B10", "FFF", 10, 50, store.OrderStatusPending, false)

	// 回报里没有成交数量，成交量取自订单历史而不是委托数量
	report := []order.Order{{OrderID: "B10", Symbol: "FFF-EQ", Side: order.SideBuy, Status: order.StatusComplete, Quantity: 10, AvgPrice: 49.9}}
	r.broker.On("GetOrderHistory", mock.Anything, "B10").Return([]order.Order{
		{OrderID: "B10", Status: order.StatusComplete, FilledQty: 6, AvgPrice: 49.9, Timestamp: testNow},
	}, nil).Once()

	stats := &BuyStats{}
	r.monitor.applySellSync(ctx, report, coordinator.SyncResult{
		BuysExecuted: []coordinator.Fill{{Symbol: "FFF", OrderID: "B10", Price: 49.9, Quantity: 10}},
	}, stats)
	assert.Equal(t, 1, stats.Executed)

	pos, err := r.repos.GetOpenPosition(ctx, "FFF")
	require.NoError(t, err)
	assert.Equal(t, 6, pos.Quantity)
	rec, err := r.repos.GetOrder(ctx, "B10")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.ExecutedQty)
	r.broker.AssertExpectations(t)
	r.broker.AssertNotCalled(t, "GetHoldings", mock.Anything)
}

func TestSyncedBuyFallsBackToHoldings(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.saveBuy(t, "B11", "GGG", 8, 30, store.OrderStatusPending, false)

	r.broker.On("GetOrderHistory", mock.Anything, "B11").Return(nil, errors.New("history endpoint down")).Once()
	r.broker.On("GetHoldings", mock.Anything).Return([]exchange.Holding{{Symbol: "GGG-EQ", Quantity: 5}}, nil).Once()

	stats := &BuyStats{}
	r.monitor.applySellSync(ctx, []order.Order{
		{OrderID: "B11", Symbol: "GGG-EQ", Side: order.SideBuy, Status: order.StatusComplete, Quantity: 8},
	}, coordinator.SyncResult{
		BuysExecuted: []coordinator.Fill{{Symbol: "GGG", OrderID: "B11", Price: 30, Quantity: 8}},
	}, stats)
	assert.Equal(t, 1, stats.Executed)
	pos, err := r.repos.GetOpenPosition(ctx, "GGG")
	require.NoError(t, err)
	assert.Equal(t, 5, pos.Quantity)
	r.broker.AssertExpectations(t)
}
