package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"neotrader/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "db", "neotrader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOrderUpsertAndStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &store.OrderRecord{BrokerOrderID: "B1", Symbol: "reliance", Side: "buy", Quantity: 10, Price: 2400, Status: store.OrderStatusAMO,
		Metadata: map[string]any{"source": "amo"}}
	require.NoError(t, s.SaveOrder(ctx, rec))
	assert.NotZero(t, rec.ID)

	rec.Price = 2390
	require.NoError(t, s.SaveOrder(ctx, rec))

	got, err := s.GetOrder(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", got.Symbol)
	assert.Equal(t, "BUY", got.Side)
	assert.Equal(t, 2390.0, got.Price)
	assert.Equal(t, "amo", got.Metadata["source"])

	pending, err := s.ListOrders(ctx, "BUY", store.OrderStatusAMO, store.OrderStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, s.MarkOrderExecuted(ctx, "B1", 7, 2391.5))
	got, err = s.GetOrder(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, store.OrderStatusOngoing, got.Status)
	assert.Equal(t, 7, got.ExecutedQty)

	require.NoError(t, s.PatchOrderTerms(ctx, "B1", 12, 2380))
	require.NoError(t, s.UpdateOrderStatus(ctx, "B1", store.OrderStatusCancelled, "manual"))
	got, _ = s.GetOrder(ctx, "B1")
	assert.Equal(t, 12, got.Quantity)
	assert.Equal(t, "manual", got.Reason)

	_, err = s.GetOrder(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(s.UpdateOrderStatus(ctx, "missing", store.OrderStatusClosed, ""), store.ErrNotFound))
}

func TestPendingReentries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, &store.OrderRecord{BrokerOrderID: "R1", Symbol: "TCS", Side: "BUY", IsReentry: true, Status: store.OrderStatusPending}))
	require.NoError(t, s.SaveOrder(ctx, &store.OrderRecord{BrokerOrderID: "R2", Symbol: "TCS", Side: "BUY", IsReentry: true, Status: store.OrderStatusClosed}))
	require.NoError(t, s.SaveOrder(ctx, &store.OrderRecord{BrokerOrderID: "N1", Symbol: "TCS", Side: "BUY", Status: store.OrderStatusPending}))

	got, err := s.ListPendingReentries(ctx, "tcs")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "R1", got[0].BrokerOrderID)
}

func TestPositionLedgers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	pos := &store.PositionRecord{Symbol: "INFY", Quantity: 10, AvgPrice: 1500,
		PartialExits: []store.PartialExit{{OrderIDs: []string{"S1"}, Quantity: 2, Price: 1520, Source: "manual", At: at}}}
	require.NoError(t, s.SavePosition(ctx, pos))

	got, err := s.GetOpenPosition(ctx, "INFY")
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	assert.True(t, got.HasExitOrder("S1"))
	assert.False(t, got.HasExitOrder("S2"))

	closed := at.Add(time.Hour)
	got.ClosedAt = &closed
	got.Quantity = 0
	require.NoError(t, s.SavePosition(ctx, &got))
	_, err = s.GetOpenPosition(ctx, "INFY")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	open, err := s.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCircuitWaitLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCircuitWait(ctx, store.CircuitWait{Symbol: "ABC", OrderID: "O1", Upper: 33.51, Lower: 30.32, EMA9Target: 34.65,
		Snapshot: map[string]any{"qty": 5}}))
	require.NoError(t, s.SaveCircuitWait(ctx, store.CircuitWait{Symbol: "ABC", OrderID: "O2", Upper: 33.6, Lower: 30.4, EMA9Target: 34.65}))

	waits, err := s.ListCircuitWaits(ctx)
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, "O2", waits[0].OrderID)
	assert.Equal(t, 33.6, waits[0].Upper)

	require.NoError(t, s.MarkCircuitRetried(ctx, "ABC", "O3"))
	waits, err = s.ListCircuitWaits(ctx)
	require.NoError(t, err)
	assert.Empty(t, waits)
}

func TestForcedExitOncePerDay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordForcedExit(ctx, store.ForcedExit{Symbol: "SBIN", TradeDate: "2026-10-16", Status: store.ForcedExitFailed}))
	require.NoError(t, s.RecordForcedExit(ctx, store.ForcedExit{Symbol: "SBIN", TradeDate: "2026-10-16", Status: store.ForcedExitConverted, OrderID: "M1"}))
	require.NoError(t, s.RecordForcedExit(ctx, store.ForcedExit{Symbol: "SBIN", TradeDate: "2026-10-17", Status: store.ForcedExitConverted}))

	got, err := s.ListForcedExits(ctx, "2026-10-16")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, store.ForcedExitConverted, got[0].Status)
	assert.Equal(t, "M1", got[0].OrderID)
}
