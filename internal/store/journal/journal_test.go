package journal

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

func openTestJournal(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPendingLifecycle(t *testing.T) {
	s := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPending(ctx, store.PendingOrder{OrderID: "S1", Symbol: "reliance", Side: "sell", Quantity: 10, Price: 2505,
		Ticker: "RELIANCE.NS", PlacedSymbol: "RELIANCE-EQ", Exchange: "NSE", Extra: map[string]any{"ema9": 2505.2}}))
	require.NoError(t, s.UpsertPending(ctx, store.PendingOrder{OrderID: "B1", Symbol: "TCS", Side: "BUY", Quantity: 5, Price: 3500}))

	sells, err := s.ListPending(ctx, "SELL")
	require.NoError(t, err)
	require.Len(t, sells, 1)
	assert.Equal(t, "RELIANCE", sells[0].Symbol)
	assert.Equal(t, "RELIANCE-EQ", sells[0].PlacedSymbol)
	assert.Equal(t, 2505.2, sells[0].Extra["ema9"])

	all, err := s.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.UpdatePendingStatus(ctx, "S1", store.PendingStatusExecuted, ""))
	sells, err = s.ListPending(ctx, "SELL")
	require.NoError(t, err)
	assert.Empty(t, sells)

	err = s.UpdatePendingStatus(ctx, "missing", store.PendingStatusRemoved, "gone")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCloseTradePatchesOpenEntry(t *testing.T) {
	s := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEntry(ctx, store.TradeRecord{Symbol: "RELIANCE", EntryOrderID: "B1", Quantity: 10, EntryPrice: 2400}))
	at := time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC)
	tr, err := s.CloseTrade(ctx, store.TradeExit{Symbol: "reliance", OrderID: "S1", Price: 2505, At: at, Reason: "EMA9_TARGET"})
	require.NoError(t, err)
	assert.Equal(t, store.TradeStatusClosed, tr.Status)
	assert.Equal(t, 2505.0, tr.ExitPrice)
	assert.Equal(t, 10, tr.Quantity)
	assert.InDelta(t, 1050.0, tr.PnL, 1e-9)
	assert.InDelta(t, 4.38, tr.PnLPct, 1e-9)

	trades, err := s.ListTrades(ctx, "RELIANCE", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "S1", trades[0].ExitOrderID)
	assert.Equal(t, "B1", trades[0].EntryOrderID)
	assert.True(t, trades[0].ExitTime.Equal(at))
}

func TestReentryFoldedIntoOpenTrade(t *testing.T) {
	s := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEntry(ctx, store.TradeRecord{Symbol: "SBIN", EntryOrderID: "B1", Quantity: 10, EntryPrice: 100}))
	require.NoError(t, s.RecordEntry(ctx, store.TradeRecord{Symbol: "SBIN", EntryOrderID: "B2", Quantity: 5, EntryPrice: 80}))

	trades, err := s.ListTrades(ctx, "SBIN", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 15, trades[0].Quantity)
	assert.InDelta(t, 93.3333, trades[0].EntryPrice, 1e-9)
	assert.Equal(t, "B1", trades[0].EntryOrderID)

	tr, err := s.CloseTrade(ctx, store.TradeExit{Symbol: "SBIN", OrderID: "S1", Price: 120, Quantity: 15})
	require.NoError(t, err)
	assert.Equal(t, 15, tr.Quantity)
	assert.InDelta(t, 400.0, tr.PnL, 1e-9)
	assert.InDelta(t, 28.57, tr.PnLPct, 1e-9)

	trades, err = s.ListTrades(ctx, "SBIN", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, store.TradeStatusClosed, trades[0].Status)
}

func TestCloseTradeMergesEveryOpenRow(t *testing.T) {
	s := openTestJournal(t)
	ctx := context.Background()

	// 旧版本每笔买入各写一行
	for _, e := range []struct {
		id    string
		qty   int
		price float64
	}{{"B1", 10, 100}, {"B2", 5, 80}} {
		_, err := s.db.ExecContext(ctx, `INSERT INTO trades(symbol, entry_order_id, quantity, entry_price, entry_time, status) VALUES (?, ?, ?, ?, ?, ?)`,
			"SBIN", e.id, e.qty, e.price, time.Now().UnixMilli(), store.TradeStatusOpen)
		require.NoError(t, err)
	}

	tr, err := s.CloseTrade(ctx, store.TradeExit{Symbol: "SBIN", OrderID: "S1", Price: 120})
	require.NoError(t, err)
	assert.Equal(t, 15, tr.Quantity)
	assert.InDelta(t, 93.3333, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 400.0, tr.PnL, 1e-9)

	trades, err := s.ListTrades(ctx, "SBIN", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, store.TradeStatusClosed, trades[0].Status)
	assert.Equal(t, "B1", trades[0].EntryOrderID)
}

func TestNewEntryAfterCloseOpensFreshTrade(t *testing.T) {
	s := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEntry(ctx, store.TradeRecord{Symbol: "ITC", EntryOrderID: "B1", Quantity: 4, EntryPrice: 400}))
	_, err := s.CloseTrade(ctx, store.TradeExit{Symbol: "ITC", OrderID: "S1", Price: 410})
	require.NoError(t, err)
	require.NoError(t, s.RecordEntry(ctx, store.TradeRecord{Symbol: "ITC", EntryOrderID: "B2", Quantity: 2, EntryPrice: 395}))

	trades, err := s.ListTrades(ctx, "ITC", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	var open int
	for _, tr := range trades {
		if tr.Status == store.TradeStatusOpen {
			open++
			assert.Equal(t, 395.0, tr.EntryPrice)
		}
	}
	assert.Equal(t, 1, open)
}

func TestCloseTradeWithoutEntryAppends(t *testing.T) {
	s := openTestJournal(t)
	ctx := context.Background()

	tr, err := s.CloseTrade(ctx, store.TradeExit{Symbol: "INFY", OrderID: "S9", Price: 1500, Quantity: 3})
	require.NoError(t, err)
	assert.NotZero(t, tr.ID)
	assert.Equal(t, store.TradeStatusClosed, tr.Status)

	trades, err := s.ListTrades(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 1500.0, trades[0].ExitPrice)
	assert.True(t, trades[0].EntryTime.IsZero())
}

func TestRecordFailed(t *testing.T) {
	s := openTestJournal(t)
	ctx := context.Background()
	require.NoError(t, s.RecordFailed(ctx, store.FailedOrder{Symbol: "abc", Side: "sell", Reason: "RMS:circuit", Payload: map[string]any{"qty": 3}}))
	n, err := s.CountFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClosedStoreErrors(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "j.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.ListPending(context.Background(), "")
	assert.Error(t, err)
}
