// Package journal keeps the file-backed order journal: pending orders keyed by broker
// order id, and the trade history (trades, failed_orders).
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"neotrader/internal/pkg/trading"
	"neotrader/internal/store"

	_ "modernc.org/sqlite"
)

// Store wraps a sqlite database for the journal tables.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ store.Journal = (*Store)(nil)

// Open opens or creates the sqlite database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Close closes the underlying db.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("journal 未初始化")
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS pending_orders (
		order_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER,
		price REAL,
		ticker TEXT,
		placed_symbol TEXT,
		exchange TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		extra_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_orders_status ON pending_orders(status, side);
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		entry_order_id TEXT,
		exit_order_id TEXT,
		quantity INTEGER,
		entry_price REAL,
		entry_time INTEGER,
		exit_price REAL,
		exit_time INTEGER,
		pnl REAL,
		pnl_pct REAL,
		status TEXT NOT NULL,
		exit_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, status);
	CREATE TABLE IF NOT EXISTS failed_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		order_id TEXT,
		side TEXT,
		reason TEXT,
		payload_json TEXT,
		created_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(stmt)
	return err
}

// UpsertPending records (or refreshes) an order the engine is tracking.
func (s *Store) UpsertPending(ctx context.Context, p store.PendingOrder) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.OrderID) == "" {
		return fmt.Errorf("order_id 必填")
	}
	now := s.now()
	if p.Status == "" {
		p.Status = store.PendingStatusPending
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO pending_orders(order_id, symbol, side, quantity, price, ticker, placed_symbol, exchange,
			status, reason, extra_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			symbol=excluded.symbol,
			side=excluded.side,
			quantity=excluded.quantity,
			price=excluded.price,
			ticker=excluded.ticker,
			placed_symbol=excluded.placed_symbol,
			exchange=excluded.exchange,
			status=excluded.status,
			reason=excluded.reason,
			extra_json=excluded.extra_json,
			updated_at=excluded.updated_at;
	`, p.OrderID, upper(p.Symbol), upper(p.Side), p.Quantity, nullIfZero(p.Price), nullIfEmpty(p.Ticker),
		nullIfEmpty(p.PlacedSymbol), nullIfEmpty(p.Exchange), p.Status, nullIfEmpty(p.Reason), jsonOrNil(p.Extra),
		now.UnixMilli(), now.UnixMilli())
	return err
}

func (s *Store) UpdatePendingStatus(ctx context.Context, orderID, status, reason string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE pending_orders SET status = ?, reason = COALESCE(?, reason), updated_at = ? WHERE order_id = ?`,
		status, nullIfEmpty(reason), s.now().UnixMilli(), orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListPending 返回仍处于 PENDING 的记录；side 为空表示不限。
func (s *Store) ListPending(ctx context.Context, side string) ([]store.PendingOrder, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	query := `SELECT order_id, symbol, side, quantity, price, ticker, placed_symbol, exchange, status, reason, extra_json, created_at, updated_at
		FROM pending_orders WHERE status = ?`
	args := []any{store.PendingStatusPending}
	if side = upper(side); side != "" {
		query += ` AND side = ?`
		args = append(args, side)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.PendingOrder
	for rows.Next() {
		var (
			p                                      store.PendingOrder
			qty                                    sql.NullInt64
			price                                  sql.NullFloat64
			ticker, placed, exch, reason, extraRaw sql.NullString
			created, updated                       int64
		)
		if err := rows.Scan(&p.OrderID, &p.Symbol, &p.Side, &qty, &price, &ticker, &placed, &exch, &p.Status, &reason, &extraRaw, &created, &updated); err != nil {
			return nil, err
		}
		p.Quantity = int(qty.Int64)
		p.Price = price.Float64
		p.Ticker = ticker.String
		p.PlacedSymbol = placed.String
		p.Exchange = exch.String
		p.Reason = reason.String
		if extraRaw.Valid && extraRaw.String != "" {
			_ = json.Unmarshal([]byte(extraRaw.String), &p.Extra)
		}
		p.CreatedAt = time.UnixMilli(created)
		p.UpdatedAt = time.UnixMilli(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordEntry appends an open trade. A fill on a symbol that already has an open trade
// (a reentry) is folded into that row at the weighted entry price.
func (s *Store) RecordEntry(ctx context.Context, tr store.TradeRecord) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if tr.EntryTime.IsZero() {
		tr.EntryTime = s.now()
	}
	sym := upper(tr.Symbol)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	open, err := openTrades(ctx, tx, sym)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trades(symbol, entry_order_id, quantity, entry_price, entry_time, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sym, nullIfEmpty(tr.EntryOrderID), tr.Quantity, tr.EntryPrice, tr.EntryTime.UnixMilli(), store.TradeStatusOpen)
	} else {
		var merged store.TradeRecord
		if merged, err = foldOpen(ctx, tx, open); err != nil {
			return err
		}
		merged.EntryPrice = trading.WeightedAverage(merged.Quantity, merged.EntryPrice, tr.Quantity, tr.EntryPrice)
		merged.Quantity += tr.Quantity
		_, err = tx.ExecContext(ctx, `UPDATE trades SET quantity = ?, entry_price = ? WHERE id = ?`,
			merged.Quantity, merged.EntryPrice, merged.ID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CloseTrade 平掉该代码所有未平仓交易：多行先按加权成本合并为最早一行，再补写出场字段与盈亏。
func (s *Store) CloseTrade(ctx context.Context, exit store.TradeExit) (store.TradeRecord, error) {
	db, err := s.handle()
	if err != nil {
		return store.TradeRecord{}, err
	}
	sym := upper(exit.Symbol)
	if exit.At.IsZero() {
		exit.At = s.now()
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return store.TradeRecord{}, err
	}
	defer tx.Rollback()
	open, err := openTrades(ctx, tx, sym)
	if err != nil {
		return store.TradeRecord{}, err
	}
	if len(open) == 0 {
		rec := store.TradeRecord{
			Symbol:      sym,
			ExitOrderID: exit.OrderID,
			Quantity:    exit.Quantity,
			ExitPrice:   exit.Price,
			ExitTime:    exit.At,
			Status:      store.TradeStatusClosed,
			ExitReason:  exit.Reason,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trades(symbol, exit_order_id, quantity, exit_price, exit_time, pnl, pnl_pct, status, exit_reason)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			sym, nullIfEmpty(exit.OrderID), exit.Quantity, exit.Price, exit.At.UnixMilli(), store.TradeStatusClosed, nullIfEmpty(exit.Reason))
		if err != nil {
			return store.TradeRecord{}, err
		}
		rec.ID, _ = res.LastInsertId()
		return rec, tx.Commit()
	}
	trade, err := foldOpen(ctx, tx, open)
	if err != nil {
		return store.TradeRecord{}, err
	}
	if exit.Quantity > 0 {
		trade.Quantity = exit.Quantity
	}
	trade.ExitOrderID = exit.OrderID
	trade.ExitPrice = exit.Price
	trade.ExitTime = exit.At
	trade.PnL, trade.PnLPct = trading.RealizedPnL(trade.EntryPrice, exit.Price, trade.Quantity)
	trade.Status = store.TradeStatusClosed
	trade.ExitReason = exit.Reason
	_, err = tx.ExecContext(ctx, `
		UPDATE trades SET exit_order_id = ?, quantity = ?, entry_price = ?, exit_price = ?, exit_time = ?, pnl = ?, pnl_pct = ?, status = ?, exit_reason = ?
		WHERE id = ?`,
		nullIfEmpty(trade.ExitOrderID), trade.Quantity, trade.EntryPrice, trade.ExitPrice, trade.ExitTime.UnixMilli(), trade.PnL, trade.PnLPct,
		trade.Status, nullIfEmpty(trade.ExitReason), trade.ID)
	if err != nil {
		return store.TradeRecord{}, err
	}
	return trade, tx.Commit()
}

// openTrades returns the open rows of a symbol, oldest first.
func openTrades(ctx context.Context, tx *sql.Tx, symbol string) ([]store.TradeRecord, error) {
	rows, err := tx.QueryContext(ctx, tradeColumns+` FROM trades WHERE symbol = ? AND status = ? ORDER BY id ASC`,
		symbol, store.TradeStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TradeRecord
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// foldOpen merges open rows into the oldest one at the weighted entry price and drops the rest.
func foldOpen(ctx context.Context, tx *sql.Tx, open []store.TradeRecord) (store.TradeRecord, error) {
	head := open[0]
	if len(open) == 1 {
		return head, nil
	}
	for _, tr := range open[1:] {
		head.EntryPrice = trading.WeightedAverage(head.Quantity, head.EntryPrice, tr.Quantity, tr.EntryPrice)
		head.Quantity += tr.Quantity
		if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE id = ?`, tr.ID); err != nil {
			return store.TradeRecord{}, err
		}
	}
	_, err := tx.ExecContext(ctx, `UPDATE trades SET quantity = ?, entry_price = ? WHERE id = ?`, head.Quantity, head.EntryPrice, head.ID)
	return head, err
}

// ListTrades 返回最近的交易，symbol 为空表示全部。
func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]store.TradeRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := tradeColumns + ` FROM trades`
	var args []any
	if sym := upper(symbol); sym != "" {
		query += ` WHERE symbol = ?`
		args = append(args, sym)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TradeRecord
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) RecordFailed(ctx context.Context, f store.FailedOrder) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	_, err = db.ExecContext(ctx, `INSERT INTO failed_orders(symbol, order_id, side, reason, payload_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		upper(f.Symbol), nullIfEmpty(f.OrderID), nullIfEmpty(upper(f.Side)), nullIfEmpty(f.Reason), jsonOrNil(f.Payload), f.CreatedAt.UnixMilli())
	return err
}

// CountFailed 返回 failed_orders 行数。
func (s *Store) CountFailed(ctx context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(1) FROM failed_orders`).Scan(&n)
	return n, err
}

const tradeColumns = `SELECT id, symbol, entry_order_id, exit_order_id, quantity, entry_price, entry_time, exit_price, exit_time, pnl, pnl_pct, status, exit_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(sc scanner) (store.TradeRecord, error) {
	var (
		tr                             store.TradeRecord
		entryID, exitID, reason        sql.NullString
		qty, entryTime, exitTime       sql.NullInt64
		entryPrice, exitPrice, pnl, pc sql.NullFloat64
	)
	if err := sc.Scan(&tr.ID, &tr.Symbol, &entryID, &exitID, &qty, &entryPrice, &entryTime, &exitPrice, &exitTime, &pnl, &pc, &tr.Status, &reason); err != nil {
		return store.TradeRecord{}, err
	}
	tr.EntryOrderID = entryID.String
	tr.ExitOrderID = exitID.String
	tr.Quantity = int(qty.Int64)
	tr.EntryPrice = entryPrice.Float64
	tr.ExitPrice = exitPrice.Float64
	tr.PnL = pnl.Float64
	tr.PnLPct = pc.Float64
	tr.ExitReason = reason.String
	if entryTime.Valid && entryTime.Int64 > 0 {
		tr.EntryTime = time.UnixMilli(entryTime.Int64)
	}
	if exitTime.Valid && exitTime.Int64 > 0 {
		tr.ExitTime = time.UnixMilli(exitTime.Int64)
	}
	return tr, nil
}

func nullIfZero(val float64) interface{} {
	if val == 0 {
		return nil
	}
	return val
}

func nullIfEmpty(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(v map[string]any) interface{} {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
