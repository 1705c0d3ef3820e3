package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"bybit-trader/internal/models"
)

// SQLiteJournal implements Journal using SQLite. Times are stored as unix
// milliseconds.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens or creates the journal at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (symbol, timeframe, open_time)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		client_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL,
		trigger_price REAL,
		reduce_only INTEGER DEFAULT 0,
		time_in_force TEXT,
		status TEXT NOT NULL,
		filled_qty REAL,
		avg_price REAL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_symbol_updated ON orders(symbol, updated_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// SaveCandles upserts closed candles.
func (j *SQLiteJournal) SaveCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, c.Symbol, string(c.Timeframe), c.OpenTime.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return fmt.Errorf("failed to insert candle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetCandles returns candles opening within [from, to], oldest first.
func (j *SQLiteJournal) GetCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, symbol, string(tf), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		c := models.Candle{Symbol: symbol, Timeframe: tf, Closed: true}
		var openMs int64
		if err := rows.Scan(&openMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.OpenTime = time.UnixMilli(openMs).UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}
	return candles, nil
}

// LatestCandle returns the open time of the newest journaled candle, or the
// zero time when none exist.
func (j *SQLiteJournal) LatestCandle(ctx context.Context, symbol string, tf models.Timeframe) (time.Time, error) {
	var openMs sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT MAX(open_time) FROM candles WHERE symbol = ? AND timeframe = ?
	`, symbol, string(tf)).Scan(&openMs)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("failed to get latest candle: %w", err)
	}
	if !openMs.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(openMs.Int64).UTC(), nil
}

// RecordOrder upserts an order by exchange id.
func (j *SQLiteJournal) RecordOrder(ctx context.Context, o models.Order) error {
	reduceOnly := 0
	if o.ReduceOnly {
		reduceOnly = 1
	}
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = updated
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (id, client_id, symbol, side, type, qty, price, trigger_price,
			reduce_only, time_in_force, status, filled_qty, avg_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ClientID, o.Symbol, string(o.Side), string(o.Type), o.Qty, o.Price, o.TriggerPrice,
		reduceOnly, string(o.TimeInForce), string(o.Status), o.FilledQty, o.AvgPrice,
		created.UnixMilli(), updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}
	return nil
}

// GetOrders returns journaled orders, newest first.
func (j *SQLiteJournal) GetOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := `
		SELECT id, client_id, symbol, side, type, qty, price, trigger_price, reduce_only,
			time_in_force, status, filled_qty, avg_price, created_at, updated_at
		FROM orders
	`
	var conditions []string
	var args []interface{}

	if filter.Symbol != "" {
		conditions = append(conditions, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var clientID, tif sql.NullString
		var side, typ, status string
		var reduceOnly int
		var createdMs, updatedMs int64
		if err := rows.Scan(&o.ID, &clientID, &o.Symbol, &side, &typ, &o.Qty, &o.Price, &o.TriggerPrice,
			&reduceOnly, &tif, &status, &o.FilledQty, &o.AvgPrice, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.ClientID = clientID.String
		o.Side = models.Side(side)
		o.Type = models.OrderType(typ)
		o.TimeInForce = models.TimeInForce(tif.String)
		o.Status = models.OrderStatus(status)
		o.ReduceOnly = reduceOnly == 1
		o.CreatedAt = time.UnixMilli(createdMs).UTC()
		o.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

var _ Journal = (*SQLiteJournal)(nil)
