package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "zerodha-rebalancer/internal/errors"
	"zerodha-rebalancer/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per logical order; retries reuse the row
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		shares INTEGER NOT NULL,
		reference_price REAL NOT NULL,
		session_type TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		broker_order_id TEXT,
		failure_reason TEXT,
		filled_quantity INTEGER NOT NULL DEFAULT 0,
		average_price REAL NOT NULL DEFAULT 0,
		cancelled_by_user INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Each broker submission of an order
	CREATE TABLE IF NOT EXISTS order_attempts (
		order_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		broker_order_id TEXT,
		quantity INTEGER NOT NULL,
		filled_quantity INTEGER NOT NULL DEFAULT 0,
		average_price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		failure_reason TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		PRIMARY KEY (order_id, number),
		FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
	);

	-- Universe each account was last built against
	CREATE TABLE IF NOT EXISTS applied_universe (
		account TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		symbols TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	);

	-- Investment and rebalancing cycle history
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		session_type TEXT NOT NULL,
		universe_hash TEXT,
		order_count INTEGER NOT NULL,
		buy_value REAL NOT NULL,
		sell_value REAL NOT NULL,
		extra_cash REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_account_status ON orders(account, status);
	CREATE INDEX IF NOT EXISTS idx_orders_account_created ON orders(account, created_at);
	CREATE INDEX IF NOT EXISTS idx_cycles_account_created ON cycles(account, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Orders Methods
// ============================================================================

const orderColumns = `id, account, symbol, side, shares, reference_price, session_type, status, retry_count,
	broker_order_id, failure_reason, filled_quantity, average_price, cancelled_by_user, created_at, updated_at`

// SaveOrders inserts new orders and their attempts in one transaction.
func (s *SQLiteStore) SaveOrders(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range orders {
		o := &orders[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.ID, o.Account, o.Symbol, o.Side, o.Shares, o.ReferencePrice, o.SessionType, o.Status, o.RetryCount,
			nullString(o.BrokerOrderID), nullString(o.FailureReason), o.FilledQuantity, o.AveragePrice,
			boolToInt(o.CancelledByUser), o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
		if err := insertAttempts(ctx, tx, o); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit orders: %w", err)
	}
	return nil
}

// UpdateOrder rewrites an order's mutable fields and its attempt list.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, retry_count = ?, broker_order_id = ?, failure_reason = ?,
			filled_quantity = ?, average_price = ?, cancelled_by_user = ?, updated_at = ?
		WHERE id = ?
	`, o.Status, o.RetryCount, nullString(o.BrokerOrderID), nullString(o.FailureReason),
		o.FilledQuantity, o.AveragePrice, boolToInt(o.CancelledByUser), o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, o.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_attempts WHERE order_id = ?`, o.ID); err != nil {
		return fmt.Errorf("failed to clear order attempts: %w", err)
	}
	if err := insertAttempts(ctx, tx, o); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order update: %w", err)
	}
	return nil
}

func insertAttempts(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	for _, a := range o.Attempts {
		var finished sql.NullTime
		if a.FinishedAt != nil {
			finished = sql.NullTime{Time: *a.FinishedAt, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_attempts (order_id, number, broker_order_id, quantity, filled_quantity,
				average_price, status, failure_reason, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.ID, a.Number, nullString(a.BrokerOrderID), a.Quantity, a.FilledQuantity,
			a.AveragePrice, a.Status, nullString(a.FailureReason), a.StartedAt, finished)
		if err != nil {
			return fmt.Errorf("failed to save attempt %d of order %s: %w", a.Number, o.ID, err)
		}
	}
	return nil
}

// GetOrder retrieves one order with its attempts.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if err := s.loadAttempts(ctx, []*models.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders retrieves orders matching filter, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []interface{}{}

	if filter.Account != "" {
		query += " AND account = ?"
		args = append(args, filter.Account)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.SessionType != "" {
		query += " AND session_type = ?"
		args = append(args, filter.SessionType)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}

	query += " ORDER BY created_at ASC, symbol ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	rows.Close()

	if err := s.loadAttempts(ctx, orders); err != nil {
		return nil, err
	}

	result := make([]models.Order, len(orders))
	for i, o := range orders {
		result[i] = *o
	}
	return result, nil
}

// ListOrdersByStatus retrieves an account's orders in any of statuses.
func (s *SQLiteStore) ListOrdersByStatus(ctx context.Context, account string, statuses ...models.OrderStatus) ([]models.Order, error) {
	return s.ListOrders(ctx, OrderFilter{Account: account, Statuses: statuses})
}

func (s *SQLiteStore) loadAttempts(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	byID := make(map[string]*models.Order, len(orders))
	args := make([]interface{}, len(orders))
	for i, o := range orders {
		byID[o.ID] = o
		args[i] = o.ID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, number, broker_order_id, quantity, filled_quantity, average_price,
			status, failure_reason, started_at, finished_at
		FROM order_attempts WHERE order_id IN (`+placeholders(len(orders))+`)
		ORDER BY order_id, number
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query order attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var a models.OrderAttempt
		var brokerID, reason sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&orderID, &a.Number, &brokerID, &a.Quantity, &a.FilledQuantity, &a.AveragePrice,
			&a.Status, &reason, &a.StartedAt, &finished); err != nil {
			return fmt.Errorf("failed to scan order attempt: %w", err)
		}
		a.BrokerOrderID = brokerID.String
		a.FailureReason = reason.String
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		if o, ok := byID[orderID]; ok {
			o.Attempts = append(o.Attempts, a)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var brokerID, reason sql.NullString
	var cancelled int
	if err := row.Scan(&o.ID, &o.Account, &o.Symbol, &o.Side, &o.Shares, &o.ReferencePrice, &o.SessionType,
		&o.Status, &o.RetryCount, &brokerID, &reason, &o.FilledQuantity, &o.AveragePrice, &cancelled,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.BrokerOrderID = brokerID.String
	o.FailureReason = reason.String
	o.CancelledByUser = cancelled == 1
	return &o, nil
}

// ============================================================================
// Applied Universe Methods
// ============================================================================

// GetAppliedUniverse returns the last applied universe, or nil when the
// account has never been invested.
func (s *SQLiteStore) GetAppliedUniverse(ctx context.Context, account string) (*AppliedUniverse, error) {
	var a AppliedUniverse
	var symbolsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT account, hash, symbols, applied_at FROM applied_universe WHERE account = ?
	`, account).Scan(&a.Account, &a.Hash, &symbolsJSON, &a.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get applied universe: %w", err)
	}
	if err := json.Unmarshal([]byte(symbolsJSON), &a.Symbols); err != nil {
		return nil, fmt.Errorf("failed to decode applied universe symbols: %w", err)
	}
	return &a, nil
}

// SetAppliedUniverse records the universe an account now follows.
func (s *SQLiteStore) SetAppliedUniverse(ctx context.Context, a AppliedUniverse) error {
	symbols, err := json.Marshal(a.Symbols)
	if err != nil {
		return fmt.Errorf("failed to encode symbols: %w", err)
	}
	if a.AppliedAt.IsZero() {
		a.AppliedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO applied_universe (account, hash, symbols, applied_at)
		VALUES (?, ?, ?, ?)
	`, a.Account, a.Hash, string(symbols), a.AppliedAt)
	if err != nil {
		return fmt.Errorf("failed to set applied universe: %w", err)
	}
	return nil
}

// ============================================================================
// Cycle History Methods
// ============================================================================

// RecordCycle saves a cycle record.
func (s *SQLiteStore) RecordCycle(ctx context.Context, c *CycleRecord) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, account, session_type, universe_hash, order_count, buy_value, sell_value, extra_cash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Account, c.SessionType, c.UniverseHash, c.OrderCount, c.BuyValue, c.SellValue, c.ExtraCash, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}
	return nil
}

// ListCycles returns an account's most recent cycles, newest first.
func (s *SQLiteStore) ListCycles(ctx context.Context, account string, limit int) ([]CycleRecord, error) {
	query := `SELECT id, account, session_type, universe_hash, order_count, buy_value, sell_value, extra_cash, created_at
		FROM cycles WHERE account = ? ORDER BY created_at DESC`
	args := []interface{}{account}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []CycleRecord
	for rows.Next() {
		var c CycleRecord
		var hash sql.NullString
		if err := rows.Scan(&c.ID, &c.Account, &c.SessionType, &hash, &c.OrderCount, &c.BuyValue, &c.SellValue, &c.ExtraCash, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		c.UniverseHash = hash.String
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
