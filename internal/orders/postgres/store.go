// Package postgres is an orders.Repository backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

const uniqueViolation = "23505"

// Store persists orders in the orders and order_history tables.
type Store struct {
	db      *sql.DB
	logger  *zap.Logger
	nowFunc func() time.Time
}

var _ orders.Repository = (*Store)(nil)

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, nowFunc: time.Now}
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *Store) Create(ctx context.Context, order orders.Order) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	shipping, err := marshalNullable(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}
	billing, err := marshalNullable(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("marshal billing address: %w", err)
	}

	query := `
		INSERT INTO orders (order_id, customer_id, items, total_amount, customer_email,
			shipping_address, billing_address, status, version, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '', $9, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		order.OrderID, order.CustomerID, items, order.TotalAmount, order.CustomerEmail,
		shipping, billing, string(orders.StatusPending), order.CreatedAt)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return orders.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create order %s: %w", order.OrderID, err)
	}
	return nil
}

// Get reads the row and its history from one snapshot, so the version
// always matches the number of history entries.
func (s *Store) Get(ctx context.Context, orderID string) (*orders.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	o, err := s.getRow(ctx, tx, orderID, false)
	if err != nil {
		return nil, err
	}
	history, err := s.loadHistory(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	o.History = history
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit read of %s: %w", orderID, err)
	}
	return o, nil
}

// UpdateStatus locks the row, checks version and transition, then writes the
// new status and its history row in one transaction.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, expectedVersion int64, newStatus orders.Status, detail string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("rollback failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}()

	current, err := s.getRow(ctx, tx, orderID, true)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, orders.ErrVersionConflict
	}
	if !orders.CanTransition(current.Status, newStatus) {
		return 0, orders.ErrInvalidTransition
	}

	now := s.nowFunc().UTC()
	next := expectedVersion + 1
	errorDetail := current.ErrorDetail
	if newStatus == orders.StatusFailed {
		errorDetail = detail
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, version = $2, error_detail = $3, updated_at = $4
		WHERE order_id = $5 AND version = $6
	`, string(newStatus), next, errorDetail, now, orderID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update order %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, orders.ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_history (order_id, seq, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, orderID, next, string(current.Status), string(newStatus), detail, now)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, orders.ErrVersionConflict
		}
		return 0, fmt.Errorf("insert history for %s: %w", orderID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Store) ListByCustomer(ctx context.Context, customerID string, limit int) ([]orders.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectOrder+`
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders for customer %s: %w", customerID, err)
	}
	return s.collect(ctx, rows)
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]orders.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectOrder+`
		WHERE status NOT IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, string(orders.StatusCompleted), string(orders.StatusFailed), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	return s.collect(ctx, rows)
}

const selectOrder = `
	SELECT order_id, customer_id, items, total_amount, customer_email,
		shipping_address, billing_address, status, version, error_detail, created_at, updated_at
	FROM orders`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) getRow(ctx context.Context, q querier, orderID string, forUpdate bool) (*orders.Order, error) {
	query := selectOrder + ` WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orders.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *Store) loadHistory(ctx context.Context, q querier, orderID string) ([]orders.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT from_status, to_status, detail, created_at
		FROM order_history
		WHERE order_id = $1
		ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", orderID, err)
	}
	defer rows.Close()

	history := []orders.HistoryEntry{}
	for rows.Next() {
		var h orders.HistoryEntry
		var from, to string
		if err := rows.Scan(&from, &to, &h.Detail, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.FromStatus, h.ToStatus = orders.Status(from), orders.Status(to)
		h.Timestamp = h.Timestamp.UTC()
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s *Store) collect(ctx context.Context, rows *sql.Rows) ([]orders.Order, error) {
	var list []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		list = append(list, *o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range list {
		h, err := s.loadHistory(ctx, s.db, list[i].OrderID)
		if err != nil {
			return nil, err
		}
		list[i].History = h
	}
	return list, nil
}

func scanOrder(row scanner) (*orders.Order, error) {
	var (
		o                        orders.Order
		items, shipping, billing []byte
		status                   string
	)
	err := row.Scan(&o.OrderID, &o.CustomerID, &items, &o.TotalAmount, &o.CustomerEmail,
		&shipping, &billing, &status, &o.Version, &o.ErrorDetail, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = orders.Status(status)
	o.CreatedAt, o.UpdatedAt = o.CreatedAt.UTC(), o.UpdatedAt.UTC()
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
	}
	if len(billing) > 0 {
		if err := json.Unmarshal(billing, &o.BillingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal billing address: %w", err)
		}
	}
	o.History = []orders.HistoryEntry{}
	return &o, nil
}

func marshalNullable(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
