package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

type Store struct {
	db *sql.DB
}

var _ orders.Store = (*Store)(nil)

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct{ q querier }

func (s *Store) WithTx(ctx context.Context, fn func(orders.Tx) error) error {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(&tx{q: t}); err != nil {
		return err
	}
	return t.Commit()
}

// placeholders returns "?,?,?" for n args.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anys(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Products

const productCols = `id, name, price_cents, stock, sold, created_at, updated_at`

func scanProduct(sc interface{ Scan(...any) error }) (orders.Product, error) {
	var p orders.Product
	err := sc.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.Sold, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productCols+` FROM products ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Product{}, orders.ErrNoRows
	}
	return p, err
}

func (s *Store) UpsertProduct(ctx context.Context, p orders.Product) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price_cents, stock, sold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			price_cents = excluded.price_cents,
			stock = excluded.stock,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.PriceCents, p.Stock, p.Sold, now, now)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

// Orders

const orderCols = `id, external_id, user_id, status, payment_method, total_cents, created_at, updated_at`

func scanOrder(sc interface{ Scan(...any) error }) (orders.StoredOrder, error) {
	var (
		o          orders.StoredOrder
		externalID sql.NullString
		status     sql.NullString
	)
	err := sc.Scan(&o.ID, &externalID, &o.UserID, &status, &o.PaymentMethod, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.ExternalID = externalID.String
	if status.Valid {
		raw := status.String
		o.RawStatus = &raw
		o.Status = orders.Status(raw)
	}
	return o, nil
}

func (s *Store) listOrders(ctx context.Context, where string, args ...any) ([]orders.StoredOrder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderCols+` FROM orders `+where+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.StoredOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) ListOrders(ctx context.Context) ([]orders.StoredOrder, error) {
	return s.listOrders(ctx, "")
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]orders.StoredOrder, error) {
	return s.listOrders(ctx, "WHERE user_id = ?", userID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.StoredOrder, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return o, orders.ErrNoRows
	}
	return o, err
}

func (s *Store) FindOrderByExternalID(ctx context.Context, userID, externalID string) (orders.StoredOrder, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE user_id = ? AND external_id = ?`, userID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return o, orders.ErrNoRows
	}
	return o, err
}

func (s *Store) ListItems(ctx context.Context, orderIDs ...string) ([]orders.OrderItem, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, line_no, product_id, product_name, qty, price_cents
		FROM order_items WHERE order_id IN (`+placeholders(len(orderIDs))+`)
		ORDER BY order_id, line_no, id`, anys(orderIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.LineNo, &it.ProductID, &it.ProductName, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, id string, from, to orders.Status) (bool, error) {
	q := `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(to), time.Now().UTC(), id}
	if from != "" {
		q += ` AND status = ?`
		args = append(args, string(from))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) NormalizeStatus(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = 'pending'
		WHERE id = ? AND (status IS NULL OR status NOT IN (`+placeholders(len(orders.AllStatuses))+`))`,
		append([]any{id}, statusArgs()...)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func statusArgs() []any {
	out := make([]any, len(orders.AllStatuses))
	for i, st := range orders.AllStatuses {
		out[i] = string(st)
	}
	return out
}

// Transactional operations

// LockProducts needs no row lock here: the single connection already
// serializes every transaction.
func (t *tx) LockProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	out := make(map[string]orders.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+productCols+` FROM products WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, anys(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	var externalID any
	if o.ExternalID != "" {
		externalID = o.ExternalID
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO orders (id, external_id, user_id, status, payment_method, total_cents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, externalID, o.UserID, string(o.Status), o.PaymentMethod, o.TotalCents, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *tx) InsertItems(ctx context.Context, items []orders.OrderItem) error {
	for _, it := range items {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, line_no, product_id, product_name, qty, price_cents)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.OrderID, it.LineNo, it.ProductID, it.ProductName, it.Qty, it.PriceCents); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (t *tx) DecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE products SET stock = stock - ?, sold = sold + ?, updated_at = ?
		WHERE id = ? AND stock >= ?`,
		qty, qty, time.Now().UTC(), productID, qty)
	if err != nil {
		return false, fmt.Errorf("decrement stock %s: %w", productID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *tx) DeleteOrder(ctx context.Context, id string) (bool, error) {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete order items: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete order: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
