package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements orders.Store on a pgx pool. Create runs under READ
// COMMITTED with SELECT ... FOR UPDATE on every product it touches, so
// concurrent orders for the same product serialize on the row lock.
type Store struct{ DB *pgxpool.Pool }

var _ orders.Store = (*Store)(nil)

type pgTx struct{ tx pgx.Tx }

func (s *Store) WithTx(ctx context.Context, fn func(orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const productCols = `id, name, price_cents, stock, sold, created_at, updated_at`

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.Sold, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY name`)
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
	p, err := scanProduct(s.DB.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, orders.ErrNoRows
	}
	return p, err
}

func (s *Store) UpsertProduct(ctx context.Context, p orders.Product) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products(id, name, price_cents, stock, sold)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price_cents = EXCLUDED.price_cents,
			stock = EXCLUDED.stock,
			updated_at = now()`,
		p.ID, p.Name, p.PriceCents, p.Stock, p.Sold)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

const orderCols = `id, external_id, user_id, status, payment_method, total_cents, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.StoredOrder, error) {
	var (
		o          orders.StoredOrder
		externalID *string
	)
	err := row.Scan(&o.ID, &externalID, &o.UserID, &o.RawStatus, &o.PaymentMethod, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if externalID != nil {
		o.ExternalID = *externalID
	}
	if o.RawStatus != nil {
		o.Status = orders.Status(*o.RawStatus)
	}
	return o, nil
}

func (s *Store) listOrders(ctx context.Context, where string, args ...any) ([]orders.StoredOrder, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+orderCols+` FROM orders `+where+` ORDER BY created_at DESC, id`, args...)
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
	return s.listOrders(ctx, "WHERE user_id=$1", userID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.StoredOrder, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, orders.ErrNoRows
	}
	return o, err
}

func (s *Store) FindOrderByExternalID(ctx context.Context, userID, externalID string) (orders.StoredOrder, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE user_id=$1 AND external_id=$2`, userID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, orders.ErrNoRows
	}
	return o, err
}

func (s *Store) ListItems(ctx context.Context, orderIDs ...string) ([]orders.OrderItem, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, line_no, product_id, product_name, qty, price_cents
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY order_id, line_no, id`, orderIDs)
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
	var (
		q    = `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`
		args = []any{id, string(to)}
	)
	if from != "" {
		q += ` AND status=$3`
		args = append(args, string(from))
	}
	ct, err := s.DB.Exec(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) NormalizeStatus(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET status='pending'
		WHERE id=$1 AND (status IS NULL OR NOT (status = ANY($2)))`,
		id, statusValues())
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func statusValues() []string {
	out := make([]string, len(orders.AllStatuses))
	for i, st := range orders.AllStatuses {
		out[i] = string(st)
	}
	return out
}

// LockProducts: lock stok per product (FOR UPDATE) in id order so two
// orders sharing products cannot deadlock.
func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	out := make(map[string]orders.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+productCols+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
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

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	var externalID *string
	if o.ExternalID != "" {
		externalID = &o.ExternalID
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, user_id, status, payment_method, total_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, externalID, o.UserID, string(o.Status), o.PaymentMethod, o.TotalCents, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) InsertItems(ctx context.Context, items []orders.OrderItem) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO order_items(id, order_id, line_no, product_id, product_name, qty, price_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			it.ID, it.OrderID, it.LineNo, it.ProductID, it.ProductName, it.Qty, it.PriceCents)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return nil
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock = stock - $2, sold = sold + $2, updated_at = $3
		WHERE id=$1 AND stock >= $2`,
		productID, qty, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("decrement stock %s: %w", productID, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) DeleteOrder(ctx context.Context, id string) (bool, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1`, id); err != nil {
		return false, fmt.Errorf("delete order items: %w", err)
	}
	ct, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete order: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}
