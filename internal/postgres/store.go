package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

// Store implements orders.Store on Postgres. Rows read for update are locked
// with FOR UPDATE, so a cart mutation, a checkout and a reaper sweep touching
// the same reservation serialize on the row instead of racing.
type Store struct{ DB *pgxpool.Pool }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// classify turns backend aborts caused by concurrent writers into
// orders.ErrTxConflict so callers can retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", orders.ErrTxConflict, pgErr.Message)
		}
	}
	return err
}

type pgTx struct{ tx pgx.Tx }

type scanner interface {
	Scan(dest ...any) error
}

func (t *pgTx) AdjustStock(ctx context.Context, productID string, delta int, guard stock.Guard) (int, error) {
	var after int
	err := t.tx.QueryRow(ctx, `
		UPDATE products
		   SET count_in_stock = count_in_stock + $2, updated_at = now()
		 WHERE id = $1
		   AND ($3 = 0 OR count_in_stock + $2 >= 0)
		RETURNING count_in_stock`, productID, delta, int(guard)).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, stock.ErrNoMatch
	}
	if err != nil {
		return 0, err
	}
	return after, nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (orders.User, error) {
	var u orders.User
	err := t.tx.QueryRow(ctx, `SELECT id, email, name FROM users WHERE id=$1`, id).Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.User{}, orders.ErrUserNotFound
	}
	return u, err
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	var p orders.Product
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, image, price_cents, count_in_stock, quantity, created_at, updated_at
		  FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Image, &p.PriceCents, &p.CountInStock, &p.Quantity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, orders.ErrProductNotFound
	}
	return p, err
}

// ---- cart reservations ----

const reservationCols = `id, user_id, product_id, quantity, variant_size, variant_color,
	product_name, product_price_cents, product_image, reserved, expires_at, created_at`

func scanReservation(row scanner) (orders.CartReservation, error) {
	var r orders.CartReservation
	err := row.Scan(&r.ID, &r.UserID, &r.ProductID, &r.Quantity, &r.Variant.Size, &r.Variant.Color,
		&r.ProductName, &r.ProductPrice, &r.ProductImage, &r.Reserved, &r.ExpiresAt, &r.CreatedAt)
	return r, err
}

func (t *pgTx) queryReservations(ctx context.Context, sql string, args ...any) ([]orders.CartReservation, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.CartReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CartLines locks the user row before reading, so two transactions adding
// a user's first line for the same product serialize instead of both
// inserting. FOR UPDATE on the reservations alone locks nothing when the
// cart is empty.
func (t *pgTx) CartLines(ctx context.Context, userID string) ([]orders.CartReservation, error) {
	var id string
	err := t.tx.QueryRow(ctx, `SELECT id FROM users WHERE id=$1 FOR UPDATE`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return t.queryReservations(ctx, `SELECT `+reservationCols+`
		  FROM cart_reservations WHERE user_id=$1 ORDER BY seq FOR UPDATE`, userID)
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (orders.CartReservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationCols+`
		  FROM cart_reservations WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.CartReservation{}, orders.ErrReservationNotFound
	}
	return r, err
}

func (t *pgTx) InsertReservation(ctx context.Context, r orders.CartReservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cart_reservations(`+reservationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.UserID, r.ProductID, r.Quantity, r.Variant.Size, r.Variant.Color,
		r.ProductName, r.ProductPrice, r.ProductImage, r.Reserved, r.ExpiresAt, r.CreatedAt)
	return err
}

func (t *pgTx) UpdateReservation(ctx context.Context, r orders.CartReservation) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE cart_reservations
		   SET quantity=$2, reserved=$3, expires_at=$4
		 WHERE id=$1`, r.ID, r.Quantity, r.Reserved, r.ExpiresAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrReservationNotFound
	}
	return nil
}

func (t *pgTx) DeleteReservation(ctx context.Context, r orders.CartReservation) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM cart_reservations WHERE id=$1 AND user_id=$2`, r.ID, r.UserID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrReservationNotFound
	}
	return nil
}

// ExpiredReservations skips rows another transaction holds; they are picked
// up by a later sweep.
func (t *pgTx) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]orders.CartReservation, error) {
	return t.queryReservations(ctx, `SELECT `+reservationCols+`
		  FROM cart_reservations
		 WHERE reserved AND expires_at <= $1
		 ORDER BY expires_at, id
		 LIMIT NULLIF($2::int, 0)
		   FOR UPDATE SKIP LOCKED`, now, limit)
}

// ---- orders ----

const orderCols = `id, user_id, status, status_history, total_cents,
	shipping_address, city, postal_code, country, phone, date_ordered, updated_at`

const itemCols = `id, order_id, product_id, quantity, price_cents, product_name, product_image,
	variant_size, variant_color, cart_reservation_id`

func (t *pgTx) InsertOrderItem(ctx context.Context, it orders.OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_items(`+itemCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		it.ID, it.OrderID, it.ProductID, it.Quantity, it.PriceCents, it.ProductName, it.ProductImage,
		it.Variant.Size, it.Variant.Color, it.CartReservationID)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM order_items WHERE order_id=$1`, o.ID).Scan(&n); err != nil {
		return err
	}
	if n != len(o.Items) {
		return fmt.Errorf("order %s: %d items written, %d referenced", o.ID, n, len(o.Items))
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(`+orderCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.UserID, string(o.Status), statusStrings(o.StatusHistory), o.TotalCents,
		o.Shipping.Address, o.Shipping.City, o.Shipping.PostalCode, o.Shipping.Country, o.Shipping.Phone,
		o.DateOrdered, o.UpdatedAt)
	return err
}

func scanOrder(row scanner) (orders.Order, error) {
	var (
		o       orders.Order
		status  string
		history []string
	)
	err := row.Scan(&o.ID, &o.UserID, &status, &history, &o.TotalCents,
		&o.Shipping.Address, &o.Shipping.City, &o.Shipping.PostalCode, &o.Shipping.Country, &o.Shipping.Phone,
		&o.DateOrdered, &o.UpdatedAt)
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	o.StatusHistory = make([]orders.Status, 0, len(history))
	for _, h := range history {
		o.StatusHistory = append(o.StatusHistory, orders.Status(h))
	}
	return o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	items, err := t.itemsFor(ctx, []string{o.ID})
	if err != nil {
		return orders.Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (t *pgTx) itemsFor(ctx context.Context, orderIDs []string) (map[string][]orders.OrderItem, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+itemCols+`
		  FROM order_items WHERE order_id = ANY($1) ORDER BY seq`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]orders.OrderItem, len(orderIDs))
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.PriceCents,
			&it.ProductName, &it.ProductImage, &it.Variant.Size, &it.Variant.Color, &it.CartReservationID); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, o orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, status_history=$3, updated_at=now()
		 WHERE id=$1`, o.ID, string(o.Status), statusStrings(o.StatusHistory))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrOrderNotFound
	}
	return nil
}

// DeleteOrder relies on ON DELETE CASCADE to drop the items.
func (t *pgTx) DeleteOrder(ctx context.Context, id string) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) ListOrders(ctx context.Context, f orders.OrderFilter) ([]orders.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.OrderedBefore.IsZero() {
		args = append(args, f.OrderedBefore)
		where = append(where, fmt.Sprintf("date_ordered <= $%d", len(args)))
	}
	sql := `SELECT ` + orderCols + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY date_ordered DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var (
		out []orders.Order
		ids []string
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := t.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (t *pgTx) CountOrders(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&n)
	return n, err
}

func statusStrings(ss []orders.Status) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	return out
}
