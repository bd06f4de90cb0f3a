package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

const orderColumns = `id, account_id, service_id, link, quantity, charge, status, created_at, updated_at`

type OrderRepoPG struct {
	db *sql.DB
}

func NewOrderRepoPG(db *sql.DB) *OrderRepoPG {
	return &OrderRepoPG{db: db}
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	if err := row.Scan(&o.ID, &o.AccountID, &o.ServiceID, &o.Link, &o.Quantity, &o.Charge, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepoPG) CreateOrder(ctx context.Context, o models.Order) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO orders (id, account_id, service_id, link, quantity, charge, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		o.ID, o.AccountID, o.ServiceID, o.Link, o.Quantity, o.Charge, o.Status, o.CreatedAt)
	return err
}

func (r *OrderRepoPG) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	return o, err
}

func (r *OrderRepoPG) GetOrdersByAccount(ctx context.Context, accountID int64, limit int) ([]models.Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE account_id=$1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
}

func (r *OrderRepoPG) CountOrders(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE account_id=$1`, accountID).Scan(&n)
	return n, err
}

// GetOrdersForStatusUpdate returns open orders, never-polled first and then
// the ones polled longest ago, so repeated batches rotate through all of them.
func (r *OrderRepoPG) GetOrdersForStatusUpdate(ctx context.Context, terminal []string, limit int) ([]models.Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE NOT (status = ANY($1)) ORDER BY polled_at NULLS FIRST, id LIMIT $2`, pq.Array(terminal), limit)
}

func (r *OrderRepoPG) MarkOrderPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE orders SET polled_at=$1 WHERE id=$2`, at, id)
	return err
}

func (r *OrderRepoPG) UpdateOrderStatus(ctx context.Context, id int64, status string, at time.Time) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE orders SET status=$1, updated_at=$2 WHERE id=$3`, status, at, id)
	return err
}

func (r *OrderRepoPG) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}
