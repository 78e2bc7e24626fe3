package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tinglum/tinglumgard-sub003/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const orderColumns = `id, order_number, customer_id, product_line, pool_id, quantity,
	total_amount, deposit_amount, remainder_amount, currency, status, at_risk,
	locked_at, inventory_deducted, inventory_deduction_qty, created_at, updated_at`

type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.ProductLine, &o.PoolID,
		&o.Quantity, &o.TotalAmount, &o.DepositAmount, &o.RemainderAmount, &o.Currency,
		&o.Status, &o.AtRisk, &o.LockedAt, &o.InventoryDeducted, &o.InventoryDeductionQty,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *OrderStore) GetByID(ctx context.Context, id int) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	return scanOrder(row)
}

func (s *OrderStore) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE order_number = $1", orderNumber)
	return scanOrder(row)
}

func (s *OrderStore) ListByCustomer(ctx context.Context, customerID int) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE customer_id = $1 ORDER BY id", customerID)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListAtRisk returns orders currently flagged at risk, for admin follow-up.
func (s *OrderStore) ListAtRisk(ctx context.Context) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE at_risk = TRUE ORDER BY id")
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListAtRiskCandidates returns deposit-paid orders of a product line that have
// not yet been flagged. The remainder being unpaid is implied by the status:
// the state machine advances to 'paid' the moment the remainder completes.
func (s *OrderStore) ListAtRiskCandidates(ctx context.Context, line models.ProductLine) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE product_line = $1 AND status = $2 AND at_risk = FALSE ORDER BY id",
		line, models.OrderStatusDepositPaid)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListLockCandidates returns unlocked orders of a product line with a
// completed deposit (deposit-paid or fully paid).
func (s *OrderStore) ListLockCandidates(ctx context.Context, line models.ProductLine) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE product_line = $1 AND locked_at IS NULL AND status IN ($2, $3) ORDER BY id",
		line, models.OrderStatusDepositPaid, models.OrderStatusPaid)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.ProductLine, &o.PoolID,
			&o.Quantity, &o.TotalAmount, &o.DepositAmount, &o.RemainderAmount, &o.Currency,
			&o.Status, &o.AtRisk, &o.LockedAt, &o.InventoryDeducted, &o.InventoryDeductionQty,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// MarkDepositPaid advances a draft order to deposit_paid and clears the
// at-risk flag. Orders already past draft keep their status; the flag is
// cleared either way, so re-applying the transition is a no-op.
func (s *OrderStore) MarkDepositPaid(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET
			status = CASE WHEN status IN ('draft', 'pending') THEN 'deposit_paid' ELSE status END,
			at_risk = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// MarkPaid advances a deposit-paid order to paid and clears the at-risk flag.
// A locked order stays locked; only the flag is cleared.
func (s *OrderStore) MarkPaid(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET
			status = CASE WHEN status = 'deposit_paid' THEN 'paid' ELSE status END,
			at_risk = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// SetAtRisk flags an order whose remainder is overdue.
func (s *OrderStore) SetAtRisk(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET at_risk = TRUE, updated_at = NOW() WHERE id = $1", id)
	return err
}

// Lock freezes the order one-shot. Returns false when the order was already
// locked, which is the guard against repeated scheduler ticks.
func (s *OrderStore) Lock(ctx context.Context, id int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET locked_at = $2, status = 'locked', updated_at = NOW() WHERE id = $1 AND locked_at IS NULL",
		id, at)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// MarkInventoryDeducted records the stock charge one-shot. Returns false when
// the order already carries a deduction.
func (s *OrderStore) MarkInventoryDeducted(ctx context.Context, id int, qty float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET inventory_deducted = TRUE, inventory_deduction_qty = $2, updated_at = NOW() WHERE id = $1 AND inventory_deducted = FALSE",
		id, qty)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// ClearInventoryDeducted removes the recorded stock charge. Returns false when
// no deduction was recorded.
func (s *OrderStore) ClearInventoryDeducted(ctx context.Context, id int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET inventory_deducted = FALSE, inventory_deduction_qty = 0, updated_at = NOW() WHERE id = $1 AND inventory_deducted = TRUE",
		id)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// Cancel moves a pre-lock order to the terminal cancelled branch. Returns
// false when the order is locked or already terminal.
func (s *OrderStore) Cancel(ctx context.Context, id int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = 'cancelled', at_risk = FALSE, updated_at = NOW() WHERE id = $1 AND locked_at IS NULL AND status IN ('draft', 'pending', 'deposit_paid', 'paid')",
		id)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
