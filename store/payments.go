package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Tinglum/tinglumgard-sub003/models"
)

const paymentColumns = `id, order_id, payment_type, amount, currency, status,
	provider_session_id, idempotency_key, paid_at, webhook_processed_at, created_at, updated_at`

type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func scanPayment(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	var sessionID, idemKey sql.NullString
	err := row.Scan(&p.ID, &p.OrderID, &p.Type, &p.Amount, &p.Currency, &p.Status,
		&sessionID, &idemKey, &p.PaidAt, &p.WebhookProcessedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.ProviderSessionID = sessionID.String
	p.IdempotencyKey = idemKey.String
	return &p, nil
}

// GetByOrderAndType returns the newest payment row for (order, installment).
func (s *PaymentStore) GetByOrderAndType(ctx context.Context, orderID int, typ models.PaymentType) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 AND payment_type = $2 ORDER BY id DESC LIMIT 1",
		orderID, typ)
	return scanPayment(row)
}

// GetBySessionID resolves the payment a provider notification refers to.
func (s *PaymentStore) GetBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE provider_session_id = $1 ORDER BY id DESC LIMIT 1",
		sessionID)
	return scanPayment(row)
}

// GetByIdempotencyKey resolves legacy-protocol notifications that carry the
// merchant payment reference instead of a session id.
func (s *PaymentStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = $1 ORDER BY id DESC LIMIT 1",
		key)
	return scanPayment(row)
}

// ListPendingByOrder returns the order's payments still awaiting a terminal
// provider state, the ones the reconciliation poller has to chase.
func (s *PaymentStore) ListPendingByOrder(ctx context.Context, orderID int) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 AND status = $2 ORDER BY id",
		orderID, models.PaymentStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		var sessionID, idemKey sql.NullString
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Type, &p.Amount, &p.Currency, &p.Status,
			&sessionID, &idemKey, &p.PaidAt, &p.WebhookProcessedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.ProviderSessionID = sessionID.String
		p.IdempotencyKey = idemKey.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *PaymentStore) Create(ctx context.Context, p *models.Payment) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, payment_type, amount, currency, status, provider_session_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		p.OrderID, p.Type, p.Amount, p.Currency, p.Status, p.ProviderSessionID, p.IdempotencyKey,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// Delete discards a stale pending payment so the next checkout attempt starts
// fresh. Completed payments are immutable and are never deleted.
func (s *PaymentStore) Delete(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM payments WHERE id = $1 AND status = $2", id, models.PaymentStatusPending)
	return err
}

// MarkCompleted flips pending to completed. The status guard makes this a
// compare-and-set: exactly one of the racing completion paths wins, and only
// the winner runs the downstream side effects.
func (s *PaymentStore) MarkCompleted(ctx context.Context, id int, paidAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $2, paid_at = $3, updated_at = NOW() WHERE id = $1 AND status = $4",
		id, models.PaymentStatusCompleted, paidAt, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// MarkWebhookProcessed records that the completion transition has been applied
// for this payment, so replayed notifications short-circuit.
func (s *PaymentStore) MarkWebhookProcessed(ctx context.Context, id int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET webhook_processed_at = $2, updated_at = NOW() WHERE id = $1", id, at)
	return err
}

// UpdateStatus records a non-success provider state for observability without
// touching the order.
func (s *PaymentStore) UpdateStatus(ctx context.Context, id int, status models.PaymentStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3",
		id, status, models.PaymentStatusPending)
	return err
}
