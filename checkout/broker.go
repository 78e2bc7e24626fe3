// Package checkout opens hosted-checkout sessions for order installments and
// enforces the one-pending-session-per-installment rule.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/engine"
	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/provider"
	"github.com/Tinglum/tinglumgard-sub003/store"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrAlreadyPaid   = errors.New("installment already paid")
	// ErrInvalidAmount means the requested installment amount is not positive,
	// which indicates a corrupted order rather than a payable installment.
	ErrInvalidAmount = errors.New("installment amount must be positive")
)

type OrderStore interface {
	GetByID(ctx context.Context, id int) (*models.Order, error)
}

type PaymentStore interface {
	GetByOrderAndType(ctx context.Context, orderID int, typ models.PaymentType) (*models.Payment, error)
	Create(ctx context.Context, p *models.Payment) error
	Delete(ctx context.Context, id int) error
}

type ProviderClient interface {
	CreateSession(ctx context.Context, req provider.CreateSessionRequest) (*provider.Session, error)
	GetSession(ctx context.Context, sessionID string) (*provider.Session, error)
}

type Broker struct {
	orders         OrderStore
	payments       PaymentStore
	client         ProviderClient
	depositPercent int64
	logger         *zap.Logger
}

func NewBroker(orders OrderStore, payments PaymentStore, client ProviderClient, depositPercent int, logger *zap.Logger) *Broker {
	return &Broker{
		orders:         orders,
		payments:       payments,
		client:         client,
		depositPercent: int64(depositPercent),
		logger:         logger,
	}
}

// Begin returns a redirect URL where the payer can complete the requested
// installment. Double-clicks and tab reloads land on the same still-open
// session instead of spawning duplicates; dead sessions are discarded and
// replaced. Provider outages surface as provider.ErrUnavailable with no local
// state left behind.
func (b *Broker) Begin(ctx context.Context, orderID int, typ models.PaymentType, returnURL string) (string, error) {
	order, err := b.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrOrderNotFound
		}
		return "", fmt.Errorf("load order %d: %w", orderID, err)
	}
	if order.Status == models.OrderStatusCancelled {
		return "", ErrOrderNotFound
	}

	var amount int64
	if typ == models.PaymentTypeDeposit {
		amount = b.depositAmount(order)
	} else {
		deposit, err := b.payments.GetByOrderAndType(ctx, order.ID, models.PaymentTypeDeposit)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("look up deposit for order %d: %w", order.ID, err)
		}
		if err != nil || deposit.Status != models.PaymentStatusCompleted {
			return "", engine.ErrDepositRequired
		}
		// The remainder is whatever is left of the current total after the
		// deposit actually charged. Order edits before lock can change the
		// total, and the stored remainder must never be trusted over the
		// invariant that the two installments sum to the total.
		amount = order.TotalAmount - deposit.Amount
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	existing, err := b.payments.GetByOrderAndType(ctx, order.ID, typ)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("look up %s payment for order %d: %w", typ, order.ID, err)
	}

	priorAttempt := false
	if existing != nil {
		if existing.Status == models.PaymentStatusCompleted {
			return "", ErrAlreadyPaid
		}
		priorAttempt = existing.Amount != amount

		if existing.Status == models.PaymentStatusPending {
			redirectURL, reusable, err := b.reuseOrDiscard(ctx, existing, amount)
			if err != nil {
				return "", err
			}
			if reusable {
				return redirectURL, nil
			}
		}
	}

	key := b.idempotencyKey(order, typ, priorAttempt)
	session, err := b.client.CreateSession(ctx, provider.CreateSessionRequest{
		Amount:         amount,
		Currency:       order.Currency,
		Reference:      key,
		IdempotencyKey: key,
		ReturnURL:      returnURL,
	})
	if err != nil {
		return "", err
	}

	payment := &models.Payment{
		OrderID:           order.ID,
		Type:              typ,
		Amount:            amount,
		Currency:          order.Currency,
		Status:            models.PaymentStatusPending,
		ProviderSessionID: session.SessionID,
		IdempotencyKey:    key,
	}
	if err := b.payments.Create(ctx, payment); err != nil {
		return "", fmt.Errorf("persist %s payment for order %d: %w", typ, order.ID, err)
	}

	b.logger.Info("Checkout session opened",
		zap.Int("order_id", order.ID),
		zap.String("installment", string(typ)),
		zap.Int64("amount", amount),
		zap.String("session_id", session.SessionID))
	return session.RedirectURL, nil
}

// reuseOrDiscard asks the provider what a pending payment's session looks
// like right now. A still-open session at the right amount is reused; a dead
// or repriced one is deleted so the caller can create a fresh session. This
// is the guard that keeps at most one valid pending session per installment.
func (b *Broker) reuseOrDiscard(ctx context.Context, pending *models.Payment, amount int64) (string, bool, error) {
	session, err := b.client.GetSession(ctx, pending.ProviderSessionID)
	if err != nil {
		if errors.Is(err, provider.ErrSessionNotFound) {
			if err := b.payments.Delete(ctx, pending.ID); err != nil {
				return "", false, fmt.Errorf("discard stale payment %d: %w", pending.ID, err)
			}
			return "", false, nil
		}
		return "", false, err
	}

	if session.State.Open() && pending.Amount == amount {
		b.logger.Info("Reusing open checkout session",
			zap.Int("payment_id", pending.ID),
			zap.String("session_id", session.SessionID))
		return session.RedirectURL, true, nil
	}

	if session.State.Successful() {
		// The session already succeeded but the completion transition has not
		// run yet. Do not discard it; let reconciliation converge the order.
		return "", false, ErrAlreadyPaid
	}

	if err := b.payments.Delete(ctx, pending.ID); err != nil {
		return "", false, fmt.Errorf("discard stale payment %d: %w", pending.ID, err)
	}
	return "", false, nil
}

// depositAmount derives the deposit from the configured percentage of the
// current order total. The stored deposit_amount is a record of what was
// charged, not an input; deriving here keeps a mispriced row from ever
// reaching the provider.
func (b *Broker) depositAmount(order *models.Order) int64 {
	return order.TotalAmount * b.depositPercent / 100
}

func (b *Broker) idempotencyKey(order *models.Order, typ models.PaymentType, priorAttempt bool) string {
	switch {
	case typ == models.PaymentTypeDeposit:
		return fmt.Sprintf("DEPOSIT-%s", order.OrderNumber)
	case priorAttempt:
		// A remainder retried at a different amount needs a fresh key, or the
		// provider would replay the old session with the old amount.
		return fmt.Sprintf("REMAINDER-%s-%d", order.OrderNumber, time.Now().Unix())
	default:
		return fmt.Sprintf("REMAINDER-%s", order.OrderNumber)
	}
}
