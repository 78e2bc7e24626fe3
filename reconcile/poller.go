// Package reconcile converges order state on read. Webhooks can be delayed or
// lost; every read of an order with pending payments asks the provider for the
// live session state and applies the same transitions the webhook would,
// bounded by a short timeout so a slow provider never stalls the read.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/middleware"
	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/provider"
)

type PaymentStore interface {
	ListPendingByOrder(ctx context.Context, orderID int) ([]models.Payment, error)
	Delete(ctx context.Context, id int) error
}

type Transitions interface {
	CompleteDeposit(ctx context.Context, order *models.Order, payment *models.Payment) error
	CompleteRemainder(ctx context.Context, order *models.Order, payment *models.Payment) error
}

type ProviderClient interface {
	GetSession(ctx context.Context, sessionID string) (*provider.Session, error)
}

type Poller struct {
	payments PaymentStore
	engine   Transitions
	client   ProviderClient
	timeout  time.Duration
	logger   *zap.Logger
}

func NewPoller(payments PaymentStore, engine Transitions, client ProviderClient, timeout time.Duration, logger *zap.Logger) *Poller {
	return &Poller{payments: payments, engine: engine, client: client, timeout: timeout, logger: logger}
}

// Reconcile chases the order's pending payments once. Returns true when a
// transition was applied and the caller should re-read the order. Errors are
// absorbed: on provider trouble the caller serves the last-known local state.
func (p *Poller) Reconcile(ctx context.Context, order *models.Order) bool {
	pending, err := p.payments.ListPendingByOrder(ctx, order.ID)
	if err != nil {
		p.logger.Error("Failed to list pending payments",
			zap.Int("order_id", order.ID), zap.Error(err))
		return false
	}
	if len(pending) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	changed := false
	for i := range pending {
		payment := &pending[i]
		if payment.ProviderSessionID == "" {
			continue
		}

		session, err := p.client.GetSession(ctx, payment.ProviderSessionID)
		if err != nil {
			if errors.Is(err, provider.ErrSessionNotFound) {
				// The provider forgot the session; the pending row is dead
				// weight and the next checkout attempt should start fresh.
				p.discard(ctx, payment)
				changed = true
				continue
			}
			middleware.RecordReconciliation("degraded")
			p.logger.Warn("Reconciliation degraded to local state",
				zap.Int("order_id", order.ID),
				zap.Int("payment_id", payment.ID),
				zap.Error(err))
			return changed
		}

		switch {
		case session.State.Successful():
			if err := p.apply(ctx, order, payment); err != nil {
				middleware.RecordReconciliation("error")
				p.logger.Error("Failed to apply reconciled completion",
					zap.Int("order_id", order.ID),
					zap.Int("payment_id", payment.ID),
					zap.Error(err))
				continue
			}
			middleware.RecordReconciliation("completed")
			changed = true
		case session.State.Dead():
			p.discard(ctx, payment)
			middleware.RecordReconciliation("discarded")
			changed = true
		default:
			// Session still open, payer may yet finish. Nothing to do.
			middleware.RecordReconciliation("pending")
		}
	}
	return changed
}

func (p *Poller) apply(ctx context.Context, order *models.Order, payment *models.Payment) error {
	if payment.Type == models.PaymentTypeDeposit {
		return p.engine.CompleteDeposit(ctx, order, payment)
	}
	return p.engine.CompleteRemainder(ctx, order, payment)
}

func (p *Poller) discard(ctx context.Context, payment *models.Payment) {
	if err := p.payments.Delete(ctx, payment.ID); err != nil {
		p.logger.Error("Failed to discard stale payment",
			zap.Int("payment_id", payment.ID), zap.Error(err))
	}
}
