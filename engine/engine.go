// Package engine holds the order state machine. Every status mutation of an
// order or payment funnels through here, from the webhook handler, the
// reconciliation poller and the scheduler alike. All transitions are written
// so that re-running them with already-satisfied postconditions changes
// nothing, which is what keeps the two racing completion-detection paths
// convergent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/middleware"
	"github.com/Tinglum/tinglumgard-sub003/models"
	"github.com/Tinglum/tinglumgard-sub003/store"
)

var (
	// ErrDepositRequired means a remainder operation ran against an order
	// whose deposit has not completed.
	ErrDepositRequired = errors.New("deposit must be completed first")
	// ErrNotCancellable means the order is locked or already terminal.
	ErrNotCancellable = errors.New("order can no longer be cancelled")
)

type OrderStore interface {
	GetByID(ctx context.Context, id int) (*models.Order, error)
	MarkDepositPaid(ctx context.Context, id int) error
	MarkPaid(ctx context.Context, id int) error
	SetAtRisk(ctx context.Context, id int) error
	Lock(ctx context.Context, id int, at time.Time) (bool, error)
	Cancel(ctx context.Context, id int) (bool, error)
}

type PaymentStore interface {
	GetByOrderAndType(ctx context.Context, orderID int, typ models.PaymentType) (*models.Payment, error)
	MarkCompleted(ctx context.Context, id int, paidAt time.Time) (bool, error)
}

type InventoryLedger interface {
	Deduct(ctx context.Context, order *models.Order) error
	Restore(ctx context.Context, order *models.Order) error
}

// EventPublisher emits order lifecycle events. Publish failures are logged
// and never fail a transition.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

type Engine struct {
	orders   OrderStore
	payments PaymentStore
	ledger   InventoryLedger
	events   EventPublisher
	logger   *zap.Logger
}

func New(orders OrderStore, payments PaymentStore, ledger InventoryLedger, events EventPublisher, logger *zap.Logger) *Engine {
	return &Engine{
		orders:   orders,
		payments: payments,
		ledger:   ledger,
		events:   events,
		logger:   logger,
	}
}

// CompleteDeposit applies the deposit-completion transition. The payment
// status flip is a compare-and-set: when the webhook and the poller race,
// exactly one caller owns the completion event. The downstream effects are
// re-applied on every call, not only by the compare-and-set winner; each is
// individually idempotent, so a retry after a crash between the status flip
// and the side effects converges instead of stranding the order with a
// completed payment.
// Deposit completion, not order creation, is what consumes stock; abandoned
// drafts never touch the pool.
func (e *Engine) CompleteDeposit(ctx context.Context, order *models.Order, payment *models.Payment) error {
	if payment.Type != models.PaymentTypeDeposit {
		return fmt.Errorf("payment %d is not a deposit", payment.ID)
	}

	won := false
	if payment.Status != models.PaymentStatusCompleted {
		now := time.Now().UTC()
		var err error
		won, err = e.payments.MarkCompleted(ctx, payment.ID, now)
		if err != nil {
			return fmt.Errorf("complete deposit payment: %w", err)
		}
		if won {
			payment.Status = models.PaymentStatusCompleted
			payment.PaidAt = &now
		}
	}

	if err := e.ledger.Deduct(ctx, order); err != nil {
		return err
	}

	if err := e.orders.MarkDepositPaid(ctx, order.ID); err != nil {
		return fmt.Errorf("advance order %d: %w", order.ID, err)
	}
	if order.Status == models.OrderStatusDraft {
		order.Status = models.OrderStatusDepositPaid
	}
	order.AtRisk = false

	if won {
		middleware.RecordPaymentCompleted(string(models.PaymentTypeDeposit))
		e.publish(ctx, order, models.EventDepositPaid, payment.Amount)
		e.logger.Info("Deposit completed",
			zap.Int("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
			zap.Int64("amount", payment.Amount))
	}
	return nil
}

// CompleteRemainder applies the remainder-completion transition. The deposit
// check is defensive: the checkout broker refuses to open a remainder session
// before the deposit completes, so this should be unreachable. As with the
// deposit path, the order advance runs on every call so a retry after a
// partial failure converges.
func (e *Engine) CompleteRemainder(ctx context.Context, order *models.Order, payment *models.Payment) error {
	if payment.Type != models.PaymentTypeRemainder {
		return fmt.Errorf("payment %d is not a remainder", payment.ID)
	}

	deposit, err := e.payments.GetByOrderAndType(ctx, order.ID, models.PaymentTypeDeposit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrDepositRequired
		}
		return fmt.Errorf("look up deposit for order %d: %w", order.ID, err)
	}
	if deposit.Status != models.PaymentStatusCompleted {
		return ErrDepositRequired
	}

	won := false
	if payment.Status != models.PaymentStatusCompleted {
		now := time.Now().UTC()
		won, err = e.payments.MarkCompleted(ctx, payment.ID, now)
		if err != nil {
			return fmt.Errorf("complete remainder payment: %w", err)
		}
		if won {
			payment.Status = models.PaymentStatusCompleted
			payment.PaidAt = &now
		}
	}

	if err := e.orders.MarkPaid(ctx, order.ID); err != nil {
		return fmt.Errorf("advance order %d: %w", order.ID, err)
	}
	if order.Status == models.OrderStatusDepositPaid {
		order.Status = models.OrderStatusPaid
	}
	order.AtRisk = false

	if won {
		middleware.RecordPaymentCompleted(string(models.PaymentTypeRemainder))
		e.publish(ctx, order, models.EventOrderPaid, payment.Amount)
		e.logger.Info("Remainder completed",
			zap.Int("order_id", order.ID),
			zap.String("order_number", order.OrderNumber),
			zap.Int64("amount", payment.Amount))
	}
	return nil
}

// MarkAtRisk flags an order whose remainder is overdue. Only deposit-paid
// orders qualify; anything else, including an already-flagged order, is left
// alone.
func (e *Engine) MarkAtRisk(ctx context.Context, order *models.Order) error {
	if order.Status != models.OrderStatusDepositPaid || order.AtRisk {
		return nil
	}
	if err := e.orders.SetAtRisk(ctx, order.ID); err != nil {
		return fmt.Errorf("mark order %d at risk: %w", order.ID, err)
	}
	order.AtRisk = true
	e.logger.Info("Order marked at risk",
		zap.Int("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))
	return nil
}

// Lock freezes the order against customer edits. The locked_at IS NULL guard
// in the store makes this one-shot, so the notification event fires at most
// once per order no matter how often a scheduler tick revisits it.
func (e *Engine) Lock(ctx context.Context, order *models.Order, at time.Time) (bool, error) {
	locked, err := e.orders.Lock(ctx, order.ID, at)
	if err != nil {
		return false, fmt.Errorf("lock order %d: %w", order.ID, err)
	}
	if !locked {
		return false, nil
	}
	order.LockedAt = &at
	order.Status = models.OrderStatusLocked

	middleware.RecordOrderLocked(string(order.ProductLine))
	e.publish(ctx, order, models.EventOrderLocked, order.TotalAmount)
	e.logger.Info("Order locked",
		zap.Int("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))
	return true, nil
}

// Cancel moves a pre-lock order to the terminal cancelled branch and restores
// any stock it claimed.
func (e *Engine) Cancel(ctx context.Context, order *models.Order) error {
	cancelled, err := e.orders.Cancel(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", order.ID, err)
	}
	if !cancelled {
		return ErrNotCancellable
	}
	order.Status = models.OrderStatusCancelled
	order.AtRisk = false

	if err := e.ledger.Restore(ctx, order); err != nil {
		return err
	}

	e.publish(ctx, order, models.EventOrderCancelled, order.TotalAmount)
	e.logger.Info("Order cancelled",
		zap.Int("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))
	return nil
}

func (e *Engine) publish(ctx context.Context, order *models.Order, eventType string, amount int64) {
	if e.events == nil {
		return
	}
	event := models.OrderEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		ProductLine: order.ProductLine,
		Status:      order.Status,
		Amount:      amount,
		EventType:   eventType,
	}
	if err := e.events.PublishOrderEvent(ctx, event); err != nil {
		e.logger.Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.Int("order_id", order.ID),
			zap.Error(err))
	}
}
