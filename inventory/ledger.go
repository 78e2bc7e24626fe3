package inventory

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/models"
)

// ErrInsufficientInventory means the pool cannot cover the order's quantity.
// This is a hard business error; stock is never oversold.
var ErrInsufficientInventory = errors.New("insufficient inventory")

// OrderMarker is the order-side bookkeeping for stock charges.
type OrderMarker interface {
	MarkInventoryDeducted(ctx context.Context, id int, qty float64) (bool, error)
	ClearInventoryDeducted(ctx context.Context, id int) (bool, error)
}

// PoolStore mutates pool capacity under the conditional-decrement discipline.
type PoolStore interface {
	Decrement(ctx context.Context, poolID int, qty float64) (bool, error)
	Increment(ctx context.Context, poolID int, qty float64) error
}

// Ledger charges and restores pool stock for orders. The pool row and the
// order row live in independently-evolving tables, so Deduct is an explicit
// two-step commit with a compensating increment, not a transaction.
type Ledger struct {
	orders OrderMarker
	pools  PoolStore
	logger *zap.Logger
}

func NewLedger(orders OrderMarker, pools PoolStore, logger *zap.Logger) *Ledger {
	return &Ledger{orders: orders, pools: pools, logger: logger}
}

// Deduct claims the order's quantity from its pool. Safe to retry: an order
// that already carries a deduction is left alone.
func (l *Ledger) Deduct(ctx context.Context, order *models.Order) error {
	if order.InventoryDeducted {
		return nil
	}

	applied, err := l.pools.Decrement(ctx, order.PoolID, order.Quantity)
	if err != nil {
		return err
	}
	if !applied {
		return ErrInsufficientInventory
	}

	marked, err := l.orders.MarkInventoryDeducted(ctx, order.ID, order.Quantity)
	if err != nil {
		// The pool was already decremented; give the stock back rather than
		// leak it.
		if incErr := l.pools.Increment(ctx, order.PoolID, order.Quantity); incErr != nil {
			l.logger.Error("Failed to roll back inventory decrement, stock leaked",
				zap.Int("order_id", order.ID),
				zap.Int("pool_id", order.PoolID),
				zap.Float64("quantity", order.Quantity),
				zap.Error(incErr))
		}
		return err
	}
	if !marked {
		// A concurrent path charged this order first; return our decrement.
		if incErr := l.pools.Increment(ctx, order.PoolID, order.Quantity); incErr != nil {
			l.logger.Error("Failed to return duplicate inventory decrement",
				zap.Int("order_id", order.ID), zap.Error(incErr))
			return incErr
		}
		return nil
	}

	order.InventoryDeducted = true
	order.InventoryDeductionQty = order.Quantity
	l.logger.Info("Inventory deducted",
		zap.Int("order_id", order.ID),
		zap.Int("pool_id", order.PoolID),
		zap.Float64("quantity", order.Quantity))
	return nil
}

// Restore returns the recorded deduction to the pool, for cancellations.
// No-op when the order never claimed stock.
func (l *Ledger) Restore(ctx context.Context, order *models.Order) error {
	if !order.InventoryDeducted {
		return nil
	}

	cleared, err := l.orders.ClearInventoryDeducted(ctx, order.ID)
	if err != nil {
		return err
	}
	if !cleared {
		return nil
	}

	if err := l.pools.Increment(ctx, order.PoolID, order.InventoryDeductionQty); err != nil {
		l.logger.Error("Failed to restore inventory",
			zap.Int("order_id", order.ID),
			zap.Float64("quantity", order.InventoryDeductionQty),
			zap.Error(err))
		return err
	}

	l.logger.Info("Inventory restored",
		zap.Int("order_id", order.ID),
		zap.Float64("quantity", order.InventoryDeductionQty))
	order.InventoryDeducted = false
	order.InventoryDeductionQty = 0
	return nil
}
