package models

import "time"

type OrderStatus string

const (
	OrderStatusDraft          OrderStatus = "draft"
	OrderStatusDepositPaid    OrderStatus = "deposit_paid"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusLocked         OrderStatus = "locked"
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// Order is the durable ledger record for one customer order. All amounts are
// integer øre. RemainderAmount is always derived as TotalAmount-DepositAmount;
// writes must recompute it rather than trust an incoming value.
type Order struct {
	ID          int         `json:"id"`
	OrderNumber string      `json:"order_number"`
	CustomerID  int         `json:"customer_id"`
	ProductLine ProductLine `json:"product_line"`
	PoolID      int         `json:"pool_id"`
	Quantity    float64     `json:"quantity"` // kg for pork boxes, units otherwise

	TotalAmount     int64  `json:"total_amount"`
	DepositAmount   int64  `json:"deposit_amount"`
	RemainderAmount int64  `json:"remainder_amount"`
	Currency        string `json:"currency"`

	Status   OrderStatus `json:"status"`
	AtRisk   bool        `json:"at_risk"`
	LockedAt *time.Time  `json:"locked_at,omitempty"`

	InventoryDeducted     bool    `json:"inventory_deducted"`
	InventoryDeductionQty float64 `json:"inventory_deduction_qty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Locked reports whether the order has been frozen against customer edits.
func (o *Order) Locked() bool {
	return o.LockedAt != nil
}

// Cancellable reports whether the order may still enter the cancelled branch.
func (o *Order) Cancellable() bool {
	switch o.Status {
	case OrderStatusDraft, OrderStatusDepositPaid, OrderStatusPaid:
		return !o.Locked()
	}
	return false
}
