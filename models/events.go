package models

// Order lifecycle event types published to Kafka.
const (
	EventDepositPaid    = "deposit_paid"
	EventOrderPaid      = "order_paid"
	EventOrderLocked    = "order_locked"
	EventOrderCancelled = "order_cancelled"
)

type OrderEvent struct {
	OrderID     int         `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	CustomerID  int         `json:"customer_id"`
	ProductLine ProductLine `json:"product_line"`
	Status      OrderStatus `json:"status"`
	Amount      int64       `json:"amount"`
	EventType   string      `json:"event_type"`
}
