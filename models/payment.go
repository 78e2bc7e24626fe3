package models

import "time"

type PaymentType string

const (
	PaymentTypeDeposit   PaymentType = "deposit"
	PaymentTypeRemainder PaymentType = "remainder"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Payment is one installment attempt against an order. At most one payment per
// (order, type) may be pending at a time; the checkout broker enforces that.
// WebhookProcessedAt marks that the completion transition already ran for this
// payment, which is what makes duplicate provider notifications harmless.
type Payment struct {
	ID                 int           `json:"id"`
	OrderID            int           `json:"order_id"`
	Type               PaymentType   `json:"payment_type"`
	Amount             int64         `json:"amount"`
	Currency           string        `json:"currency"`
	Status             PaymentStatus `json:"status"`
	ProviderSessionID  string        `json:"provider_session_id"`
	IdempotencyKey     string        `json:"idempotency_key"`
	PaidAt             *time.Time    `json:"paid_at,omitempty"`
	WebhookProcessedAt *time.Time    `json:"webhook_processed_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Terminal reports whether the payment can no longer change state.
func (p *Payment) Terminal() bool {
	return p.Status != PaymentStatusPending
}
