package models

import "time"

// InventoryPool is the finite stock pool for one product line and season.
// CapacityRemaining only moves through the inventory ledger's conditional
// decrement and its compensating increment.
type InventoryPool struct {
	ID                int         `json:"id"`
	ProductLine       ProductLine `json:"product_line"`
	Season            string      `json:"season"`
	CapacityRemaining float64     `json:"capacity_remaining"`
	Unit              string      `json:"unit"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
