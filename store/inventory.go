package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Tinglum/tinglumgard-sub003/models"
)

type InventoryStore struct {
	db *sql.DB
}

func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

func (s *InventoryStore) GetPool(ctx context.Context, id int) (*models.InventoryPool, error) {
	var p models.InventoryPool
	err := s.db.QueryRowContext(ctx,
		"SELECT id, product_line, season, capacity_remaining, unit, created_at, updated_at FROM inventory_pools WHERE id = $1",
		id).Scan(&p.ID, &p.ProductLine, &p.Season, &p.CapacityRemaining, &p.Unit, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Decrement atomically takes qty from the pool. The capacity guard in the
// WHERE clause is what stops two concurrent deposit completions from both
// claiming the last stock: the statement that finds the guard false changes
// nothing and returns applied=false.
func (s *InventoryStore) Decrement(ctx context.Context, poolID int, qty float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE inventory_pools SET capacity_remaining = capacity_remaining - $1, updated_at = NOW() WHERE id = $2 AND capacity_remaining >= $1",
		qty, poolID)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// Increment returns qty to the pool, for cancellations and for rolling back a
// decrement whose order-side bookkeeping failed.
func (s *InventoryStore) Increment(ctx context.Context, poolID int, qty float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory_pools SET capacity_remaining = capacity_remaining + $1, updated_at = NOW() WHERE id = $2",
		qty, poolID)
	return err
}
