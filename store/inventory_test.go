package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// The capacity guard in the WHERE clause rejects the claim instead of driving
// the pool negative.
func TestInventoryStoreDecrementInsufficient(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE inventory_pools SET capacity_remaining = capacity_remaining - \\$1(.+)WHERE id = \\$2 AND capacity_remaining >= \\$1").
		WithArgs(12.0, 1).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := NewInventoryStore(db).Decrement(context.Background(), 1, 12.0)
	if err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}
	if applied {
		t.Error("Expected claim against insufficient capacity to be rejected")
	}
}

func TestInventoryStoreDecrementApplies(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE inventory_pools SET capacity_remaining = capacity_remaining - \\$1(.+)WHERE id = \\$2 AND capacity_remaining >= \\$1").
		WithArgs(12.0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := NewInventoryStore(db).Decrement(context.Background(), 1, 12.0)
	if err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}
	if !applied {
		t.Error("Expected claim to apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestInventoryStoreIncrement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE inventory_pools SET capacity_remaining = capacity_remaining \\+ \\$1").
		WithArgs(12.0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewInventoryStore(db).Increment(context.Background(), 1, 12.0); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
