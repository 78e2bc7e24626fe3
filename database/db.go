package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "tinglumgard")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	createTableQuery := `
	CREATE TABLE IF NOT EXISTS inventory_pools (
		id SERIAL PRIMARY KEY,
		product_line VARCHAR(50) NOT NULL,
		season VARCHAR(50) NOT NULL,
		capacity_remaining NUMERIC(12, 2) NOT NULL,
		unit VARCHAR(20) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (product_line, season)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		order_number VARCHAR(100) NOT NULL UNIQUE,
		customer_id INTEGER NOT NULL,
		product_line VARCHAR(50) NOT NULL,
		pool_id INTEGER NOT NULL REFERENCES inventory_pools(id),
		quantity NUMERIC(12, 2) NOT NULL,
		total_amount BIGINT NOT NULL,
		deposit_amount BIGINT NOT NULL,
		remainder_amount BIGINT NOT NULL,
		currency VARCHAR(8) NOT NULL DEFAULT 'NOK',
		status VARCHAR(50) NOT NULL DEFAULT 'draft',
		at_risk BOOLEAN NOT NULL DEFAULT FALSE,
		locked_at TIMESTAMP,
		inventory_deducted BOOLEAN NOT NULL DEFAULT FALSE,
		inventory_deduction_qty NUMERIC(12, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS payments (
		id SERIAL PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		payment_type VARCHAR(20) NOT NULL,
		amount BIGINT NOT NULL,
		currency VARCHAR(8) NOT NULL DEFAULT 'NOK',
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		provider_session_id VARCHAR(255),
		idempotency_key VARCHAR(255),
		paid_at TIMESTAMP,
		webhook_processed_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_payments_order_type ON payments(order_id, payment_type);
	CREATE INDEX IF NOT EXISTS idx_payments_session ON payments(provider_session_id);
	-- Two checkout requests racing past the pending-row lookup must not both
	-- insert; the second one fails here and the retry reuses the winner's row.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_pending ON payments(order_id, payment_type) WHERE status = 'pending';
	`

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
