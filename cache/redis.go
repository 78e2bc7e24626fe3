package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(logger *zap.Logger) (*redis.Client, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

// Order detail cache. Only terminal orders (completed, cancelled) are cached;
// anything reconciliation or the lock scheduler can still move must always
// hit the store.

func GetOrder(ctx context.Context, rdb *redis.Client, id int) ([]byte, error) {
	return rdb.Get(ctx, orderKey(id)).Bytes()
}

func SetOrder(ctx context.Context, rdb *redis.Client, id int, order interface{}, ttl time.Duration) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, orderKey(id), data, ttl).Err()
}

func DeleteOrder(ctx context.Context, rdb *redis.Client, id int) error {
	return rdb.Del(ctx, orderKey(id)).Err()
}

func orderKey(id int) string {
	return fmt.Sprintf("order:%d", id)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
