package redis

import (
	"context"
	"fmt"
	"time"

	"classmesh/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects with pooling and verifies the store's record
// codec matches codecName.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int, prefix, codecName string, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 4
	err := retry.Retry(ctx, cfg, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := ensureCodec(ctx, client, prefix, codecName); err != nil {
		client.Close()
		return nil, err
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
			"codec", codecName,
		)
	}
	return client, nil
}

// ensureCodec records the codec on first use and rejects clients that would
// write records the existing participants cannot decode.
func ensureCodec(ctx context.Context, client redis.UniversalClient, prefix, codecName string) error {
	key := prefix + "meta:codec"
	if err := client.SetNX(ctx, key, codecName, 0).Err(); err != nil {
		return fmt.Errorf("failed to record codec: %w", err)
	}
	stored, err := client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read codec: %w", err)
	}
	if stored != codecName {
		return fmt.Errorf("signaling store uses %q records, configured codec is %q", stored, codecName)
	}
	return nil
}

// CloseRedisClient closes the Redis client connection
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
