package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
)

// minRedisPool covers the blocking queue consumers, the completion
// subscribers and regular commands.
const minRedisPool = 16

// NewRedisClient creates and validates a Redis client. BLPOP consumers each
// pin a connection for up to the poll timeout, so the pool is never smaller
// than minRedisPool.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opt.ClientName = "testsync"
	if opt.PoolSize < minRedisPool {
		opt.PoolSize = minRedisPool
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Int("pool_size", opt.PoolSize).
		Msg("Redis connected")

	return rdb, nil
}
