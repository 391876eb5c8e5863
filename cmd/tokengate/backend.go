package main

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/tokengate/internal/config"
	"github.com/alexjbarnes/tokengate/internal/store"
	"github.com/alexjbarnes/tokengate/internal/store/bolt"
	redisstore "github.com/alexjbarnes/tokengate/internal/store/redis"
	"github.com/alexjbarnes/tokengate/internal/store/sqlite"
)

// openBackend opens the store selected by STORE_BACKEND.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendBolt:
		db, err := bolt.Open(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return db, nil
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return db, nil
	case config.BackendRedis:
		s, err := redisstore.Open(ctx, redisstore.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
