// Package kv opens the shared key/value store. It is the only mutable state
// shared by the request serving side and the workers; everything else
// accepts a redis.Cmdable so tests can point it at an in-process server.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/epickiosk/kiosk/internal/model"
)

const pingTimeout = 5 * time.Second

// Open connects to the store and checks it answers.
func Open(ctx context.Context, cfg model.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
