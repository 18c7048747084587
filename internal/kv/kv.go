// Package kv provides the expiring key/value store backing upload session
// state. The Redis driver is used in production; the in-memory driver serves
// development and tests.
package kv

import (
	"context"
	"time"
)

// Store is a TTL-bearing key/value store. Set with a positive ttl arranges
// for the key to expire; a zero ttl persists the key until deleted.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
