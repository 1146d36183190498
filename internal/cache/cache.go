// Package cache is a small TTL key-value cache used for directory key
// lookups. Two implementations: redis-backed and in-process.
package cache

import (
	"context"
	"errors"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key for the cache's configured TTL.
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
}
