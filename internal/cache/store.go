// Package cache is the shared ephemeral key/value store. Every operation is
// fail-open: an unreachable backend behaves like an empty cache.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing, expired or unreadable keys.
var ErrNotFound = errors.New("cache: key not found")

type Store interface {
	// Get decodes the JSON value stored at key into dst.
	Get(ctx context.Context, key string, dst any) error
	// Set stores value as JSON. ttl <= 0 keeps the key until deleted.
	// The result reports whether the backend accepted the write.
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool
	// Delete returns the number of keys removed.
	Delete(ctx context.Context, key string) int64
	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) []string
	IsEnabled() bool
	Stats() Stats
	UsedMemory(ctx context.Context) string
	Close() error
}

type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}
