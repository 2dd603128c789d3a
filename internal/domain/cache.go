package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. The pipeline uses
// it for the dedup fingerprint window and submission rate counters.
// Supports two-phase caching: local LRU backed by Redis.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores a value only if the key is absent, returning whether
	// the write won. Used to reserve an image fingerprint while its
	// first submission is still in flight.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetFingerprint returns the extraction ID recorded for an image
	// fingerprint, or "" if the fingerprint is outside the dedup window.
	GetFingerprint(ctx context.Context, fingerprint string) (string, error)

	// SetFingerprint records an image fingerprint -> extraction ID for
	// the dedup window.
	SetFingerprint(ctx context.Context, fingerprint, extractionID string, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the
	// new value. Used for submission rate limiting.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
