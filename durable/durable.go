// Package durable implements the persistent tier of the multi-tier cache.
// Implementations absorb every backing-store failure at this boundary:
// errors are logged and surface to callers as a miss or a no-op, never as an
// error value. The cache is an optimization, not a dependency, so a broken
// or slow store must never break the request path above it.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/yanolja/promptcache/cache"
)

// Record is one persisted cache row.
type Record struct {
	Key        string
	Value      []byte
	TTLSeconds int64
	ExpiresAt  time.Time
	Hits       int64
	UpdatedAt  time.Time
}

// Age returns how long ago the record was last written.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.UpdatedAt)
}

// Store is the contract shared by the durable backends. The shape mirrors
// the in-process tier, widened with context because every call may touch
// I/O.
type Store interface {
	// Get returns the live record for key. Expired rows are lazily
	// deleted and reported as a miss.
	Get(ctx context.Context, key string) (Record, bool)

	// Set upserts value under key. A non-positive ttl uses the
	// configured default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes key, reporting whether a row existed.
	Delete(ctx context.Context, key string) bool

	// Has mirrors Get's expiry check without returning the payload.
	Has(ctx context.Context, key string) bool

	// Clear drops every row owned by this store.
	Clear(ctx context.Context)

	// EvictExpired removes all expired rows and returns how many were
	// dropped.
	EvictExpired(ctx context.Context) int

	// Stats snapshots this tier's counters and occupancy.
	Stats() cache.Stats

	// Close releases the backing connection.
	Close() error
}

// Config bounds a durable store.
type Config struct {
	// Path is the SQLite database file. ":memory:" keeps the tier
	// process-local, which is only useful in tests.
	Path string `yaml:"path"`

	// OpTimeout caps each backing-store call so a slow store cannot
	// stall the request path. On timeout the call degrades to a miss.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// DefaultTTL applies when Set is called with a non-positive TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// DefaultConfig returns the durable-tier defaults.
func DefaultConfig() Config {
	return Config{
		Path:       "promptcache.db",
		OpTimeout:  2 * time.Second,
		DefaultTTL: 24 * time.Hour,
	}
}

// Validate fails fast on configurations that would misbehave at request
// time.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("op_timeout must be positive, got %v", c.OpTimeout)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive, got %v", c.DefaultTTL)
	}
	return nil
}
