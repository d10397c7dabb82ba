// Package tiered coordinates reads and writes across the in-process tier
// and the durable tier. It owns the promotion and demotion policy but never
// reaches into either tier's internals; everything goes through their
// public operations, so the in-process tier stays ignorant of the durable
// one.
package tiered

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/durable"
)

// Policy governs movement of entries between tiers.
type Policy struct {
	// PromoteOnHit copies a durable-tier hit into the in-process tier.
	PromoteOnHit bool `yaml:"promote_on_hit"`

	// PromoteThreshold is the durable hit count required before an entry
	// is promoted. A value of 1 or less promotes on the first hit.
	PromoteThreshold int64 `yaml:"promote_threshold"`

	// DemoteOnExpire moves hot-but-aging in-process entries to the
	// durable tier during maintenance sweeps.
	DemoteOnExpire bool `yaml:"demote_on_expire"`

	// DemoteAge is the in-process age beyond which an entry becomes a
	// demotion candidate.
	DemoteAge time.Duration `yaml:"demote_age"`
}

// DefaultPolicy promotes on first durable hit and demotes entries older
// than ten minutes.
func DefaultPolicy() Policy {
	return Policy{
		PromoteOnHit:     true,
		PromoteThreshold: 1,
		DemoteOnExpire:   true,
		DemoteAge:        10 * time.Minute,
	}
}

// Validate fails fast on policies that would misbehave at request time.
func (p Policy) Validate() error {
	if p.PromoteThreshold < 0 {
		return fmt.Errorf("promote_threshold must not be negative, got %d", p.PromoteThreshold)
	}
	if p.DemoteOnExpire && p.DemoteAge <= 0 {
		return fmt.Errorf("demote_age must be positive when demotion is enabled, got %v", p.DemoteAge)
	}
	return nil
}

// Result is the outcome of a coordinated lookup.
type Result[V any] struct {
	Value V
	Hit   bool

	// Tier that served the hit.
	Tier cache.Tier

	// Age of the entry at the serving tier. Zero for in-process hits.
	Age time.Duration
}

// SetOption restricts a write.
type SetOption func(*setOptions)

type setOptions struct {
	targetTier cache.Tier
}

// WithTargetTier writes to a single tier instead of writing through.
// Callers use this for values known to be ephemeral and not worth
// persisting.
func WithTargetTier(tier cache.Tier) SetOption {
	return func(o *setOptions) {
		o.targetTier = tier
	}
}

// Cache coordinates an in-process Store with a durable Store, bridged by a
// Codec. The durable tier is optional; without one the coordinator degrades
// to a single-tier cache.
type Cache[V any] struct {
	l1     *cache.Store[V]
	l3     durable.Store
	codec  Codec[V]
	policy Policy
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// New wires the tiers together. l3 may be nil.
func New[V any](l1 *cache.Store[V], l3 durable.Store, codec Codec[V], policy Policy, logger *zap.SugaredLogger) (*Cache[V], error) {
	return NewWithClock(l1, l3, codec, policy, logger, clock.New())
}

// NewWithClock is New with an injectable clock.
func NewWithClock[V any](l1 *cache.Store[V], l3 durable.Store, codec Codec[V], policy Policy, logger *zap.SugaredLogger, clk clock.Clock) (*Cache[V], error) {
	if l1 == nil {
		return nil, fmt.Errorf("in-process tier must not be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tier policy: %w", err)
	}
	return &Cache[V]{
		l1:     l1,
		l3:     l3,
		codec:  codec,
		policy: policy,
		clock:  clk,
		logger: logger,
	}, nil
}

// Get checks the in-process tier first, then the durable tier. A durable
// hit is promoted into the in-process tier when the policy allows it,
// keeping the remaining TTL so promotion never extends an entry's life.
func (c *Cache[V]) Get(ctx context.Context, key string) Result[V] {
	if value, ok := c.l1.Get(key); ok {
		return Result[V]{Value: value, Hit: true, Tier: cache.TierMemory}
	}

	if c.l3 == nil {
		return Result[V]{}
	}

	record, ok := c.l3.Get(ctx, key)
	if !ok {
		return Result[V]{}
	}

	value, err := c.codec.Decode(record.Value)
	if err != nil {
		c.logger.Warnw("durable entry failed to decode, dropping it",
			"key", key, "error", err)
		c.l3.Delete(ctx, key)
		return Result[V]{}
	}

	now := c.clock.Now()
	if c.policy.PromoteOnHit && record.Hits >= c.promoteThreshold() {
		if remaining := record.ExpiresAt.Sub(now); remaining > 0 {
			c.l1.Set(key, value, remaining)
		}
	}

	return Result[V]{Value: value, Hit: true, Tier: cache.TierDurable, Age: record.Age(now)}
}

// Set writes through to both tiers by default; WithTargetTier restricts the
// write to one of them. An encode failure only costs the durable copy.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration, opts ...SetOption) {
	var options setOptions
	for _, opt := range opts {
		opt(&options)
	}

	writeMemory := options.targetTier == "" || options.targetTier == cache.TierMemory
	writeDurable := options.targetTier == "" || options.targetTier == cache.TierDurable

	if writeMemory {
		c.l1.Set(key, value, ttl)
	}
	if writeDurable && c.l3 != nil {
		data, err := c.codec.Encode(value)
		if err != nil {
			c.logger.Warnw("value failed to encode for durable tier",
				"key", key, "error", err)
			return
		}
		c.l3.Set(ctx, key, data, ttl)
	}
}

// Delete removes key from both tiers.
func (c *Cache[V]) Delete(ctx context.Context, key string) bool {
	deleted := c.l1.Delete(key)
	if c.l3 != nil {
		deleted = c.l3.Delete(ctx, key) || deleted
	}
	return deleted
}

// Has reports whether any tier holds a live entry for key.
func (c *Cache[V]) Has(ctx context.Context, key string) bool {
	if c.l1.Has(key) {
		return true
	}
	return c.l3 != nil && c.l3.Has(ctx, key)
}

// Clear drops every entry in both tiers.
func (c *Cache[V]) Clear(ctx context.Context) {
	c.l1.Clear()
	if c.l3 != nil {
		c.l3.Clear(ctx)
	}
}

// EvictExpired sweeps expired entries from both tiers and returns the total
// dropped.
func (c *Cache[V]) EvictExpired(ctx context.Context) int {
	evicted := c.l1.EvictExpired()
	if c.l3 != nil {
		evicted += c.l3.EvictExpired(ctx)
	}
	return evicted
}

// DemoteAged moves in-process entries older than the policy's DemoteAge to
// the durable tier and evicts them from the in-process tier. Returns how
// many entries moved.
func (c *Cache[V]) DemoteAged(ctx context.Context) int {
	if !c.policy.DemoteOnExpire || c.l3 == nil {
		return 0
	}

	now := c.clock.Now()
	demoted := 0
	for _, entry := range c.l1.Snapshot() {
		if now.Sub(entry.CreatedAt) < c.policy.DemoteAge {
			continue
		}
		remaining := entry.ExpiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}
		data, err := c.codec.Encode(entry.Value)
		if err != nil {
			c.logger.Warnw("demotion candidate failed to encode",
				"key", entry.Key, "error", err)
			continue
		}
		c.l3.Set(ctx, entry.Key, data, remaining)
		c.l1.Delete(entry.Key)
		demoted++
	}
	return demoted
}

// Flush writes every live in-process entry to the durable tier with its
// remaining TTL. Called on shutdown so a restart starts warm.
func (c *Cache[V]) Flush(ctx context.Context) int {
	if c.l3 == nil {
		return 0
	}

	now := c.clock.Now()
	flushed := 0
	for _, entry := range c.l1.Snapshot() {
		remaining := entry.ExpiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}
		data, err := c.codec.Encode(entry.Value)
		if err != nil {
			c.logger.Warnw("entry failed to encode during flush",
				"key", entry.Key, "error", err)
			continue
		}
		c.l3.Set(ctx, entry.Key, data, remaining)
		flushed++
	}
	return flushed
}

// Stats reports per-tier snapshots plus the aggregate view.
type Stats struct {
	ByTier    map[cache.Tier]cache.Stats `json:"by_tier"`
	Aggregate cache.Stats                `json:"aggregate"`
}

// Stats snapshots both tiers.
func (c *Cache[V]) Stats() Stats {
	byTier := map[cache.Tier]cache.Stats{
		cache.TierMemory: c.l1.Stats(),
	}
	aggregate := byTier[cache.TierMemory]
	if c.l3 != nil {
		l3Stats := c.l3.Stats()
		byTier[cache.TierDurable] = l3Stats
		aggregate = aggregate.Merge(l3Stats)
	}
	return Stats{ByTier: byTier, Aggregate: aggregate}
}

// Memory exposes the in-process tier for callers that need tier-local
// operations, e.g. the analytics top-key report.
func (c *Cache[V]) Memory() *cache.Store[V] {
	return c.l1
}

func (c *Cache[V]) promoteThreshold() int64 {
	if c.policy.PromoteThreshold < 1 {
		return 1
	}
	return c.policy.PromoteThreshold
}
