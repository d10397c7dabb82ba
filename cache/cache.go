// Package cache implements the in-process tier of the multi-tier response
// cache: a size-and-count-bounded key/value store with LRU eviction and
// per-entry TTL. Higher tiers build on the shared Tier, Event and Stats
// types defined here.
package cache

import (
	"strings"
	"time"
)

// Tier identifies one storage level in the cache hierarchy.
type Tier string

const (
	// TierMemory is the fast in-process tier (L1).
	TierMemory Tier = "memory"

	// TierDurable is the persistent out-of-process tier (L3).
	TierDurable Tier = "durable"

	// TierRemote is the shared remote tier, served by Valkey.
	TierRemote Tier = "remote"
)

// Operation classifies a discrete cache event.
type Operation string

const (
	OpHit    Operation = "hit"
	OpMiss   Operation = "miss"
	OpSet    Operation = "set"
	OpDelete Operation = "delete"
	OpEvict  Operation = "evict"
)

// Event is an immutable record of a single cache operation, consumed by the
// analytics tracker. Token savings are not carried per event; they accumulate
// in Counters and surface through Stats.
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	Tier      Tier          `json:"tier"`
	Operation Operation     `json:"operation"`
	Key       string        `json:"key"`
	TTL       time.Duration `json:"ttl,omitempty"`
	SizeBytes int64         `json:"size_bytes,omitempty"`
}

// EventSink receives cache events. Implementations must not block; the
// tiers call RecordEvent inside their critical sections.
type EventSink interface {
	RecordEvent(event Event)
}

// Key joins key components with colons, e.g.
// Key("embedding", model, hash) -> "embedding:{model}:{hash}".
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
