package cache

import "sync/atomic"

// Stats is a point-in-time snapshot of a single tier's counters, or of the
// aggregate across tiers.
type Stats struct {
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Sets             int64   `json:"sets"`
	Deletes          int64   `json:"deletes"`
	Evictions        int64   `json:"evictions"`
	CurrentSize      int64   `json:"current_size"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	HitRate          float64 `json:"hit_rate"`
	TokensSaved      int64   `json:"tokens_saved"`
}

// Merge returns the sum of s and other, with the hit rate recomputed over
// the combined lookups.
func (s Stats) Merge(other Stats) Stats {
	merged := Stats{
		Hits:             s.Hits + other.Hits,
		Misses:           s.Misses + other.Misses,
		Sets:             s.Sets + other.Sets,
		Deletes:          s.Deletes + other.Deletes,
		Evictions:        s.Evictions + other.Evictions,
		CurrentSize:      s.CurrentSize + other.CurrentSize,
		MemoryUsageBytes: s.MemoryUsageBytes + other.MemoryUsageBytes,
		TokensSaved:      s.TokensSaved + other.TokensSaved,
	}
	merged.HitRate = hitRate(merged.Hits, merged.Misses)
	return merged
}

// Counters accumulates tier statistics. All methods are safe for concurrent
// use; tiers share this instead of rolling their own locked counters.
type Counters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	tokensSaved atomic.Int64
}

func (c *Counters) Hit()    { c.hits.Add(1) }
func (c *Counters) Miss()   { c.misses.Add(1) }
func (c *Counters) Set()    { c.sets.Add(1) }
func (c *Counters) Delete() { c.deletes.Add(1) }

func (c *Counters) Evict(n int64) { c.evictions.Add(n) }

// AddTokensSaved credits an estimate of avoided generation cost, recorded by
// the response cache on each hit.
func (c *Counters) AddTokensSaved(tokens int64) { c.tokensSaved.Add(tokens) }

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.evictions.Store(0)
	c.tokensSaved.Store(0)
}

// Snapshot materializes the counters together with the caller-supplied
// occupancy figures.
func (c *Counters) Snapshot(currentSize, memoryUsageBytes int64) Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	return Stats{
		Hits:             hits,
		Misses:           misses,
		Sets:             c.sets.Load(),
		Deletes:          c.deletes.Load(),
		Evictions:        c.evictions.Load(),
		CurrentSize:      currentSize,
		MemoryUsageBytes: memoryUsageBytes,
		HitRate:          hitRate(hits, misses),
		TokensSaved:      c.tokensSaved.Load(),
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
