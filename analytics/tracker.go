// Package analytics observes the cache tiers from the outside: it records
// periodic statistics snapshots and discrete operation events in bounded
// ring buffers, classifies cache health, and serves the monitoring surface.
// The tracker holds its own copies of everything and never mutates tier
// state.
package analytics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/tiered"
)

// Config bounds the tracker's retention.
type Config struct {
	// MaxSnapshots caps the time-series ring buffer. At the default
	// one-minute snapshot interval this retains a day.
	MaxSnapshots int `yaml:"max_snapshots"`

	// MaxEvents caps the event ring buffer.
	MaxEvents int `yaml:"max_events"`

	// TargetHitRate drives the low-hit-rate recommendation.
	TargetHitRate float64 `yaml:"target_hit_rate"`

	// MemoryLimitBytes is the budget used to compute memory pressure.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		MaxSnapshots:     1440,
		MaxEvents:        4096,
		TargetHitRate:    0.7,
		MemoryLimitBytes: 256 << 20,
	}
}

// Validate fails fast on configurations that would misbehave at request
// time.
func (c Config) Validate() error {
	if c.MaxSnapshots <= 0 {
		return fmt.Errorf("max_snapshots must be positive, got %d", c.MaxSnapshots)
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("max_events must be positive, got %d", c.MaxEvents)
	}
	if c.TargetHitRate < 0 || c.TargetHitRate > 1 {
		return fmt.Errorf("target_hit_rate must be within [0, 1], got %v", c.TargetHitRate)
	}
	if c.MemoryLimitBytes <= 0 {
		return fmt.Errorf("memory_limit_bytes must be positive, got %d", c.MemoryLimitBytes)
	}
	return nil
}

// Snapshot is one time-series point.
type Snapshot struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Stats     tiered.Stats `json:"stats"`
}

// TrackedEvent is a recorded cache event with its assigned identifier.
type TrackedEvent struct {
	ID string `json:"id"`
	cache.Event
}

// KeyCount pairs a cache key with how many hits the retained events show
// for it.
type KeyCount struct {
	Key  string `json:"key"`
	Hits int64  `json:"hits"`
}

// Tracker accumulates snapshots and events. It implements cache.EventSink
// so the tiers can feed it directly. Both buffers drop their oldest entries
// first, keeping memory bounded regardless of process uptime.
type Tracker struct {
	mu        sync.Mutex
	snapshots []Snapshot
	events    []TrackedEvent

	config  Config
	clock   clock.Clock
	metrics *Metrics
	logger  *zap.SugaredLogger
}

// NewTracker builds a tracker. metrics may be nil to skip Prometheus
// exposition.
func NewTracker(config Config, metrics *Metrics, logger *zap.SugaredLogger) (*Tracker, error) {
	return NewTrackerWithClock(config, metrics, logger, clock.New())
}

// NewTrackerWithClock is NewTracker with an injectable clock.
func NewTrackerWithClock(config Config, metrics *Metrics, logger *zap.SugaredLogger, clk clock.Clock) (*Tracker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analytics config: %w", err)
	}
	return &Tracker{
		config:  config,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// RecordSnapshot appends a time-series point and forwards it to the
// Prometheus collectors.
func (t *Tracker) RecordSnapshot(stats tiered.Stats) {
	snapshot := Snapshot{
		ID:        uuid.NewString(),
		Timestamp: t.clock.Now(),
		Stats:     stats,
	}

	t.mu.Lock()
	t.snapshots = append(t.snapshots, snapshot)
	if overflow := len(t.snapshots) - t.config.MaxSnapshots; overflow > 0 {
		t.snapshots = append(t.snapshots[:0], t.snapshots[overflow:]...)
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.Observe(stats)
	}
}

// RecordEvent appends a discrete cache event, implementing cache.EventSink.
func (t *Tracker) RecordEvent(event cache.Event) {
	tracked := TrackedEvent{ID: uuid.NewString(), Event: event}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, tracked)
	if overflow := len(t.events) - t.config.MaxEvents; overflow > 0 {
		t.events = append(t.events[:0], t.events[overflow:]...)
	}
}

// TimeSeries returns the retained snapshots taken at or after since, oldest
// first.
func (t *Tracker) TimeSeries(since time.Time) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var points []Snapshot
	for _, snapshot := range t.snapshots {
		if !snapshot.Timestamp.Before(since) {
			points = append(points, snapshot)
		}
	}
	return points
}

// Events returns the most recent events, newest first, at most limit.
func (t *Tracker) Events(limit int) []TrackedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.events) {
		limit = len(t.events)
	}
	recent := make([]TrackedEvent, 0, limit)
	for i := len(t.events) - 1; i >= len(t.events)-limit; i-- {
		recent = append(recent, t.events[i])
	}
	return recent
}

// TopKeys counts hits per key across the retained events and returns the
// hottest keys, at most limit. Recomputing from the bounded event buffer
// keeps the tracker's memory independent of keyspace size.
func (t *Tracker) TopKeys(limit int) []KeyCount {
	t.mu.Lock()
	counts := make(map[string]int64)
	for _, event := range t.events {
		if event.Operation == cache.OpHit {
			counts[event.Key]++
		}
	}
	t.mu.Unlock()

	keys := make([]KeyCount, 0, len(counts))
	for key, hits := range counts {
		keys = append(keys, KeyCount{Key: key, Hits: hits})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Hits != keys[j].Hits {
			return keys[i].Hits > keys[j].Hits
		}
		return keys[i].Key < keys[j].Key
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
