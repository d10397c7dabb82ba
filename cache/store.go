package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Per-entry bookkeeping cost beyond the serialized value: key string header,
// list element, index slot and GC overhead.
const entryOverheadBytes = 128

// SizeFunc estimates the in-memory footprint of a value in bytes. The
// estimate only has to be consistent, not exact; it drives the MaxBytes
// accounting and the oversized-value rejection.
type SizeFunc[V any] func(value V) int64

// JSONSize estimates a value's size by its JSON encoding. It is the default
// SizeFunc; callers with a cheaper per-type measure should supply their own.
func JSONSize[V any](value V) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// StoreConfig bounds a Store.
type StoreConfig struct {
	// MaxEntries caps the number of live entries. Zero disables the cap.
	MaxEntries int `yaml:"max_entries"`

	// MaxBytes caps the estimated memory footprint. Zero disables the cap.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxValueBytes rejects individual values larger than this. Zero
	// disables the check.
	MaxValueBytes int64 `yaml:"max_value_bytes"`

	// DefaultTTL applies when Set is called with a non-positive TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// DefaultStoreConfig returns the bounds used by the in-process tier when
// nothing is configured.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxEntries:    10000,
		MaxBytes:      256 << 20,
		MaxValueBytes: 1 << 20,
		DefaultTTL:    time.Hour,
	}
}

// Validate fails fast on configurations that would misbehave at request
// time.
func (c StoreConfig) Validate() error {
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_entries must not be negative, got %d", c.MaxEntries)
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("max_bytes must not be negative, got %d", c.MaxBytes)
	}
	if c.MaxValueBytes < 0 {
		return fmt.Errorf("max_value_bytes must not be negative, got %d", c.MaxValueBytes)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive, got %v", c.DefaultTTL)
	}
	return nil
}

// Entry is an externally visible copy of one cached record, as returned by
// Snapshot.
type Entry[V any] struct {
	Key       string
	Value     V
	TTL       time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
	HitCount  int64
	SizeBytes int64
}

type storeEntry[V any] struct {
	key       string
	value     V
	ttl       time.Duration
	createdAt time.Time
	expiresAt time.Time
	hitCount  int64
	sizeBytes int64
}

// Store is the fast in-process tier: a hash index over a doubly-linked list
// ordered from most-recently-used (front) to least-recently-used (back).
// All operations are O(1) amortized and safe for concurrent use; the single
// mutex covers both the index and the list because LRU relinking mutates
// shared pointers.
type Store[V any] struct {
	mu    sync.Mutex
	index map[string]*list.Element
	lru   *list.List
	usage int64

	config StoreConfig
	sizeOf SizeFunc[V]
	clock  clock.Clock
	events EventSink
	logger *zap.SugaredLogger

	counters Counters
}

// NewStore creates a Store with the given bounds. A nil sizeOf falls back to
// JSONSize. The configuration is validated here so invalid bounds surface at
// startup rather than at request time.
func NewStore[V any](config StoreConfig, sizeOf SizeFunc[V], logger *zap.SugaredLogger) (*Store[V], error) {
	return NewStoreWithClock(config, sizeOf, logger, clock.New())
}

// NewStoreWithClock is NewStore with an injectable clock. Tests use
// clock.NewMock to make TTL expiry deterministic.
func NewStoreWithClock[V any](config StoreConfig, sizeOf SizeFunc[V], logger *zap.SugaredLogger, clk clock.Clock) (*Store[V], error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if sizeOf == nil {
		sizeOf = JSONSize[V]
	}
	return &Store[V]{
		index:  make(map[string]*list.Element),
		lru:    list.New(),
		config: config,
		sizeOf: sizeOf,
		clock:  clk,
		logger: logger,
	}, nil
}

// SetEventSink routes this store's discrete events to sink. Must be called
// before the store is shared between goroutines.
func (s *Store[V]) SetEventSink(sink EventSink) {
	s.events = sink
}

// Get returns the live value for key and marks it most recently used. An
// expired entry is removed and reported as a miss.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	element, exists := s.index[key]
	if !exists {
		s.counters.Miss()
		s.emit(OpMiss, key, 0, 0)
		return zero, false
	}

	entry := element.Value.(*storeEntry[V])
	if !s.clock.Now().Before(entry.expiresAt) {
		s.removeElement(element)
		s.counters.Evict(1)
		s.counters.Miss()
		s.emit(OpEvict, key, entry.ttl, entry.sizeBytes)
		s.emit(OpMiss, key, 0, 0)
		return zero, false
	}

	entry.hitCount++
	s.lru.MoveToFront(element)
	s.counters.Hit()
	s.emit(OpHit, key, entry.ttl, entry.sizeBytes)
	return entry.value, true
}

// Set stores value under key, replacing any existing entry. A non-positive
// ttl uses the configured default. Values larger than MaxValueBytes are
// rejected: the set becomes a logged no-op so an oversized payload can never
// evict the rest of the tier.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	sizeBytes := s.sizeOf(value) + entryOverheadBytes
	if s.config.MaxValueBytes > 0 && sizeBytes > s.config.MaxValueBytes {
		s.logger.Warnw("value too large to cache",
			"key", key,
			"size_bytes", sizeBytes,
			"max_value_bytes", s.config.MaxValueBytes)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if element, exists := s.index[key]; exists {
		s.removeElement(element)
	}

	s.evictForSpace(sizeBytes)

	now := s.clock.Now()
	entry := &storeEntry[V]{
		key:       key,
		value:     value,
		ttl:       ttl,
		createdAt: now,
		expiresAt: now.Add(ttl),
		sizeBytes: sizeBytes,
	}
	s.index[key] = s.lru.PushFront(entry)
	s.usage += sizeBytes
	s.counters.Set()
	s.emit(OpSet, key, ttl, sizeBytes)
}

// Delete removes key, reporting whether an entry existed.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	element, exists := s.index[key]
	if !exists {
		return false
	}
	entry := element.Value.(*storeEntry[V])
	s.removeElement(element)
	s.counters.Delete()
	s.emit(OpDelete, key, entry.ttl, entry.sizeBytes)
	return true
}

// Has reports whether a live entry exists for key without touching hit
// counts or LRU order.
func (s *Store[V]) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	element, exists := s.index[key]
	if !exists {
		return false
	}
	return s.clock.Now().Before(element.Value.(*storeEntry[V]).expiresAt)
}

// Clear drops every entry. Counters are kept; occupancy resets to zero.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = make(map[string]*list.Element)
	s.lru.Init()
	s.usage = 0
}

// EvictExpired removes all expired entries and returns how many were
// dropped.
func (s *Store[V]) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	evicted := 0
	for element := s.lru.Back(); element != nil; {
		prev := element.Prev()
		entry := element.Value.(*storeEntry[V])
		if !now.Before(entry.expiresAt) {
			s.removeElement(element)
			s.emit(OpEvict, entry.key, entry.ttl, entry.sizeBytes)
			evicted++
		}
		element = prev
	}
	s.counters.Evict(int64(evicted))
	return evicted
}

// Len returns the number of entries currently held, expired or not.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Usage returns the estimated memory footprint in bytes.
func (s *Store[V]) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Stats snapshots this tier's counters and occupancy.
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	size := int64(s.lru.Len())
	usage := s.usage
	s.mu.Unlock()
	return s.counters.Snapshot(size, usage)
}

// Counters exposes the tier's counters so the response cache can credit
// tokens saved against the tier it hit.
func (s *Store[V]) Counters() *Counters {
	return &s.counters
}

// Snapshot copies all live entries, most recently used first. The tier
// coordinator uses it to flush to the durable tier on shutdown and to find
// demotion candidates; the analytics tracker uses it for top-key reporting.
func (s *Store[V]) Snapshot() []Entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entries := make([]Entry[V], 0, s.lru.Len())
	for element := s.lru.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*storeEntry[V])
		if !now.Before(entry.expiresAt) {
			continue
		}
		entries = append(entries, Entry[V]{
			Key:       entry.key,
			Value:     entry.value,
			TTL:       entry.ttl,
			CreatedAt: entry.createdAt,
			ExpiresAt: entry.expiresAt,
			HitCount:  entry.hitCount,
			SizeBytes: entry.sizeBytes,
		})
	}
	return entries
}

// evictForSpace drops least-recently-used entries until the new entry fits
// within both bounds. Caller holds s.mu.
func (s *Store[V]) evictForSpace(incomingBytes int64) {
	for s.lru.Len() > 0 {
		overCount := s.config.MaxEntries > 0 && s.lru.Len() >= s.config.MaxEntries
		overBytes := s.config.MaxBytes > 0 && s.usage+incomingBytes > s.config.MaxBytes
		if !overCount && !overBytes {
			return
		}
		tail := s.lru.Back()
		entry := tail.Value.(*storeEntry[V])
		s.removeElement(tail)
		s.counters.Evict(1)
		s.emit(OpEvict, entry.key, entry.ttl, entry.sizeBytes)
	}
}

// removeElement unlinks an element from both the index and the list and
// updates memory accounting. Caller holds s.mu.
func (s *Store[V]) removeElement(element *list.Element) {
	entry := element.Value.(*storeEntry[V])
	delete(s.index, entry.key)
	s.lru.Remove(element)
	s.usage -= entry.sizeBytes
}

func (s *Store[V]) emit(op Operation, key string, ttl time.Duration, sizeBytes int64) {
	if s.events == nil {
		return
	}
	s.events.RecordEvent(Event{
		Timestamp: s.clock.Now(),
		Tier:      TierMemory,
		Operation: op,
		Key:       key,
		TTL:       ttl,
		SizeBytes: sizeBytes,
	})
}
