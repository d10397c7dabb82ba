package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/yanolja/promptcache/cache"
)

// keyPrefix namespaces every record so Clear can sweep this store's keys
// without touching the rest of the database.
const keyPrefix = "promptcache:"

// hitsPrefix namespaces the per-record hit counters. It shares keyPrefix so
// Clear sweeps the counters with the records.
const hitsPrefix = keyPrefix + "hits:"

type valkeyEnvelope struct {
	Value      []byte `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds"`
	UpdatedAt  int64  `json:"updated_at"`
}

// ValkeyStore is the shared remote tier: the same Store contract as SQLite,
// backed by a Valkey server so multiple processes can share one cache.
// Expiry is delegated to the server via per-key TTLs; EvictExpired is
// therefore a no-op here.
type ValkeyStore struct {
	client valkey.Client
	config Config
	clock  clock.Clock
	events cache.EventSink
	logger *zap.SugaredLogger

	counters cache.Counters
}

// NewValkeyStore wraps an existing Valkey client. Config.Path is unused by
// this backend.
func NewValkeyStore(client valkey.Client, config Config, logger *zap.SugaredLogger) (*ValkeyStore, error) {
	return NewValkeyStoreWithClock(client, config, logger, clock.New())
}

// NewValkeyStoreWithClock is NewValkeyStore with an injectable clock.
func NewValkeyStoreWithClock(client valkey.Client, config Config, logger *zap.SugaredLogger, clk clock.Clock) (*ValkeyStore, error) {
	if config.OpTimeout <= 0 {
		return nil, fmt.Errorf("op_timeout must be positive, got %v", config.OpTimeout)
	}
	if config.DefaultTTL <= 0 {
		return nil, fmt.Errorf("default_ttl must be positive, got %v", config.DefaultTTL)
	}
	return &ValkeyStore{
		client: client,
		config: config,
		clock:  clk,
		logger: logger,
	}, nil
}

// SetEventSink routes this store's discrete events to sink. Must be called
// before the store is shared between goroutines.
func (s *ValkeyStore) SetEventSink(sink cache.EventSink) {
	s.events = sink
}

func (s *ValkeyStore) Get(ctx context.Context, key string) (Record, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	resp := s.client.Do(ctx, s.client.B().Get().Key(keyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if !valkey.IsValkeyNil(err) {
			s.logger.Warnw("remote get failed", "key", key, "error", err)
		}
		s.miss(key)
		return Record{}, false
	}

	data, err := resp.AsBytes()
	if err != nil {
		s.logger.Warnw("remote get returned unreadable payload", "key", key, "error", err)
		s.miss(key)
		return Record{}, false
	}

	var envelope valkeyEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Warnw("remote entry failed to decode", "key", key, "error", err)
		s.miss(key)
		return Record{}, false
	}

	updatedAt := time.Unix(0, envelope.UpdatedAt)
	s.counters.Hit()
	s.emit(cache.OpHit, key, 0)
	return Record{
		Key:        key,
		Value:      envelope.Value,
		TTLSeconds: envelope.TTLSeconds,
		ExpiresAt:  updatedAt.Add(time.Duration(envelope.TTLSeconds) * time.Second),
		UpdatedAt:  updatedAt,
		Hits:       s.countHit(ctx, key),
	}, true
}

// countHit bumps the persisted hit counter for key and returns the total
// including this read. The counter lives on a sibling key written with the
// record's TTL, so promote thresholds above one work across processes. A
// counter error degrades to one so first-hit promotion still works.
func (s *ValkeyStore) countHit(ctx context.Context, key string) int64 {
	hits, err := s.client.Do(ctx, s.client.B().Incr().Key(hitsPrefix+key).Build()).AsInt64()
	if err != nil {
		s.logger.Warnw("remote hit counter failed", "key", key, "error", err)
		return 1
	}
	return hits
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	data, err := json.Marshal(valkeyEnvelope{
		Value:      value,
		TTLSeconds: int64(ttl.Seconds()),
		UpdatedAt:  s.clock.Now().UnixNano(),
	})
	if err != nil {
		s.logger.Warnw("remote entry failed to encode", "key", key, "error", err)
		return
	}

	err = s.client.Do(ctx, s.client.B().Set().
		Key(keyPrefix+key).
		Value(valkey.BinaryString(data)).
		Ex(ttl).
		Build()).Error()
	if err != nil {
		s.logger.Warnw("remote set failed", "key", key, "error", err)
		return
	}

	// Reset the hit counter alongside the record so it expires with it and
	// an overwrite starts counting from zero.
	err = s.client.Do(ctx, s.client.B().Set().
		Key(hitsPrefix+key).
		Value("0").
		Ex(ttl).
		Build()).Error()
	if err != nil {
		s.logger.Warnw("remote hit counter reset failed", "key", key, "error", err)
	}

	s.counters.Set()
	s.emit(cache.OpSet, key, ttl)
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(keyPrefix+key, hitsPrefix+key).Build()).AsInt64()
	if err != nil {
		s.logger.Warnw("remote delete failed", "key", key, "error", err)
		return false
	}
	if deleted == 0 {
		return false
	}
	s.counters.Delete()
	s.emit(cache.OpDelete, key, 0)
	return true
}

func (s *ValkeyStore) Has(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	exists, err := s.client.Do(ctx, s.client.B().Exists().Key(keyPrefix+key).Build()).AsInt64()
	if err != nil {
		s.logger.Warnw("remote has failed", "key", key, "error", err)
		return false
	}
	return exists > 0
}

func (s *ValkeyStore) Clear(ctx context.Context) {
	cursor := uint64(0)
	for {
		opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
		resp, err := s.client.Do(opCtx, s.client.B().Scan().
			Cursor(cursor).
			Match(keyPrefix+"*").
			Count(512).
			Build()).AsScanEntry()
		cancel()
		if err != nil {
			s.logger.Warnw("remote clear scan failed", "error", err)
			return
		}

		if len(resp.Elements) > 0 {
			opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
			err := s.client.Do(opCtx, s.client.B().Del().Key(resp.Elements...).Build()).Error()
			cancel()
			if err != nil {
				s.logger.Warnw("remote clear delete failed", "error", err)
				return
			}
		}

		cursor = resp.Cursor
		if cursor == 0 {
			return
		}
	}
}

// EvictExpired is a no-op: the server expires keys on its own.
func (s *ValkeyStore) EvictExpired(ctx context.Context) int {
	return 0
}

// Stats snapshots the local counters. Occupancy is not tracked for the
// remote tier; the server owns it.
func (s *ValkeyStore) Stats() cache.Stats {
	return s.counters.Snapshot(0, 0)
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

func (s *ValkeyStore) miss(key string) {
	s.counters.Miss()
	s.emit(cache.OpMiss, key, 0)
}

func (s *ValkeyStore) emit(op cache.Operation, key string, ttl time.Duration) {
	if s.events == nil {
		return
	}
	s.events.RecordEvent(cache.Event{
		Timestamp: s.clock.Now(),
		Tier:      cache.TierRemote,
		Operation: op,
		Key:       key,
		TTL:       ttl,
	})
}
