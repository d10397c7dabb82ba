package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/yanolja/promptcache/cache"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hits INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at);
`

// SQLiteStore persists cache entries in a single SQLite table. Point
// lookups go through the primary key; expiry sweeps range-delete on the
// expires_at index. Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db     *sql.DB
	config Config
	clock  clock.Clock
	events cache.EventSink
	logger *zap.SugaredLogger

	counters cache.Counters
}

// NewSQLiteStore opens (and if needed migrates) the database at config.Path.
func NewSQLiteStore(config Config, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	return NewSQLiteStoreWithClock(config, logger, clock.New())
}

// NewSQLiteStoreWithClock is NewSQLiteStore with an injectable clock.
func NewSQLiteStoreWithClock(config Config, logger *zap.SugaredLogger, clk clock.Clock) (*SQLiteStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid durable config: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		config: config,
		clock:  clk,
		logger: logger,
	}, nil
}

// SetEventSink routes this store's discrete events to sink. Must be called
// before the store is shared between goroutines.
func (s *SQLiteStore) SetEventSink(sink cache.EventSink) {
	s.events = sink
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	var (
		record    Record
		expiresAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, ttl_seconds, expires_at, hits, updated_at FROM cache_entries WHERE key = ?`,
		key,
	).Scan(&record.Value, &record.TTLSeconds, &expiresAt, &record.Hits, &updatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warnw("durable get failed", "key", key, "error", err)
		}
		s.miss(key)
		return Record{}, false
	}

	now := s.clock.Now()
	if expiresAt <= now.UnixNano() {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			s.logger.Warnw("durable expiry delete failed", "key", key, "error", err)
		}
		s.miss(key)
		return Record{}, false
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET hits = hits + 1 WHERE key = ?`, key); err != nil {
		s.logger.Warnw("durable hit count update failed", "key", key, "error", err)
	}

	record.Key = key
	record.Hits++
	record.ExpiresAt = time.Unix(0, expiresAt)
	record.UpdatedAt = time.Unix(0, updatedAt)
	s.counters.Hit()
	s.emit(cache.OpHit, key, 0)
	return record, true
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, ttl_seconds, expires_at, hits, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, int64(ttl.Seconds()), now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		s.logger.Warnw("durable set failed", "key", key, "error", err)
		return
	}
	s.counters.Set()
	s.emit(cache.OpSet, key, ttl)
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		s.logger.Warnw("durable delete failed", "key", key, "error", err)
		return false
	}
	affected, err := result.RowsAffected()
	if err != nil || affected == 0 {
		return false
	}
	s.counters.Delete()
	s.emit(cache.OpDelete, key, 0)
	return true
}

func (s *SQLiteStore) Has(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&expiresAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warnw("durable has failed", "key", key, "error", err)
		}
		return false
	}
	return expiresAt > s.clock.Now().UnixNano()
}

func (s *SQLiteStore) Clear(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		s.logger.Warnw("durable clear failed", "error", err)
	}
}

func (s *SQLiteStore) EvictExpired(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, s.clock.Now().UnixNano())
	if err != nil {
		s.logger.Warnw("durable expiry sweep failed", "error", err)
		return 0
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	s.counters.Evict(affected)
	return int(affected)
}

func (s *SQLiteStore) Stats() cache.Stats {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.OpTimeout)
	defer cancel()

	var count, bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries`).
		Scan(&count, &bytes)
	if err != nil {
		s.logger.Warnw("durable stats query failed", "error", err)
	}
	return s.counters.Snapshot(count.Int64, bytes.Int64)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) miss(key string) {
	s.counters.Miss()
	s.emit(cache.OpMiss, key, 0)
}

func (s *SQLiteStore) emit(op cache.Operation, key string, ttl time.Duration) {
	if s.events == nil {
		return
	}
	s.events.RecordEvent(cache.Event{
		Timestamp: s.clock.Now(),
		Tier:      cache.TierDurable,
		Operation: op,
		Key:       key,
		TTL:       ttl,
	})
}
