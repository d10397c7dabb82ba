package analytics

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/tiered"
)

func newTestTracker(t *testing.T, config Config) (*Tracker, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	tracker, err := NewTrackerWithClock(config, nil, zap.NewNop().Sugar(), mockClock)
	require.NoError(t, err)
	return tracker, mockClock
}

func makeStats(hits, misses, sets, evictions, size, bytes, tokensSaved int64) tiered.Stats {
	aggregate := cache.Stats{
		Hits:             hits,
		Misses:           misses,
		Sets:             sets,
		Evictions:        evictions,
		CurrentSize:      size,
		MemoryUsageBytes: bytes,
		TokensSaved:      tokensSaved,
	}
	if hits+misses > 0 {
		aggregate.HitRate = float64(hits) / float64(hits+misses)
	}
	return tiered.Stats{
		ByTier:    map[cache.Tier]cache.Stats{cache.TierMemory: aggregate},
		Aggregate: aggregate,
	}
}

func TestTrackerConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "zero max snapshots", mutate: func(c *Config) { c.MaxSnapshots = 0 }, wantErr: true},
		{name: "negative max events", mutate: func(c *Config) { c.MaxEvents = -1 }, wantErr: true},
		{name: "target hit rate above one", mutate: func(c *Config) { c.TargetHitRate = 1.5 }, wantErr: true},
		{name: "zero memory limit", mutate: func(c *Config) { c.MemoryLimitBytes = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSnapshotRetention(t *testing.T) {
	config := DefaultConfig()
	config.MaxSnapshots = 3
	tracker, mockClock := newTestTracker(t, config)

	for i := int64(1); i <= 5; i++ {
		tracker.RecordSnapshot(makeStats(i, 0, i, 0, i, 0, 0))
		mockClock.Add(time.Minute)
	}

	points := tracker.TimeSeries(time.Time{})
	require.Len(t, points, 3)
	assert.Equal(t, int64(3), points[0].Stats.Aggregate.Hits)
	assert.Equal(t, int64(5), points[2].Stats.Aggregate.Hits)
	assert.True(t, points[0].Timestamp.Before(points[2].Timestamp))
	for _, point := range points {
		assert.NotEmpty(t, point.ID)
	}
}

func TestTimeSeriesSince(t *testing.T) {
	tracker, mockClock := newTestTracker(t, DefaultConfig())

	tracker.RecordSnapshot(makeStats(1, 0, 1, 0, 1, 0, 0))
	mockClock.Add(10 * time.Minute)
	cutoff := mockClock.Now()
	tracker.RecordSnapshot(makeStats(2, 0, 2, 0, 2, 0, 0))
	mockClock.Add(10 * time.Minute)
	tracker.RecordSnapshot(makeStats(3, 0, 3, 0, 3, 0, 0))

	points := tracker.TimeSeries(cutoff)
	require.Len(t, points, 2)
	assert.Equal(t, int64(2), points[0].Stats.Aggregate.Hits)
	assert.Equal(t, int64(3), points[1].Stats.Aggregate.Hits)
}

func TestEventRetentionAndOrder(t *testing.T) {
	config := DefaultConfig()
	config.MaxEvents = 4
	tracker, _ := newTestTracker(t, config)

	keys := []string{"a", "b", "c", "d", "e", "f"}
	for _, key := range keys {
		tracker.RecordEvent(cache.Event{Tier: cache.TierMemory, Operation: cache.OpHit, Key: key})
	}

	t.Run("oldest events are dropped", func(t *testing.T) {
		events := tracker.Events(0)
		require.Len(t, events, 4)
		assert.Equal(t, "f", events[0].Key)
		assert.Equal(t, "c", events[3].Key)
	})

	t.Run("limit returns newest first", func(t *testing.T) {
		events := tracker.Events(2)
		require.Len(t, events, 2)
		assert.Equal(t, "f", events[0].Key)
		assert.Equal(t, "e", events[1].Key)
	})
}

func TestTopKeys(t *testing.T) {
	tracker, _ := newTestTracker(t, DefaultConfig())

	record := func(op cache.Operation, key string, times int) {
		for i := 0; i < times; i++ {
			tracker.RecordEvent(cache.Event{Tier: cache.TierMemory, Operation: op, Key: key})
		}
	}
	record(cache.OpHit, "hot", 5)
	record(cache.OpHit, "warm", 2)
	record(cache.OpHit, "cool", 1)
	record(cache.OpMiss, "hot", 10)
	record(cache.OpSet, "warm", 10)

	t.Run("only hits count", func(t *testing.T) {
		keys := tracker.TopKeys(0)
		require.Len(t, keys, 3)
		assert.Equal(t, KeyCount{Key: "hot", Hits: 5}, keys[0])
		assert.Equal(t, KeyCount{Key: "warm", Hits: 2}, keys[1])
		assert.Equal(t, KeyCount{Key: "cool", Hits: 1}, keys[2])
	})

	t.Run("limit truncates", func(t *testing.T) {
		keys := tracker.TopKeys(1)
		require.Len(t, keys, 1)
		assert.Equal(t, "hot", keys[0].Key)
	})
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, HealthExcellent, classifyHealth(0.95))
	assert.Equal(t, HealthExcellent, classifyHealth(0.9))
	assert.Equal(t, HealthGood, classifyHealth(0.7))
	assert.Equal(t, HealthFair, classifyHealth(0.5))
	assert.Equal(t, HealthPoor, classifyHealth(0.49))
	assert.Equal(t, HealthPoor, classifyHealth(0))
}

func TestHealthIndicators(t *testing.T) {
	config := DefaultConfig()
	config.TargetHitRate = 0.7
	config.MemoryLimitBytes = 1000
	tracker, _ := newTestTracker(t, config)

	t.Run("healthy cache has no warnings", func(t *testing.T) {
		indicators := tracker.HealthIndicators(makeStats(90, 10, 100, 0, 50, 100, 0))
		assert.Equal(t, HealthExcellent, indicators.Overall)
		assert.Empty(t, indicators.Recommendations)
	})

	t.Run("low hit rate", func(t *testing.T) {
		indicators := tracker.HealthIndicators(makeStats(3, 7, 10, 0, 5, 100, 0))
		assert.Equal(t, HealthPoor, indicators.Overall)
		require.Len(t, indicators.Recommendations, 1)
		assert.Contains(t, indicators.Recommendations[0], "hit rate")
	})

	t.Run("memory pressure", func(t *testing.T) {
		indicators := tracker.HealthIndicators(makeStats(90, 10, 100, 0, 50, 900, 0))
		assert.InDelta(t, 0.9, indicators.MemoryPressure, 0.001)
		require.Len(t, indicators.Recommendations, 1)
		assert.Contains(t, indicators.Recommendations[0], "memory")
	})

	t.Run("eviction churn", func(t *testing.T) {
		indicators := tracker.HealthIndicators(makeStats(90, 10, 100, 20, 50, 100, 0))
		assert.InDelta(t, 0.2, indicators.EvictionRate, 0.001)
		require.Len(t, indicators.Recommendations, 1)
		assert.Contains(t, indicators.Recommendations[0], "eviction")
	})

	t.Run("empty cache", func(t *testing.T) {
		indicators := tracker.HealthIndicators(makeStats(0, 0, 0, 0, 0, 0, 0))
		require.Len(t, indicators.Recommendations, 1)
		assert.Contains(t, indicators.Recommendations[0], "pre-warming")
	})

	t.Run("multiple findings are independent", func(t *testing.T) {
		indicators := tracker.HealthIndicators(makeStats(2, 8, 10, 5, 5, 950, 0))
		assert.Len(t, indicators.Recommendations, 3)
	})

	t.Run("large savings are surfaced", func(t *testing.T) {
		indicators := tracker.HealthIndicators(makeStats(900, 100, 1000, 0, 50, 100, 250_000))
		require.Len(t, indicators.Recommendations, 1)
		assert.Contains(t, indicators.Recommendations[0], "250000")
	})
}

func TestReport(t *testing.T) {
	tracker, _ := newTestTracker(t, DefaultConfig())
	tracker.RecordEvent(cache.Event{Tier: cache.TierMemory, Operation: cache.OpHit, Key: "popular"})

	report := tracker.Report(makeStats(3, 7, 10, 0, 5, 100, 42))
	assert.Contains(t, report, "Health:       poor")
	assert.Contains(t, report, "Hit rate:     0.30")
	assert.Contains(t, report, "Tokens saved: 42")
	assert.Contains(t, report, "popular")
	assert.Contains(t, report, "Recommendations:")
}
