package promptcache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/config"
	"github.com/yanolja/promptcache/response"
)

func hashEmbedder(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	vector := make([]float32, 3)
	for i, char := range text {
		vector[i%3] += float32(char)
	}
	return vector, nil
}

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DurableBackend = backend
	cfg.Durable.Path = filepath.Join(t.TempDir(), "cache.db")
	return cfg
}

func newTestRegistry(t *testing.T, cfg config.Config) (*Registry, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	registry, err := NewWithClock(cfg, hashEmbedder, zap.NewNop().Sugar(), mockClock)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	return registry, mockClock
}

func TestRegistryRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Port = -1
	_, err := New(cfg, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestRegistryResponseRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig(t, config.BackendNone))
	ctx := context.Background()
	reqContext := response.RequestContext{Model: "gpt-4o"}

	registry.Responses().Set(ctx, "what is a goroutine", "a lightweight thread", reqContext)

	lookup := registry.Responses().Get(ctx, "what is a goroutine", reqContext)
	require.True(t, lookup.Hit)
	assert.Equal(t, response.MatchExact, lookup.Match)
	assert.Equal(t, "a lightweight thread", lookup.Entry.Response)
}

func TestRegistryEmbeddingRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig(t, config.BackendNone))
	ctx := context.Background()

	vector, err := registry.Embeddings().GetOrCreate(ctx, "hello world", "test-model", hashEmbedder)
	require.NoError(t, err)
	require.NotEmpty(t, vector)

	cached, found := registry.Embeddings().Get(ctx, "hello world", "test-model")
	require.True(t, found)
	assert.Equal(t, vector, cached)
}

func TestRegistryStatsMergeTiers(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig(t, config.BackendNone))
	ctx := context.Background()

	// One response write also populates the embedding cache with the
	// query vector.
	registry.Responses().Set(ctx, "what is a goroutine", "a lightweight thread", response.RequestContext{Model: "gpt-4o"})

	stats := registry.Stats()
	assert.Equal(t, int64(2), stats.Aggregate.Sets)
	assert.Equal(t, int64(2), stats.ByTier[cache.TierMemory].Sets)
	assert.Equal(t, int64(2), stats.Aggregate.CurrentSize)
}

func TestRegistryClear(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig(t, config.BackendNone))
	ctx := context.Background()
	reqContext := response.RequestContext{Model: "gpt-4o"}

	registry.Responses().Set(ctx, "what is a goroutine", "a lightweight thread", reqContext)
	require.NoError(t, registry.Clear())
	assert.Equal(t, int64(0), registry.Stats().Aggregate.CurrentSize)

	// The semantic stage recaches the query embedding, so only the response
	// tier is expected to stay empty after the miss.
	assert.False(t, registry.Responses().Get(ctx, "what is a goroutine", reqContext).Hit)
	assert.Equal(t, 0, registry.responseTiers.Memory().Len())
}

func TestRegistryDeleteRoutesByNamespace(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig(t, config.BackendNone))
	ctx := context.Background()

	registry.Responses().Set(ctx, "what is a goroutine", "a lightweight thread", response.RequestContext{Model: "gpt-4o"})
	registry.Embeddings().Set(ctx, "hello world", []float32{1, 2, 3}, "test-model")

	responseKeys := registry.responseTiers.Memory().Snapshot()
	require.Len(t, responseKeys, 1)
	embeddingKeys := registry.embeddingTiers.Memory().Snapshot()
	require.Len(t, embeddingKeys, 2)

	require.NoError(t, registry.Delete(responseKeys[0].Key))
	assert.Equal(t, 0, registry.responseTiers.Memory().Len())

	require.NoError(t, registry.Delete(embeddingKeys[0].Key))
	assert.Equal(t, 1, registry.embeddingTiers.Memory().Len())
}

func TestRegistryFlushOnClose(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	ctx := context.Background()
	reqContext := response.RequestContext{Model: "gpt-4o"}

	first, _ := newTestRegistry(t, cfg)
	first.Responses().Set(ctx, "what is a goroutine", "a lightweight thread", reqContext)
	require.NoError(t, first.Close())

	second, _ := newTestRegistry(t, cfg)
	lookup := second.Responses().Get(ctx, "what is a goroutine", reqContext)
	require.True(t, lookup.Hit)
	assert.Equal(t, "a lightweight thread", lookup.Entry.Response)
}

func TestRegistryCloseIsIdempotent(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig(t, config.BackendSQLite))
	require.NoError(t, registry.Close())
	require.NoError(t, registry.Close())
}

func TestRegistryBackgroundSnapshots(t *testing.T) {
	cfg := testConfig(t, config.BackendNone)
	cfg.SnapshotInterval = "1m"
	registry, mockClock := newTestRegistry(t, cfg)

	registry.Responses().Set(context.Background(), "what is a goroutine", "a lightweight thread", response.RequestContext{Model: "gpt-4o"})

	mockClock.Add(time.Minute)
	require.Eventually(t, func() bool {
		return len(registry.Tracker().TimeSeries(time.Time{})) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryBackgroundSweep(t *testing.T) {
	cfg := testConfig(t, config.BackendNone)
	cfg.SweepInterval = "1m"
	registry, mockClock := newTestRegistry(t, cfg)
	ctx := context.Background()

	// Short TTL so the entry is expired by the first sweep.
	registry.Embeddings().Set(ctx, "hello world", []float32{1, 2, 3}, "test-model")
	mockClock.Add(8 * 24 * time.Hour)

	require.Eventually(t, func() bool {
		return registry.embeddingTiers.Memory().Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryMonitoringAPI(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig(t, config.BackendNone))
	api := registry.MonitoringAPI()
	require.NotNil(t, api)
	require.NotNil(t, api.Handler())
}
