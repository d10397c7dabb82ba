package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/tiered"
)

func newTestCache(t *testing.T, config Config) *Cache {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	l1, err := cache.NewStore[Entry](cache.DefaultStoreConfig(), nil, logger)
	require.NoError(t, err)
	tiers, err := tiered.New(l1, nil, tiered.JSONCodec[Entry](), tiered.DefaultPolicy(), logger)
	require.NoError(t, err)
	embeddings, err := New(tiers, config, logger)
	require.NoError(t, err)
	return embeddings
}

func constantVector(value float32) []float32 {
	return []float32{value, value, value}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxTextLength: 0, TTL: time.Hour}.Validate())
	assert.Error(t, Config{MaxTextLength: 100, TTL: 0}.Validate())
}

func TestGetSet(t *testing.T) {
	embeddings := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	_, ok := embeddings.Get(ctx, "hello", "m1")
	assert.False(t, ok)

	embeddings.Set(ctx, "hello", constantVector(1), "m1")

	vector, ok := embeddings.Get(ctx, "hello", "m1")
	require.True(t, ok)
	assert.Equal(t, constantVector(1), vector)
}

func TestKeyNormalization(t *testing.T) {
	embeddings := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	embeddings.Set(ctx, "Hello   World", constantVector(1), "m1")

	// Normalized variants of the same content share an entry.
	vector, ok := embeddings.Get(ctx, "hello world", "m1")
	require.True(t, ok)
	assert.Equal(t, constantVector(1), vector)

	// The same content under a different model does not collide.
	_, ok = embeddings.Get(ctx, "hello world", "m2")
	assert.False(t, ok)
}

func TestGetOrCreateComputesOnce(t *testing.T) {
	embeddings := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return constantVector(2), nil
	}

	vector, err := embeddings.GetOrCreate(ctx, "hello", "m1", compute)
	require.NoError(t, err)
	assert.Equal(t, constantVector(2), vector)

	vector, err = embeddings.GetOrCreate(ctx, "hello", "m1", compute)
	require.NoError(t, err)
	assert.Equal(t, constantVector(2), vector)

	assert.Equal(t, int64(1), calls.Load())
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	embeddings := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return constantVector(3), nil
	}

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vector, err := embeddings.GetOrCreate(ctx, "hello", "m1", compute)
			assert.NoError(t, err)
			assert.Equal(t, constantVector(3), vector)
		}()
	}
	wg.Wait()

	// All concurrent callers shared one in-flight computation.
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetOrCreateComputeFailure(t *testing.T) {
	embeddings := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int64
	failing := func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return nil, fmt.Errorf("embedding service down")
	}

	_, err := embeddings.GetOrCreate(ctx, "hello", "m1", failing)
	assert.Error(t, err)

	// Failures are not cached; the next call computes again.
	_, err = embeddings.GetOrCreate(ctx, "hello", "m1", failing)
	assert.Error(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestOversizedTextBypassesCache(t *testing.T) {
	config := DefaultConfig()
	config.MaxTextLength = 16
	embeddings := newTestCache(t, config)
	ctx := context.Background()

	longText := strings.Repeat("a", 64)

	var calls atomic.Int64
	compute := func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return constantVector(4), nil
	}

	// Still computed and returned, just never cached.
	vector, err := embeddings.GetOrCreate(ctx, longText, "m1", compute)
	require.NoError(t, err)
	assert.Equal(t, constantVector(4), vector)

	_, err = embeddings.GetOrCreate(ctx, longText, "m1", compute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())

	embeddings.Set(ctx, longText, constantVector(4), "m1")
	_, ok := embeddings.Get(ctx, longText, "m1")
	assert.False(t, ok)
}

func TestBatchGetSet(t *testing.T) {
	embeddings := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	embeddings.BatchSet(ctx, map[string][]float32{
		"alpha": constantVector(1),
		"beta":  constantVector(2),
	}, "m1")

	found := embeddings.BatchGet(ctx, []string{"alpha", "beta", "gamma"}, "m1")
	assert.Len(t, found, 2)
	assert.Equal(t, constantVector(1), found["alpha"])
	assert.Equal(t, constantVector(2), found["beta"])
}

func TestPrewarm(t *testing.T) {
	embeddings := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	embeddings.Set(ctx, "already cached", constantVector(1), "m1")

	var calls atomic.Int64
	compute := func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		if text == "broken" {
			return nil, fmt.Errorf("embedding service down")
		}
		return constantVector(5), nil
	}

	warmed := embeddings.Prewarm(ctx,
		[]string{"already cached", "common greeting", "broken"}, "m1", compute)

	assert.Equal(t, 1, warmed)
	assert.Equal(t, int64(2), calls.Load())

	vector, ok := embeddings.Get(ctx, "common greeting", "m1")
	require.True(t, ok)
	assert.Equal(t, constantVector(5), vector)
}
