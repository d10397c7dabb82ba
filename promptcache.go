// Package promptcache assembles the multi-tier LLM response cache: bounded
// in-memory stores, an optional durable tier, similarity-matched response
// lookup, an embedding cache and the analytics tracker, all wired from one
// configuration tree.
package promptcache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/yanolja/promptcache/analytics"
	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/config"
	"github.com/yanolja/promptcache/durable"
	"github.com/yanolja/promptcache/embedding"
	"github.com/yanolja/promptcache/response"
	"github.com/yanolja/promptcache/tiered"
)

// Registry owns every cache component and their background loops. Create it
// with New, use the Responses and Embeddings accessors on the hot path, and
// Close it on shutdown to flush the memory tier into the durable one.
type Registry struct {
	config  config.Config
	logger  *zap.SugaredLogger
	clock   clock.Clock
	metrics *analytics.Metrics
	tracker *analytics.Tracker

	store          durable.Store
	responseTiers  *tiered.Cache[response.Entry]
	embeddingTiers *tiered.Cache[embedding.Entry]
	embeddings     *embedding.Cache
	responses      *response.Cache

	done      chan bool
	loops     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New wires a registry from the configuration. embedder computes embedding
// vectors on cache misses; it may be nil to disable semantic matching.
func New(cfg config.Config, embedder embedding.ComputeFunc, logger *zap.SugaredLogger) (*Registry, error) {
	return NewWithClock(cfg, embedder, logger, clock.New())
}

// NewWithClock is New with an injectable clock.
func NewWithClock(cfg config.Config, embedder embedding.ComputeFunc, logger *zap.SugaredLogger, clk clock.Clock) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	metrics := analytics.NewMetrics("promptcache")
	tracker, err := analytics.NewTrackerWithClock(cfg.Analytics, metrics, logger, clk)
	if err != nil {
		return nil, err
	}

	store, err := openDurable(cfg, tracker, logger, clk)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		config:  cfg,
		logger:  logger,
		clock:   clk,
		metrics: metrics,
		tracker: tracker,
		store:   store,
		done:    make(chan bool),
	}

	responseMemory, err := cache.NewStoreWithClock[response.Entry](cfg.ResponseStore, nil, logger, clk)
	if err != nil {
		return nil, err
	}
	responseMemory.SetEventSink(tracker)
	registry.responseTiers, err = tiered.NewWithClock(responseMemory, store, tiered.JSONCodec[response.Entry](), cfg.Tiering, logger, clk)
	if err != nil {
		return nil, err
	}

	embeddingMemory, err := cache.NewStoreWithClock[embedding.Entry](cfg.EmbeddingStore, nil, logger, clk)
	if err != nil {
		return nil, err
	}
	embeddingMemory.SetEventSink(tracker)
	registry.embeddingTiers, err = tiered.NewWithClock(embeddingMemory, store, tiered.JSONCodec[embedding.Entry](), cfg.Tiering, logger, clk)
	if err != nil {
		return nil, err
	}

	registry.embeddings, err = embedding.New(registry.embeddingTiers, cfg.Embedding, logger)
	if err != nil {
		return nil, err
	}
	registry.responses, err = response.New(registry.responseTiers, registry.embeddings, embedder, nil, cfg.Response, logger)
	if err != nil {
		return nil, err
	}

	registry.startLoop(cfg.SnapshotEvery(), registry.snapshot)
	registry.startLoop(cfg.SweepEvery(), registry.sweep)
	if cfg.Tiering.DemoteOnExpire {
		registry.startLoop(cfg.DemoteEvery(), registry.demote)
	}

	return registry, nil
}

// openDurable builds the configured durable backend. Both tier caches
// share one store; their key namespaces keep entries apart.
func openDurable(cfg config.Config, tracker *analytics.Tracker, logger *zap.SugaredLogger, clk clock.Clock) (durable.Store, error) {
	switch cfg.DurableBackend {
	case config.BackendNone:
		return nil, nil
	case config.BackendSQLite:
		store, err := durable.NewSQLiteStoreWithClock(cfg.Durable, logger, clk)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store.SetEventSink(tracker)
		return store, nil
	case config.BackendValkey:
		client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{cfg.ValkeyEndpoint}})
		if err != nil {
			return nil, fmt.Errorf("connect to valkey: %w", err)
		}
		store, err := durable.NewValkeyStoreWithClock(client, cfg.Durable, logger, clk)
		if err != nil {
			return nil, err
		}
		store.SetEventSink(tracker)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown durable backend %q", cfg.DurableBackend)
	}
}

// Responses returns the similarity-matched response cache.
func (r *Registry) Responses() *response.Cache {
	return r.responses
}

// Embeddings returns the embedding cache.
func (r *Registry) Embeddings() *embedding.Cache {
	return r.embeddings
}

// Tracker returns the analytics tracker.
func (r *Registry) Tracker() *analytics.Tracker {
	return r.tracker
}

// MonitoringAPI returns the HTTP monitoring surface, ready to serve.
func (r *Registry) MonitoringAPI() *analytics.API {
	return analytics.NewAPI(r, r.tracker, r.logger)
}

// Stats merges the response and embedding cache statistics into one view.
// The durable store is shared between the two caches, so it is counted once.
func (r *Registry) Stats() tiered.Stats {
	memory := r.responseTiers.Memory().Stats().Merge(r.embeddingTiers.Memory().Stats())
	merged := tiered.Stats{
		ByTier:    map[cache.Tier]cache.Stats{cache.TierMemory: memory},
		Aggregate: memory,
	}
	if r.store != nil {
		tier := cache.TierDurable
		if r.config.DurableBackend == config.BackendValkey {
			tier = cache.TierRemote
		}
		durableStats := r.store.Stats()
		merged.ByTier[tier] = durableStats
		merged.Aggregate = merged.Aggregate.Merge(durableStats)
	}
	return merged
}

// Clear drops every entry from every tier.
func (r *Registry) Clear() error {
	ctx := context.Background()
	r.responseTiers.Clear(ctx)
	r.embeddingTiers.Clear(ctx)
	return nil
}

// Delete removes one entry by its full cache key, routing on the key's
// namespace prefix.
func (r *Registry) Delete(key string) error {
	ctx := context.Background()
	if strings.HasPrefix(key, "embedding:") {
		r.embeddingTiers.Delete(ctx, key)
		return nil
	}
	r.responseTiers.Delete(ctx, key)
	return nil
}

// Close stops the background loops, flushes the memory tier into the
// durable tier and closes the durable store. Safe to call more than once.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.loops.Wait()

		ctx := context.Background()
		if r.store != nil {
			flushed := r.responseTiers.Flush(ctx) + r.embeddingTiers.Flush(ctx)
			r.logger.Infow("Flushed memory tier to durable store", "entries", flushed)
			r.closeErr = r.store.Close()
		}
	})
	return r.closeErr
}

// startLoop runs fn every interval until Close.
func (r *Registry) startLoop(interval time.Duration, fn func()) {
	ticker := r.clock.Ticker(interval)
	r.loops.Add(1)

	go func() {
		defer r.loops.Done()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-r.done:
				ticker.Stop()
				return
			}
		}
	}()
}

func (r *Registry) snapshot() {
	r.tracker.RecordSnapshot(r.Stats())
}

func (r *Registry) sweep() {
	ctx := context.Background()
	evicted := r.responseTiers.EvictExpired(ctx) + r.embeddingTiers.EvictExpired(ctx)
	if evicted > 0 {
		r.logger.Debugw("Swept expired entries", "count", evicted)
	}
}

func (r *Registry) demote() {
	ctx := context.Background()
	demoted := r.responseTiers.DemoteAged(ctx) + r.embeddingTiers.DemoteAged(ctx)
	if demoted > 0 {
		r.logger.Debugw("Demoted aged entries to durable tier", "count", demoted)
	}
}
