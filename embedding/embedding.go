// Package embedding deduplicates vector-embedding computation by content
// hash. It sits on top of the tier coordinator so embeddings survive
// restarts, and collapses concurrent computations for the same text into a
// single in-flight call.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/tiered"
	"github.com/yanolja/promptcache/utils"
)

// ComputeFunc produces an embedding for text. Supplied by the caller and
// invoked only on cache miss.
type ComputeFunc func(ctx context.Context, text string) ([]float32, error)

// Entry is one cached embedding.
type Entry struct {
	Text        string    `json:"text"`
	Vector      []float32 `json:"vector"`
	Model       string    `json:"model"`
	ContentHash string    `json:"content_hash"`
	TokenCount  int       `json:"token_count"`
}

// Config bounds the embedding cache.
type Config struct {
	// MaxTextLength rejects longer texts from caching; they are still
	// computed and returned, just not stored.
	MaxTextLength int `yaml:"max_text_length"`

	// TTL applies to every cached embedding. Embeddings are deterministic
	// per model, so this is long by default.
	TTL time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the embedding-cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxTextLength: 8192,
		TTL:           7 * 24 * time.Hour,
	}
}

// Validate fails fast on configurations that would misbehave at request
// time.
func (c Config) Validate() error {
	if c.MaxTextLength <= 0 {
		return fmt.Errorf("max_text_length must be positive, got %d", c.MaxTextLength)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %v", c.TTL)
	}
	return nil
}

// Cache deduplicates embedding computation. Keys are
// "embedding:{model}:{sha256-hex-of-normalized-text}", so identical content
// under different models never collides.
type Cache struct {
	tiers  *tiered.Cache[Entry]
	config Config
	group  singleflight.Group
	logger *zap.SugaredLogger
}

// New wraps the tier coordinator with embedding semantics.
func New(tiers *tiered.Cache[Entry], config Config, logger *zap.SugaredLogger) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embedding config: %w", err)
	}
	return &Cache{
		tiers:  tiers,
		config: config,
		logger: logger,
	}, nil
}

// Get returns the cached embedding for text under model.
func (c *Cache) Get(ctx context.Context, text, model string) ([]float32, bool) {
	result := c.tiers.Get(ctx, c.key(text, model))
	if !result.Hit {
		return nil, false
	}
	return result.Value.Vector, true
}

// Set caches an already computed embedding. Oversized texts are silently
// skipped.
func (c *Cache) Set(ctx context.Context, text string, vector []float32, model string) {
	if len(text) > c.config.MaxTextLength {
		c.logger.Debugw("text too long to cache embedding",
			"length", len(text), "max_length", c.config.MaxTextLength)
		return
	}
	c.tiers.Set(ctx, c.key(text, model), Entry{
		Text:        text,
		Vector:      vector,
		Model:       model,
		ContentHash: contentHash(text),
		TokenCount:  estimateTokens(text),
	}, c.config.TTL)
}

// GetOrCreate returns the cached embedding or computes and caches it.
// Concurrent calls for the same text and model share one in-flight
// computation. Texts above the length bound bypass the cache entirely but
// are still computed and returned.
func (c *Cache) GetOrCreate(ctx context.Context, text, model string, compute ComputeFunc) ([]float32, error) {
	if len(text) > c.config.MaxTextLength {
		return compute(ctx, text)
	}

	key := c.key(text, model)
	if result := c.tiers.Get(ctx, key); result.Hit {
		return result.Value.Vector, nil
	}

	vector, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// filled the cache while this one waited.
		if result := c.tiers.Get(ctx, key); result.Hit {
			return result.Value.Vector, nil
		}
		vector, err := compute(ctx, text)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, text, vector, model)
		return vector, nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute embedding: %w", err)
	}
	return vector.([]float32), nil
}

// BatchGet returns the cached embeddings for texts, keyed by original text.
// Missing texts are simply absent from the result.
func (c *Cache) BatchGet(ctx context.Context, texts []string, model string) map[string][]float32 {
	found := make(map[string][]float32, len(texts))
	for _, text := range texts {
		if vector, ok := c.Get(ctx, text, model); ok {
			found[text] = vector
		}
	}
	return found
}

// BatchSet caches a batch of computed embeddings keyed by original text.
func (c *Cache) BatchSet(ctx context.Context, vectors map[string][]float32, model string) {
	for text, vector := range vectors {
		c.Set(ctx, text, vector, model)
	}
}

// Prewarm computes and caches embeddings for a fixed list of common texts,
// skipping ones already cached. Returns how many were computed. A failed
// computation is logged and skipped; pre-warming is best effort.
func (c *Cache) Prewarm(ctx context.Context, texts []string, model string, compute ComputeFunc) int {
	warmed := 0
	for _, text := range texts {
		if _, ok := c.Get(ctx, text, model); ok {
			continue
		}
		vector, err := compute(ctx, text)
		if err != nil {
			c.logger.Warnw("pre-warm computation failed", "error", err)
			continue
		}
		c.Set(ctx, text, vector, model)
		warmed++
	}
	return warmed
}

// Stats snapshots the underlying tiers.
func (c *Cache) Stats() tiered.Stats {
	return c.tiers.Stats()
}

func (c *Cache) key(text, model string) string {
	return cache.Key("embedding", model, contentHash(text))
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(utils.NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// estimateTokens approximates the token count of text. Four characters per
// token tracks common BPE vocabularies closely enough for cache accounting.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
