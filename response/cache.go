// Package response implements the similarity-matching response cache: a
// natural-language cache over the tier coordinator keyed by query, model
// and context fingerprint. Lookups fall back from exact hash match to
// embedding similarity to fuzzy string similarity, each stage tried only
// when the previous one misses so vector math is never done for queries an
// exact match can serve.
package response

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/embedding"
	"github.com/yanolja/promptcache/tiered"
	"github.com/yanolja/promptcache/utils"
)

// RequestContext carries everything besides the query text that changes
// what a valid cached response looks like.
type RequestContext struct {
	// Model that generated (or will generate) the response.
	Model string

	// SystemFingerprint identifies the system prompt and tool set.
	SystemFingerprint string

	// ConversationHash pins the response to a conversation prefix.
	// Empty for stateless queries.
	ConversationHash string
}

// Entry is one cached response.
type Entry struct {
	Query             string    `json:"query"`
	Response          string    `json:"response"`
	Embedding         []float32 `json:"embedding,omitempty"`
	Model             string    `json:"model"`
	SystemFingerprint string    `json:"system_fingerprint,omitempty"`
	TokenCount        int       `json:"token_count"`
	ConversationHash  string    `json:"conversation_hash,omitempty"`
}

// Match reports which lookup stage produced a hit.
type Match string

const (
	MatchExact    Match = "exact"
	MatchSemantic Match = "semantic"
	MatchFuzzy    Match = "fuzzy"
)

// Lookup is the outcome of a three-stage cache lookup.
type Lookup struct {
	Entry      Entry
	Hit        bool
	Match      Match
	Similarity float64
}

// Config bounds the response cache.
type Config struct {
	// SemanticThreshold is the minimum cosine similarity for a semantic
	// hit. A heuristic default, not a tuned constant.
	SemanticThreshold float64 `yaml:"semantic_threshold"`

	// FuzzyThreshold is the minimum normalized Levenshtein similarity
	// for a fuzzy hit.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// MaxCandidates bounds how many recent entries the semantic and
	// fuzzy stages compare against.
	MaxCandidates int `yaml:"max_candidates"`

	// EmbeddingModel computes query embeddings for the semantic stage.
	EmbeddingModel string `yaml:"embedding_model"`

	// TTL configures the keyword TTL classifier.
	TTL TTLConfig `yaml:"ttl"`
}

// DefaultConfig returns the response-cache defaults.
func DefaultConfig() Config {
	return Config{
		SemanticThreshold: 0.85,
		FuzzyThreshold:    0.8,
		MaxCandidates:     256,
		EmbeddingModel:    "text-embedding-3-small",
		TTL:               DefaultTTLConfig(),
	}
}

// Validate fails fast on configurations that would misbehave at request
// time.
func (c Config) Validate() error {
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 {
		return fmt.Errorf("semantic_threshold must be within [0, 1], got %v", c.SemanticThreshold)
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy_threshold must be within [0, 1], got %v", c.FuzzyThreshold)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive, got %d", c.MaxCandidates)
	}
	return c.TTL.Validate()
}

// Cache is the similarity-matching response cache. The embedder is the
// caller-supplied embedding collaborator; when it is nil the semantic stage
// is skipped and lookups go straight from exact to fuzzy.
type Cache struct {
	tiers      *tiered.Cache[Entry]
	embeddings *embedding.Cache
	embedder   embedding.ComputeFunc
	classify   TTLClassifier
	config     Config
	logger     *zap.SugaredLogger
}

// New builds the response cache. embeddings and embedder may be nil
// together to disable the semantic stage; classify may be nil to use the
// keyword classifier built from config.TTL.
func New(tiers *tiered.Cache[Entry], embeddings *embedding.Cache, embedder embedding.ComputeFunc, classify TTLClassifier, config Config, logger *zap.SugaredLogger) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response cache config: %w", err)
	}
	if classify == nil {
		classify = NewKeywordClassifier(config.TTL)
	}
	return &Cache{
		tiers:      tiers,
		embeddings: embeddings,
		embedder:   embedder,
		classify:   classify,
		config:     config,
		logger:     logger,
	}, nil
}

// Get looks up a cached response for query in three stages: exact
// fingerprint, embedding similarity, fuzzy string similarity. Each stage
// runs only if the previous one missed.
func (c *Cache) Get(ctx context.Context, query string, reqContext RequestContext) Lookup {
	if result := c.tiers.Get(ctx, c.fingerprint(query, reqContext)); result.Hit {
		c.creditTokensSaved(result.Value)
		return Lookup{Entry: result.Value, Hit: true, Match: MatchExact, Similarity: 1}
	}

	candidates := c.candidates(reqContext)

	if lookup, ok := c.semanticMatch(ctx, query, candidates); ok {
		c.creditTokensSaved(lookup.Entry)
		return lookup
	}

	if lookup, ok := c.fuzzyMatch(query, candidates); ok {
		c.creditTokensSaved(lookup.Entry)
		return lookup
	}

	return Lookup{}
}

// Set caches a generated response. The TTL comes from the classifier; the
// query embedding is computed through the embedding cache when an embedder
// is available so later semantic lookups have something to compare against.
func (c *Cache) Set(ctx context.Context, query, responseText string, reqContext RequestContext) {
	entry := Entry{
		Query:             query,
		Response:          responseText,
		Model:             reqContext.Model,
		SystemFingerprint: reqContext.SystemFingerprint,
		ConversationHash:  reqContext.ConversationHash,
		TokenCount:        estimateTokens(responseText),
	}

	if c.embeddings != nil && c.embedder != nil {
		vector, err := c.embeddings.GetOrCreate(ctx, query, c.config.EmbeddingModel, c.embedder)
		if err != nil {
			c.logger.Warnw("query embedding unavailable, caching without it",
				"error", err)
		} else {
			entry.Embedding = vector
		}
	}

	c.tiers.Set(ctx, c.fingerprint(query, reqContext), entry, c.classify(query))
}

// Delete removes the cached response for query under reqContext.
func (c *Cache) Delete(ctx context.Context, query string, reqContext RequestContext) bool {
	return c.tiers.Delete(ctx, c.fingerprint(query, reqContext))
}

// Stats snapshots the underlying tiers.
func (c *Cache) Stats() tiered.Stats {
	return c.tiers.Stats()
}

func (c *Cache) semanticMatch(ctx context.Context, query string, candidates []Entry) (Lookup, bool) {
	if c.embeddings == nil || c.embedder == nil {
		return Lookup{}, false
	}

	queryVector, err := c.embeddings.GetOrCreate(ctx, query, c.config.EmbeddingModel, c.embedder)
	if err != nil {
		c.logger.Warnw("semantic lookup skipped, embedding unavailable", "error", err)
		return Lookup{}, false
	}

	var best *Entry
	bestSimilarity := 0.0
	for i := range candidates {
		candidate := &candidates[i]
		if len(candidate.Embedding) == 0 {
			continue
		}
		similarity := CosineSimilarity(queryVector, candidate.Embedding)
		if similarity >= c.config.SemanticThreshold && similarity > bestSimilarity {
			bestSimilarity = similarity
			best = candidate
		}
	}
	if best == nil {
		return Lookup{}, false
	}
	return Lookup{Entry: *best, Hit: true, Match: MatchSemantic, Similarity: bestSimilarity}, true
}

func (c *Cache) fuzzyMatch(query string, candidates []Entry) (Lookup, bool) {
	normalizedQuery := normalizeFuzzy(query)

	var best *Entry
	bestSimilarity := 0.0
	for i := range candidates {
		candidate := &candidates[i]
		similarity := FuzzySimilarity(normalizedQuery, normalizeFuzzy(candidate.Query))
		if similarity >= c.config.FuzzyThreshold && similarity > bestSimilarity {
			bestSimilarity = similarity
			best = candidate
		}
	}
	if best == nil {
		return Lookup{}, false
	}
	return Lookup{Entry: *best, Hit: true, Match: MatchFuzzy, Similarity: bestSimilarity}, true
}

// candidates returns the most recently used in-process entries matching the
// request's model and context, bounded by MaxCandidates. Restricting the
// candidate set to the fast tier keeps similarity lookups off the durable
// store.
func (c *Cache) candidates(reqContext RequestContext) []Entry {
	var matched []Entry
	for _, snapshot := range c.tiers.Memory().Snapshot() {
		entry := snapshot.Value
		if entry.Model != reqContext.Model ||
			entry.SystemFingerprint != reqContext.SystemFingerprint ||
			entry.ConversationHash != reqContext.ConversationHash {
			continue
		}
		matched = append(matched, entry)
		if len(matched) >= c.config.MaxCandidates {
			break
		}
	}
	return matched
}

func (c *Cache) creditTokensSaved(entry Entry) {
	c.tiers.Memory().Counters().AddTokensSaved(int64(entry.TokenCount))
}

// fingerprint derives the exact-match key: the hash folds in the normalized
// query, the model and the context fingerprint so the same question to a
// different model or under a different system prompt never matches.
func (c *Cache) fingerprint(query string, reqContext RequestContext) string {
	h := sha256.New()
	h.Write([]byte(utils.NormalizeText(query)))
	h.Write([]byte{0})
	h.Write([]byte(reqContext.Model))
	h.Write([]byte{0})
	h.Write([]byte(reqContext.SystemFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(reqContext.ConversationHash))
	return cache.Key("response", reqContext.Model, hex.EncodeToString(h.Sum(nil)))
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
