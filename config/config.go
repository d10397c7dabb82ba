// Package config loads the cache service configuration from a YAML file or
// a remote URL, then applies environment variable overrides.
package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yanolja/promptcache/analytics"
	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/durable"
	"github.com/yanolja/promptcache/embedding"
	"github.com/yanolja/promptcache/response"
	"github.com/yanolja/promptcache/tiered"
	"github.com/yanolja/promptcache/utils/env"
)

// Durable backend selection.
const (
	BackendNone   = "none"
	BackendSQLite = "sqlite"
	BackendValkey = "valkey"
)

// Config is the full service configuration.
type Config struct {
	// Port to listen for monitoring API requests.
	Port int `yaml:"port"`

	// DurableBackend selects the persistent tier: "sqlite", "valkey" or
	// "none" for memory-only operation.
	DurableBackend string `yaml:"durable_backend"`

	// Valkey endpoint used when the durable backend is "valkey".
	// E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Interval between analytics snapshots. E.g., 1m
	SnapshotInterval string `yaml:"snapshot_interval"`

	// Interval between expired-entry sweeps. E.g., 5m
	SweepInterval string `yaml:"sweep_interval"`

	// Interval between demotion passes moving aged entries to the
	// durable tier. E.g., 10m
	DemoteInterval string `yaml:"demote_interval"`

	// In-memory store bounds for the response cache.
	ResponseStore cache.StoreConfig `yaml:"response_store"`

	// In-memory store bounds for the embedding cache.
	EmbeddingStore cache.StoreConfig `yaml:"embedding_store"`

	// Durable tier settings.
	Durable durable.Config `yaml:"durable"`

	// Promotion and demotion policy between tiers.
	Tiering tiered.Policy `yaml:"tiering"`

	// Similarity matching and TTL classification settings.
	Response response.Config `yaml:"response"`

	// Embedding cache settings.
	Embedding embedding.Config `yaml:"embedding"`

	// Analytics retention and health thresholds.
	Analytics analytics.Config `yaml:"analytics"`
}

// Default returns the configuration used when no file overrides anything.
func Default() Config {
	return Config{
		Port:             8080,
		DurableBackend:   BackendSQLite,
		SnapshotInterval: "1m",
		SweepInterval:    "5m",
		DemoteInterval:   "10m",
		ResponseStore:    cache.DefaultStoreConfig(),
		EmbeddingStore:   cache.DefaultStoreConfig(),
		Durable:          durable.DefaultConfig(),
		Tiering:          tiered.DefaultPolicy(),
		Response:         response.DefaultConfig(),
		Embedding:        embedding.DefaultConfig(),
		Analytics:        analytics.DefaultConfig(),
	}
}

// LoadConfig loads the configuration from the specified path, which may be
// a local file or an HTTP(S) URL. Environment variables take precedence
// over values from the file.
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Default()

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(config *Config) {
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.DurableBackend = env.OptionalStringVariable("DURABLE_BACKEND", config.DurableBackend)
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.Durable.Path = env.OptionalStringVariable("PROMPTCACHE_DB_PATH", config.Durable.Path)
	config.Durable.OpTimeout = env.OptionalDurationVariable("PROMPTCACHE_OP_TIMEOUT", config.Durable.OpTimeout)
	config.SnapshotInterval = env.OptionalStringVariable("SNAPSHOT_INTERVAL", config.SnapshotInterval)
	config.SweepInterval = env.OptionalStringVariable("SWEEP_INTERVAL", config.SweepInterval)
	config.DemoteInterval = env.OptionalStringVariable("DEMOTE_INTERVAL", config.DemoteInterval)
}

// Validate checks the whole tree and fails on the first problem.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be within (0, 65535], got %d", c.Port)
	}
	switch c.DurableBackend {
	case BackendNone, BackendSQLite:
	case BackendValkey:
		if c.ValkeyEndpoint == "" {
			return fmt.Errorf("valkey_endpoint is required when durable_backend is %q", BackendValkey)
		}
	default:
		return fmt.Errorf("unknown durable_backend %q", c.DurableBackend)
	}
	intervals := []struct {
		name  string
		value string
	}{
		{"snapshot_interval", c.SnapshotInterval},
		{"sweep_interval", c.SweepInterval},
		{"demote_interval", c.DemoteInterval},
	}
	for _, interval := range intervals {
		parsed, err := time.ParseDuration(interval.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", interval.name, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", interval.name, parsed)
		}
	}
	if err := c.ResponseStore.Validate(); err != nil {
		return fmt.Errorf("response_store: %w", err)
	}
	if err := c.EmbeddingStore.Validate(); err != nil {
		return fmt.Errorf("embedding_store: %w", err)
	}
	if err := c.Durable.Validate(); err != nil {
		return fmt.Errorf("durable: %w", err)
	}
	if err := c.Tiering.Validate(); err != nil {
		return fmt.Errorf("tiering: %w", err)
	}
	if err := c.Response.Validate(); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := c.Analytics.Validate(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	return nil
}

// SnapshotEvery returns the parsed snapshot interval. Call Validate first.
func (c Config) SnapshotEvery() time.Duration {
	return mustDuration(c.SnapshotInterval)
}

// SweepEvery returns the parsed sweep interval. Call Validate first.
func (c Config) SweepEvery() time.Duration {
	return mustDuration(c.SweepInterval)
}

// DemoteEvery returns the parsed demotion interval. Call Validate first.
func (c Config) DemoteEvery() time.Duration {
	return mustDuration(c.DemoteInterval)
}

func mustDuration(value string) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("unvalidated duration %q: %v", value, err))
	}
	return parsed
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
