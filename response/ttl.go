package response

import (
	"fmt"
	"strings"
	"time"
)

// TTLClassifier assigns a TTL to a response based on its query. The cache
// takes any classifier; NewKeywordClassifier is the default.
type TTLClassifier func(query string) time.Duration

// TTLConfig configures the keyword-based classifier. The keyword lists are
// heuristics, exposed here so a deployment can tune them for its corpus.
type TTLConfig struct {
	// ShortTTL applies to time-sensitive queries whose answers go stale
	// quickly.
	ShortTTL time.Duration `yaml:"short_ttl"`

	// DefaultTTL applies when no classification matches.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// LongTTL applies to explanatory or documentation-style queries
	// whose answers rarely change.
	LongTTL time.Duration `yaml:"long_ttl"`

	// TimeSensitiveKeywords mark a query as time-sensitive.
	TimeSensitiveKeywords []string `yaml:"time_sensitive_keywords"`

	// ExplanatoryKeywords mark a query as explanatory.
	ExplanatoryKeywords []string `yaml:"explanatory_keywords"`
}

// DefaultTTLConfig returns the reference keyword lists and TTL bands.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		ShortTTL:   5 * time.Minute,
		DefaultTTL: time.Hour,
		LongTTL:    24 * time.Hour,
		TimeSensitiveKeywords: []string{
			"now", "today", "current", "currently", "latest",
			"this week", "this month", "right now", "at the moment",
		},
		ExplanatoryKeywords: []string{
			"explain", "what is", "what are", "how does", "how do",
			"why does", "define", "definition", "describe", "documentation",
		},
	}
}

// Validate fails fast on configurations that would misbehave at request
// time.
func (c TTLConfig) Validate() error {
	if c.ShortTTL <= 0 {
		return fmt.Errorf("short_ttl must be positive, got %v", c.ShortTTL)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive, got %v", c.DefaultTTL)
	}
	if c.LongTTL <= 0 {
		return fmt.Errorf("long_ttl must be positive, got %v", c.LongTTL)
	}
	return nil
}

// NewKeywordClassifier builds the default TTL classifier: time-sensitive
// phrasing gets the short TTL, explanatory phrasing the long one,
// everything else the default. Time sensitivity wins when both match.
func NewKeywordClassifier(config TTLConfig) TTLClassifier {
	return func(query string) time.Duration {
		lowered := strings.ToLower(query)
		for _, keyword := range config.TimeSensitiveKeywords {
			if strings.Contains(lowered, keyword) {
				return config.ShortTTL
			}
		}
		for _, keyword := range config.ExplanatoryKeywords {
			if strings.Contains(lowered, keyword) {
				return config.LongTTL
			}
		}
		return config.DefaultTTL
	}
}
