package analytics

import (
	"fmt"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/tiered"
)

// Health classifies aggregate cache effectiveness.
type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthFair      Health = "fair"
	HealthPoor      Health = "poor"
)

// Indicators is the derived health view served by the monitoring API.
type Indicators struct {
	Overall         Health                     `json:"overall"`
	HitRate         float64                    `json:"hit_rate"`
	MemoryPressure  float64                    `json:"memory_pressure"`
	EvictionRate    float64                    `json:"eviction_rate"`
	MemoryUsage     int64                      `json:"memory_usage_bytes"`
	TokensSaved     int64                      `json:"tokens_saved"`
	Recommendations []string                   `json:"recommendations"`
	ByTier          map[cache.Tier]cache.Stats `json:"by_tier"`
}

// classifyHealth maps a hit rate onto the health bands.
func classifyHealth(hitRate float64) Health {
	switch {
	case hitRate >= 0.9:
		return HealthExcellent
	case hitRate >= 0.7:
		return HealthGood
	case hitRate >= 0.5:
		return HealthFair
	default:
		return HealthPoor
	}
}

// HealthIndicators derives the health view from a statistics snapshot.
// Each recommendation check is independent, so several can fire at once.
func (t *Tracker) HealthIndicators(stats tiered.Stats) Indicators {
	aggregate := stats.Aggregate

	var evictionRate float64
	if aggregate.Sets > 0 {
		evictionRate = float64(aggregate.Evictions) / float64(aggregate.Sets)
	}
	memoryPressure := float64(aggregate.MemoryUsageBytes) / float64(t.config.MemoryLimitBytes)

	indicators := Indicators{
		Overall:        classifyHealth(aggregate.HitRate),
		HitRate:        aggregate.HitRate,
		MemoryPressure: memoryPressure,
		EvictionRate:   evictionRate,
		MemoryUsage:    aggregate.MemoryUsageBytes,
		TokensSaved:    aggregate.TokensSaved,
		ByTier:         stats.ByTier,
	}

	lookups := aggregate.Hits + aggregate.Misses
	if lookups > 0 && aggregate.HitRate < t.config.TargetHitRate {
		indicators.Recommendations = append(indicators.Recommendations,
			fmt.Sprintf("hit rate %.2f is below the %.2f target; consider longer TTLs or relaxing similarity thresholds", aggregate.HitRate, t.config.TargetHitRate))
	}
	if memoryPressure > 0.8 {
		indicators.Recommendations = append(indicators.Recommendations,
			fmt.Sprintf("memory usage is at %.0f%% of the configured limit; raise the limit or lower entry TTLs", memoryPressure*100))
	}
	if evictionRate > 0.1 {
		indicators.Recommendations = append(indicators.Recommendations,
			fmt.Sprintf("eviction rate %.2f indicates churn; increase max entries or memory budget", evictionRate))
	}
	if aggregate.CurrentSize == 0 && aggregate.Sets == 0 {
		indicators.Recommendations = append(indicators.Recommendations,
			"cache is empty; consider pre-warming frequent queries")
	}
	if aggregate.TokensSaved > 100_000 {
		indicators.Recommendations = append(indicators.Recommendations,
			fmt.Sprintf("cache has saved %d generation tokens; current settings are paying off", aggregate.TokensSaved))
	}

	return indicators
}
