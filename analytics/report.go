package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yanolja/promptcache/cache"
	"github.com/yanolja/promptcache/tiered"
)

// Report renders a plain-text summary suitable for logs or an on-call
// terminal.
func (t *Tracker) Report(stats tiered.Stats) string {
	indicators := t.HealthIndicators(stats)
	aggregate := stats.Aggregate

	var b strings.Builder
	b.WriteString("Cache Report\n")
	b.WriteString("============\n")
	fmt.Fprintf(&b, "Health:       %s\n", indicators.Overall)
	fmt.Fprintf(&b, "Hit rate:     %.2f (%d hits / %d misses)\n", aggregate.HitRate, aggregate.Hits, aggregate.Misses)
	fmt.Fprintf(&b, "Entries:      %d\n", aggregate.CurrentSize)
	fmt.Fprintf(&b, "Memory:       %d bytes (%.0f%% of limit)\n", aggregate.MemoryUsageBytes, indicators.MemoryPressure*100)
	fmt.Fprintf(&b, "Evictions:    %d\n", aggregate.Evictions)
	fmt.Fprintf(&b, "Tokens saved: %d\n", aggregate.TokensSaved)

	if len(stats.ByTier) > 0 {
		b.WriteString("\nPer tier:\n")
		tiers := make([]string, 0, len(stats.ByTier))
		for tier := range stats.ByTier {
			tiers = append(tiers, string(tier))
		}
		sort.Strings(tiers)
		for _, tier := range tiers {
			tierStats := stats.ByTier[cache.Tier(tier)]
			fmt.Fprintf(&b, "  %-8s hits=%d misses=%d entries=%d bytes=%d\n",
				tier, tierStats.Hits, tierStats.Misses, tierStats.CurrentSize, tierStats.MemoryUsageBytes)
		}
	}

	if top := t.TopKeys(5); len(top) > 0 {
		b.WriteString("\nHottest keys:\n")
		for _, key := range top {
			fmt.Fprintf(&b, "  %6d  %s\n", key.Hits, key.Key)
		}
	}

	if len(indicators.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, recommendation := range indicators.Recommendations {
			fmt.Fprintf(&b, "  - %s\n", recommendation)
		}
	}

	return b.String()
}
