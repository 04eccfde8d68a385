package retrieve

import (
	"math"
	"time"
)

// ApplyFreshness multiplies each item's score by an exponential recency
// decay factor exp(-lambda * ageDays), where age is measured from the
// registry's ingested_at timestamp (never a caller-supplied published_at),
// per the core's freshness-age resolution. lambda <= 0 disables decay.
func ApplyFreshness(items []RetrievedItem, ingestedAt map[string]time.Time, lambda float64, now time.Time) []RetrievedItem {
	if lambda <= 0 || len(items) == 0 {
		return items
	}
	out := make([]RetrievedItem, len(items))
	for i, it := range items {
		out[i] = it
		ts, ok := ingestedAt[it.ID]
		if !ok {
			continue
		}
		ageDays := now.Sub(ts).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Exp(-lambda * ageDays)
		out[i].Score = it.Score * decay
		if out[i].Explanation == nil {
			out[i].Explanation = map[string]any{}
		}
		out[i].Explanation["freshness_decay"] = decay
	}
	return out
}
