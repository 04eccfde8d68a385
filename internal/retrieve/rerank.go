package retrieve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
)

// Reranker optionally reorders retrieved items (e.g., via a cross-encoder).
// Implementations should not drop items and should preserve Metadata fields.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []RetrievedItem) ([]RetrievedItem, error)
}

// NoopReranker is the default implementation that leaves ordering unchanged.
type NoopReranker struct{}

func (NoopReranker) Rerank(_ context.Context, _ string, items []RetrievedItem) ([]RetrievedItem, error) {
	return items, nil
}

// ErrRerankBudgetExhausted is returned by BudgetedReranker when the request's
// remaining latency budget leaves no room to call the underlying reranker.
// AssembleResults treats it the same as any other rerank failure (skip and
// keep fused order) but records RERANK_SKIPPED_BUDGET instead of RERANK_DOWN.
var ErrRerankBudgetExhausted = errors.New("retrieve: rerank budget exhausted")

// RerankCache is the subset of registry.Registry BudgetedReranker needs to
// cache cross-encoder results across identical (query, candidate set) pairs.
type RerankCache interface {
	GetRerankCache(ctx context.Context, key string) (registry.RerankCacheEntry, bool, error)
	PutRerankCache(ctx context.Context, e registry.RerankCacheEntry) error
}

// BudgetedReranker wraps a Reranker with the per-container rerank contract:
// a hard cap on how many candidates are sent to the cross-encoder, a timeout
// derived from the request's remaining latency budget, and a cache keyed on
// the query and the ordered candidate id fingerprint so a repeated (query,
// candidates, provider, model) tuple skips the underlying call entirely.
type BudgetedReranker struct {
	Inner Reranker
	Cache RerankCache

	// TopKIn caps how many of the leading (already-fused) candidates are
	// reranked; the hard ceiling of 50 always applies on top of this.
	TopKIn int
	// Timeout is the deadline for the underlying Rerank call. Zero or
	// negative means the budget is already exhausted: Rerank returns
	// ErrRerankBudgetExhausted without calling Inner.
	Timeout time.Duration
	// CacheTTL controls how long a fresh result is cached; zero disables
	// writing to the cache (reads still happen if Cache is set).
	CacheTTL time.Duration
	Provider string
	Model    string
}

// Rerank reranks items[:topKIn] and appends the untouched tail unchanged.
func (b BudgetedReranker) Rerank(ctx context.Context, query string, items []RetrievedItem) ([]RetrievedItem, error) {
	if b.Timeout <= 0 {
		return nil, ErrRerankBudgetExhausted
	}

	topKIn := b.TopKIn
	if topKIn <= 0 || topKIn > 50 {
		topKIn = 50
	}
	if topKIn > len(items) {
		topKIn = len(items)
	}
	candidates := items[:topKIn]
	tail := items[topKIn:]

	cacheKey := rerankCacheKey(query, candidates, b.Provider, b.Model)
	if b.Cache != nil {
		if entry, ok, err := b.Cache.GetRerankCache(ctx, cacheKey); err == nil && ok && entry.ExpiresAt.After(time.Now()) {
			return applyCachedScores(candidates, tail, entry.Scores), nil
		}
	}

	inner := b.Inner
	if inner == nil {
		inner = NoopReranker{}
	}
	rerankCtx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	out, err := inner.Rerank(rerankCtx, query, candidates)
	if err != nil {
		return nil, err
	}

	if b.Cache != nil && b.CacheTTL > 0 {
		scores := make([]registry.RerankedScore, len(out))
		for i, it := range out {
			scores[i] = registry.RerankedScore{ID: it.ID, Score: it.Score}
		}
		var top float64
		if len(scores) > 0 {
			top = scores[0].Score
		}
		_ = b.Cache.PutRerankCache(ctx, registry.RerankCacheEntry{
			Key:       cacheKey,
			Score:     top,
			Scores:    scores,
			ExpiresAt: time.Now().Add(b.CacheTTL),
		})
	}

	return append(out, tail...), nil
}

// rerankCacheKey fingerprints the query plus the ordered candidate ids so a
// reordered or different candidate set never hits a stale cache entry.
func rerankCacheKey(query string, candidates []RetrievedItem, provider, model string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	for _, c := range candidates {
		h.Write([]byte(c.ID))
		h.Write([]byte{0})
	}
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// applyCachedScores reorders candidates by the cached scores (highest
// first), falling back to a candidate's existing score if the cache entry
// is missing it (e.g. the candidate set drifted since the entry was
// written), then appends the untouched tail.
func applyCachedScores(candidates, tail []RetrievedItem, scores []registry.RerankedScore) []RetrievedItem {
	byID := make(map[string]float64, len(scores))
	for _, s := range scores {
		byID[s.ID] = s.Score
	}
	out := make([]RetrievedItem, len(candidates))
	copy(out, candidates)
	for i := range out {
		if sc, ok := byID[out[i].ID]; ok {
			out[i].Score = sc
		}
	}
	sortByScoreDescLocal(out)
	return append(out, tail...)
}

func sortByScoreDescLocal(items []RetrievedItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Score > items[j-1].Score; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
