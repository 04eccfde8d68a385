// Package reranker provides an HTTP cross-encoder adapter implementing
// retrieve.Reranker, grounded on internal/embedder's HTTP client shape
// (JSON request/response over a configurable base URL and auth header),
// with a circuit breaker and a token-bucket rate limiter guarding the
// dependency.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/talhas-laboratory/curated-context-containers/internal/breaker"
	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/retrieve"
)

type rerankReq struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResp struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"relevance_score"`
	} `json:"results"`
}

// HTTPReranker calls a configurable cross-encoder rerank endpoint. A tripped
// circuit breaker (or any request failure) degrades to the input order
// rather than failing the retrieval request, consistent with the core's
// error-handling tiering for optional stages.
type HTTPReranker struct {
	cfg config.RerankConfig
	br  *breaker.Breaker
	lim *rate.Limiter
	cl  *http.Client
}

// New constructs an HTTPReranker from config, with a breaker tuned from cfg
// and a limiter capping the steady-state call rate to the rerank endpoint.
func New(cfg config.RerankConfig, bcfg config.CircuitBreakerConfig) *HTTPReranker {
	rps := cfg.RequestsPerSecond
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	var lim *rate.Limiter
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &HTTPReranker{
		cfg: cfg,
		br: breaker.New(breaker.Config{
			FailureThreshold: bcfg.FailureThreshold,
			OpenDuration:     bcfg.OpenDuration,
			HalfOpenMaxCalls: bcfg.HalfOpenMaxCalls,
		}),
		lim: lim,
		cl:  &http.Client{},
	}
}

var _ retrieve.Reranker = (*HTTPReranker)(nil)

// Rerank scores query/document pairs via the configured endpoint and
// reorders items by descending score. On any failure (disabled, breaker
// open, transport error, bad response) it returns the input unchanged.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, items []retrieve.RetrievedItem) ([]retrieve.RetrievedItem, error) {
	if r == nil || !r.cfg.Enabled || len(items) == 0 {
		return items, nil
	}
	if err := r.br.Allow(); err != nil {
		return items, nil
	}
	if r.lim != nil {
		if err := r.lim.Wait(ctx); err != nil {
			return items, nil
		}
	}

	scores, err := r.score(ctx, query, items)
	if err != nil {
		r.br.Failure()
		return items, nil
	}
	r.br.Success()

	out := make([]retrieve.RetrievedItem, len(items))
	copy(out, items)
	for i := range out {
		if i < len(scores) {
			if out[i].Explanation == nil {
				out[i].Explanation = map[string]any{}
			}
			out[i].Explanation["rerank_score"] = scores[i]
			out[i].Score = scores[i]
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (r *HTTPReranker) score(ctx context.Context, query string, items []retrieve.RetrievedItem) ([]float64, error) {
	docs := make([]string, len(items))
	for i, it := range items {
		if it.Text != "" {
			docs[i] = it.Text
		} else {
			docs[i] = it.Snippet
		}
	}
	body, err := json.Marshal(rerankReq{Model: r.cfg.Model, Query: query, Documents: docs})
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(r.cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, r.cfg.BaseURL+r.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if r.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	} else if r.cfg.APIHeader != "" {
		req.Header.Set(r.cfg.APIHeader, r.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cl.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker: endpoint error %s: %s", resp.Status, string(b))
	}
	var rr rerankResp
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	out := make([]float64, len(items))
	for _, r := range rr.Results {
		if r.Index >= 0 && r.Index < len(out) {
			out[r.Index] = r.Score
		}
	}
	return out, nil
}
