package retrieve

import "time"

// RetrieveOptions configures a retrieval operation over hybrid backends.
type RetrieveOptions struct {
    // K is the desired total number of results after fusion/reranking.
    K int
    // FtK is the number of FTS candidates to pull pre-fusion.
    FtK int
    // VecK is the number of vector candidates to pull pre-fusion.
    VecK int
    // Alpha controls weighted fusion between FTS and vector scores (0..1).
    Alpha float64
    // UseRRF toggles Reciprocal Rank Fusion for combining candidate lists.
    UseRRF bool
    // RRFK is the standard RRF constant; when 0, a default is used.
    RRFK int
    // IncludeText requests full chunk text to be included in results.
    IncludeText bool
    // IncludeSnippet requests a highlighted snippet to be generated.
    IncludeSnippet bool
    // Diversify penalizes results whose DocID or Source repeats an already
    // selected result.
    Diversify bool
    // Rerank toggles an optional cross-encoder reranking stage.
    Rerank bool
    // GraphAugment toggles graph-based neighborhood expansion.
    GraphAugment bool
    // GraphMaxHops bounds the NL2Query graph seed traversal; candidate-based
    // expansion always covers a single hop.
    GraphMaxHops int
    // ContainerID restricts retrieval to chunks/vectors belonging to one container.
    ContainerID string
    // Tenant for multi-tenant isolation within a container.
    Tenant string
    // FreshnessLambda applies an exponential recency decay to fused scores when > 0.
    FreshnessLambda float64
    // SemanticDedup removes near-duplicate chunks (by embedding cosine similarity)
    // before the final K-cut, keeping the highest-scoring representative.
    SemanticDedup bool
    // DedupThreshold is the cosine-similarity above which two chunks are considered duplicates.
    DedupThreshold float64
    // Budget is the wall-clock deadline for the whole retrieval request; stages
    // that would exceed it are cancelled and the response is marked partial.
    Budget time.Duration
    // Filter applies ACL and metadata constraints consistently across stores.
    Filter map[string]string

    // RerankTopKIn caps how many fused candidates are sent to the reranker;
    // the hard ceiling of 50 always applies on top of this.
    RerankTopKIn int
    // RerankTimeout bounds the reranker call independent of Budget; the
    // effective timeout is the smaller of this and the request's remaining
    // budget minus a fixed safety margin.
    RerankTimeout time.Duration
    // RerankCacheTTL controls how long a rerank result is cached.
    RerankCacheTTL time.Duration
    // RerankProvider/RerankModel identify the cross-encoder in use, and are
    // part of the rerank cache key.
    RerankProvider string
    RerankModel    string
    // AllowedModalities restricts results to items whose "modality" metadata
    // is in this list; empty means no restriction.
    AllowedModalities []string
    // Instruction, when non-empty, is prefixed to the query text
    // ("Instruct: ...\nQuery: ...") before the query is embedded.
    Instruction string
}

// RetrievedItem represents a fused retrieval hit.
type RetrievedItem struct {
    ID       string
    DocID    string
    Score    float64
    Snippet  string
    Text     string
    // Metadata surface; values should be strings for portability.
    Metadata map[string]string
    // Doc carries lightweight document metadata for citations.
    Doc DocumentMeta
    // Explanation contains per-item provenance such as ranks, fusion components, and boosts.
    Explanation map[string]any
}

// RetrieveResponse contains fused and optionally reranked results.
type RetrieveResponse struct {
    Query string
    Items []RetrievedItem
    // Debug optionally carries diagnostics and per-stage scores for evaluation.
    Debug map[string]any
    // Partial is true when one or more optional stages (rerank, graph
    // augmentation, a backend) were skipped or timed out. The core never
    // fails a request outright for a dependency fault in an optional stage.
    Partial bool
    // Issues lists the issue codes recorded for any degraded stage.
    Issues []string
}

// DocumentMeta is a portable subset of document fields for citation.
type DocumentMeta struct {
    Title string `json:"title,omitempty"`
    URL   string `json:"url,omitempty"`
}

