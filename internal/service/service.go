package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
	"github.com/talhas-laboratory/curated-context-containers/internal/chunker"
	"github.com/talhas-laboratory/curated-context-containers/internal/embedder"
	"github.com/talhas-laboratory/curated-context-containers/internal/events"
	"github.com/talhas-laboratory/curated-context-containers/internal/graphrag"
	"github.com/talhas-laboratory/curated-context-containers/internal/ingest"
	"github.com/talhas-laboratory/curated-context-containers/internal/jobqueue"
	"github.com/talhas-laboratory/curated-context-containers/internal/nl2query"
	"github.com/talhas-laboratory/curated-context-containers/internal/objectstore"
	"github.com/talhas-laboratory/curated-context-containers/internal/policy"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
	"github.com/talhas-laboratory/curated-context-containers/internal/retrieve"
)

// IngestJobKind is the registry.Job.Kind used for asynchronously queued
// ingestion requests; a jobqueue.Worker claims these and calls Ingest.
const IngestJobKind = "ingest"

// Service provides high-level RAG operations backed by Search, Vector, and Graph.
type Service struct {
	search databases.FullTextSearch
	vector databases.VectorStore
	graph  databases.GraphDB
	blob   objectstore.ObjectStore
	reg    registry.Registry

	// policies resolves a container's manifest into effective
	// retrieval/ingestion policy, including its allowed-modalities list.
	// Without one, Ingest performs no modality gating.
	policies *policy.Resolver
	// nl translates a retrieval query into a graph seed query when
	// GraphAugment is requested. Without one, graph expansion only seeds
	// from the already-fused candidates.
	nl *nl2query.Translator

	// pub publishes job lifecycle events for enqueued ingest jobs. Without
	// one, EnqueueIngest still enqueues, it just skips the event.
	pub *events.Publisher

	log     Logger
	metrics Metrics
	clock   Clock
	emb     embedder.Embedder
	rerank  retrieve.Reranker
}

// New constructs a Service from a databases.Manager and optional observability.
func New(mgr databases.Manager, opts ...Option) *Service {
	s := &Service{
		search:  mgr.Search,
		vector:  mgr.Vector,
		graph:   mgr.Graph,
		log:     defaultLogger{},
		metrics: NoopMetrics{},
		clock:   SystemClock{},
		emb:     embedder.NewDeterministic(64, true, 0),
		rerank:  retrieve.NoopReranker{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Option configures the Service during construction.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option { return func(s *Service) { s.log = l } }

// WithMetrics sets a custom metrics collector.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock sets a custom clock implementation.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithEmbedder sets a custom embedder implementation used during ingestion.
func WithEmbedder(e embedder.Embedder) Option { return func(s *Service) { s.emb = e } }

// WithReranker sets a reranker implementation used during retrieval.
func WithReranker(r retrieve.Reranker) Option { return func(s *Service) { s.rerank = r } }

// WithBlobStore sets the object store used to persist original artifacts and
// thumbnail derivatives during ingestion.
func WithBlobStore(b objectstore.ObjectStore) Option { return func(s *Service) { s.blob = b } }

// WithRegistry sets the document registry used to resolve idempotency
// (by content hash) and to record each ingested document's hash/version for
// future lookups. Without a registry, every ingest is treated as a create.
func WithRegistry(r registry.Registry) Option { return func(s *Service) { s.reg = r } }

// WithPolicyResolver sets the resolver used to enforce per-container policy
// (modality gating, paused/unknown containers) during Ingest. Retrieve does
// not consult it; cmd/containerd resolves the policy before calling Retrieve.
func WithPolicyResolver(p *policy.Resolver) Option { return func(s *Service) { s.policies = p } }

// WithNL2Query sets the translator used to turn a retrieval query into a
// graph seed query when GraphAugment is requested.
func WithNL2Query(t *nl2query.Translator) Option { return func(s *Service) { s.nl = t } }

// WithPublisher sets the event publisher used to announce jobs enqueued by
// EnqueueIngest. Without one, jobs are still durably enqueued, just silently.
func WithPublisher(p *events.Publisher) Option { return func(s *Service) { s.pub = p } }

// registryDocLookup adapts registry.Registry's hash lookup to
// ingest.DocumentLookup's narrower shape.
type registryDocLookup struct {
	reg         registry.Registry
	containerID string
}

func (l registryDocLookup) LookupByHash(ctx context.Context, hash string, tenant string) (string, int, bool, error) {
	d, err := l.reg.GetDocumentByHash(ctx, l.containerID, hash)
	if err == registry.ErrNotFound {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return d.ID, d.Version, true, nil
}

// EnqueueIngest durably queues an ingestion request instead of running it
// inline, for callers whose document is large enough that synchronous
// ingestion would blow past a request's latency budget. in.Options.IdempotencyKey,
// when set, is carried onto the job so a retried enqueue of the same
// logical request returns the already-queued/running job instead of
// creating a second one.
func (s *Service) EnqueueIngest(ctx context.Context, in ingest.IngestRequest) (registry.Job, error) {
	if s.reg == nil {
		return registry.Job{}, fmt.Errorf("service: enqueue ingest: no registry configured")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return registry.Job{}, err
	}
	return jobqueue.Enqueue(ctx, s.reg, s.pub, registry.Job{
		ContainerID:    in.ContainerID,
		Kind:           IngestJobKind,
		Payload:        payload,
		IdempotencyKey: in.Options.IdempotencyKey,
	})
}

// Ingest performs chunk-centric ingestion: preprocess, idempotency
// resolution, chunking, full-text/vector/graph indexing, chunk-level
// dedupe, and blob persistence, each stage timed and counted via Metrics.
func (s *Service) Ingest(ctx context.Context, in ingest.IngestRequest) (ingest.IngestResponse, error) {
	start := s.clock.Now()
	// Metrics: count documents
	s.metrics.IncCounter("ingestion_docs_total", map[string]string{"tenant": in.Tenant})
	// Step 1: preprocess (normalize, language, hash)
	t0 := s.clock.Now()
	pre, err := ingest.Preprocess(ctx, ingest.DefaultLanguageDetector{}, in)
	if err != nil {
		return ingest.IngestResponse{}, err
	}
	s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "preprocess", "tenant": in.Tenant})

	// Modality gating: resolve the destination container's policy and reject
	// a modality it doesn't accept before any chunking/indexing work begins.
	modality := in.Modality
	if modality == "" {
		modality = ingest.DefaultModality
	}
	if s.policies != nil {
		p, err := s.policies.Resolve(ctx, in.ContainerID)
		if err != nil {
			return ingest.IngestResponse{}, err
		}
		if len(p.Modalities) > 0 && !stringInSlice(modality, p.Modalities) {
			return ingest.IngestResponse{}, &ingest.ModalityError{ContainerID: in.ContainerID, Modality: modality, Allowed: p.Modalities}
		}
	}
	in.Modality = modality

	// Step 2: idempotency resolution against the document registry, when one
	// is configured. Without a registry every ingest resolves to "create".
	t0 = s.clock.Now()
	var lookup ingest.DocumentLookup
	if s.reg != nil {
		lookup = registryDocLookup{reg: s.reg, containerID: in.ContainerID}
	}
	decision, err := ingest.ResolveIdempotency(ctx, lookup, in.Tenant, in, pre)
	if err != nil {
		return ingest.IngestResponse{}, err
	}
	s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "idempotency", "tenant": in.Tenant})
	if decision.Action == "skip" {
		return ingest.IngestResponse{
			DocID:    decision.DocID,
			Version:  decision.Version,
			ChunkIDs: nil,
			Stats: ingest.IngestStats{
				NumChunks:     0,
				TotalTokens:   0,
				VectorUpserts: 0,
				Duration:      s.clock.Now().Sub(start),
			},
		}, nil
	}

	// Step 3: chunking
	ch := chunker.SimpleChunker{}
	t0 = s.clock.Now()
	chunks, err := ch.Chunk(pre.Text, in.Options.Chunking)
	if err != nil {
		return ingest.IngestResponse{}, err
	}
	s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "chunk", "tenant": in.Tenant})
	// Metrics: count chunks
	for i := 0; i < len(chunks); i++ {
		s.metrics.IncCounter("ingestion_chunks_total", map[string]string{"tenant": in.Tenant})
	}

	// Step 4: index into Search (documents and chunks) with fallback path
	t0 = s.clock.Now()
	if err := ingest.UpsertDocumentToSearch(ctx, s.search, in.ID, in, pre, decision.Version); err != nil {
		return ingest.IngestResponse{}, err
	}
	s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "search_document", "tenant": in.Tenant})
	// adapt chunker.Chunk to ingest.ChunkRecord
	crecs := make([]ingest.ChunkRecord, 0, len(chunks))
	for _, c := range chunks {
		crecs = append(crecs, ingest.ChunkRecord{Index: c.Index, Text: c.Text})
	}
	t0 = s.clock.Now()
	chunkIDs, err := ingest.UpsertChunksToSearch(ctx, s.search, in.ID, pre.Language, crecs, in, decision.Version)
	if err != nil {
		return ingest.IngestResponse{}, err
	}
	s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "search_chunks", "tenant": in.Tenant})

	// Step 5: embeddings (optional)
	vecUpserts := 0
	var dedupeMatches []ingest.DedupeMatch
	if in.Options.Embedding.Enabled && s.vector != nil {
		t0 = s.clock.Now()
		n, err := ingest.UpsertChunkEmbeddings(ctx, s.vector, s.emb, in.ID, pre.Language, crecs, in, decision.Version)
		if err != nil {
			return ingest.IngestResponse{}, err
		}
		vecUpserts = n
		s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "embedding", "tenant": in.Tenant})

		if in.Options.Dedup.Enabled && s.graph != nil {
			t0 = s.clock.Now()
			texts := make([]string, len(crecs))
			for i, c := range crecs {
				texts[i] = c.Text
			}
			if vecs, err := s.emb.EmbedBatch(ctx, texts); err == nil {
				threshold := in.Options.Dedup.Threshold
				if threshold <= 0 {
					threshold = 0.97
				}
				if matches, err := ingest.DedupeChunks(ctx, s.vector, s.graph, in.ID, in.ContainerID, crecs, vecs, threshold); err == nil {
					dedupeMatches = matches
				}
			}
			s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "dedupe", "tenant": in.Tenant})
		}
	}

	// Blob upsert (optional): original artifact plus thumbnail derivative.
	if in.Blob != nil && s.blob != nil {
		t0 = s.clock.Now()
		if _, err := ingest.UpsertDocumentBlob(ctx, s.blob, in.ContainerID, in.ID, in.Blob); err != nil {
			return ingest.IngestResponse{}, err
		}
		s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "blob", "tenant": in.Tenant})
	}

	// Step 6: graph upserts (optional)
	if in.Options.Graph.Enabled && s.graph != nil {
		t0 = s.clock.Now()
		if _, err := ingest.UpsertDocAndChunksGraph(ctx, s.graph, in.ID, pre, in, crecs, decision.Version); err != nil {
			return ingest.IngestResponse{}, err
		}
		if in.Options.Graph.ExtractEntities {
			if _, err := graphrag.UpsertDocumentEntities(ctx, s.graph, graphrag.HeuristicExtractor{}, in.ID, crecs, pre.Language); err != nil {
				return ingest.IngestResponse{}, err
			}
		}
		s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(s.clock.Now().Sub(t0))), map[string]string{"stage": "graph", "tenant": in.Tenant})
	}

	var warnings []string
	for _, m := range dedupeMatches {
		kind := "semantic"
		if m.Exact {
			kind = "exact"
		}
		warnings = append(warnings, fmt.Sprintf("chunk %s is a %s duplicate of %s", m.ChunkID, kind, m.MatchID))
	}

	if s.reg != nil {
		if _, err := s.reg.UpsertDocument(ctx, registry.Document{
			ID:          decision.DocID,
			ContainerID: in.ContainerID,
			Tenant:      in.Tenant,
			Source:      in.Source,
			URL:         in.URL,
			Title:       in.Title,
			Hash:        pre.Hash,
			Version:     decision.Version,
		}); err != nil {
			return ingest.IngestResponse{}, err
		}
	}

	dur := s.clock.Now().Sub(start)
	s.metrics.ObserveHistogram("ingestion_stage_ms", float64(ms(dur)), map[string]string{"stage": "total", "tenant": in.Tenant})
	return ingest.IngestResponse{
		DocID:    in.ID,
		Version:  decision.Version,
		ChunkIDs: chunkIDs,
		Stats: ingest.IngestStats{
			NumChunks:     len(chunks),
			TotalTokens:   approxTokens(pre.Text),
			VectorUpserts: vecUpserts,
			Duration:      dur,
		},
		Warnings: warnings,
	}, nil
}

// Retrieve executes a hybrid full-text + vector retrieval query: candidate
// fan-out, RRF fusion, graph augmentation, optional rerank, freshness decay,
// semantic dedup, and snippet/doc-metadata packaging.
func (s *Service) Retrieve(ctx context.Context, q string, opt retrieve.RetrieveOptions) (retrieve.RetrieveResponse, error) {
	rStart := s.clock.Now()
	// Plan query
	plan := retrieve.BuildQueryPlan(ctx, q, opt)
	// For now, we reuse deterministic embedder to get a query vector when vector store is present.
	var qvec []float32
	if s.vector != nil && s.emb != nil && plan.VecK > 0 {
		// Apply retrieval-time instruction to the query if provided.
		embedText := plan.Query
		if opt.Instruction != "" {
			embedText = "Instruct: " + opt.Instruction + "\n" + "Query: " + plan.Query
		}
		emb, err := s.emb.EmbedBatch(ctx, []string{embedText})
		if err != nil {
			return retrieve.RetrieveResponse{}, err
		}
		if len(emb) > 0 {
			qvec = emb[0]
		}
	}

	// Run parallel candidates (budget-guarded; optional stages degrade rather
	// than fail the whole request). ParallelCandidates never returns an error;
	// a failing stage is reported through diag instead.
	ftRes, vecRes, diag, _ := retrieve.ParallelCandidates(ctx, s.search, s.vector, plan, qvec)
	var partial bool
	var issues []string
	if diag.FtTimedOut {
		partial = true
		issues = append(issues, retrieve.IssueBM25Timeout)
	}
	if diag.FtDown {
		partial = true
		issues = append(issues, retrieve.IssueBM25Down)
		s.log.Error("fts backend error", map[string]any{"err": diag.FtErr.Error()})
	}
	if diag.VecTimedOut {
		partial = true
		issues = append(issues, retrieve.IssueVectorTimeout)
	}
	if diag.VecDown {
		partial = true
		issues = append(issues, retrieve.IssueVectorDown)
		s.log.Error("vector backend error", map[string]any{"err": diag.VecErr.Error()})
	}
	// Metrics: candidate timings and counts
	s.metrics.ObserveHistogram("retrieval_stage_ms", float64(ms(diag.FtLatency)), map[string]string{"stage": "fts", "tenant": plan.Tenant})
	s.metrics.ObserveHistogram("retrieval_stage_ms", float64(ms(diag.VecLatency)), map[string]string{"stage": "vec", "tenant": plan.Tenant})
	for i := 0; i < diag.FtCount; i++ {
		s.metrics.IncCounter("retrieval_candidates", map[string]string{"type": "fts", "tenant": plan.Tenant})
	}
	for i := 0; i < diag.VecCount; i++ {
		s.metrics.IncCounter("retrieval_candidates", map[string]string{"type": "vec", "tenant": plan.Tenant})
	}

	// Fusion: use RRF (with optional diversification) when requested, else simple concat.
	var items []retrieve.RetrievedItem
	var fusionMS int64
	if opt.UseRRF {
		t0 := s.clock.Now()
		items = retrieve.FuseAndDiversify(ftRes, vecRes, plan, opt)
		fusionMS = ms(s.clock.Now().Sub(t0))
		s.metrics.ObserveHistogram("retrieval_stage_ms", float64(fusionMS), map[string]string{"stage": "fusion", "tenant": plan.Tenant})
	} else {
		items = make([]retrieve.RetrievedItem, 0, len(ftRes)+len(vecRes))
		for _, r := range ftRes {
			items = append(items, retrieve.RetrievedItem{ID: r.ID, Score: r.Score, Snippet: r.Snippet, Text: r.Text, Metadata: r.Metadata})
		}
		for _, r := range vecRes {
			items = append(items, retrieve.RetrievedItem{ID: r.ID, Score: r.Score, Metadata: r.Metadata})
		}
		// Cap to K
		k := opt.K
		if k <= 0 {
			k = 10
		}
		if len(items) > k {
			items = items[:k]
		}
	}
	// Graph seeding from natural language: when graph augmentation is on and
	// a translator is configured, turn the query itself into additional seed
	// nodes via a validated (or template-fallback) graph traversal, merged in
	// ahead of the existing candidate-based expansion below.
	var nlDbg map[string]any
	if opt.GraphAugment && s.graph != nil && s.nl != nil && plan.Query != "" {
		schema := nl2query.Schema{
			AllowedLabels:    ingest.GraphLabels,
			AllowedEdgeTypes: ingest.GraphEdgeTypes,
			MaxHops:          opt.GraphMaxHops,
			ContainerID:      opt.ContainerID,
		}
		t0 := s.clock.Now()
		result := s.nl.Translate(ctx, plan.Query, schema)
		seedIDs, execErr := nl2query.Execute(ctx, s.graph, result.Query)
		nlDbg = map[string]any{
			"graph_seed_ms":       ms(s.clock.Now().Sub(t0)),
			"graph_seed_fallback": result.Fallback,
			"graph_seed_count":    len(seedIDs),
		}
		if execErr == nil && len(seedIDs) > 0 {
			existing := make(map[string]struct{}, len(items))
			for _, it := range items {
				existing[it.ID] = struct{}{}
			}
			for _, id := range seedIDs {
				if _, ok := existing[id]; ok {
					continue
				}
				items = append(items, retrieve.RetrievedItem{ID: id, Metadata: map[string]string{"seeded_by": "nl2query"}})
			}
		}
		for _, code := range result.Issues {
			partial = true
			issues = append(issues, code)
		}
	}

	// Graph augment + optional rerank + final prune. Rerank is wrapped with
	// the container's budget clamp and result cache: the timeout is the
	// smaller of the policy's own timeout and what's left of the request
	// budget after a fixed safety margin, and an identical (query,
	// candidates, provider, model) tuple reuses a cached score set instead
	// of calling the reranker again.
	rr := s.rerank
	if opt.Rerank {
		timeout := opt.RerankTimeout
		if opt.Budget > 0 {
			remaining := opt.Budget - s.clock.Now().Sub(rStart) - 100*time.Millisecond
			if timeout <= 0 || remaining < timeout {
				timeout = remaining
			}
		}
		rr = retrieve.BudgetedReranker{
			Inner:    s.rerank,
			Cache:    s.reg,
			TopKIn:   minRerankTopKIn(opt.RerankTopKIn, 2*opt.K),
			Timeout:  timeout,
			CacheTTL: opt.RerankCacheTTL,
			Provider: opt.RerankProvider,
			Model:    opt.RerankModel,
		}
	}
	items, addDbg, err := retrieve.AssembleResults(ctx, s.graph, rr, plan, opt, items)
	if err != nil {
		return retrieve.RetrieveResponse{}, err
	}
	// Metrics: graph and rerank durations if present
	if gv, ok := addDbg["graph"]; ok {
		if gmap, ok := gv.(map[string]any); ok {
			if msVal, ok := gmap["ms"].(int64); ok {
				s.metrics.ObserveHistogram("retrieval_stage_ms", float64(msVal), map[string]string{"stage": "graph", "tenant": plan.Tenant})
			}
		}
	}
	if rv, ok := addDbg["rerank_ms"].(int64); ok {
		s.metrics.ObserveHistogram("retrieval_stage_ms", float64(rv), map[string]string{"stage": "rerank", "tenant": plan.Tenant})
	}
	if skipped, ok := addDbg["rerank_skipped"].(bool); ok && skipped {
		partial = true
		if reason, _ := addDbg["rerank_skip_reason"].(string); reason == "budget" {
			issues = append(issues, retrieve.IssueRerankSkippedBudget)
		} else {
			issues = append(issues, retrieve.IssueRerankDown)
		}
	}
	// Modality whitelist: drop any item whose modality metadata isn't in the
	// container's allowed list. Empty AllowedModalities means no restriction.
	if len(opt.AllowedModalities) > 0 {
		kept := items[:0:0]
		blocked := false
		for _, it := range items {
			if it.Metadata["modality"] == "" || stringInSlice(it.Metadata["modality"], opt.AllowedModalities) {
				kept = append(kept, it)
			} else {
				blocked = true
			}
		}
		items = kept
		if blocked {
			partial = true
			issues = append(issues, retrieve.IssueModalityBlocked)
		}
	}

	// Freshness decay: age is always measured from the registry's ingested_at
	// metadata, never a caller-supplied published_at.
	if opt.FreshnessLambda > 0 {
		ingestedAt := make(map[string]time.Time, len(items))
		for _, it := range items {
			if v, ok := it.Metadata["ingested_at"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					ingestedAt[it.ID] = ts
				}
			}
		}
		items = retrieve.ApplyFreshness(items, ingestedAt, opt.FreshnessLambda, s.clock.Now())
		sortByScoreDesc(items)
	}

	// Semantic dedup: re-embed surviving candidates to obtain vectors, since
	// the fused RetrievedItem only carries scores/metadata, not raw embeddings.
	if opt.SemanticDedup && s.emb != nil && len(items) > 1 {
		threshold := opt.DedupThreshold
		if threshold <= 0 {
			threshold = 0.97
		}
		texts := make([]string, len(items))
		for i, it := range items {
			if it.Text != "" {
				texts[i] = it.Text
			} else {
				texts[i] = it.Snippet
			}
		}
		if vecs, err := s.emb.EmbedBatch(ctx, texts); err == nil {
			vecByID := make(map[string][]float32, len(items))
			for i, it := range items {
				if i < len(vecs) {
					vecByID[it.ID] = vecs[i]
				}
			}
			items = retrieve.SemanticDedup(items, vecByID, threshold)
		}
	}

	// Package results: snippets, optional full text, doc metadata, and explanations
	pkgStart := s.clock.Now()
	if opt.IncludeSnippet {
		items = retrieve.GenerateSnippets(ctx, s.search, items, retrieve.SnippetOptions{Lang: plan.Lang, Query: plan.Query})
	}
	if opt.IncludeText && s.search != nil {
		// ensure Text present for items lacking it
		for i := range items {
			if items[i].Text != "" {
				continue
			}
			if doc, ok, _ := s.search.GetByID(ctx, items[i].ID); ok {
				items[i].Text = doc.Text
			}
		}
	}
	// Attach doc metadata (title, url)
	items = retrieve.AttachDocMetadata(ctx, s.search, items)

	// Add basic per-item explanations when available from fusion diagnostics in metadata
	for i := range items {
		if items[i].Explanation == nil {
			items[i].Explanation = map[string]any{}
		}
		// Carry doc_id for transparency
		if items[i].DocID == "" {
			items[i].DocID = retrieve.DeriveDocIDPublic(items[i].ID, items[i].Metadata)
		}
	}

	pkgMS := ms(s.clock.Now().Sub(pkgStart))
	s.metrics.ObserveHistogram("retrieval_stage_ms", float64(pkgMS), map[string]string{"stage": "package", "tenant": plan.Tenant})
	// Results counter
	for i := 0; i < len(items); i++ {
		s.metrics.IncCounter("retrieval_results_total", map[string]string{"tenant": plan.Tenant})
	}
	totalMS := ms(s.clock.Now().Sub(rStart))
	s.metrics.ObserveHistogram("retrieval_stage_ms", float64(totalMS), map[string]string{"stage": "total", "tenant": plan.Tenant})
	debug := map[string]any{
		"plan":        map[string]any{"lang": plan.Lang, "ftK": plan.FtK, "vecK": plan.VecK},
		"diagnostics": map[string]any{"ft_ms": ms(diag.FtLatency), "vec_ms": ms(diag.VecLatency), "ft_n": diag.FtCount, "vec_n": diag.VecCount, "package_ms": pkgMS, "fusion_ms": fusionMS, "total_ms": totalMS},
	}
	// Integrate addDbg stage timings into diagnostics when available
	if dm, ok := debug["diagnostics"].(map[string]any); ok {
		if gv, ok := addDbg["graph"]; ok {
			if gmap, ok := gv.(map[string]any); ok {
				if msVal, ok := gmap["ms"]; ok {
					dm["graph_ms"] = msVal
				}
			}
		}
		if rv, ok := addDbg["rerank_ms"]; ok {
			dm["rerank_ms"] = rv
		}
	}
	for k, v := range nlDbg {
		debug[k] = v
	}
	for k, v := range addDbg {
		debug[k] = v
	}
	return retrieve.RetrieveResponse{Query: plan.Query, Items: items, Debug: debug, Partial: partial, Issues: issues}, nil
}

// sortByScoreDesc re-sorts items after a score-mutating stage (e.g. freshness
// decay) so later stages and the final K-cut still see a rank-ordered slice.
func sortByScoreDesc(items []retrieve.RetrievedItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
}

// defaultLogger is a minimal internal logger that drops logs.
type defaultLogger struct{}

func (defaultLogger) Info(string, map[string]any)  {}
func (defaultLogger) Error(string, map[string]any) {}
func (defaultLogger) Debug(string, map[string]any) {}

// approxTokens uses a rough 4 char/token heuristic for metrics only.
func approxTokens(s string) int { return (len(s) + 3) / 4 }

func stringInSlice(v string, list []string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// minRerankTopKIn picks the tighter of the policy's configured top_k_in and
// 2x the requested result count; zero/negative values are treated as "no
// cap from this source".
func minRerankTopKIn(policyTopKIn, twiceK int) int {
	switch {
	case policyTopKIn <= 0:
		return twiceK
	case twiceK <= 0:
		return policyTopKIn
	case policyTopKIn < twiceK:
		return policyTopKIn
	default:
		return twiceK
	}
}

func ms(d time.Duration) int64 { return int64(d / time.Millisecond) }
