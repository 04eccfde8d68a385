package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/talhas-laboratory/curated-context-containers/internal/cache"
	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/embedder"
	"github.com/talhas-laboratory/curated-context-containers/internal/events"
	"github.com/talhas-laboratory/curated-context-containers/internal/ingest"
	"github.com/talhas-laboratory/curated-context-containers/internal/jobqueue"
	"github.com/talhas-laboratory/curated-context-containers/internal/lifecycle"
	"github.com/talhas-laboratory/curated-context-containers/internal/nl2query"
	"github.com/talhas-laboratory/curated-context-containers/internal/objectstore"
	"github.com/talhas-laboratory/curated-context-containers/internal/observability"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
	"github.com/talhas-laboratory/curated-context-containers/internal/policy"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
	"github.com/talhas-laboratory/curated-context-containers/internal/reranker"
	"github.com/talhas-laboratory/curated-context-containers/internal/retrieve"
	"github.com/talhas-laboratory/curated-context-containers/internal/service"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("containerd")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	mgr, err := databases.NewManager(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("init databases: %w", err)
	}
	defer mgr.Close()

	reg, closeReg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	if closeReg != nil {
		defer closeReg()
	}

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	var redisCache *cache.Cache
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis cache: %w", err)
		}
		defer redisCache.Close()
	}

	var pub *events.Publisher
	if cfg.Kafka.Enabled {
		w, err := events.NewProducerFromBrokers(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("init kafka producer: %w", err)
		}
		pub = events.NewPublisher(w, cfg.Kafka.Topic)
	}

	emb := embedder.NewClient(cfg.Embedding, cfg.Embedding.Dimensions)
	rr := reranker.New(cfg.Rerank, cfg.Breaker)
	translator := nl2query.New(cfg.NL2Query)
	policies := policy.NewResolver(reg, cfg.Policy)

	svc := service.New(mgr,
		service.WithEmbedder(emb),
		service.WithReranker(rr),
		service.WithBlobStore(blobStore),
		service.WithRegistry(reg),
		service.WithPolicyResolver(policies),
		service.WithNL2Query(translator),
		service.WithPublisher(pub),
	)

	lc := lifecycle.NewManager(reg, policies, redisCache, pub)

	worker := jobqueue.NewWorker("containerd-worker-1", reg, pub, jobHandlers(svc), jobqueue.Config{
		Kinds:          []string{"refresh", "export", service.IngestJobKind},
		LeaseDuration:  cfg.JobQueue.LeaseDuration,
		HeartbeatEvery: cfg.JobQueue.HeartbeatEvery,
		PollInterval:   cfg.JobQueue.ReapInterval,
		BackoffBase:    cfg.JobQueue.BackoffBase,
		BackoffMax:     cfg.JobQueue.BackoffMax,
	})
	go worker.Run(ctx)

	mux := buildMux(svc, lc, policies, translator)
	addr := ":8088"
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("containerd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("listen failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRegistry connects to Postgres when a DSN is configured and falls back
// to the in-memory registry for local development, consistent with how
// internal/persistence/databases.NewManager degrades each backend.
func buildRegistry(ctx context.Context, cfg config.Config) (registry.Registry, func(), error) {
	dsn := cfg.DB.DefaultDSN
	if dsn == "" {
		return registry.NewMemoryRegistry(), nil, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry postgres: %w", err)
	}
	reg, err := registry.NewPostgresRegistry(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return reg, pool.Close, nil
}

// buildBlobStore connects to S3 when a bucket is configured and falls back
// to an in-memory object store otherwise.
func buildBlobStore(ctx context.Context, cfg config.Config) (objectstore.ObjectStore, error) {
	if cfg.S3.Bucket == "" {
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewS3Store(ctx, cfg.S3)
}

// jobHandlers wires refresh/export/ingest job kinds claimed off the queue.
// Neither the document's original source text nor a rendered export format
// is recoverable from the registry alone (it stores document metadata, not
// content), so the refresh/export handlers are acknowledgement stubs here; a
// deployment with a source connector or export renderer wires one in via its
// own jobqueue.Handler. ingest carries its full IngestRequest in the job
// payload, so it runs the same synchronous path svc.Ingest always has.
func jobHandlers(svc *service.Service) map[string]jobqueue.Handler {
	return map[string]jobqueue.Handler{
		"refresh": func(ctx context.Context, job registry.Job) error {
			var payload lifecycle.RefreshPayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return err
			}
			log.Info().Str("container_id", payload.ContainerID).Msg("refresh job claimed")
			return nil
		},
		"export": func(ctx context.Context, job registry.Job) error {
			var payload lifecycle.ExportPayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return err
			}
			log.Info().Str("container_id", payload.ContainerID).Str("format", payload.Format).Msg("export job claimed")
			return nil
		},
		service.IngestJobKind: func(ctx context.Context, job registry.Job) error {
			var req ingest.IngestRequest
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return err
			}
			_, err := svc.Ingest(ctx, req)
			return err
		},
	}
}

func buildMux(svc *service.Service, lc *lifecycle.Manager, policies *policy.Resolver, translator *nl2query.Translator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ready")
	})

	mux.HandleFunc("/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ingest.IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resp, err := svc.Ingest(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/v1/ingest/async", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ingest.IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		job, err := svc.EnqueueIngest(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, job)
	})

	mux.HandleFunc("/v1/retrieve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Query   string                 `json:"query"`
			Options retrieve.RetrieveOptions `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		p, err := policies.Resolve(r.Context(), req.Options.ContainerID)
		if err != nil {
			writePolicyError(w, err)
			return
		}
		applyPolicyDefaults(&req.Options, p)
		resp, err := svc.Retrieve(r.Context(), req.Query, req.Options)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/v1/containers", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := lc.ListContainers(r.Context(), r.URL.Query().Get("tenant"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, list)
		case http.MethodPost:
			var req struct {
				Tenant          string               `json:"tenant"`
				Name            string               `json:"name"`
				Modalities      []string              `json:"modalities"`
				EmbedderID      string               `json:"embedder_id"`
				Dims            int                  `json:"dims"`
				LatencyBudgetMS int                  `json:"latency_budget_ms"`
				RerankPolicy    registry.RerankPolicy `json:"rerank_policy"`
				FreshnessLambda float64               `json:"freshness_lambda"`
				GraphEnabled    bool                 `json:"graph_enabled"`
				GraphMaxHops    int                  `json:"graph_max_hops"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			c, err := lc.CreateContainer(r.Context(), lifecycle.NewContainerRequest{
				Tenant:          req.Tenant,
				Name:            req.Name,
				Modalities:      req.Modalities,
				EmbedderID:      req.EmbedderID,
				Dims:            req.Dims,
				LatencyBudgetMS: req.LatencyBudgetMS,
				RerankPolicy:    req.RerankPolicy,
				FreshnessLambda: req.FreshnessLambda,
				GraphEnabled:    req.GraphEnabled,
				GraphMaxHops:    req.GraphMaxHops,
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, c)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/containers/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/containers/")
		parts := strings.Split(rest, "/")
		id := parts[0]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 1 {
			switch r.Method {
			case http.MethodGet:
				c, err := lc.DescribeContainer(r.Context(), id)
				if err != nil {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				writeJSON(w, c)
			case http.MethodDelete:
				hard := r.URL.Query().Get("hard") == "true"
				if err := lc.DeleteContainer(r.Context(), id, hard); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}
		if len(parts) == 2 && r.Method == http.MethodPost {
			switch parts[1] {
			case "refresh":
				job, err := lc.RequestRefresh(r.Context(), id)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, job)
				return
			case "export":
				format := r.URL.Query().Get("format")
				job, err := lc.RequestExport(r.Context(), id, format)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, job)
				return
			case "pause":
				c, err := lc.PauseContainer(r.Context(), id)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, c)
				return
			case "resume":
				c, err := lc.ResumeContainer(r.Context(), id)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, c)
				return
			}
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc("/v1/nl2query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Text             string   `json:"text"`
			ContainerID      string   `json:"container_id"`
			AllowedLabels    []string `json:"allowed_labels"`
			AllowedEdgeTypes []string `json:"allowed_edge_types"`
			MaxHops          int      `json:"max_hops"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result := translator.Translate(r.Context(), req.Text, nl2query.Schema{
			AllowedLabels:    req.AllowedLabels,
			AllowedEdgeTypes: req.AllowedEdgeTypes,
			MaxHops:          req.MaxHops,
			ContainerID:      req.ContainerID,
		})
		writeJSON(w, result)
	})

	mux.HandleFunc("/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		job, evs, err := lc.JobStatus(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, struct {
			Job    registry.Job            `json:"job"`
			Events []registry.JobEventRow `json:"events"`
		}{job, evs})
	})

	return mux
}

// applyPolicyDefaults fills in retrieval knobs a caller left at the zero
// value with the container's resolved policy, so a client that only sends
// {"query": "..."} still gets the container's configured rerank/graph/dedup
// behavior rather than the retrieve package's own unrelated zero-value defaults.
func applyPolicyDefaults(opt *retrieve.RetrieveOptions, p policy.Policy) {
	if !opt.Rerank {
		opt.Rerank = p.RerankEnabled
	}
	if !opt.GraphAugment {
		opt.GraphAugment = p.GraphEnabled
	}
	if opt.GraphMaxHops == 0 {
		opt.GraphMaxHops = p.GraphMaxHops
	}
	if opt.DedupThreshold == 0 {
		opt.DedupThreshold = p.DedupThreshold
	}
	if opt.FreshnessLambda == 0 {
		opt.FreshnessLambda = p.FreshnessLambda
	}
	if opt.RerankTopKIn == 0 {
		opt.RerankTopKIn = p.RerankTopKIn
	}
	if opt.RerankTimeout == 0 {
		opt.RerankTimeout = p.RerankTimeout
	}
	if opt.RerankCacheTTL == 0 {
		opt.RerankCacheTTL = p.RerankCacheTTL
	}
	if opt.RerankProvider == "" {
		opt.RerankProvider = p.RerankProvider
	}
	if opt.RerankModel == "" {
		opt.RerankModel = p.RerankModel
	}
	if len(opt.AllowedModalities) == 0 {
		opt.AllowedModalities = p.Modalities
	}
}

// writePolicyError maps a policy.ResolveError's issue code to an HTTP status
// and writes it as the response body, so a client gets the typed code back
// rather than a bare 500.
func writePolicyError(w http.ResponseWriter, err error) {
	var resolveErr *policy.ResolveError
	if !errors.As(err, &resolveErr) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch resolveErr.Code {
	case policy.CodeContainerNotFound:
		status = http.StatusNotFound
	case policy.CodeContainerUnavailable:
		status = http.StatusConflict
	case policy.CodePolicyInvalid:
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}{resolveErr.Code, resolveErr.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
