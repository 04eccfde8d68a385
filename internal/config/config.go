// Package config loads runtime configuration for the retrieval and
// ingestion core from environment variables, with an optional local
// .env file layered underneath.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DBConfig selects and parameterizes the registry/search/vector/graph
// backends. Backend values: "memory", "postgres"/"pg", "auto",
// "none"/"disabled"; the vector backend also accepts "pgvector" and "qdrant".
type DBConfig struct {
	DefaultDSN string

	Search StoreConfig
	Vector VectorConfig
	Graph  StoreConfig
}

// StoreConfig configures a relational-backed store (search index, graph, registry).
type StoreConfig struct {
	Backend string
	DSN     string
}

// VectorConfig configures the vector store backend.
type VectorConfig struct {
	Backend    string
	DSN        string
	Collection string
	Dimensions int
	Metric     string // cosine|l2|ip
}

// S3SSEConfig configures server-side encryption for blob writes.
type S3SSEConfig struct {
	Mode     string // "", "sse-s3", "sse-kms"
	KMSKeyID string
}

// S3Config configures the blob store (AWS S3 or an S3-compatible service).
type S3Config struct {
	Bucket                string
	Region                string
	AccessKey             string
	SecretKey             string
	Endpoint              string
	UsePathStyle          bool
	Prefix                string
	TLSInsecureSkipVerify bool
	SSE                   S3SSEConfig
}

// RedisConfig configures the Redis-backed cache (internal/cache), which the
// lifecycle manager uses to invalidate a container's cached entries.
type RedisConfig struct {
	Enabled               bool
	Addr                  string
	Password              string
	DB                    int
	TLSInsecureSkipVerify bool
}

// KafkaConfig configures the optional job-events audit publisher.
type KafkaConfig struct {
	Enabled bool
	Brokers string
	Topic   string
}

// ObsConfig configures OpenTelemetry tracing/metrics export.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLP           string
}

// EmbeddingConfig configures the embedding adapter's HTTP endpoint.
type EmbeddingConfig struct {
	Model      string
	BaseURL    string
	Path       string
	APIHeader  string
	APIKey     string
	Timeout    int // seconds
	Dimensions int
}

// RerankConfig configures the rerank adapter's HTTP endpoint.
type RerankConfig struct {
	Enabled   bool
	Model     string
	BaseURL   string
	Path      string
	APIHeader string
	APIKey    string
	Timeout   int
	// RequestsPerSecond throttles outbound calls to the rerank endpoint.
	// Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// NL2QueryConfig configures the natural-language-to-graph-query translator.
type NL2QueryConfig struct {
	Enabled   bool
	BaseURL   string
	Path      string
	APIHeader string
	APIKey    string
	Timeout   int
}

// CircuitBreakerConfig tunes the circuit breaker that guards the reranker
// client. The embedder and NL2Query clients do not use a breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	OpenDuration      time.Duration
	HalfOpenMaxCalls int
}

// JobQueueConfig tunes lease/backoff/reap behavior for internal/jobqueue.
type JobQueueConfig struct {
	LeaseDuration    time.Duration
	HeartbeatEvery   time.Duration
	ReapInterval     time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffJitter    float64
	WorkerPoolSize   int
}

// PolicyDefaults seeds a container's resolved policy when no manifest
// override is present.
type PolicyDefaults struct {
	Modalities        []string
	LatencyBudgetMS   int
	DedupThreshold    float64
	RerankEnabled     bool
	RerankProvider    string
	RerankModel       string
	RerankTopN        int
	RerankTopKIn      int
	RerankTimeoutMS   int
	FreshnessLambda   float64
	GraphEnabled      bool
	GraphMaxHops      int
	PolicyCacheTTL    time.Duration
	EmbeddingCacheTTL time.Duration
	RerankCacheTTL    time.Duration
}

// RetrievalDefaults seeds RetrieveOptions fields left unset by callers.
type RetrievalDefaults struct {
	K               int
	Alpha           float64
	RRFK            int
	AdmissionLimit  int
}

// Config aggregates every ambient and domain setting the core depends on.
type Config struct {
	LogLevel string
	LogPath  string

	DB        DBConfig
	S3        S3Config
	Redis     RedisConfig
	Kafka     KafkaConfig
	Obs       ObsConfig
	Embedding EmbeddingConfig
	Rerank    RerankConfig
	NL2Query  NL2QueryConfig
	Breaker   CircuitBreakerConfig
	JobQueue  JobQueueConfig
	Policy    PolicyDefaults
	Retrieval RetrievalDefaults
}

// Load reads configuration from the environment, layering a local .env
// file (if present) underneath already-set OS environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		LogLevel: firstNonEmpty(env("LOG_LEVEL"), "info"),
		LogPath:  env("LOG_PATH"),
	}

	cfg.DB = DBConfig{
		DefaultDSN: env("DATABASE_URL"),
		Search: StoreConfig{
			Backend: firstNonEmpty(env("SEARCH_BACKEND"), "auto"),
			DSN:     env("SEARCH_DSN"),
		},
		Vector: VectorConfig{
			Backend:    firstNonEmpty(env("VECTOR_BACKEND"), "auto"),
			DSN:        env("VECTOR_DSN"),
			Collection: firstNonEmpty(env("QDRANT_COLLECTION"), "chunks"),
			Dimensions: envInt("VECTOR_DIMENSIONS", 1536),
			Metric:     firstNonEmpty(env("VECTOR_METRIC"), "cosine"),
		},
		Graph: StoreConfig{
			Backend: firstNonEmpty(env("GRAPH_BACKEND"), "auto"),
			DSN:     env("GRAPH_DSN"),
		},
	}

	cfg.S3 = S3Config{
		Bucket:                env("BLOB_BUCKET"),
		Region:                firstNonEmpty(env("BLOB_REGION"), "us-east-1"),
		AccessKey:             env("BLOB_ACCESS_KEY"),
		SecretKey:             env("BLOB_SECRET_KEY"),
		Endpoint:              env("BLOB_ENDPOINT"),
		UsePathStyle:          envBool("BLOB_USE_PATH_STYLE", false),
		Prefix:                env("BLOB_PREFIX"),
		TLSInsecureSkipVerify: envBool("BLOB_TLS_INSECURE_SKIP_VERIFY", false),
		SSE: S3SSEConfig{
			Mode:     env("BLOB_SSE_MODE"),
			KMSKeyID: env("BLOB_SSE_KMS_KEY_ID"),
		},
	}

	cfg.Redis = RedisConfig{
		Enabled:               envBool("REDIS_ENABLED", false),
		Addr:                  firstNonEmpty(env("REDIS_ADDR"), "localhost:6379"),
		Password:              env("REDIS_PASSWORD"),
		DB:                    envInt("REDIS_DB", 0),
		TLSInsecureSkipVerify: envBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
	}

	cfg.Kafka = KafkaConfig{
		Enabled: envBool("KAFKA_ENABLED", false),
		Brokers: env("KAFKA_BROKERS"),
		Topic:   firstNonEmpty(env("KAFKA_JOB_EVENTS_TOPIC"), "jobs.events"),
	}

	cfg.Obs = ObsConfig{
		ServiceName:    firstNonEmpty(env("OTEL_SERVICE_NAME"), "curated-context-containers"),
		ServiceVersion: firstNonEmpty(env("OTEL_SERVICE_VERSION"), "dev"),
		Environment:    firstNonEmpty(env("ENVIRONMENT"), "development"),
		OTLP:           env("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	cfg.Embedding = EmbeddingConfig{
		Model:      firstNonEmpty(env("EMBEDDING_MODEL"), "text-embedding-3-small"),
		BaseURL:    env("EMBEDDING_BASE_URL"),
		Path:       firstNonEmpty(env("EMBEDDING_PATH"), "/v1/embeddings"),
		APIHeader:  firstNonEmpty(env("EMBEDDING_API_HEADER"), "Authorization"),
		APIKey:     env("EMBEDDING_API_KEY"),
		Timeout:    envInt("EMBEDDING_TIMEOUT_SECONDS", 30),
		Dimensions: envInt("VECTOR_DIMENSIONS", 1536),
	}

	cfg.Rerank = RerankConfig{
		Enabled:   envBool("RERANK_ENABLED", false),
		Model:     env("RERANK_MODEL"),
		BaseURL:   env("RERANK_BASE_URL"),
		Path:      firstNonEmpty(env("RERANK_PATH"), "/v1/rerank"),
		APIHeader: firstNonEmpty(env("RERANK_API_HEADER"), "Authorization"),
		APIKey:    env("RERANK_API_KEY"),
		Timeout:   envInt("RERANK_TIMEOUT_SECONDS", 10),
		RequestsPerSecond: envFloat("RERANK_REQUESTS_PER_SECOND", 5),
		Burst:             envInt("RERANK_BURST", 5),
	}

	cfg.NL2Query = NL2QueryConfig{
		Enabled:   envBool("NL2QUERY_ENABLED", false),
		BaseURL:   env("NL2QUERY_BASE_URL"),
		Path:      firstNonEmpty(env("NL2QUERY_PATH"), "/v1/translate"),
		APIHeader: firstNonEmpty(env("NL2QUERY_API_HEADER"), "Authorization"),
		APIKey:    env("NL2QUERY_API_KEY"),
		Timeout:   envInt("NL2QUERY_TIMEOUT_SECONDS", 5),
	}

	cfg.Breaker = CircuitBreakerConfig{
		FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		OpenDuration:      time.Duration(envInt("BREAKER_OPEN_SECONDS", 30)) * time.Second,
		HalfOpenMaxCalls: envInt("BREAKER_HALF_OPEN_MAX_CALLS", 1),
	}

	cfg.JobQueue = JobQueueConfig{
		LeaseDuration:  time.Duration(envInt("JOB_LEASE_SECONDS", 60)) * time.Second,
		HeartbeatEvery: time.Duration(envInt("JOB_HEARTBEAT_SECONDS", 20)) * time.Second,
		ReapInterval:   time.Duration(envInt("JOB_REAP_INTERVAL_SECONDS", 15)) * time.Second,
		MaxAttempts:    envInt("JOB_MAX_ATTEMPTS", 8),
		BackoffBase:    time.Duration(envInt("JOB_BACKOFF_BASE_SECONDS", 2)) * time.Second,
		BackoffMax:     time.Duration(envInt("JOB_BACKOFF_MAX_SECONDS", 300)) * time.Second,
		BackoffJitter:  envFloat("JOB_BACKOFF_JITTER", 0.2),
		WorkerPoolSize: envInt("JOB_WORKER_POOL_SIZE", 4),
	}

	cfg.Policy = PolicyDefaults{
		Modalities:        envList("POLICY_DEFAULT_MODALITIES", []string{"text"}),
		LatencyBudgetMS:   envInt("POLICY_LATENCY_BUDGET_MS", 1500),
		DedupThreshold:    envFloat("POLICY_DEDUP_THRESHOLD", 0.93),
		RerankEnabled:     envBool("POLICY_RERANK_ENABLED", false),
		RerankProvider:    env("POLICY_RERANK_PROVIDER"),
		RerankModel:       env("POLICY_RERANK_MODEL"),
		RerankTopN:        envInt("POLICY_RERANK_TOP_N", 20),
		RerankTopKIn:      envInt("POLICY_RERANK_TOP_K_IN", 50),
		RerankTimeoutMS:   envInt("POLICY_RERANK_TIMEOUT_MS", 800),
		FreshnessLambda:   envFloat("POLICY_FRESHNESS_LAMBDA", 0.0),
		GraphEnabled:      envBool("POLICY_GRAPH_ENABLED", false),
		GraphMaxHops:      envInt("POLICY_GRAPH_MAX_HOPS", 2),
		PolicyCacheTTL:    time.Duration(envInt("POLICY_CACHE_TTL_SECONDS", 60)) * time.Second,
		EmbeddingCacheTTL: time.Duration(envInt("EMBEDDING_CACHE_TTL_SECONDS", 86400)) * time.Second,
		RerankCacheTTL:    time.Duration(envInt("RERANK_CACHE_TTL_SECONDS", 600)) * time.Second,
	}

	cfg.Retrieval = RetrievalDefaults{
		K:              envInt("RETRIEVAL_DEFAULT_K", 10),
		Alpha:          envFloat("RETRIEVAL_DEFAULT_ALPHA", 0.5),
		RRFK:           envInt("RETRIEVAL_DEFAULT_RRF_K", 60),
		AdmissionLimit: envInt("RETRIEVAL_ADMISSION_LIMIT", 64),
	}

	if err := applyYAMLOverlay(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func envBool(key string, def bool) bool {
	v := env(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envInt(key string, def int) int {
	v := env(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := env(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envList(key string, def []string) []string {
	v := env(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate performs cheap sanity checks before the core starts accepting work.
func (c Config) Validate() error {
	if c.DB.Vector.Dimensions <= 0 {
		return fmt.Errorf("config: vector dimensions must be positive, got %d", c.DB.Vector.Dimensions)
	}
	if c.JobQueue.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: job worker pool size must be positive, got %d", c.JobQueue.WorkerPoolSize)
	}
	return nil
}
