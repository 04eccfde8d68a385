// Package registry is the system of record for containers, documents, jobs,
// and their audit trail. Unlike internal/persistence/databases (which
// indexes chunk text/vectors for retrieval), the registry tracks the
// relational bookkeeping retrieval needs to resolve freshness, policy, and
// job state: when a document was ingested, what container it belongs to,
// what jobs are outstanding against it.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("registry: not found")

// Container lifecycle states. A paused container still exists in the
// registry but rejects retrieval/ingestion traffic until resumed.
const (
	ContainerStateActive = "active"
	ContainerStatePaused = "paused"
)

// RerankPolicy is the per-container rerank contract: whether reranking is
// enabled, which provider/model to call, and the candidate/timeout/cache
// bounds that shape the rerank stage of retrieval.
type RerankPolicy struct {
	Enabled   bool
	Provider  string
	Model     string
	TopKIn    int
	TopKOut   int
	TimeoutMS int
	CacheTTLS int
}

// Container is a curated-context container: an isolation boundary for
// documents, chunks, vectors, and graph nodes. Everything beyond
// ID/Tenant/Name is the container's manifest: the per-container contract
// the policy layer resolves into effective retrieval/ingestion behavior.
type Container struct {
	ID     string
	Tenant string
	Name   string

	// Modalities lists the document modalities this container accepts
	// (e.g. "text", "pdf", "image"). Ingestion rejects any other modality.
	Modalities []string
	// EmbedderID identifies which embedder adapter/model this container's
	// vectors were produced with. UpdateContainer does not reject a change
	// to it (or to Dims) on an active container.
	EmbedderID string
	// Dims is the container's vector dimensionality.
	Dims int
	// LatencyBudgetMS is this container's contribution to the effective
	// retrieval budget: min(request_budget, container_budget, global_budget).
	LatencyBudgetMS int
	RerankPolicy    RerankPolicy
	FreshnessLambda float64
	GraphEnabled    bool
	GraphMaxHops    int
	// State is one of ContainerStateActive/ContainerStatePaused. A paused
	// container resolves policy with CONTAINER_UNAVAILABLE.
	State string
	// ACL is an opaque access-control payload applied consistently across
	// stores; the core treats it as data, not an auth provider integration.
	ACL map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Document tracks one ingested source document within a container.
type Document struct {
	ID          string
	ContainerID string
	Tenant      string
	Source      string
	URL         string
	Title       string
	Hash        string
	Version     int
	IngestedAt  time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Job is a durable unit of asynchronous work (refresh, export, ingest).
type Job struct {
	ID          string
	ContainerID string
	Kind        string
	Status      string // queued|running|completed|failed|dead_letter
	Payload     []byte
	Attempt     int
	MaxAttempts int
	RunAfter    time.Time
	LockedBy    string
	LockedUntil *time.Time
	LastError   string
	// IdempotencyKey de-duplicates repeated Enqueue calls for the same
	// logical unit of work: a non-terminal job (queued/running/failed)
	// with a matching key is returned as-is instead of enqueueing a
	// second one.
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// jobTerminalStates lists Job.Status values Enqueue's idempotency-key
// lookup treats as "done" and therefore not eligible for reuse.
var jobTerminalStates = map[string]bool{"completed": true, "dead_letter": true}

// JobEventRow is the persisted audit trail entry for a job transition.
type JobEventRow struct {
	ID         string
	JobID      string
	Kind       string
	Message    string
	OccurredAt time.Time
}

// RerankedScore is one candidate's cached cross-encoder score.
type RerankedScore struct {
	ID    string
	Score float64
}

// RerankCacheEntry stores a previously computed rerank result so an
// identical (query hash, ordered candidate fingerprint, provider, model)
// tuple skips the cross-encoder call entirely. Score is the top candidate's
// score, kept for cheap inspection; Scores carries the full per-candidate
// result the rerank stage needs to reconstruct order from cache alone.
type RerankCacheEntry struct {
	Key       string
	Score     float64
	Scores    []RerankedScore
	ExpiresAt time.Time
}

// Registry is the storage-facing contract the rest of the core depends on.
// Postgres and in-memory implementations both satisfy it.
type Registry interface {
	CreateContainer(ctx context.Context, c Container) (Container, error)
	GetContainer(ctx context.Context, id string) (Container, error)
	ListContainers(ctx context.Context, tenant string) ([]Container, error)
	UpdateContainer(ctx context.Context, c Container) (Container, error)
	DeleteContainer(ctx context.Context, id string, hard bool) error

	UpsertDocument(ctx context.Context, d Document) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	GetDocumentByHash(ctx context.Context, containerID, hash string) (Document, error)
	ListDocuments(ctx context.Context, containerID string) ([]Document, error)
	DeleteDocument(ctx context.Context, id string, hard bool) error

	EnqueueJob(ctx context.Context, j Job) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	ClaimJob(ctx context.Context, kinds []string, lockedBy string, lockFor time.Duration) (Job, bool, error)
	HeartbeatJob(ctx context.Context, id, lockedBy string, lockFor time.Duration) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string, nextRunAfter time.Time, deadLetter bool) error
	AppendJobEvent(ctx context.Context, ev JobEventRow) error
	ListJobEvents(ctx context.Context, jobID string) ([]JobEventRow, error)

	GetRerankCache(ctx context.Context, key string) (RerankCacheEntry, bool, error)
	PutRerankCache(ctx context.Context, e RerankCacheEntry) error
}
