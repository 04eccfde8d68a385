package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRegistry struct{ pool *pgxpool.Pool }

// NewPostgresRegistry bootstraps the registry schema and returns a Registry
// backed by the given pool. Bootstrap is idempotent, matching the
// CREATE TABLE IF NOT EXISTS style used by the rest of the persistence layer.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (Registry, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS containers (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			modalities TEXT[] NOT NULL DEFAULT '{}',
			embedder_id TEXT NOT NULL DEFAULT '',
			dims INT NOT NULL DEFAULT 0,
			latency_budget_ms INT NOT NULL DEFAULT 0,
			rerank_policy JSONB NOT NULL DEFAULT '{}'::jsonb,
			freshness_lambda DOUBLE PRECISION NOT NULL DEFAULT 0,
			graph_enabled BOOLEAN NOT NULL DEFAULT false,
			graph_max_hops INT NOT NULL DEFAULT 1,
			state TEXT NOT NULL DEFAULT 'active',
			acl JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL REFERENCES containers(id),
			tenant TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL DEFAULT '',
			version INT NOT NULL DEFAULT 1,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS documents_container_hash_idx ON documents(container_id, hash)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			attempt INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			run_after TIMESTAMPTZ NOT NULL DEFAULT now(),
			locked_by TEXT NOT NULL DEFAULT '',
			locked_until TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs(status, run_after)`,
		`CREATE INDEX IF NOT EXISTS jobs_idempotency_key_idx ON jobs(idempotency_key) WHERE idempotency_key <> ''`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			kind TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS rerank_cache (
			key TEXT PRIMARY KEY,
			score DOUBLE PRECISION NOT NULL,
			scores JSONB NOT NULL DEFAULT '[]'::jsonb,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, err
		}
	}
	return &pgRegistry{pool: pool}, nil
}

const containerColumns = `id, tenant, name, modalities, embedder_id, dims, latency_budget_ms, rerank_policy, freshness_lambda, graph_enabled, graph_max_hops, state, acl, created_at, updated_at, deleted_at`

func (r *pgRegistry) CreateContainer(ctx context.Context, c Container) (Container, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = ContainerStateActive
	}
	acl := c.ACL
	if acl == nil {
		acl = map[string]any{}
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO containers(id, tenant, name, modalities, embedder_id, dims, latency_budget_ms, rerank_policy, freshness_lambda, graph_enabled, graph_max_hops, state, acl)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING `+containerColumns,
		c.ID, c.Tenant, c.Name, c.Modalities, c.EmbedderID, c.Dims, c.LatencyBudgetMS, c.RerankPolicy, c.FreshnessLambda, c.GraphEnabled, c.GraphMaxHops, c.State, acl)
	return scanContainer(row)
}

func (r *pgRegistry) GetContainer(ctx context.Context, id string) (Container, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+containerColumns+` FROM containers WHERE id=$1`, id)
	c, err := scanContainer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Container{}, ErrNotFound
	}
	return c, err
}

func (r *pgRegistry) ListContainers(ctx context.Context, tenant string) ([]Container, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+containerColumns+` FROM containers WHERE ($1='' OR tenant=$1) AND deleted_at IS NULL ORDER BY created_at`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Container
	for rows.Next() {
		c, err := scanContainerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateContainer replaces a container's mutable manifest fields. Callers
// that only want to change one field should GetContainer first and copy the
// rest forward, the same read-modify-write pattern internal/lifecycle uses.
func (r *pgRegistry) UpdateContainer(ctx context.Context, c Container) (Container, error) {
	acl := c.ACL
	if acl == nil {
		acl = map[string]any{}
	}
	state := c.State
	if state == "" {
		state = ContainerStateActive
	}
	row := r.pool.QueryRow(ctx, `
UPDATE containers SET name=$2, modalities=$3, embedder_id=$4, dims=$5, latency_budget_ms=$6,
  rerank_policy=$7, freshness_lambda=$8, graph_enabled=$9, graph_max_hops=$10, state=$11, acl=$12, updated_at=now()
WHERE id=$1
RETURNING `+containerColumns,
		c.ID, c.Name, c.Modalities, c.EmbedderID, c.Dims, c.LatencyBudgetMS, c.RerankPolicy, c.FreshnessLambda, c.GraphEnabled, c.GraphMaxHops, state, acl)
	cc, err := scanContainer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Container{}, ErrNotFound
	}
	return cc, err
}

func (r *pgRegistry) DeleteContainer(ctx context.Context, id string, hard bool) error {
	if hard {
		_, err := r.pool.Exec(ctx, `DELETE FROM containers WHERE id=$1`, id)
		return err
	}
	_, err := r.pool.Exec(ctx, `UPDATE containers SET deleted_at=now() WHERE id=$1`, id)
	return err
}

func (r *pgRegistry) UpsertDocument(ctx context.Context, d Document) (Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO documents(id, container_id, tenant, source, url, title, hash, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET source=EXCLUDED.source, url=EXCLUDED.url, title=EXCLUDED.title,
  hash=EXCLUDED.hash, version=EXCLUDED.version, updated_at=now()
RETURNING id, container_id, tenant, source, url, title, hash, version, ingested_at, updated_at, deleted_at`,
		d.ID, d.ContainerID, d.Tenant, d.Source, d.URL, d.Title, d.Hash, d.Version)
	return scanDocument(row)
}

func (r *pgRegistry) GetDocument(ctx context.Context, id string) (Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, container_id, tenant, source, url, title, hash, version, ingested_at, updated_at, deleted_at FROM documents WHERE id=$1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (r *pgRegistry) GetDocumentByHash(ctx context.Context, containerID, hash string) (Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, container_id, tenant, source, url, title, hash, version, ingested_at, updated_at, deleted_at FROM documents WHERE container_id=$1 AND hash=$2 AND deleted_at IS NULL LIMIT 1`, containerID, hash)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (r *pgRegistry) ListDocuments(ctx context.Context, containerID string) ([]Document, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, container_id, tenant, source, url, title, hash, version, ingested_at, updated_at, deleted_at FROM documents WHERE container_id=$1 AND deleted_at IS NULL ORDER BY ingested_at`, containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *pgRegistry) DeleteDocument(ctx context.Context, id string, hard bool) error {
	if hard {
		_, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
		return err
	}
	_, err := r.pool.Exec(ctx, `UPDATE documents SET deleted_at=now() WHERE id=$1`, id)
	return err
}

const jobColumns = `id, container_id, kind, status, payload, attempt, max_attempts, run_after, locked_by, locked_until, last_error, idempotency_key, created_at, updated_at`

// EnqueueJob inserts a new job, unless IdempotencyKey is set and a
// non-terminal job already carries the same key, in which case that job is
// returned unchanged rather than enqueueing a duplicate.
func (r *pgRegistry) EnqueueJob(ctx context.Context, j Job) (Job, error) {
	if j.IdempotencyKey != "" {
		row := r.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE idempotency_key=$1 AND idempotency_key <> '' AND status NOT IN ('completed','dead_letter')
ORDER BY created_at LIMIT 1`, j.IdempotencyKey)
		existing, err := scanJob(row)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Job{}, err
		}
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 5
	}
	if j.RunAfter.IsZero() {
		j.RunAfter = time.Now().UTC()
	}
	if j.Payload == nil {
		j.Payload = []byte("{}")
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO jobs(id, container_id, kind, status, payload, max_attempts, run_after, idempotency_key)
VALUES ($1,$2,$3,'queued',$4,$5,$6,$7)
RETURNING `+jobColumns,
		j.ID, j.ContainerID, j.Kind, j.Payload, j.MaxAttempts, j.RunAfter, j.IdempotencyKey)
	return scanJob(row)
}

func (r *pgRegistry) GetJob(ctx context.Context, id string) (Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimJob atomically claims the next eligible job using SELECT ... FOR
// UPDATE SKIP LOCKED, so multiple worker processes can poll the same table
// without double-processing a job.
func (r *pgRegistry) ClaimJob(ctx context.Context, kinds []string, lockedBy string, lockFor time.Duration) (Job, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback(ctx)

	var kindFilter any
	if len(kinds) > 0 {
		kindFilter = kinds
	}
	row := tx.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status IN ('queued','failed') AND run_after <= now()
  AND ($1::text[] IS NULL OR kind = ANY($1))
ORDER BY run_after
FOR UPDATE SKIP LOCKED
LIMIT 1`, kindFilter)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	until := time.Now().UTC().Add(lockFor)
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status='running', locked_by=$2, locked_until=$3, attempt=attempt+1, updated_at=now() WHERE id=$1`, j.ID, lockedBy, until); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, err
	}
	j.Status = "running"
	j.LockedBy = lockedBy
	j.LockedUntil = &until
	j.Attempt++
	return j, true, nil
}

func (r *pgRegistry) HeartbeatJob(ctx context.Context, id, lockedBy string, lockFor time.Duration) error {
	until := time.Now().UTC().Add(lockFor)
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET locked_until=$3, updated_at=now() WHERE id=$1 AND locked_by=$2`, id, lockedBy, until)
	return err
}

func (r *pgRegistry) CompleteJob(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET status='completed', locked_by='', locked_until=NULL, updated_at=now() WHERE id=$1`, id)
	return err
}

func (r *pgRegistry) FailJob(ctx context.Context, id string, errMsg string, nextRunAfter time.Time, deadLetter bool) error {
	status := "failed"
	if deadLetter {
		status = "dead_letter"
	}
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET status=$2, last_error=$3, run_after=$4, locked_by='', locked_until=NULL, updated_at=now() WHERE id=$1`,
		id, status, errMsg, nextRunAfter)
	return err
}

func (r *pgRegistry) AppendJobEvent(ctx context.Context, ev JobEventRow) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO job_events(id, job_id, kind, message) VALUES ($1,$2,$3,$4)`, ev.ID, ev.JobID, ev.Kind, ev.Message)
	return err
}

func (r *pgRegistry) ListJobEvents(ctx context.Context, jobID string) ([]JobEventRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, job_id, kind, message, occurred_at FROM job_events WHERE job_id=$1 ORDER BY occurred_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobEventRow
	for rows.Next() {
		var e JobEventRow
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &e.Message, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgRegistry) GetRerankCache(ctx context.Context, key string) (RerankCacheEntry, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT key, score, scores, expires_at FROM rerank_cache WHERE key=$1 AND expires_at > now()`, key)
	var e RerankCacheEntry
	if err := row.Scan(&e.Key, &e.Score, &e.Scores, &e.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RerankCacheEntry{}, false, nil
		}
		return RerankCacheEntry{}, false, err
	}
	return e, true, nil
}

func (r *pgRegistry) PutRerankCache(ctx context.Context, e RerankCacheEntry) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO rerank_cache(key, score, scores, expires_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (key) DO UPDATE SET score=EXCLUDED.score, scores=EXCLUDED.scores, expires_at=EXCLUDED.expires_at`,
		e.Key, e.Score, e.Scores, e.ExpiresAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContainer(row rowScanner) (Container, error) {
	var c Container
	err := row.Scan(&c.ID, &c.Tenant, &c.Name, &c.Modalities, &c.EmbedderID, &c.Dims, &c.LatencyBudgetMS,
		&c.RerankPolicy, &c.FreshnessLambda, &c.GraphEnabled, &c.GraphMaxHops, &c.State, &c.ACL,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	return c, err
}

func scanContainerRows(rows pgx.Rows) (Container, error) { return scanContainer(rows) }

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.ContainerID, &d.Tenant, &d.Source, &d.URL, &d.Title, &d.Hash, &d.Version, &d.IngestedAt, &d.UpdatedAt, &d.DeletedAt)
	return d, err
}

func scanDocumentRows(rows pgx.Rows) (Document, error) { return scanDocument(rows) }

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payload []byte
	err := row.Scan(&j.ID, &j.ContainerID, &j.Kind, &j.Status, &payload, &j.Attempt, &j.MaxAttempts, &j.RunAfter, &j.LockedBy, &j.LockedUntil, &j.LastError, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt)
	j.Payload = payload
	return j, err
}
