// Package lifecycle implements container and document management
// operations: create, describe, list, update, and delete (soft or hard),
// plus longer-running refresh/export operations that are submitted as
// internal/jobqueue jobs rather than executed inline on the request path.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/talhas-laboratory/curated-context-containers/internal/cache"
	"github.com/talhas-laboratory/curated-context-containers/internal/events"
	"github.com/talhas-laboratory/curated-context-containers/internal/jobqueue"
	"github.com/talhas-laboratory/curated-context-containers/internal/policy"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
)

// Manager exposes the container/document lifecycle surface. It is a thin
// orchestration layer over internal/registry, invalidating cached policy
// and enqueueing background jobs where an operation is long-running.
type Manager struct {
	reg      registry.Registry
	policies *policy.Resolver
	cache    *cache.Cache
	pub      *events.Publisher
}

// NewManager constructs a Manager. cache and pub may be nil.
func NewManager(reg registry.Registry, policies *policy.Resolver, c *cache.Cache, pub *events.Publisher) *Manager {
	return &Manager{reg: reg, policies: policies, cache: c, pub: pub}
}

// NewContainerRequest carries the manifest fields a caller may set when
// creating a container. Zero-valued fields resolve to policy defaults at
// retrieval/ingestion time (see internal/policy.Resolver).
type NewContainerRequest struct {
	Tenant          string
	Name            string
	Modalities      []string
	EmbedderID      string
	Dims            int
	LatencyBudgetMS int
	RerankPolicy    registry.RerankPolicy
	FreshnessLambda float64
	GraphEnabled    bool
	GraphMaxHops    int
}

// CreateContainer creates a new container for a tenant with the given manifest.
func (m *Manager) CreateContainer(ctx context.Context, req NewContainerRequest) (registry.Container, error) {
	return m.reg.CreateContainer(ctx, registry.Container{
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
}

// DescribeContainer returns one container's metadata.
func (m *Manager) DescribeContainer(ctx context.Context, id string) (registry.Container, error) {
	return m.reg.GetContainer(ctx, id)
}

// ListContainers lists containers for a tenant (all tenants when empty).
func (m *Manager) ListContainers(ctx context.Context, tenant string) ([]registry.Container, error) {
	return m.reg.ListContainers(ctx, tenant)
}

// RenameContainer updates a container's display name and invalidates any
// cached policy/resolution for it. UpdateContainer replaces the full
// manifest, so the existing container is read first and only Name changed.
func (m *Manager) RenameContainer(ctx context.Context, id, name string) (registry.Container, error) {
	existing, err := m.reg.GetContainer(ctx, id)
	if err != nil {
		return registry.Container{}, err
	}
	existing.Name = name
	c, err := m.reg.UpdateContainer(ctx, existing)
	if err != nil {
		return registry.Container{}, err
	}
	m.invalidate(ctx, id)
	return c, nil
}

// UpdateManifest applies fn to a container's current manifest and persists
// the result, invalidating any cached policy/resolution for it. fn mutates
// the fields it cares about and leaves the rest untouched.
func (m *Manager) UpdateManifest(ctx context.Context, id string, fn func(*registry.Container)) (registry.Container, error) {
	existing, err := m.reg.GetContainer(ctx, id)
	if err != nil {
		return registry.Container{}, err
	}
	fn(&existing)
	c, err := m.reg.UpdateContainer(ctx, existing)
	if err != nil {
		return registry.Container{}, err
	}
	m.invalidate(ctx, id)
	return c, nil
}

// PauseContainer marks a container paused: retrieval and ingestion against it
// fail with CONTAINER_UNAVAILABLE until ResumeContainer is called.
func (m *Manager) PauseContainer(ctx context.Context, id string) (registry.Container, error) {
	return m.UpdateManifest(ctx, id, func(c *registry.Container) { c.State = registry.ContainerStatePaused })
}

// ResumeContainer clears a container's paused state.
func (m *Manager) ResumeContainer(ctx context.Context, id string) (registry.Container, error) {
	return m.UpdateManifest(ctx, id, func(c *registry.Container) { c.State = registry.ContainerStateActive })
}

// DeleteContainer removes a container. Soft delete marks it deleted_at and
// keeps documents/chunks in place for a grace-period undo; hard delete
// also removes the row. Neither mode touches the search, vector, graph, or
// blob stores, so the container's chunks, vectors, and graph entries remain.
func (m *Manager) DeleteContainer(ctx context.Context, id string, hard bool) error {
	if err := m.reg.DeleteContainer(ctx, id, hard); err != nil {
		return err
	}
	m.invalidate(ctx, id)
	return nil
}

// DescribeDocument returns one document's registry metadata.
func (m *Manager) DescribeDocument(ctx context.Context, id string) (registry.Document, error) {
	return m.reg.GetDocument(ctx, id)
}

// ListDocuments lists documents in a container.
func (m *Manager) ListDocuments(ctx context.Context, containerID string) ([]registry.Document, error) {
	return m.reg.ListDocuments(ctx, containerID)
}

// DeleteDocument removes a document's registry row. Callers are responsible
// for also removing the corresponding chunk/vector/graph entries (typically
// via a refresh job, since that path already walks a document's chunk set).
func (m *Manager) DeleteDocument(ctx context.Context, id string, hard bool) error {
	return m.reg.DeleteDocument(ctx, id, hard)
}

// RefreshPayload is the JSON payload stored on a refresh job.
type RefreshPayload struct {
	ContainerID string `json:"container_id"`
}

// ExportPayload is the JSON payload stored on an export job.
type ExportPayload struct {
	ContainerID string `json:"container_id"`
	Format      string `json:"format"` // e.g. "jsonl"
}

// RequestRefresh enqueues a container refresh job (re-crawl/re-ingest every
// document's source) rather than running it inline, since a refresh can
// take far longer than a single request's budget allows.
func (m *Manager) RequestRefresh(ctx context.Context, containerID string) (registry.Job, error) {
	payload, err := json.Marshal(RefreshPayload{ContainerID: containerID})
	if err != nil {
		return registry.Job{}, err
	}
	return jobqueue.Enqueue(ctx, m.reg, m.pub, registry.Job{ContainerID: containerID, Kind: "refresh", Payload: payload})
}

// RequestExport enqueues a container export job.
func (m *Manager) RequestExport(ctx context.Context, containerID, format string) (registry.Job, error) {
	if format == "" {
		format = "jsonl"
	}
	payload, err := json.Marshal(ExportPayload{ContainerID: containerID, Format: format})
	if err != nil {
		return registry.Job{}, err
	}
	return jobqueue.Enqueue(ctx, m.reg, m.pub, registry.Job{ContainerID: containerID, Kind: "export", Payload: payload})
}

// JobStatus returns a job's current status and recent audit events, used by
// callers polling a refresh/export job to completion.
func (m *Manager) JobStatus(ctx context.Context, jobID string) (registry.Job, []registry.JobEventRow, error) {
	job, err := m.reg.GetJob(ctx, jobID)
	if err != nil {
		return registry.Job{}, nil, fmt.Errorf("lifecycle: job %s: %w", jobID, err)
	}
	events, err := m.reg.ListJobEvents(ctx, jobID)
	if err != nil {
		return registry.Job{}, nil, err
	}
	return job, events, nil
}

func (m *Manager) invalidate(ctx context.Context, containerID string) {
	if m.policies != nil {
		m.policies.Invalidate(containerID)
	}
	if m.cache != nil {
		_ = m.cache.InvalidateContainer(ctx, containerID)
	}
}
