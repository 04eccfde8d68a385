package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRegistry is an in-memory Registry for tests and single-process dev use.
type memRegistry struct {
	mu         sync.Mutex
	containers map[string]Container
	documents  map[string]Document
	jobs       map[string]Job
	jobEvents  map[string][]JobEventRow
	rerank     map[string]RerankCacheEntry
}

// NewMemoryRegistry returns an in-memory Registry implementation.
func NewMemoryRegistry() Registry {
	return &memRegistry{
		containers: map[string]Container{},
		documents:  map[string]Document{},
		jobs:       map[string]Job{},
		jobEvents:  map[string][]JobEventRow{},
		rerank:     map[string]RerankCacheEntry{},
	}
}

func (m *memRegistry) CreateContainer(_ context.Context, c Container) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = ContainerStateActive
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.containers[c.ID] = c
	return c, nil
}

func (m *memRegistry) GetContainer(_ context.Context, id string) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return Container{}, ErrNotFound
	}
	return c, nil
}

func (m *memRegistry) ListContainers(_ context.Context, tenant string) ([]Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Container
	for _, c := range m.containers {
		if c.DeletedAt != nil {
			continue
		}
		if tenant != "" && c.Tenant != tenant {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateContainer replaces a container's mutable manifest fields (name,
// modalities, embedder, budget, rerank policy, freshness lambda, graph
// settings, state, ACL) with the values in c. Callers that only want to
// change one field should read-modify-write via GetContainer first.
func (m *memRegistry) UpdateContainer(_ context.Context, c Container) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.containers[c.ID]
	if !ok {
		return Container{}, ErrNotFound
	}
	existing.Name = c.Name
	existing.Modalities = c.Modalities
	existing.EmbedderID = c.EmbedderID
	existing.Dims = c.Dims
	existing.LatencyBudgetMS = c.LatencyBudgetMS
	existing.RerankPolicy = c.RerankPolicy
	existing.FreshnessLambda = c.FreshnessLambda
	existing.GraphEnabled = c.GraphEnabled
	existing.GraphMaxHops = c.GraphMaxHops
	if c.State != "" {
		existing.State = c.State
	}
	existing.ACL = c.ACL
	existing.UpdatedAt = time.Now().UTC()
	m.containers[c.ID] = existing
	return existing, nil
}

func (m *memRegistry) DeleteContainer(_ context.Context, id string, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hard {
		delete(m.containers, id)
		return nil
	}
	c, ok := m.containers[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	m.containers[id] = c
	return nil
}

func (m *memRegistry) UpsertDocument(_ context.Context, d Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if existing, ok := m.documents[d.ID]; ok {
		d.IngestedAt = existing.IngestedAt
	} else {
		d.IngestedAt = now
	}
	d.UpdatedAt = now
	m.documents[d.ID] = d
	return d, nil
}

func (m *memRegistry) GetDocument(_ context.Context, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (m *memRegistry) GetDocumentByHash(_ context.Context, containerID, hash string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.documents {
		if d.ContainerID == containerID && d.Hash == hash && d.DeletedAt == nil {
			return d, nil
		}
	}
	return Document{}, ErrNotFound
}

func (m *memRegistry) ListDocuments(_ context.Context, containerID string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, d := range m.documents {
		if d.ContainerID == containerID && d.DeletedAt == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memRegistry) DeleteDocument(_ context.Context, id string, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hard {
		delete(m.documents, id)
		return nil
	}
	d, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	d.DeletedAt = &now
	m.documents[id] = d
	return nil
}

// EnqueueJob inserts a new job, unless IdempotencyKey is set and a
// non-terminal job already carries the same key, in which case that job is
// returned unchanged rather than enqueueing a duplicate.
func (m *memRegistry) EnqueueJob(_ context.Context, j Job) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.IdempotencyKey != "" {
		for _, existing := range m.jobs {
			if existing.IdempotencyKey == j.IdempotencyKey && !jobTerminalStates[existing.Status] {
				return existing, nil
			}
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
	j.Status = "queued"
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	m.jobs[j.ID] = j
	return j, nil
}

func (m *memRegistry) GetJob(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (m *memRegistry) ClaimJob(_ context.Context, kinds []string, lockedBy string, lockFor time.Duration) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	allowed := map[string]bool{}
	for _, k := range kinds {
		allowed[k] = true
	}
	for id, j := range m.jobs {
		if j.Status != "queued" && j.Status != "failed" {
			continue
		}
		if j.RunAfter.After(now) {
			continue
		}
		if len(allowed) > 0 && !allowed[j.Kind] {
			continue
		}
		until := now.Add(lockFor)
		j.Status = "running"
		j.LockedBy = lockedBy
		j.LockedUntil = &until
		j.Attempt++
		j.UpdatedAt = now
		m.jobs[id] = j
		return j, true, nil
	}
	return Job{}, false, nil
}

func (m *memRegistry) HeartbeatJob(_ context.Context, id, lockedBy string, lockFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.LockedBy != lockedBy {
		return ErrNotFound
	}
	until := time.Now().UTC().Add(lockFor)
	j.LockedUntil = &until
	m.jobs[id] = j
	return nil
}

func (m *memRegistry) CompleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = "completed"
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *memRegistry) FailJob(_ context.Context, id string, errMsg string, nextRunAfter time.Time, deadLetter bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if deadLetter {
		j.Status = "dead_letter"
	} else {
		j.Status = "failed"
	}
	j.LastError = errMsg
	j.RunAfter = nextRunAfter
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *memRegistry) AppendJobEvent(_ context.Context, ev JobEventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	m.jobEvents[ev.JobID] = append(m.jobEvents[ev.JobID], ev)
	return nil
}

func (m *memRegistry) ListJobEvents(_ context.Context, jobID string) ([]JobEventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JobEventRow(nil), m.jobEvents[jobID]...), nil
}

func (m *memRegistry) GetRerankCache(_ context.Context, key string) (RerankCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rerank[key]
	if !ok || time.Now().UTC().After(e.ExpiresAt) {
		return RerankCacheEntry{}, false, nil
	}
	return e, true, nil
}

func (m *memRegistry) PutRerankCache(_ context.Context, e RerankCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rerank[e.Key] = e
	return nil
}
