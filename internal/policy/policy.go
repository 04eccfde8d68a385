// Package policy resolves the effective retrieval/ingestion policy for a
// container: enabled modalities, latency budget, dedup threshold, rerank
// settings, freshness decay, and graph enablement. Policy is stored as
// container-level overrides in the registry and falls back to process-wide
// defaults from configuration.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
)

// Issue codes a Resolve failure carries. These mirror the retrieval/ingest
// issue-code vocabulary so callers can surface them verbatim.
const (
	CodeContainerNotFound   = "CONTAINER_NOT_FOUND"
	CodeContainerUnavailable = "CONTAINER_UNAVAILABLE"
	CodePolicyInvalid       = "POLICY_INVALID"
)

// ResolveError reports why Resolve could not produce an effective policy for
// a container: the container doesn't exist, is paused, or its manifest
// fails validation.
type ResolveError struct {
	Code        string
	ContainerID string
	Err         error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("policy: %s: %s: %v", e.Code, e.ContainerID, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Policy is the fully resolved, effective configuration for one container.
type Policy struct {
	ContainerID     string
	Modalities      []string
	LatencyBudget   time.Duration
	DedupThreshold  float64
	RerankEnabled   bool
	RerankProvider  string
	RerankModel     string
	RerankTopN      int
	RerankTopKIn    int
	RerankTimeout   time.Duration
	RerankCacheTTL  time.Duration
	FreshnessLambda float64
	GraphEnabled    bool
	GraphMaxHops    int
	ResolvedAt      time.Time
}

// Store is the minimal registry surface policy resolution needs. It is
// satisfied by registry.Registry; defined narrowly here to keep this
// package's dependency on registry.Registry's full interface explicit.
type Store interface {
	GetContainer(ctx context.Context, id string) (registry.Container, error)
}

// Resolver resolves and in-process TTL-caches container policy. It uses the
// double-checked-locking pattern the rest of this codebase uses for lazily
// initialized, concurrently read caches.
type Resolver struct {
	store    Store
	defaults config.PolicyDefaults
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]Policy
}

// NewResolver builds a Resolver with process-wide defaults from config.
func NewResolver(store Store, defaults config.PolicyDefaults) *Resolver {
	ttl := defaults.PolicyCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{store: store, defaults: defaults, ttl: ttl, cache: map[string]Policy{}}
}

// Resolve returns the effective Policy for a container, consulting the
// in-process cache before the registry. An empty containerID resolves to
// process-wide defaults (used by callers with no container scoping, e.g.
// cross-container admin operations). A known container's manifest overrides
// defaults field-by-field; an unknown container, a paused container, or a
// container with an invalid manifest fails with a typed *ResolveError
// instead of silently falling back.
func (r *Resolver) Resolve(ctx context.Context, containerID string) (Policy, error) {
	if containerID == "" {
		return r.defaultPolicy(""), nil
	}

	r.mu.RLock()
	p, ok := r.cache[containerID]
	r.mu.RUnlock()
	if ok && time.Since(p.ResolvedAt) < r.ttl {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.cache[containerID]; ok && time.Since(p.ResolvedAt) < r.ttl {
		return p, nil
	}

	if r.store == nil {
		p = r.defaultPolicy(containerID)
		p.ResolvedAt = time.Now()
		r.cache[containerID] = p
		return p, nil
	}

	c, err := r.store.GetContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Policy{}, &ResolveError{Code: CodeContainerNotFound, ContainerID: containerID, Err: err}
		}
		return Policy{}, &ResolveError{Code: CodePolicyInvalid, ContainerID: containerID, Err: err}
	}
	if c.State == registry.ContainerStatePaused {
		return Policy{}, &ResolveError{Code: CodeContainerUnavailable, ContainerID: containerID, Err: fmt.Errorf("container is paused")}
	}

	p, err = r.resolveFromContainer(c)
	if err != nil {
		return Policy{}, &ResolveError{Code: CodePolicyInvalid, ContainerID: containerID, Err: err}
	}
	p.ResolvedAt = time.Now()
	r.cache[containerID] = p
	return p, nil
}

// resolveFromContainer overlays a container's manifest onto process
// defaults: zero-valued manifest fields fall back to the default, non-zero
// ones override it.
func (r *Resolver) resolveFromContainer(c registry.Container) (Policy, error) {
	p := r.defaultPolicy(c.ID)

	if len(c.Modalities) > 0 {
		p.Modalities = c.Modalities
	}
	if c.LatencyBudgetMS > 0 {
		p.LatencyBudget = time.Duration(c.LatencyBudgetMS) * time.Millisecond
	}
	if c.FreshnessLambda != 0 {
		p.FreshnessLambda = c.FreshnessLambda
	}
	p.GraphEnabled = c.GraphEnabled || p.GraphEnabled
	if c.GraphMaxHops != 0 {
		p.GraphMaxHops = c.GraphMaxHops
	}

	rp := c.RerankPolicy
	if rp != (registry.RerankPolicy{}) {
		p.RerankEnabled = rp.Enabled
		if rp.Provider != "" {
			p.RerankProvider = rp.Provider
		}
		if rp.Model != "" {
			p.RerankModel = rp.Model
		}
		if rp.TopKIn > 0 {
			p.RerankTopKIn = rp.TopKIn
		}
		if rp.TopKOut > 0 {
			p.RerankTopN = rp.TopKOut
		}
		if rp.TimeoutMS > 0 {
			p.RerankTimeout = time.Duration(rp.TimeoutMS) * time.Millisecond
		}
		if rp.CacheTTLS > 0 {
			p.RerankCacheTTL = time.Duration(rp.CacheTTLS) * time.Second
		}
	}

	if p.GraphMaxHops < 0 {
		return Policy{}, fmt.Errorf("graph_max_hops must be >= 0, got %d", p.GraphMaxHops)
	}
	if p.DedupThreshold < 0 || p.DedupThreshold > 1 {
		return Policy{}, fmt.Errorf("dedup_threshold must be in [0,1], got %v", p.DedupThreshold)
	}
	if p.RerankTopKIn > 50 {
		return Policy{}, fmt.Errorf("rerank_top_k_in must be <= 50, got %d", p.RerankTopKIn)
	}
	return p, nil
}

// Invalidate drops the cached policy for one container; callers invoke this
// on any lifecycle mutation so the next Resolve re-reads from the registry.
func (r *Resolver) Invalidate(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, containerID)
}

func (r *Resolver) defaultPolicy(containerID string) Policy {
	return Policy{
		ContainerID:     containerID,
		Modalities:      r.defaults.Modalities,
		LatencyBudget:   time.Duration(r.defaults.LatencyBudgetMS) * time.Millisecond,
		DedupThreshold:  r.defaults.DedupThreshold,
		RerankEnabled:   r.defaults.RerankEnabled,
		RerankProvider:  r.defaults.RerankProvider,
		RerankModel:     r.defaults.RerankModel,
		RerankTopN:      r.defaults.RerankTopN,
		RerankTopKIn:    r.defaults.RerankTopKIn,
		RerankTimeout:   time.Duration(r.defaults.RerankTimeoutMS) * time.Millisecond,
		RerankCacheTTL:  r.defaults.RerankCacheTTL,
		FreshnessLambda: r.defaults.FreshnessLambda,
		GraphEnabled:    r.defaults.GraphEnabled,
		GraphMaxHops:    r.defaults.GraphMaxHops,
	}
}
