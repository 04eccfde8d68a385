package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
)

func TestResolver_EmptyContainerIDUsesDefaults(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	r := NewResolver(reg, config.PolicyDefaults{
		DedupThreshold:  0.95,
		RerankEnabled:   true,
		FreshnessLambda: 0.1,
	})

	p, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0.95, p.DedupThreshold)
	assert.True(t, p.RerankEnabled)
	assert.Equal(t, 0.1, p.FreshnessLambda)
}

func TestResolver_UnknownContainerFailsNotFound(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	r := NewResolver(reg, config.PolicyDefaults{DedupThreshold: 0.95})

	_, err := r.Resolve(context.Background(), "missing-container")
	require.Error(t, err)
	var resolveErr *ResolveError
	require.True(t, errors.As(err, &resolveErr))
	assert.Equal(t, CodeContainerNotFound, resolveErr.Code)
}

func TestResolver_PausedContainerFailsUnavailable(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	c, err := reg.CreateContainer(context.Background(), registry.Container{Tenant: "t1", State: registry.ContainerStatePaused})
	require.NoError(t, err)

	r := NewResolver(reg, config.PolicyDefaults{})
	_, err = r.Resolve(context.Background(), c.ID)
	require.Error(t, err)
	var resolveErr *ResolveError
	require.True(t, errors.As(err, &resolveErr))
	assert.Equal(t, CodeContainerUnavailable, resolveErr.Code)
}

func TestResolver_InvalidManifestFailsPolicyInvalid(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	c, err := reg.CreateContainer(context.Background(), registry.Container{
		Tenant:       "t1",
		GraphMaxHops: -1,
	})
	require.NoError(t, err)

	r := NewResolver(reg, config.PolicyDefaults{})
	_, err = r.Resolve(context.Background(), c.ID)
	require.Error(t, err)
	var resolveErr *ResolveError
	require.True(t, errors.As(err, &resolveErr))
	assert.Equal(t, CodePolicyInvalid, resolveErr.Code)
}

func TestResolver_ManifestOverridesDefaults(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	c, err := reg.CreateContainer(context.Background(), registry.Container{
		Tenant:          "t1",
		Modalities:      []string{"pdf", "image"},
		FreshnessLambda: 0.3,
		GraphEnabled:    true,
		GraphMaxHops:    3,
		RerankPolicy: registry.RerankPolicy{
			Enabled:   true,
			Provider:  "cohere",
			Model:     "rerank-v3",
			TopKIn:    30,
			TopKOut:   8,
			TimeoutMS: 400,
			CacheTTLS: 120,
		},
	})
	require.NoError(t, err)

	r := NewResolver(reg, config.PolicyDefaults{Modalities: []string{"text"}, DedupThreshold: 0.9})
	p, err := r.Resolve(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdf", "image"}, p.Modalities)
	assert.Equal(t, 0.9, p.DedupThreshold, "dedup threshold has no manifest override, keeps default")
	assert.True(t, p.RerankEnabled)
	assert.Equal(t, "cohere", p.RerankProvider)
	assert.Equal(t, "rerank-v3", p.RerankModel)
	assert.Equal(t, 30, p.RerankTopKIn)
	assert.Equal(t, 8, p.RerankTopN)
	assert.Equal(t, 400*time.Millisecond, p.RerankTimeout)
	assert.Equal(t, 120*time.Second, p.RerankCacheTTL)
	assert.True(t, p.GraphEnabled)
	assert.Equal(t, 3, p.GraphMaxHops)
}

func TestResolver_CachesUntilInvalidated(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	c, err := reg.CreateContainer(context.Background(), registry.Container{Tenant: "t1"})
	require.NoError(t, err)

	r := NewResolver(reg, config.PolicyDefaults{DedupThreshold: 0.9, PolicyCacheTTL: time.Hour})

	first, err := r.Resolve(context.Background(), c.ID)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt, "second resolve within TTL must hit the cache")

	r.Invalidate(c.ID)
	third, err := r.Resolve(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, third.ResolvedAt.After(first.ResolvedAt) || third.ResolvedAt.Equal(first.ResolvedAt))
}
