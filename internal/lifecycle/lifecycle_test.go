package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
	"github.com/talhas-laboratory/curated-context-containers/internal/policy"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
)

func TestManager_ContainerCRUD(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	m := NewManager(reg, policy.NewResolver(reg, config.PolicyDefaults{}), nil, nil)
	ctx := t.Context()

	c, err := m.CreateContainer(ctx, NewContainerRequest{Tenant: "acme", Name: "docs"})
	require.NoError(t, err)

	got, err := m.DescribeContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Name)

	renamed, err := m.RenameContainer(ctx, c.ID, "docs-v2")
	require.NoError(t, err)
	assert.Equal(t, "docs-v2", renamed.Name)

	require.NoError(t, m.DeleteContainer(ctx, c.ID, false))
	list, err := m.ListContainers(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_RenamePreservesManifest(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	m := NewManager(reg, policy.NewResolver(reg, config.PolicyDefaults{}), nil, nil)
	ctx := t.Context()

	c, err := m.CreateContainer(ctx, NewContainerRequest{
		Tenant:       "acme",
		Name:         "docs",
		Modalities:   []string{"pdf"},
		GraphEnabled: true,
		GraphMaxHops: 2,
	})
	require.NoError(t, err)

	renamed, err := m.RenameContainer(ctx, c.ID, "docs-v2")
	require.NoError(t, err)
	assert.Equal(t, "docs-v2", renamed.Name)
	assert.Equal(t, []string{"pdf"}, renamed.Modalities, "rename must not wipe other manifest fields")
	assert.True(t, renamed.GraphEnabled)
	assert.Equal(t, 2, renamed.GraphMaxHops)
}

func TestManager_PauseResumeContainer(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	m := NewManager(reg, policy.NewResolver(reg, config.PolicyDefaults{}), nil, nil)
	ctx := t.Context()

	c, err := m.CreateContainer(ctx, NewContainerRequest{Tenant: "acme", Name: "docs"})
	require.NoError(t, err)
	assert.Equal(t, registry.ContainerStateActive, c.State)

	paused, err := m.PauseContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.ContainerStatePaused, paused.State)
	assert.Equal(t, "docs", paused.Name, "pause must not wipe other manifest fields")

	resumed, err := m.ResumeContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.ContainerStateActive, resumed.State)
}

func TestManager_RequestRefreshEnqueuesJob(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemoryRegistry()
	m := NewManager(reg, policy.NewResolver(reg, config.PolicyDefaults{}), nil, nil)
	ctx := t.Context()

	c, err := m.CreateContainer(ctx, NewContainerRequest{Tenant: "acme", Name: "docs"})
	require.NoError(t, err)

	job, err := m.RequestRefresh(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh", job.Kind)
	assert.Equal(t, "queued", job.Status)

	status, evs, err := m.JobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, status.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, "enqueued", evs[0].Kind)
}
