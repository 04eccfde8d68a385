package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_ContainerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewMemoryRegistry()

	c, err := r.CreateContainer(ctx, Container{Tenant: "acme", Name: "docs"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	got, err := r.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Name)

	_, err = r.UpdateContainer(ctx, Container{ID: c.ID, Name: "renamed"})
	require.NoError(t, err)
	got, err = r.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, r.DeleteContainer(ctx, c.ID, false))
	list, err := r.ListContainers(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = r.GetContainer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_DocumentDedupeByHash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewMemoryRegistry()
	c, _ := r.CreateContainer(ctx, Container{Tenant: "t1"})

	d, err := r.UpsertDocument(ctx, Document{ContainerID: c.ID, Hash: "abc123"})
	require.NoError(t, err)

	found, err := r.GetDocumentByHash(ctx, c.ID, "abc123")
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)

	_, err = r.GetDocumentByHash(ctx, c.ID, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistry_JobClaimAndComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewMemoryRegistry()

	j, err := r.EnqueueJob(ctx, Job{Kind: "refresh", ContainerID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "queued", j.Status)

	claimed, ok, err := r.ClaimJob(ctx, []string{"refresh"}, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "running", claimed.Status)
	assert.Equal(t, 1, claimed.Attempt)

	_, ok, err = r.ClaimJob(ctx, []string{"refresh"}, "worker-2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a locked job must not be claimable by a second worker")

	require.NoError(t, r.HeartbeatJob(ctx, claimed.ID, "worker-1", 30*time.Second))
	require.NoError(t, r.CompleteJob(ctx, claimed.ID))

	require.NoError(t, r.AppendJobEvent(ctx, JobEventRow{JobID: claimed.ID, Kind: "completed"}))
	events, err := r.ListJobEvents(ctx, claimed.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].Kind)
}

func TestMemoryRegistry_JobRetryAndDeadLetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewMemoryRegistry()

	j, err := r.EnqueueJob(ctx, Job{Kind: "export", MaxAttempts: 1})
	require.NoError(t, err)

	claimed, ok, err := r.ClaimJob(ctx, nil, "worker-1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j.ID, claimed.ID)

	require.NoError(t, r.FailJob(ctx, claimed.ID, "boom", time.Now().Add(time.Minute), true))

	_, ok, err = r.ClaimJob(ctx, nil, "worker-2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a dead-lettered job must never be claimed again")
}

func TestMemoryRegistry_RerankCacheExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewMemoryRegistry()

	require.NoError(t, r.PutRerankCache(ctx, RerankCacheEntry{Key: "q:c1", Score: 0.87, ExpiresAt: time.Now().Add(time.Minute)}))
	e, ok, err := r.GetRerankCache(ctx, "q:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.87, e.Score, 1e-9)

	require.NoError(t, r.PutRerankCache(ctx, RerankCacheEntry{Key: "q:c2", Score: 0.5, ExpiresAt: time.Now().Add(-time.Minute)}))
	_, ok, err = r.GetRerankCache(ctx, "q:c2")
	require.NoError(t, err)
	assert.False(t, ok, "an expired entry must not be returned")
}
