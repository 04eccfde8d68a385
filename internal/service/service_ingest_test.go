package service

import (
	"context"
	"testing"

	"github.com/talhas-laboratory/curated-context-containers/internal/ingest"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
	"github.com/talhas-laboratory/curated-context-containers/internal/retrieve"
)

func TestIngestThenRetrieve_RoundTrip(t *testing.T) {
	mgr := databases.Manager{Search: databases.NewMemorySearch(), Vector: databases.NewMemoryVector(), Graph: databases.NewMemoryGraph()}
	s := New(mgr)
	ctx := context.Background()

	req := ingest.IngestRequest{
		ID: "doc:acme:readme", Tenant: "acme", ContainerID: "c1", Text: "golang services talk to postgres over pgx",
		Options: ingest.IngestOptions{Embedding: ingest.EmbeddingOptions{Enabled: true}},
	}
	resp, err := s.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if len(resp.ChunkIDs) == 0 {
		t.Fatalf("expected at least one chunk id")
	}

	out, err := s.Retrieve(ctx, "postgres", retrieve.RetrieveOptions{K: 5, UseRRF: true, Tenant: "acme"})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(out.Items) == 0 {
		t.Fatalf("expected the ingested chunk to be retrievable")
	}
}

func TestIngest_SkipIfUnchangedUsesRegistryIdempotency(t *testing.T) {
	mgr := databases.Manager{Search: databases.NewMemorySearch(), Vector: databases.NewMemoryVector(), Graph: databases.NewMemoryGraph()}
	reg := registry.NewMemoryRegistry()
	s := New(mgr, WithRegistry(reg))
	ctx := context.Background()

	opts := ingest.IngestOptions{ReingestPolicy: ingest.ReingestSkipIfUnchanged}
	first := ingest.IngestRequest{ID: "doc:acme:1", Tenant: "acme", ContainerID: "c1", Text: "unchanged content", Options: opts}
	firstResp, err := s.Ingest(ctx, first)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if len(firstResp.ChunkIDs) == 0 {
		t.Fatalf("expected first ingest to produce chunks")
	}

	second := ingest.IngestRequest{ID: "doc:acme:1", Tenant: "acme", ContainerID: "c1", Text: "unchanged content", Options: opts}
	secondResp, err := s.Ingest(ctx, second)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if secondResp.Stats.NumChunks != 0 {
		t.Fatalf("expected the unchanged re-ingest to be skipped, got %d chunks", secondResp.Stats.NumChunks)
	}
}
