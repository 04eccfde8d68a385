package service

import (
	"context"
	"testing"

	"github.com/talhas-laboratory/curated-context-containers/internal/embedder"
	"github.com/talhas-laboratory/curated-context-containers/internal/ingest"
	"github.com/talhas-laboratory/curated-context-containers/internal/objectstore"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
)

func TestIngest_DedupeFlagsRepeatedChunkAcrossDocuments(t *testing.T) {
	mgr := databases.Manager{Search: databases.NewMemorySearch(), Vector: databases.NewMemoryVector(), Graph: databases.NewMemoryGraph()}
	s := New(mgr, WithEmbedder(embedder.NewDeterministic(8, true, 11)))
	ctx := context.Background()

	opts := ingest.IngestOptions{
		Embedding: ingest.EmbeddingOptions{Enabled: true},
		Dedup:     ingest.DedupOptions{Enabled: true, Threshold: 0.95},
	}
	first := ingest.IngestRequest{ID: "doc:acme:1", Tenant: "acme", ContainerID: "c1", Text: "the quarterly report is attached", Options: opts}
	if _, err := s.Ingest(ctx, first); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	second := ingest.IngestRequest{ID: "doc:acme:2", Tenant: "acme", ContainerID: "c1", Text: "the quarterly report is attached", Options: opts}
	resp, err := s.Ingest(ctx, second)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if len(resp.Warnings) == 0 {
		t.Fatalf("expected a duplicate warning for the repeated chunk")
	}
}

func TestIngest_BlobAttachmentPersistsOriginalAndThumb(t *testing.T) {
	mgr := databases.Manager{Search: databases.NewMemorySearch()}
	store := objectstore.NewMemoryStore()
	s := New(mgr, WithBlobStore(store))
	ctx := context.Background()

	req := ingest.IngestRequest{
		ID: "doc:acme:img1", Tenant: "acme", ContainerID: "c1", Text: "a red bicycle",
		Blob: &ingest.BlobAttachment{Original: []byte("bytes"), OriginalType: "image/png"},
	}
	if _, err := s.Ingest(ctx, req); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if exists, _ := store.Exists(ctx, "c1/doc:acme:img1/original"); !exists {
		t.Fatalf("expected original blob to be persisted")
	}
}
