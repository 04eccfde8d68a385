package ingest

import (
	"context"
	"testing"

	"github.com/talhas-laboratory/curated-context-containers/internal/embedder"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
)

func TestDedupeChunks_ExactDuplicateAcrossDocuments(t *testing.T) {
	ctx := context.Background()
	vec := databases.NewMemoryVector()
	g := databases.NewMemoryGraph()
	emb := embedder.NewDeterministic(8, true, 7)

	first := []ChunkRecord{{Index: 0, Text: "the quarterly report is attached"}}
	firstIn := IngestRequest{ID: "doc:acme:1", Tenant: "acme", ContainerID: "c1"}
	if _, err := UpsertChunkEmbeddings(ctx, vec, emb, firstIn.ID, "english", first, firstIn, 1); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	second := []ChunkRecord{{Index: 0, Text: "the quarterly report is attached"}}
	secondIn := IngestRequest{ID: "doc:acme:2", Tenant: "acme", ContainerID: "c1"}
	if _, err := UpsertChunkEmbeddings(ctx, vec, emb, secondIn.ID, "english", second, secondIn, 1); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	vecs, err := emb.EmbedBatch(ctx, []string{second[0].Text})
	if err != nil {
		t.Fatalf("embed error: %v", err)
	}

	matches, err := DedupeChunks(ctx, vec, g, secondIn.ID, secondIn.ContainerID, second, vecs, 0.95)
	if err != nil {
		t.Fatalf("dedupe error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	if !matches[0].Exact {
		t.Fatalf("expected exact match for identical text, got %+v", matches[0])
	}
	if matches[0].MatchID != "chunk:"+firstIn.ID+":0" {
		t.Fatalf("expected match against first doc's chunk, got %s", matches[0].MatchID)
	}

	neigh, err := g.Neighbors(ctx, matches[0].ChunkID, relDedupOf)
	if err != nil {
		t.Fatalf("neighbors error: %v", err)
	}
	if len(neigh) != 1 {
		t.Fatalf("expected a DEDUP_OF edge, got %d", len(neigh))
	}
}

func TestDedupeChunks_DistinctTextNoMatch(t *testing.T) {
	ctx := context.Background()
	vec := databases.NewMemoryVector()
	g := databases.NewMemoryGraph()
	emb := embedder.NewDeterministic(8, true, 7)

	first := []ChunkRecord{{Index: 0, Text: "alpha beta gamma"}}
	firstIn := IngestRequest{ID: "doc:acme:1", Tenant: "acme", ContainerID: "c1"}
	if _, err := UpsertChunkEmbeddings(ctx, vec, emb, firstIn.ID, "english", first, firstIn, 1); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	second := []ChunkRecord{{Index: 0, Text: "something completely unrelated about weather patterns"}}
	secondIn := IngestRequest{ID: "doc:acme:2", Tenant: "acme", ContainerID: "c1"}
	vecs, err := emb.EmbedBatch(ctx, []string{second[0].Text})
	if err != nil {
		t.Fatalf("embed error: %v", err)
	}

	matches, err := DedupeChunks(ctx, vec, g, secondIn.ID, secondIn.ContainerID, second, vecs, 0.95)
	if err != nil {
		t.Fatalf("dedupe error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches for distinct text, got %d", len(matches))
	}
}

func TestDedupeChunks_NilBackendsAreNoop(t *testing.T) {
	ctx := context.Background()
	chunks := []ChunkRecord{{Index: 0, Text: "hello"}}
	matches, err := DedupeChunks(ctx, nil, nil, "doc:acme:1", "c1", chunks, [][]float32{{1, 2, 3}}, 0.95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matches != nil {
		t.Fatalf("expected nil matches, got %+v", matches)
	}
}
