package graphrag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talhas-laboratory/curated-context-containers/internal/ingest"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
)

func TestHeuristicExtractor_Extract(t *testing.T) {
	t.Parallel()
	h := HeuristicExtractor{}
	ents, err := h.Extract(context.Background(), "Marie Curie won the Nobel Prize while working at the Curie Institute.", "english")
	require.NoError(t, err)
	var values []string
	for _, e := range ents {
		values = append(values, e.Value)
	}
	assert.Contains(t, values, "Marie Curie")
	assert.Contains(t, values, "Nobel Prize")
}

func TestHeuristicExtractor_ExtractLinks(t *testing.T) {
	t.Parallel()
	h := HeuristicExtractor{}
	links, err := h.ExtractLinks(context.Background(), "Contact us at help@example.com or visit https://example.com/docs for more.")
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestUpsertDocumentEntities_NilGraphIsNoop(t *testing.T) {
	t.Parallel()
	chunks := []ingest.ChunkRecord{{Index: 0, Text: "Some Text Here"}}
	n, err := UpsertDocumentEntities(context.Background(), nil, HeuristicExtractor{}, "doc1", chunks, "english")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpsertDocumentEntities_UpsertsNodesAndEdges(t *testing.T) {
	t.Parallel()
	g := databases.NewMemoryGraph()
	chunks := []ingest.ChunkRecord{{Index: 0, Text: "Marie Curie discovered Radium in Paris."}}
	n, err := UpsertDocumentEntities(context.Background(), g, HeuristicExtractor{}, "doc1", chunks, "english")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestUpsertDocumentEntities_TagsSourceChunkID(t *testing.T) {
	t.Parallel()
	g := databases.NewMemoryGraph()
	chunks := []ingest.ChunkRecord{
		{Index: 0, Text: "no entities here"},
		{Index: 1, Text: "Marie Curie discovered Radium in Paris."},
	}
	_, err := UpsertDocumentEntities(context.Background(), g, HeuristicExtractor{}, "doc1", chunks, "english")
	require.NoError(t, err)

	neighbors, err := g.Neighbors(context.Background(), ingest.ChunkID("doc1", 1), relMentions)
	require.NoError(t, err)
	assert.NotEmpty(t, neighbors, "entity mentions must be attached to the chunk they were extracted from")

	neighbors0, err := g.Neighbors(context.Background(), ingest.ChunkID("doc1", 0), relMentions)
	require.NoError(t, err)
	assert.Empty(t, neighbors0)
}
