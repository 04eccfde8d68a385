package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
)

const relDedupOf = "DEDUP_OF"

// chunkHash computes a stable digest for exact-duplicate detection,
// independent of ComputeHash's doc-level source/url salting.
func chunkHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DedupeMatch describes one chunk found to duplicate another already-indexed
// chunk in the same container.
type DedupeMatch struct {
	ChunkID string
	MatchID string
	Exact   bool
	Score   float64
}

// DedupeChunks checks each newly embedded chunk against the vector store for
// near-duplicates scoped to the same container, and records a DEDUP_OF edge
// from the new chunk to the first qualifying match in similarity-score order
// among the top 5 search results (cosine similarity scoring
// doubles as exact-match detection since chunk_hash is carried in metadata).
// Matches against the chunk's own document are ignored. Graph writes are
// best-effort: a nil graph or vector store makes this a no-op, consistent
// with the rest of the ingest pipeline degrading gracefully when optional
// backends are absent.
func DedupeChunks(ctx context.Context, vec databases.VectorStore, g databases.GraphDB, docID string, containerID string, chunks []ChunkRecord, vectors [][]float32, threshold float64) ([]DedupeMatch, error) {
	if vec == nil || g == nil || threshold <= 0 || len(chunks) == 0 || len(vectors) != len(chunks) {
		return nil, nil
	}
	var matches []DedupeMatch
	for i, c := range chunks {
		v := vectors[i]
		if len(v) == 0 {
			continue
		}
		filter := map[string]string{"type": "chunk"}
		if containerID != "" {
			filter["container_id"] = containerID
		}
		results, err := vec.SimilaritySearch(ctx, v, 5, filter)
		if err != nil {
			return matches, err
		}
		myHash := chunkHash(c.Text)
		myID := chunkID(docID, c.Index)
		for _, r := range results {
			if r.ID == myID || r.Metadata["doc_id"] == docID {
				continue
			}
			exact := r.Metadata["chunk_hash"] != "" && r.Metadata["chunk_hash"] == myHash
			if !exact && r.Score < threshold {
				continue
			}
			m := DedupeMatch{ChunkID: myID, MatchID: r.ID, Exact: exact, Score: r.Score}
			if err := g.UpsertEdge(ctx, myID, relDedupOf, r.ID, map[string]any{
				"exact": exact,
				"score": r.Score,
			}); err != nil {
				return matches, err
			}
			matches = append(matches, m)
			break
		}
	}
	return matches, nil
}
