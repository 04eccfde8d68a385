package retrieve

import "math"

// SemanticDedup removes near-duplicate chunks from a fused, score-ordered
// result list. Two items are considered duplicates when the cosine
// similarity of their embedding vectors reaches or exceeds threshold; the
// higher-scoring of the pair is kept. Items with no known vector (the
// vectors map has no entry for their ID) are always kept, since a lexical
// hit that never reached the vector store cannot be judged a duplicate.
//
// Vectors must be supplied by the caller (typically fetched once per
// request from the embedding cache or vector store) because the fused
// RetrievedItem carries scores and metadata but not raw embeddings.
func SemanticDedup(items []RetrievedItem, vectors map[string][]float32, threshold float64) []RetrievedItem {
	if threshold <= 0 || len(items) < 2 {
		return items
	}
	kept := make([]RetrievedItem, 0, len(items))
	keptVecs := make([][]float32, 0, len(items))
	for _, it := range items {
		v, ok := vectors[it.ID]
		if !ok || len(v) == 0 {
			kept = append(kept, it)
			keptVecs = append(keptVecs, nil)
			continue
		}
		dup := false
		for _, kv := range keptVecs {
			if kv == nil {
				continue
			}
			if cosineSim(v, kv) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, it)
		keptVecs = append(keptVecs, v)
	}
	return kept
}

func cosineSim(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, an, bn float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		an += float64(a[i]) * float64(a[i])
		bn += float64(b[i]) * float64(b[i])
	}
	if an == 0 || bn == 0 {
		return 0
	}
	return dot / (math.Sqrt(an) * math.Sqrt(bn))
}
