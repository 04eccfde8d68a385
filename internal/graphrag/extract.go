// Package graphrag implements lightweight entity/link extraction and graph
// upserts for documents, fulfilling the ingest.EntityExtractor and
// ingest.LinkExtractor scaffolding left as no-op defaults in internal/ingest.
// Extraction here is heuristic (capitalized-phrase and URL/email pattern
// matching) rather than a full NLP pipeline, matching the scope of a
// retrieval core rather than a dedicated NLP service.
package graphrag

import (
	"context"
	"regexp"
	"strings"

	"github.com/talhas-laboratory/curated-context-containers/internal/ingest"
	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
)

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s)\]"']+`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// properNounRun matches runs of 2+ capitalized words, a cheap proxy for
	// named entities (people, organizations, places) without a model.
	properNounRun = regexp.MustCompile(`\b([A-Z][a-zA-Z0-9]+(?:\s+[A-Z][a-zA-Z0-9]+)+)\b`)
)

// HeuristicExtractor implements ingest.EntityExtractor and ingest.LinkExtractor
// using regex-based heuristics. It never errors; extraction quality
// degrading to zero entities is preferable to failing ingestion.
type HeuristicExtractor struct {
	// MaxEntities caps how many distinct entity mentions one Extract call
	// returns (UpsertDocumentEntities calls it once per chunk), to bound graph
	// fan-out for very long texts.
	MaxEntities int
}

var (
	_ ingest.EntityExtractor = HeuristicExtractor{}
	_ ingest.LinkExtractor   = HeuristicExtractor{}
)

// Extract returns proper-noun-run entities found in text.
func (h HeuristicExtractor) Extract(_ context.Context, text, lang string) ([]ingest.Entity, error) {
	max := h.MaxEntities
	if max <= 0 {
		max = 50
	}
	seen := map[string]struct{}{}
	var out []ingest.Entity
	for _, m := range properNounRun.FindAllString(text, -1) {
		norm := strings.TrimSpace(m)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, ingest.Entity{
			ID:    "entity:" + slug(norm),
			Type:  "phrase",
			Value: norm,
			Meta:  map[string]any{"lang": lang},
		})
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// ExtractLinks returns URLs and email addresses found in text.
func (h HeuristicExtractor) ExtractLinks(_ context.Context, text string) ([]ingest.Link, error) {
	seen := map[string]struct{}{}
	var out []ingest.Link
	for _, u := range urlPattern.FindAllString(text, -1) {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, ingest.Link{Source: "url", Key: u, URL: u})
	}
	for _, e := range emailPattern.FindAllString(text, -1) {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, ingest.Link{Source: "email", Key: e})
	}
	return out, nil
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return b.String()
}

const (
	labelEntity  = "Entity"
	relMentions  = "MENTIONS"
)

// UpsertDocumentEntities extracts entities/links from each chunk of a
// document and upserts Entity nodes plus MENTIONS edges from the chunk node
// the mention was found in, not from the document as a whole: a later
// traversal from an Entity needs to land on the exact chunk to cite, not the
// whole document. It is a no-op when g is nil, matching the rest of the
// graph-augmentation path's tolerance for a disabled graph backend.
func UpsertDocumentEntities(ctx context.Context, g databases.GraphDB, extractor ingest.EntityExtractor, docID string, chunks []ingest.ChunkRecord, lang string) (int, error) {
	if g == nil || extractor == nil {
		return 0, nil
	}
	total := 0
	for _, c := range chunks {
		entities, err := extractor.Extract(ctx, c.Text, lang)
		if err != nil {
			return total, err
		}
		chunkID := ingest.ChunkID(docID, c.Index)
		for _, e := range entities {
			props := map[string]any{"type": e.Type, "value": e.Value}
			for k, v := range e.Meta {
				props[k] = v
			}
			if err := g.UpsertNode(ctx, e.ID, []string{labelEntity}, props); err != nil {
				return total, err
			}
			eprops := map[string]any{"source_chunk_id": chunkID}
			if err := g.UpsertEdge(ctx, chunkID, relMentions, e.ID, eprops); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}
