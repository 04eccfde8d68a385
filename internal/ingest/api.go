package ingest

import (
	"fmt"
	"time"
)

// DefaultModality is used when an IngestRequest leaves Modality empty.
const DefaultModality = "text"

// CodeModalityNotAllowed is the issue code returned when a document's
// modality is not in its destination container's allowed-modalities list.
const CodeModalityNotAllowed = "MODALITY_NOT_ALLOWED"

// ModalityError is returned by Service.Ingest when a document's modality is
// not in its destination container's manifest.
type ModalityError struct {
	ContainerID string
	Modality    string
	Allowed     []string
}

func (e *ModalityError) Error() string {
	return fmt.Sprintf("ingest: %s: modality %q not in container %s's allowed modalities %v", CodeModalityNotAllowed, e.Modality, e.ContainerID, e.Allowed)
}

// IngestRequest describes a single document ingestion operation.
// The service is responsible for chunking, indexing into FTS/vector stores,
// and attaching graph relationships according to options.
type IngestRequest struct {
	// ID is the unified document ID (e.g., doc:<namespace>:<slug|hash>).
	ID string
	// Title is an optional document title for display and ranking features.
	Title string
	// URL is an optional canonical location for the document.
	URL string
	// Source describes where the document came from (e.g., github, web, file).
	Source string
	// Text is the raw, full document content to be chunked.
	Text string
	// Modality describes the document's content type (e.g. "text", "pdf",
	// "image"). Ingestion rejects any modality not in the destination
	// container's allowed-modalities manifest with MODALITY_NOT_ALLOWED.
	// Empty defaults to "text".
	Modality string
	// Metadata holds arbitrary key/value metadata. Values should be JSON-serializable.
	Metadata map[string]any
	// Language preferred tokenizer configuration (e.g., "english"). If empty, auto-detect or default.
	Language string
	// ContainerID scopes the document to a curated-context container. Every
	// chunk/vector/graph write carries this id so retrieval can never cross
	// container boundaries.
	ContainerID string
	// Tenant for multi-tenant isolation within a container. When empty, defaults are applied by the service.
	Tenant string
	// ACL is an optional access-control payload to apply consistently across stores.
	ACL map[string]any
	// Blob carries the original binary artifact (and optional thumbnail) for
	// image/binary modalities. Nil for text-only documents.
	Blob *BlobAttachment
	// Options drives how the ingestion should behave.
	Options IngestOptions
}

// BlobAttachment holds the original artifact bytes plus an optional
// derivative (e.g. an image thumbnail) to persist in object storage
// alongside the document's text/chunk/vector records.
type BlobAttachment struct {
	Original      []byte
	OriginalType  string
	Thumbnail     []byte
	ThumbnailType string
}

// IngestOptions controls chunking, embeddings, and graph handling.
type IngestOptions struct {
	// Chunking controls how the input text is split into chunks.
	Chunking ChunkingOptions
	// Embedding controls whether/how to generate and store embeddings.
	Embedding EmbeddingOptions
	// Graph controls whether/how to upsert nodes and edges.
	Graph GraphOptions
	// ReingestPolicy determines behavior when the document already exists.
	ReingestPolicy ReingestPolicy
	// Version allows callers to set or bump a document version explicitly.
	Version int
	// IdempotencyKey allows callers to de-duplicate repeated ingestion attempts.
	IdempotencyKey string
	// Dedup controls per-chunk hash + semantic duplicate detection against
	// other chunks already indexed in the same container.
	Dedup DedupOptions
}

// DedupOptions controls chunk-level duplicate detection at ingest time.
type DedupOptions struct {
	// Enabled toggles the dedupe pass. Requires embeddings to be enabled,
	// since candidates are found via vector similarity search.
	Enabled bool
	// Threshold is the cosine-similarity cutoff for a semantic duplicate.
	// A chunk whose exact hash matches another is always flagged regardless
	// of this value. Zero uses a sensible default.
	Threshold float64
}

// ChunkingOptions describes the chunking strategy.
type ChunkingOptions struct {
	// Strategy name (e.g., "tokens", "sentences", "markdown").
	Strategy string
	// MaxTokens per chunk (semantic; implementation may map to characters when tokenization is unavailable).
	MaxTokens int
	// Overlap tokens between sequential chunks.
	Overlap int
}

// EmbeddingOptions controls vector embedding generation.
type EmbeddingOptions struct {
	// Enabled toggles vector embedding upsert.
	Enabled bool
	// Model is a hint or identifier for the embedding model to use.
	Model string
	// Dimensions is optional; when zero, derive from configured backend.
	Dimensions int
}

// GraphOptions controls creation of Doc/Chunk/Entity/ExternalRef nodes and edges.
type GraphOptions struct {
	// Enabled toggles graph augmentation.
	Enabled bool
	// ExtractEntities toggles named-entity extraction to populate Entity nodes and MENTIONS edges.
	ExtractEntities bool
	// ExternalRefs optional external references to attach via REFERS_TO.
	ExternalRefs map[string]string
}

// ReingestPolicy determines how to handle existing documents.
type ReingestPolicy string

const (
	// ReingestSkipIfUnchanged skips re-index when doc_hash/metadata unchanged.
	ReingestSkipIfUnchanged ReingestPolicy = "skip_if_unchanged"
	// ReingestOverwrite overwrites existing chunks/embeddings in-place.
	ReingestOverwrite ReingestPolicy = "overwrite"
	// ReingestNewVersion creates a new logical version and rewires VERSION_OF edges.
	ReingestNewVersion ReingestPolicy = "new_version"
)

// IngestResponse summarizes the mutation performed.
type IngestResponse struct {
	DocID    string
	Version  int
	ChunkIDs []string
	// Stats captures operational metrics for the ingestion.
	Stats IngestStats
	// Warnings captures non-fatal issues encountered.
	Warnings []string
}

// IngestStats captures ingestion-time statistics for observability and evaluation.
type IngestStats struct {
	NumChunks     int
	TotalTokens   int
	VectorUpserts int
	Duration      time.Duration
}
