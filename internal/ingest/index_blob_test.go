package ingest

import (
	"context"
	"io"
	"testing"

	"github.com/talhas-laboratory/curated-context-containers/internal/objectstore"
)

func TestUpsertDocumentBlob_WritesOriginalAndThumb(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	blob := &BlobAttachment{
		Original:      []byte("full-resolution bytes"),
		OriginalType:  "image/png",
		Thumbnail:     []byte("thumb bytes"),
		ThumbnailType: "image/png",
	}

	keys, err := UpsertDocumentBlob(ctx, store, "c1", "doc:acme:1", blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0] != "c1/doc:acme:1/original" || keys[1] != "c1/doc:acme:1/thumb" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	rc, attrs, err := store.Get(ctx, "c1/doc:acme:1/original")
	if err != nil {
		t.Fatalf("get original failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "full-resolution bytes" {
		t.Fatalf("unexpected original data: %s", data)
	}
	if attrs.ContentType != "image/png" {
		t.Fatalf("expected content type image/png, got %s", attrs.ContentType)
	}
}

func TestUpsertDocumentBlob_NilAttachmentIsNoop(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	keys, err := UpsertDocumentBlob(ctx, store, "c1", "doc:acme:1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys != nil {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestDeleteDocumentBlob_RemovesBothVariants(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	blob := &BlobAttachment{Original: []byte("a"), Thumbnail: []byte("b")}
	if _, err := UpsertDocumentBlob(ctx, store, "c1", "doc:acme:1", blob); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := DeleteDocumentBlob(ctx, store, "c1", "doc:acme:1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if exists, _ := store.Exists(ctx, "c1/doc:acme:1/original"); exists {
		t.Fatalf("expected original to be removed")
	}
	if exists, _ := store.Exists(ctx, "c1/doc:acme:1/thumb"); exists {
		t.Fatalf("expected thumb to be removed")
	}
}
