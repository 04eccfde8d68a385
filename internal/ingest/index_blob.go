package ingest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/talhas-laboratory/curated-context-containers/internal/objectstore"
)

// blobKey builds the container_id/doc_id/original|thumb layout the object
// store uses for every artifact and its derivatives.
func blobKey(containerID, docID, variant string) string {
	return fmt.Sprintf("%s/%s/%s", containerID, docID, variant)
}

// UpsertDocumentBlob persists a document's original artifact and, when
// present, its thumbnail derivative into object storage. It is a no-op when
// the store or attachment is absent, since text-only documents never carry a
// blob. Returns the keys written, in original-then-thumbnail order.
func UpsertDocumentBlob(ctx context.Context, store objectstore.ObjectStore, containerID, docID string, blob *BlobAttachment) ([]string, error) {
	if store == nil || blob == nil {
		return nil, nil
	}
	var keys []string
	if len(blob.Original) > 0 {
		key := blobKey(containerID, docID, "original")
		opts := objectstore.PutOptions{ContentType: blob.OriginalType}
		if _, err := store.Put(ctx, key, bytes.NewReader(blob.Original), opts); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	if len(blob.Thumbnail) > 0 {
		key := blobKey(containerID, docID, "thumb")
		opts := objectstore.PutOptions{ContentType: blob.ThumbnailType}
		if _, err := store.Put(ctx, key, bytes.NewReader(blob.Thumbnail), opts); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeleteDocumentBlob removes a document's original and thumbnail objects.
// Used by document deletion so a hard delete cascades to the blob store as
// the data model requires.
func DeleteDocumentBlob(ctx context.Context, store objectstore.ObjectStore, containerID, docID string) error {
	if store == nil {
		return nil
	}
	for _, variant := range []string{"original", "thumb"} {
		if err := store.Delete(ctx, blobKey(containerID, docID, variant)); err != nil {
			return err
		}
	}
	return nil
}
