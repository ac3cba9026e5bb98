// Package objectstore implements A6: durable storage for raw chunk bytes
// keyed by upload path rather than content hash. It generalizes this
// codebase's storage.Backend interface (pkg/storage/interface.go) from a
// content-addressed block store (Put returns an address derived from the
// block's hash) to a path-addressed blob store (the caller supplies the
// key, following the uploads/<parent_id>/chunk.<index>.<ext> layout),
// since chunk bytes need to be retrievable by the SubJob/ParentJob
// records that already know their own storage key.
package objectstore

import (
	"context"
	"fmt"
)

// ObjectStore stores and retrieves opaque byte blobs by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
}

// ChunkKey builds the upload storage key for one chunk.
func ChunkKey(parentID string, chunkIndex int, ext string) string {
	if ext == "" {
		return fmt.Sprintf("uploads/%s/chunk.%d", parentID, chunkIndex)
	}
	return fmt.Sprintf("uploads/%s/chunk.%d.%s", parentID, chunkIndex, ext)
}

// DebugChunkKey builds the retained-for-debugging copy's key.
func DebugChunkKey(parentID string, chunkIndex int, ext string) string {
	if ext == "" {
		return fmt.Sprintf("debug/%s/chunk.%d", parentID, chunkIndex)
	}
	return fmt.Sprintf("debug/%s/chunk.%d.%s", parentID, chunkIndex, ext)
}
