// Package blobstore saves and loads serialised forests on the local
// filesystem or in S3-compatible object storage.
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Store holds immutable named blobs.
type Store interface {
	// Put writes a blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Get reads a whole blob.
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes a blob. Missing blobs are not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of blobs starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
