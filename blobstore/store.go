// Package blobstore abstracts the storage of immutable shard blobs (segments
// and manifest files).
//
// Backends are selected at construction: local disk for the default
// single-host deployment, MinIO or S3 for remote shards. The store interface
// is a deliberately small capability set; everything higher level (segment
// format, manifests, compaction) is built on top of it.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// ErrUnavailable marks a transient backend failure. Writes hitting it are
// eligible for retry and, ultimately, the replay buffer.
var ErrUnavailable = errors.New("blob store unavailable")

// Blob is a read-only handle to a stored blob.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
}

// BlobStore is the capability set shared by all shard backends.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading. Returns ErrNotFound if absent.
	Open(ctx context.Context, name string) (Blob, error)

	// Put writes a blob atomically: readers never observe partial content,
	// and an existing blob of the same name is replaced as a whole.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs under prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadAll reads the entire named blob.
func ReadAll(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	data, err := ReadBlob(b)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", name, err)
	}
	return data, nil
}

// ReadBlob reads the full content of an open blob.
func ReadBlob(b Blob) ([]byte, error) {
	data := make([]byte, b.Size())
	if _, err := b.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}
