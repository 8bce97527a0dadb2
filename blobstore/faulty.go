package blobstore

import (
	"context"
	"fmt"
	"sync/atomic"
)

// FaultyStore wraps a BlobStore and can simulate backend outages. While
// offline every operation fails with ErrUnavailable, which is exactly what
// drives writes into the replay buffer.
//
// It exists for tests and for fault drills; production code never constructs
// one.
type FaultyStore struct {
	inner   BlobStore
	offline atomic.Bool
	fails   atomic.Int64
}

// NewFaultyStore wraps the given store.
func NewFaultyStore(inner BlobStore) *FaultyStore {
	return &FaultyStore{inner: inner}
}

// SetOffline toggles the simulated outage.
func (s *FaultyStore) SetOffline(offline bool) { s.offline.Store(offline) }

// Failures returns the number of operations rejected while offline.
func (s *FaultyStore) Failures() int64 { return s.fails.Load() }

func (s *FaultyStore) check(op string) error {
	if s.offline.Load() {
		s.fails.Add(1)
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return nil
}

// Open implements BlobStore.
func (s *FaultyStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := s.check("open " + name); err != nil {
		return nil, err
	}
	return s.inner.Open(ctx, name)
}

// Put implements BlobStore.
func (s *FaultyStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.check("put " + name); err != nil {
		return err
	}
	return s.inner.Put(ctx, name, data)
}

// Delete implements BlobStore.
func (s *FaultyStore) Delete(ctx context.Context, name string) error {
	if err := s.check("delete " + name); err != nil {
		return err
	}
	return s.inner.Delete(ctx, name)
}

// List implements BlobStore.
func (s *FaultyStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check("list " + prefix); err != nil {
		return nil, err
	}
	return s.inner.List(ctx, prefix)
}
