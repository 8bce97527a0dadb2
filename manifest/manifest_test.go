package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(blobstore.NewLocalStore(t.TempDir()))
}

func TestStoreSaveLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "repo-a")
	require.ErrorIs(t, err, ErrNotFound)

	m := New("repo-a", "shard-1", 4)
	m.Segments = append(m.Segments, SegmentInfo{
		Path:    "seg-001.vseg",
		KeyID:   "repo-a/e1/k1",
		Batches: []model.BatchID{1, 2},
		Rows:    8,
		Size:    1024,
	})

	require.NoError(t, s.Save(ctx, m))
	assert.Equal(t, uint64(1), m.Version)

	loaded, err := s.Load(ctx, "repo-a")
	require.NoError(t, err)

	assert.Equal(t, m.Version, loaded.Version)
	assert.Equal(t, m.Repo, loaded.Repo)
	assert.Equal(t, m.ShardID, loaded.ShardID)
	assert.Equal(t, m.Dimension, loaded.Dimension)
	assert.Equal(t, m.Segments, loaded.Segments)
}

func TestStoreCurrentTracksLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := New("repo-a", "shard-1", 4)
	require.NoError(t, s.Save(ctx, m))

	m.Segments = append(m.Segments, SegmentInfo{Path: "seg-001.vseg", Batches: []model.BatchID{1}})
	require.NoError(t, s.Save(ctx, m))
	assert.Equal(t, uint64(2), m.Version)

	latest, err := s.Load(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)
	assert.Len(t, latest.Segments, 1)

	old, err := s.LoadVersion(ctx, "repo-a", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), old.Version)
	assert.Empty(t, old.Segments)
}

func TestStoreReposAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, New("repo-a", "shard-1", 4)))

	_, err := s.Load(ctx, "repo-b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := New("repo-a", "shard-1", 4)
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Save(ctx, m))

	versions, err := s.ListVersions(ctx, "repo-a")
	require.NoError(t, err)
	assert.Len(t, versions, 3)
}

func TestStoreListVersionsSkipsCorrupted(t *testing.T) {
	bs := blobstore.NewLocalStore(t.TempDir())
	s := NewStore(bs)
	ctx := context.Background()

	m := New("repo-a", "shard-1", 4)
	require.NoError(t, s.Save(ctx, m))

	require.NoError(t, bs.Put(ctx, "repo-a/MANIFEST-000099.json", []byte("{not json")))

	versions, err := s.ListVersions(ctx, "repo-a")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestStoreDeleteVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := New("repo-a", "shard-1", 4)
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Save(ctx, m))

	require.NoError(t, s.DeleteVersion(ctx, "repo-a", 1))

	_, err := s.LoadVersion(ctx, "repo-a", 1)
	require.ErrorIs(t, err, ErrNotFound)

	latest, err := s.Load(ctx, "repo-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)
}

func TestManifestDiff(t *testing.T) {
	prev := New("repo-a", "shard-1", 4)
	prev.Version = 1
	prev.Segments = []SegmentInfo{{Path: "seg-001.vseg", Batches: []model.BatchID{1, 2}}}

	next := prev.Clone()
	next.Version = 2
	next.Segments = []SegmentInfo{
		{Path: "seg-002.vseg", Batches: []model.BatchID{2, 3}},
	}

	diff := next.Diff(prev)
	assert.Equal(t, []model.BatchID{3}, diff.Added)
	assert.Equal(t, []model.BatchID{1}, diff.Removed)
	assert.Equal(t, next.Pointer(), diff.Pointer)

	initial := New("repo-a", "shard-1", 4)
	initial.Version = 1
	initial.Segments = []SegmentInfo{{Path: "seg-001.vseg", Batches: []model.BatchID{1}}}

	diff = initial.Diff(nil)
	assert.Equal(t, []model.BatchID{1}, diff.Added)
	assert.Empty(t, diff.Removed)
}

func TestManifestCloneIsIndependent(t *testing.T) {
	m := New("repo-a", "shard-1", 4)
	m.Segments = []SegmentInfo{{Path: "seg-001.vseg", Batches: []model.BatchID{1}}}

	clone := m.Clone()
	clone.Segments[0].Batches[0] = 99
	clone.Segments = append(clone.Segments, SegmentInfo{Path: "seg-002.vseg"})

	assert.Equal(t, model.BatchID(1), m.Segments[0].Batches[0])
	assert.Len(t, m.Segments, 1)
}
