package vecvault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/model"
	"github.com/hupe1980/vecvault/store"
)

func newTestVault(t *testing.T, optFns ...Option) *Vault {
	t.Helper()

	v, err := New(t.TempDir(), append([]Option{WithoutReplayWorker()}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })

	return v
}

func putBatch(t *testing.T, v *Vault, repo model.RepoID, id model.BatchID, vectors ...[]float32) *model.StoreWriteReceipt {
	t.Helper()

	receipt, err := v.Put(context.Background(), &model.EmbeddingBatch{
		Repo:      repo,
		ID:        id,
		Dimension: len(vectors[0]),
		Vectors:   vectors,
	}, model.ManifestDiff{Added: []model.BatchID{id}})
	require.NoError(t, err)

	return receipt
}

func TestVaultPutQuery(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	receipt := putBatch(t, v, "acme/site", 1, []float32{0, 0}, []float32{3, 4})
	assert.False(t, receipt.Buffered)
	assert.Equal(t, "ledger:acme/site/1", receipt.AuditPointer)

	rs, err := v.Query(ctx, model.QueryCriteria{Repo: "acme/site", Vector: []float32{3, 4}, K: 1})
	require.NoError(t, err)

	require.Len(t, rs.Results, 1)
	assert.Equal(t, model.BatchID(1), rs.Results[0].BatchID)
	assert.Equal(t, 1, rs.Results[0].Index)
}

func TestVaultAuditTrailAndVerify(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	putBatch(t, v, "acme/site", 1, []float32{1})
	putBatch(t, v, "acme/site", 2, []float32{2})

	entries, err := v.AuditTrail("acme/site")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, uint64(2), entries[1].Sequence)

	report, err := v.Verify(ctx, "acme/site")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Entries)
}

func TestVaultAttestationsRecorded(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	putBatch(t, v, "acme/site", 1, []float32{1})

	rotation := v.RotateKeys(ctx, model.RotationSchedule{Repos: []model.RepoID{"acme/site"}})
	require.Empty(t, rotation.Failed)

	atts, err := v.Attestations("acme/site")
	require.NoError(t, err)
	// Provisioning on first put, then one rotation.
	require.GreaterOrEqual(t, len(atts), 2)
}

func TestVaultBufferedWriteFlush(t *testing.T) {
	faulty := blobstore.NewFaultyStore(blobstore.NewLocalStore(t.TempDir()))

	v := newTestVault(t,
		WithBlobStore(faulty),
		WithStore(func(o *store.Options) {
			o.MaxRetries = 1
			o.RetryBackoff = time.Millisecond
		}),
	)
	ctx := context.Background()

	faulty.SetOffline(true)

	receipt, err := v.Put(ctx, &model.EmbeddingBatch{
		Repo:      "acme/site",
		ID:        1,
		Dimension: 1,
		Vectors:   [][]float32{{1}},
	}, model.ManifestDiff{Added: []model.BatchID{1}})
	require.NoError(t, err)
	assert.True(t, receipt.Buffered)
	assert.Equal(t, 1, v.BufferedWrites())

	faulty.SetOffline(false)
	v.Flush(ctx)

	assert.Equal(t, 0, v.BufferedWrites())

	rs, err := v.Query(ctx, model.QueryCriteria{Repo: "acme/site", Vector: []float32{1}, K: 1})
	require.NoError(t, err)
	assert.Len(t, rs.Results, 1)
}

func TestVaultBackgroundReplay(t *testing.T) {
	faulty := blobstore.NewFaultyStore(blobstore.NewLocalStore(t.TempDir()))

	v, err := New(t.TempDir(),
		WithBlobStore(faulty),
		WithStore(func(o *store.Options) {
			o.MaxRetries = 1
			o.RetryBackoff = time.Millisecond
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })

	ctx := context.Background()

	faulty.SetOffline(true)
	receipt, err := v.Put(ctx, &model.EmbeddingBatch{
		Repo:      "acme/site",
		ID:        1,
		Dimension: 1,
		Vectors:   [][]float32{{1}},
	}, model.ManifestDiff{Added: []model.BatchID{1}})
	require.NoError(t, err)
	require.True(t, receipt.Buffered)

	faulty.SetOffline(false)
	v.Flush(ctx)

	assert.Eventually(t, func() bool {
		return v.BufferedWrites() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestVaultBufferSnapshotAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	blobDir := t.TempDir()

	// Deterministic keys, so data sealed before the restart stays readable
	// by the second vault instance.
	material := make([]byte, keyring.KeySize)
	withStaticKeys := WithKeyring(func(o *keyring.Options) {
		o.Provider = keyring.StaticProvider{Material: material}
	})

	faulty := blobstore.NewFaultyStore(blobstore.NewLocalStore(blobDir))
	faulty.SetOffline(true)

	v, err := New(dir,
		WithoutReplayWorker(),
		withStaticKeys,
		WithBlobStore(faulty),
		WithStore(func(o *store.Options) {
			o.MaxRetries = 1
			o.RetryBackoff = time.Millisecond
		}),
	)
	require.NoError(t, err)

	ctx := context.Background()

	receipt, err := v.Put(ctx, &model.EmbeddingBatch{
		Repo:      "acme/site",
		ID:        1,
		Dimension: 1,
		Vectors:   [][]float32{{1}},
	}, model.ManifestDiff{Added: []model.BatchID{1}})
	require.NoError(t, err)
	require.True(t, receipt.Buffered)

	// Close persists the buffered write to the snapshot file.
	require.NoError(t, v.Close())

	faulty2 := blobstore.NewFaultyStore(blobstore.NewLocalStore(blobDir))

	v2, err := New(dir,
		WithoutReplayWorker(),
		withStaticKeys,
		WithBlobStore(faulty2),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v2.Close()) })

	require.Equal(t, 1, v2.BufferedWrites())

	v2.Flush(ctx)
	assert.Equal(t, 0, v2.BufferedWrites())

	// Same provider, same epoch: re-provisioning yields the sealing key.
	_, err = v2.Keys().Provision("acme/site")
	require.NoError(t, err)

	rs, err := v2.Query(ctx, model.QueryCriteria{Repo: "acme/site", Vector: []float32{1}, K: 1})
	require.NoError(t, err)
	assert.Len(t, rs.Results, 1)
}

func TestVaultMetrics(t *testing.T) {
	metrics := &BasicMetricsCollector{}

	v := newTestVault(t, WithMetricsCollector(metrics))
	ctx := context.Background()

	putBatch(t, v, "acme/site", 1, []float32{1, 2})

	_, err := v.Query(ctx, model.QueryCriteria{Repo: "acme/site", Vector: []float32{1, 2}, K: 1})
	require.NoError(t, err)
	_, err = v.Query(ctx, model.QueryCriteria{Repo: "missing", Vector: []float32{1, 2}, K: 1})
	require.Error(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.PutCount)
	assert.Equal(t, int64(0), stats.PutErrors)
	assert.Equal(t, int64(2), stats.QueryCount)
	assert.Equal(t, int64(1), stats.QueryErrors)
}

func TestVaultCloseIsIdempotent(t *testing.T) {
	v, err := New(t.TempDir(), WithoutReplayWorker())
	require.NoError(t, err)

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
}

func TestVaultRotateAndCompact(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	putBatch(t, v, "acme/site", 1, []float32{1, 2})
	putBatch(t, v, "acme/site", 2, []float32{3, 4})

	old, err := v.Keys().Current("acme/site")
	require.NoError(t, err)

	rotation := v.RotateKeys(ctx, model.RotationSchedule{Repos: []model.RepoID{"acme/site"}})
	require.Empty(t, rotation.Failed)

	report, err := v.Compact(ctx, "acme/site", model.CompactionPolicy{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.SegmentsBefore)
	assert.Equal(t, 1, report.SegmentsAfter)
	assert.True(t, report.Resealed)

	desc, err := v.Describe(ctx, "acme/site")
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, desc.KeyID)
	assert.False(t, desc.ResealPending)
}
