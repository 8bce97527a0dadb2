package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecvault/metadata"
	"github.com/hupe1980/vecvault/model"
)

func TestBufferAssignsSequenceOnce(t *testing.T) {
	b := NewBuffer()

	e1 := &Entry{Repo: "repo-a"}
	e2 := &Entry{Repo: "repo-a"}
	require.NoError(t, b.Push(e1))
	require.NoError(t, b.Push(e2))

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)

	batch := b.DrainReady()
	require.Len(t, batch, 2)

	b.Requeue(e1)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, 1, e1.AttemptCount)
}

func TestBufferRequeuePreservesAge(t *testing.T) {
	b := NewBuffer()

	e := &Entry{Repo: "repo-a"}
	require.NoError(t, b.Push(e))
	enqueued := e.EnqueuedAt
	require.False(t, enqueued.IsZero())

	b.DrainReady()
	b.Requeue(e)
	b.DrainReady()
	b.Requeue(e)

	assert.Equal(t, enqueued, e.EnqueuedAt)
	assert.Equal(t, 2, e.AttemptCount)
}

func TestBufferOverflowEvictsOldest(t *testing.T) {
	var evicted []OverflowDiagnostic

	b := NewBuffer(func(o *Options) {
		o.MaxItems = 3
		o.OnOverflow = func(d OverflowDiagnostic) { evicted = append(evicted, d) }
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))
	}

	require.Len(t, evicted, 1)
	assert.Equal(t, uint64(1), evicted[0].Sequence)
	assert.Equal(t, "repo-a", string(evicted[0].Repo))

	batch := b.DrainReady()
	require.Len(t, batch, 3)
	assert.Equal(t, uint64(2), batch[0].Sequence)
	assert.Equal(t, uint64(4), batch[2].Sequence)
}

func TestBufferOverflowAllInFlight(t *testing.T) {
	b := NewBuffer(func(o *Options) {
		o.MaxItems = 2
	})

	require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))
	require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))
	require.Len(t, b.DrainReady(), 2)

	err := b.Push(&Entry{Repo: "repo-a"})
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestBufferAgeExpiry(t *testing.T) {
	b := NewBuffer(func(o *Options) {
		o.MaxAge = time.Minute
	})

	clock := time.Now()
	b.now = func() time.Time { return clock }

	require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))
	clock = clock.Add(30 * time.Second)
	require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))

	clock = clock.Add(45 * time.Second)

	batch := b.DrainReady()
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(2), batch[0].Sequence)
}

func TestBufferDrainIsolatesInFlightBatch(t *testing.T) {
	b := NewBuffer()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))
	}

	batch := b.DrainReady()
	require.Len(t, batch, 3)

	require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))
	require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))

	next := b.DrainReady()
	require.Len(t, next, 2)
	assert.Equal(t, uint64(4), next[0].Sequence)
	assert.Equal(t, uint64(5), next[1].Sequence)

	assert.Equal(t, 5, b.InFlight())
}

func TestBufferRequeueKeepsSequenceOrder(t *testing.T) {
	b := NewBuffer()

	var entries []*Entry
	for i := 0; i < 3; i++ {
		e := &Entry{Repo: "repo-a"}
		require.NoError(t, b.Push(e))
		entries = append(entries, e)
	}

	b.DrainReady()

	// Requeue out of order; drain must come back ascending.
	b.Requeue(entries[2])
	b.Requeue(entries[0])
	b.Requeue(entries[1])

	batch := b.DrainReady()
	require.Len(t, batch, 3)
	assert.Equal(t, uint64(1), batch[0].Sequence)
	assert.Equal(t, uint64(2), batch[1].Sequence)
	assert.Equal(t, uint64(3), batch[2].Sequence)
}

func TestBufferReadySignal(t *testing.T) {
	b := NewBuffer()

	select {
	case <-b.Ready():
		t.Fatal("ready before any push")
	default:
	}

	require.NoError(t, b.Push(&Entry{Repo: "repo-a"}))

	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal after push")
	}
}

func TestBufferSnapshotRestore(t *testing.T) {
	b := NewBuffer()

	payload := []byte("sealed-bytes")
	e1 := &Entry{Repo: "repo-a", Payload: payload, Checksum: Checksum(payload)}
	e2 := &Entry{Repo: "repo-b", Payload: []byte("other"), Checksum: Checksum([]byte("other"))}
	require.NoError(t, b.Push(e1))
	require.NoError(t, b.Push(e2))
	e2.AttemptCount = 3

	// In-flight entries must survive a snapshot too.
	b.DrainReady()
	b.Requeue(e1)

	snap, err := b.Snapshot()
	require.NoError(t, err)

	restored := NewBuffer()
	require.NoError(t, restored.Restore(snap))

	batch := restored.DrainReady()
	require.Len(t, batch, 2)
	assert.Equal(t, e1.Sequence, batch[0].Sequence)
	assert.Equal(t, payload, batch[0].Payload)
	assert.Equal(t, e1.Checksum, batch[0].Checksum)
	assert.Equal(t, 1, batch[0].AttemptCount)
	assert.Equal(t, e1.EnqueuedAt.UnixMilli(), batch[0].EnqueuedAt.UnixMilli())
	assert.Equal(t, "repo-b", string(batch[1].Repo))
	assert.Equal(t, 3, batch[1].AttemptCount)

	// New pushes resume past the restored sequences.
	next := &Entry{Repo: "repo-c"}
	require.NoError(t, restored.Push(next))
	assert.Equal(t, uint64(3), next.Sequence)
}

func TestBufferSnapshotKeepsPendingBatchMetadata(t *testing.T) {
	b := NewBuffer()

	batch := &model.EmbeddingBatch{
		Repo:      "repo-a",
		ID:        7,
		Dimension: 2,
		Vectors:   [][]float32{{1, 0}, {0, 1}},
		Payloads:  [][]byte{[]byte("p0"), []byte("p1")},
		Metadata: []metadata.Document{
			{"lang": metadata.String("en"), "rank": metadata.Int(3)},
			{"lang": metadata.String("de")},
		},
	}
	require.NoError(t, b.Push(&Entry{Repo: batch.Repo, Batch: batch}))

	snap, err := b.Snapshot()
	require.NoError(t, err)

	restored := NewBuffer()
	require.NoError(t, restored.Restore(snap))

	ready := restored.DrainReady()
	require.Len(t, ready, 1)
	require.NotNil(t, ready[0].Batch)
	assert.Equal(t, batch.Vectors, ready[0].Batch.Vectors)
	assert.Equal(t, batch.Payloads, ready[0].Batch.Payloads)
	require.Len(t, ready[0].Batch.Metadata, 2)
	assert.True(t, ready[0].Batch.Metadata[0]["lang"].Equal(metadata.String("en")))
	assert.True(t, ready[0].Batch.Metadata[0]["rank"].Equal(metadata.Int(3)))
	assert.True(t, ready[0].Batch.Metadata[1]["lang"].Equal(metadata.String("de")))
}

func TestBufferRestoreDropsCorruptedPayload(t *testing.T) {
	b := NewBuffer()

	good := []byte("good")
	require.NoError(t, b.Push(&Entry{Repo: "repo-a", Payload: good, Checksum: Checksum(good)}))
	require.NoError(t, b.Push(&Entry{Repo: "repo-a", Payload: []byte("bad"), Checksum: Checksum([]byte("was-different"))}))

	snap, err := b.Snapshot()
	require.NoError(t, err)

	restored := NewBuffer()
	require.NoError(t, restored.Restore(snap))

	batch := restored.DrainReady()
	require.Len(t, batch, 1)
	assert.Equal(t, good, batch[0].Payload)
}
