package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecvault/model"
)

type fakeCommitter struct {
	mu        sync.Mutex
	committed []uint64
	failing   map[uint64]bool
	block     chan struct{}
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{failing: make(map[uint64]bool)}
}

func (f *fakeCommitter) Commit(_ context.Context, e *Entry) error {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing[e.Sequence] {
		return errors.New("backend unavailable")
	}
	f.committed = append(f.committed, e.Sequence)
	return nil
}

func (f *fakeCommitter) sequences() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.committed...)
}

func pushN(t *testing.T, b *Buffer, repo model.RepoID, n int) []*Entry {
	t.Helper()

	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e := &Entry{Repo: repo}
		require.NoError(t, b.Push(e))
		entries = append(entries, e)
	}
	return entries
}

func TestCoordinatorDrainsInOrder(t *testing.T) {
	b := NewBuffer()
	fc := newFakeCommitter()
	c := NewCoordinator(b, fc)

	pushN(t, b, "repo-a", 3)

	c.DrainOnce(context.Background())

	assert.Equal(t, []uint64{1, 2, 3}, fc.sequences())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.InFlight())
}

func TestCoordinatorRequeuesTailOnFailure(t *testing.T) {
	b := NewBuffer()
	fc := newFakeCommitter()
	fc.failing[2] = true
	c := NewCoordinator(b, fc)

	entries := pushN(t, b, "repo-a", 4)

	c.DrainOnce(context.Background())

	// Entry 1 committed; 2 failed, so 2..4 went back to the queue.
	assert.Equal(t, []uint64{1}, fc.sequences())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 0, b.InFlight())
	assert.Equal(t, 1, entries[1].AttemptCount)
	assert.Equal(t, 1, entries[3].AttemptCount)

	// Once the failure clears the remainder replays in order.
	fc.failing[2] = false
	c.DrainOnce(context.Background())

	assert.Equal(t, []uint64{1, 2, 3, 4}, fc.sequences())
	assert.Equal(t, 0, b.Len())
}

func TestCoordinatorReposReplayIndependently(t *testing.T) {
	b := NewBuffer()
	fc := newFakeCommitter()
	c := NewCoordinator(b, fc)

	a := &Entry{Repo: "repo-a"}
	require.NoError(t, b.Push(a))
	bEntry := &Entry{Repo: "repo-b"}
	require.NoError(t, b.Push(bEntry))
	a2 := &Entry{Repo: "repo-a"}
	require.NoError(t, b.Push(a2))

	fc.failing[a.Sequence] = true

	c.DrainOnce(context.Background())

	// repo-a stalled at its first entry, dragging a2 with it; repo-b is
	// unaffected.
	assert.Contains(t, fc.sequences(), bEntry.Sequence)
	assert.NotContains(t, fc.sequences(), a.Sequence)
	assert.NotContains(t, fc.sequences(), a2.Sequence)
	assert.Equal(t, 2, b.Len())
}

func TestCoordinatorBackgroundLoop(t *testing.T) {
	b := NewBuffer()
	fc := newFakeCommitter()
	c := NewCoordinator(b, fc, func(o *CoordinatorOptions) {
		o.PollInterval = 10 * time.Millisecond
	})

	c.Start()
	defer c.Close()

	pushN(t, b, "repo-a", 2)

	require.Eventually(t, func() bool {
		return len(fc.sequences()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []uint64{1, 2}, fc.sequences())
}

func TestCoordinatorCloseWaitsForInFlightCommit(t *testing.T) {
	b := NewBuffer()
	fc := newFakeCommitter()
	fc.block = make(chan struct{})
	c := NewCoordinator(b, fc, func(o *CoordinatorOptions) {
		o.PollInterval = time.Hour
	})

	c.Start()
	pushN(t, b, "repo-a", 1)

	// Wait for the commit to be in flight, then close while it is blocked.
	require.Eventually(t, func() bool {
		return c.State() == StateCommitting
	}, 2*time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a commit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(fc.block)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after commit finished")
	}

	assert.Equal(t, []uint64{1}, fc.sequences())
	assert.Equal(t, 0, b.InFlight())
}

func TestCoordinatorStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "requeuing", StateRequeuing.String())
}
