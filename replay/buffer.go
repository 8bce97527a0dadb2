package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/vecvault/model"
)

// ErrBufferOverflow is returned when a push cannot be absorbed: the buffer is
// at capacity and every remaining entry is in-flight, so none may be evicted.
var ErrBufferOverflow = errors.New("retry buffer overflow")

// Entry is one deferred write awaiting replay.
type Entry struct {
	// Sequence is assigned on the first push and never changes across
	// requeues. It orders replay within the buffer.
	Sequence uint64
	Repo     model.RepoID
	// Payload holds the sealed segment bytes when sealing succeeded before
	// the outage. Nil means sealing is still pending and the batch must go
	// through the full put path on replay.
	Payload []byte
	// Blob names the destination of Payload in the blob store.
	Blob string
	// Batch carries the original batch for seal-pending entries.
	Batch *model.EmbeddingBatch
	Diff  model.ManifestDiff
	// Checksum is the hex blake3 digest of Payload, verified on replay.
	Checksum string
	// EnqueuedAt is set on first push and preserved across requeues so that
	// age-based expiry measures true age.
	EnqueuedAt   time.Time
	AttemptCount int
}

func (e *Entry) expired(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(e.EnqueuedAt) > maxAge
}

// OverflowDiagnostic names an entry evicted to make room for a newer one.
type OverflowDiagnostic struct {
	Repo       model.RepoID
	Sequence   uint64
	EnqueuedAt time.Time
	Attempts   int
}

func (d OverflowDiagnostic) String() string {
	return fmt.Sprintf("buffer overflow: evicted repo=%s sequence=%d attempts=%d", d.Repo, d.Sequence, d.Attempts)
}

// Options contains configuration for the Buffer.
type Options struct {
	// MaxItems bounds the total number of entries (queued plus in-flight).
	MaxItems int

	// MaxAge is the hard expiry for entries. Zero disables age-based expiry.
	MaxAge time.Duration

	// OnOverflow is invoked for every entry evicted by the overflow policy.
	OnOverflow func(OverflowDiagnostic)

	// Logger for eviction and expiry events.
	Logger *slog.Logger
}

// DefaultOptions returns default Buffer options.
var DefaultOptions = Options{
	MaxItems: 4096,
	MaxAge:   24 * time.Hour,
}

// Buffer is a bounded FIFO of deferred writes.
//
// Entries live in one of two sets: queued (eligible for the next drain) and
// in-flight (handed out by DrainReady, awaiting Ack or Requeue). Overflow
// evicts the oldest queued entry, never an in-flight one.
type Buffer struct {
	mu       sync.Mutex
	queued   []*Entry // Ascending by sequence
	inflight map[uint64]*Entry
	nextSeq  uint64

	maxItems   int
	maxAge     time.Duration
	onOverflow func(OverflowDiagnostic)
	logger     *slog.Logger

	ready chan struct{}

	now func() time.Time
}

// NewBuffer creates a retry buffer.
func NewBuffer(optFns ...func(o *Options)) *Buffer {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Buffer{
		inflight:   make(map[uint64]*Entry),
		nextSeq:    1,
		maxItems:   opts.MaxItems,
		maxAge:     opts.MaxAge,
		onOverflow: opts.OnOverflow,
		logger:     opts.Logger,
		ready:      make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Ready signals whenever new entries become eligible for draining.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Push appends an entry. The sequence is assigned here on first push;
// re-pushing an entry that already has one keeps it.
//
// Bounds are enforced on every push: expired entries are purged first, then
// the oldest queued entry is evicted if the buffer is still full. Push fails
// with ErrBufferOverflow only when eviction is impossible because every
// remaining entry is in-flight.
func (b *Buffer) Push(e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if e.Sequence == 0 {
		e.Sequence = b.nextSeq
		b.nextSeq++
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = now
	}

	b.purgeExpiredLocked(now)

	for b.maxItems > 0 && len(b.queued)+len(b.inflight) >= b.maxItems {
		if len(b.queued) == 0 {
			return ErrBufferOverflow
		}
		b.evictOldestLocked()
	}

	b.insertLocked(e)
	b.notifyLocked()

	return nil
}

// DrainReady atomically moves every eligible queued entry to the in-flight
// set and returns them in ascending sequence order. Entries pushed while the
// batch is out land in the next drain.
func (b *Buffer) DrainReady() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.purgeExpiredLocked(b.now())

	batch := b.queued
	b.queued = nil

	for _, e := range batch {
		b.inflight[e.Sequence] = e
	}

	return batch
}

// Requeue reinserts a failed in-flight entry at its sequence position,
// incrementing its attempt count. EnqueuedAt is left untouched.
func (b *Buffer) Requeue(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, e.Sequence)
	e.AttemptCount++
	b.insertLocked(e)
	b.notifyLocked()
}

// Ack removes a successfully replayed in-flight entry.
func (b *Buffer) Ack(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, e.Sequence)
}

// Len returns the number of queued entries, excluding in-flight ones.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queued)
}

// InFlight returns the number of entries handed out and not yet resolved.
func (b *Buffer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.inflight)
}

func (b *Buffer) insertLocked(e *Entry) {
	i := sort.Search(len(b.queued), func(i int) bool {
		return b.queued[i].Sequence >= e.Sequence
	})
	b.queued = append(b.queued, nil)
	copy(b.queued[i+1:], b.queued[i:])
	b.queued[i] = e
}

func (b *Buffer) evictOldestLocked() {
	victim := b.queued[0]
	b.queued = b.queued[1:]

	diag := OverflowDiagnostic{
		Repo:       victim.Repo,
		Sequence:   victim.Sequence,
		EnqueuedAt: victim.EnqueuedAt,
		Attempts:   victim.AttemptCount,
	}

	b.logger.Warn("retry buffer overflow", "repo", diag.Repo, "sequence", diag.Sequence, "attempts", diag.Attempts)

	if b.onOverflow != nil {
		b.onOverflow(diag)
	}
}

func (b *Buffer) purgeExpiredLocked(now time.Time) {
	if b.maxAge <= 0 {
		return
	}

	kept := b.queued[:0]
	for _, e := range b.queued {
		if e.expired(now, b.maxAge) {
			b.logger.Warn("retry buffer entry expired", "repo", e.Repo, "sequence", e.Sequence, "age", now.Sub(e.EnqueuedAt))
			continue
		}
		kept = append(kept, e)
	}
	b.queued = kept
}

func (b *Buffer) notifyLocked() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
