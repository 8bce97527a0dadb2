package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/envelope"
	"github.com/hupe1980/vecvault/internal/resource"
	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/ledger"
	"github.com/hupe1980/vecvault/manifest"
	"github.com/hupe1980/vecvault/model"
	"github.com/hupe1980/vecvault/replay"
)

// Options contains configuration for the Store.
type Options struct {
	// Blobs is the backend holding segment and manifest blobs. Required.
	Blobs blobstore.BlobStore

	// Keys manages per-repository sealing keys. Required.
	Keys *keyring.Manager

	// Ledger records the audit chain. Required.
	Ledger *ledger.Writer

	// Engine seals and opens envelopes. Defaults to AES-256-GCM.
	Engine *envelope.Engine

	// Buffer absorbs writes during backend outages. Defaults to an
	// unbounded-age buffer with default capacity.
	Buffer *replay.Buffer

	// Compression applied to batch payloads before sealing.
	Compression Compression

	// MaxRetries bounds transient-error retries before a write is buffered
	// or a read is reported degraded.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration

	// Resources bounds compaction workers, decrypt memory and background IO.
	// Nil means unbounded.
	Resources *resource.Controller

	// Logger for shard lifecycle events.
	Logger *slog.Logger
}

// DefaultOptions returns default Store options.
var DefaultOptions = Options{
	Compression:  CompressionZstd,
	MaxRetries:   3,
	RetryBackoff: 50 * time.Millisecond,
}

// Store is the encrypted vector store: one shard per repository, sealed
// segment blobs, manifest-committed versions, ledger-audited writes.
type Store struct {
	blobs     blobstore.BlobStore
	manifests *manifest.Store
	keys      *keyring.Manager
	engine    *envelope.Engine
	ledger    *ledger.Writer
	buffer    *replay.Buffer

	compression  Compression
	maxRetries   int
	retryBackoff time.Duration
	resources    *resource.Controller
	logger       *slog.Logger

	mu     sync.RWMutex
	shards map[model.RepoID]*shard
}

// New creates a Store.
func New(optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("key manager is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger writer is required")
	}
	if opts.Engine == nil {
		opts.Engine = envelope.New()
	}
	if opts.Buffer == nil {
		opts.Buffer = replay.NewBuffer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Store{
		blobs:        opts.Blobs,
		manifests:    manifest.NewStore(opts.Blobs),
		keys:         opts.Keys,
		engine:       opts.Engine,
		ledger:       opts.Ledger,
		buffer:       opts.Buffer,
		compression:  opts.Compression,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		resources:    opts.Resources,
		logger:       opts.Logger,
		shards:       make(map[model.RepoID]*shard),
	}, nil
}

// Buffer exposes the retry buffer, for snapshotting and replay wiring.
func (s *Store) Buffer() *replay.Buffer { return s.buffer }

// Put seals a batch and commits it to the repository's shard.
//
// The happy path is seal, segment write, manifest commit, ledger append,
// receipt. When the backend is unreachable the already-sealed segment is
// absorbed by the retry buffer and the receipt comes back with Buffered set;
// the only error a backend outage can surface is ErrStorageUnavailable, and
// only when the buffer itself rejected the write. Cryptographic failures are
// returned immediately and are never buffered.
func (s *Store) Put(ctx context.Context, batch *model.EmbeddingBatch, diff model.ManifestDiff) (*model.StoreWriteReceipt, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	sh := s.getShard(batch.Repo)
	if sh.quarantined.Load() {
		return nil, fmt.Errorf("%w: %s", ErrShardQuarantined, batch.Repo)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	handle, err := s.keys.Provision(batch.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to provision key: %w", err)
	}

	rec, err := s.sealBatch(batch, handle)
	if err != nil {
		return nil, err
	}

	segName := segmentPath(batch.Repo, newSegmentName())
	segBytes := encodeSegment(s.compression, []segmentRecord{rec})

	entry, m, err := s.commitSealedLocked(ctx, sh, segName, segBytes, rec, handle.KeyID, []model.BatchID{batch.ID}, diff, batch)
	if err == nil {
		return &model.StoreWriteReceipt{
			ShardID:      m.ShardID,
			BatchID:      batch.ID,
			CommitTS:     entry.Timestamp,
			Checksum:     rec.ChecksumHex(),
			AuditPointer: entry.AuditPointer(),
		}, nil
	}

	if !bufferable(err) {
		return nil, err
	}

	return s.bufferWrite(sh, batch, diff, segName, segBytes, rec, err)
}

// sealBatch encodes, compresses and seals one batch under the given key.
func (s *Store) sealBatch(batch *model.EmbeddingBatch, handle keyring.KeyHandle) (segmentRecord, error) {
	plaintext, err := encodePayload(batch)
	if err != nil {
		return segmentRecord{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	compressed, err := compress(s.compression, plaintext)
	if err != nil {
		return segmentRecord{}, err
	}

	env, err := s.engine.Seal(compressed, handle)
	if err != nil {
		return segmentRecord{}, err
	}

	sealed, err := env.Encode()
	if err != nil {
		return segmentRecord{}, err
	}

	return newRecord(batch.ID, sealed), nil
}

// commitSealedLocked runs the durable part of a write: segment blob, manifest
// version, ledger entry. The caller holds the shard's committer lock.
//
// The steps are idempotent with respect to replay: a segment already present
// in the manifest is not appended twice.
func (s *Store) commitSealedLocked(ctx context.Context, sh *shard, segName string, segBytes []byte, rec segmentRecord, keyID string, batchIDs []model.BatchID, diff model.ManifestDiff, batch *model.EmbeddingBatch) (ledger.Entry, *manifest.Manifest, error) {
	if err := s.withRetries(ctx, func() error {
		return s.blobs.Put(ctx, segName, segBytes)
	}); err != nil {
		return ledger.Entry{}, nil, err
	}

	prev := sh.current.Load()

	var m *manifest.Manifest
	switch {
	case prev != nil:
		m = prev.manifest.Clone()
	default:
		loaded, err := s.manifests.Load(ctx, sh.repo)
		if err == nil {
			m = loaded
		} else if errors.Is(err, manifest.ErrNotFound) {
			m = manifest.New(sh.repo, newShardID(), batchDimension(batch))
		} else {
			return ledger.Entry{}, nil, err
		}
	}

	if batch != nil && m.Dimension != 0 && m.Dimension != batch.Dimension {
		return ledger.Entry{}, nil, fmt.Errorf("batch dimension %d does not match shard dimension %d", batch.Dimension, m.Dimension)
	}
	if m.Dimension == 0 && batch != nil {
		m.Dimension = batch.Dimension
	}

	if !hasSegment(m, segName) {
		rows := uint32(0)
		if batch != nil {
			rows = uint32(len(batch.Vectors))
		}
		m.Segments = append(m.Segments, manifest.SegmentInfo{
			Path:     segName,
			KeyID:    keyID,
			Batches:  batchIDs,
			Rows:     rows,
			Size:     int64(len(segBytes)),
			Checksum: rec.ChecksumHex(),
		})
	}
	applyRemovals(m, diff.Removed)
	m.KeyID = keyID

	if err := s.withRetries(ctx, func() error {
		return s.manifests.Save(ctx, m)
	}); err != nil {
		return ledger.Entry{}, nil, err
	}

	entry, err := s.ledger.Append(m.Pointer(), sh.repo)
	if err != nil {
		var gap *ledger.SequenceGapError
		if errors.As(err, &gap) {
			// Chain integrity failures are never absorbed by the buffer.
			return ledger.Entry{}, nil, err
		}
		return ledger.Entry{}, nil, fmt.Errorf("%w: %s", blobstore.ErrUnavailable, err)
	}

	if batch != nil && len(diff.Removed) == 0 {
		sh.current.Store(appendVersion(prev, m, rec, s.compression, batch))
	} else if batch != nil {
		// Removals change the row space; rebuild lazily on the next read.
		sh.current.Store(nil)
	} else {
		// Replayed from a crash snapshot: the plaintext is gone, so the next
		// read rebuilds the snapshot from the committed segments.
		sh.current.Store(nil)
	}

	s.logger.Debug("batch committed", "repo", sh.repo, "segment", segName, "version", m.Version)

	return entry, m, nil
}

func (s *Store) bufferWrite(sh *shard, batch *model.EmbeddingBatch, diff model.ManifestDiff, segName string, segBytes []byte, rec segmentRecord, cause error) (*model.StoreWriteReceipt, error) {
	entry := &replay.Entry{
		Repo:     batch.Repo,
		Payload:  segBytes,
		Blob:     segName,
		Batch:    batch,
		Diff:     diff,
		Checksum: replay.Checksum(segBytes),
	}

	if err := s.buffer.Push(entry); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStorageUnavailable, cause)
	}

	s.logger.Warn("write buffered, backend unavailable", "repo", batch.Repo, "sequence", entry.Sequence, "error", cause)

	return &model.StoreWriteReceipt{
		BatchID:      batch.ID,
		CommitTS:     entry.EnqueuedAt,
		Checksum:     rec.ChecksumHex(),
		AuditPointer: fmt.Sprintf("buffered:%d", entry.Sequence),
		Buffered:     true,
	}, nil
}

// Commit re-attempts one deferred write on behalf of the replay coordinator.
// Failures propagate so the coordinator can requeue; nothing is re-buffered
// here.
func (s *Store) Commit(ctx context.Context, e *replay.Entry) error {
	sh := s.getShard(e.Repo)
	if sh.quarantined.Load() {
		return fmt.Errorf("%w: %s", ErrShardQuarantined, e.Repo)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e.Payload == nil {
		// Seal-pending: the batch survived in memory, run the full path.
		handle, err := s.keys.Provision(e.Repo)
		if err != nil {
			return err
		}
		rec, err := s.sealBatch(e.Batch, handle)
		if err != nil {
			return err
		}
		segName := segmentPath(e.Repo, newSegmentName())
		segBytes := encodeSegment(s.compression, []segmentRecord{rec})
		_, _, err = s.commitSealedLocked(ctx, sh, segName, segBytes, rec, handle.KeyID, []model.BatchID{e.Batch.ID}, e.Diff, e.Batch)
		return err
	}

	_, records, err := parseSegment(e.Payload)
	if err != nil {
		return fmt.Errorf("buffered segment corrupted: %w", err)
	}
	if len(records) == 0 {
		return errors.New("buffered segment is empty")
	}

	rec := records[0]
	keyID, _ := envelope.PeekKeyID(rec.Sealed)

	batchIDs := make([]model.BatchID, 0, len(records))
	for _, r := range records {
		batchIDs = append(batchIDs, r.BatchID)
	}

	_, _, err = s.commitSealedLocked(ctx, sh, e.Blob, e.Payload, rec, keyID, batchIDs, e.Diff, e.Batch)
	return err
}

// openRecord resolves the record's key and opens the sealed payload.
func (s *Store) openRecord(rec *segmentRecord, repo model.RepoID, compression Compression) (*batchPayload, error) {
	keyID, ok := envelope.PeekKeyID(rec.Sealed)
	if !ok {
		return nil, fmt.Errorf("record for batch %d: malformed envelope", rec.BatchID)
	}

	handle, err := s.keys.Get(keyID)
	if err != nil {
		if errors.Is(err, keyring.ErrUnknownKey) {
			return nil, envelope.NewDecryptError(envelope.UnknownKeyID, keyID, err)
		}
		return nil, err
	}

	if err := s.resources.AcquireMemory(int64(len(rec.Sealed))); err != nil {
		return nil, err
	}
	defer s.resources.ReleaseMemory(int64(len(rec.Sealed)))

	compressed, err := s.engine.OpenBytes(rec.Sealed, handle, repo)
	if err != nil {
		return nil, err
	}

	plaintext, err := decompress(compression, compressed)
	if err != nil {
		return nil, err
	}

	return decodePayload(plaintext)
}

// withRetries runs op with bounded exponential backoff on transient errors.
func (s *Store) withRetries(ctx context.Context, op func() error) error {
	backoff := s.retryBackoff

	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err = op(); err == nil {
			return nil
		}
		if !errors.Is(err, blobstore.ErrUnavailable) {
			return err
		}
	}

	return err
}

func bufferable(err error) bool {
	return errors.Is(err, blobstore.ErrUnavailable)
}

func hasSegment(m *manifest.Manifest, path string) bool {
	for _, seg := range m.Segments {
		if seg.Path == path {
			return true
		}
	}
	return false
}

func applyRemovals(m *manifest.Manifest, removed []model.BatchID) {
	if len(removed) == 0 {
		return
	}

	drop := make(map[model.BatchID]bool, len(removed))
	for _, id := range removed {
		drop[id] = true
	}

	segs := m.Segments[:0]
	for _, seg := range m.Segments {
		kept := seg.Batches[:0]
		for _, id := range seg.Batches {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		seg.Batches = kept
		if len(kept) > 0 {
			segs = append(segs, seg)
		}
	}
	m.Segments = segs
}

func batchDimension(b *model.EmbeddingBatch) int {
	if b == nil {
		return 0
	}
	return b.Dimension
}

func segmentPath(repo model.RepoID, name string) string {
	return string(repo) + "/" + name
}
