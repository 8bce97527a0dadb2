package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/manifest"
	"github.com/hupe1980/vecvault/metadata"
	"github.com/hupe1980/vecvault/model"
)

// shard is the per-repository write/read unit. A single committer at a time
// advances the shard's commit version; readers work against the immutable
// version they loaded and never block the committer.
type shard struct {
	repo model.RepoID

	// mu serializes committers and version loads. It is never held across a
	// read of a published version.
	mu sync.Mutex

	current atomic.Pointer[shardVersion]

	quarantined   atomic.Bool
	resealPending atomic.Bool
	rotating      atomic.Bool

	lastCompacted atomic.Int64 // unix nano
}

// rowRef addresses one vector within the shard version's dense row space.
type rowRef struct {
	segment int // index into the manifest's segment list
	batch   model.BatchID
	index   int // vector position within its batch
}

// shardVersion is an immutable snapshot of the shard at one commit version.
// Sealed records stay in memory; plaintext vectors do not.
type shardVersion struct {
	manifest *manifest.Manifest
	// segments holds the parsed, checksum-verified records of each segment,
	// parallel to manifest.Segments, with each segment's compression.
	segments     [][]segmentRecord
	compressions []Compression
	rows         []rowRef
	docs         []metadata.Document // parallel to rows, nil entries allowed
	index        *metadata.Index
}

func buildIndex(docs []metadata.Document) *metadata.Index {
	ix := metadata.NewIndex()
	for row, doc := range docs {
		ix.Add(uint32(row), doc)
	}
	return ix
}

func (s *Store) getShard(repo model.RepoID) *shard {
	s.mu.RLock()
	sh, ok := s.shards[repo]
	s.mu.RUnlock()
	if ok {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[repo]; ok {
		return sh
	}
	sh = &shard{repo: repo}
	s.shards[repo] = sh
	return sh
}

// lookupShard resolves a repository that must already exist, either in memory
// or as a committed manifest.
func (s *Store) lookupShard(ctx context.Context, repo model.RepoID) (*shard, error) {
	s.mu.RLock()
	sh, ok := s.shards[repo]
	s.mu.RUnlock()
	if ok {
		return sh, nil
	}

	if _, err := s.manifests.Load(ctx, repo); err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRepo, repo)
		}
		return nil, err
	}
	return s.getShard(repo), nil
}

// version returns the shard's current snapshot, loading it from the blob
// store on first use or after an invalidation.
func (s *Store) version(ctx context.Context, sh *shard) (*shardVersion, error) {
	if sv := sh.current.Load(); sv != nil {
		return sv, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	return s.versionLocked(ctx, sh)
}

// versionLocked is version for callers already holding the shard's committer
// lock.
func (s *Store) versionLocked(ctx context.Context, sh *shard) (*shardVersion, error) {
	if sv := sh.current.Load(); sv != nil {
		return sv, nil
	}

	m, err := s.manifests.Load(ctx, sh.repo)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRepo, sh.repo)
		}
		if errors.Is(err, blobstore.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %s", ErrDegradedRead, err)
		}
		return nil, err
	}

	sv, err := s.buildVersion(ctx, sh, m)
	if err != nil {
		return nil, err
	}

	sh.current.Store(sv)
	return sv, nil
}

// buildVersion materializes a snapshot from a committed manifest: every
// segment is read, checksum-verified, and decrypted once to rebuild the
// metadata row index. Plaintext is discarded afterwards.
func (s *Store) buildVersion(ctx context.Context, sh *shard, m *manifest.Manifest) (*shardVersion, error) {
	sv := &shardVersion{manifest: m}

	for i, seg := range m.Segments {
		data, err := blobstore.ReadAll(ctx, s.blobs, seg.Path)
		if err != nil {
			if errors.Is(err, blobstore.ErrUnavailable) {
				return nil, fmt.Errorf("%w: %s", ErrDegradedRead, err)
			}
			return nil, fmt.Errorf("failed to read segment %s: %w", seg.Path, err)
		}

		compression, records, err := parseSegment(data)
		if err != nil {
			sh.quarantined.Store(true)
			s.logger.Error("shard quarantined", "repo", sh.repo, "segment", seg.Path, "error", err)
			return nil, &CorruptionError{Shard: m.ShardID, Segment: seg.Path}
		}

		live := liveBatches(seg)
		kept := records[:0]
		for _, rec := range records {
			if !live[rec.BatchID] {
				continue
			}
			kept = append(kept, rec)

			payload, err := s.openRecord(&rec, sh.repo, compression)
			if err != nil {
				return nil, err
			}
			for v := range payload.Vectors {
				sv.rows = append(sv.rows, rowRef{segment: i, batch: rec.BatchID, index: v})
				sv.docs = append(sv.docs, docAt(payload.Metadata, v))
			}
		}
		sv.segments = append(sv.segments, kept)
		sv.compressions = append(sv.compressions, compression)
	}

	sv.index = buildIndex(sv.docs)
	return sv, nil
}

// appendVersion extends a snapshot with one freshly committed batch, reusing
// the previous version's rows instead of re-reading the shard.
func appendVersion(prev *shardVersion, m *manifest.Manifest, rec segmentRecord, compression Compression, batch *model.EmbeddingBatch) *shardVersion {
	sv := &shardVersion{manifest: m}

	if prev != nil {
		sv.segments = append(sv.segments, prev.segments...)
		sv.compressions = append(sv.compressions, prev.compressions...)
		sv.rows = append(sv.rows, prev.rows...)
		sv.docs = append(sv.docs, prev.docs...)
	}

	segIdx := len(m.Segments) - 1
	sv.segments = append(sv.segments, []segmentRecord{rec})
	sv.compressions = append(sv.compressions, compression)
	for v := range batch.Vectors {
		sv.rows = append(sv.rows, rowRef{segment: segIdx, batch: batch.ID, index: v})
		sv.docs = append(sv.docs, docAt(batch.Metadata, v))
	}

	sv.index = buildIndex(sv.docs)
	return sv
}

func liveBatches(seg manifest.SegmentInfo) map[model.BatchID]bool {
	live := make(map[model.BatchID]bool, len(seg.Batches))
	for _, id := range seg.Batches {
		live[id] = true
	}
	return live
}

func docAt(docs []metadata.Document, i int) metadata.Document {
	if docs == nil || i >= len(docs) {
		return nil
	}
	return docs[i]
}

// Describe reports the shard's descriptor.
func (s *Store) Describe(ctx context.Context, repo model.RepoID) (model.ShardDescriptor, error) {
	sh, err := s.lookupShard(ctx, repo)
	if err != nil {
		return model.ShardDescriptor{}, err
	}

	m, err := s.manifests.Load(ctx, repo)
	if err != nil {
		return model.ShardDescriptor{}, err
	}

	var size int64
	for _, seg := range m.Segments {
		size += seg.Size
	}

	return model.ShardDescriptor{
		ShardID:         m.ShardID,
		RepoID:          repo,
		KeyID:           m.KeyID,
		SizeBytes:       size,
		LastCompactedAt: time.Unix(0, sh.lastCompacted.Load()),
		Quarantined:     sh.quarantined.Load(),
		ResealPending:   sh.resealPending.Load() || m.ResealPending,
	}, nil
}

func newShardID() model.ShardID {
	return model.ShardID("shard-" + ksuid.New().String())
}
