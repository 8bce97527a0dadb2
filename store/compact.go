package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/manifest"
	"github.com/hupe1980/vecvault/model"
)

// Compact merges the repository's segments into one.
//
// Merging normally moves sealed records verbatim, with no decryption. When
// the policy demands key currency or the shard is marked reseal-pending, the
// records are opened and re-sealed under the repository's current key
// instead, which is how rotated keys become effective for data at rest.
//
// Compaction steps aside while a rotation for the repository is active and
// reports Deferred with ErrRotationInProgress.
func (s *Store) Compact(ctx context.Context, repo model.RepoID, policy model.CompactionPolicy) (model.CompactionReport, error) {
	sh, err := s.lookupShard(ctx, repo)
	if err != nil {
		return model.CompactionReport{}, err
	}
	if sh.quarantined.Load() {
		return model.CompactionReport{}, fmt.Errorf("%w: %s", ErrShardQuarantined, repo)
	}
	if sh.rotating.Load() {
		return model.CompactionReport{Deferred: true}, ErrRotationInProgress
	}

	if err := s.resources.AcquireCompaction(ctx); err != nil {
		return model.CompactionReport{}, err
	}
	defer s.resources.ReleaseCompaction()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sv, err := s.versionLocked(ctx, sh)
	if err != nil {
		return model.CompactionReport{}, err
	}

	m := sv.manifest
	report := model.CompactionReport{
		ShardID:        m.ShardID,
		SegmentsBefore: len(m.Segments),
		SegmentsAfter:  len(m.Segments),
	}

	minSegments := policy.MinSegments
	if minSegments < 2 {
		minSegments = 2
	}

	reseal := policy.KeyCurrency || sh.resealPending.Load() || m.ResealPending

	if len(m.Segments) < minSegments && !reseal {
		return report, nil
	}
	if len(m.Segments) == 0 {
		return report, nil
	}

	var (
		merged []segmentRecord
		keyID  string
	)

	if reseal {
		handle, err := s.keys.Current(repo)
		if err != nil {
			return report, fmt.Errorf("failed to resolve current key: %w", err)
		}
		keyID = handle.KeyID

		for i, records := range sv.segments {
			for _, rec := range records {
				payload, err := s.openRecord(&rec, repo, sv.compressions[i])
				if err != nil {
					return report, err
				}
				resealed, err := s.sealPayload(payload, handle)
				if err != nil {
					return report, err
				}
				merged = append(merged, newRecord(rec.BatchID, resealed))
			}
		}
	} else {
		keyID = m.KeyID
		for _, records := range sv.segments {
			merged = append(merged, records...)
		}
	}

	segName := segmentPath(repo, newSegmentName())
	segBytes := encodeSegment(s.compression, merged)

	if err := s.resources.AcquireIO(ctx, len(segBytes)); err != nil {
		return report, err
	}
	if err := s.withRetries(ctx, func() error {
		return s.blobs.Put(ctx, segName, segBytes)
	}); err != nil {
		return report, err
	}

	var (
		batches []model.BatchID
		oldSize int64
	)
	for _, seg := range m.Segments {
		oldSize += seg.Size
	}
	for _, rec := range merged {
		batches = append(batches, rec.BatchID)
	}
	// The manifest's per-segment counts may still include rows of batches
	// removed since the segment was written; the snapshot row index holds
	// exactly the rows the merged segment carries.
	rows := uint32(len(sv.rows))

	next := m.Clone()
	oldSegments := next.Segments
	next.Segments = []manifest.SegmentInfo{{
		Path:    segName,
		KeyID:   keyID,
		Batches: batches,
		Rows:    rows,
		Size:    int64(len(segBytes)),
	}}
	next.KeyID = keyID
	next.ResealPending = false

	if err := s.withRetries(ctx, func() error {
		return s.manifests.Save(ctx, next)
	}); err != nil {
		return report, err
	}
	if _, err := s.ledger.Append(next.Pointer(), repo); err != nil {
		return report, err
	}

	// Old segments are unreferenced after the pointer swap; in-memory readers
	// holding the previous version keep their parsed copies.
	for _, seg := range oldSegments {
		if err := s.blobs.Delete(ctx, seg.Path); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn("failed to reclaim segment", "repo", repo, "segment", seg.Path, "error", err)
		}
	}

	sh.current.Store(nil)
	sh.resealPending.Store(false)
	sh.lastCompacted.Store(time.Now().UnixNano())

	report.SegmentsAfter = 1
	report.BytesReclaimed = oldSize - int64(len(segBytes))
	report.Resealed = reseal

	s.logger.Info("shard compacted",
		"repo", repo,
		"segments_before", report.SegmentsBefore,
		"resealed", reseal,
		"bytes_reclaimed", report.BytesReclaimed,
	)

	return report, nil
}

// sealPayload re-encodes and seals an opened batch payload.
func (s *Store) sealPayload(p *batchPayload, handle keyring.KeyHandle) ([]byte, error) {
	plaintext, err := encodePayloadStruct(p)
	if err != nil {
		return nil, err
	}

	compressed, err := compress(s.compression, plaintext)
	if err != nil {
		return nil, err
	}

	env, err := s.engine.Seal(compressed, handle)
	if err != nil {
		return nil, err
	}

	return env.Encode()
}

// RotateKeys advances keys per the schedule and marks the affected shards
// reseal-pending so the next compaction rewrites their data under the new
// keys. Compaction is deferred for a repository while its rotation runs.
func (s *Store) RotateKeys(schedule model.RotationSchedule) model.RotationReport {
	repos := schedule.Repos
	if len(repos) == 0 {
		repos = s.keys.Repos()
	}

	for _, repo := range repos {
		s.getShard(repo).rotating.Store(true)
	}
	defer func() {
		for _, repo := range repos {
			s.getShard(repo).rotating.Store(false)
		}
	}()

	report := s.keys.Rotate(schedule)

	for _, repo := range report.Succeeded {
		s.getShard(repo).resealPending.Store(true)
	}

	return report
}

// ExportRecord is one sealed record streamed by Export.
type ExportRecord struct {
	Segment  string
	BatchID  model.BatchID
	Sealed   []byte
	Checksum string
}

// Export streams every sealed record of the repository without decrypting
// anything. The sealed bytes go out exactly as stored, checksum included, so
// a remote party can verify integrity and, given the keys, recover content.
func (s *Store) Export(ctx context.Context, repo model.RepoID, fn func(rec ExportRecord) error) error {
	sh, err := s.lookupShard(ctx, repo)
	if err != nil {
		return err
	}
	if sh.quarantined.Load() {
		return fmt.Errorf("%w: %s", ErrShardQuarantined, repo)
	}

	m, err := s.manifests.Load(ctx, repo)
	if err != nil {
		return err
	}

	for _, seg := range m.Segments {
		data, err := blobstore.ReadAll(ctx, s.blobs, seg.Path)
		if err != nil {
			return fmt.Errorf("failed to read segment %s: %w", seg.Path, err)
		}

		if err := s.resources.AcquireIO(ctx, len(data)); err != nil {
			return err
		}

		_, records, err := parseSegment(data)
		if err != nil {
			sh.quarantined.Store(true)
			return &CorruptionError{Shard: m.ShardID, Segment: seg.Path}
		}

		live := liveBatches(seg)
		for _, rec := range records {
			if !live[rec.BatchID] {
				continue
			}
			if err := fn(ExportRecord{
				Segment:  seg.Path,
				BatchID:  rec.BatchID,
				Sealed:   rec.Sealed,
				Checksum: rec.ChecksumHex(),
			}); err != nil {
				return err
			}
		}
	}

	return nil
}
