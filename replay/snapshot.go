package replay

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/hupe1980/vecvault/codec"
	"github.com/hupe1980/vecvault/metadata"
	"github.com/hupe1980/vecvault/model"
)

// snapshotRecord is one NDJSON line of a buffer snapshot.
type snapshotRecord struct {
	Sequence   uint64             `json:"sequence"`
	RepoID     model.RepoID       `json:"repo_id"`
	DelayedMS  int64              `json:"delayed_ms"`
	EnqueuedAt int64              `json:"enqueued_at"` // Unix milliseconds
	Checksum   string             `json:"checksum"`
	Attempts   int                `json:"attempts,omitempty"`
	Payload    []byte             `json:"payload,omitempty"` // base64 via JSON encoding
	Blob       string             `json:"blob,omitempty"`
	Batch      *batchRecord       `json:"batch,omitempty"`
	Diff       model.ManifestDiff `json:"diff"`
}

// batchRecord persists a seal-pending batch.
type batchRecord struct {
	Repo      model.RepoID        `json:"repo"`
	ID        model.BatchID       `json:"id"`
	Dimension int                 `json:"dimension"`
	Vectors   [][]float32         `json:"vectors"`
	Payloads  [][]byte            `json:"payloads,omitempty"`
	Metadata  []metadata.Document `json:"metadata,omitempty"`
}

// Snapshot serializes every unresolved entry, queued and in-flight alike, as
// newline-delimited JSON ordered by sequence. The result is suitable for
// crash recovery via Restore.
func (b *Buffer) Snapshot() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	entries := make([]*Entry, 0, len(b.queued)+len(b.inflight))
	entries = append(entries, b.queued...)
	for _, e := range b.inflight {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	var buf bytes.Buffer
	for _, e := range entries {
		rec := snapshotRecord{
			Sequence:   e.Sequence,
			RepoID:     e.Repo,
			DelayedMS:  now.Sub(e.EnqueuedAt).Milliseconds(),
			EnqueuedAt: e.EnqueuedAt.UnixMilli(),
			Checksum:   e.Checksum,
			Attempts:   e.AttemptCount,
			Payload:    e.Payload,
			Blob:       e.Blob,
			Diff:       e.Diff,
		}
		// Sealed entries never persist their plaintext batch; the payload is
		// all replay needs and all that may touch disk.
		if e.Batch != nil && e.Payload == nil {
			rec.Batch = &batchRecord{
				Repo:      e.Batch.Repo,
				ID:        e.Batch.ID,
				Dimension: e.Batch.Dimension,
				Vectors:   e.Batch.Vectors,
				Payloads:  e.Batch.Payloads,
				Metadata:  e.Batch.Metadata,
			}
		}

		line, err := codec.Default.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode snapshot record %d: %w", e.Sequence, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

// Restore rebuilds the queued set from a snapshot. Records whose payload does
// not match its checksum are dropped with a warning rather than replayed
// corrupted. The sequence counter resumes past the highest restored sequence.
func (b *Buffer) Restore(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec snapshotRecord
		if err := codec.Default.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("failed to decode snapshot record: %w", err)
		}

		if rec.Payload != nil && rec.Checksum != "" {
			sum := blake3.Sum256(rec.Payload)
			if hex.EncodeToString(sum[:]) != rec.Checksum {
				b.logger.Warn("dropping corrupted snapshot record", "repo", rec.RepoID, "sequence", rec.Sequence)
				continue
			}
		}

		e := &Entry{
			Sequence:     rec.Sequence,
			Repo:         rec.RepoID,
			Payload:      rec.Payload,
			Blob:         rec.Blob,
			Checksum:     rec.Checksum,
			Diff:         rec.Diff,
			EnqueuedAt:   time.UnixMilli(rec.EnqueuedAt),
			AttemptCount: rec.Attempts,
		}
		if rec.Batch != nil {
			e.Batch = &model.EmbeddingBatch{
				Repo:      rec.Batch.Repo,
				ID:        rec.Batch.ID,
				Dimension: rec.Batch.Dimension,
				Vectors:   rec.Batch.Vectors,
				Payloads:  rec.Batch.Payloads,
				Metadata:  rec.Batch.Metadata,
			}
		}

		b.insertLocked(e)

		if e.Sequence >= b.nextSeq {
			b.nextSeq = e.Sequence + 1
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan snapshot: %w", err)
	}

	if len(b.queued) > 0 {
		b.notifyLocked()
	}

	return nil
}

// Checksum computes the hex blake3 digest used for entry payloads.
func Checksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
