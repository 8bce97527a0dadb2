// Package model defines the core value types shared across the persistence
// and replay components.
package model

import (
	"fmt"
	"time"

	"github.com/hupe1980/vecvault/distance"
	"github.com/hupe1980/vecvault/metadata"
)

// RepoID identifies a repository. All ordering and key-scoping guarantees are
// per repository; nothing may be assumed about ordering across repositories.
type RepoID string

// BatchID is the stable identifier of an embedding batch within a repository.
// IDs are assigned by the ingestion pipeline and are monotonically increasing,
// which is what makes query tie-breaking deterministic.
type BatchID uint64

// ShardID identifies a repository-scoped storage shard.
// IDs are k-sortable so that blob listings enumerate in creation order.
type ShardID string

// EmbeddingBatch is one ingestion unit handed to the store.
type EmbeddingBatch struct {
	Repo      RepoID
	ID        BatchID
	Dimension int
	Vectors   [][]float32
	// Payloads holds optional opaque per-vector user data. If non-nil it must
	// have the same length as Vectors.
	Payloads [][]byte
	// Metadata holds optional per-vector documents. If non-nil it must have
	// the same length as Vectors.
	Metadata []metadata.Document
}

// Validate checks structural invariants of the batch.
func (b *EmbeddingBatch) Validate() error {
	if b.Repo == "" {
		return fmt.Errorf("batch %d: empty repo id", b.ID)
	}
	if len(b.Vectors) == 0 {
		return fmt.Errorf("batch %d: no vectors", b.ID)
	}
	for i, v := range b.Vectors {
		if len(v) != b.Dimension {
			return fmt.Errorf("batch %d: vector %d has dimension %d, want %d", b.ID, i, len(v), b.Dimension)
		}
	}
	if b.Payloads != nil && len(b.Payloads) != len(b.Vectors) {
		return fmt.Errorf("batch %d: %d payloads for %d vectors", b.ID, len(b.Payloads), len(b.Vectors))
	}
	if b.Metadata != nil && len(b.Metadata) != len(b.Vectors) {
		return fmt.Errorf("batch %d: %d metadata documents for %d vectors", b.ID, len(b.Metadata), len(b.Vectors))
	}
	return nil
}

// ManifestDiff describes the embeddings added or removed by one batch.
type ManifestDiff struct {
	Added   []BatchID `json:"added,omitempty"`
	Removed []BatchID `json:"removed,omitempty"`
	// Pointer is the opaque manifest pointer recorded in the audit ledger.
	Pointer string `json:"pointer"`
}

// StoreWriteReceipt is the proof of an accepted write. It is immutable once
// issued.
//
// A receipt does not always mean the write is durable in the shard: when the
// backend is unreachable the write is absorbed by the replay buffer and the
// receipt carries Buffered=true with an AuditPointer naming the buffered
// sequence. Callers must treat both forms as equally accepted.
type StoreWriteReceipt struct {
	ShardID      ShardID
	BatchID      BatchID
	CommitTS     time.Time
	Checksum     string
	AuditPointer string
	Buffered     bool
}

// ShardDescriptor describes a repository's storage shard.
type ShardDescriptor struct {
	ShardID         ShardID
	RepoID          RepoID
	KeyID           string
	SizeBytes       int64
	LastCompactedAt time.Time
	Quarantined     bool
	// ResealPending marks the shard for lazy re-seal under the current key on
	// the next compaction, set by a key rotation.
	ResealPending bool
}

// QueryCriteria describes a similarity query against one repository.
type QueryCriteria struct {
	Repo   RepoID
	Vector []float32
	K      int
	Metric distance.Metric
	Filter *metadata.FilterSet

	IncludeVector   bool
	IncludePayload  bool
	IncludeMetadata bool
}

// QueryResult is a single scored match.
type QueryResult struct {
	BatchID BatchID
	// Index is the vector's position within its batch.
	Index    int
	Score    float32
	Vector   []float32
	Payload  []byte
	Metadata metadata.Document
}

// QueryResultSet holds the ordered results of a query together with the shard
// commit version the query ran against.
type QueryResultSet struct {
	Results []QueryResult
	// Version is the shard commit version observed at query start. Two
	// queries observing the same version return identical result orderings.
	Version uint64
}

// CompactionPolicy controls segment merging.
type CompactionPolicy struct {
	// MinSegments is the minimum number of live segments before compaction
	// does any work. Zero means compact whenever more than one segment exists.
	MinSegments int
	// KeyCurrency forces re-sealing of merged data under the repository's
	// current key even if the shard is not marked reseal-pending.
	KeyCurrency bool
}

// CompactionReport describes the outcome of one compaction run.
type CompactionReport struct {
	ShardID        ShardID
	SegmentsBefore int
	SegmentsAfter  int
	BytesReclaimed int64
	Resealed       bool
	// Deferred is true when compaction stepped aside for an active key
	// rotation and should be retried.
	Deferred bool
}

// RotationSchedule selects the repositories whose keys should advance.
type RotationSchedule struct {
	// Repos lists the repositories to rotate. Empty means every provisioned
	// repository.
	Repos []RepoID
	// MinEpochAge skips repositories whose active key is younger than this.
	MinEpochAge time.Duration
}

// RotationFailure names one repository whose rotation failed.
type RotationFailure struct {
	Repo   RepoID
	Reason string
}

// RotationReport lists the per-repository outcome of a rotation pass.
// Partial failure is an expected outcome, not an error: callers inspect
// Failed and retry those repositories.
type RotationReport struct {
	Succeeded []RepoID
	Failed    []RotationFailure
}
