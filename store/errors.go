package store

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecvault/model"
)

var (
	// ErrStorageUnavailable is returned by Put only when the backend is down
	// and the retry buffer rejected the write. This is the single case in
	// which a put surfaces backend unavailability to the caller.
	ErrStorageUnavailable = errors.New("storage unavailable and retry buffer exhausted")

	// ErrDegradedRead is returned by Query when the backend could not serve
	// the shard after bounded retries.
	ErrDegradedRead = errors.New("degraded read: shard backend unavailable")

	// ErrRotationInProgress defers compaction while the repository's key is
	// being rotated.
	ErrRotationInProgress = errors.New("key rotation in progress")

	// ErrShardQuarantined rejects operations against a shard that failed
	// checksum validation. The shard's data is retained for inspection.
	ErrShardQuarantined = errors.New("shard quarantined")

	// ErrUnknownRepo is returned for repositories with no shard.
	ErrUnknownRepo = errors.New("unknown repository")
)

// CorruptionError reports a shard whose segment data failed checksum
// validation. The shard is quarantined, never deleted.
type CorruptionError struct {
	Shard   model.ShardID
	Segment string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("shard %s: segment %s failed checksum validation", e.Shard, e.Segment)
}
