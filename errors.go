package vecvault

import (
	"github.com/hupe1980/vecvault/envelope"
	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/replay"
	"github.com/hupe1980/vecvault/store"
)

// Re-exported sentinel errors, so callers matching with errors.Is rarely need
// to import the subpackages.
var (
	// ErrStorageUnavailable is returned when a write can neither commit nor
	// be absorbed by the retry buffer.
	ErrStorageUnavailable = store.ErrStorageUnavailable

	// ErrDegradedRead is returned when a query cannot reach the blob backend.
	ErrDegradedRead = store.ErrDegradedRead

	// ErrRotationInProgress is returned by Compact while the repository's
	// keys are rotating; retry after the rotation completes.
	ErrRotationInProgress = store.ErrRotationInProgress

	// ErrShardQuarantined is returned once a shard failed an integrity check.
	ErrShardQuarantined = store.ErrShardQuarantined

	// ErrUnknownRepo is returned for repositories that never committed data.
	ErrUnknownRepo = store.ErrUnknownRepo

	// ErrBufferOverflow is returned by the retry buffer when every resident
	// entry is already in flight and nothing can be evicted.
	ErrBufferOverflow = replay.ErrBufferOverflow

	// ErrUnknownKey is returned when sealed data references a key the
	// keyring does not hold.
	ErrUnknownKey = keyring.ErrUnknownKey
)

// CorruptionError is returned when a shard fails an integrity check; the
// shard is quarantined, never silently dropped.
type CorruptionError = store.CorruptionError

// IsDecryptError reports whether err is a decryption failure of the given
// kind, e.g. envelope.TagMismatch.
func IsDecryptError(err error, kind envelope.DecryptErrorKind) bool {
	return envelope.IsDecryptError(err, kind)
}
