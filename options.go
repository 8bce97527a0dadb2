package vecvault

import (
	"log/slog"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/envelope"
	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/ledger"
	"github.com/hupe1980/vecvault/replay"
	"github.com/hupe1980/vecvault/store"
)

type options struct {
	blobs              blobstore.BlobStore
	suite              envelope.Suite
	keyringOptions     []func(*keyring.Options)
	ledgerOptions      []func(*ledger.Options)
	storeOptions       []func(*store.Options)
	coordinatorOptions []func(*replay.CoordinatorOptions)
	metricsCollector   MetricsCollector
	logger             *Logger
	disableReplay      bool
}

// Option configures Vault constructor behavior.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. backend-specific constructor variants).
type Option func(*options)

// WithBlobStore overrides the segment/manifest backend. By default segments
// live on the local filesystem under the vault's data directory; pass an S3
// or MinIO backed store for remote durability.
func WithBlobStore(blobs blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobs = blobs
	}
}

// WithCipherSuite selects the AEAD suite used for new seals. Existing data
// remains readable regardless; an envelope carries everything needed to open
// it apart from the key material.
func WithCipherSuite(suite envelope.Suite) Option {
	return func(o *options) {
		o.suite = suite
	}
}

// WithKeyring forwards configuration to the key manager, e.g. to install a
// KMS-backed key provider or adjust the key TTL.
//
// Example:
//
//	vecvault.WithKeyring(func(o *keyring.Options) {
//	    o.Provider = myKMSProvider
//	    o.KeyTTL = 30 * 24 * time.Hour
//	})
func WithKeyring(optFns ...func(*keyring.Options)) Option {
	return func(o *options) {
		o.keyringOptions = append(o.keyringOptions, optFns...)
	}
}

// WithLedger forwards configuration to the audit ledger writer.
func WithLedger(optFns ...func(*ledger.Options)) Option {
	return func(o *options) {
		o.ledgerOptions = append(o.ledgerOptions, optFns...)
	}
}

// WithStore forwards configuration to the shard store, e.g. compression,
// retry policy, resource limits or the retry buffer.
//
// Example:
//
//	vecvault.WithStore(func(o *store.Options) {
//	    o.Compression = store.CompressionLZ4
//	    o.MaxRetries = 5
//	})
func WithStore(optFns ...func(*store.Options)) Option {
	return func(o *options) {
		o.storeOptions = append(o.storeOptions, optFns...)
	}
}

// WithReplay forwards configuration to the replay coordinator, e.g. poll
// interval or commit rate limiting.
func WithReplay(optFns ...func(*replay.CoordinatorOptions)) Option {
	return func(o *options) {
		o.coordinatorOptions = append(o.coordinatorOptions, optFns...)
	}
}

// WithoutReplayWorker disables the background replay worker. Buffered writes
// then only commit through explicit Flush calls. Useful in tests and in
// programs that schedule replay themselves.
func WithoutReplayWorker() Option {
	return func(o *options) {
		o.disableReplay = true
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vecvault.BasicMetricsCollector{}
//	v, _ := vecvault.New(dir, vecvault.WithMetricsCollector(metrics))
//	// ... use v ...
//	stats := metrics.GetStats()
//	fmt.Printf("Puts: %d, Avg latency: %dns\n", stats.PutCount, stats.PutAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecvault.NewJSONLogger(slog.LevelInfo)
//	v, _ := vecvault.New(dir, vecvault.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
