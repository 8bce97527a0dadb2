// Package vecvault provides an encrypted, audit-chained embedding store for Go.
//
// Vecvault persists embedding batches as sealed segment blobs, one shard per
// repository, with production-ready features including:
//
//   - Envelope encryption (AES-256-GCM or ChaCha20-Poly1305) with per-repo keys
//   - Key rotation with lazy re-seal during compaction
//   - Hash-chained append-only audit ledger with tamper verification
//   - MVCC manifests: queries never block writes, writes never block queries
//   - Metadata filtering with Roaring Bitmap-based inverted index
//   - Crash-safe retry buffering of writes during backend outages
//   - Ordered background replay once the backend recovers
//   - Pluggable blob backends: local filesystem, S3, MinIO
//
// # Quick Start
//
//	ctx := context.Background()
//	v, err := vecvault.New("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer v.Close()
//
//	receipt, err := v.Put(ctx, &model.EmbeddingBatch{
//	    Repo:      "acme/website",
//	    ID:        1,
//	    Dimension: 128,
//	    Vectors:   vectors,
//	}, model.ManifestDiff{Added: []model.BatchID{1}})
//
//	results, err := v.Query(ctx, model.QueryCriteria{
//	    Repo:   "acme/website",
//	    Vector: query,
//	    K:      10,
//	})
//
// Writes accepted while the blob backend is unreachable come back with
// receipt.Buffered set; the background replay worker commits them in order
// once the backend recovers. Call Flush to force a replay pass.
package vecvault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/envelope"
	"github.com/hupe1980/vecvault/internal/fs"
	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/ledger"
	"github.com/hupe1980/vecvault/model"
	"github.com/hupe1980/vecvault/replay"
	"github.com/hupe1980/vecvault/store"
)

// Vault is the top-level handle tying together keys, sealing, the audit
// ledger, the shard store and replay.
type Vault struct {
	keys        *keyring.Manager
	engine      *envelope.Engine
	audit       *ledger.Writer
	store       *store.Store
	coordinator *replay.Coordinator
	metrics     MetricsCollector
	logger      *Logger

	// snapshotPath is where the retry buffer is persisted across restarts.
	// Empty when the vault runs on an externally provided blob store only.
	snapshotPath string

	closeOnce sync.Once
	closeErr  error
}

// New opens (or creates) a vault rooted at dataDir. The directory holds the
// segment blobs, the audit ledger and the retry buffer snapshot; pass
// WithBlobStore to keep segments elsewhere while the ledger stays local.
//
// A retry buffer snapshot left behind by a previous process is restored and
// its entries replay in their original order.
func New(dataDir string, optFns ...Option) (*Vault, error) {
	o := applyOptions(optFns)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	blobs := o.blobs
	if blobs == nil {
		blobs = blobstore.NewLocalStore(filepath.Join(dataDir, "blobs"))
	}

	audit, err := ledger.Open(filepath.Join(dataDir, "ledger"), o.ledgerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	keys := keyring.New(append([]func(*keyring.Options){func(ko *keyring.Options) {
		ko.Sink = audit
		ko.Logger = o.logger.Logger
	}}, o.keyringOptions...)...)

	engine := envelope.New(func(eo *envelope.Options) {
		eo.Suite = o.suite
	})

	st, err := store.New(append([]func(*store.Options){func(so *store.Options) {
		so.Blobs = blobs
		so.Keys = keys
		so.Ledger = audit
		so.Engine = engine
		so.Logger = o.logger.Logger
	}}, o.storeOptions...)...)
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	v := &Vault{
		keys:         keys,
		engine:       engine,
		audit:        audit,
		store:        st,
		metrics:      o.metricsCollector,
		logger:       o.logger,
		snapshotPath: filepath.Join(dataDir, "replay.snapshot"),
	}

	if err := v.restoreBufferSnapshot(); err != nil {
		_ = audit.Close()
		return nil, err
	}

	committer := &meteredCommitter{store: st, metrics: o.metricsCollector}
	v.coordinator = replay.NewCoordinator(st.Buffer(), committer, o.coordinatorOptions...)
	if !o.disableReplay {
		v.coordinator.Start()
	}

	return v, nil
}

// Put seals a batch and commits it to its repository's shard. When the blob
// backend is unreachable the write is absorbed by the retry buffer and the
// returned receipt carries Buffered=true.
func (v *Vault) Put(ctx context.Context, batch *model.EmbeddingBatch, diff model.ManifestDiff) (*model.StoreWriteReceipt, error) {
	start := time.Now()

	receipt, err := v.store.Put(ctx, batch, diff)

	buffered := receipt != nil && receipt.Buffered
	v.metrics.RecordPut(time.Since(start), buffered, err)
	v.logger.LogPut(ctx, batch.Repo, batch.ID, buffered, err)

	return receipt, err
}

// Query runs a similarity query against one repository. Results are ordered
// by score with deterministic tie-breaks, so two queries observing the same
// commit version return identical orderings.
func (v *Vault) Query(ctx context.Context, criteria model.QueryCriteria) (*model.QueryResultSet, error) {
	start := time.Now()

	rs, err := v.store.Query(ctx, criteria)

	found := 0
	if rs != nil {
		found = len(rs.Results)
	}

	v.metrics.RecordQuery(criteria.K, time.Since(start), err)
	v.logger.LogQuery(ctx, criteria.Repo, criteria.K, found, err)

	return rs, err
}

// Compact merges the repository's segments, re-sealing them under the
// current key when a rotation is pending. Compaction defers (report.Deferred)
// while a rotation for the repository is in progress.
func (v *Vault) Compact(ctx context.Context, repo model.RepoID, policy model.CompactionPolicy) (model.CompactionReport, error) {
	start := time.Now()

	report, err := v.store.Compact(ctx, repo, policy)

	v.metrics.RecordCompaction(time.Since(start), report.Deferred, err)
	v.logger.LogCompaction(ctx, repo, report, err)

	return report, err
}

// RotateKeys advances per-repository keys and marks the affected shards for
// re-seal on their next compaction. Partial failure is reported, not
// returned as an error.
func (v *Vault) RotateKeys(ctx context.Context, schedule model.RotationSchedule) model.RotationReport {
	report := v.store.RotateKeys(schedule)

	v.metrics.RecordRotation(len(report.Succeeded), len(report.Failed))
	v.logger.LogRotation(ctx, report)

	return report
}

// Export streams every sealed record of a repository without decrypting it.
func (v *Vault) Export(ctx context.Context, repo model.RepoID, fn func(rec store.ExportRecord) error) error {
	return v.store.Export(ctx, repo, fn)
}

// Describe reports shard-level state for a repository.
func (v *Vault) Describe(ctx context.Context, repo model.RepoID) (model.ShardDescriptor, error) {
	return v.store.Describe(ctx, repo)
}

// Verify recomputes the repository's audit chain and reports the first break,
// if any. Entries before a break remain trustworthy.
func (v *Vault) Verify(ctx context.Context, repo model.RepoID) (ledger.VerificationReport, error) {
	report, err := v.audit.Verify(repo)
	if err == nil {
		v.logger.LogVerification(ctx, repo, report.OK, report.FirstBroken)
	}
	return report, err
}

// Reconcile clears the repository's ledger poison marker after an operator
// has repaired or accepted the underlying divergence.
func (v *Vault) Reconcile(repo model.RepoID) {
	v.audit.Reconcile(repo)
}

// AuditTrail returns the repository's ledger entries in sequence order.
func (v *Vault) AuditTrail(repo model.RepoID) ([]ledger.Entry, error) {
	return v.audit.Entries(repo)
}

// Attestations returns the key lifecycle attestations recorded for a
// repository.
func (v *Vault) Attestations(repo model.RepoID) ([]keyring.Attestation, error) {
	return v.audit.Attestations(repo)
}

// Flush runs one synchronous replay pass over the retry buffer.
func (v *Vault) Flush(ctx context.Context) {
	v.coordinator.DrainOnce(ctx)
}

// BufferedWrites reports the number of writes waiting in the retry buffer.
func (v *Vault) BufferedWrites() int {
	return v.store.Buffer().Len()
}

// Keys exposes the key manager, e.g. to inspect the current handle of a
// repository.
func (v *Vault) Keys() *keyring.Manager { return v.keys }

// Close stops the replay worker, persists any still-buffered writes to the
// snapshot file and closes the ledger. It is safe to call more than once.
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		if err := v.coordinator.Close(); err != nil && v.closeErr == nil {
			v.closeErr = err
		}
		if err := v.persistBufferSnapshot(); err != nil && v.closeErr == nil {
			v.closeErr = err
		}
		if err := v.audit.Close(); err != nil && v.closeErr == nil {
			v.closeErr = err
		}
	})
	return v.closeErr
}

func (v *Vault) restoreBufferSnapshot() error {
	data, err := os.ReadFile(v.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read buffer snapshot: %w", err)
	}

	start := time.Now()
	rerr := v.store.Buffer().Restore(data)
	v.logger.LogRestore(context.Background(), v.store.Buffer().Len(), time.Since(start), rerr)
	if rerr != nil {
		return fmt.Errorf("failed to restore buffer snapshot: %w", rerr)
	}

	// The snapshot is consumed; a fresh one is written on Close.
	if err := os.Remove(v.snapshotPath); err != nil {
		return fmt.Errorf("failed to remove buffer snapshot: %w", err)
	}

	return nil
}

func (v *Vault) persistBufferSnapshot() error {
	buffer := v.store.Buffer()
	if buffer.Len() == 0 && buffer.InFlight() == 0 {
		return nil
	}

	data, err := buffer.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot buffer: %w", err)
	}

	if err := fs.WriteFileAtomic(v.snapshotPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write buffer snapshot: %w", err)
	}

	return nil
}

// meteredCommitter wraps the store's replay commit with metrics.
type meteredCommitter struct {
	store   *store.Store
	metrics MetricsCollector
}

func (m *meteredCommitter) Commit(ctx context.Context, e *replay.Entry) error {
	if err := m.store.Commit(ctx, e); err != nil {
		m.metrics.RecordReplay(0, 1)
		return err
	}
	m.metrics.RecordReplay(1, 0)
	return nil
}
