// Package ledger maintains the tamper-evident audit log binding every durable
// write to a per-repository hash chain.
//
// The chain is an append-only indexed log: each entry stores the value of the
// previous entry's hash, never a reference, and verification simply walks the
// sequence from genesis. Sequences are strictly increasing and gapless per
// repository; a gap or a hash mismatch is tamper evidence, not a recoverable
// error, and poisons the repository against further appends until it is
// explicitly reconciled.
package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/model"
)

// HashSize is the chain hash length in bytes.
const HashSize = 32

// genesisHash is the hash_prev of a repository's first entry.
var genesisHash [HashSize]byte

const (
	chainBucketPrefix  = "chain:"
	attestBucketPrefix = "attest:"
	ledgerFileName     = "ledger.db"
)

// Entry is one chained audit record. Entries are appended once and never
// mutated; a sequence is never reused.
type Entry struct {
	Sequence        uint64
	Repo            model.RepoID
	ManifestPointer string
	Timestamp       time.Time
	HashPrev        [HashSize]byte
	HashSelf        [HashSize]byte
}

// AuditPointer returns the stable pointer string recorded in write receipts.
func (e Entry) AuditPointer() string {
	return fmt.Sprintf("ledger:%s/%d", e.Repo, e.Sequence)
}

// SequenceGapError reports tamper evidence in a repository's chain.
type SequenceGapError struct {
	Repo model.RepoID
	// Sequence is the first broken sequence number.
	Sequence uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("ledger chain for repo %q broken at sequence %d", e.Repo, e.Sequence)
}

// VerificationReport is the result of walking a repository's chain.
type VerificationReport struct {
	Repo    model.RepoID
	Entries int
	OK      bool
	// FirstBroken is the first sequence whose stored hash does not match a
	// recomputation (or the first missing sequence). Zero when OK.
	FirstBroken uint64
	// Untrusted lists every sequence at or after FirstBroken. Entries before
	// the break remain trustworthy.
	Untrusted []uint64
}

// Options contains configuration for the Writer.
type Options struct {
	// Logger for append and verification events.
	Logger *slog.Logger
}

// DefaultOptions returns default Writer options.
var DefaultOptions = Options{}

type repoState struct {
	mu       sync.Mutex
	loaded   bool
	nextSeq  uint64
	headHash [HashSize]byte
	poisoned bool
	poisonAt uint64
}

// Writer appends entries to the hash-chained audit log.
//
// Appends to a single repository are serialized; appends to different
// repositories proceed independently. An append is atomic: the entry is
// either fully durable with an updated chain head or not recorded at all.
type Writer struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	repos map[model.RepoID]*repoState
}

// Open opens (creating if needed) the ledger database in dir.
func Open(dir string, optFns ...func(o *Options)) (*Writer, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, ledgerFileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	return &Writer{
		db:     db,
		logger: opts.Logger,
		now:    time.Now,
		repos:  make(map[model.RepoID]*repoState),
	}, nil
}

// Close closes the underlying database.
func (w *Writer) Close() error {
	return w.db.Close()
}

func (w *Writer) state(repo model.RepoID) *repoState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.repos[repo]
	if !ok {
		st = &repoState{}
		w.repos[repo] = st
	}
	return st
}

// Append assigns the next sequence for repo, chains the entry hash onto the
// repository's head, and persists the entry before returning it.
func (w *Writer) Append(manifestPointer string, repo model.RepoID) (Entry, error) {
	if repo == "" {
		return Entry{}, fmt.Errorf("empty repo id")
	}

	st := w.state(repo)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.poisoned {
		return Entry{}, &SequenceGapError{Repo: repo, Sequence: st.poisonAt}
	}
	if !st.loaded {
		if err := w.loadHeadLocked(repo, st); err != nil {
			return Entry{}, err
		}
	}

	entry := Entry{
		Sequence:        st.nextSeq,
		Repo:            repo,
		ManifestPointer: manifestPointer,
		Timestamp:       w.now(),
		HashPrev:        st.headHash,
	}
	entry.HashSelf = chainHash(entry.HashPrev, canonicalBytes(entry))

	err := w.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(chainBucket(repo))
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(entry.Sequence), encodeEntry(entry))
	})
	if err != nil {
		// The transaction rolled back; the in-memory head is untouched, so
		// the caller can retry or buffer without creating a gap.
		return Entry{}, fmt.Errorf("failed to append ledger entry for repo %q: %w", repo, err)
	}

	st.nextSeq++
	st.headHash = entry.HashSelf
	w.logger.Debug("ledger entry appended", "repo", repo, "sequence", entry.Sequence)
	return entry, nil
}

// Verify walks the chain for repo from genesis and recomputes every hash.
// On a break it reports the first broken sequence, marks every later entry
// untrusted, and poisons the repository against further appends.
func (w *Writer) Verify(repo model.RepoID) (VerificationReport, error) {
	report := VerificationReport{Repo: repo, OK: true}

	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chainBucket(repo))
		if b == nil {
			return nil
		}

		prev := genesisHash
		expectSeq := uint64(1)
		broken := uint64(0)

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			report.Entries++

			if broken != 0 {
				report.Untrusted = append(report.Untrusted, seq)
				continue
			}

			entry, err := decodeEntry(repo, seq, v)
			switch {
			case seq != expectSeq:
				// Gap: the expected sequence is the broken one.
				broken = expectSeq
			case err != nil:
				broken = seq
			case entry.HashPrev != prev:
				broken = seq
			case chainHash(prev, canonicalBytes(entry)) != entry.HashSelf:
				broken = seq
			default:
				prev = entry.HashSelf
				expectSeq++
				continue
			}

			report.Untrusted = append(report.Untrusted, seq)
		}

		if broken != 0 {
			report.OK = false
			report.FirstBroken = broken
		}
		return nil
	})
	if err != nil {
		return VerificationReport{}, fmt.Errorf("failed to verify ledger for repo %q: %w", repo, err)
	}

	if !report.OK {
		st := w.state(repo)
		st.mu.Lock()
		st.poisoned = true
		st.poisonAt = report.FirstBroken
		st.mu.Unlock()
		w.logger.Error("ledger chain broken",
			"repo", repo, "first_broken", report.FirstBroken, "untrusted", len(report.Untrusted))
	}
	return report, nil
}

// Reconcile clears the poisoned flag for a repository after manual repair.
// The next append re-reads the chain head from disk.
func (w *Writer) Reconcile(repo model.RepoID) {
	st := w.state(repo)
	st.mu.Lock()
	st.poisoned = false
	st.poisonAt = 0
	st.loaded = false
	st.mu.Unlock()
}

// Entries returns all entries for repo in sequence order.
func (w *Writer) Entries(repo model.RepoID) ([]Entry, error) {
	var entries []Entry
	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chainBucket(repo))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry, err := decodeEntry(repo, binary.BigEndian.Uint64(k), v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger for repo %q: %w", repo, err)
	}
	return entries, nil
}

// loadHeadLocked restores the chain head for a repository from disk.
func (w *Writer) loadHeadLocked(repo model.RepoID, st *repoState) error {
	st.nextSeq = 1
	st.headHash = genesisHash

	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chainBucket(repo))
		if b == nil {
			return nil
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		seq := binary.BigEndian.Uint64(k)
		entry, err := decodeEntry(repo, seq, v)
		if err != nil {
			return err
		}
		st.nextSeq = seq + 1
		st.headHash = entry.HashSelf
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load ledger head for repo %q: %w", repo, err)
	}
	st.loaded = true
	return nil
}

func chainBucket(repo model.RepoID) []byte {
	return []byte(chainBucketPrefix + string(repo))
}

func sequenceKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// canonicalBytes produces the fixed-field hash input: sequence, repo,
// manifest pointer, and timestamp, each with an unambiguous width.
func canonicalBytes(e Entry) []byte {
	repo := []byte(e.Repo)
	ptr := []byte(e.ManifestPointer)
	out := make([]byte, 0, 8+2+len(repo)+2+len(ptr)+8)
	out = binary.BigEndian.AppendUint64(out, e.Sequence)
	out = binary.BigEndian.AppendUint16(out, uint16(len(repo)))
	out = append(out, repo...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(ptr)))
	out = append(out, ptr...)
	out = binary.BigEndian.AppendUint64(out, uint64(e.Timestamp.UnixNano()))
	return out
}

func chainHash(prev [HashSize]byte, canonical []byte) [HashSize]byte {
	h := blake3.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(canonical)
	var sum [HashSize]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// encodeEntry lays out hash_prev, hash_self, then the canonical bytes.
func encodeEntry(e Entry) []byte {
	canonical := canonicalBytes(e)
	out := make([]byte, 0, 2*HashSize+len(canonical))
	out = append(out, e.HashPrev[:]...)
	out = append(out, e.HashSelf[:]...)
	out = append(out, canonical...)
	return out
}

func decodeEntry(repo model.RepoID, seq uint64, data []byte) (Entry, error) {
	if len(data) < 2*HashSize+8+2+2+8 {
		return Entry{}, fmt.Errorf("ledger entry %d truncated: %d bytes", seq, len(data))
	}
	var e Entry
	copy(e.HashPrev[:], data[:HashSize])
	copy(e.HashSelf[:], data[HashSize:2*HashSize])

	r := bytes.NewReader(data[2*HashSize:])
	var storedSeq uint64
	if err := binary.Read(r, binary.BigEndian, &storedSeq); err != nil {
		return Entry{}, err
	}
	var repoLen uint16
	if err := binary.Read(r, binary.BigEndian, &repoLen); err != nil {
		return Entry{}, err
	}
	repoBytes := make([]byte, repoLen)
	if _, err := io.ReadFull(r, repoBytes); err != nil {
		return Entry{}, fmt.Errorf("ledger entry %d truncated repo: %w", seq, err)
	}
	var ptrLen uint16
	if err := binary.Read(r, binary.BigEndian, &ptrLen); err != nil {
		return Entry{}, err
	}
	ptrBytes := make([]byte, ptrLen)
	if ptrLen > 0 {
		if _, err := io.ReadFull(r, ptrBytes); err != nil {
			return Entry{}, fmt.Errorf("ledger entry %d truncated pointer: %w", seq, err)
		}
	}
	var ts uint64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return Entry{}, err
	}

	e.Sequence = storedSeq
	e.Repo = model.RepoID(repoBytes)
	e.ManifestPointer = string(ptrBytes)
	if ts > math.MaxInt64 {
		return Entry{}, fmt.Errorf("ledger entry %d has invalid timestamp", seq)
	}
	e.Timestamp = time.Unix(0, int64(ts))

	if storedSeq != seq || e.Repo != repo {
		return Entry{}, fmt.Errorf("ledger entry %d has mismatched identity (seq %d, repo %q)", seq, storedSeq, e.Repo)
	}
	return e, nil
}

// RecordAttestation implements keyring.AttestationSink by persisting key
// provisioning and rotation events alongside the write chain.
func (w *Writer) RecordAttestation(att keyring.Attestation) error {
	value := make([]byte, 0, 8+8+2+len(att.KeyID))
	value = binary.BigEndian.AppendUint64(value, att.Epoch)
	value = binary.BigEndian.AppendUint64(value, uint64(att.Timestamp.UnixNano()))
	value = binary.BigEndian.AppendUint16(value, uint16(len(att.KeyID)))
	value = append(value, att.KeyID...)

	err := w.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(attestBucketPrefix + string(att.Repo)))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), value)
	})
	if err != nil {
		return fmt.Errorf("failed to record attestation for repo %q: %w", att.Repo, err)
	}
	return nil
}

// Attestations returns the recorded key events for repo in order.
func (w *Writer) Attestations(repo model.RepoID) ([]keyring.Attestation, error) {
	var atts []keyring.Attestation
	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(attestBucketPrefix + string(repo)))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 18 {
				return fmt.Errorf("attestation record truncated: %d bytes", len(v))
			}
			keyLen := binary.BigEndian.Uint16(v[16:18])
			if len(v) < 18+int(keyLen) {
				return fmt.Errorf("attestation record truncated: %d bytes", len(v))
			}
			atts = append(atts, keyring.Attestation{
				Repo:      repo,
				Epoch:     binary.BigEndian.Uint64(v[:8]),
				Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16]))),
				KeyID:     string(v[18 : 18+keyLen]),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read attestations for repo %q: %w", repo, err)
	}
	return atts, nil
}
