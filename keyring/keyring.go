// Package keyring resolves logical key identifiers to symmetric key material
// and tracks rotation epochs per repository.
//
// A rotated key is superseded, never deleted: the previous handle stays
// resolvable through Get so older sealed records remain decryptable, while
// Current only ever hands out the active epoch for new seals.
package keyring

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/vecvault/model"
)

// ErrUnknownKey is returned by Get when a key id is not retained.
var ErrUnknownKey = errors.New("unknown key id")

// ErrNotProvisioned is returned by Current for repositories without a key.
var ErrNotProvisioned = errors.New("repository has no provisioned key")

// KeySize is the symmetric key length in bytes.
const KeySize = 32

// KeyHandle is a resolved key reference. Handles are immutable values; once
// resolved they can be used without further locking.
type KeyHandle struct {
	KeyID         string
	Repo          model.RepoID
	RotationEpoch uint64
	// Expiry is the time after which the handle must not be used for new
	// seals. Zero means no expiry. Expired handles still open existing data.
	Expiry time.Time

	material []byte
	mintedAt time.Time
}

// Material returns the raw symmetric key bytes.
func (h KeyHandle) Material() []byte { return h.material }

// Expired reports whether the handle has passed its expiry at time now.
func (h KeyHandle) Expired(now time.Time) bool {
	return !h.Expiry.IsZero() && now.After(h.Expiry)
}

// Attestation is emitted to the audit path on every provision and rotation.
type Attestation struct {
	Repo      model.RepoID
	KeyID     string
	Epoch     uint64
	Timestamp time.Time
}

// AttestationSink receives attestation events. The audit ledger implements
// this interface.
type AttestationSink interface {
	RecordAttestation(att Attestation) error
}

// Provider supplies raw key material. Implementations wrap OS key stores or
// KMS backends; the default generates random material in process.
type Provider interface {
	// NewKey mints key material for the given repository and epoch and
	// returns its logical identifier.
	NewKey(repo model.RepoID, epoch uint64) (keyID string, material []byte, err error)
}

// Options contains configuration for the Manager.
type Options struct {
	// Provider is the key material source. Defaults to RandomProvider.
	Provider Provider

	// Sink receives attestation events. Defaults to a discard sink.
	Sink AttestationSink

	// KeyTTL is the lifetime of an active key. After it elapses, Current
	// transparently provisions the next epoch. Zero disables expiry.
	KeyTTL time.Duration

	// Logger for rotation and provisioning events.
	Logger *slog.Logger
}

// DefaultOptions returns default Manager options.
var DefaultOptions = Options{
	KeyTTL: 0,
}

// Manager owns the key table. It is safe for concurrent use: resolution takes
// a read lock, rotation takes the write lock only for the pointer swap to the
// new active handle.
type Manager struct {
	mu     sync.RWMutex
	active map[model.RepoID]*KeyHandle
	byID   map[string]*KeyHandle

	provider Provider
	sink     AttestationSink
	keyTTL   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new key Manager.
func New(optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Provider == nil {
		opts.Provider = RandomProvider{}
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		active:   make(map[model.RepoID]*KeyHandle),
		byID:     make(map[string]*KeyHandle),
		provider: opts.Provider,
		sink:     opts.Sink,
		keyTTL:   opts.KeyTTL,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// Provision returns the active handle for a repository, creating epoch 1 if
// the repository has none. It is idempotent within an epoch.
func (m *Manager) Provision(repo model.RepoID) (KeyHandle, error) {
	if repo == "" {
		return KeyHandle{}, fmt.Errorf("empty repo id")
	}

	m.mu.RLock()
	h, ok := m.active[repo]
	m.mu.RUnlock()
	if ok && !h.Expired(m.now()) {
		return *h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock: a racing caller may have provisioned
	// the epoch between the RLock miss and here.
	if h, ok := m.active[repo]; ok && !h.Expired(m.now()) {
		return *h, nil
	}
	return m.advanceLocked(repo)
}

// Current returns the latest non-expired handle for a repository. If the
// active handle has expired, the next epoch is provisioned transparently.
func (m *Manager) Current(repo model.RepoID) (KeyHandle, error) {
	m.mu.RLock()
	h, ok := m.active[repo]
	m.mu.RUnlock()
	if !ok {
		return KeyHandle{}, fmt.Errorf("repo %q: %w", repo, ErrNotProvisioned)
	}
	if !h.Expired(m.now()) {
		return *h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.active[repo]; ok && !h.Expired(m.now()) {
		return *h, nil
	}
	return m.advanceLocked(repo)
}

// Get resolves any retained handle by key id, including superseded ones.
// This is the read path for records sealed under older epochs.
func (m *Manager) Get(keyID string) (KeyHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byID[keyID]
	if !ok {
		return KeyHandle{}, fmt.Errorf("key %q: %w", keyID, ErrUnknownKey)
	}
	return *h, nil
}

// Repos returns all repositories with a provisioned key.
func (m *Manager) Repos() []model.RepoID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repos := make([]model.RepoID, 0, len(m.active))
	for repo := range m.active {
		repos = append(repos, repo)
	}
	return repos
}

// Rotate advances the active key for every repository the schedule selects.
// A failing repository does not abort the pass: it is listed in the report's
// Failed slice and stays on its previous epoch, so the rotation is visible
// and retriable per repository.
func (m *Manager) Rotate(schedule model.RotationSchedule) model.RotationReport {
	repos := schedule.Repos
	if len(repos) == 0 {
		repos = m.Repos()
	}

	var report model.RotationReport
	now := m.now()

	for _, repo := range repos {
		m.mu.Lock()
		h, ok := m.active[repo]
		if !ok {
			m.mu.Unlock()
			report.Failed = append(report.Failed, model.RotationFailure{
				Repo: repo, Reason: ErrNotProvisioned.Error(),
			})
			continue
		}
		if schedule.MinEpochAge > 0 && now.Sub(h.mintedAt) < schedule.MinEpochAge {
			m.mu.Unlock()
			continue
		}
		if _, err := m.advanceLocked(repo); err != nil {
			m.mu.Unlock()
			m.logger.Warn("key rotation failed", "repo", repo, "error", err)
			report.Failed = append(report.Failed, model.RotationFailure{
				Repo: repo, Reason: err.Error(),
			})
			continue
		}
		m.mu.Unlock()
		report.Succeeded = append(report.Succeeded, repo)
	}

	return report
}

// advanceLocked mints the next epoch for repo and swaps the active pointer.
// The attestation is recorded before the swap: if the audit path rejects the
// event, the repository stays on its previous epoch.
func (m *Manager) advanceLocked(repo model.RepoID) (KeyHandle, error) {
	var epoch uint64 = 1
	if prev, ok := m.active[repo]; ok {
		epoch = prev.RotationEpoch + 1
	}

	keyID, material, err := m.provider.NewKey(repo, epoch)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("failed to mint key for repo %q epoch %d: %w", repo, epoch, err)
	}
	if len(material) != KeySize {
		return KeyHandle{}, fmt.Errorf("provider returned %d-byte key, want %d", len(material), KeySize)
	}

	now := m.now()
	h := &KeyHandle{
		KeyID:         keyID,
		Repo:          repo,
		RotationEpoch: epoch,
		material:      material,
		mintedAt:      now,
	}
	if m.keyTTL > 0 {
		h.Expiry = now.Add(m.keyTTL)
	}

	att := Attestation{Repo: repo, KeyID: keyID, Epoch: epoch, Timestamp: now}
	if err := m.sink.RecordAttestation(att); err != nil {
		return KeyHandle{}, fmt.Errorf("failed to record key attestation for repo %q: %w", repo, err)
	}

	m.byID[keyID] = h
	m.active[repo] = h
	m.logger.Info("key epoch advanced", "repo", repo, "key_id", keyID, "epoch", epoch)
	return *h, nil
}

type discardSink struct{}

func (discardSink) RecordAttestation(Attestation) error { return nil }
