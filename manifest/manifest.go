package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/hupe1980/vecvault/blobstore"
	"github.com/hupe1980/vecvault/codec"
	"github.com/hupe1980/vecvault/model"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentFormatVersion is the version of the manifest file format.
	CurrentFormatVersion = 1
)

// Manifest is a snapshot of one repository's shard at a commit version.
// Readers that load the same manifest observe the same segment set and
// therefore produce identical query results.
type Manifest struct {
	FormatVersion int          `json:"format_version"`
	Repo          model.RepoID `json:"repo"`
	// Version is the shard commit version. It increases by one per committed
	// write and is the version reported in query result sets.
	Version   uint64        `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	Dimension int           `json:"dimension"`
	ShardID   model.ShardID `json:"shard_id"`
	// KeyID is the sealing key that was current when this manifest was
	// committed.
	KeyID    string        `json:"key_id"`
	Segments []SegmentInfo `json:"segments"`
	// ResealPending marks the shard for re-sealing on the next compaction.
	ResealPending bool `json:"reseal_pending,omitempty"`
}

// New creates an empty manifest for a repository shard.
func New(repo model.RepoID, shardID model.ShardID, dim int) *Manifest {
	return &Manifest{
		FormatVersion: CurrentFormatVersion,
		Repo:          repo,
		Version:       0,
		CreatedAt:     time.Now(),
		Dimension:     dim,
		ShardID:       shardID,
	}
}

// SegmentInfo describes one sealed segment blob.
type SegmentInfo struct {
	Path string `json:"path"` // Relative to the shard root
	// KeyID is the key the segment's batch records are sealed under.
	KeyID string `json:"key_id"`
	// Batches lists the batch IDs stored in the segment, ascending.
	Batches  []model.BatchID `json:"batches"`
	Rows     uint32          `json:"rows"`
	Size     int64           `json:"size"`
	Checksum string          `json:"checksum"`
}

// Batches returns the IDs of all live batches, ascending across segments.
func (m *Manifest) Batches() []model.BatchID {
	var ids []model.BatchID
	for _, seg := range m.Segments {
		ids = append(ids, seg.Batches...)
	}
	return ids
}

// Clone returns a deep copy, used to stage the next commit version without
// mutating the published snapshot.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	clone.Segments = make([]SegmentInfo, len(m.Segments))
	for i, seg := range m.Segments {
		clone.Segments[i] = seg
		clone.Segments[i].Batches = append([]model.BatchID(nil), seg.Batches...)
	}
	return &clone
}

// Diff computes the batch-level difference from prev to m. A nil prev treats
// every batch in m as added.
func (m *Manifest) Diff(prev *Manifest) model.ManifestDiff {
	current := make(map[model.BatchID]bool)
	for _, id := range m.Batches() {
		current[id] = true
	}

	diff := model.ManifestDiff{Pointer: m.Pointer()}

	var previous map[model.BatchID]bool
	if prev != nil {
		previous = make(map[model.BatchID]bool)
		for _, id := range prev.Batches() {
			previous[id] = true
			if !current[id] {
				diff.Removed = append(diff.Removed, id)
			}
		}
	}
	for _, id := range m.Batches() {
		if !previous[id] {
			diff.Added = append(diff.Added, id)
		}
	}
	return diff
}

// Pointer returns the manifest's blob name, recorded in the audit ledger.
func (m *Manifest) Pointer() string {
	return fileName(m.Repo, m.Version)
}

func fileName(repo model.RepoID, version uint64) string {
	return path.Join(string(repo), fmt.Sprintf("%s-%06d.json", ManifestFileName, version))
}

func currentName(repo model.RepoID) string {
	return path.Join(string(repo), CurrentFileName)
}

// Store manages per-repository manifest files and atomic pointer updates.
type Store struct {
	store blobstore.BlobStore
	codec codec.Codec
	mu    sync.Mutex
}

// NewStore creates a manifest store on top of a blob store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store, codec: codec.Default}
}

// Load loads the current manifest of a repository.
func (s *Store) Load(ctx context.Context, repo model.RepoID) (*Manifest, error) {
	return s.LoadVersion(ctx, repo, 0)
}

// LoadVersion loads a specific commit version. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, repo model.RepoID, version uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var manifestName string
	if version == 0 {
		b, err := s.store.Open(ctx, currentName(repo))
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		content, err := blobstore.ReadBlob(b)
		b.Close()
		if err != nil {
			return nil, err
		}
		manifestName = string(content)
	} else {
		manifestName = fileName(repo, version)
	}

	return s.readManifest(ctx, manifestName)
}

func (s *Store) readManifest(ctx context.Context, name string) (*Manifest, error) {
	b, err := s.store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}
	defer b.Close()

	content, err := blobstore.ReadBlob(b)
	if err != nil {
		return nil, err
	}

	m := &Manifest{}
	if err := s.codec.Unmarshal(content, m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", name, err)
	}
	if m.FormatVersion != CurrentFormatVersion {
		return nil, ErrIncompatibleVersion
	}
	return m, nil
}

// ListVersions returns all readable manifest versions of a repository,
// skipping corrupted files.
func (s *Store) ListVersions(ctx context.Context, repo model.RepoID) ([]*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx, path.Join(string(repo), ManifestFileName))
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, name := range names {
		if path.Ext(name) != ".json" {
			continue
		}
		m, err := s.readManifest(ctx, name)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Save atomically commits a new manifest version.
//
// The manifest blob is written first, then the CURRENT pointer is swapped to
// reference it. A crash between the two steps leaves the previous version
// live and the orphan blob is harmless.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.FormatVersion = CurrentFormatVersion
	m.Version++
	m.CreatedAt = time.Now()

	name := fileName(m.Repo, m.Version)

	data, err := s.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := s.store.Put(ctx, name, data); err != nil {
		return err
	}

	return s.store.Put(ctx, currentName(m.Repo), []byte(name))
}

// DeleteVersion removes one manifest version, used by garbage collection
// after compaction.
func (s *Store) DeleteVersion(ctx context.Context, repo model.RepoID, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Delete(ctx, fileName(repo, version))
}
