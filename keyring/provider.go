package keyring

import (
	"crypto/rand"
	"fmt"

	"github.com/segmentio/ksuid"

	"github.com/hupe1980/vecvault/model"
)

// RandomProvider mints random in-process key material. It is the default
// provider; production deployments plug an OS key store or KMS behind the
// Provider interface instead.
type RandomProvider struct{}

// NewKey generates 32 random bytes and a k-sortable key id of the form
// "<repo>/e<epoch>/<ksuid>".
func (RandomProvider) NewKey(repo model.RepoID, epoch uint64) (string, []byte, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return "", nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	keyID := fmt.Sprintf("%s/e%d/%s", repo, epoch, ksuid.New().String())
	return keyID, material, nil
}

// StaticProvider returns pre-seeded material for every request. It exists for
// tests that need deterministic keys.
type StaticProvider struct {
	Material []byte
	// Err, when set, is returned by every NewKey call. Used to exercise
	// partial rotation failure.
	Err error
}

// NewKey implements Provider.
func (p StaticProvider) NewKey(repo model.RepoID, epoch uint64) (string, []byte, error) {
	if p.Err != nil {
		return "", nil, p.Err
	}
	return fmt.Sprintf("%s/e%d/static", repo, epoch), p.Material, nil
}
