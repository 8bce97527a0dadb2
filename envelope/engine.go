package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/model"
)

// Suite selects the AEAD cipher. Both suites use 12-byte nonces and 16-byte
// tags, so envelopes have an identical wire layout either way.
type Suite int

const (
	// SuiteAESGCM256 is AES-256 in Galois/Counter Mode.
	SuiteAESGCM256 Suite = iota
	// SuiteChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439).
	SuiteChaCha20Poly1305
)

// String returns the suite name.
func (s Suite) String() string {
	switch s {
	case SuiteAESGCM256:
		return "aes-gcm-256"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("suite(%d)", int(s))
	}
}

// Options contains configuration for the Engine.
type Options struct {
	// Suite is the AEAD cipher suite for new seals. Open always derives the
	// suite from the engine configuration; mixing suites across an engine's
	// lifetime is not supported.
	Suite Suite
}

// DefaultOptions returns default Engine options.
var DefaultOptions = Options{
	Suite: SuiteAESGCM256,
}

// Engine seals and opens authenticated envelopes. It holds no key state of
// its own; every call receives an explicit key handle.
type Engine struct {
	suite Suite
}

// New creates a new encryption Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{suite: opts.Suite}
}

// Suite returns the configured cipher suite.
func (e *Engine) Suite() Suite { return e.suite }

// AAD returns the associated-data scope string binding an envelope to its
// repository and key.
func AAD(repo model.RepoID, keyID string) []byte {
	return []byte(string(repo) + ":" + keyID)
}

// Seal encrypts plaintext under the handle's key with a fresh random nonce
// and binds it to the handle's repository scope.
func (e *Engine) Seal(plaintext []byte, handle keyring.KeyHandle) (*Envelope, error) {
	aead, err := e.newAEAD(handle.Material())
	if err != nil {
		return nil, err
	}

	env := &Envelope{KeyID: handle.KeyID}
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, env.Nonce[:], plaintext, AAD(handle.Repo, handle.KeyID))
	// AEAD output is ciphertext followed by the tag; store the tag in its own
	// envelope field.
	split := len(sealed) - TagSize
	env.Ciphertext = sealed[:split]
	copy(env.Tag[:], sealed[split:])
	return env, nil
}

// Open decrypts an envelope. The associated data is recomputed from the
// caller-supplied repository and the envelope's embedded key id, so an
// envelope sealed for one repository never opens under another.
//
// Open fails closed: on any error the returned plaintext is nil.
func (e *Engine) Open(env *Envelope, handle keyring.KeyHandle, repo model.RepoID) ([]byte, error) {
	aead, err := e.newAEAD(handle.Material())
	if err != nil {
		return nil, err
	}

	// Wrong scope is detectable before touching the cipher: the handle was
	// provisioned for the envelope's true repository.
	if handle.Repo != "" && handle.Repo != repo {
		return nil, NewDecryptError(AADMismatch, env.KeyID, fmt.Errorf("envelope scoped to repo %q, opened as %q", handle.Repo, repo))
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag[:]...)

	plaintext, err := aead.Open(nil, env.Nonce[:], sealed, AAD(repo, env.KeyID))
	if err != nil {
		return nil, NewDecryptError(TagMismatch, env.KeyID, err)
	}
	return plaintext, nil
}

// OpenBytes decodes and opens a serialized envelope in one step.
func (e *Engine) OpenBytes(data []byte, handle keyring.KeyHandle, repo model.RepoID) ([]byte, error) {
	env, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return e.Open(env, handle, repo)
}

func (e *Engine) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keyring.KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), keyring.KeySize)
	}
	switch e.suite {
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case SuiteAESGCM256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to init aes: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("unsupported cipher suite %s", e.suite)
	}
}
