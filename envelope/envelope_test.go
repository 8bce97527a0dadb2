package envelope

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecvault/keyring"
	"github.com/hupe1980/vecvault/model"
)

func provisionHandle(t *testing.T, repo model.RepoID) keyring.KeyHandle {
	t.Helper()
	km := keyring.New()
	h, err := km.Provision(repo)
	require.NoError(t, err)
	return h
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, suite := range []Suite{SuiteAESGCM256, SuiteChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			engine := New(func(o *Options) { o.Suite = suite })
			handle := provisionHandle(t, "repo-alpha")

			plaintext := []byte("the quick brown fox")
			env, err := engine.Seal(plaintext, handle)
			require.NoError(t, err)
			require.Equal(t, handle.KeyID, env.KeyID)

			got, err := engine.Open(env, handle, "repo-alpha")
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestSealGeneratesFreshNonces(t *testing.T) {
	engine := New()
	handle := provisionHandle(t, "repo-alpha")

	e1, err := engine.Seal([]byte("same plaintext"), handle)
	require.NoError(t, err)
	e2, err := engine.Seal([]byte("same plaintext"), handle)
	require.NoError(t, err)

	assert.NotEqual(t, e1.Nonce, e2.Nonce)
	assert.NotEqual(t, e1.Ciphertext, e2.Ciphertext)
}

func TestWireLayout(t *testing.T) {
	engine := New()
	handle := provisionHandle(t, "repo-alpha")

	env, err := engine.Seal([]byte("payload"), handle)
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	assert.Equal(t, []byte("EVG1"), data[:4])
	keyLen := binary.LittleEndian.Uint16(data[4:6])
	assert.Equal(t, int(keyLen), len(env.KeyID))
	assert.Equal(t, env.KeyID, string(data[6:6+keyLen]))

	off := 6 + int(keyLen)
	assert.Equal(t, env.Nonce[:], data[off:off+NonceSize])
	off += NonceSize
	assert.Equal(t, env.Tag[:], data[off:off+TagSize])
	off += TagSize
	assert.Equal(t, env.Ciphertext, data[off:])

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

// Every single-byte mutation of the ciphertext or tag must fail the open with
// a tag mismatch. This is the core tamper-detection guarantee.
func TestTamperDetectionExhaustive(t *testing.T) {
	engine := New()
	handle := provisionHandle(t, "repo-alpha")

	env, err := engine.Seal([]byte("tamper target"), handle)
	require.NoError(t, err)

	for i := range env.Ciphertext {
		mutated := *env
		mutated.Ciphertext = append([]byte(nil), env.Ciphertext...)
		mutated.Ciphertext[i] ^= 0xFF

		_, err := engine.Open(&mutated, handle, "repo-alpha")
		require.Error(t, err, "ciphertext byte %d", i)
		assert.True(t, IsDecryptError(err, TagMismatch), "ciphertext byte %d: %v", i, err)
	}

	for i := range env.Tag {
		mutated := *env
		mutated.Tag[i] ^= 0xFF

		_, err := engine.Open(&mutated, handle, "repo-alpha")
		require.Error(t, err, "tag byte %d", i)
		assert.True(t, IsDecryptError(err, TagMismatch), "tag byte %d: %v", i, err)
	}
}

func TestTamperFlipLastByte(t *testing.T) {
	engine := New()
	handle := provisionHandle(t, "repo-alpha")

	env, err := engine.Seal([]byte("flip the last byte"), handle)
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01

	_, err = engine.OpenBytes(data, handle, "repo-alpha")
	require.Error(t, err)
	assert.True(t, IsDecryptError(err, TagMismatch))
}

func TestAADBinding(t *testing.T) {
	engine := New()
	handle := provisionHandle(t, "repo-alpha")

	env, err := engine.Seal([]byte("scoped"), handle)
	require.NoError(t, err)

	// Correct key, wrong repository scope.
	_, err = engine.Open(env, handle, "repo-beta")
	require.Error(t, err)
	assert.True(t, IsDecryptError(err, AADMismatch))

	// The right scope still opens.
	got, err := engine.Open(env, handle, "repo-alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("scoped"), got)
}

func TestOpenFailsClosed(t *testing.T) {
	engine := New()
	handle := provisionHandle(t, "repo-alpha")

	env, err := engine.Seal([]byte("no partial plaintext"), handle)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0x80

	got, err := engine.Open(env, handle, "repo-alpha")
	require.Error(t, err)
	assert.Nil(t, got)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("EVG1")},
		{"bad magic", append([]byte("XXXX"), make([]byte, 40)...)},
		{"key length overruns", append([]byte{'E', 'V', 'G', '1', 0xFF, 0xFF}, make([]byte, 40)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestPeekKeyID(t *testing.T) {
	engine := New()
	handle := provisionHandle(t, "repo-alpha")

	env, err := engine.Seal([]byte("peek"), handle)
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)

	keyID, ok := PeekKeyID(data)
	require.True(t, ok)
	assert.Equal(t, handle.KeyID, keyID)

	_, ok = PeekKeyID([]byte("not an envelope"))
	assert.False(t, ok)
}
