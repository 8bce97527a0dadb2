// Package envelope implements the authenticated encryption envelope used for
// sealed embedding batches.
//
// Wire layout (all integers little-endian):
//
//	magic(4)="EVG1" | key_id_len(u16) | key_id(utf8) | nonce(12) | tag(16) | ciphertext
//
// The 16-byte authentication tag is stored in its own field even though the
// AEAD implementations verify it internally: tooling can locate and inspect
// the tag without decrypting. Seal splits the AEAD output into ciphertext and
// tag; Open re-joins them before verification.
//
// The associated data binds every envelope to its repository and key scope
// ("{repo_id}:{key_id}"). Opening an envelope under any other scope is a
// decryption failure, never a parse failure.
package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Magic identifies serialized envelopes.
var Magic = [4]byte{'E', 'V', 'G', '1'}

const (
	// NonceSize is the AEAD nonce length in bytes.
	NonceSize = 12
	// TagSize is the AEAD authentication tag length in bytes.
	TagSize = 16

	headerMin = 4 + 2 + NonceSize + TagSize
)

// Envelope is a parsed authenticated ciphertext.
type Envelope struct {
	KeyID      string
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
	Ciphertext []byte
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.KeyID) > math.MaxUint16 {
		return nil, fmt.Errorf("key id too long: %d bytes", len(e.KeyID))
	}
	out := make([]byte, 0, headerMin+len(e.KeyID)+len(e.Ciphertext))
	out = append(out, Magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(e.KeyID)))
	out = append(out, e.KeyID...)
	out = append(out, e.Nonce[:]...)
	out = append(out, e.Tag[:]...)
	out = append(out, e.Ciphertext...)
	return out, nil
}

// Decode parses an envelope from its wire form.
//
// Decode only validates structure. Integrity and scope are checked by
// Engine.Open; a structurally valid envelope may still fail to open.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < headerMin {
		return nil, fmt.Errorf("envelope truncated: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, fmt.Errorf("bad envelope magic %q", data[:4])
	}
	keyLen := int(binary.LittleEndian.Uint16(data[4:6]))
	if len(data) < headerMin+keyLen {
		return nil, fmt.Errorf("envelope truncated: %d bytes for key id length %d", len(data), keyLen)
	}
	keyID := data[6 : 6+keyLen]
	if !utf8.Valid(keyID) {
		return nil, fmt.Errorf("key id is not valid utf8")
	}

	e := &Envelope{KeyID: string(keyID)}
	off := 6 + keyLen
	copy(e.Nonce[:], data[off:off+NonceSize])
	off += NonceSize
	copy(e.Tag[:], data[off:off+TagSize])
	off += TagSize
	e.Ciphertext = append([]byte(nil), data[off:]...)
	return e, nil
}

// PeekKeyID extracts the key id from a serialized envelope without decoding
// the rest. It is used on read and export paths to resolve historical keys.
func PeekKeyID(data []byte) (string, bool) {
	if len(data) < 6 || !bytes.Equal(data[:4], Magic[:]) {
		return "", false
	}
	keyLen := int(binary.LittleEndian.Uint16(data[4:6]))
	if len(data) < 6+keyLen {
		return "", false
	}
	keyID := data[6 : 6+keyLen]
	if !utf8.Valid(keyID) {
		return "", false
	}
	return string(keyID), true
}
