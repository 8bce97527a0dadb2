package envelope

import (
	"errors"
	"fmt"
)

// DecryptErrorKind classifies why an envelope failed to open.
type DecryptErrorKind int

const (
	// TagMismatch means authentication failed: the ciphertext or tag was
	// altered after sealing.
	TagMismatch DecryptErrorKind = iota
	// AADMismatch means the envelope was opened under the wrong scope
	// (repository/key binding).
	AADMismatch
	// UnknownKeyID means the envelope references a key that the key manager
	// no longer retains.
	UnknownKeyID
)

// String returns the kind name.
func (k DecryptErrorKind) String() string {
	switch k {
	case TagMismatch:
		return "tag mismatch"
	case AADMismatch:
		return "aad mismatch"
	case UnknownKeyID:
		return "unknown key id"
	default:
		return fmt.Sprintf("decrypt error(%d)", int(k))
	}
}

// DecryptError is returned when an envelope cannot be opened. It always fails
// closed: no partial plaintext is ever returned alongside it.
type DecryptError struct {
	Kind  DecryptErrorKind
	KeyID string
	cause error
}

// NewDecryptError creates a DecryptError. It is exported for collaborators
// (the key manager read path reports UnknownKeyID through it).
func NewDecryptError(kind DecryptErrorKind, keyID string, cause error) *DecryptError {
	return &DecryptError{Kind: kind, KeyID: keyID, cause: cause}
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt failed (%s): key %q", e.Kind, e.KeyID)
}

func (e *DecryptError) Unwrap() error { return e.cause }

// IsDecryptError reports whether err is a DecryptError of the given kind.
func IsDecryptError(err error, kind DecryptErrorKind) bool {
	var de *DecryptError
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == kind
}
