package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the manifest format version is
	// not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest format version")

	// ErrNotFound is returned when a repository has no committed manifest.
	ErrNotFound = errors.New("manifest not found")
)
