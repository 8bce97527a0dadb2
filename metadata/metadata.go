// Package metadata provides typed metadata documents and filters for
// embedding batches.
//
// Documents are small typed maps attached to individual vectors. Filters are
// evaluated either directly against documents or, on the query path, against
// an inverted index of roaring bitmaps so that only matching rows are ever
// decrypted.
package metadata

import (
	"fmt"
	"strconv"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindString represents a string value.
	KindString
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindBool represents a boolean value.
	KindBool
)

// Value is a small typed value used for metadata documents and filters.
//
// NOTE: This is also used for persistence; keep it stable.
type Value struct {
	Kind Kind    `json:"k"`
	S    string  `json:"s,omitempty"`
	I64  int64   `json:"i,omitempty"`
	F64  float64 `json:"f,omitempty"`
	B    bool    `json:"b,omitempty"`
}

// String creates a string Value.
func String(s string) Value { return Value{Kind: KindString, S: s} }

// Int creates an integer Value.
func Int(i int64) Value { return Value{Kind: KindInt, I64: i} }

// Float creates a float Value.
func Float(f float64) Value { return Value{Kind: KindFloat, F64: f} }

// Bool creates a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// Key returns a stable string representation for use in inverted indexes.
//
// It must remain stable across versions because persisted segments re-derive
// posting lists from it on open.
func (v Value) Key() string {
	switch v.Kind {
	case KindString:
		return "s:" + v.S
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	default:
		return ""
	}
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.S == o.S
	case KindInt:
		return v.I64 == o.I64
	case KindFloat:
		return v.F64 == o.F64
	case KindBool:
		return v.B == o.B
	default:
		return false
	}
}

// GoString implements fmt.GoStringer for readable test failures.
func (v Value) GoString() string {
	return fmt.Sprintf("metadata.Value{%s}", v.Key())
}

// Document is a metadata document attached to a single vector.
type Document map[string]Value
