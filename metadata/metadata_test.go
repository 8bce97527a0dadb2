package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueKeyStability(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		key   string
	}{
		{"string", String("prod"), "s:prod"},
		{"int", Int(42), "i:42"},
		{"float", Float(1.5), "f:1.5"},
		{"bool true", Bool(true), "b:1"},
		{"bool false", Bool(false), "b:0"},
		{"invalid", Value{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.value.Key())
		})
	}
}

func TestFilterMatches(t *testing.T) {
	doc := Document{
		"env":   String("prod"),
		"shard": Int(3),
		"hot":   Bool(true),
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq hit", Eq("env", String("prod")), true},
		{"eq miss", Eq("env", String("dev")), false},
		{"eq kind mismatch", Eq("shard", String("3")), false},
		{"ne hit", Ne("env", String("dev")), true},
		{"ne missing key", Ne("region", String("eu")), true},
		{"in hit", In("shard", Int(1), Int(3)), true},
		{"in miss", In("shard", Int(1), Int(2)), false},
		{"exists hit", Exists("hot"), true},
		{"exists miss", Exists("cold"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(doc))
		})
	}
}

func TestFilterSetMatchesConjunction(t *testing.T) {
	doc := Document{"env": String("prod"), "shard": Int(3)}

	fs := NewFilterSet(Eq("env", String("prod")), Eq("shard", Int(3)))
	assert.True(t, fs.Matches(doc))

	fs = NewFilterSet(Eq("env", String("prod")), Eq("shard", Int(4)))
	assert.False(t, fs.Matches(doc))

	var nilSet *FilterSet
	assert.True(t, nilSet.Matches(doc))
}

func TestIndexApply(t *testing.T) {
	ix := NewIndex()
	docs := []Document{
		{"env": String("prod"), "shard": Int(0)},
		{"env": String("prod"), "shard": Int(1)},
		{"env": String("dev"), "shard": Int(0)},
		{"env": String("dev")},
	}
	for row, doc := range docs {
		ix.Add(uint32(row), doc)
	}
	require.Equal(t, uint32(4), ix.Rows())

	rows := ix.Apply(NewFilterSet(Eq("env", String("prod")))).ToArray()
	assert.Equal(t, []uint32{0, 1}, rows)

	rows = ix.Apply(NewFilterSet(Eq("env", String("prod")), Eq("shard", Int(1)))).ToArray()
	assert.Equal(t, []uint32{1}, rows)

	rows = ix.Apply(NewFilterSet(Ne("env", String("prod")))).ToArray()
	assert.Equal(t, []uint32{2, 3}, rows)

	rows = ix.Apply(NewFilterSet(In("shard", Int(0), Int(1)))).ToArray()
	assert.Equal(t, []uint32{0, 1, 2}, rows)

	rows = ix.Apply(NewFilterSet(Exists("shard"))).ToArray()
	assert.Equal(t, []uint32{0, 1, 2}, rows)

	// Nil filter matches everything.
	rows = ix.Apply(nil).ToArray()
	assert.Equal(t, []uint32{0, 1, 2, 3}, rows)

	// Unknown value matches nothing.
	assert.True(t, ix.Apply(NewFilterSet(Eq("env", String("qa")))).IsEmpty())
}
