// Package bencode implements the bencoding used by .torrent files and
// tracker responses: a tagged union of integers, byte strings, lists and
// ordered dictionaries.
package bencode

import (
	"fmt"
	"sort"
)

// Kind identifies which arm of the tagged union a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// DictEntry is a single key/value pair of a dictionary, kept in the order
// it was decoded so that insertion order survives a decode.
type DictEntry struct {
	Key   []byte
	Value Value
}

// Value is a decoded bencoded value. Only the field matching Kind is
// meaningful; the others are left zero. Str holds raw bytes rather than a
// Go string so that non-UTF-8 byte strings round-trip exactly.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	Dict []DictEntry
}

// Span records the half-open byte range [Start, End) in the original
// source that a decoded value occupied. Decoder.DecodeAt returns the span
// of the value it decodes and EntrySpan that of one top-level dictionary
// entry's value, so a caller can recover the span of a nested value (the
// info sub-dictionary of a torrent file, in particular) without
// re-encoding it, so info_hash can be hashed over the untouched source
// bytes even when the dictionary was not written in canonical key order.
type Span struct {
	Start, End int
}

// Get returns the value associated with key in a dictionary, and whether
// it was present.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// String renders Value for diagnostics; it is not part of the wire format.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindList:
		return fmt.Sprintf("%v", v.List)
	case KindDict:
		return fmt.Sprintf("%v", v.Dict)
	default:
		return "<invalid bencode value>"
	}
}

// sortedIndices returns the indices of d in ascending byte-lexicographic
// order of their keys, used by Encode to emit canonical dictionaries.
func sortedIndices(d []DictEntry) []int {
	idx := make([]int, len(d))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return string(d[idx[i]].Key) < string(d[idx[j]].Key)
	})
	return idx
}
