package bencode

import (
	"bytes"
	"strconv"
)

// Encode serialises v in canonical form: dictionary keys are always
// emitted in ascending byte-lexicographic order, regardless of the order
// they were decoded or constructed in.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

func encodeTo(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, e := range v.List {
			encodeTo(buf, e)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		for _, i := range sortedIndices(v.Dict) {
			e := v.Dict[i]
			buf.WriteString(strconv.Itoa(len(e.Key)))
			buf.WriteByte(':')
			buf.Write(e.Key)
			encodeTo(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}

// String builds a KindString value from a Go string.
func String(s string) Value {
	return Value{Kind: KindString, Str: []byte(s)}
}

// Bytes builds a KindString value from raw bytes.
func Bytes(b []byte) Value {
	return Value{Kind: KindString, Str: b}
}

// Int builds a KindInt value.
func Int(n int64) Value {
	return Value{Kind: KindInt, Int: n}
}

// List builds a KindList value.
func List(vs ...Value) Value {
	return Value{Kind: KindList, List: vs}
}

// Dict builds a KindDict value from entries, preserving the order given.
func Dict(entries ...DictEntry) Value {
	return Value{Kind: KindDict, Dict: entries}
}

// Entry is a convenience constructor for a DictEntry with a string key.
func Entry(key string, v Value) DictEntry {
	return DictEntry{Key: []byte(key), Value: v}
}
