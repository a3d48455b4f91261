package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDictionary(t *testing.T) {
	v, err := Decode([]byte("d3:cow3:moo4:spaml1:a1:bee"))
	require.NoError(t, err)

	cow, ok := v.Get("cow")
	require.True(t, ok)
	assert.Equal(t, "moo", string(cow.Str))

	spam, ok := v.Get("spam")
	require.True(t, ok)
	require.Len(t, spam.List, 2)
	assert.Equal(t, "a", string(spam.List[0].Str))
	assert.Equal(t, "b", string(spam.List[1].Str))
}

func TestEncodeRoundTripCanonicalInput(t *testing.T) {
	input := []byte("d3:cow3:moo4:spaml1:a1:bee")
	v, err := Decode(input)
	require.NoError(t, err)
	assert.Equal(t, input, Encode(v))
}

func TestEncodeSortsKeys(t *testing.T) {
	v := Dict(
		Entry("spam", String("eggs")),
		Entry("cow", String("moo")),
	)
	assert.Equal(t, []byte("d3:cow3:moo4:spam4:eggse"), Encode(v))
}

func TestIntegerEdgeCases(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "i0e", want: 0},
		{in: "i-42e", want: -42},
		{in: "i-0e", wantErr: true},
		{in: "i03e", wantErr: true},
	}
	for _, c := range cases {
		v, err := Decode([]byte(c.in))
		if c.wantErr {
			assert.Error(t, err, "input %q", c.in)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, v.Int, "input %q", c.in)
	}
}

func TestDuplicateKeyIsAnError(t *testing.T) {
	_, err := Decode([]byte("d3:fooi1e3:fooi2ee"))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, DuplicateKey, pe.Kind)
}

func TestTrailingBytesIsAnError(t *testing.T) {
	_, err := Decode([]byte("i1eextra"))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, TrailingBytes, pe.Kind)
}

func TestDecodeAtExposesByteSpan(t *testing.T) {
	// "d6:lengthi10ee" is the raw sub-value at key "info" inside data;
	// decoding the key then the value with DecodeAt must recover that
	// exact substring, which is what lets metainfo.Parse hash info_hash
	// over the untouched source bytes instead of a re-encoding.
	data := []byte("d4:infod6:lengthi10ee3:fooi1ee")
	dec := NewDecoder(data)
	dec.pos = 1 // skip the outer 'd'
	key, err := dec.decodeString()
	require.NoError(t, err)
	require.Equal(t, "info", string(key.Str))

	_, span, err := dec.DecodeAt()
	require.NoError(t, err)
	assert.Equal(t, "d6:lengthi10ee", string(dec.Bytes(span)))
}

func TestCheckCanonical(t *testing.T) {
	require.NoError(t, CheckCanonical([]byte("d1:ai1e1:zi2ee")))
	require.NoError(t, CheckCanonical([]byte("ld1:ai1eei7ee")))

	err := CheckCanonical([]byte("d1:zi1e1:ai2ee"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KeysOutOfOrder, pe.Kind)
	// The offset names the first out-of-order key, "1:a".
	assert.Equal(t, 7, pe.Offset)
}

func TestCheckCanonicalDescendsIntoNestedDicts(t *testing.T) {
	err := CheckCanonical([]byte("d1:ad1:zi1e1:bi2eee"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KeysOutOfOrder, pe.Kind)
}
