package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfieldGetSet(t *testing.T) {
	bf := make(Bitfield, 2)
	assert.False(t, bf.Get(0))
	bf.Set(0)
	bf.Set(15)
	assert.True(t, bf.Get(0))
	assert.True(t, bf.Get(15))
	assert.False(t, bf.Get(1))
	assert.False(t, bf.Get(100)) // out of range reads false rather than panicking
}

func TestBitfieldSpareBitsSet(t *testing.T) {
	bf := Bitfield{0b11100000}
	assert.False(t, bf.SpareBitsSet(3))
	assert.True(t, bf.SpareBitsSet(2))
}

func TestExpectedBitfieldLen(t *testing.T) {
	assert.Equal(t, 1, expectedBitfieldLen(1))
	assert.Equal(t, 1, expectedBitfieldLen(8))
	assert.Equal(t, 2, expectedBitfieldLen(9))
}
