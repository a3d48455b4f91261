package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHandshake(t *testing.T) {
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i + 1)
	}
	peerID := [20]byte{}
	copy(peerID[:], "-PC0001-123456789012")

	got := BuildHandshake(infoHash, peerID)
	require.Len(t, got, HandshakeSize)
	assert.Equal(t, byte(19), got[0])
	assert.Equal(t, Protocol, string(got[1:20]))
	assert.Equal(t, make([]byte, 8), got[20:28])
	assert.Equal(t, infoHash[:], got[28:48])
	assert.Equal(t, peerID[:], got[48:68])
}

func TestParseHandshakeAcceptsMatchingInfoHash(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAB
	peerID[0] = 0xCD
	buf := BuildHandshake(infoHash, peerID)

	gotID, err := ParseHandshake(buf, infoHash)
	require.NoError(t, err)
	assert.Equal(t, peerID, gotID)
}

func TestParseHandshakeRejectsInfoHashMismatch(t *testing.T) {
	var infoHash, otherHash, peerID [20]byte
	infoHash[0] = 1
	otherHash[0] = 2
	buf := BuildHandshake(infoHash, peerID)

	_, err := ParseHandshake(buf, otherHash)
	require.ErrorIs(t, err, ErrHandshakeMismatch)
}

func TestParseHandshakeRejectsWrongProtocol(t *testing.T) {
	var infoHash [20]byte
	buf := BuildHandshake(infoHash, [20]byte{})
	buf[0] = 10
	_, err := ParseHandshake(buf, infoHash)
	require.ErrorIs(t, err, ErrHandshakeMismatch)
}

func TestParseHandshakeRejectsWrongLength(t *testing.T) {
	_, err := ParseHandshake([]byte("too short"), [20]byte{})
	require.Error(t, err)
}
