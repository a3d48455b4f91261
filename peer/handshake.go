package peer

import (
	"bytes"
	"fmt"
)

// Protocol is the identifier string of the base BitTorrent v1 wire protocol.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed length of a handshake message: the pstrlen
// byte, the protocol string, 8 reserved bytes, the info_hash and the peer_id.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// BuildHandshake constructs the outgoing handshake for infoHash/peerID. The
// 8 reserved bytes are always zero: the extension protocol and DHT port bit
// are both out of scope for this client.
func BuildHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	n := copy(buf[1:], Protocol)
	offset := 1 + n + 8
	copy(buf[offset:], infoHash[:])
	copy(buf[offset+20:], peerID[:])
	return buf
}

// ParseHandshake validates a received handshake against the expected
// info_hash and returns the peer's advertised peer_id. The peer_id is
// recorded but not otherwise validated.
func ParseHandshake(buf []byte, wantInfoHash [20]byte) (peerID [20]byte, err error) {
	if len(buf) != HandshakeSize {
		return peerID, fmt.Errorf("peer: handshake has length %d, want %d", len(buf), HandshakeSize)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(Protocol) {
		return peerID, fmt.Errorf("%w: pstrlen %d", ErrHandshakeMismatch, pstrlen)
	}
	if !bytes.Equal(buf[1:1+pstrlen], []byte(Protocol)) {
		return peerID, fmt.Errorf("%w: unexpected protocol string %q", ErrHandshakeMismatch, buf[1:1+pstrlen])
	}
	offset := 1 + pstrlen + 8
	var gotHash [20]byte
	copy(gotHash[:], buf[offset:offset+20])
	if gotHash != wantInfoHash {
		return peerID, fmt.Errorf("%w: info_hash mismatch", ErrHandshakeMismatch)
	}
	copy(peerID[:], buf[offset+20:offset+40])
	return peerID, nil
}
