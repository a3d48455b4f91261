package peer

import "errors"

// Session errors are always fatal to the session holding them and never to
// the coordinator: the coordinator tears the session down, releases any
// InFlight piece it held, and continues with its other sessions.
var (
	ErrHandshakeMismatch    = errors.New("peer: handshake mismatch")
	ErrBadFrameLength       = errors.New("peer: frame length out of bounds")
	ErrBitfieldSizeMismatch = errors.New("peer: bitfield size mismatch")
	ErrBitfieldSpareBits    = errors.New("peer: bitfield has spare bits set")
	ErrUnexpectedMessageID  = errors.New("peer: unexpected message id")
	ErrUnsolicitedPiece     = errors.New("peer: unsolicited piece block")
	ErrConnectTimeout       = errors.New("peer: connect timeout")
	ErrReadTimeout          = errors.New("peer: read timeout")
	ErrPeerClosed           = errors.New("peer: connection closed by peer")
	// ErrTooManyCorruptPieces is returned by a Scheduler's SubmitPiece to
	// instruct the session to terminate after too many corrupt deliveries.
	ErrTooManyCorruptPieces = errors.New("peer: too many corrupt pieces from this session")
)
