// Package scheduler implements the piece-scheduling and download
// coordinator: the global piece-state table (Missing/InFlight/Complete),
// work assignment to peer sessions, SHA-1 verification of completed
// pieces, and the session-supervising Coordinator that drives a download to
// completion.
package scheduler

import (
	"crypto/sha1"
	"sync"

	"github.com/haraldnord/goleech/peer"
)

// State is a piece's position in its download lifecycle.
type State int

const (
	Missing State = iota
	InFlight
	Complete
)

// PieceTable is the coordinator's global piece-state table. All mutation
// goes through ClaimWork/VerifyAndComplete/Release, which make
// claim-and-mark atomic and enforce that at most one session holds
// InFlight for a given index at a time.
type PieceTable struct {
	mu          sync.Mutex
	state       []State
	owner       []int // session id holding InFlight, -1 otherwise
	hashes         [][20]byte
	pieceLength    int64
	totalLength    int64
	completed      int
	completedBytes int64
}

// NewPieceTable builds a table for a torrent with the given per-piece SHA-1
// digests, piece length and total length. Every piece starts Missing.
func NewPieceTable(hashes [][20]byte, pieceLength, totalLength int64) *PieceTable {
	owner := make([]int, len(hashes))
	for i := range owner {
		owner[i] = -1
	}
	return &PieceTable{
		state:       make([]State, len(hashes)),
		owner:       owner,
		hashes:      hashes,
		pieceLength: pieceLength,
		totalLength: totalLength,
	}
}

// PieceCount returns the number of pieces in the table.
func (t *PieceTable) PieceCount() int {
	return len(t.state)
}

// pieceSize returns the byte length of piece index; only the last piece
// can be shorter than pieceLength.
func (t *PieceTable) pieceSize(index int) int64 {
	if index == len(t.hashes)-1 {
		return t.totalLength - int64(len(t.hashes)-1)*t.pieceLength
	}
	return t.pieceLength
}

// Wanted reports whether any Missing piece's bit is set in bitfield, which
// drives a session's interested/not-interested transitions.
func (t *PieceTable) Wanted(bitfield peer.Bitfield) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, st := range t.state {
		if st == Missing && bitfield.Get(i) {
			return true
		}
	}
	return false
}

// ClaimWork returns a Missing piece claimed in bitfield, atomically marking
// it InFlight for sessionID. Selection is lowest-index-first; nothing here
// tracks piece rarity.
func (t *PieceTable) ClaimWork(sessionID int, bitfield peer.Bitfield) (peer.Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, st := range t.state {
		if st == Missing && bitfield.Get(i) {
			t.state[i] = InFlight
			t.owner[i] = sessionID
			return peer.Assignment{Index: i, Length: int(t.pieceSize(i))}, true
		}
	}
	return peer.Assignment{}, false
}

// SubmitResult classifies the outcome of VerifyAndComplete.
type SubmitResult int

const (
	// SubmitOK means the piece's hash matched and it is now Complete.
	SubmitOK SubmitResult = iota
	// SubmitCorrupt means the piece's hash did not match; it reverted to
	// Missing and the submitting session should be penalized.
	SubmitCorrupt
	// SubmitStale means sessionID no longer (or never) held this piece
	// InFlight — e.g. it was already completed or released. No state
	// change is made and no penalty is warranted.
	SubmitStale
)

// VerifyAndComplete checks data against the expected SHA-1 for index. The
// caller (Coordinator) is responsible for writing data to storage and
// broadcasting a have only after SubmitOK.
func (t *PieceTable) VerifyAndComplete(sessionID, index int, data []byte) SubmitResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.state) {
		return SubmitStale
	}
	if t.owner[index] != sessionID || t.state[index] != InFlight {
		return SubmitStale
	}
	if sha1.Sum(data) != t.hashes[index] {
		t.state[index] = Missing
		t.owner[index] = -1
		return SubmitCorrupt
	}
	t.state[index] = Complete
	t.owner[index] = -1
	t.completed++
	t.completedBytes += int64(len(data))
	return SubmitOK
}

// Release reverts index back to Missing if sessionID still holds it
// InFlight; a no-op otherwise (e.g. it already completed via another
// session, or was already released).
func (t *PieceTable) Release(sessionID, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.state) {
		return
	}
	if t.owner[index] == sessionID && t.state[index] == InFlight {
		t.state[index] = Missing
		t.owner[index] = -1
	}
}

// AllComplete reports whether every piece has transitioned to Complete.
func (t *PieceTable) AllComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed == len(t.state)
}

// CompletedCount returns how many pieces are Complete.
func (t *PieceTable) CompletedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// CompletedBytes returns the exact number of payload bytes held by
// Complete pieces; the last piece counts its true (possibly short) size.
func (t *PieceTable) CompletedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedBytes
}
