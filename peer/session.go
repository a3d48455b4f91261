package peer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	connectTimeout    = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	keepAliveInterval = 120 * time.Second
	readIdleTimeout   = 150 * time.Second
	stallTimeout      = 30 * time.Second
	pipelineDepth     = 5
)

// Assignment is a single piece handed to a session by its Scheduler: the
// piece index and its exact byte length (the last piece of a torrent is
// shorter than PieceLength).
type Assignment struct {
	Index  int
	Length int
}

// Scheduler is the coordinator contract a Session relies on to claim a
// piece, hand back a completed one for verification, and release a piece
// it was unable to finish. Implemented by scheduler.Coordinator; kept as an
// interface here so peer has no dependency on the scheduler package.
type Scheduler interface {
	// Wanted reports whether peerBitfield claims any piece this client
	// still needs, driving the session's interested/not-interested state.
	Wanted(peerBitfield Bitfield) bool
	// ClaimWork returns a Missing piece peerBitfield claims to have,
	// atomically marking it InFlight for sessionID. ok is false if no
	// such piece is assignable right now.
	ClaimWork(sessionID int, peerBitfield Bitfield) (assignment Assignment, ok bool)
	// SubmitPiece hands a fully-reassembled piece to the coordinator for
	// SHA-1 verification. A returned error wrapping
	// ErrTooManyCorruptPieces means the session must terminate.
	SubmitPiece(sessionID int, index int, data []byte) error
	// ReleasePiece reverts an InFlight piece back to Missing; called when
	// a session dies while still holding one.
	ReleasePiece(sessionID int, index int)
}

// pieceDownload tracks in-progress reassembly of a single piece: the
// partial buffer, the block requests currently outstanding
// (offset -> length), and the set of block offsets already received.
// Blocks can arrive in any order and a choke can cancel outstanding
// requests mid-piece, so completion is judged by which offsets are done,
// never by how far requesting has progressed.
type pieceDownload struct {
	index    int
	length   int
	buf      []byte
	inFlight map[uint32]uint32
	done     map[uint32]bool
	received int
}

// Session is one peer-protocol state machine bound to a single TCP
// connection. Created after a successful handshake; lastSentAt is guarded
// by writeMu (keepAliveLoop and SendHave touch it from other goroutines),
// and every other field is owned exclusively by the goroutine running
// Serve, which is
// what lets the four choke/interest flags and the partial-piece buffer go
// unsynchronized.
type Session struct {
	ID   int
	Addr string

	conn      net.Conn
	reader    *bufio.Reader
	sched     Scheduler
	log       logrus.FieldLogger
	numPieces int

	writeMu    sync.Mutex
	lastSentAt time.Time

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	peerBitfield  Bitfield
	current       *pieceDownload
	activitySince time.Time
}

// Dial connects to addr, performs the handshake, and returns a Session
// ready to be handed a session id and run. The peer's advertised peer_id is
// discarded: only the info_hash has to match, the peer_id is not validated
// against anything.
func Dial(addr string, infoHash, ourPeerID [20]byte, numPieces int, sched Scheduler, log logrus.FieldLogger) (*Session, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	if err := exchangeHandshake(conn, infoHash, ourPeerID); err != nil {
		conn.Close()
		return nil, err
	}
	now := time.Now()
	return &Session{
		Addr:          addr,
		conn:          conn,
		reader:        bufio.NewReaderSize(conn, 32*1024),
		sched:         sched,
		log:           log,
		numPieces:     numPieces,
		amChoking:     true,
		peerChoking:   true,
		lastSentAt:    now,
		activitySince: now,
	}, nil
}

func exchangeHandshake(conn net.Conn, infoHash, ourPeerID [20]byte) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	out := BuildHandshake(infoHash, ourPeerID)
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("peer: send handshake: %w", err)
	}
	in := make([]byte, HandshakeSize)
	if _, err := readFull(conn, in); err != nil {
		return fmt.Errorf("peer: read handshake: %w", err)
	}
	_, err := ParseHandshake(in, infoHash)
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close closes the underlying connection; safe to call more than once.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Serve runs the session's read loop until ctx is cancelled or a fatal
// session error occurs. On return for any reason the piece the session was
// building, if any, has been released back to the scheduler.
func (s *Session) Serve(ctx context.Context) error {
	defer s.releaseCurrent()

	kaCtx, kaCancel := context.WithCancel(ctx)
	defer kaCancel()
	go s.keepAliveLoop(kaCtx)

	// A cancelled context must also unblock a read in progress, not just
	// stop the loop at the next frame boundary.
	unblock := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer unblock()

	first, err := s.readFrame()
	if err != nil {
		return err
	}
	if first != nil {
		if first.id == msgBitfield {
			if err := s.handleBitfield(first.payload); err != nil {
				return err
			}
		} else if err := s.handleMessage(first); err != nil {
			return err
		}
	}
	s.updateInterest()
	s.fillPipeline()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := s.readFrame()
		if err != nil {
			return err
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := s.handleMessage(msg); err != nil {
			return err
		}
		s.updateInterest()
		s.fillPipeline()
	}
}

// readFrame reads one frame, applying both the fixed inbound-silence
// deadline (150s) and, while a piece download is outstanding and unchoked,
// the shorter per-piece stall deadline (30s): whichever is sooner wins,
// which is what makes a session that stops delivering blocks after being
// unchoked fail fast instead of sitting idle for the full 150s.
func (s *Session) readFrame() (*message, error) {
	s.conn.SetReadDeadline(s.nextReadDeadline())
	msg, err := readMessage(s.reader)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrReadTimeout
		}
		return nil, err
	}
	return msg, nil
}

func (s *Session) nextReadDeadline() time.Time {
	idle := time.Now().Add(readIdleTimeout)
	if s.current != nil && !s.peerChoking {
		if stall := s.activitySince.Add(stallTimeout); stall.Before(idle) {
			return stall
		}
	}
	return idle
}

func (s *Session) handleBitfield(payload []byte) error {
	want := expectedBitfieldLen(s.numPieces)
	if len(payload) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBitfieldSizeMismatch, len(payload), want)
	}
	bf := Bitfield(append([]byte(nil), payload...))
	if bf.SpareBitsSet(s.numPieces) {
		return ErrBitfieldSpareBits
	}
	s.peerBitfield = bf
	return nil
}

func (s *Session) handleMessage(msg *message) error {
	switch msg.id {
	case msgChoke:
		s.peerChoking = true
		s.cancelOutstanding()
	case msgUnchoke:
		s.peerChoking = false
		s.activitySince = time.Now()
	case msgInterested:
		s.peerInterested = true
	case msgNotInterested:
		s.peerInterested = false
	case msgHave:
		if len(msg.payload) != 4 {
			return fmt.Errorf("%w: have payload length %d", ErrUnexpectedMessageID, len(msg.payload))
		}
		idx := int(binary.BigEndian.Uint32(msg.payload))
		if idx >= s.numPieces {
			return fmt.Errorf("%w: have for piece %d beyond %d pieces", ErrUnexpectedMessageID, idx, s.numPieces)
		}
		if s.peerBitfield == nil {
			s.peerBitfield = make(Bitfield, expectedBitfieldLen(s.numPieces))
		}
		s.peerBitfield.Set(idx)
	case msgBitfield:
		return fmt.Errorf("%w: bitfield received after the first message", ErrUnexpectedMessageID)
	case msgRequest, msgCancel, msgPort:
		// This client never seeds and never runs DHT; these are valid
		// wire messages but carry no action here.
	case msgPiece:
		return s.handlePiece(msg.payload)
	default:
		return fmt.Errorf("%w: id %d", ErrUnexpectedMessageID, msg.id)
	}
	return nil
}

func (s *Session) handlePiece(payload []byte) error {
	index, begin, block, err := parsePieceHeader(payload)
	if err != nil {
		return err
	}
	cur := s.current
	if cur == nil || int(index) != cur.index {
		return fmt.Errorf("%w: piece %d while no matching piece is in flight", ErrUnsolicitedPiece, index)
	}
	length, ok := cur.inFlight[begin]
	if !ok || int(length) != len(block) {
		return fmt.Errorf("%w: block (%d, %d) was not requested", ErrUnsolicitedPiece, index, begin)
	}
	if int(begin)+len(block) > cur.length {
		return fmt.Errorf("%w: block (%d, %d) overruns piece of length %d", ErrUnsolicitedPiece, index, begin, cur.length)
	}
	delete(cur.inFlight, begin)
	cur.done[begin] = true
	copy(cur.buf[begin:], block)
	cur.received += len(block)
	s.activitySince = time.Now()

	if cur.received >= cur.length {
		data := cur.buf
		s.current = nil
		if err := s.sched.SubmitPiece(s.ID, int(index), data); err != nil {
			return err
		}
	}
	return nil
}

// cancelOutstanding drops the requests this session has pending when the
// peer chokes it: a choking peer will not answer them. Blocks that already
// arrived stay in the done set, so the next fillPipeline call re-requests
// exactly the blocks still missing once unchoked.
func (s *Session) cancelOutstanding() {
	cur := s.current
	if cur == nil {
		return
	}
	cur.inFlight = make(map[uint32]uint32)
}

// updateInterest sends interested/not-interested as the peer's claimed
// bitfield starts or stops covering a piece this client still needs.
func (s *Session) updateInterest() {
	wants := s.sched.Wanted(s.peerBitfield)
	if wants && !s.amInterested {
		s.amInterested = true
		s.send(msgInterested, nil)
	} else if !wants && s.amInterested && s.current == nil {
		s.amInterested = false
		s.send(msgNotInterested, nil)
	}
}

// fillPipeline claims a new piece if none is in flight and keeps up to
// pipelineDepth block requests outstanding for the piece being downloaded.
func (s *Session) fillPipeline() {
	if s.peerChoking || !s.amInterested {
		return
	}
	if s.current == nil {
		assignment, ok := s.sched.ClaimWork(s.ID, s.peerBitfield)
		if !ok {
			return
		}
		s.current = &pieceDownload{
			index:    assignment.Index,
			length:   assignment.Length,
			buf:      make([]byte, assignment.Length),
			inFlight: make(map[uint32]uint32),
			done:     make(map[uint32]bool),
		}
		s.activitySince = time.Now()
		s.log.WithFields(logrus.Fields{"piece": assignment.Index, "peer": s.Addr}).Debug("claimed piece")
	}
	cur := s.current
	for begin := 0; len(cur.inFlight) < pipelineDepth && begin < cur.length; begin += blockLength {
		offset := uint32(begin)
		if cur.done[offset] {
			continue
		}
		if _, pending := cur.inFlight[offset]; pending {
			continue
		}
		length := blockLength
		if begin+length > cur.length {
			length = cur.length - begin
		}
		cur.inFlight[offset] = uint32(length)
		if err := s.send(msgRequest, encodeRequestPayload(uint32(cur.index), offset, uint32(length))); err != nil {
			return
		}
	}
}

// SendHave notifies the peer of a newly completed piece. Safe to call from
// any goroutine: the coordinator broadcasts completions to every session
// concurrently with each session's own read loop.
func (s *Session) SendHave(index int) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return s.send(msgHave, payload)
}

// keepAliveLoop emits a keep-alive whenever nothing else has been written
// for keepAliveInterval. It runs alongside the read loop because the read
// loop can block on the socket for longer than the keep-alive threshold.
func (s *Session) keepAliveLoop(ctx context.Context) {
	for {
		s.writeMu.Lock()
		next := s.lastSentAt.Add(keepAliveInterval)
		s.writeMu.Unlock()

		d := time.Until(next)
		if d <= 0 {
			// A send failure here will surface as a read error on the
			// session's own loop; nothing to do about it from this side.
			_ = s.sendKeepAlive()
			d = keepAliveInterval
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Session) sendKeepAlive() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeKeepAlive(s.conn); err != nil {
		return err
	}
	s.lastSentAt = time.Now()
	return nil
}

func (s *Session) send(id messageID, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeMessage(s.conn, id, payload); err != nil {
		return err
	}
	s.lastSentAt = time.Now()
	return nil
}

func (s *Session) releaseCurrent() {
	if s.current != nil {
		s.sched.ReleasePiece(s.ID, s.current.index)
		s.current = nil
	}
}
