package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/haraldnord/goleech/metainfo"
	"github.com/haraldnord/goleech/peer"
	"github.com/haraldnord/goleech/storage"
	"github.com/haraldnord/goleech/tracker"
)

const (
	// corruptionThreshold is the number of bad pieces from one session
	// before it is instructed to terminate.
	corruptionThreshold = 3
	// maxConcurrentSessions bounds how many peer connections run at once;
	// addresses beyond this wait in a queue of 4*maxConcurrentSessions
	// until a slot opens, and enqueuePeers drops any that find it full.
	maxConcurrentSessions = 30
	// cooldownDuration is how long a peer address that failed a session
	// is left alone before being retried.
	cooldownDuration = 5 * time.Minute
)

// ProgressEvent is one structured log/progress event: started,
// peers_received, peer_connected, peer_failed, piece_complete,
// piece_corrupt, progress, completed.
type ProgressEvent struct {
	Event string
	Addr  string
	Index int
	Have  int
	Total int
	Err   error
}

// ProgressCallback lets a front end render the download's event stream;
// it is never required.
type ProgressCallback func(ProgressEvent)

// Coordinator owns the piece table, the session registry and the output
// file for one torrent download, and implements peer.Scheduler. It
// supervises one goroutine per peer.Session via errgroup, broadcasts a
// have for a piece only after that piece's bytes are written, and
// terminates once every piece is Complete.
type Coordinator struct {
	Torrent    *metainfo.Torrent
	Identity   *tracker.ClientIdentity
	Tracker    *tracker.Client
	Writer     *storage.FileWriter
	Log        logrus.FieldLogger
	OnProgress ProgressCallback

	table *PieceTable

	nextSessionID int64

	mu         sync.Mutex
	sessions   map[int]*peer.Session
	corruption map[int]int
	cooldown   map[string]time.Time

	downloaded int64
	uploaded   int64

	completeCh   chan struct{}
	completeOnce sync.Once

	cancelAll   context.CancelFunc
	fatalOnce   sync.Once
	fatalErrVal error
}

// NewCoordinator builds a Coordinator ready to Run against peers discovered
// for t.
func NewCoordinator(t *metainfo.Torrent, identity *tracker.ClientIdentity, trackerClient *tracker.Client, writer *storage.FileWriter, log logrus.FieldLogger, onProgress ProgressCallback) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		Torrent:    t,
		Identity:   identity,
		Tracker:    trackerClient,
		Writer:     writer,
		Log:        log,
		OnProgress: onProgress,
		table:      NewPieceTable(t.PieceHashes, t.PieceLength, t.TotalLength),
		sessions:   make(map[int]*peer.Session),
		corruption: make(map[int]int),
		cooldown:   make(map[string]time.Time),
		completeCh: make(chan struct{}),
	}
}

// Left returns the bytes still needed to complete the torrent, for
// tracker Stats.
func (c *Coordinator) Left() int64 {
	left := c.Torrent.TotalLength - c.table.CompletedBytes()
	if left < 0 {
		left = 0
	}
	return left
}

func (c *Coordinator) stats() tracker.Stats {
	return tracker.Stats{
		Uploaded:   atomic.LoadInt64(&c.uploaded),
		Downloaded: atomic.LoadInt64(&c.downloaded),
		Left:       c.Left(),
	}
}

// AllComplete reports whether every piece has been verified and written.
func (c *Coordinator) AllComplete() bool {
	return c.table.AllComplete()
}

// --- peer.Scheduler ---

func (c *Coordinator) Wanted(bitfield peer.Bitfield) bool {
	return c.table.Wanted(bitfield)
}

func (c *Coordinator) ClaimWork(sessionID int, bitfield peer.Bitfield) (peer.Assignment, bool) {
	return c.table.ClaimWork(sessionID, bitfield)
}

func (c *Coordinator) SubmitPiece(sessionID, index int, data []byte) error {
	switch c.table.VerifyAndComplete(sessionID, index, data) {
	case SubmitStale:
		return nil
	case SubmitCorrupt:
		c.emit(ProgressEvent{Event: "piece_corrupt", Index: index})
		if c.recordCorruption(sessionID) >= corruptionThreshold {
			return peer.ErrTooManyCorruptPieces
		}
		return nil
	default: // SubmitOK
		if err := c.Writer.WritePiece(index, data); err != nil {
			wrapped := errors.Wrapf(err, "scheduler: write piece %d", index)
			c.setFatal(wrapped)
			return wrapped
		}
		atomic.AddInt64(&c.downloaded, int64(len(data)))
		c.emit(ProgressEvent{Event: "piece_complete", Index: index})
		c.broadcastHave(sessionID, index)
		c.emit(ProgressEvent{Event: "progress", Have: c.table.CompletedCount(), Total: c.table.PieceCount()})
		if c.table.AllComplete() {
			c.completeOnce.Do(func() { close(c.completeCh) })
		}
		return nil
	}
}

func (c *Coordinator) ReleasePiece(sessionID, index int) {
	c.table.Release(sessionID, index)
}

// --- session lifecycle ---

func (c *Coordinator) recordCorruption(sessionID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corruption[sessionID]++
	return c.corruption[sessionID]
}

func (c *Coordinator) broadcastHave(fromSessionID, index int) {
	c.mu.Lock()
	others := make([]*peer.Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		if id != fromSessionID {
			others = append(others, s)
		}
	}
	c.mu.Unlock()
	for _, s := range others {
		// Best-effort: a write failure here just surfaces as a read
		// error on that session's own loop on its next turn.
		_ = s.SendHave(index)
	}
}

func (c *Coordinator) registerSession(id int, s *peer.Session) {
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
}

func (c *Coordinator) unregisterSession(id int) {
	c.mu.Lock()
	delete(c.sessions, id)
	delete(c.corruption, id)
	c.mu.Unlock()
}

func (c *Coordinator) onCooldown(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldown[addr]
	return ok && time.Now().Before(until)
}

func (c *Coordinator) setCooldown(addr string) {
	c.mu.Lock()
	c.cooldown[addr] = time.Now().Add(cooldownDuration)
	c.mu.Unlock()
}

func (c *Coordinator) setFatal(err error) {
	c.fatalOnce.Do(func() {
		c.fatalErrVal = err
		if c.cancelAll != nil {
			c.cancelAll()
		}
	})
}

// FatalErr returns the first fatal error recorded during Run (a file I/O
// failure), or nil if none occurred.
func (c *Coordinator) FatalErr() error {
	return c.fatalErrVal
}

// InitialAnnounceError distinguishes a failed first announce (the download
// cannot start at all because no tracker is reachable) from every other
// way a download can end badly.
type InitialAnnounceError struct {
	Err error
}

func (e *InitialAnnounceError) Error() string { return e.Err.Error() }
func (e *InitialAnnounceError) Unwrap() error { return e.Err }

func (c *Coordinator) emit(e ProgressEvent) {
	fields := logrus.Fields{"event": e.Event}
	if e.Addr != "" {
		fields["addr"] = e.Addr
	}
	if e.Event == "piece_complete" || e.Event == "piece_corrupt" {
		fields["index"] = e.Index
	}
	if e.Event == "progress" {
		fields["have"] = e.Have
		fields["total"] = e.Total
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}
	c.Log.WithFields(fields).Info(e.Event)
	if c.OnProgress != nil {
		c.OnProgress(e)
	}
}

func (c *Coordinator) runSession(ctx context.Context, addr tracker.PeerAddress) {
	key := addr.String()
	if c.onCooldown(key) {
		return
	}

	s, err := peer.Dial(key, c.Torrent.InfoHash, c.Identity.PeerID, c.table.PieceCount(), c, c.Log)
	if err != nil {
		c.emit(ProgressEvent{Event: "peer_failed", Addr: key, Err: err})
		c.setCooldown(key)
		return
	}
	id := int(atomic.AddInt64(&c.nextSessionID, 1))
	s.ID = id
	c.registerSession(id, s)
	defer c.unregisterSession(id)
	defer s.Close()

	c.emit(ProgressEvent{Event: "peer_connected", Addr: key})
	err = s.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		c.emit(ProgressEvent{Event: "peer_failed", Addr: key, Err: err})
		c.setCooldown(key)
	}
}

// reannounceLoop re-announces on the tracker-supplied interval (never
// sooner than min interval), feeding newly discovered peers into peerCh.
// Transport-level retry/backoff lives inside tracker.Client.Announce
// itself; a failed re-announce here is logged and simply retried on the
// next tick at the last known interval.
func (c *Coordinator) reannounceLoop(ctx context.Context, interval time.Duration, peerCh chan<- tracker.PeerAddress) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		resp, err := c.Tracker.Announce(ctx, c.Torrent, c.Identity, tracker.EventNone, c.stats())
		if err != nil {
			c.Log.WithError(err).Warn("tracker re-announce failed")
			timer.Reset(interval)
			continue
		}
		interval = resp.Interval
		if resp.MinInterval > interval {
			interval = resp.MinInterval
		}
		c.emit(ProgressEvent{Event: "peers_received", Total: len(resp.Peers)})
		enqueuePeers(ctx, peerCh, resp.Peers)
		timer.Reset(interval)
	}
}

func enqueuePeers(ctx context.Context, peerCh chan<- tracker.PeerAddress, peers []tracker.PeerAddress) {
	for _, p := range peers {
		select {
		case peerCh <- p:
		case <-ctx.Done():
			return
		default:
			// Channel is momentarily full; drop rather than block the
			// announce loop. The next announce cycle will offer peers
			// again.
		}
	}
}

// Run performs the initial announce, dials peers through a fixed-size pool
// of maxConcurrentSessions workers, and blocks until every piece is
// Complete, the tracker reports failure on the very first announce, a file
// I/O error occurs, or ctx is cancelled. On success it sends the final
// event=completed announce before returning; on cancellation it sends
// event=stopped instead.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelAll = cancel
	defer cancel()

	c.emit(ProgressEvent{Event: "started"})
	first, err := c.Tracker.Announce(ctx, c.Torrent, c.Identity, tracker.EventStarted, c.stats())
	if err != nil {
		return &InitialAnnounceError{Err: errors.Wrap(err, "scheduler: initial announce")}
	}
	c.emit(ProgressEvent{Event: "peers_received", Total: len(first.Peers)})

	peerCh := make(chan tracker.PeerAddress, 4*maxConcurrentSessions)
	enqueuePeers(ctx, peerCh, first.Peers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < maxConcurrentSessions; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case addr, ok := <-peerCh:
					if !ok {
						return nil
					}
					c.runSession(gctx, addr)
				}
			}
		})
	}
	interval := first.Interval
	if first.MinInterval > interval {
		interval = first.MinInterval
	}
	g.Go(func() error {
		return c.reannounceLoop(gctx, interval, peerCh)
	})

	select {
	case <-c.completeCh:
		// Stop the re-announce loop before the final announce:
		// tracker.Client is not safe for concurrent use.
		cancel()
		_ = g.Wait()
		// Best-effort with its own 5s budget so a slow tracker can't
		// hold up shutdown.
		announceCtx, announceCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.Tracker.Announce(announceCtx, c.Torrent, c.Identity, tracker.EventCompleted, c.stats()); err != nil {
			c.Log.WithError(err).Warn("completed announce failed")
		}
		announceCancel()
		c.emit(ProgressEvent{Event: "completed"})
	case <-ctx.Done():
		_ = g.Wait()
		// Tell the tracker we're leaving; abandoned after 5s, per the
		// shutdown budget for a pending tracker request.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.Tracker.Announce(stopCtx, c.Torrent, c.Identity, tracker.EventStopped, c.stats()); err != nil {
			c.Log.WithError(err).Warn("stopped announce failed")
		}
		stopCancel()
	}

	if c.fatalErrVal != nil {
		return c.fatalErrVal
	}
	if !c.AllComplete() && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
