// Package tracker implements the HTTP tracker announce protocol: building
// the GET request, parsing the bencoded response in both its dictionary
// and compact peer-list forms, and failing over across announce-list
// tiers per BEP-12.
package tracker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/haraldnord/goleech/bencode"
	"github.com/haraldnord/goleech/metainfo"
)

// Event is the BitTorrent tracker announce event.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

const httpTimeout = 30 * time.Second

// ClientIdentity is the process-wide identity announced to trackers and
// exchanged in peer handshakes: a peer_id (conventionally "-XX0001-"
// followed by 12 random ASCII bytes) and the port this client listens on.
type ClientIdentity struct {
	PeerID [20]byte
	Port   uint16
}

// NewClientIdentity builds a ClientIdentity with a fresh random peer_id
// under the given Azureus-style client prefix (e.g. "-GL0001-").
func NewClientIdentity(prefix string, port uint16) (ClientIdentity, error) {
	if len(prefix) != 8 {
		return ClientIdentity{}, errors.Errorf("tracker: client prefix %q must be exactly 8 bytes", prefix)
	}
	var id [20]byte
	copy(id[:], prefix)
	suffix := make([]byte, 12)
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	for i := range suffix {
		suffix[i] = alphabet[rand.Intn(len(alphabet))]
	}
	copy(id[8:], suffix)
	return ClientIdentity{PeerID: id, Port: port}, nil
}

// Stats are the accounting fields reported to the tracker on each announce.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// PeerAddress is a single peer's reachable TCP endpoint.
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is the parsed result of a successful announce.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string // echoed back on subsequent announces, if the tracker sent one
	Peers       []PeerAddress
}

// FailureError wraps a tracker-supplied "failure reason", distinct from a
// network/transport failure so callers can tell the two apart: on the
// first announce it aborts startup, elsewhere it is logged and the
// announce retried at the last known interval.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("tracker: failure reason: %s", e.Reason)
}

// Client announces a torrent's progress to its tracker(s), failing over
// across announce-list tiers (BEP-12) and retrying transport failures
// with exponential backoff. A Client is not safe for concurrent use by
// more than one goroutine at a time.
type Client struct {
	HTTPClient *http.Client
	Log        logrus.FieldLogger

	trackerID string
	rng       *rand.Rand
}

// NewClient builds a Client with the package's default HTTP timeout.
func NewClient(log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: httpTimeout},
		Log:        log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// tiers returns the announce-list tiers to try, in order, falling back to
// the single primary announce URL when no announce-list was present.
func tiers(t *metainfo.Torrent) [][]string {
	if len(t.AnnounceList) > 0 {
		return t.AnnounceList
	}
	return [][]string{{t.Announce}}
}

// Announce performs one tracker announce. Each attempt sweeps every tier's
// URLs in order (shuffled within a tier, per BEP-12); if the whole sweep
// fails at the transport level the sweep is retried with exponential
// backoff (initial 15s, cap 15m) until ctx is cancelled. A
// tracker-supplied failure reason stops the retries immediately: the
// tracker answered, it just said no.
func (c *Client) Announce(ctx context.Context, t *metainfo.Torrent, id *ClientIdentity, event Event, stats Stats) (*Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 15 * time.Second
	policy.MaxInterval = 15 * time.Minute
	policy.MaxElapsedTime = 0 // the caller's ctx governs the overall deadline

	var resp *Response
	op := func() error {
		r, err := c.sweepTiers(ctx, t, id, event, stats)
		if err != nil {
			var failure *FailureError
			if errors.As(err, &failure) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	if resp.TrackerID != "" {
		c.trackerID = resp.TrackerID
	}
	return resp, nil
}

// sweepTiers tries each announce URL once, tier by tier, returning the
// first successful response. A failure reason from any tracker ends the
// sweep: it is an authoritative answer, not a transport failure to route
// around.
func (c *Client) sweepTiers(ctx context.Context, t *metainfo.Torrent, id *ClientIdentity, event Event, stats Stats) (*Response, error) {
	var lastErr error
	for _, rawURL := range c.shuffledTierURLs(t) {
		u, err := url.Parse(rawURL)
		if err != nil {
			lastErr = errors.Wrapf(err, "tracker: invalid announce URL %q", rawURL)
			continue
		}
		resp, err := c.fetch(ctx, c.buildAnnounceURL(*u, t, id, event, stats))
		if err == nil {
			return resp, nil
		}
		var failure *FailureError
		if errors.As(err, &failure) {
			return nil, err
		}
		lastErr = err
		c.Log.WithError(err).WithField("tracker", rawURL).Warn("tracker announce failed, trying next")
	}
	if lastErr == nil {
		lastErr = errors.New("tracker: no announce URLs available")
	}
	return nil, lastErr
}

// shuffledTierURLs flattens tiers into a single try-order list, shuffling
// the URLs within each tier independently so repeated failures of the
// first URL in a tier don't starve its siblings (BEP-12).
func (c *Client) shuffledTierURLs(t *metainfo.Torrent) []string {
	var out []string
	for _, tier := range tiers(t) {
		shuffled := append([]string(nil), tier...)
		c.rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		out = append(out, shuffled...)
	}
	return out
}

// buildAnnounceURL constructs the announce GET URL, percent-encoding
// info_hash and peer_id octet-by-octet rather than as UTF-8 text, per the
// tracker wire protocol (net/url's Values.Encode would treat them as
// ordinary UTF-8 strings, which is not the same thing for arbitrary
// 20-byte identifiers).
func (c *Client) buildAnnounceURL(u url.URL, t *metainfo.Torrent, id *ClientIdentity, event Event, stats Stats) string {
	q := u.RawQuery
	var extra string
	values := url.Values{
		"port":       []string{strconv.Itoa(int(id.Port))},
		"uploaded":   []string{strconv.FormatInt(stats.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(stats.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(stats.Left, 10)},
		"compact":    []string{"1"},
	}
	if event != EventNone {
		values.Set("event", string(event))
	}
	if c.trackerID != "" {
		values.Set("trackerid", c.trackerID)
	}
	extra = values.Encode()
	extra += "&info_hash=" + percentEncodeOctets(t.InfoHash[:])
	extra += "&peer_id=" + percentEncodeOctets(id.PeerID[:])

	if q != "" {
		q += "&" + extra
	} else {
		q = extra
	}
	u.RawQuery = q
	return u.String()
}

// percentEncodeOctets percent-encodes every byte of b as %XX, the form
// trackers expect for info_hash/peer_id; url.QueryEscape would instead
// pass through bytes that happen to be ASCII letters/digits/punctuation,
// which is correct for text but not for an opaque 20-byte identifier.
func percentEncodeOctets(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		out = append(out, '%', hex[c>>4], hex[c&0x0f])
	}
	return string(out)
}

// fetch performs the HTTP GET and parses the bencoded response body.
func (c *Client) fetch(ctx context.Context, announceURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: build request")
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: request failed")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker: non-200 status %s", res.Status)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: read response body")
	}

	v, err := bencode.Decode(body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decode response")
	}
	return parseResponse(v)
}

// parseResponse builds a Response from a decoded tracker reply.
func parseResponse(v bencode.Value) (*Response, error) {
	if v.Kind != bencode.KindDict {
		return nil, errors.New("tracker: response is not a dictionary")
	}

	if failure, ok := v.Get("failure reason"); ok && failure.Kind == bencode.KindString {
		return nil, &FailureError{Reason: string(failure.Str)}
	}

	interval, ok := v.Get("interval")
	if !ok || interval.Kind != bencode.KindInt || interval.Int <= 0 {
		return nil, errors.New("tracker: response missing interval")
	}
	resp := &Response{Interval: time.Duration(interval.Int) * time.Second}

	if minInterval, ok := v.Get("min interval"); ok && minInterval.Kind == bencode.KindInt && minInterval.Int > 0 {
		resp.MinInterval = time.Duration(minInterval.Int) * time.Second
	}
	if trackerID, ok := v.Get("tracker id"); ok && trackerID.Kind == bencode.KindString {
		resp.TrackerID = string(trackerID.Str)
	}

	peers, ok := v.Get("peers")
	if !ok {
		return nil, errors.New("tracker: response missing peers")
	}
	parsed, err := parsePeers(peers)
	if err != nil {
		return nil, err
	}
	resp.Peers = parsed
	return resp, nil
}

// parsePeers supports both peer-list encodings: a compact byte string
// (BEP-23) and a list of dictionaries with ip/port/peer id.
func parsePeers(v bencode.Value) ([]PeerAddress, error) {
	switch v.Kind {
	case bencode.KindString:
		return parseCompactPeers(v.Str)
	case bencode.KindList:
		return parseDictPeers(v.List)
	default:
		return nil, errors.New("tracker: peers is neither a byte string nor a list")
	}
}

// parseCompactPeers parses the BEP-23 compact form: 6 bytes per peer,
// 4-byte IPv4 address followed by a 2-byte big-endian port.
func parseCompactPeers(data []byte) ([]PeerAddress, error) {
	const peerSize = net.IPv4len + 2
	if len(data)%peerSize != 0 {
		return nil, errors.Errorf("tracker: compact peers length %d not divisible by %d", len(data), peerSize)
	}
	peers := make([]PeerAddress, 0, len(data)/peerSize)
	for i := 0; i < len(data); i += peerSize {
		ip := net.IP(append([]byte(nil), data[i:i+net.IPv4len]...))
		port := uint16(data[i+net.IPv4len])<<8 | uint16(data[i+net.IPv4len+1])
		peers = append(peers, PeerAddress{IP: ip, Port: port})
	}
	return peers, nil
}

// parseDictPeers parses the dictionary form: a list of mappings each with
// ip, port and an optional peer id (peer id is not otherwise used).
func parseDictPeers(list []bencode.Value) ([]PeerAddress, error) {
	peers := make([]PeerAddress, 0, len(list))
	for i, entry := range list {
		if entry.Kind != bencode.KindDict {
			return nil, errors.Errorf("tracker: peers[%d] is not a dictionary", i)
		}
		ipVal, ok := entry.Get("ip")
		if !ok || ipVal.Kind != bencode.KindString {
			return nil, errors.Errorf("tracker: peers[%d] missing ip", i)
		}
		portVal, ok := entry.Get("port")
		if !ok || portVal.Kind != bencode.KindInt {
			return nil, errors.Errorf("tracker: peers[%d] missing port", i)
		}
		ip := net.ParseIP(string(ipVal.Str)).To4()
		if ip == nil {
			return nil, errors.Errorf("tracker: peers[%d] has a non-IPv4 ip %q", i, ipVal.Str)
		}
		peers = append(peers, PeerAddress{IP: ip, Port: uint16(portVal.Int)})
	}
	return peers, nil
}
