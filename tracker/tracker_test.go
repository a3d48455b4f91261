package tracker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haraldnord/goleech/bencode"
	"github.com/haraldnord/goleech/metainfo"
)

func TestPercentEncodeOctets(t *testing.T) {
	got := percentEncodeOctets([]byte{0x00, 0xff, 'a', ' '})
	assert.Equal(t, "%00%FF%61%20", got)
}

func TestBuildAnnounceURLEncodesInfoHashAndPeerIDAsOctets(t *testing.T) {
	c := NewClient(nil)
	tor := &metainfo.Torrent{InfoHash: [20]byte{0x01, 0x02}}
	id := &ClientIdentity{PeerID: [20]byte{0xAB}, Port: 6881}

	u, err := url.Parse("http://tracker.example/announce")
	require.NoError(t, err)
	raw := c.buildAnnounceURL(*u, tor, id, EventStarted, Stats{Uploaded: 1, Downloaded: 2, Left: 3})

	assert.Contains(t, raw, "info_hash=%01%02%00")
	assert.Contains(t, raw, "peer_id=%AB%00")
	assert.Contains(t, raw, "event=started")
	assert.Contains(t, raw, "compact=1")
	assert.Contains(t, raw, "port=6881")
}

func TestBuildAnnounceURLOmitsEventWhenNone(t *testing.T) {
	c := NewClient(nil)
	tor := &metainfo.Torrent{}
	id := &ClientIdentity{Port: 1}
	u, err := url.Parse("http://tracker.example/announce")
	require.NoError(t, err)
	raw := c.buildAnnounceURL(*u, tor, id, EventNone, Stats{})
	assert.NotContains(t, raw, "event=")
}

func TestParseCompactPeers(t *testing.T) {
	data := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	peers, err := parseCompactPeers(data)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "127.0.0.1", peers[0].IP.String())
	assert.Equal(t, uint16(0x1AE1), peers[0].Port)
	assert.Equal(t, "10.0.0.2", peers[1].IP.String())
}

func TestParseCompactPeersRejectsMisalignedLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseDictPeers(t *testing.T) {
	list := []bencode.Value{
		bencode.Dict(bencode.Entry("ip", bencode.String("1.2.3.4")), bencode.Entry("port", bencode.Int(6881))),
	}
	peers, err := parseDictPeers(list)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "1.2.3.4", peers[0].IP.String())
	assert.Equal(t, uint16(6881), peers[0].Port)
}

func TestParseResponseReturnsFailureError(t *testing.T) {
	v := bencode.Dict(bencode.Entry("failure reason", bencode.String("banned")))
	_, err := parseResponse(v)
	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "banned", failure.Reason)
}

func TestParseResponseParsesIntervalAndCompactPeers(t *testing.T) {
	peerBytes := []byte{127, 0, 0, 1, 0x1A, 0xE1}
	v := bencode.Dict(
		bencode.Entry("interval", bencode.Int(1800)),
		bencode.Entry("min interval", bencode.Int(900)),
		bencode.Entry("tracker id", bencode.String("abc")),
		bencode.Entry("peers", bencode.Bytes(peerBytes)),
	)
	resp, err := parseResponse(v)
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	assert.Equal(t, 900*time.Second, resp.MinInterval)
	assert.Equal(t, "abc", resp.TrackerID)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
}

func TestParseResponseRejectsMissingInterval(t *testing.T) {
	v := bencode.Dict(bencode.Entry("peers", bencode.Bytes(nil)))
	_, err := parseResponse(v)
	require.Error(t, err)
}

func TestShuffledTierURLsIncludesAllTiers(t *testing.T) {
	c := NewClient(nil)
	tor := &metainfo.Torrent{
		Announce:     "http://primary/announce",
		AnnounceList: [][]string{{"http://a1", "http://a2"}, {"http://b1"}},
	}
	urls := c.shuffledTierURLs(tor)
	require.Len(t, urls, 3)
	assert.Contains(t, urls, "http://a1")
	assert.Contains(t, urls, "http://a2")
	assert.Contains(t, urls, "http://b1")
}

func TestTiersFallsBackToAnnounceWhenNoList(t *testing.T) {
	tor := &metainfo.Torrent{Announce: "http://only/announce"}
	tt := tiers(tor)
	require.Len(t, tt, 1)
	assert.Equal(t, []string{"http://only/announce"}, tt[0])
}

func TestNewClientIdentityUsesPrefixAndRandomSuffix(t *testing.T) {
	id, err := NewClientIdentity("-GL0001-", 6881)
	require.NoError(t, err)
	assert.Equal(t, "-GL0001-", string(id.PeerID[:8]))
	assert.Equal(t, uint16(6881), id.Port)
}

func TestNewClientIdentityRejectsWrongPrefixLength(t *testing.T) {
	_, err := NewClientIdentity("short", 6881)
	require.Error(t, err)
}

func trackerReply(entries ...bencode.DictEntry) []byte {
	return bencode.Encode(bencode.Dict(entries...))
}

func TestAnnounceParsesResponseAndEchoesTrackerID(t *testing.T) {
	var gotQueries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQueries = append(gotQueries, r.URL.Query())
		w.Write(trackerReply(
			bencode.Entry("interval", bencode.Int(1800)),
			bencode.Entry("tracker id", bencode.String("tid-1")),
			bencode.Entry("peers", bencode.Bytes([]byte{127, 0, 0, 1, 0x1A, 0xE1})),
		))
	}))
	defer srv.Close()

	c := NewClient(nil)
	tor := &metainfo.Torrent{Announce: srv.URL}
	id := &ClientIdentity{Port: 6881}

	resp, err := c.Announce(context.Background(), tor, id, EventStarted, Stats{Left: 100})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)

	_, err = c.Announce(context.Background(), tor, id, EventNone, Stats{Left: 100})
	require.NoError(t, err)

	require.Len(t, gotQueries, 2)
	assert.Equal(t, "started", gotQueries[0].Get("event"))
	assert.Empty(t, gotQueries[0].Get("trackerid"))
	assert.Empty(t, gotQueries[1].Get("event"))
	assert.Equal(t, "tid-1", gotQueries[1].Get("trackerid"))
}

func TestAnnounceFailsOverPastDeadTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(trackerReply(
			bencode.Entry("interval", bencode.Int(60)),
			bencode.Entry("peers", bencode.Bytes(nil)),
		))
	}))
	defer srv.Close()

	// The first tier's only tracker refuses connections; the sweep must
	// move on to the second tier within the same announce attempt.
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	c := NewClient(nil)
	tor := &metainfo.Torrent{
		Announce:     deadURL,
		AnnounceList: [][]string{{deadURL}, {srv.URL}},
	}
	resp, err := c.Announce(context.Background(), tor, &ClientIdentity{Port: 1}, EventNone, Stats{})
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, resp.Interval)
}

func TestAnnounceStopsOnFailureReasonWithoutRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(trackerReply(bencode.Entry("failure reason", bencode.String("unregistered torrent"))))
	}))
	defer srv.Close()

	c := NewClient(nil)
	tor := &metainfo.Torrent{Announce: srv.URL}
	_, err := c.Announce(context.Background(), tor, &ClientIdentity{Port: 1}, EventStarted, Stats{})

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "unregistered torrent", failure.Reason)
	assert.Equal(t, 1, calls)
}

func TestPeerAddressString(t *testing.T) {
	p := PeerAddress{IP: net.ParseIP("192.168.1.1"), Port: 51413}
	assert.Equal(t, "192.168.1.1:51413", p.String())
}
