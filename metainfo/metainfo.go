// Package metainfo provides a typed view over a decoded .torrent file: the
// announce URL(s), piece layout and per-piece SHA-1 digests, total length
// and suggested file name, plus the info_hash needed to identify the
// torrent to a tracker and to peers. Only single-file torrents are
// supported.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/haraldnord/goleech/bencode"
)

// Torrent is the typed, validated view of a single-file .torrent.
type Torrent struct {
	Announce     string
	AnnounceList [][]string // tiers, outer-to-inner priority order, per BEP-12
	InfoHash     [20]byte
	Name         string
	PieceLength  int64
	TotalLength  int64
	PieceHashes  [][20]byte
}

// Open reads and parses the .torrent file at path.
func Open(path string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: read torrent file")
	}
	return Parse(data)
}

// Parse decodes a .torrent file's bytes into a Torrent, computing InfoHash
// as the SHA-1 of the original source bytes of the "info" sub-dictionary
// (not a re-encoding), so the result matches the digest announced to
// trackers and exchanged in handshakes even when the source's dictionary
// keys are not in canonical order.
func Parse(data []byte) (*Torrent, error) {
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decode torrent file")
	}

	announce, ok := top.Get("announce")
	if !ok || announce.Kind != bencode.KindString || len(announce.Str) == 0 {
		return nil, errors.New("metainfo: torrent file missing announce key")
	}

	announceList := parseAnnounceList(top)

	infoSpan, err := bencode.EntrySpan(data, "info")
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: locate info dictionary")
	}
	infoBytes := data[infoSpan.Start:infoSpan.End]
	info, err := bencode.Decode(infoBytes)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: re-parse info dictionary")
	}
	if info.Kind != bencode.KindDict {
		return nil, errors.New("metainfo: info key is not a dictionary")
	}
	infoHash := sha1.Sum(infoBytes)

	t, err := fromInfoDict(info, infoHash)
	if err != nil {
		return nil, err
	}
	t.Announce = string(announce.Str)
	t.AnnounceList = announceList
	return t, nil
}

// fromInfoDict builds a Torrent from the already-extracted info dictionary
// value, rejecting anything that isn't a single-file torrent.
func fromInfoDict(info bencode.Value, infoHash [20]byte) (*Torrent, error) {
	name, ok := info.Get("name")
	if !ok || name.Kind != bencode.KindString || len(name.Str) == 0 {
		return nil, errors.New("metainfo: info dictionary missing key name")
	}

	pieceLen, ok := info.Get("piece length")
	if !ok || pieceLen.Kind != bencode.KindInt {
		return nil, errors.New("metainfo: info dictionary missing key piece length")
	}
	if pieceLen.Int <= 0 {
		return nil, errors.Errorf("metainfo: non-positive piece length %d", pieceLen.Int)
	}

	if _, ok := info.Get("files"); ok {
		return nil, errors.New("metainfo: multi-file torrents are not supported")
	}

	length, ok := info.Get("length")
	if !ok || length.Kind != bencode.KindInt {
		return nil, errors.New("metainfo: info dictionary missing key length")
	}
	if length.Int <= 0 {
		return nil, errors.Errorf("metainfo: non-positive length %d", length.Int)
	}

	pieces, ok := info.Get("pieces")
	if !ok || pieces.Kind != bencode.KindString {
		return nil, errors.New("metainfo: info dictionary missing key pieces")
	}
	hashes, err := splitPieceHashes(pieces.Str)
	if err != nil {
		return nil, err
	}

	wantCount := pieceCount(length.Int, pieceLen.Int)
	if int64(len(hashes)) != wantCount {
		return nil, errors.Errorf("metainfo: expected %d piece hashes for length %d at piece length %d, got %d",
			wantCount, length.Int, pieceLen.Int, len(hashes))
	}

	return &Torrent{
		InfoHash:    infoHash,
		Name:        string(name.Str),
		PieceLength: pieceLen.Int,
		TotalLength: length.Int,
		PieceHashes: hashes,
	}, nil
}

// splitPieceHashes splits the concatenated 20-byte SHA-1 digests of the
// pieces key into individual hashes.
func splitPieceHashes(pieces []byte) ([][20]byte, error) {
	if len(pieces)%20 != 0 {
		return nil, errors.Errorf("metainfo: pieces has a length not divisible by 20: %d", len(pieces))
	}
	hashes := make([][20]byte, len(pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*20:(i+1)*20])
	}
	return hashes, nil
}

// parseAnnounceList flattens the announce-list key, if present, into
// ordered tiers of URL strings; malformed entries are skipped rather than
// failing the whole parse, since the primary announce key still works.
func parseAnnounceList(top bencode.Value) [][]string {
	annList, ok := top.Get("announce-list")
	if !ok || annList.Kind != bencode.KindList {
		return nil
	}
	var tiers [][]string
	for _, tier := range annList.List {
		if tier.Kind != bencode.KindList {
			continue
		}
		var urls []string
		for _, u := range tier.List {
			if u.Kind != bencode.KindString || len(u.Str) == 0 {
				continue
			}
			urls = append(urls, string(u.Str))
		}
		if len(urls) > 0 {
			tiers = append(tiers, urls)
		}
	}
	return tiers
}

// PieceCount returns the number of pieces the torrent is split into.
func (t *Torrent) PieceCount() int {
	return len(t.PieceHashes)
}

// PieceSize returns the size in bytes of the piece at index, which is
// PieceLength for every piece except the last.
func (t *Torrent) PieceSize(index int) (int64, error) {
	n := t.PieceCount()
	if index < 0 || index >= n {
		return 0, fmt.Errorf("metainfo: piece index %d out of range [0, %d)", index, n)
	}
	if index == n-1 {
		return t.TotalLength - int64(n-1)*t.PieceLength, nil
	}
	return t.PieceLength, nil
}

// pieceCount computes ceil(totalLength / pieceLength).
func pieceCount(totalLength, pieceLength int64) int64 {
	return (totalLength + pieceLength - 1) / pieceLength
}
