// Package client is the top-level composition root: it wires metainfo,
// tracker, scheduler and storage together into a single Download call.
package client

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/haraldnord/goleech/metainfo"
	"github.com/haraldnord/goleech/scheduler"
	"github.com/haraldnord/goleech/storage"
	"github.com/haraldnord/goleech/tracker"
)

// clientPrefix is this client's Azureus-style peer_id tag.
const clientPrefix = "-GL0001-"

// TorrentParseError means the .torrent file itself could not be read or
// decoded.
type TorrentParseError struct {
	Err error
}

func (e *TorrentParseError) Error() string { return e.Err.Error() }
func (e *TorrentParseError) Unwrap() error { return e.Err }

// Stats summarizes a finished or aborted download. PiecesCompleted equals
// PiecesTotal when every piece completed and is 0 otherwise; partial
// progress of an aborted download is not counted.
type Stats struct {
	Torrent         *metainfo.Torrent
	OutputPath      string
	PiecesTotal     int
	PiecesCompleted int
}

// ProgressCallback is handed through unchanged to scheduler.Coordinator.
type ProgressCallback = scheduler.ProgressCallback

// Options configures a Download call; all fields but TorrentPath are
// optional.
type Options struct {
	TorrentPath string
	OutputDir   string
	Port        uint16
	Log         logrus.FieldLogger
	OnProgress  ProgressCallback
}

// Download opens a torrent file, announces to its tracker with
// event=started, and drives the download to completion (or ctx
// cancellation / a fatal error) via a scheduler.Coordinator, writing
// verified pieces to a single output file via storage.FileWriter.
func Download(ctx context.Context, opts Options) (*Stats, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	t, err := metainfo.Open(opts.TorrentPath)
	if err != nil {
		return nil, &TorrentParseError{Err: errors.Wrap(err, "client: parse torrent file")}
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(opts.TorrentPath)
	}
	outPath := filepath.Join(outDir, t.Name)

	port := opts.Port
	if port == 0 {
		port = 6881
	}
	identity, err := tracker.NewClientIdentity(clientPrefix, port)
	if err != nil {
		return nil, errors.Wrap(err, "client: build identity")
	}

	writer, err := storage.Create(outPath, t.TotalLength, t.PieceLength)
	if err != nil {
		return nil, errors.Wrap(err, "client: create output file")
	}

	trackerClient := tracker.NewClient(log)
	coord := scheduler.NewCoordinator(t, &identity, trackerClient, writer, log, opts.OnProgress)

	runErr := coord.Run(ctx)
	closeErr := writer.Close()

	completed := coord.AllComplete()
	piecesCompleted := 0
	if completed {
		piecesCompleted = t.PieceCount()
	}
	result := &Stats{
		Torrent:         t,
		OutputPath:      outPath,
		PiecesTotal:     t.PieceCount(),
		PiecesCompleted: piecesCompleted,
	}

	if runErr != nil {
		return result, runErr
	}
	if closeErr != nil {
		return result, errors.Wrap(closeErr, "client: finalize output file")
	}
	if !completed {
		return result, errors.New("client: download ended without completing all pieces")
	}
	return result, nil
}
