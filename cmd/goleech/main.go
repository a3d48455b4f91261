// Command goleech is the CLI entry point: it parses flags, wires up
// logging, runs client.Download, and maps its outcome to an exit code.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/haraldnord/goleech/client"
	"github.com/haraldnord/goleech/scheduler"
)

const (
	exitSuccess = iota
	exitInvalidArgs
	exitTorrentParseError
	exitTrackerUnreachable
	exitDownloadAborted
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s -T <torrent-file> [options]

    -T path      Path of the torrent file (required)
    -o dir       Output directory (default: the torrent file's directory)
    -p port      Listening port announced to the tracker (default 6881)
    -l file      Log file path (default: stderr)
`, os.Args[0])
}

func main() {
	os.Exit(run())
}

func run() int {
	var torrentPath, outDir, logPath string
	var port uint

	flag.Usage = usage
	flag.StringVar(&torrentPath, "T", "", "")
	flag.StringVar(&outDir, "o", "", "")
	flag.UintVar(&port, "p", 6881, "")
	flag.StringVar(&logPath, "l", "", "")
	flag.Parse()

	if torrentPath == "" || port == 0 || port > 65535 {
		usage()
		return exitInvalidArgs
	}

	log := logrus.New()
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "goleech: open log file: %v\n", err)
			return exitInvalidArgs
		}
		defer f.Close()
		log.SetOutput(f)
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stats, err := client.Download(ctx, client.Options{
		TorrentPath: torrentPath,
		OutputDir:   outDir,
		Port:        uint16(port),
		Log:         log,
		OnProgress:  printProgress,
	})
	if err != nil {
		var parseErr *client.TorrentParseError
		var announceErr *scheduler.InitialAnnounceError
		switch {
		case errors.As(err, &parseErr):
			log.WithError(err).Error("torrent parse error")
			return exitTorrentParseError
		case errors.As(err, &announceErr):
			log.WithError(err).Error("tracker unreachable")
			return exitTrackerUnreachable
		default:
			log.WithError(err).Error("download aborted")
			return exitDownloadAborted
		}
	}

	log.WithField("path", stats.OutputPath).Info("download complete")
	return exitSuccess
}

// printProgress renders a scheduler.ProgressEvent stream onto stdout for a
// human running the CLI interactively; structured logging of the same
// events already happens inside the coordinator via its own logger.
func printProgress(e scheduler.ProgressEvent) {
	if e.Event != "progress" {
		return
	}
	fmt.Printf("\r%d/%d pieces", e.Have, e.Total)
	if e.Have == e.Total {
		fmt.Println()
	}
}
