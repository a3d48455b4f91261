// Package storage implements the single-file sparse random-access sink
// that the coordinator writes verified pieces into: pre-sized to the
// torrent's total length on creation, written one piece at a time via
// WritePiece, and fsynced once on Close rather than after every piece.
package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// FileWriter is a sparse, positional sink for a single output file.
type FileWriter struct {
	f           *os.File
	pieceLength int64
}

// Create creates (or truncates) the file at path to exactly totalLength
// bytes and returns a FileWriter ready to accept pieces at
// index * pieceLength.
func Create(path string, totalLength, pieceLength int64) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: create %s", path)
	}
	if totalLength > 0 {
		if _, err := f.Seek(totalLength-1, io.SeekStart); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "storage: preallocate %s", path)
		}
		if _, err := f.Write([]byte{0}); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "storage: preallocate %s", path)
		}
	}
	return &FileWriter{f: f, pieceLength: pieceLength}, nil
}

// WritePiece writes data at the byte offset index*pieceLength.
func (w *FileWriter) WritePiece(index int, data []byte) error {
	offset := int64(index) * w.pieceLength
	if _, err := w.f.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "storage: write piece %d at offset %d", index, offset)
	}
	return nil
}

// Close fsyncs the file once and closes it; durability is paid at
// completion, not per piece.
func (w *FileWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "storage: fsync")
	}
	return errors.Wrap(w.f.Close(), "storage: close")
}
