// Package journal provides implementations of fsv's Journaler interface that
// write events as JSON lines, along with readers for the written journal.
package journal

import (
	"os"
	"path/filepath"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// multiWriter combines multiple journalers.
type multiWriter []fsv.Journaler

// MultiWriter creates a journaler that writes to multiple other journalers.
// Every journaler is written to even if one fails; the first error is
// returned.
func MultiWriter(ws ...fsv.Journaler) fsv.Journaler {
	return multiWriter(ws)
}

func (ws multiWriter) Write(event fsv.Event) error {
	var firstErr error
	for _, writer := range ws {
		if err := writer.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// FileOpts configures the rotation of a journal file.
type FileOpts struct {
	// MaxSize is the size in megabytes at which the file is rotated.
	MaxSize int
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int
}

// DefaultFileOpts is used when zero FileOpts are given.
var DefaultFileOpts = FileOpts{
	MaxSize:    10,
	MaxBackups: 3,
}

// FileJournaler is a journaler that appends to a rotated file.
//
// Reading the Journal
//
// Each event is written with a single write call, so readers never need to
// coordinate with the writer. Only the newest file is read by Tail; rotated
// files are kept next to it with a timestamp in their name.
type FileJournaler struct {
	Writer
	l *lumberjack.Logger
}

var _ fsv.Journaler = (*FileJournaler)(nil)

// OpenFile opens the journal file at path for appending.
func OpenFile(path string, opts FileOpts) (*FileJournaler, error) {
	if opts == (FileOpts{}) {
		opts = DefaultFileOpts
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create journal directory")
	}

	l := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
	}

	return &FileJournaler{
		Writer: NewWriter(l),
		l:      l,
	}, nil
}

// Close closes the file.
func (f *FileJournaler) Close() error {
	return f.l.Close()
}
