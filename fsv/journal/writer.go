package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"github.com/pkg/errors"
)

// Entry describes the JSON structure of a journal line.
type Entry struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	Data fsv.Event `json:"data"`
}

// Writer is a simple journaler that writes line-delimited JSON events into the
// writer.
type Writer struct {
	w   io.Writer
	now func() time.Time
}

var _ fsv.Journaler = (*Writer)(nil)

// NewWriter creates a new journal writer.
func NewWriter(w io.Writer) Writer {
	return Writer{w, time.Now}
}

// Write writes the given event into the writer as a single line. Each line is
// given to the underlying writer in one call.
func (l Writer) Write(ev fsv.Event) error {
	entry := Entry{
		Time: l.now(),
		Type: ev.Type(),
		Data: ev,
	}

	buf := bytes.Buffer{}
	buf.Grow(512)

	// Encode already terminates the line.
	if err := json.NewEncoder(&buf).Encode(entry); err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	_, err := l.w.Write(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "failed to write event")
	}

	return nil
}
