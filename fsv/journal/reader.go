package journal

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"git.unix.lgbt/diamondburned/fsv/fsv/journal/backwardio"
	"github.com/pkg/errors"
)

// maxLine is the longest journal line Reader accepts.
const maxLine = 64 * 1024

// Reader reads a journal written by Writer from the newest entry to the
// oldest.
type Reader struct {
	b *backwardio.BackwardsReader
}

// NewReader creates a new journal reader.
func NewReader(r io.ReadSeeker) *Reader {
	return &Reader{backwardio.NewBackwardsReaderSize(r, maxLine)}
}

// Read reads a single entry, starting from the bottom of the file. An EOF
// error is returned if the file has been fully consumed.
func (r *Reader) Read() (*Entry, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}

	return decodeLine(line)
}

func (r *Reader) readLine() ([]byte, error) {
	for {
		line, err := r.b.ReadUntil('\n')
		if err != nil {
			return nil, err
		}
		if len(line) > 0 {
			return line, nil
		}
	}
}

func decodeLine(line []byte) (*Entry, error) {
	var raw struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode JSON")
	}

	event := fsv.NewEvent(raw.Type)
	if event == nil {
		return nil, errors.Errorf("unknown event %q", raw.Type)
	}

	if err := json.Unmarshal(raw.Data, event); err != nil {
		return nil, errors.Wrap(err, "failed to decode event data")
	}

	return &Entry{
		Time: raw.Time,
		Type: raw.Type,
		Data: event,
	}, nil
}

// Tail returns the last n entries of the journal file in the order they were
// written. Lines that cannot be decoded are skipped. A missing file has no
// entries.
func Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to open journal")
	}
	defer f.Close()

	return TailReader(f, n)
}

// TailReader is Tail on an already opened journal.
func TailReader(r io.ReadSeeker, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	reader := NewReader(r)
	entries := make([]Entry, 0, n)

	for len(entries) < n {
		line, err := reader.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		entry, err := decodeLine(line)
		if err != nil {
			continue
		}

		entries = append(entries, *entry)
	}

	// Entries were read newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}
