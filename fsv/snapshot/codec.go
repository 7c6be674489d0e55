// Package snapshot persists the state of a supervisor into its service
// directory, and reads it back for status queries.
//
// Format
//
// A snapshot is a fixed-size, big-endian record without padding:
//
//    offset  size  field
//    0       4     magic "fsv\x00"
//    4       2     version
//    6       2     flags (bit 0 running, bit 1 gave up, bit 2 logger gave up)
//    8       12    run ID
//    20      8     supervisor PID
//    28      8     start time, Unix nanoseconds
//    36      8     retry timeout, seconds
//    44      56    command process
//    100     56    logger process
//    156     4     CRC-32 (IEEE) of the preceding bytes
//
// A process is its PID, total launches, window in seconds, recent restarts,
// maximum restarts, last launch in Unix nanoseconds (all 8 bytes each), then
// the raw wait status and flags (bit 0 waiting, bit 1 enabled, bit 2 exited; 4
// bytes each).
// Zero times are stored as 0.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Version is the version of the format written by Encode.
const Version = 1

// Size is the size of an encoded snapshot.
const Size = 160

var magic = [4]byte{'f', 's', 'v', 0}

var (
	ErrSize     = errors.Errorf("snapshot is not %d bytes long", Size)
	ErrMagic    = errors.New("not a snapshot")
	ErrVersion  = errors.New("unsupported snapshot version")
	ErrChecksum = errors.New("snapshot checksum mismatch")
)

const (
	flagRunning uint16 = 1 << iota
	flagGaveUp
	flagLoggerGaveUp
)

const (
	procWaiting uint32 = 1 << iota
	procEnabled
	procExited
)

type header struct {
	Magic   [4]byte
	Version uint16
	Flags   uint16
}

type supervisorRecord struct {
	RunID   [12]byte
	PID     int64
	Since   int64
	Timeout int64
}

type procRecord struct {
	PID            int64
	TotalExecs     uint64
	Window         int64
	RecentRestarts uint64
	MaxRestarts    uint64
	LastLaunch     int64
	LastStatus     uint32
	Flags          uint32
}

type record struct {
	Header     header
	Supervisor supervisorRecord
	Command    procRecord
	Logger     procRecord
}

// Encode encodes the state into a snapshot of exactly Size bytes.
func Encode(st *fsv.State) []byte {
	rec := record{
		Header: header{Magic: magic, Version: Version},
		Supervisor: supervisorRecord{
			RunID:   st.RunID,
			PID:     int64(st.PID),
			Since:   unixNano(st.Since),
			Timeout: int64(st.Timeout / time.Second),
		},
		Command: encodeProc(&st.Command),
		Logger:  encodeProc(&st.Logger),
	}

	if st.Running {
		rec.Header.Flags |= flagRunning
	}
	if st.GaveUp {
		rec.Header.Flags |= flagGaveUp
	}
	if st.LoggerGaveUp {
		rec.Header.Flags |= flagLoggerGaveUp
	}

	var buf bytes.Buffer
	buf.Grow(Size)

	// Writing fixed-size values into a bytes.Buffer cannot fail.
	binary.Write(&buf, binary.BigEndian, &rec)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))

	return buf.Bytes()
}

func encodeProc(p *fsv.Proc) procRecord {
	rec := procRecord{
		PID:            int64(p.PID),
		TotalExecs:     p.TotalExecs,
		Window:         int64(p.Window / time.Second),
		RecentRestarts: p.RecentRestarts,
		MaxRestarts:    p.MaxRestarts,
		LastLaunch:     unixNano(p.LastLaunch),
		LastStatus:     uint32(p.LastStatus),
	}

	if p.Waiting {
		rec.Flags |= procWaiting
	}
	if p.Enabled {
		rec.Flags |= procEnabled
	}
	if p.Exited {
		rec.Flags |= procExited
	}

	return rec
}

// Decode decodes a snapshot produced by Encode.
func Decode(b []byte) (*fsv.State, error) {
	if len(b) != Size {
		return nil, ErrSize
	}

	body, sum := b[:Size-4], binary.BigEndian.Uint32(b[Size-4:])

	var rec record
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot")
	}

	if rec.Header.Magic != magic {
		return nil, ErrMagic
	}
	if rec.Header.Version != Version {
		return nil, errors.Wrapf(ErrVersion, "version %d", rec.Header.Version)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, ErrChecksum
	}

	return &fsv.State{
		RunID:   rec.Supervisor.RunID,
		PID:     int(rec.Supervisor.PID),
		Running: rec.Header.Flags&flagRunning != 0,
		Since:   fromUnixNano(rec.Supervisor.Since),
		Timeout: time.Duration(rec.Supervisor.Timeout) * time.Second,
		GaveUp:  rec.Header.Flags&flagGaveUp != 0,

		LoggerGaveUp: rec.Header.Flags&flagLoggerGaveUp != 0,

		Command: decodeProc(&rec.Command),
		Logger:  decodeProc(&rec.Logger),
	}, nil
}

func decodeProc(rec *procRecord) fsv.Proc {
	return fsv.Proc{
		PID:            int(rec.PID),
		TotalExecs:     rec.TotalExecs,
		Window:         time.Duration(rec.Window) * time.Second,
		RecentRestarts: rec.RecentRestarts,
		MaxRestarts:    rec.MaxRestarts,
		LastLaunch:     fromUnixNano(rec.LastLaunch),
		LastStatus:     unix.WaitStatus(rec.LastStatus),
		Waiting:        rec.Flags&procWaiting != 0,
		Enabled:        rec.Flags&procEnabled != 0,
		Exited:         rec.Flags&procExited != 0,
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
