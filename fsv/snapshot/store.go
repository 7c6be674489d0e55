package snapshot

import (
	"os"
	"path/filepath"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// File names inside a service directory.
const (
	FileName = "snapshot"
	LockName = "lock"
	tempName = ".snapshot.tmp"
)

// ErrLocked is returned by Open if another supervisor holds the directory.
var ErrLocked = errors.New("service directory is locked by another supervisor")

// Store writes snapshots into a service directory. Only one Store may hold a
// directory at a time; the lock lives on its own file, since the snapshot
// itself is replaced on every write.
type Store struct {
	dir  string
	lock *flock.Flock
}

var _ fsv.Snapshotter = (*Store)(nil)

// Open creates the service directory if needed and takes its lock. ErrLocked is
// returned if the lock is already taken.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create service dir")
	}

	lock := flock.New(filepath.Join(dir, LockName))

	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire lock")
	}
	if !ok {
		return nil, ErrLocked
	}

	return &Store{dir: dir, lock: lock}, nil
}

// Dir returns the service directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the path to the snapshot file.
func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// WriteState replaces the snapshot with the given state. Readers see either
// the previous snapshot or the new one, never a partial write.
func (s *Store) WriteState(st *fsv.State) error {
	tmp := filepath.Join(s.dir, tempName)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot")
	}

	if _, err := f.Write(Encode(st)); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write snapshot")
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to sync snapshot")
	}

	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close snapshot")
	}

	if err := os.Rename(tmp, s.Path()); err != nil {
		return errors.Wrap(err, "failed to commit snapshot")
	}

	return nil
}

// Close releases the lock. The snapshot is left in place for queries.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Read reads the snapshot inside the given service directory.
func Read(dir string) (*fsv.State, error) {
	return ReadFile(filepath.Join(dir, FileName))
}

// ReadFile reads and decodes a snapshot file.
func ReadFile(path string) (*fsv.State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot")
	}

	st, err := Decode(b)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid snapshot %q", path)
	}

	return st, nil
}

// Alive returns true if st was written by a supervisor that is still running.
// It only signals the recorded PID and never touches the lock, so a status
// query cannot keep a supervisor from starting.
func Alive(st *fsv.State) bool {
	if !st.Running || st.PID <= 0 {
		return false
	}

	// Signal 0 only checks that the process exists. EPERM means it does but
	// belongs to another user.
	err := unix.Kill(st.PID, 0)
	return err == nil || err == unix.EPERM
}
