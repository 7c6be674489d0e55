package snapshot

import (
	"context"
	"path/filepath"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watch calls fn with the current snapshot in dir, then again every time it is
// replaced, until the context is canceled or fn returns false. Snapshots that
// fail to decode are skipped.
func Watch(ctx context.Context, dir string, fn func(*fsv.State) bool) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer w.Close()

	// The snapshot is renamed into place, so watch the directory instead of
	// the file.
	if err := w.Add(dir); err != nil {
		return errors.Wrap(err, "failed to watch service dir")
	}

	if st, err := Read(dir); err == nil && !fn(st) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "inotify error")

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isSnapshotEvent(ev) {
				continue
			}

			st, err := Read(dir)
			if err != nil {
				continue
			}
			if !fn(st) {
				return nil
			}
		}
	}
}

// isSnapshotEvent returns true if the event may have replaced the snapshot. A
// rename into place is reported as a Create on the target.
func isSnapshotEvent(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != FileName {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write) != 0
}
