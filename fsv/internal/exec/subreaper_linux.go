package exec

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetSubreaper marks the supervisor as the child subreaper of everything it
// spawns. Descendants orphaned by the command are then reparented to the
// supervisor instead of init, and show up in Reap as unknown children.
func SetSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "failed to set subreaper")
	}
	return nil
}
