package exec

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Reaped is a state change of a child collected by Reap.
type Reaped struct {
	PID    int
	Status unix.WaitStatus
}

// Reap collects one pending child state change without blocking. Stopped and
// continued children are reported too. ok is false once there is nothing left
// to collect, including when the process has no children at all.
func Reap() (r Reaped, ok bool, err error) {
	const flags = unix.WNOHANG | unix.WUNTRACED | unix.WCONTINUED

	for {
		var status unix.WaitStatus

		pid, err := unix.Wait4(-1, &status, flags, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return Reaped{}, false, nil
		case err != nil:
			return Reaped{}, false, errors.Wrap(err, "wait4")
		case pid <= 0:
			return Reaped{}, false, nil
		}

		return Reaped{PID: pid, Status: status}, true, nil
	}
}

// Terminated returns true if the status describes a child that is gone, as
// opposed to one that was only stopped or continued.
func Terminated(status unix.WaitStatus) bool {
	return status.Exited() || status.Signaled()
}

// DescribeStatus formats a wait status for humans, e.g. "exited 1" or
// "terminated by signal: killed (9)".
func DescribeStatus(status unix.WaitStatus) string {
	switch {
	case status.Exited():
		return fmt.Sprintf("exited %d", status.ExitStatus())
	case status.Signaled():
		var b strings.Builder
		sig := status.Signal()
		fmt.Fprintf(&b, "terminated by signal: %s (%d)", sig, int(sig))
		if status.CoreDump() {
			b.WriteString(", dumped core")
		}
		return b.String()
	case status.Stopped():
		sig := status.StopSignal()
		return fmt.Sprintf("stopped by signal: %s (%d)", sig, int(sig))
	case status.Continued():
		return "continued"
	default:
		return fmt.Sprintf("unknown status %#x", uint32(status))
	}
}
