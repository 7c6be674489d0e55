// Package exec provides the process-level primitives of the supervisor:
// launching a child with an explicit descriptor table, the pipe that fans the
// command's output into the logger, and reaping terminated children.
package exec

import (
	"os"
	osexec "os/exec"

	"github.com/pkg/errors"
)

// ErrExec is wrapped by every error returned from Launcher.Start. A launch
// failure is never retried by the launcher itself.
var ErrExec = errors.New("cannot launch process")

// Stdio is the descriptor table of a new child, indexed by the standard
// stream number. A nil entry binds that stream to the null device.
type Stdio [3]*os.File

// Inherit returns a Stdio that binds stdout and stderr to the supervisor's own
// and stdin to the null device.
func Inherit() Stdio {
	return Stdio{nil, os.Stdout, os.Stderr}
}

// Launcher starts child processes. The zero value is not usable; use
// NewLauncher.
type Launcher struct {
	null *os.File
}

// NewLauncher creates a new launcher. The null device is opened once and shared
// by all children started by this launcher.
func NewLauncher() (*Launcher, error) {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open null device")
	}

	return &Launcher{null: f}, nil
}

// Start starts argv with the given descriptor table and returns the PID of the
// new child. The program is looked up in PATH the same way execvp(3) does.
//
// The child starts with the default disposition for every signal and with the
// signal mask the supervisor had when it started, since the Go runtime restores
// both between fork and exec. Start never waits on the child: the caller owns
// reaping it.
func (l *Launcher) Start(argv []string, stdio Stdio) (int, error) {
	if len(argv) == 0 {
		return 0, errors.Wrap(ErrExec, "empty argument list")
	}

	path, err := osexec.LookPath(argv[0])
	if err != nil {
		return 0, errors.Wrapf(ErrExec, "exec %q: %v", argv[0], err)
	}

	files := make([]*os.File, len(stdio))
	for i, f := range stdio {
		if f == nil {
			f = l.null
		}
		files[i] = f
	}

	p, err := os.StartProcess(path, argv, &os.ProcAttr{Files: files})
	if err != nil {
		return 0, errors.Wrapf(ErrExec, "exec %q: %v", argv[0], err)
	}

	pid := p.Pid
	// The process is reaped through wait4 by PID; the handle is not needed.
	p.Release()

	return pid, nil
}

// Close closes the null device.
func (l *Launcher) Close() error {
	return l.null.Close()
}
