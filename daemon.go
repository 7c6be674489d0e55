package main

import (
	"os"
	"syscall"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"github.com/pkg/errors"
)

// daemonEnv marks the detached copy of the supervisor started by daemonize.
const daemonEnv = "FSV_DAEMONIZED"

func daemonized() bool {
	return os.Getenv(daemonEnv) == "1"
}

// daemonize starts a copy of the supervisor with the same arguments in a new
// session, with its standard streams on the null device. The copy does the
// supervising; the caller should exit once daemonize returns.
func daemonize() error {
	self, err := os.Executable()
	if err != nil {
		return fsv.WithExitCode(fsv.ExitOSErr, errors.Wrap(err, "failed to find executable"))
	}

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fsv.WithExitCode(fsv.ExitOSErr, errors.Wrap(err, "failed to open null device"))
	}
	defer null.Close()

	p, err := os.StartProcess(self, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), daemonEnv+"=1"),
		Files: []*os.File{null, null, null},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fsv.WithExitCode(fsv.ExitOSErr, errors.Wrap(err, "failed to start daemon"))
	}

	return p.Release()
}
