package fsv

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Exit codes, following sysexits(3).
const (
	ExitOK = 0
	// ExitGaveUp is used when the supervisor stops because the command's
	// restart budget is exhausted. It is not an error; State.GaveUp tells it
	// apart from a normal exit.
	ExitGaveUp  = 0
	ExitUsage   = 64 // EX_USAGE
	ExitDataErr = 65 // EX_DATAERR
	ExitOSErr   = 71 // EX_OSERR
	ExitIOErr   = 74 // EX_IOERR
)

// ExitLoggerGaveUp is used when the supervisor stops because the logger
// exhausted its restart budget. State.LoggerGaveUp is set as well.
const ExitLoggerGaveUp = 75 // EX_TEMPFAIL

// ExitUnavailable is used by queries for a service without a snapshot.
const ExitUnavailable = 69 // EX_UNAVAILABLE

// Exit describes how the supervisor stopped.
type Exit struct {
	Code int
	// Signal is the termination signal that stopped the supervisor, if any.
	// The caller should re-raise it with the default disposition so that the
	// supervisor dies the way the sender intended.
	Signal syscall.Signal
	Reason string
	Err    error
}

func (e Exit) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

// ExitError is an error that carries the exit code the process should use.
type ExitError struct {
	Code int
	Err  error
}

// WithExitCode wraps err with an exit code. A nil err returns nil.
func WithExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }
func (e *ExitError) Cause() error  { return e.Err }

// ExitCode returns the exit code carried by err, or def if there is none.
func ExitCode(err error, def int) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return def
}
