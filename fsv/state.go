package fsv

import (
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv/internal/exec"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// Slot names one of the two supervised processes.
type Slot uint8

const (
	SlotCommand Slot = iota
	SlotLogger
)

func (s Slot) String() string {
	switch s {
	case SlotCommand:
		return "cmd"
	case SlotLogger:
		return "log"
	default:
		return "unknown"
	}
}

// State is the complete observable state of a supervisor. It is what gets
// persisted in a snapshot.
type State struct {
	RunID   xid.ID
	PID     int
	Running bool
	Since   time.Time
	// Timeout is how long to wait before launching the command once more after
	// its restart budget is exhausted. 0 means give up instead.
	Timeout time.Duration
	GaveUp  bool
	// LoggerGaveUp is true once the logger exhausted its restart budget,
	// which always stops the supervisor.
	LoggerGaveUp bool

	Command Proc
	Logger  Proc
}

// Proc returns the process in the given slot.
func (s *State) Proc(slot Slot) *Proc {
	if slot == SlotLogger {
		return &s.Logger
	}
	return &s.Command
}

// Lookup returns the slot whose live child has the given PID.
func (s *State) Lookup(pid int) (Slot, bool) {
	switch {
	case pid <= 0:
		return 0, false
	case s.Command.PID == pid:
		return SlotCommand, true
	case s.Logger.PID == pid:
		return SlotLogger, true
	default:
		return 0, false
	}
}

// Proc is the state of one supervised process. A PID of 0 means that no child
// currently backs the slot.
type Proc struct {
	PID        int
	TotalExecs uint64
	// Window is the width of the flap window. 0 means every restart is
	// recent.
	Window         time.Duration
	RecentRestarts uint64
	MaxRestarts    uint64
	LastLaunch     time.Time
	LastStatus     unix.WaitStatus

	// Waiting is true while the command is parked on the retry timer.
	Waiting bool
	// Enabled is false for the logger slot when no logger is configured.
	Enabled bool
	// Exited is true once a child of the slot has terminated, which makes
	// LastStatus meaningful.
	Exited bool
}

// LastExit describes LastStatus for humans, e.g. "exited 1". It is empty if no
// child of the slot has terminated yet.
func (p *Proc) LastExit() string {
	if !p.Exited {
		return ""
	}
	return exec.DescribeStatus(p.LastStatus)
}

// Limits are the flap suppression settings of a process.
type Limits struct {
	MaxRestarts uint64
	Window      time.Duration
}
