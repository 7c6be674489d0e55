package fsv

import (
	"context"
	"io"
	"os"
	"syscall"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv/internal/exec"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// Mask selects which of the command's output streams go to the logger. Bit 0
// is stdout and bit 1 is stderr.
type Mask = exec.Mask

const (
	MaskStdout = exec.MaskStdout
	MaskStderr = exec.MaskStderr
	MaskBoth   = exec.MaskBoth
)

// Phase is the lifecycle phase of a Supervisor.
type Phase uint8

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseTerminating
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseTerminating:
		return "terminating"
	case PhaseExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Snapshotter persists the state of a supervisor. WriteState must replace the
// previous snapshot atomically.
type Snapshotter interface {
	WriteState(*State) error
}

// Options configures a Supervisor.
type Options struct {
	// Name is the service name. It is only used for reporting.
	Name    string
	Command []string
	// Logger is the argument list of the logger, or nil to run without one.
	Logger []string
	Mask   Mask
	// Timeout is the delay before launching the command once more after its
	// restart budget is exhausted. 0 makes the supervisor give up instead.
	Timeout time.Duration

	CommandLimits Limits
	LoggerLimits  Limits

	// Subreaper makes orphaned descendants of the command children of the
	// supervisor, so that they are reaped too. Only supported on Linux.
	Subreaper bool
}

type launcher interface {
	Start(argv []string, stdio exec.Stdio) (int, error)
}

type stopper interface {
	Stop() bool
}

// Supervisor is the supervision reactor. All of its state is owned by the
// goroutine calling Run.
type Supervisor struct {
	// Metrics, if not nil, is updated and flushed after every transition.
	Metrics *Metrics

	opts  Options
	j     Journaler
	store Snapshotter

	launcher  launcher
	reap      func() (exec.Reaped, bool, error)
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	pipe    *exec.Pipe
	closers []io.Closer

	notes *notifier
	state State
	phase Phase
	retry stopper
}

// New creates a new supervisor. The pipe to the logger, if any, is created
// here, before any child exists. Errors carry an exit code; see ExitCode.
func New(opts Options, store Snapshotter, j Journaler) (*Supervisor, error) {
	if len(opts.Command) == 0 {
		return nil, WithExitCode(ExitUsage, errors.New("no command to supervise"))
	}

	if j == nil {
		j = discardJournaler{}
	}

	s := &Supervisor{
		opts:  opts,
		j:     j,
		store: store,

		reap: exec.Reap,
		now:  time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},

		notes: newNotifier(),
		state: State{
			Timeout: opts.Timeout,
			Command: Proc{
				Window:      opts.CommandLimits.Window,
				MaxRestarts: opts.CommandLimits.MaxRestarts,
				Enabled:     true,
			},
			Logger: Proc{
				Window:      opts.LoggerLimits.Window,
				MaxRestarts: opts.LoggerLimits.MaxRestarts,
				Enabled:     len(opts.Logger) > 0,
			},
		},
	}

	if opts.Subreaper {
		if err := exec.SetSubreaper(); err != nil {
			return nil, WithExitCode(ExitOSErr, err)
		}
	}

	if s.state.Logger.Enabled {
		pipe, err := exec.NewPipe(opts.Mask)
		if err != nil {
			if errors.Is(err, exec.ErrInvalidMask) {
				return nil, WithExitCode(ExitDataErr, err)
			}
			return nil, WithExitCode(ExitOSErr, err)
		}

		s.pipe = pipe
		s.closers = append(s.closers, pipe)
	}

	l, err := exec.NewLauncher()
	if err != nil {
		s.Close()
		return nil, WithExitCode(ExitOSErr, err)
	}

	s.launcher = l
	s.closers = append(s.closers, l)

	return s, nil
}

// Close releases the pipe and the null device. Children are left alone.
func (s *Supervisor) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.closers = nil
	return firstErr
}

// State returns a copy of the current state. It must only be called from the
// goroutine that calls Run, or after Run returned.
func (s *Supervisor) State() State { return s.state }

// Phase returns the current phase, with the same restriction as State.
func (s *Supervisor) Phase() Phase { return s.phase }

// Run launches the children and supervises them until the supervisor gives up,
// a termination signal arrives or ctx is canceled. The final snapshot has been
// written by the time Run returns.
func (s *Supervisor) Run(ctx context.Context) Exit {
	// Start listening before the first launch so that no SIGCHLD is missed.
	stop := s.notes.listen()
	defer stop()

	return s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) Exit {
	if exit := s.start(); exit != nil {
		return *exit
	}

	for {
		select {
		case <-s.notes.wake:
		case <-ctx.Done():
			return *s.shutdown(Exit{Code: ExitOK, Reason: "stopped", Err: ctx.Err()})
		}

		if exit := s.step(); exit != nil {
			return *exit
		}
	}
}

func (s *Supervisor) start() *Exit {
	s.phase = PhaseStarting

	now := s.now()
	s.state.RunID = xid.NewWithTime(now)
	s.state.PID = os.Getpid()
	s.state.Since = now
	s.state.Running = true

	s.j.Write(&EventStarted{
		Name:    s.opts.Name,
		RunID:   s.state.RunID.String(),
		PID:     s.state.PID,
		Command: s.opts.Command,
		Logger:  s.opts.Logger,
	})

	// The logger goes first so that the command never writes into a pipe
	// nobody reads yet.
	if s.state.Logger.Enabled {
		if exit := s.launch(SlotLogger); exit != nil {
			return exit
		}
	}

	if exit := s.launch(SlotCommand); exit != nil {
		return exit
	}

	if exit := s.persist(); exit != nil {
		return exit
	}

	s.phase = PhaseRunning
	return nil
}

// step handles everything flagged since the last wake. Child state changes
// are handled first so that their statuses make it into the final snapshot if
// a termination request is pending as well.
func (s *Supervisor) step() *Exit {
	if s.notes.child.Swap(false) {
		if exit := s.reapChildren(); exit != nil {
			return exit
		}
	}

	if sig := syscall.Signal(s.notes.term.Swap(0)); sig != 0 {
		return s.shutdown(Exit{
			Code:   128 + int(sig),
			Signal: sig,
			Reason: "caught signal " + unix.SignalName(sig),
		})
	}

	if s.notes.alarm.Swap(false) {
		if exit := s.retryCommand(); exit != nil {
			return exit
		}
	}

	return nil
}

// reapChildren collects every pending child state change. A single SIGCHLD
// may stand for several of them.
func (s *Supervisor) reapChildren() *Exit {
	for {
		r, ok, err := s.reap()
		if err != nil {
			s.j.Write(&EventWarning{Component: "reaper", Error: err.Error()})
			return nil
		}
		if !ok {
			return nil
		}

		if exit := s.childChanged(r); exit != nil {
			return exit
		}
	}
}

func (s *Supervisor) childChanged(r exec.Reaped) *Exit {
	slot, ok := s.state.Lookup(r.PID)
	if !ok {
		s.j.Write(&EventUnknownChild{
			PID:         r.PID,
			Description: exec.DescribeStatus(r.Status),
		})
		return nil
	}

	switch {
	case r.Status.Stopped():
		s.j.Write(&EventProcessStopped{
			Slot:        slot.String(),
			PID:         r.PID,
			Description: exec.DescribeStatus(r.Status),
		})
		return nil
	case r.Status.Continued():
		s.j.Write(&EventProcessContinued{Slot: slot.String(), PID: r.PID})
		return nil
	case !exec.Terminated(r.Status):
		return nil
	}

	p := s.state.Proc(slot)
	p.PID = 0
	p.LastStatus = r.Status
	p.Exited = true
	s.Metrics.exited(slot, r.Status)

	ev := &EventProcessExited{
		Slot:        slot.String(),
		PID:         r.PID,
		Status:      uint32(r.Status),
		Description: exec.DescribeStatus(r.Status),
	}

	// Nothing gets relaunched while a termination request is pending.
	if s.notes.term.Load() != 0 {
		ev.RecentRestarts = p.RecentRestarts
		ev.Action = "none"
		s.j.Write(ev)
		return s.persist()
	}

	action := Decide(slot, p, s.state.Timeout, s.now())
	ev.RecentRestarts = p.RecentRestarts
	ev.Action = action.String()
	s.j.Write(ev)

	if action != ActionRelaunch {
		exhausted := &EventBudgetExhausted{
			Slot:           slot.String(),
			RecentRestarts: p.RecentRestarts,
			MaxRestarts:    p.MaxRestarts,
		}
		if action == ActionDefer {
			exhausted.RetryAfter = int64(s.state.Timeout / time.Second)
		}
		s.j.Write(exhausted)
	}

	switch action {
	case ActionRelaunch:
		if exit := s.launch(slot); exit != nil {
			return exit
		}
		return s.persist()

	case ActionDefer:
		p.Waiting = true
		s.armRetry()
		return s.persist()

	case ActionGiveUp:
		s.state.GaveUp = true
		return s.shutdown(Exit{Code: ExitGaveUp, Reason: "command restarted too often"})

	default:
		s.state.LoggerGaveUp = true
		return s.shutdown(Exit{Code: ExitLoggerGaveUp, Reason: "logger restarted too often"})
	}
}

func (s *Supervisor) armRetry() {
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.afterFunc(s.state.Timeout, s.notes.fire)
}

// retryCommand launches the parked command once. The restart counter is left
// as is, so a command that fails right away again is parked again.
func (s *Supervisor) retryCommand() *Exit {
	s.retry = nil

	p := &s.state.Command
	if !p.Waiting || p.PID != 0 {
		return nil
	}

	s.j.Write(&EventRetryFired{Slot: SlotCommand.String()})

	if exit := s.launch(SlotCommand); exit != nil {
		return exit
	}
	return s.persist()
}

// launch starts the process in the given slot. A launch failure is fatal to
// the whole supervisor.
func (s *Supervisor) launch(slot Slot) *Exit {
	p := s.state.Proc(slot)
	p.TotalExecs++
	p.LastLaunch = s.now()
	p.Waiting = false

	pid, err := s.launcher.Start(s.argv(slot), s.stdio(slot))
	if err != nil {
		s.j.Write(&EventProcessSpawnError{Slot: slot.String(), Reason: err.Error()})
		return s.shutdown(Exit{
			Code:   ExitOSErr,
			Reason: "cannot launch " + slot.String(),
			Err:    err,
		})
	}

	p.PID = pid
	s.Metrics.launched(slot)
	s.j.Write(&EventProcessSpawned{Slot: slot.String(), PID: pid, Execs: p.TotalExecs})

	return nil
}

func (s *Supervisor) argv(slot Slot) []string {
	if slot == SlotLogger {
		return s.opts.Logger
	}
	return s.opts.Command
}

func (s *Supervisor) stdio(slot Slot) exec.Stdio {
	switch {
	case s.pipe == nil:
		return exec.Inherit()
	case slot == SlotLogger:
		return s.pipe.LoggerStdio()
	default:
		return s.pipe.CommandStdio()
	}
}

// persist writes the snapshot. Failing to do so is fatal, since the snapshot
// would no longer reflect the supervisor.
func (s *Supervisor) persist() *Exit {
	s.Metrics.update(&s.state)

	if err := s.store.WriteState(&s.state); err != nil {
		return s.shutdown(Exit{
			Code:   ExitIOErr,
			Reason: "cannot write snapshot",
			Err:    errors.Wrap(err, "failed to persist state"),
		})
	}

	s.flushMetrics()
	return nil
}

// shutdown is the only way out of the supervisor. It writes the final snapshot
// and returns exit. Children are not killed.
func (s *Supervisor) shutdown(exit Exit) *Exit {
	s.phase = PhaseTerminating

	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}

	s.state.Running = false

	ev := &EventShutdown{
		Reason:   exit.String(),
		ExitCode: exit.Code,
		GaveUp:   s.state.GaveUp,

		LoggerGaveUp: s.state.LoggerGaveUp,
	}
	if exit.Signal != 0 {
		ev.Signal = unix.SignalName(exit.Signal)
	}
	s.j.Write(ev)

	s.Metrics.update(&s.state)

	if err := s.store.WriteState(&s.state); err != nil {
		s.j.Write(&EventWarning{Component: "snapshot", Error: err.Error()})

		if exit.Code == ExitOK && exit.Signal == 0 {
			exit.Code = ExitIOErr
			exit.Err = err
		}
	}

	s.flushMetrics()
	s.phase = PhaseExited

	return &exit
}

func (s *Supervisor) flushMetrics() {
	if err := s.Metrics.Flush(); err != nil {
		s.j.Write(&EventWarning{Component: "metrics", Error: err.Error()})
	}
}
