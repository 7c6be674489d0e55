package fsv

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv/internal/exec"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// memStore keeps every written state in memory.
type memStore struct {
	mutex  sync.Mutex
	states []State
	err    error
}

func (m *memStore) WriteState(st *State) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.err != nil {
		return m.err
	}

	m.states = append(m.states, *st)
	return nil
}

func (m *memStore) fail(err error) {
	m.mutex.Lock()
	m.err = err
	m.mutex.Unlock()
}

func (m *memStore) Last() (State, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.states) == 0 {
		return State{}, false
	}
	return m.states[len(m.states)-1], true
}

// States returns a copy of every written state, oldest first.
func (m *memStore) States() []State {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]State(nil), m.states...)
}

func (m *memStore) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.states)
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	c.now = c.now.Add(d)
	c.mutex.Unlock()
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type harness struct {
	s     *Supervisor
	fake  *exec.Fake
	store *memStore
	j     *mockJournal
	clock *fakeClock
	// timers holds every timer armed through afterFunc, oldest first.
	timers []*fakeTimer
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	if opts.Name == "" {
		opts.Name = "test"
	}
	if opts.Command == nil {
		opts.Command = []string{"true"}
	}

	h := &harness{
		fake:  exec.NewFake(100),
		store: &memStore{},
		j:     &mockJournal{},
		clock: &fakeClock{now: epoch},
	}

	s, err := New(opts, h.store, h.j)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	s.launcher = h.fake
	s.reap = h.fake.Reap
	s.now = h.clock.Now
	s.afterFunc = func(d time.Duration, f func()) stopper {
		timer := &fakeTimer{d: d, f: f}
		h.timers = append(h.timers, timer)
		return timer
	}

	h.s = s
	return h
}

// exitCommand makes the current command exit and lets the reactor handle it.
func (h *harness) exitCommand(t *testing.T, code int) *Exit {
	t.Helper()

	pid := h.s.state.Command.PID
	require.NotZero(t, pid, "command is not running")

	h.fake.Exit(pid, code)
	h.s.notes.childChanged()
	return h.s.step()
}

func (h *harness) starts(slot string) int {
	var n int
	for _, start := range h.fake.Started() {
		if len(start.Argv) > 0 && start.Argv[0] == slot {
			n++
		}
	}
	return n
}

func TestNew(t *testing.T) {
	_, err := New(Options{}, &memStore{}, nil)
	assert.Equal(t, ExitUsage, ExitCode(err, -1))

	_, err = New(Options{
		Command: []string{"true"},
		Logger:  []string{"cat"},
		Mask:    0,
	}, &memStore{}, nil)
	assert.Equal(t, ExitDataErr, ExitCode(err, -1))
	assert.ErrorIs(t, err, exec.ErrInvalidMask)
}

func TestSupervisorStart(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd", "-x"},
		Logger:        []string{"log"},
		Mask:          MaskBoth,
		CommandLimits: Limits{MaxRestarts: 3, Window: time.Hour},
		LoggerLimits:  Limits{MaxRestarts: 1, Window: time.Minute},
	})

	require.Nil(t, h.s.start())
	assert.Equal(t, PhaseRunning, h.s.Phase())

	started := h.fake.Started()
	require.Len(t, started, 2)
	assert.Equal(t, []string{"log"}, started[0].Argv, "logger must start first")
	assert.Equal(t, []string{"cmd", "-x"}, started[1].Argv)
	assert.Equal(t, h.s.pipe.LoggerStdio(), started[0].Stdio)
	assert.Equal(t, h.s.pipe.CommandStdio(), started[1].Stdio)

	st, ok := h.store.Last()
	require.True(t, ok, "initial snapshot must be written")
	assert.True(t, st.Running)
	assert.False(t, st.RunID.IsNil())
	assert.Equal(t, epoch, st.Since)
	assert.Equal(t, 101, st.Command.PID)
	assert.Equal(t, 100, st.Logger.PID)
	assert.Equal(t, uint64(1), st.Command.TotalExecs)
	assert.Equal(t, uint64(1), st.Logger.TotalExecs)
	assert.True(t, st.Logger.Enabled)
	assert.Equal(t, uint64(3), st.Command.MaxRestarts)
	assert.Equal(t, time.Minute, st.Logger.Window)

	h.j.Verify(t, true, []Event{
		&EventStarted{
			Name:    "test",
			RunID:   st.RunID.String(),
			PID:     st.PID,
			Command: []string{"cmd", "-x"},
			Logger:  []string{"log"},
		},
		&EventProcessSpawned{Slot: "log", PID: 100, Execs: 1},
		&EventProcessSpawned{Slot: "cmd", PID: 101, Execs: 1},
	})
}

func TestSupervisorGiveUp(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		CommandLimits: Limits{MaxRestarts: 3, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	for k := uint64(1); k <= 3; k++ {
		h.clock.Advance(time.Millisecond)
		require.Nil(t, h.exitCommand(t, 0), "exit %d", k)
		assert.Equal(t, k, h.s.state.Command.RecentRestarts)
	}

	h.clock.Advance(time.Millisecond)
	exit := h.exitCommand(t, 0)
	require.NotNil(t, exit)
	assert.Equal(t, ExitGaveUp, exit.Code)
	assert.Zero(t, exit.Signal)
	assert.Equal(t, PhaseExited, h.s.Phase())

	st, _ := h.store.Last()
	assert.True(t, st.GaveUp)
	assert.False(t, st.Running)
	assert.Zero(t, st.Timeout)
	assert.Zero(t, st.Command.PID)
	assert.Equal(t, uint64(4), st.Command.TotalExecs)
	assert.Equal(t, uint64(4), st.Command.RecentRestarts)
	assert.Equal(t, 4, h.starts("cmd"))

	exhausted := h.j.Find(&EventBudgetExhausted{})
	require.Len(t, exhausted, 1)
	assert.Equal(t, &EventBudgetExhausted{Slot: "cmd", RecentRestarts: 4, MaxRestarts: 3}, exhausted[0])
}

func TestSupervisorTimedRetry(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		Timeout:       5 * time.Second,
		CommandLimits: Limits{MaxRestarts: 3, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	for k := 1; k <= 3; k++ {
		require.Nil(t, h.exitCommand(t, 1))
	}
	require.Nil(t, h.exitCommand(t, 1), "exhaustion with a timeout must not stop the supervisor")

	st, _ := h.store.Last()
	assert.True(t, st.Running)
	assert.False(t, st.GaveUp)
	assert.True(t, st.Command.Waiting)
	assert.Zero(t, st.Command.PID)
	assert.Equal(t, 4, h.starts("cmd"), "no relaunch before the timer fires")

	require.Len(t, h.timers, 1)
	assert.Equal(t, 5*time.Second, h.timers[0].d)

	// A wake without the alarm flag does nothing.
	h.s.notes.childChanged()
	require.Nil(t, h.s.step())
	assert.Equal(t, 4, h.starts("cmd"))

	h.clock.Advance(5 * time.Second)
	h.timers[0].f()
	require.Nil(t, h.s.step())
	assert.Equal(t, 5, h.starts("cmd"), "exactly one relaunch when the timer fires")
	assert.False(t, h.s.state.Command.Waiting)

	// Failing right away again parks the command on a new timer instead of
	// looping.
	require.Nil(t, h.exitCommand(t, 1))
	assert.Equal(t, 5, h.starts("cmd"))
	require.Len(t, h.timers, 2)
	assert.Equal(t, uint64(5), h.s.state.Command.RecentRestarts)

	h.timers[1].f()
	require.Nil(t, h.s.step())
	assert.Equal(t, 6, h.starts("cmd"))
	assert.Len(t, h.j.Find(&EventRetryFired{}), 2)
}

func TestSupervisorLoggerExhausted(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		Logger:        []string{"log"},
		Mask:          MaskStdout,
		Timeout:       time.Minute,
		CommandLimits: Limits{MaxRestarts: 100, Window: time.Hour},
		LoggerLimits:  Limits{MaxRestarts: 1, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	h.fake.Kill(h.s.state.Logger.PID, syscall.SIGKILL)
	h.s.notes.childChanged()
	require.Nil(t, h.s.step())
	assert.Equal(t, 2, h.starts("log"))

	h.fake.Exit(h.s.state.Logger.PID, 1)
	h.s.notes.childChanged()
	exit := h.s.step()
	require.NotNil(t, exit, "logger exhaustion must stop the supervisor")
	assert.Equal(t, ExitLoggerGaveUp, exit.Code)

	st, _ := h.store.Last()
	assert.False(t, st.Running)
	assert.False(t, st.GaveUp, "give-up only describes the command")
	assert.True(t, st.LoggerGaveUp)
	assert.True(t, st.Logger.Exited)

	shutdown := h.j.Find(&EventShutdown{})
	require.Len(t, shutdown, 1)
	assert.True(t, shutdown[0].(*EventShutdown).LoggerGaveUp)
	assert.Equal(t, ExitLoggerGaveUp, shutdown[0].(*EventShutdown).ExitCode)
	assert.Equal(t, 101, st.Command.PID, "the command is left alone")
	assert.Empty(t, h.timers, "a logger is never retried on a timer")
}

func TestSupervisorRelaunchBothInOneWake(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		Logger:        []string{"log"},
		Mask:          MaskBoth,
		CommandLimits: Limits{MaxRestarts: 5, Window: time.Hour},
		LoggerLimits:  Limits{MaxRestarts: 5, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	h.fake.Exit(h.s.state.Command.PID, 2)
	h.fake.Exit(h.s.state.Logger.PID, 0)
	h.s.notes.childChanged()
	require.Nil(t, h.s.step())

	assert.Equal(t, 2, h.starts("cmd"))
	assert.Equal(t, 2, h.starts("log"))
	assert.Equal(t, 2, h.s.state.Command.LastStatus.ExitStatus())
	assert.NotZero(t, h.s.state.Command.PID)
	assert.NotZero(t, h.s.state.Logger.PID)
}

func TestSupervisorIgnoredStateChanges(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		CommandLimits: Limits{MaxRestarts: 1, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	pid := h.s.state.Command.PID
	writes := h.store.Len()

	h.fake.Stop(pid, syscall.SIGSTOP)
	h.fake.Continue(pid)
	h.fake.Exit(4242, 0)
	h.s.notes.childChanged()
	require.Nil(t, h.s.step())

	assert.Equal(t, pid, h.s.state.Command.PID)
	assert.Zero(t, h.s.state.Command.RecentRestarts)
	assert.Equal(t, 1, h.starts("cmd"))
	assert.Equal(t, writes, h.store.Len())

	assert.Len(t, h.j.Find(&EventProcessStopped{}), 1)
	assert.Len(t, h.j.Find(&EventProcessContinued{}), 1)
	assert.Equal(t,
		[]Event{&EventUnknownChild{PID: 4242, Description: "exited 0"}},
		h.j.Find(&EventUnknownChild{}))
}

func TestSupervisorTerminationSignal(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		Timeout:       time.Second,
		CommandLimits: Limits{MaxRestarts: 0, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	pid := h.s.state.Command.PID

	h.s.notes.terminate(syscall.SIGTERM)
	h.s.notes.terminate(syscall.SIGINT)
	exit := h.s.step()
	require.NotNil(t, exit)
	assert.Equal(t, syscall.SIGTERM, exit.Signal, "the first signal wins")
	assert.Equal(t, 128+int(syscall.SIGTERM), exit.Code)

	st, _ := h.store.Last()
	assert.False(t, st.Running)
	assert.Equal(t, pid, st.Command.PID, "the command is not killed")

	shutdown := h.j.Find(&EventShutdown{})
	require.Len(t, shutdown, 1)
	assert.Equal(t, "SIGTERM", shutdown[0].(*EventShutdown).Signal)
}

func TestSupervisorNoRelaunchWhileTerminating(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		CommandLimits: Limits{MaxRestarts: 5, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	h.fake.Exit(h.s.state.Command.PID, 0)
	h.s.notes.childChanged()
	h.s.notes.terminate(syscall.SIGHUP)

	exit := h.s.step()
	require.NotNil(t, exit)
	assert.Equal(t, syscall.SIGHUP, exit.Signal)
	assert.Equal(t, 1, h.starts("cmd"))

	st, _ := h.store.Last()
	assert.Zero(t, st.Command.PID)
	assert.True(t, st.Command.LastStatus.Exited())
}

func TestSupervisorLaunchFailure(t *testing.T) {
	h := newHarness(t, Options{Command: []string{"cmd"}})
	h.fake.FailStart = errors.Wrap(exec.ErrExec, "no such file")

	exit := h.s.start()
	require.NotNil(t, exit)
	assert.Equal(t, ExitOSErr, exit.Code)
	assert.ErrorIs(t, exit.Err, exec.ErrExec)

	st, ok := h.store.Last()
	require.True(t, ok, "the final snapshot must be written")
	assert.False(t, st.Running)
	assert.Equal(t, uint64(1), st.Command.TotalExecs, "failed attempts are counted")
	assert.False(t, st.Command.Exited, "a failed launch is not an exit")
	assert.Empty(t, st.Command.LastExit())
	assert.Len(t, h.j.Find(&EventProcessSpawnError{}), 1)
}

func TestSupervisorSnapshotFailure(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		CommandLimits: Limits{MaxRestarts: 5, Window: time.Hour},
	})
	require.Nil(t, h.s.start())

	h.store.fail(errors.New("disk full"))

	exit := h.exitCommand(t, 0)
	require.NotNil(t, exit)
	assert.Equal(t, ExitIOErr, exit.Code)
	assert.Len(t, h.j.Find(&EventWarning{}), 1)
}

func TestSupervisorRun(t *testing.T) {
	h := newHarness(t, Options{
		Command:       []string{"cmd"},
		CommandLimits: Limits{MaxRestarts: 2, Window: time.Hour},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Exit, 1)
	go func() { done <- h.s.run(ctx) }()

	// Wait for the initial snapshot, then kill the command twice; each time
	// the reactor should relaunch it with a new PID.
	lastPID := func() int {
		st, ok := h.store.Last()
		if !ok {
			return 0
		}
		return st.Command.PID
	}

	require.Eventually(t, func() bool { return lastPID() == 100 }, time.Second, time.Millisecond)

	for _, next := range []int{101, 102} {
		h.fake.Exit(lastPID(), 1)
		h.s.notes.childChanged()
		require.Eventually(t, func() bool { return lastPID() == next }, time.Second, time.Millisecond)
	}

	h.fake.Exit(lastPID(), 1)
	h.s.notes.childChanged()

	select {
	case exit := <-done:
		assert.Equal(t, ExitGaveUp, exit.Code)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not give up")
	}

	st, _ := h.store.Last()
	assert.True(t, st.GaveUp)
}

func TestSupervisorRunCanceled(t *testing.T) {
	h := newHarness(t, Options{Command: []string{"cmd"}})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Exit, 1)
	go func() { done <- h.s.run(ctx) }()

	require.Eventually(t, func() bool { return h.store.Len() > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case exit := <-done:
		assert.Equal(t, ExitOK, exit.Code)
		assert.ErrorIs(t, exit.Err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}

	st, _ := h.store.Last()
	assert.False(t, st.Running)
}

// runReal runs a supervisor with the real launcher, reaper and signal
// delivery in the background. The returned channel receives its exit.
func runReal(ctx context.Context, t *testing.T, opts Options) (*memStore, <-chan Exit) {
	t.Helper()

	store := &memStore{}

	s, err := New(opts, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	done := make(chan Exit, 1)
	go func() { done <- s.Run(ctx) }()

	return store, done
}

func waitExit(t *testing.T, done <-chan Exit, timeout time.Duration) Exit {
	t.Helper()

	select {
	case exit := <-done:
		return exit
	case <-time.After(timeout):
		t.Fatal("supervisor did not exit")
		return Exit{}
	}
}

func TestRunGivesUp(t *testing.T) {
	store, done := runReal(context.Background(), t, Options{
		Name:          "exits",
		Command:       []string{"sh", "-c", "exit 0"},
		CommandLimits: Limits{MaxRestarts: 3, Window: time.Hour},
	})

	exit := waitExit(t, done, 10*time.Second)
	assert.Equal(t, ExitGaveUp, exit.Code)
	assert.Zero(t, exit.Signal)

	st, ok := store.Last()
	require.True(t, ok)
	assert.True(t, st.GaveUp)
	assert.False(t, st.Running)
	assert.Equal(t, uint64(4), st.Command.TotalExecs, "first launch plus three restarts")
	assert.Equal(t, "exited 0", st.Command.LastExit())
	assert.Zero(t, st.Command.PID)
}

func TestRunTimedRetry(t *testing.T) {
	const timeout = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, done := runReal(ctx, t, Options{
		Command:       []string{"sh", "-c", "exit 0"},
		Timeout:       timeout,
		CommandLimits: Limits{MaxRestarts: 3, Window: time.Hour},
	})

	// The fifth launch is the retry. It exits right away and is parked again.
	parkedAgain := func() bool {
		st, ok := store.Last()
		return ok && st.Command.TotalExecs == 5 && st.Command.Waiting
	}
	require.Eventually(t, parkedAgain, 10*time.Second, time.Millisecond)

	cancel()
	exit := waitExit(t, done, 5*time.Second)
	assert.Equal(t, ExitOK, exit.Code)

	var parked, retried *State
	states := store.States()
	for i := range states {
		st := &states[i]
		switch {
		case parked == nil && st.Command.TotalExecs == 4 && st.Command.Waiting:
			parked = st
		case retried == nil && st.Command.TotalExecs == 5:
			retried = st
		}
	}

	require.NotNil(t, parked, "command was never parked")
	require.NotNil(t, retried, "command was never retried")
	assert.False(t, parked.GaveUp)
	assert.GreaterOrEqual(t,
		retried.Command.LastLaunch.Sub(parked.Command.LastLaunch), timeout,
		"retry must wait for the timeout")

	st, _ := store.Last()
	assert.Equal(t, uint64(5), st.Command.TotalExecs, "only one relaunch per timeout")
	assert.False(t, st.Running)
}

func TestRunTerminationSignal(t *testing.T) {
	store, done := runReal(context.Background(), t, Options{
		Command: []string{"sh", "-c", "sleep 30"},
	})

	require.Eventually(t, func() bool { return store.Len() > 0 }, 5*time.Second, time.Millisecond)

	first, _ := store.Last()
	child := first.Command.PID
	require.NotZero(t, child)

	t.Cleanup(func() {
		unix.Kill(child, unix.SIGKILL)
		unix.Wait4(child, nil, 0, nil)
	})

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGTERM))

	exit := waitExit(t, done, 5*time.Second)
	assert.Equal(t, syscall.SIGTERM, exit.Signal)
	assert.Equal(t, 128+int(unix.SIGTERM), exit.Code)

	st, _ := store.Last()
	assert.False(t, st.Running)
	assert.False(t, st.GaveUp)
	assert.Equal(t, child, st.Command.PID, "children are left alone")
}
