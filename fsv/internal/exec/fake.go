package exec

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Fake is an in-memory stand-in for Launcher and Reap. It is used for testing.
// Started processes get sequential PIDs and never change state on their own;
// Exit, Kill, Stop and Continue queue state changes that Reap then returns in
// order.
type Fake struct {
	// FailStart, if not nil, is returned by the next call to Start.
	FailStart error

	mutex   sync.Mutex
	nextPID int
	started []FakeStart
	pending []Reaped
}

// FakeStart records a single call to Fake.Start.
type FakeStart struct {
	PID   int
	Argv  []string
	Stdio Stdio
}

// NewFake creates a Fake whose first child gets firstPID.
func NewFake(firstPID int) *Fake {
	return &Fake{nextPID: firstPID}
}

// Start records the launch and returns a fresh PID.
func (f *Fake) Start(argv []string, stdio Stdio) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := f.FailStart; err != nil {
		f.FailStart = nil
		return 0, err
	}

	pid := f.nextPID
	f.nextPID++
	f.started = append(f.started, FakeStart{PID: pid, Argv: argv, Stdio: stdio})

	return pid, nil
}

// Reap pops the oldest queued state change.
func (f *Fake) Reap() (Reaped, bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if len(f.pending) == 0 {
		return Reaped{}, false, nil
	}

	r := f.pending[0]
	f.pending = f.pending[1:]
	return r, true, nil
}

// Exit queues a normal exit with the given code.
func (f *Fake) Exit(pid, code int) {
	f.queue(pid, unix.WaitStatus((code&0xff)<<8))
}

// Kill queues a death by the given signal.
func (f *Fake) Kill(pid int, sig syscall.Signal) {
	f.queue(pid, unix.WaitStatus(sig&0x7f))
}

// Stop queues a stop by the given signal.
func (f *Fake) Stop(pid int, sig syscall.Signal) {
	f.queue(pid, unix.WaitStatus(0x7f|int(sig)<<8))
}

// Continue queues a continue.
func (f *Fake) Continue(pid int) {
	f.queue(pid, unix.WaitStatus(0xffff))
}

func (f *Fake) queue(pid int, status unix.WaitStatus) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.pending = append(f.pending, Reaped{PID: pid, Status: status})
}

// Started returns every recorded launch, oldest first.
func (f *Fake) Started() []FakeStart {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]FakeStart(nil), f.started...)
}
