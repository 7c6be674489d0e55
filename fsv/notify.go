package fsv

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// TerminationSignals are the signals that make the supervisor shut down.
var TerminationSignals = []os.Signal{unix.SIGINT, unix.SIGHUP, unix.SIGTERM, unix.SIGQUIT}

// notifier turns asynchronous notifications into flags. Whoever raises a flag
// does nothing else besides poking the wake channel; all handling is done by
// the reactor after it wakes up.
type notifier struct {
	child atomic.Bool
	alarm atomic.Bool
	term  atomic.Int32

	wake chan struct{}
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1)}
}

func (n *notifier) poke() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// childChanged flags that at least one child changed state.
func (n *notifier) childChanged() {
	n.child.Store(true)
	n.poke()
}

// fire flags that the retry timer expired.
func (n *notifier) fire() {
	n.alarm.Store(true)
	n.poke()
}

// terminate flags a termination request. Only the first signal is kept.
func (n *notifier) terminate(sig syscall.Signal) {
	n.term.CompareAndSwap(0, int32(sig))
	n.poke()
}

// listen starts delivering SIGCHLD and the termination signals to the
// notifier. The returned function stops the delivery and restores the default
// behavior of those signals.
func (n *notifier) listen() (stop func()) {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, append([]os.Signal{unix.SIGCHLD}, TerminationSignals...)...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				n.deliver(sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func (n *notifier) deliver(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	if s == unix.SIGCHLD {
		n.childChanged()
	} else {
		n.terminate(s)
	}
}
