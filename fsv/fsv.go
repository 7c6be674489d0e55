// Package fsv is the supervision engine of the fsv application: it keeps a
// command running, restarts it when it dies unless it is flapping, and
// optionally feeds its output to a second, also supervised, logger process.
//
// Mechanism of Operation
//
// Everything that changes the state of the supervisor arrives asynchronously,
// either as a signal (SIGCHLD or one of TerminationSignals) or as the retry
// timer firing. None of these are acted on where they arrive. The signal forwarding goroutine and the timer
// callback only raise a flag and poke a wake channel; the Supervisor's Run
// loop is the only code that reads the flags and mutates State.
//
// A single wake may stand for several pending events. On a child flag, Run
// drains every pending state change with non-blocking wait4 calls before going
// back to sleep, so no exit status is ever lost.
//
// Flap Suppression
//
// Each process has a window and a maximum number of restarts within it. The
// window is anchored at the last launch: an exit that happens within the window
// counts as a recent restart, one that happens later resets the count to 1. A
// window of 0 never resets, making the maximum a lifetime cap. See Decide.
//
// Snapshots
//
// After every transition the whole State is handed to a Snapshotter, which
// persists it so that other processes can report status without talking to
// the supervisor. Package snapshot implements the on-disk format.
package fsv
