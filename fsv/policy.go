package fsv

import "time"

// Action is what the supervisor does after a supervised process terminated.
type Action uint8

const (
	// ActionRelaunch starts the process again right away.
	ActionRelaunch Action = iota
	// ActionDefer parks the command until the retry timer fires.
	ActionDefer
	// ActionGiveUp stops supervising because the command keeps failing and no
	// retry timeout is set.
	ActionGiveUp
	// ActionAbort stops supervising because the logger keeps failing. A logger
	// is never retried on a timer.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionRelaunch:
		return "relaunch"
	case ActionDefer:
		return "defer"
	case ActionGiveUp:
		return "give up"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Decide counts the termination of p at now against its flap window and
// returns what to do next. It updates p.RecentRestarts and nothing else.
func Decide(slot Slot, p *Proc, timeout time.Duration, now time.Time) Action {
	if p.Window == 0 || now.Sub(p.LastLaunch) <= p.Window {
		p.RecentRestarts++
	} else {
		p.RecentRestarts = 1
	}

	if p.RecentRestarts <= p.MaxRestarts {
		return ActionRelaunch
	}

	switch {
	case slot == SlotLogger:
		return ActionAbort
	case timeout == 0:
		return ActionGiveUp
	default:
		return ActionDefer
	}
}
