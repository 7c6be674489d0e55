package fsv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2021, 4, 13, 5, 35, 0, 0, time.UTC)

func TestDecideWithinWindow(t *testing.T) {
	p := Proc{Window: time.Hour, MaxRestarts: 3, LastLaunch: epoch}

	for k := uint64(1); k <= 3; k++ {
		now := epoch.Add(time.Duration(k) * time.Second)
		assert.Equal(t, ActionRelaunch, Decide(SlotCommand, &p, 0, now), "exit %d", k)
		assert.Equal(t, k, p.RecentRestarts)
		p.LastLaunch = now
	}

	assert.Equal(t, ActionGiveUp, Decide(SlotCommand, &p, 0, epoch.Add(5*time.Second)))
	assert.Equal(t, uint64(4), p.RecentRestarts)
}

func TestDecideWindowReset(t *testing.T) {
	p := Proc{
		Window:         10 * time.Second,
		MaxRestarts:    3,
		RecentRestarts: 3,
		LastLaunch:     epoch,
	}

	// Exactly at the edge of the window still counts.
	assert.Equal(t, ActionGiveUp, Decide(SlotCommand, &p, 0, epoch.Add(10*time.Second)))
	assert.Equal(t, uint64(4), p.RecentRestarts)

	// Past the window the count starts over at 1, not 0.
	assert.Equal(t, ActionRelaunch, Decide(SlotCommand, &p, 0, epoch.Add(11*time.Second)))
	assert.Equal(t, uint64(1), p.RecentRestarts)
}

func TestDecideLifetimeCap(t *testing.T) {
	p := Proc{Window: 0, MaxRestarts: 2, LastLaunch: epoch}

	// Spacing does not matter with a zero window.
	assert.Equal(t, ActionRelaunch, Decide(SlotCommand, &p, 0, epoch.Add(24*time.Hour)))
	assert.Equal(t, ActionRelaunch, Decide(SlotCommand, &p, 0, epoch.Add(48*time.Hour)))
	assert.Equal(t, ActionGiveUp, Decide(SlotCommand, &p, 0, epoch.Add(365*24*time.Hour)))
	assert.Equal(t, uint64(3), p.RecentRestarts)
}

func TestDecideExhaustion(t *testing.T) {
	type test struct {
		name    string
		slot    Slot
		timeout time.Duration
		action  Action
	}

	var tests = []test{
		{"command without timeout", SlotCommand, 0, ActionGiveUp},
		{"command with timeout", SlotCommand, 5 * time.Second, ActionDefer},
		{"logger without timeout", SlotLogger, 0, ActionAbort},
		{"logger ignores timeout", SlotLogger, 5 * time.Second, ActionAbort},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := Proc{Window: time.Minute, MaxRestarts: 0, LastLaunch: epoch}
			assert.Equal(t, test.action, Decide(test.slot, &p, test.timeout, epoch))
		})
	}
}

func TestDecideDeferredRetryKeepsCount(t *testing.T) {
	p := Proc{Window: time.Hour, MaxRestarts: 1, LastLaunch: epoch}

	assert.Equal(t, ActionRelaunch, Decide(SlotCommand, &p, 5*time.Second, epoch))
	assert.Equal(t, ActionDefer, Decide(SlotCommand, &p, 5*time.Second, epoch))

	// The retry launch does not reset the counter, so an immediate failure
	// parks the command again.
	p.LastLaunch = epoch.Add(5 * time.Second)
	assert.Equal(t, ActionDefer, Decide(SlotCommand, &p, 5*time.Second, p.LastLaunch))
	assert.Equal(t, uint64(3), p.RecentRestarts)
}
