package fsv

// eventType describes an event type.
type eventType = string

const (
	eventWarning           eventType = "warning"
	eventStarted           eventType = "supervisor started"
	eventProcessSpawnError eventType = "process spawn error"
	eventProcessSpawned    eventType = "process spawned"
	eventProcessExited     eventType = "process exited"
	eventProcessStopped    eventType = "process stopped"
	eventProcessContinued  eventType = "process continued"
	eventUnknownChild      eventType = "unknown child"
	eventBudgetExhausted   eventType = "restart budget exhausted"
	eventRetryFired        eventType = "retry timer fired"
	eventShutdown          eventType = "supervisor shutdown"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// NewEvent creates a new event from the given event type. It is used primarily
// for decoding events from its type. Nil is returned if the event type is
// unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventWarning:
		return &EventWarning{}
	case eventStarted:
		return &EventStarted{}
	case eventProcessSpawnError:
		return &EventProcessSpawnError{}
	case eventProcessSpawned:
		return &EventProcessSpawned{}
	case eventProcessExited:
		return &EventProcessExited{}
	case eventProcessStopped:
		return &EventProcessStopped{}
	case eventProcessContinued:
		return &EventProcessContinued{}
	case eventUnknownChild:
		return &EventUnknownChild{}
	case eventBudgetExhausted:
		return &EventBudgetExhausted{}
	case eventRetryFired:
		return &EventRetryFired{}
	case eventShutdown:
		return &EventShutdown{}
	default:
		return nil
	}
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev *EventWarning) Type() string { return eventWarning }
func (ev *EventWarning) event()       {}

// EventStarted is emitted once the snapshot lock is held and before the first
// child is launched.
type EventStarted struct {
	Name    string   `json:"name"`
	RunID   string   `json:"run_id"`
	PID     int      `json:"pid"`
	Command []string `json:"command"`
	Logger  []string `json:"logger,omitempty"`
}

func (ev *EventStarted) Type() string { return eventStarted }
func (ev *EventStarted) event()       {}

// EventProcessSpawnError is emitted when a process fails to start. It is always
// followed by a shutdown.
type EventProcessSpawnError struct {
	Slot   string `json:"slot"`
	Reason string `json:"reason"`
}

func (ev *EventProcessSpawnError) Type() string { return eventProcessSpawnError }
func (ev *EventProcessSpawnError) event()       {}

// EventProcessSpawned is emitted when a process has been started for any
// reason.
type EventProcessSpawned struct {
	Slot  string `json:"slot"`
	PID   int    `json:"pid"`
	Execs uint64 `json:"execs"`
}

func (ev *EventProcessSpawned) Type() string { return eventProcessSpawned }
func (ev *EventProcessSpawned) event()       {}

// EventProcessExited is emitted when a supervised process has terminated,
// either by exiting or by a signal.
type EventProcessExited struct {
	Slot           string `json:"slot"`
	PID            int    `json:"pid"`
	Status         uint32 `json:"status"`
	Description    string `json:"description"`
	RecentRestarts uint64 `json:"recent_restarts"`
	Action         string `json:"action"`
}

func (ev *EventProcessExited) Type() string { return eventProcessExited }
func (ev *EventProcessExited) event()       {}

// EventProcessStopped is emitted when a supervised process is stopped by a
// signal. It does not count as a termination.
type EventProcessStopped struct {
	Slot        string `json:"slot"`
	PID         int    `json:"pid"`
	Description string `json:"description"`
}

func (ev *EventProcessStopped) Type() string { return eventProcessStopped }
func (ev *EventProcessStopped) event()       {}

// EventProcessContinued is emitted when a stopped process is continued.
type EventProcessContinued struct {
	Slot string `json:"slot"`
	PID  int    `json:"pid"`
}

func (ev *EventProcessContinued) Type() string { return eventProcessContinued }
func (ev *EventProcessContinued) event()       {}

// EventUnknownChild is emitted when a reaped PID matches neither slot, which
// happens for descendants adopted as a subreaper.
type EventUnknownChild struct {
	PID         int    `json:"pid"`
	Description string `json:"description"`
}

func (ev *EventUnknownChild) Type() string { return eventUnknownChild }
func (ev *EventUnknownChild) event()       {}

// EventBudgetExhausted is emitted when a process has restarted more than its
// maximum within its window.
type EventBudgetExhausted struct {
	Slot           string `json:"slot"`
	RecentRestarts uint64 `json:"recent_restarts"`
	MaxRestarts    uint64 `json:"max_restarts"`
	// RetryAfter is the number of seconds until the command is retried, or 0
	// if it is not.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

func (ev *EventBudgetExhausted) Type() string { return eventBudgetExhausted }
func (ev *EventBudgetExhausted) event()       {}

// EventRetryFired is emitted when the retry timer wakes a parked command.
type EventRetryFired struct {
	Slot string `json:"slot"`
}

func (ev *EventRetryFired) Type() string { return eventRetryFired }
func (ev *EventRetryFired) event()       {}

// EventShutdown is emitted right before the final snapshot is written.
type EventShutdown struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	GaveUp   bool   `json:"gave_up"`

	LoggerGaveUp bool `json:"logger_gave_up,omitempty"`
}

func (ev *EventShutdown) Type() string { return eventShutdown }
func (ev *EventShutdown) event()       {}
