package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"git.unix.lgbt/diamondburned/fsv/fsv/journal"
	"git.unix.lgbt/diamondburned/fsv/fsv/snapshot"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type procStatus struct {
	PID            int        `json:"pid" yaml:"pid"`
	Execs          uint64     `json:"execs" yaml:"execs"`
	RecentRestarts uint64     `json:"recent_restarts" yaml:"recent_restarts"`
	MaxRestarts    uint64     `json:"max_restarts" yaml:"max_restarts"`
	Window         int64      `json:"window" yaml:"window"`
	LastLaunch     *time.Time `json:"last_launch,omitempty" yaml:"last_launch,omitempty"`
	LastExit       string     `json:"last_exit,omitempty" yaml:"last_exit,omitempty"`
	Waiting        bool       `json:"waiting" yaml:"waiting"`
}

type serviceStatus struct {
	Name    string `json:"name" yaml:"name"`
	RunID   string `json:"run_id" yaml:"run_id"`
	PID     int    `json:"pid" yaml:"pid"`
	Running bool   `json:"running" yaml:"running"`
	// Stale is true if the snapshot claims a running supervisor whose
	// process is gone.
	Stale   bool        `json:"stale,omitempty" yaml:"stale,omitempty"`
	Since   *time.Time  `json:"since,omitempty" yaml:"since,omitempty"`
	Timeout int64       `json:"timeout" yaml:"timeout"`
	GaveUp  bool        `json:"gave_up" yaml:"gave_up"`
	Command procStatus  `json:"command" yaml:"command"`
	Logger  *procStatus `json:"logger,omitempty" yaml:"logger,omitempty"`

	LoggerGaveUp bool `json:"logger_gave_up,omitempty" yaml:"logger_gave_up,omitempty"`
}

func newServiceStatus(name string, st *fsv.State, alive bool) serviceStatus {
	s := serviceStatus{
		Name:    name,
		RunID:   st.RunID.String(),
		PID:     st.PID,
		Running: st.Running && alive,
		Stale:   st.Running && !alive,
		Since:   timePtr(st.Since),
		Timeout: int64(st.Timeout / time.Second),
		GaveUp:  st.GaveUp,
		Command: newProcStatus(&st.Command),

		LoggerGaveUp: st.LoggerGaveUp,
	}

	if st.Logger.Enabled {
		logger := newProcStatus(&st.Logger)
		s.Logger = &logger
	}

	return s
}

func newProcStatus(p *fsv.Proc) procStatus {
	return procStatus{
		PID:            p.PID,
		Execs:          p.TotalExecs,
		RecentRestarts: p.RecentRestarts,
		MaxRestarts:    p.MaxRestarts,
		Window:         int64(p.Window / time.Second),
		LastLaunch:     timePtr(p.LastLaunch),
		LastExit:       p.LastExit(),
		Waiting:        p.Waiting,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// readState reads the snapshot of the service in dir and whether the
// supervisor that wrote it is still alive.
func readState(name, dir string) (*fsv.State, bool, error) {
	st, err := snapshot.Read(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = errors.Errorf("no status for %s in %s", name, dir)
		}
		return nil, false, fsv.WithExitCode(fsv.ExitUnavailable, err)
	}

	return st, snapshot.Alive(st), nil
}

type statusQuery struct {
	name   string
	dir    string
	format string
}

func (q statusQuery) print(w io.Writer) error {
	if err := checkFormat(q.format); err != nil {
		return err
	}

	st, alive, err := readState(q.name, q.dir)
	if err != nil {
		return err
	}

	return writeStatus(w, q.format, newServiceStatus(q.name, st, alive))
}

// watch prints the status every time the snapshot changes, until ctx is
// canceled.
func (q statusQuery) watch(ctx context.Context, w io.Writer) error {
	if err := checkFormat(q.format); err != nil {
		return err
	}

	var werr error

	err := snapshot.Watch(ctx, q.dir, func(st *fsv.State) bool {
		werr = writeStatus(w, q.format, newServiceStatus(q.name, st, snapshot.Alive(st)))
		return werr == nil
	})

	switch {
	case werr != nil:
		return werr
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

var formats = []string{"text", "json", "yaml"}

func checkFormat(format string) error {
	for _, f := range formats {
		if f == format {
			return nil
		}
	}

	return fsv.WithExitCode(fsv.ExitUsage, errors.Errorf(
		"unknown output format %q, must be one of %s", format, strings.Join(formats, ", ")))
}

func writeStatus(w io.Writer, format string, s serviceStatus) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	default:
		return writeStatusText(w, s)
	}
}

func writeStatusText(w io.Writer, s serviceStatus) error {
	var b strings.Builder

	state := "stopped"
	switch {
	case s.Running:
		state = "running"
	case s.Stale:
		state = "stale"
	case s.GaveUp:
		state = "gave up"
	case s.LoggerGaveUp:
		state = "logger gave up"
	}

	fmt.Fprintf(&b, "* status for %s: %s\n", s.Name, state)
	fmt.Fprintf(&b, "fsv:\n")
	fmt.Fprintf(&b, "\tpid:     %d\n", s.PID)
	fmt.Fprintf(&b, "\trun:     %s\n", s.RunID)
	if s.Since != nil {
		fmt.Fprintf(&b, "\tsince:   %s\n", s.Since.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\tgave up: %t\n", s.GaveUp)
	if s.Timeout > 0 {
		fmt.Fprintf(&b, "\ttimeout: %s\n", time.Duration(s.Timeout)*time.Second)
	} else {
		fmt.Fprintf(&b, "\ttimeout: none\n")
	}

	writeProcText(&b, "cmd", &s.Command)
	if s.Logger != nil {
		writeProcText(&b, "log", s.Logger)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeProcText(b *strings.Builder, name string, p *procStatus) {
	window := "unbounded"
	if p.Window > 0 {
		window = (time.Duration(p.Window) * time.Second).String()
	}

	fmt.Fprintf(b, "%s:\n", name)
	fmt.Fprintf(b, "\tpid:             %d\n", p.PID)
	fmt.Fprintf(b, "\texecs:           %d\n", p.Execs)
	fmt.Fprintf(b, "\trecent restarts: %d of %d, window %s\n", p.RecentRestarts, p.MaxRestarts, window)
	if p.LastLaunch != nil {
		fmt.Fprintf(b, "\tlast launch:     %s\n", p.LastLaunch.Format(time.RFC3339))
	}
	if p.LastExit != "" {
		fmt.Fprintf(b, "\tlast exit:       %s\n", p.LastExit)
	}
	if p.Waiting {
		fmt.Fprintf(b, "\twaiting:         retry pending\n")
	}
}

// printPIDs prints the PIDs of a running supervisor and its live children, one
// "role pid" pair per line.
func printPIDs(w io.Writer, name, dir string) error {
	st, alive, err := readState(name, dir)
	if err != nil {
		return err
	}

	if !alive {
		return errors.Errorf("%s is not running", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "fsv %d\n", st.PID)
	if st.Command.PID != 0 {
		fmt.Fprintf(&b, "cmd %d\n", st.Command.PID)
	}
	if st.Logger.PID != 0 {
		fmt.Fprintf(&b, "log %d\n", st.Logger.PID)
	}

	_, err = io.WriteString(w, b.String())
	return err
}

// printEvents prints the last n journal events of the service, oldest first.
func printEvents(w io.Writer, dir string, n int) error {
	entries, err := journal.Tail(filepath.Join(dir, eventsFile), n)
	if err != nil {
		return fsv.WithExitCode(fsv.ExitIOErr, err)
	}

	var b strings.Builder
	for _, entry := range entries {
		data, err := json.Marshal(entry.Data)
		if err != nil {
			return errors.Wrap(err, "failed to encode event")
		}

		fmt.Fprintf(&b, "%s  %-24s  %s\n", entry.Time.Format(time.RFC3339), entry.Type, data)
	}

	_, err = io.WriteString(w, b.String())
	return err
}
