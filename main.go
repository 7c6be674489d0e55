package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"git.unix.lgbt/diamondburned/fsv/fsv/config"
	"git.unix.lgbt/diamondburned/fsv/fsv/journal"
	"git.unix.lgbt/diamondburned/fsv/fsv/snapshot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

// File names inside a service directory, next to the snapshot and its lock.
const (
	eventsFile  = "events.log"
	logFile     = "fsv.log"
	metricsFile = "metrics.prom"
)

type flags struct {
	configFile string
	daemon     bool

	pids   string
	status string
	events string

	output string
	watch  bool
	count  int
}

func main() {
	exit, err := execute(context.Background(), os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fsv:", err)
		os.Exit(fsv.ExitCode(err, 1))
	}

	if exit.Signal != 0 {
		reraise(exit.Signal)
	}

	os.Exit(exit.Code)
}

// execute runs the command line. A zero Exit is returned for queries.
func execute(ctx context.Context, args []string, stdout io.Writer) (fsv.Exit, error) {
	var exit fsv.Exit

	cmd := newRootCommand(func(cmd *cobra.Command, f *flags, v *viper.Viper, argv []string) error {
		var err error
		exit, err = run(cmd, f, v, argv)
		return err
	})

	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	err := cmd.ExecuteContext(ctx)

	return exit, err
}

type runFunc func(cmd *cobra.Command, f *flags, v *viper.Viper, argv []string) error

func newRootCommand(fn runFunc) *cobra.Command {
	var f flags
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "fsv [flags] command [args...]",
		Short: "Supervise a command and its logger",
		Long: "fsv runs a command, restarts it when it exits and optionally pipes its " +
			"output into a logger that is supervised the same way. The state of the " +
			"supervisor is kept in a service directory for the status queries.",
		Example: `  fsv -l "logger -t web" -m 3 -r c:3 -w c:60 -t 30 httpd -f
  fsv -s httpd
  fsv -e httpd -N 20`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, argv []string) error {
			return fn(cmd, &f, v, argv)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fsv.WithExitCode(fsv.ExitUsage, err)
	})

	flagSet := cmd.Flags()
	// Flags after the command belong to the command.
	flagSet.SetInterspersed(false)

	flagSet.StringVar(&f.configFile, "config", "", "YAML configuration file")
	flagSet.BoolVarP(&f.daemon, "daemon", "d", false, "run in the background")
	flagSet.StringVarP(&f.pids, "pids", "p", "", "print the PIDs of the named service and exit")
	flagSet.StringVarP(&f.status, "status", "s", "", "print the status of the named service and exit")
	flagSet.StringVarP(&f.events, "events", "e", "", "print the last events of the named service and exit")
	flagSet.StringVarP(&f.output, "output", "o", "text", "status output format: text, json or yaml")
	flagSet.BoolVar(&f.watch, "watch", false, "keep printing the status whenever it changes")
	flagSet.IntVarP(&f.count, "count", "N", 10, "number of events to print")

	flagSet.StringP(config.KeyName, "n", "", "service name (default: base name of the command)")
	flagSet.String(config.KeyDir, v.GetString(config.KeyDir), "base directory of service directories")
	flagSet.StringP(config.KeyLog, "l", "", "logger command string")
	flagSet.IntP(config.KeyMask, "m", config.DefaultMask, "streams piped to the logger: 1 stdout, 2 stderr, 3 both")
	flagSet.StringArrayP(config.KeyRestarts, "r", nil,
		fmt.Sprintf("[c:|l:]N maximum restarts within the window (default %d)", config.DefaultMaxRestarts))
	flagSet.StringArrayP(config.KeyWindow, "w", nil,
		fmt.Sprintf("[c:|l:]SECS width of the restart window, 0 for unbounded (default %d)", config.DefaultWindow))
	flagSet.IntP(config.KeyTimeout, "t", 0, "seconds to wait before retrying a command that restarted too often, 0 to give up")
	flagSet.BoolP(config.KeyVerbose, "v", false, "log debug messages")
	flagSet.Bool(config.KeyMetrics, false, "write Prometheus metrics into the service directory")
	flagSet.Bool(config.KeySubreaper, false, "reap orphaned descendants of the command (Linux only)")

	bindFlags(v, flagSet,
		config.KeyName, config.KeyDir, config.KeyLog, config.KeyMask,
		config.KeyRestarts, config.KeyWindow, config.KeyTimeout,
		config.KeyVerbose, config.KeyMetrics, config.KeySubreaper,
	)

	return cmd
}

// bindFlags makes the flags of the given keys the highest priority source of
// their configuration value.
func bindFlags(v *viper.Viper, flagSet *pflag.FlagSet, keys ...string) {
	for _, key := range keys {
		// Binding only fails for a nil flag.
		v.BindPFlag(key, flagSet.Lookup(key))
	}
}

func run(cmd *cobra.Command, f *flags, v *viper.Viper, argv []string) (fsv.Exit, error) {
	if f.configFile != "" {
		if err := config.ReadFile(v, f.configFile); err != nil {
			return fsv.Exit{}, err
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fsv.Exit{}, err
	}

	out := cmd.OutOrStdout()

	switch {
	case f.pids != "":
		return fsv.Exit{}, printPIDs(out, f.pids, cfg.ServiceDir(f.pids))
	case f.status != "":
		q := statusQuery{
			name:   f.status,
			dir:    cfg.ServiceDir(f.status),
			format: f.output,
		}
		if f.watch {
			return fsv.Exit{}, q.watch(cmd.Context(), out)
		}
		return fsv.Exit{}, q.print(out)
	case f.events != "":
		return fsv.Exit{}, printEvents(out, cfg.ServiceDir(f.events), f.count)
	}

	opts, err := cfg.Options(argv)
	if err != nil {
		return fsv.Exit{}, err
	}

	if f.daemon && !daemonized() {
		return fsv.Exit{}, daemonize()
	}

	return supervise(cmd.Context(), cfg, opts)
}

func supervise(ctx context.Context, cfg *config.Config, opts fsv.Options) (fsv.Exit, error) {
	dir := cfg.ServiceDir(opts.Name)

	store, err := snapshot.Open(dir)
	if err != nil {
		if errors.Is(err, snapshot.ErrLocked) {
			err = errors.Errorf("%s is already running", opts.Name)
		}
		return fsv.Exit{}, fsv.WithExitCode(fsv.ExitIOErr, err)
	}
	defer store.Close()

	logger, logCloser := newLogger(filepath.Join(dir, logFile), cfg.Verbose)
	defer logCloser.Close()

	logger = logger.With(slog.String("service", opts.Name))

	events, err := journal.OpenFile(filepath.Join(dir, eventsFile), journal.FileOpts{})
	if err != nil {
		return fsv.Exit{}, fsv.WithExitCode(fsv.ExitIOErr, err)
	}
	defer events.Close()

	j := journal.MultiWriter(fsv.NewLogJournaler(logger), events)

	sup, err := fsv.New(opts, store, j)
	if err != nil {
		return fsv.Exit{}, err
	}
	defer sup.Close()

	if cfg.Metrics {
		sup.Metrics = fsv.NewMetrics(opts.Name, filepath.Join(dir, metricsFile))
	}

	exit := sup.Run(ctx)

	level := slog.LevelInfo
	if exit.Code != fsv.ExitOK || exit.Err != nil {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "supervisor exited",
		slog.String("reason", exit.String()),
		slog.Int("code", exit.Code))

	return exit, nil
}

// reraise kills the process with sig under its default disposition, so that
// the parent sees the supervisor die the way the sender intended. It does not
// return.
func reraise(sig syscall.Signal) {
	code := 128 + int(sig)

	// The runtime keeps its own handler for SIGQUIT, which dumps goroutines
	// instead of dying by the signal.
	if sig == syscall.SIGQUIT {
		os.Exit(code)
	}

	signal.Reset(sig)
	unix.Kill(os.Getpid(), sig)

	// Delivery is asynchronous.
	time.Sleep(time.Second)
	os.Exit(code)
}
