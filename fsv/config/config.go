// Package config loads the configuration of a supervisor from flags, the
// environment and an optional YAML file, and turns it into fsv.Options.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/fsv/fsv"
	"git.unix.lgbt/diamondburned/fsv/fsv/internal/exec"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding the
// configuration, e.g. FSV_TIMEOUT.
const EnvPrefix = "fsv"

// Defaults.
const (
	DefaultMask        = 1
	DefaultMaxRestarts = 5
	DefaultWindow      = 60 // seconds
)

// Keys of the configuration.
const (
	KeyName      = "name"
	KeyDir       = "dir"
	KeyLog       = "log"
	KeyMask      = "mask"
	KeyRestarts  = "restarts"
	KeyWindow    = "window"
	KeyTimeout   = "timeout"
	KeyVerbose   = "verbose"
	KeyMetrics   = "metrics"
	KeySubreaper = "subreaper"
)

// Error is a configuration error: the configuration was read but is invalid.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return e.Err.Error()
	}
	return "invalid " + e.Key + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(key string, err error) error {
	return fsv.WithExitCode(fsv.ExitDataErr, &Error{Key: key, Err: err})
}

// Config is the configuration of a supervisor.
type Config struct {
	// Name is the service name. The service directory is Dir/Name.
	Name string `mapstructure:"name" yaml:"name"`
	Dir  string `mapstructure:"dir" yaml:"dir"`
	// Log is the logger command string, split with the same rules as a
	// shell-less command line.
	Log  string `mapstructure:"log" yaml:"log"`
	Mask int    `mapstructure:"mask" yaml:"mask"`
	// Restarts and Window are lists of selectors like "c:5" or "l:10". A
	// value without a prefix applies to the command.
	Restarts []string `mapstructure:"restarts" yaml:"restarts"`
	Window   []string `mapstructure:"window" yaml:"window"`
	// Timeout is in seconds.
	Timeout   int  `mapstructure:"timeout" yaml:"timeout"`
	Verbose   bool `mapstructure:"verbose" yaml:"verbose"`
	Metrics   bool `mapstructure:"metrics" yaml:"metrics"`
	Subreaper bool `mapstructure:"subreaper" yaml:"subreaper"`
}

// NewViper creates a viper instance with the defaults and environment
// overrides set up. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyMask, DefaultMask)
	v.SetDefault(KeyRestarts, []string{})
	v.SetDefault(KeyWindow, []string{})

	if dir, err := DefaultDir(); err == nil {
		v.SetDefault(KeyDir, dir)
	}

	return v
}

// ReadFile merges the YAML file at path into v.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fsv.WithExitCode(fsv.ExitDataErr, &Error{
			Err: errors.Wrapf(err, "failed to read config %q", path),
		})
	}

	return nil
}

// Load reads the configuration out of v. The returned configuration is not
// yet validated; see Options.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, newError("", errors.Wrap(err, "failed to decode config"))
	}
	return &cfg, nil
}

// DefaultDir returns the default base directory of services, which is
// $XDG_STATE_HOME/fsv, or ~/.local/state/fsv if that is unset.
func DefaultDir() (string, error) {
	val, set := os.LookupEnv("XDG_STATE_HOME")
	if !set || val == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		val = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(val, "fsv"), nil
}

// ServiceName returns the name of the service supervising argv: the configured
// name, or the base name of the program.
func (c *Config) ServiceName(argv []string) string {
	if c.Name != "" {
		return c.Name
	}
	if len(argv) == 0 {
		return ""
	}
	return filepath.Base(argv[0])
}

// ServiceDir returns the service directory of the named service.
func (c *Config) ServiceDir(name string) string {
	return filepath.Join(c.Dir, name)
}

// Options validates the configuration and returns the supervisor options for
// the given command.
func (c *Config) Options(command []string) (fsv.Options, error) {
	opts := fsv.Options{
		Name:      c.ServiceName(command),
		Command:   command,
		Subreaper: c.Subreaper,
		CommandLimits: fsv.Limits{
			MaxRestarts: DefaultMaxRestarts,
			Window:      DefaultWindow * time.Second,
		},
		LoggerLimits: fsv.Limits{
			MaxRestarts: DefaultMaxRestarts,
			Window:      DefaultWindow * time.Second,
		},
	}

	if len(command) == 0 {
		return opts, fsv.WithExitCode(fsv.ExitUsage, errors.New("no command given"))
	}

	if err := validateName(opts.Name); err != nil {
		return opts, newError(KeyName, err)
	}

	if c.Dir == "" {
		return opts, newError(KeyDir, errors.New("no base directory"))
	}

	if c.Mask < 0 || c.Mask > 0xFF {
		return opts, newError(KeyMask, exec.ErrInvalidMask)
	}
	opts.Mask = fsv.Mask(c.Mask)
	if err := opts.Mask.Validate(); err != nil {
		return opts, newError(KeyMask, err)
	}

	if c.Log != "" {
		argv, err := exec.SplitArgs(c.Log)
		if err != nil {
			return opts, newError(KeyLog, err)
		}
		opts.Logger = argv
	}

	if c.Timeout < 0 {
		return opts, newError(KeyTimeout, errors.New("must not be negative"))
	}
	opts.Timeout = time.Duration(c.Timeout) * time.Second

	for _, s := range c.Restarts {
		slot, n, err := ParseSelector(s)
		if err != nil {
			return opts, newError(KeyRestarts, err)
		}
		limitsOf(&opts, slot).MaxRestarts = n
	}

	for _, s := range c.Window {
		slot, n, err := ParseSelector(s)
		if err != nil {
			return opts, newError(KeyWindow, err)
		}
		limitsOf(&opts, slot).Window = time.Duration(n) * time.Second
	}

	return opts, nil
}

func limitsOf(opts *fsv.Options, slot fsv.Slot) *fsv.Limits {
	if slot == fsv.SlotLogger {
		return &opts.LoggerLimits
	}
	return &opts.CommandLimits
}

func validateName(name string) error {
	switch {
	case name == "":
		return errors.New("empty service name")
	case name == "." || name == "..":
		return errors.Errorf("%q is not a service name", name)
	case strings.ContainsRune(name, filepath.Separator):
		return errors.Errorf("service name %q contains a path separator", name)
	default:
		return nil
	}
}

// ParseSelector parses a value like "c:5", "logger:60" or "5" into the slot it
// applies to and its value. The prefix is one of c, cmd or command for the
// command and l, log or logger for the logger; no prefix means the command.
func ParseSelector(s string) (fsv.Slot, uint64, error) {
	slot := fsv.SlotCommand
	value := s

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch prefix {
		case "c", "cmd", "command":
			slot = fsv.SlotCommand
		case "l", "log", "logger":
			slot = fsv.SlotLogger
		default:
			return 0, 0, errors.Errorf("unknown selector %q in %q", prefix, s)
		}
		value = rest
	}

	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, 0, errors.Errorf("%q is not a non-negative number", value)
	}

	return slot, n, nil
}
