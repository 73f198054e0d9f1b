package pool

import (
	"github.com/pkg/errors"
	"path/filepath"
	"time"
)

const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultCrashTolerance  = 3
	DefaultShutdownTimeout = 10 * time.Second
	DefaultWorkRoot        = ".temp/enginepool/"
)

// DefaultLogPath is the console log template of every engine launch. %n is
// replaced by the pool name, %i by the launch index and %s by the slot id.
var DefaultLogPath = filepath.Join(DefaultWorkRoot, "out-%i-%n")

// Config of a pool. Command, Bootstrap and Env accept the placeholders
// {dir}, {in}, {shutdown} and {main}, expanded per slot.
type Config struct {
	// Name identifies the pool in logs and log paths. Generated when empty.
	Name string
	Size int

	Command   []string
	Bootstrap string
	Env       []string

	// LogPath empty forwards engine console output to our own stdout/stderr.
	LogPath  string
	WorkRoot string

	PollInterval    time.Duration
	SettleDelay     time.Duration
	CrashTolerance  int
	ShutdownTimeout time.Duration
	// JobTimeout bounds the wait for an engine to accept a job. Zero waits
	// forever.
	JobTimeout time.Duration

	// Watch wakes pending jobs on filesystem events in addition to polling.
	Watch bool
	// Quiet discards engine console output.
	Quiet bool
}

func DefaultConfig() Config {
	return Config{
		Size:            1,
		LogPath:         DefaultLogPath,
		WorkRoot:        DefaultWorkRoot,
		PollInterval:    DefaultPollInterval,
		CrashTolerance:  DefaultCrashTolerance,
		ShutdownTimeout: DefaultShutdownTimeout,
		Watch:           true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Size <= 0:
		return errors.Errorf("pool size must be positive, got %d", c.Size)
	case len(c.Command) == 0:
		return errors.New("engine command is empty")
	case c.CrashTolerance < 0:
		return errors.Errorf("crash tolerance must not be negative, got %d", c.CrashTolerance)
	case c.PollInterval < 0, c.SettleDelay < 0, c.ShutdownTimeout < 0, c.JobTimeout < 0:
		return errors.New("durations must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.WorkRoot == "" {
		c.WorkRoot = DefaultWorkRoot
	}
	return c
}
