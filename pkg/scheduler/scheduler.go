// Package scheduler is the contract shared by the pooled and one-shot engine executors
package scheduler

import (
	"context"
	"enginepool/pkg/job"
	"fmt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"sync"
)

// Scheduler runs jobs on an external engine.
type Scheduler interface {
	// Run blocks until the job is done. nil means the engine consumed the job.
	Run(ctx context.Context, j *job.Job) error
	// SetAutoShutdownOnClose controls whether Close shuts the engines down
	// before releasing the execution collaborator. Defaults to true.
	SetAutoShutdownOnClose(on bool)
	Shutdown() error
	Close() error
}

var (
	ErrStaging                = errors.New("failed to stage job input")
	ErrCrashToleranceExceeded = errors.New("engine crash tolerance exceeded")
	ErrAcquisitionInterrupted = errors.New("interrupted while waiting for a free engine")
	ErrShutdownTimeout        = errors.New("engine did not exit before shutdown timeout")
	ErrPoolClosed             = errors.New("scheduler is shut down")
	ErrJobTimeout             = errors.New("engine did not accept job in time")
)

// Result codes reported for failures that are not an engine exit status.
const (
	CodeOK                     = 0
	CodeFailed                 = -1
	CodeStaging                = -2
	CodeCrashToleranceExceeded = -3
	CodeInterrupted            = -4
	CodeShutdownTimeout        = -5
	CodeClosed                 = -6
	CodeJobTimeout             = -7
)

// ExitError reports an engine that exited with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("engine exited with code %d", e.Code)
}

// ExitCode maps the result of Run to an integer code: 0 on success, the
// engine exit status for an *ExitError, otherwise a negative code per error
// kind.
func ExitCode(err error) int {
	if err == nil {
		return CodeOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}

	switch {
	case errors.Is(err, ErrStaging):
		return CodeStaging
	case errors.Is(err, ErrCrashToleranceExceeded):
		return CodeCrashToleranceExceeded
	case errors.Is(err, ErrAcquisitionInterrupted):
		return CodeInterrupted
	case errors.Is(err, ErrShutdownTimeout):
		return CodeShutdownTimeout
	case errors.Is(err, ErrPoolClosed):
		return CodeClosed
	case errors.Is(err, ErrJobTimeout):
		return CodeJobTimeout
	}
	return CodeFailed
}

// Closer implements the auto-shutdown-on-close behaviour for schedulers.
// The zero value shuts down on close.
type Closer struct {
	mu         sync.Mutex
	noShutdown bool
	once       sync.Once
	err        error
}

func (c *Closer) SetAutoShutdownOnClose(on bool) {
	c.mu.Lock()
	c.noShutdown = !on
	c.mu.Unlock()
}

func (c *Closer) AutoShutdownOnClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.noShutdown
}

// CloseWith runs shutdown (when enabled) and then release, once. Later calls
// return the first result.
func (c *Closer) CloseWith(shutdown, release func() error) error {
	c.once.Do(func() {
		if c.AutoShutdownOnClose() {
			c.err = multierr.Append(c.err, shutdown())
		}
		c.err = multierr.Append(c.err, release())
	})
	return c.err
}
