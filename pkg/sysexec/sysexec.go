// Package sysexec runs commands for the schedulers, locally or on a remote host
package sysexec

import (
	"context"
	"enginepool/pkg/job"
)

// Command is one process invocation.
type Command struct {
	Args []string
	// Dir is the process working directory, relative to the executor's own
	// working directory. Empty means the executor's working directory.
	Dir string
	// LogPath receives the combined stdout/stderr of the process. Empty
	// forwards console output to the executor's own stdout/stderr.
	LogPath string
	Env     []string
}

// Handle tracks a submitted process.
type Handle interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed. -1 when the process was killed
	// by a signal or never started properly.
	ExitCode() int
	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (int, error)
	// Cancel kills the process and everything it spawned.
	Cancel() error
}

// Executor is the process-execution collaborator. Paths passed to the
// filesystem methods name locations on the execution host.
type Executor interface {
	// Submit starts cmd and returns without waiting. ctx bounds the start
	// only; the process outlives it.
	Submit(ctx context.Context, cmd Command) (Handle, error)
	// Run starts cmd, staging files in before and out after when the host
	// needs explicit staging, and waits for the exit code. Cancelling ctx
	// kills the process.
	Run(ctx context.Context, cmd Command, files job.IOFiles) (int, error)

	MakeDir(path string) error
	RemoveDir(path string) error
	Delete(path string) error
	IsFile(path string) bool
	IsDir(path string) bool

	// LocalPath maps an execution-host path to where the caller reads and
	// writes that file on its own filesystem: the file itself when the
	// filesystem is shared, the local staging copy otherwise.
	LocalPath(path string) string
	// NeedsStaging reports whether the execution host has its own filesystem.
	NeedsStaging() bool
	PutFiles(ctx context.Context, files []job.Transfer) error
	GetFiles(ctx context.Context, files []job.Transfer) error

	Close() error
}
