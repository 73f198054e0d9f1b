package sysexec

import (
	"context"
	"sync"
)

// procHandle is the Handle shared by the executors: a goroutine waits on the
// process and calls finish exactly once.
type procHandle struct {
	done     chan struct{}
	once     sync.Once
	exitCode int
	kill     func() error
}

func newProcHandle(kill func() error) *procHandle {
	return &procHandle{
		done: make(chan struct{}),
		kill: kill,
	}
}

func (h *procHandle) finish(exitCode int) {
	h.once.Do(func() {
		h.exitCode = exitCode
		close(h.done)
	})
}

func (h *procHandle) Done() <-chan struct{} {
	return h.done
}

func (h *procHandle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

func (h *procHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *procHandle) Cancel() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	return h.kill()
}

// waitOrCancel waits for h, killing the process if ctx ends first.
func waitOrCancel(ctx context.Context, h Handle) (int, error) {
	code, err := h.Wait(ctx)
	if err == nil {
		return code, nil
	}
	h.Cancel()
	<-h.Done()
	return h.ExitCode(), err
}
