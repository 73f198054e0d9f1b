package scheduler

import (
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, 0},
		{"engine exit", &ExitError{Code: 7}, 7},
		{"wrapped engine exit", errors.Wrap(&ExitError{Code: 2}, "job 1"), 2},
		{"staging", errors.Wrap(ErrStaging, "write in"), CodeStaging},
		{"crashes", ErrCrashToleranceExceeded, CodeCrashToleranceExceeded},
		{"interrupted", errors.Wrap(ErrAcquisitionInterrupted, "ctx"), CodeInterrupted},
		{"shutdown timeout", ErrShutdownTimeout, CodeShutdownTimeout},
		{"closed", ErrPoolClosed, CodeClosed},
		{"job timeout", ErrJobTimeout, CodeJobTimeout},
		{"other", errors.New("boom"), CodeFailed},
		{"zero exit error", &ExitError{}, CodeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ExitCode(tt.err))
		})
	}
}

func TestCloser_ShutdownThenRelease(t *testing.T) {
	var c Closer
	var calls []string

	err := c.CloseWith(
		func() error { calls = append(calls, "shutdown"); return nil },
		func() error { calls = append(calls, "release"); return nil },
	)
	assert.NoError(t, err)
	assert.Equal(t, []string{"shutdown", "release"}, calls)

	// second close does nothing
	err = c.CloseWith(
		func() error { calls = append(calls, "shutdown"); return nil },
		func() error { calls = append(calls, "release"); return nil },
	)
	assert.NoError(t, err)
	assert.Len(t, calls, 2)
}

func TestCloser_AutoShutdownOff(t *testing.T) {
	var c Closer
	assert.True(t, c.AutoShutdownOnClose())
	c.SetAutoShutdownOnClose(false)
	assert.False(t, c.AutoShutdownOnClose())

	shutdown := false
	err := c.CloseWith(
		func() error { shutdown = true; return nil },
		func() error { return errors.New("release failed") },
	)
	assert.False(t, shutdown)
	assert.EqualError(t, err, "release failed")
}

func TestCloser_AggregatesErrors(t *testing.T) {
	var c Closer
	err := c.CloseWith(
		func() error { return ErrShutdownTimeout },
		func() error { return errors.New("release failed") },
	)
	assert.True(t, errors.Is(err, ErrShutdownTimeout))
	assert.Contains(t, err.Error(), "release failed")
}
