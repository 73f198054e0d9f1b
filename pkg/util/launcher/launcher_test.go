package launcher

import (
	"context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func untilCancelled(stopped chan<- struct{}) Runner {
	return AsRunner(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})
}

func TestRunAll_FirstExitStopsOthers(t *testing.T) {
	stopped := make(chan struct{})

	err := RunAll(context.Background(),
		AsRunner(func(ctx context.Context) error { return nil }),
		untilCancelled(stopped))
	assert.NoError(t, err)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("long running runner was not cancelled")
	}
}

func TestRunAll_ReturnsError(t *testing.T) {
	stopped := make(chan struct{})
	boom := errors.New("boom")

	err := RunAll(context.Background(),
		untilCancelled(stopped),
		AsRunner(func(ctx context.Context) error { return boom }))
	assert.Equal(t, boom, err)
	<-stopped
}

func TestRunAll_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	cancel()

	assert.NoError(t, RunAll(ctx, untilCancelled(stopped)))
}
