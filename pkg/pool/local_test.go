package pool

import (
	"context"
	"enginepool/pkg/job"
	"enginepool/pkg/scheduler"
	"enginepool/pkg/sysexec"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"
)

// servingEngine appends every job to served.txt in its working directory.
const servingEngine = `
while true; do
  if [ -e "$ENGINEPOOL_SHUTDOWN" ]; then exit 0; fi
  if [ -f "$ENGINEPOOL_IN" ]; then
    cat "$ENGINEPOOL_IN" >> served.txt
    rm -f "$ENGINEPOOL_IN"
  fi
  sleep 0.01
done`

func localConfig(command string) Config {
	cfg := DefaultConfig()
	cfg.Size = 1
	cfg.Command = []string{"sh", "-c", command}
	cfg.Quiet = true
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestPool_LocalEngineInWorkDir(t *testing.T) {
	workDir := t.TempDir()
	cfg := localConfig(servingEngine)
	cfg.WorkRoot = "local-scratch"

	p, err := New(context.Background(), sysexec.NewLocal(workDir, zap.NewNop()), cfg, zap.NewNop())
	require.NoError(t, err)
	defer p.Shutdown()
	assert.DirExists(t, filepath.Join(workDir, p.Root()))

	require.NoError(t, p.Run(context.Background(), job.New(job.FromBytes([]byte("run 1\n")))))
	require.NoError(t, p.Run(context.Background(), job.New(job.FromBytes([]byte("run 2\n")))))

	data, err := ioutil.ReadFile(filepath.Join(workDir, "served.txt"))
	require.NoError(t, err)
	assert.Equal(t, "run 1\nrun 2\n", string(data))

	require.NoError(t, p.Shutdown())
	assert.NoDirExists(t, filepath.Join(workDir, p.Root()))
	assert.NoDirExists(t, "local-scratch")
}

func TestPool_ShutdownKillsLocalEngineIgnoringTerm(t *testing.T) {
	cfg := localConfig(`trap '' TERM; while true; do sleep 0.05; done`)
	cfg.WorkRoot = t.TempDir()
	cfg.ShutdownTimeout = 300 * time.Millisecond

	p, err := New(context.Background(), sysexec.NewLocal("", zap.NewNop()), cfg, zap.NewNop())
	require.NoError(t, err)
	h := p.handleOf(p.slots[0])

	start := time.Now()
	err = p.Shutdown()
	took := time.Since(start)

	assert.True(t, errors.Is(err, scheduler.ErrShutdownTimeout))
	assert.GreaterOrEqual(t, int64(took), int64(cfg.ShutdownTimeout))
	assert.Less(t, int64(took), int64(5*time.Second))
	assert.NoDirExists(t, p.Root())

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine survived shutdown")
	}
	assert.Equal(t, -1, h.ExitCode())
}
