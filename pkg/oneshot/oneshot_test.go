package oneshot

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
	"sync"
	"testing"
)

func newExecutor(t *testing.T, cfg Config, opts ...Option) *Executor {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = t.TempDir()
	}
	e, err := New(sysexec.NewLocal("", zap.NewNop()), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRun_CopiesInputAndCleansUp(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "copy")
	e := newExecutor(t, Config{
		Command: []string{"sh", "-c", `cp "$1" "$2"`, "sh", "{in}", dst},
	})

	require.NoError(t, e.Run(context.Background(), job.New(job.FromBytes([]byte("run 10")))))

	data, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "run 10", string(data))

	entries, err := ioutil.ReadDir(e.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary input is removed")
}

func TestRun_NonZeroExit(t *testing.T) {
	e := newExecutor(t, Config{Command: []string{"sh", "-c", "exit 4"}})

	err := e.Run(context.Background(), job.New(job.FromBytes(nil)))
	var exitErr *scheduler.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 4, exitErr.Code)
	assert.Equal(t, 4, scheduler.ExitCode(err))
}

func TestRun_MissingInputIsStagingError(t *testing.T) {
	e := newExecutor(t, Config{Command: []string{"true"}})

	err := e.Run(context.Background(), job.New(job.FromPath(filepath.Join(t.TempDir(), "nope"))))
	assert.True(t, errors.Is(err, scheduler.ErrStaging))
}

type memStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memStore) Upload(ctx context.Context, localPath, key string) error {
	data, err := ioutil.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = string(data)
	m.mu.Unlock()
	return nil
}

func TestRun_LogCapturedAndArchived(t *testing.T) {
	logDir := t.TempDir()
	store := &memStore{objects: make(map[string]string)}
	e := newExecutor(t, Config{
		Name:    "lmp",
		Command: []string{"sh", "-c", "echo converged"},
		LogPath: filepath.Join(logDir, "out-%i-%n"),
	}, WithArchive(store))

	require.NoError(t, e.Run(context.Background(), job.New(job.FromBytes(nil))))
	require.NoError(t, e.Run(context.Background(), job.New(job.FromBytes(nil))))

	data, err := ioutil.ReadFile(filepath.Join(logDir, "out-1-lmp"))
	require.NoError(t, err)
	assert.Equal(t, "converged\n", string(data))

	assert.Len(t, store.objects, 2)
	for key, content := range store.objects {
		assert.Regexp(t, `^lmp-[0-9a-f-]+/out-[01]-lmp$`, key)
		assert.Equal(t, "converged\n", content)
	}
}

func TestRun_CreatesOutputDirs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "deep", "nested", "result")
	e := newExecutor(t, Config{
		Command: []string{"sh", "-c", `echo done > "$1"`, "sh", out},
	})

	require.NoError(t, e.Run(context.Background(), job.New(job.FromBytes(nil), job.WithOutputFile(out))))
	assert.FileExists(t, out)
}

func TestShutdown(t *testing.T) {
	e := newExecutor(t, Config{Command: []string{"true"}})
	require.DirExists(t, e.Root())

	require.NoError(t, e.Shutdown())
	assert.NoDirExists(t, e.Root())
	assert.NoError(t, e.Shutdown())

	err := e.Run(context.Background(), job.New(job.FromBytes(nil)))
	assert.Equal(t, scheduler.ErrPoolClosed, err)
}

func TestNew_RequiresCommand(t *testing.T) {
	_, err := New(sysexec.NewLocal("", zap.NewNop()), Config{WorkRoot: t.TempDir()}, zap.NewNop())
	assert.Error(t, err)
}

func TestRun_ExecutorWorkDir(t *testing.T) {
	workDir := t.TempDir()
	exe := sysexec.NewLocal(workDir, zap.NewNop())
	e, err := New(exe, Config{
		WorkRoot: "oneshot-scratch",
		Command:  []string{"sh", "-c", `cp "$1" copied.txt`, "sh", "{in}"},
	}, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Run(context.Background(), job.New(job.FromBytes([]byte("minimize")))))

	data, err := ioutil.ReadFile(filepath.Join(workDir, "copied.txt"))
	require.NoError(t, err)
	assert.Equal(t, "minimize", string(data))
	assert.DirExists(t, filepath.Join(workDir, e.Root()))
	assert.NoDirExists(t, "oneshot-scratch")
}
