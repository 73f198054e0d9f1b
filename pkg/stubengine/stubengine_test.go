package stubengine

import (
	"bytes"
	"context"
	"enginepool/pkg/sysexec"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExec(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "sub", "out.txt")
	var stdout bytes.Buffer

	script := "# minimise\n\nsleep 1ms\nwrite " + out + " energy -3.2\necho done\n"
	require.NoError(t, Exec(context.Background(), []byte(script), &stdout))

	data, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "energy -3.2\n", string(data))
	assert.Equal(t, "done\n", stdout.String())
}

func TestExec_Crash(t *testing.T) {
	err := Exec(context.Background(), []byte("echo before\ncrash 7\necho after"), ioutil.Discard)
	var crash *CrashError
	require.True(t, errors.As(err, &crash))
	assert.Equal(t, 7, crash.Code)
}

func TestExec_Errors(t *testing.T) {
	assert.Error(t, Exec(context.Background(), []byte("explode"), ioutil.Discard))
	assert.Error(t, Exec(context.Background(), []byte("sleep forever"), ioutil.Discard))
	assert.Error(t, Exec(context.Background(), []byte("crash loudly"), ioutil.Discard))
	assert.Error(t, Exec(context.Background(), []byte("write"), ioutil.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Exec(ctx, []byte("sleep 1h"), ioutil.Discard))
}

func startEngine(t *testing.T, config Config) (<-chan error, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	engine := New(config, ioutil.Discard, zap.NewNop())
	go func() { done <- engine.Run(ctx) }()
	return done, cancel
}

func TestEngine_ServesJobsUntilShutdown(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "result")
	in := filepath.Join(dir, sysexec.DropFile)

	done, _ := startEngine(t, Config{Dir: dir, Poll: 2 * time.Millisecond})

	// renamed into place so the engine never reads a partial job
	require.NoError(t, ioutil.WriteFile(in+".part", []byte("write "+out+" ok"), 0644))
	require.NoError(t, os.Rename(in+".part", in))
	require.Eventually(t, func() bool {
		_, err := os.Stat(in)
		return os.IsNotExist(err)
	}, 2*time.Second, time.Millisecond)
	assert.FileExists(t, out)

	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, sysexec.ShutdownFile), nil, 0644))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine ignored shutdown")
	}
}

func TestEngine_CrashLeavesJob(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, sysexec.DropFile)
	require.NoError(t, ioutil.WriteFile(in, []byte("crash 3"), 0644))

	done, _ := startEngine(t, Config{Dir: dir, Poll: 2 * time.Millisecond})

	select {
	case err := <-done:
		var crash *CrashError
		require.True(t, errors.As(err, &crash))
		assert.Equal(t, 3, crash.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not crash")
	}
	assert.FileExists(t, in)
}

func TestEngine_Bootstrap(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "booted")
	main := filepath.Join(dir, sysexec.BootstrapFile)
	require.NoError(t, ioutil.WriteFile(main, []byte("write "+marker+" yes"), 0644))

	done, cancel := startEngine(t, Config{Dir: dir, Poll: 2 * time.Millisecond, Bootstrap: main})
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.Equal(t, context.Canceled, <-done)
}
