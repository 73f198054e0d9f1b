// Package sysexectest provides a fake process-execution collaborator whose
// engines are goroutines speaking the drop-file protocol on the real
// filesystem.
package sysexectest

import (
	"context"
	"enginepool/pkg/job"
	"enginepool/pkg/sysexec"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Engine configures how fake engines behave.
type Engine struct {
	// Crashes is how many times an engine dies while a job is pending before
	// one finally accepts it. The budget is shared by all launches.
	Crashes   int
	CrashCode int
	// JobDelay is how long an engine works before deleting the drop file.
	JobDelay time.Duration
	// IgnoreShutdown makes engines hang until killed.
	IgnoreShutdown bool
	// Outputs are written (path -> content) while a job is processed.
	Outputs map[string]string
	// OnJob runs while a job is processed.
	OnJob func(dir string, input []byte)
	// FailLaunch makes the n-th launch (1-based) fail to start. Zero never fails.
	FailLaunch int
}

// Executor is a fake sysexec.Executor. Filesystem operations are real. With
// Staging set, the execution host is simulated by a separate directory tree
// under Remote and files only cross over through PutFiles/GetFiles.
type Executor struct {
	Engine  Engine
	Staging bool
	Remote  string
	Tick    time.Duration

	mu          sync.Mutex
	crashesUsed int
	launches    int
	cancels     int
	active      int
	maxActive   int
	jobs        int
	puts        [][]job.Transfer
	gets        [][]job.Transfer
	closed      bool
}

func New(engine Engine) *Executor {
	return &Executor{
		Engine: engine,
		Tick:   2 * time.Millisecond,
	}
}

// NewStaging returns a fake whose execution host lives under remote.
func NewStaging(engine Engine, remote string) *Executor {
	e := New(engine)
	e.Staging = true
	e.Remote = remote
	return e
}

// path maps p onto the simulated execution host.
func (e *Executor) path(p string) string {
	if !e.Staging {
		return p
	}
	return filepath.Join(e.Remote, p)
}

type handle struct {
	done     chan struct{}
	kill     chan struct{}
	once     sync.Once
	killOnce sync.Once
	exitCode int
	owner    *Executor
}

func (h *handle) finish(code int) {
	h.once.Do(func() {
		h.exitCode = code
		close(h.done)
	})
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

func (h *handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *handle) Cancel() error {
	h.killOnce.Do(func() {
		h.owner.mu.Lock()
		h.owner.cancels++
		h.owner.mu.Unlock()
		close(h.kill)
	})
	<-h.done
	return nil
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"=")
		}
	}
	return ""
}

// Submit starts a fake engine bound to the slot directory named by the
// command environment.
func (e *Executor) Submit(ctx context.Context, cmd sysexec.Command) (sysexec.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.launches++
	n := e.launches
	e.mu.Unlock()

	if e.Engine.FailLaunch == n {
		return nil, errors.Errorf("launch %d refused", n)
	}

	dir := envValue(cmd.Env, sysexec.EnvSlotDir)
	if dir == "" {
		return nil, errors.New("fake engine needs " + sysexec.EnvSlotDir)
	}

	h := &handle{
		done:  make(chan struct{}),
		kill:  make(chan struct{}),
		owner: e,
	}
	go e.serve(e.path(dir), h)
	return h, nil
}

// Run executes cmd for real on this host.
func (e *Executor) Run(ctx context.Context, cmd sysexec.Command, files job.IOFiles) (int, error) {
	return sysexec.NewLocal("", zap.NewNop()).Run(ctx, cmd, files)
}

func (e *Executor) tick() time.Duration {
	if e.Tick <= 0 {
		return 2 * time.Millisecond
	}
	return e.Tick
}

func (e *Executor) serve(dir string, h *handle) {
	in := filepath.Join(dir, sysexec.DropFile)
	shutdown := filepath.Join(dir, sysexec.ShutdownFile)

	ticker := time.NewTicker(e.tick())
	defer ticker.Stop()

	for {
		select {
		case <-h.kill:
			h.finish(-1)
			return
		case <-ticker.C:
		}

		if !e.Engine.IgnoreShutdown && exists(shutdown) {
			h.finish(0)
			return
		}
		if !exists(in) {
			continue
		}
		if e.takeCrash() {
			h.finish(e.Engine.CrashCode)
			return
		}

		data, err := ioutil.ReadFile(in)
		if err != nil {
			continue
		}
		if !e.process(dir, data, h) {
			h.finish(-1)
			return
		}
		os.Remove(in)
	}
}

// process runs one job, returning false if the engine was killed meanwhile.
func (e *Executor) process(dir string, input []byte, h *handle) bool {
	e.mu.Lock()
	e.active++
	e.jobs++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if e.Engine.OnJob != nil {
		e.Engine.OnJob(dir, input)
	}
	for name, content := range e.Engine.Outputs {
		path := e.path(name)
		os.MkdirAll(filepath.Dir(path), os.ModePerm)
		ioutil.WriteFile(path, []byte(content), 0644)
	}

	if e.Engine.JobDelay > 0 {
		select {
		case <-time.After(e.Engine.JobDelay):
		case <-h.kill:
			return false
		}
	}
	return true
}

func (e *Executor) takeCrash() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.crashesUsed < e.Engine.Crashes {
		e.crashesUsed++
		return true
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (e *Executor) MakeDir(p string) error {
	return os.MkdirAll(e.path(p), os.ModePerm)
}

func (e *Executor) RemoveDir(p string) error {
	return os.RemoveAll(e.path(p))
}

func (e *Executor) Delete(p string) error {
	err := os.Remove(e.path(p))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (e *Executor) IsFile(p string) bool {
	info, err := os.Stat(e.path(p))
	return err == nil && info.Mode().IsRegular()
}

func (e *Executor) IsDir(p string) bool {
	info, err := os.Stat(e.path(p))
	return err == nil && info.IsDir()
}

// LocalPath is the identity: the caller's side is the process working
// directory, the simulated host lives under Remote.
func (e *Executor) LocalPath(p string) string {
	return p
}

func (e *Executor) NeedsStaging() bool {
	return e.Staging
}

func (e *Executor) PutFiles(ctx context.Context, files []job.Transfer) error {
	e.mu.Lock()
	e.puts = append(e.puts, append([]job.Transfer(nil), files...))
	e.mu.Unlock()

	for _, f := range files {
		if err := copyFile(f.Local, e.path(f.Remote)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) GetFiles(ctx context.Context, files []job.Transfer) error {
	e.mu.Lock()
	e.gets = append(e.gets, append([]job.Transfer(nil), files...))
	e.mu.Unlock()

	for _, f := range files {
		if err := copyFile(e.path(f.Remote), f.Local); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	data, err := ioutil.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "read %v", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}
	return ioutil.WriteFile(dst, data, 0644)
}

func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *Executor) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

func (e *Executor) Cancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels
}

// MaxActive is the largest number of jobs processed at the same time.
func (e *Executor) MaxActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}

func (e *Executor) Jobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs
}

func (e *Executor) CrashesUsed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crashesUsed
}

func (e *Executor) Puts() [][]job.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]job.Transfer(nil), e.puts...)
}

func (e *Executor) Gets() [][]job.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]job.Transfer(nil), e.gets...)
}

func (e *Executor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
