// Package oneshot runs every job in a fresh engine process
package oneshot

import (
	"context"
	"enginepool/pkg/archive"
	"enginepool/pkg/job"
	"enginepool/pkg/scheduler"
	"enginepool/pkg/sysexec"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const DefaultWorkRoot = ".temp/enginepool/"

type Config struct {
	Name string
	// Command runs once per job. {in} is replaced by the path of the job input.
	Command []string
	Env     []string
	// LogPath receives the console of each run; %n is the executor name and
	// %i the run index. Empty forwards the console to our own stdout/stderr.
	LogPath  string
	WorkRoot string
	Quiet    bool
}

func (c Config) Validate() error {
	if len(c.Command) == 0 {
		return errors.New("engine command is empty")
	}
	return nil
}

// Executor implements scheduler.Scheduler without keeping engines alive.
type Executor struct {
	scheduler.Closer

	exec   sysexec.Executor
	cfg    Config
	logger *zap.Logger
	store  archive.Store
	runKey string
	root   string

	mu   sync.Mutex
	runs int
	dead bool

	shutdownOnce sync.Once
}

var _ scheduler.Scheduler = (*Executor)(nil)

type Option func(*Executor)

// WithArchive uploads the console log of every run to store.
func WithArchive(store archive.Store) Option {
	return func(e *Executor) {
		e.store = store
	}
}

func New(exec sysexec.Executor, cfg Config, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid oneshot config")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = DefaultWorkRoot
	}

	id := uuid.New().String()
	if cfg.Name == "" {
		cfg.Name = "oneshot-" + id[:8]
	}

	e := &Executor{
		exec:   exec,
		cfg:    cfg,
		logger: logger.With(zap.String("executor", cfg.Name)),
		runKey: cfg.Name + "-" + archive.NewRunKey(),
		root:   filepath.Join(cfg.WorkRoot, "oneshot-"+id),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := exec.MakeDir(e.root); err != nil {
		return nil, errors.Wrapf(err, "create %v", e.root)
	}
	if exec.NeedsStaging() {
		if err := os.MkdirAll(exec.LocalPath(e.root), os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "create local %v", e.root)
		}
	}
	return e, nil
}

// Root is the private scratch directory of the executor.
func (e *Executor) Root() string {
	return e.root
}

func (e *Executor) next() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0, scheduler.ErrPoolClosed
	}
	index := e.runs
	e.runs++
	return index, nil
}

// Run writes the job input to a temporary file and runs the engine on it
// synchronously. A non-zero exit is reported as *scheduler.ExitError.
func (e *Executor) Run(ctx context.Context, j *job.Job) error {
	index, err := e.next()
	if err != nil {
		return err
	}
	logger := e.logger.With(zap.String("job", j.ID()), zap.Int("run", index))

	in := filepath.Join(e.root, "in-"+uuid.New().String())
	local := e.exec.LocalPath(in)
	if err := j.Input().WriteFile(local); err != nil {
		logger.Error("failed to stage job", zap.Error(err))
		return errors.Wrap(scheduler.ErrStaging, err.Error())
	}
	defer func() {
		os.Remove(local)
		if e.exec.NeedsStaging() {
			e.exec.Delete(in)
		}
	}()

	files := j.Files()
	for _, dir := range files.OutputDirs() {
		if err := e.exec.MakeDir(dir); err != nil {
			logger.Error("failed to create output dir", zap.String("dir", dir), zap.Error(err))
			return errors.Wrap(scheduler.ErrStaging, err.Error())
		}
	}

	if e.exec.NeedsStaging() {
		files = files.With(in, in)
	}
	cmd := e.command(in, index)
	code, err := e.exec.Run(ctx, cmd, files)
	if err != nil {
		logger.Error("engine run failed", zap.Error(err))
		return errors.Wrap(err, "run engine")
	}

	if e.store != nil && cmd.LogPath != "" && !e.cfg.Quiet {
		if err := archive.UploadAll(ctx, e.store, e.runKey, []string{e.exec.LocalPath(cmd.LogPath)}); err != nil {
			logger.Warn("failed to archive console log", zap.Error(err))
		}
	}

	if code != 0 {
		logger.Warn("engine exited with error", zap.Int("exitcode", code))
		return &scheduler.ExitError{Code: code}
	}
	logger.Debug("job done")
	return nil
}

func (e *Executor) command(in string, index int) sysexec.Command {
	r := strings.NewReplacer("{in}", in)
	cmd := sysexec.Command{Env: e.cfg.Env}
	for _, arg := range e.cfg.Command {
		cmd.Args = append(cmd.Args, r.Replace(arg))
	}

	switch {
	case e.cfg.Quiet:
		cmd.LogPath = os.DevNull
	case e.cfg.LogPath != "":
		cmd.LogPath = strings.NewReplacer(
			"%n", e.cfg.Name,
			"%i", strconv.Itoa(index),
		).Replace(e.cfg.LogPath)
	}
	return cmd
}

// Shutdown removes the scratch directory. Runs started afterwards fail with
// scheduler.ErrPoolClosed.
func (e *Executor) Shutdown() error {
	var err error
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.dead = true
		runs := e.runs
		e.mu.Unlock()

		err = errors.Wrapf(e.exec.RemoveDir(e.root), "remove %v", e.root)
		if e.exec.NeedsStaging() {
			err = multierr.Append(err, os.RemoveAll(e.exec.LocalPath(e.root)))
		}
		e.logger.Info("executor shut down", zap.Int("runs", runs))
	})
	return err
}

func (e *Executor) Close() error {
	return e.CloseWith(e.Shutdown, e.exec.Close)
}
