package sysexec

import (
	"context"
	"enginepool/pkg/job"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Local runs commands on this host. The filesystem is shared with the
// caller, so no staging is needed.
type Local struct {
	workDir string
	logger  *zap.Logger
}

// NewLocal creates a local executor. Relative paths resolve against workDir,
// or the process working directory when workDir is empty.
func NewLocal(workDir string, logger *zap.Logger) *Local {
	return &Local{
		workDir: workDir,
		logger:  logger,
	}
}

func (l *Local) path(p string) string {
	if l.workDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.workDir, p)
}

func (l *Local) Submit(ctx context.Context, cmd Command) (Handle, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Dir = l.path(cmd.Dir)
	c.Env = append(os.Environ(), cmd.Env...)
	// own process group so the whole engine tree can be killed at once
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if cmd.LogPath != "" {
		logPath := l.path(cmd.LogPath)
		if err := os.MkdirAll(filepath.Dir(logPath), os.ModePerm); err != nil {
			return nil, errors.Wrap(err, "create log dir")
		}
		f, err := os.Create(logPath)
		if err != nil {
			return nil, errors.Wrap(err, "create log file")
		}
		logFile = f
		c.Stdout = f
		c.Stderr = f
	} else {
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
	}

	if err := c.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, errors.Wrapf(err, "start %v", cmd.Args[0])
	}

	pgid, err := syscall.Getpgid(c.Process.Pid)
	if err != nil {
		pgid = c.Process.Pid
	}

	h := newProcHandle(func() error {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	})

	go func() {
		code := exitCode(c.Wait())
		if logFile != nil {
			logFile.Close()
		}
		l.logger.Debug("process exited",
			zap.Int("pid", c.Process.Pid),
			zap.Int("exitcode", code))
		h.finish(code)
	}()

	l.logger.Debug("process started",
		zap.Strings("args", cmd.Args),
		zap.Int("pid", c.Process.Pid))
	return h, nil
}

// exitCode extracts the exit status of a finished command. Processes killed
// by a signal report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}

func (l *Local) Run(ctx context.Context, cmd Command, files job.IOFiles) (int, error) {
	h, err := l.Submit(ctx, cmd)
	if err != nil {
		return -1, err
	}
	return waitOrCancel(ctx, h)
}

func (l *Local) MakeDir(path string) error {
	return os.MkdirAll(l.path(path), os.ModePerm)
}

func (l *Local) RemoveDir(path string) error {
	return os.RemoveAll(l.path(path))
}

func (l *Local) Delete(path string) error {
	err := os.Remove(l.path(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *Local) IsFile(path string) bool {
	info, err := os.Stat(l.path(path))
	return err == nil && info.Mode().IsRegular()
}

func (l *Local) IsDir(path string) bool {
	info, err := os.Stat(l.path(path))
	return err == nil && info.IsDir()
}

func (l *Local) LocalPath(path string) string {
	return l.path(path)
}

func (l *Local) NeedsStaging() bool {
	return false
}

// PutFiles copies inputs whose remote name differs from the local path.
// Identical names are already in place.
func (l *Local) PutFiles(ctx context.Context, files []job.Transfer) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.copyIfMoved(f.Local, l.path(f.Remote)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) GetFiles(ctx context.Context, files []job.Transfer) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.copyIfMoved(l.path(f.Remote), f.Local); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) copyIfMoved(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	return copyFile(src, dst)
}

func (l *Local) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %v", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return errors.Wrapf(err, "create dir for %v", dst)
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %v", dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %v -> %v", src, dst)
	}
	return out.Close()
}
