package sysexec

import (
	"bytes"
	"context"
	"enginepool/pkg/job"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// SSHConfig describes a remote execution host.
type SSHConfig struct {
	Addr           string // host:port
	User           string
	Password       string
	KeyPath        string
	KnownHostsPath string // empty disables host key checking
	// RemoteDir is the remote counterpart of LocalDir: relative paths are
	// resolved against it on the remote side.
	RemoteDir string
	LocalDir  string
	// BeforeCommand runs ahead of every submitted command, eg "module load lammps".
	BeforeCommand string
	DialTimeout   time.Duration
}

// SSH executes commands on a remote host. The remote filesystem is separate,
// so files move through PutFiles/GetFiles.
type SSH struct {
	config SSHConfig
	client *ssh.Client
	logger *zap.Logger
}

func DialSSH(config SSHConfig, logger *zap.Logger) (*SSH, error) {
	var auth []ssh.AuthMethod
	if config.KeyPath != "" {
		key, err := ioutil.ReadFile(config.KeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "read ssh key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "parse ssh key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		auth = append(auth, ssh.Password(config.Password))
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsPath != "" {
		cb, err := knownhosts.New(config.KnownHostsPath)
		if err != nil {
			return nil, errors.Wrap(err, "load known hosts")
		}
		hostKeys = cb
	}

	timeout := config.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client, err := ssh.Dial("tcp", config.Addr, &ssh.ClientConfig{
		User:            config.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dial %v", config.Addr)
	}

	exe := &SSH{
		config: config,
		client: client,
		logger: logger.With(zap.String("host", config.Addr)),
	}

	if config.RemoteDir != "" {
		if err := exe.MakeDir("."); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "create remote working dir")
		}
	}
	return exe, nil
}

func (s *SSH) remotePath(p string) string {
	return remotePath(s.config.RemoteDir, p)
}

func (s *SSH) localPath(p string) string {
	if s.config.LocalDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.config.LocalDir, p)
}

func remotePath(remoteDir, p string) string {
	p = filepath.ToSlash(p)
	if remoteDir == "" || path.IsAbs(p) {
		return p
	}
	return path.Join(remoteDir, p)
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// commandLine renders cmd as a remote shell line. The process runs in its
// own session whose id is written to pidFile, so killLine can reach every
// process it spawned; closing the ssh session alone leaves them running.
func commandLine(config SSHConfig, cmd Command, pidFile string) string {
	parts := []string{"cd", shellQuote(remotePath(config.RemoteDir, orDot(cmd.Dir))), "&&"}
	if config.BeforeCommand != "" {
		parts = append(parts, config.BeforeCommand, "&&")
	}
	parts = append(parts, "{", "setsid")
	if len(cmd.Env) > 0 {
		parts = append(parts, "env")
		for _, env := range cmd.Env {
			parts = append(parts, shellQuote(env))
		}
	}
	for _, arg := range cmd.Args {
		parts = append(parts, shellQuote(arg))
	}
	pid := shellQuote(pidFile)
	parts = append(parts, "& echo $! >", pid+"; wait $!; rc=$?; rm -f", pid+"; exit $rc; }")
	return strings.Join(parts, " ")
}

// killLine kills the process group recorded in pidFile by commandLine.
func killLine(pidFile string) string {
	return `kill -s KILL -- -"$(cat ` + shellQuote(pidFile) + `)"`
}

func orDot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

func sshExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus()
	}
	return -1
}

func (s *SSH) Submit(ctx context.Context, cmd Command) (Handle, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "open session")
	}

	var logFile *os.File
	if cmd.LogPath != "" {
		logPath := s.localPath(cmd.LogPath)
		if err := os.MkdirAll(filepath.Dir(logPath), os.ModePerm); err != nil {
			session.Close()
			return nil, errors.Wrap(err, "create log dir")
		}
		if logFile, err = os.Create(logPath); err != nil {
			session.Close()
			return nil, errors.Wrap(err, "create log file")
		}
		session.Stdout = logFile
		session.Stderr = logFile
	} else {
		session.Stdout = os.Stdout
		session.Stderr = os.Stderr
	}

	pidFile := s.remotePath(".enginepool-" + uuid.New().String() + ".pid")
	line := commandLine(s.config, cmd, pidFile)
	if err := session.Start(line); err != nil {
		session.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, errors.Wrapf(err, "start %v", cmd.Args[0])
	}

	h := newProcHandle(func() error {
		if code, err := s.shell(killLine(pidFile), nil, nil); err != nil || code != 0 {
			s.logger.Warn("failed to kill remote process group",
				zap.String("pidfile", pidFile),
				zap.Int("exitcode", code),
				zap.Error(err))
		}
		session.Signal(ssh.SIGKILL)
		return session.Close()
	})

	go func() {
		code := sshExitCode(session.Wait())
		session.Close()
		if logFile != nil {
			logFile.Close()
		}
		s.logger.Debug("remote process exited", zap.Int("exitcode", code))
		h.finish(code)
	}()

	s.logger.Debug("remote process started", zap.String("cmd", line))
	return h, nil
}

func (s *SSH) Run(ctx context.Context, cmd Command, files job.IOFiles) (int, error) {
	if err := s.PutFiles(ctx, files.InputTransfers()); err != nil {
		return -1, err
	}

	h, err := s.Submit(ctx, cmd)
	if err != nil {
		return -1, err
	}
	code, err := waitOrCancel(ctx, h)
	if err != nil || code != 0 {
		return code, err
	}

	if err := s.GetFiles(ctx, files.OutputTransfers()); err != nil {
		return -1, err
	}
	return 0, nil
}

// shell runs a short housekeeping command and returns its exit status.
func (s *SSH) shell(line string, stdin io.Reader, stdout io.Writer) (int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return -1, errors.Wrap(err, "open session")
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr

	err = session.Run(line)
	if _, ok := err.(*ssh.ExitError); err != nil && !ok {
		return -1, errors.Wrapf(err, "run %q", line)
	}
	code := sshExitCode(err)
	if code != 0 && stderr.Len() > 0 {
		s.logger.Debug("remote command failed",
			zap.String("cmd", line),
			zap.Int("exitcode", code),
			zap.String("stderr", stderr.String()))
	}
	return code, nil
}

func (s *SSH) mustShell(line string, stdin io.Reader, stdout io.Writer) error {
	code, err := s.shell(line, stdin, stdout)
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Errorf("%q exited with %d", line, code)
	}
	return nil
}

func (s *SSH) MakeDir(p string) error {
	return s.mustShell("mkdir -p "+shellQuote(s.remotePath(p)), nil, nil)
}

func (s *SSH) RemoveDir(p string) error {
	return s.mustShell("rm -rf "+shellQuote(s.remotePath(p)), nil, nil)
}

func (s *SSH) Delete(p string) error {
	return s.mustShell("rm -f "+shellQuote(s.remotePath(p)), nil, nil)
}

func (s *SSH) IsFile(p string) bool {
	code, err := s.shell("test -f "+shellQuote(s.remotePath(p)), nil, nil)
	return err == nil && code == 0
}

func (s *SSH) IsDir(p string) bool {
	code, err := s.shell("test -d "+shellQuote(s.remotePath(p)), nil, nil)
	return err == nil && code == 0
}

func (s *SSH) LocalPath(p string) string {
	return s.localPath(p)
}

func (s *SSH) NeedsStaging() bool {
	return true
}

func (s *SSH) PutFiles(ctx context.Context, files []job.Transfer) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.put(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *SSH) put(f job.Transfer) error {
	src, err := os.Open(s.localPath(f.Local))
	if err != nil {
		return errors.Wrapf(err, "open %v", f.Local)
	}
	defer src.Close()

	// streamed to a sibling and renamed so the engine never reads a partial file
	remote := s.remotePath(f.Remote)
	part := shellQuote(remote + ".part")
	line := "mkdir -p " + shellQuote(path.Dir(remote)) + " && cat > " + part + " && mv -f " + part + " " + shellQuote(remote)
	return errors.Wrapf(s.mustShell(line, src, nil), "upload %v", f.Local)
}

func (s *SSH) GetFiles(ctx context.Context, files []job.Transfer) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.get(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *SSH) get(f job.Transfer) error {
	local := s.localPath(f.Local)
	if err := os.MkdirAll(filepath.Dir(local), os.ModePerm); err != nil {
		return errors.Wrapf(err, "create dir for %v", local)
	}
	dst, err := os.Create(local)
	if err != nil {
		return errors.Wrapf(err, "create %v", local)
	}

	err = s.mustShell("cat "+shellQuote(s.remotePath(f.Remote)), nil, dst)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(local)
		return errors.Wrapf(err, "download %v", f.Remote)
	}
	return nil
}

func (s *SSH) Close() error {
	return s.client.Close()
}
