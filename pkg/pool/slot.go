package pool

import (
	"context"
	"enginepool/pkg/job"
	"enginepool/pkg/scheduler"
	"enginepool/pkg/sysexec"
	"fmt"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// slot is one persistent engine and its working directory. busy and handle
// are guarded by the pool mutex.
type slot struct {
	id       int
	dir      string
	handle   sysexec.Handle
	busy     bool
	launches int
	wake     chan struct{}
}

func (s *slot) dropFile() string {
	return filepath.Join(s.dir, sysexec.DropFile)
}

func (s *slot) shutdownFile() string {
	return filepath.Join(s.dir, sysexec.ShutdownFile)
}

func (s *slot) bootstrapFile() string {
	return filepath.Join(s.dir, sysexec.BootstrapFile)
}

// placeholders expands {dir}, {in}, {shutdown} and {main} for s.
func (s *slot) placeholders() *strings.Replacer {
	return strings.NewReplacer(
		"{dir}", s.dir,
		"{in}", s.dropFile(),
		"{shutdown}", s.shutdownFile(),
		"{main}", s.bootstrapFile(),
	)
}

// logPath renders the log template for one launch.
func logPath(template, poolName string, slotID, launch int) string {
	return strings.NewReplacer(
		"%n", poolName,
		"%i", strconv.Itoa(launch),
		"%s", strconv.Itoa(slotID),
	).Replace(template)
}

func (p *Pool) newSlot(id int) (*slot, error) {
	name := fmt.Sprintf("slot-%d-%s", id, uuid.New().String()[:8])
	s := &slot{
		id:   id,
		dir:  filepath.Join(p.root, name),
		wake: make(chan struct{}, 1),
	}
	if err := p.makeDir(s.dir); err != nil {
		return nil, errors.Wrapf(err, "create %v", s.dir)
	}
	return s, nil
}

// launch starts a new engine process in s.dir. The caller stores the handle.
func (p *Pool) launch(ctx context.Context, s *slot) (sysexec.Handle, error) {
	r := s.placeholders()

	if p.cfg.Bootstrap != "" {
		bootstrap := job.FromBytes([]byte(r.Replace(p.cfg.Bootstrap)))
		if err := p.place(ctx, s.bootstrapFile(), bootstrap); err != nil {
			return nil, errors.Wrap(err, "write bootstrap file")
		}
	}

	p.mu.Lock()
	index := p.launches
	p.launches++
	s.launches++
	p.mu.Unlock()

	cmd := sysexec.Command{
		Args: make([]string, 0, len(p.cfg.Command)),
		Env: []string{
			sysexec.EnvSlotDir + "=" + s.dir,
			sysexec.EnvDropFile + "=" + s.dropFile(),
			sysexec.EnvShutdownFile + "=" + s.shutdownFile(),
		},
	}
	for _, arg := range p.cfg.Command {
		cmd.Args = append(cmd.Args, r.Replace(arg))
	}
	for _, env := range p.cfg.Env {
		cmd.Env = append(cmd.Env, r.Replace(env))
	}

	switch {
	case p.cfg.Quiet:
		cmd.LogPath = os.DevNull
	case p.cfg.LogPath != "":
		cmd.LogPath = logPath(p.cfg.LogPath, p.cfg.Name, s.id, index)
		p.mu.Lock()
		p.logs = append(p.logs, p.exec.LocalPath(cmd.LogPath))
		p.mu.Unlock()
	}

	h, err := p.exec.Submit(ctx, cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "launch engine in %v", s.dir)
	}

	p.logger.Debug("engine launched",
		zap.Int("slot", s.id),
		zap.Int("launch", index),
		zap.String("dir", s.dir),
		zap.String("log", cmd.LogPath))
	return h, nil
}

// restart relaunches the engine of s in the same directory. A pending drop
// file stays in place for the new process.
func (p *Pool) restart(s *slot, logger *zap.Logger) error {
	sentinel := s.shutdownFile()
	if p.exec.IsFile(sentinel) {
		if err := p.exec.Delete(sentinel); err != nil {
			return errors.Wrap(err, "remove shutdown file")
		}
	} else if p.exec.IsDir(sentinel) {
		if err := p.exec.RemoveDir(sentinel); err != nil {
			return errors.Wrap(err, "remove shutdown dir")
		}
	}

	h, err := p.launch(context.Background(), s)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		h.Cancel()
		return scheduler.ErrPoolClosed
	}
	s.handle = h
	p.restarts++
	launches := s.launches
	p.mu.Unlock()

	logger.Info("engine restarted", zap.Int("launches", launches))
	return nil
}

// makeDir creates dir on the execution host, and locally as well when files
// are staged through a local copy.
func (p *Pool) makeDir(dir string) error {
	if err := p.exec.MakeDir(dir); err != nil {
		return err
	}
	if p.exec.NeedsStaging() {
		return os.MkdirAll(p.exec.LocalPath(dir), os.ModePerm)
	}
	return nil
}

// place materializes in at path on the execution host. Without staging the
// file is written in place; otherwise a local copy is pushed and removed.
func (p *Pool) place(ctx context.Context, path string, in job.Input) error {
	local := p.exec.LocalPath(path)
	if err := in.WriteFile(local); err != nil {
		return err
	}
	if !p.exec.NeedsStaging() {
		return nil
	}
	defer os.Remove(local)
	return p.exec.PutFiles(ctx, []job.Transfer{{Local: path, Remote: path}})
}
