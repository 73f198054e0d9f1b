package pool

import (
	"context"
	"enginepool/pkg/job"
	"enginepool/pkg/scheduler"
	"enginepool/pkg/sysexec"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"time"
)

// Run hands j to a free engine and blocks until the engine has accepted it.
// ctx only bounds the wait for a free engine; once the job is handed over it
// runs to completion.
func (p *Pool) Run(ctx context.Context, j *job.Job) error {
	s, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(s)

	logger := p.logger.With(zap.String("job", j.ID()), zap.Int("slot", s.id))

	if err := p.revive(s, logger); err != nil {
		return err
	}
	if err := p.stage(ctx, s, j); err != nil {
		logger.Error("failed to stage job", zap.Error(err))
		return errors.Wrap(scheduler.ErrStaging, err.Error())
	}
	p.settle()

	if err := p.await(s, logger); err != nil {
		return err
	}
	p.settle()

	if p.exec.NeedsStaging() {
		outputs := j.Files().OutputTransfers()
		if err := p.exec.GetFiles(context.Background(), outputs); err != nil {
			logger.Error("failed to fetch outputs", zap.Error(err))
			return errors.Wrap(scheduler.ErrStaging, err.Error())
		}
	}

	logger.Debug("job done")
	return nil
}

// stage prepares everything the engine needs and writes the drop file last,
// so a failure here is never visible to the engine.
func (p *Pool) stage(ctx context.Context, s *slot, j *job.Job) error {
	files := j.Files()
	for _, dir := range files.OutputDirs() {
		if err := p.exec.MakeDir(dir); err != nil {
			return errors.Wrapf(err, "create output dir %v", dir)
		}
	}

	if p.exec.NeedsStaging() {
		if err := p.exec.PutFiles(ctx, files.InputTransfers()); err != nil {
			return errors.Wrap(err, "upload input files")
		}
	}
	return p.place(ctx, s.dropFile(), j.Input())
}

func (p *Pool) settle() {
	if p.cfg.SettleDelay > 0 {
		time.Sleep(p.cfg.SettleDelay)
	}
}

// await waits for the engine of s to remove the drop file, restarting it when
// it dies with the job still pending, at most CrashTolerance times.
func (p *Pool) await(s *slot, logger *zap.Logger) error {
	in := s.dropFile()
	tolerance := p.cfg.CrashTolerance

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if p.cfg.JobTimeout > 0 {
		timer := time.NewTimer(p.cfg.JobTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for p.exec.IsFile(in) {
		h := p.handleOf(s)

		select {
		case <-ticker.C:
			continue
		case <-s.wake:
			continue
		case <-deadline:
			logger.Warn("engine did not accept job in time", zap.Duration("timeout", p.cfg.JobTimeout))
			p.abandon(s, h, logger)
			return scheduler.ErrJobTimeout
		case <-h.Done():
		}

		// the engine may have taken the job just before exiting
		if !p.exec.IsFile(in) {
			break
		}
		if p.isDead() {
			p.withdraw(in, logger)
			return scheduler.ErrPoolClosed
		}

		tolerance--
		logger.Warn("engine exited with job pending",
			zap.Int("exitcode", h.ExitCode()),
			zap.Int("tolerance", tolerance))
		if tolerance < 0 {
			logger.Error("engine crash tolerance exceeded", zap.Int("limit", p.cfg.CrashTolerance))
			p.withdraw(in, logger)
			return scheduler.ErrCrashToleranceExceeded
		}

		if err := p.restart(s, logger); err != nil {
			if !errors.Is(err, scheduler.ErrPoolClosed) {
				logger.Error("failed to restart engine", zap.Error(err))
				err = errors.Wrap(err, "restart engine")
			}
			p.withdraw(in, logger)
			return err
		}
	}
	return nil
}

// withdraw removes a pending drop file so no later engine runs a job whose
// caller was already given an error.
func (p *Pool) withdraw(in string, logger *zap.Logger) {
	if err := p.exec.Delete(in); err != nil {
		logger.Warn("failed to remove drop file", zap.Error(err))
	}
}

// revive relaunches the engine of s if it exited while idle, or after a job
// that exhausted its crash tolerance. No job is pending at this point, so it
// does not count against the tolerance of the next one.
func (p *Pool) revive(s *slot, logger *zap.Logger) error {
	h := p.handleOf(s)
	select {
	case <-h.Done():
	default:
		return nil
	}

	logger.Warn("engine found exited, relaunching", zap.Int("exitcode", h.ExitCode()))
	if err := p.restart(s, logger); err != nil {
		if errors.Is(err, scheduler.ErrPoolClosed) {
			return err
		}
		logger.Error("failed to restart engine", zap.Error(err))
		return errors.Wrap(err, "restart engine")
	}
	return nil
}

// abandon withdraws the pending job of s and replaces its engine, which may
// still be working on it.
func (p *Pool) abandon(s *slot, h sysexec.Handle, logger *zap.Logger) {
	h.Cancel()
	<-h.Done()
	p.withdraw(s.dropFile(), logger)
	if err := p.restart(s, logger); err != nil && !errors.Is(err, scheduler.ErrPoolClosed) {
		logger.Error("failed to restart engine", zap.Error(err))
	}
}
