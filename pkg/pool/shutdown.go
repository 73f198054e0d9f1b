package pool

import (
	"context"
	"enginepool/pkg/archive"
	"enginepool/pkg/job"
	"enginepool/pkg/scheduler"
	"enginepool/pkg/sysexec"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"os"
	"sync"
)

// Shutdown asks every engine to exit and kills the ones that do not within
// ShutdownTimeout. It then waits for running jobs to return, archives the
// engine logs and removes the pool root. Jobs blocked on a free engine fail
// with scheduler.ErrPoolClosed. Only the first call does anything.
func (p *Pool) Shutdown() error {
	var err error
	p.shutdownOnce.Do(func() {
		err = p.shutdown()
	})
	return err
}

type engineRef struct {
	slot   *slot
	handle sysexec.Handle
}

func (p *Pool) shutdown() error {
	p.mu.Lock()
	p.dead = true
	close(p.closing)
	refs := make([]engineRef, 0, len(p.slots))
	for _, s := range p.slots {
		if s.handle != nil {
			refs = append(refs, engineRef{s, s.handle})
		}
	}
	logs := append([]string(nil), p.logs...)
	p.mu.Unlock()

	p.logger.Info("shutting down pool", zap.Int("engines", len(refs)))

	for _, ref := range refs {
		if err := p.place(context.Background(), ref.slot.shutdownFile(), job.FromBytes(nil)); err != nil {
			p.logger.Warn("failed to write shutdown file", zap.Int("slot", ref.slot.id), zap.Error(err))
		}
	}

	var (
		mu     sync.Mutex
		result error
		wg     sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		result = multierr.Append(result, err)
		mu.Unlock()
	}

	wg.Add(len(refs))
	for _, ref := range refs {
		go func(ref engineRef) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
			defer cancel()

			if _, err := ref.handle.Wait(ctx); err == nil {
				return
			}
			p.logger.Warn("engine did not exit, killing it", zap.Int("slot", ref.slot.id))
			if err := ref.handle.Cancel(); err != nil {
				record(errors.Wrapf(err, "kill engine of slot %d", ref.slot.id))
			}
			record(errors.Wrapf(scheduler.ErrShutdownTimeout, "slot %d", ref.slot.id))
		}(ref)
	}
	wg.Wait()

	// every engine is gone, so jobs still holding a slot return promptly
	p.inflight.Wait()

	if p.watcher != nil {
		p.watcher.Close()
	}

	if p.store != nil && len(logs) > 0 {
		runKey := p.cfg.Name + "-" + archive.NewRunKey()
		if err := archive.UploadAll(context.Background(), p.store, runKey, logs); err != nil {
			p.logger.Warn("failed to archive engine logs", zap.Error(err))
			result = multierr.Append(result, errors.Wrap(err, "archive engine logs"))
		}
	}

	if err := p.exec.RemoveDir(p.root); err != nil {
		result = multierr.Append(result, errors.Wrapf(err, "remove %v", p.root))
	}
	if p.exec.NeedsStaging() {
		if err := os.RemoveAll(p.exec.LocalPath(p.root)); err != nil {
			result = multierr.Append(result, errors.Wrapf(err, "remove local %v", p.root))
		}
	}

	if result != nil {
		p.logger.Warn("pool shut down with errors", zap.Error(result))
	} else {
		p.logger.Info("pool shut down")
	}
	return result
}
