package pool

import (
	"enginepool/pkg/sysexec"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"path/filepath"
)

// startWatch subscribes to filesystem events of every slot directory so a
// pending job notices the engine taking its drop file without waiting for the
// next poll. Polling stays the source of truth.
func (p *Pool) startWatch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Debug("filesystem watch unavailable", zap.Error(err))
		return
	}

	bySlot := make(map[string]*slot, len(p.slots))
	for _, s := range p.slots {
		dir := filepath.Clean(p.exec.LocalPath(s.dir))
		if err := watcher.Add(dir); err != nil {
			p.logger.Debug("cannot watch slot dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		bySlot[dir] = s
	}

	p.watcher = watcher
	go p.watchLoop(watcher, bySlot)
}

func (p *Pool) watchLoop(watcher *fsnotify.Watcher, bySlot map[string]*slot) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != sysexec.DropFile {
				continue
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			s, ok := bySlot[filepath.Dir(event.Name)]
			if !ok {
				continue
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Debug("filesystem watch error", zap.Error(err))
		}
	}
}
