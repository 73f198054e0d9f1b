// Package pool runs jobs on a fixed set of persistent engine processes
package pool

import (
	"context"
	"enginepool/pkg/archive"
	"enginepool/pkg/scheduler"
	"enginepool/pkg/sysexec"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"path/filepath"
	"sync"
)

// Pool hands jobs to long-lived engines through the drop-file protocol. Each
// engine serves at most one job at a time.
type Pool struct {
	scheduler.Closer

	exec   sysexec.Executor
	cfg    Config
	logger *zap.Logger
	store  archive.Store
	root   string

	mu       sync.Mutex
	slots    []*slot
	released chan struct{}
	closing  chan struct{}
	dead     bool
	launches int
	restarts int
	logs     []string
	inflight sync.WaitGroup

	watcher      *fsnotify.Watcher
	shutdownOnce sync.Once
}

var _ scheduler.Scheduler = (*Pool)(nil)

type Option func(*Pool)

// WithArchive uploads engine logs to store on shutdown.
func WithArchive(store archive.Store) Option {
	return func(p *Pool) {
		p.store = store
	}
}

// New creates the pool root, starts cfg.Size engines and returns once all were
// submitted. If any engine fails to start the ones already running are shut
// down.
//
// Zero PollInterval, ShutdownTimeout and WorkRoot take their defaults. Zero
// CrashTolerance and Watch are meaningful and kept as given, so a bare Config
// tolerates no crash and only polls; start from DefaultConfig for the
// defaults of every field.
func New(ctx context.Context, exec sysexec.Executor, cfg Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid pool config")
	}

	id := uuid.New().String()
	if cfg.Name == "" {
		cfg.Name = "pool-" + id[:8]
	}

	p := &Pool{
		exec:     exec,
		cfg:      cfg,
		logger:   logger.With(zap.String("pool", cfg.Name)),
		root:     filepath.Join(cfg.WorkRoot, "pool-"+id),
		released: make(chan struct{}),
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.makeDir(p.root); err != nil {
		return nil, errors.Wrapf(err, "create pool root %v", p.root)
	}

	for i := 0; i < cfg.Size; i++ {
		if err := p.addSlot(ctx, i); err != nil {
			p.logger.Error("failed to start engine", zap.Int("slot", i), zap.Error(err))
			p.Shutdown()
			return nil, errors.Wrapf(err, "start slot %d", i)
		}
	}

	if cfg.Watch && !exec.NeedsStaging() {
		p.startWatch()
	}

	p.logger.Info("pool started",
		zap.Int("size", cfg.Size),
		zap.String("root", p.root))
	return p, nil
}

func (p *Pool) addSlot(ctx context.Context, id int) error {
	s, err := p.newSlot(id)
	if err != nil {
		return err
	}

	// registered before launch so a failed start is still cleaned up
	p.mu.Lock()
	p.slots = append(p.slots, s)
	p.mu.Unlock()

	h, err := p.launch(ctx, s)
	if err != nil {
		return err
	}

	p.mu.Lock()
	s.handle = h
	p.mu.Unlock()
	return nil
}

func (p *Pool) Name() string {
	return p.cfg.Name
}

// Root is the scratch directory holding every slot.
func (p *Pool) Root() string {
	return p.root
}

// acquire blocks until a slot is free and marks it busy. Waiters are woken
// together on every release and race for the lock, so there is no FIFO
// ordering.
func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	warned := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(scheduler.ErrAcquisitionInterrupted, err.Error())
		}

		p.mu.Lock()
		if p.dead {
			p.mu.Unlock()
			return nil, scheduler.ErrPoolClosed
		}
		for _, s := range p.slots {
			if !s.busy {
				s.busy = true
				p.inflight.Add(1)
				p.mu.Unlock()
				return s, nil
			}
		}
		released := p.released
		p.mu.Unlock()

		if !warned {
			p.logger.Warn("pool saturated, waiting for a free engine")
			warned = true
		}

		select {
		case <-released:
		case <-p.closing:
		case <-ctx.Done():
		}
	}
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	s.busy = false
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()
	p.inflight.Done()
}

func (p *Pool) handleOf(s *slot) sysexec.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.handle
}

func (p *Pool) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// Stats is a snapshot of the pool state.
type Stats struct {
	Size     int
	Busy     int
	Launches int
	Restarts int
	Closed   bool
}

// Saturated reports whether every engine is serving a job.
func (s Stats) Saturated() bool {
	return s.Size > 0 && s.Busy == s.Size
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Size:     len(p.slots),
		Launches: p.launches,
		Restarts: p.restarts,
		Closed:   p.dead,
	}
	for _, s := range p.slots {
		if s.busy {
			stats.Busy++
		}
	}
	return stats
}

// Close shuts the pool down, unless disabled with SetAutoShutdownOnClose, and
// closes the executor.
func (p *Pool) Close() error {
	return p.CloseWith(p.Shutdown, p.exec.Close)
}
