// Package batch drives a set of jobs through a scheduler and reports per-job results
package batch

import (
	"context"
	"enginepool/pkg/job"
	"enginepool/pkg/scheduler"
	"fmt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// Result of a single job.
type Result struct {
	ID       string
	Code     int
	Err      error
	Duration time.Duration
}

// Tracker counts jobs through their lifetime and logs progress.
type Tracker struct {
	mu          sync.Mutex
	total       int
	outstanding int
	completed   int
	failed      int
	logger      *zap.Logger
}

func NewTracker(total int, logger *zap.Logger) *Tracker {
	return &Tracker{
		total:  total,
		logger: logger,
	}
}

func (t *Tracker) start(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding++
	t.logger.Debug("start job",
		zap.String("job", id),
		zap.Int("outstanding", t.outstanding),
		zap.Int("complete", t.completed),
		zap.Int("total", t.total),
	)
}

func (t *Tracker) finish(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding--
	t.completed++
	if r.Err != nil {
		t.failed++
	}
	t.logger.Info("fin job",
		zap.String("job", r.ID),
		zap.Int("code", r.Code),
		zap.Duration("took", r.Duration),
		zap.Int("outstanding", t.outstanding),
		zap.Int("complete", t.completed),
		zap.Int("failed", t.failed),
		zap.Int("total", t.total),
		zap.Error(r.Err),
	)
}

// Failed returns the number of jobs finished with an error so far.
func (t *Tracker) Failed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Load builds jobs from a manifest, or one job per input script path when
// manifest is empty. Path jobs are named after the file.
func Load(manifest string, paths []string) ([]*job.Job, error) {
	if manifest != "" {
		if len(paths) > 0 {
			return nil, errors.New("input paths and a manifest are mutually exclusive")
		}
		return job.LoadManifest(manifest)
	}
	if len(paths) == 0 {
		return nil, errors.New("no jobs given")
	}

	jobs := make([]*job.Job, 0, len(paths))
	used := make(map[string]bool)
	for _, path := range paths {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		id := base
		for n := 1; used[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		used[id] = true
		jobs = append(jobs, job.New(job.FromPath(path), job.WithID(id)))
	}
	return jobs, nil
}

// Failed counts results with an error.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Run submits every job to sched with at most parallel jobs in flight,
// parallel <= 0 meaning unbounded. Results are returned in job order.
// Jobs never started because ctx ended report ErrAcquisitionInterrupted.
func Run(ctx context.Context, sched scheduler.Scheduler, jobs []*job.Job, parallel int, tracker *Tracker) []Result {
	results := make([]Result, len(jobs))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, j := range jobs {
		i, j := i, j
		if ctx.Err() != nil {
			err := errors.Wrap(scheduler.ErrAcquisitionInterrupted, "not started")
			results[i] = Result{ID: j.ID(), Code: scheduler.ExitCode(err), Err: err}
			continue
		}
		g.Go(func() error {
			tracker.start(j.ID())
			began := time.Now()
			err := sched.Run(ctx, j)
			results[i] = Result{
				ID:       j.ID(),
				Code:     scheduler.ExitCode(err),
				Err:      err,
				Duration: time.Since(began),
			}
			tracker.finish(results[i])
			return nil
		})
	}
	g.Wait()
	return results
}

// WriteTable prints one row per result.
func WriteTable(w io.Writer, results []Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tCODE\tTIME\tERROR")
	for _, r := range results {
		msg := "-"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.ID, r.Code, r.Duration.Round(time.Millisecond), msg)
	}
	return tw.Flush()
}
