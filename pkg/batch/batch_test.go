package batch

import (
	"bytes"
	"context"
	"enginepool/pkg/job"
	"enginepool/pkg/scheduler"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeScheduler struct {
	scheduler.Closer
	mu        sync.Mutex
	active    int
	maxActive int
	results   map[string]error
}

func (f *fakeScheduler) Run(ctx context.Context, j *job.Job) error {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return f.results[j.ID()]
}

func (f *fakeScheduler) Shutdown() error { return nil }
func (f *fakeScheduler) Close() error    { return nil }

func jobs(ids ...string) []*job.Job {
	var out []*job.Job
	for _, id := range ids {
		out = append(out, job.New(job.FromBytes([]byte(id)), job.WithID(id)))
	}
	return out
}

func TestRun_ResultsInOrder(t *testing.T) {
	sched := &fakeScheduler{results: map[string]error{
		"b": &scheduler.ExitError{Code: 4},
		"c": errors.Wrap(scheduler.ErrCrashToleranceExceeded, "slot 0"),
	}}
	tracker := NewTracker(3, zap.NewNop())

	results := Run(context.Background(), sched, jobs("a", "b", "c"), 0, tracker)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, scheduler.CodeOK, results[0].Code)
	assert.Equal(t, 4, results[1].Code)
	assert.Equal(t, scheduler.CodeCrashToleranceExceeded, results[2].Code)
	assert.Equal(t, 2, tracker.Failed())
}

func TestRun_Limit(t *testing.T) {
	sched := &fakeScheduler{}
	Run(context.Background(), sched, jobs("a", "b", "c", "d", "e"), 2, NewTracker(5, zap.NewNop()))
	assert.LessOrEqual(t, sched.maxActive, 2)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Run(ctx, &fakeScheduler{}, jobs("a", "b"), 1, NewTracker(2, zap.NewNop()))
	for _, r := range results {
		assert.Equal(t, scheduler.CodeInterrupted, r.Code)
		assert.True(t, errors.Is(r.Err, scheduler.ErrAcquisitionInterrupted))
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, []Result{
		{ID: "relax", Code: 0, Duration: 1500 * time.Millisecond},
		{ID: "melt", Code: -3, Err: scheduler.ErrCrashToleranceExceeded},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "JOB"))
	assert.Contains(t, lines[1], "relax")
	assert.Contains(t, lines[1], "1.5s")
	assert.Contains(t, lines[2], "-3")
	assert.Contains(t, lines[2], "crash tolerance exceeded")
}

func TestLoad(t *testing.T) {
	loaded, err := Load("", []string{"in/relax.in", "other/relax.in", "melt.lmp"})
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "relax", loaded[0].ID())
	assert.Equal(t, "relax-1", loaded[1].ID())
	assert.Equal(t, "melt", loaded[2].ID())
	assert.Equal(t, "other/relax.in", loaded[1].Input().Path())

	_, err = Load("", nil)
	assert.Error(t, err)
	_, err = Load("jobs.yaml", []string{"a.in"})
	assert.Error(t, err)
}

func TestLoad_SuffixedStemTaken(t *testing.T) {
	loaded, err := Load("", []string{"a-1.in", "a.in", "x/a.in"})
	require.NoError(t, err)
	var ids []string
	for _, j := range loaded {
		ids = append(ids, j.ID())
	}
	assert.Equal(t, []string{"a-1", "a", "a-2"}, ids)
}

func TestFailed(t *testing.T) {
	assert.Equal(t, 1, Failed([]Result{{ID: "a"}, {ID: "b", Err: scheduler.ErrJobTimeout}}))
}
