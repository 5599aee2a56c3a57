package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/config"
	"calsync/internal/reconcile"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	running atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
}

func (f *fakeRunner) pass(mode string) reconcile.Report {
	if f.running.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.running.Add(-1)
	time.Sleep(f.delay)

	f.mu.Lock()
	f.calls = append(f.calls, mode)
	f.mu.Unlock()
	return reconcile.Report{Mode: mode, RunID: mode + "-run"}
}

func (f *fakeRunner) RunIncrementalSync(ctx context.Context) reconcile.Report {
	return f.pass(reconcile.ModeIncremental)
}

func (f *fakeRunner) RunFullReconciliation(ctx context.Context, calendars []string) reconcile.Report {
	return f.pass(reconcile.ModeFull)
}

func (f *fakeRunner) RunRotating(ctx context.Context) reconcile.Report {
	return f.pass(reconcile.ModeRotating)
}

func TestNew_RegistersNonEmptySpecs(t *testing.T) {
	s, err := New(&fakeRunner{}, config.ScheduleConfig{
		Incremental: "*/10 * * * *",
		Full:        "0 2 * * *",
	}, time.UTC)
	require.NoError(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, reconcile.ModeFull, jobs[0].Mode)
	assert.Equal(t, "0 2 * * *", jobs[0].Spec)
	assert.Equal(t, reconcile.ModeIncremental, jobs[1].Mode)
}

func TestNew_RejectsBadSpec(t *testing.T) {
	_, err := New(&fakeRunner{}, config.ScheduleConfig{Full: "every night"}, time.UTC)
	assert.Error(t, err)
}

func TestRunNow_RecordsLastReport(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(runner, config.ScheduleConfig{}, time.UTC)
	require.NoError(t, err)

	r, err := s.RunNow(context.Background(), reconcile.ModeRotating)
	require.NoError(t, err)
	assert.Equal(t, "rotating-run", r.RunID)

	_, err = s.RunNow(context.Background(), reconcile.ModeIncremental)
	require.NoError(t, err)

	last := s.LastReports()
	require.Len(t, last, 2)
	assert.Equal(t, reconcile.ModeIncremental, last[0].Mode)
	assert.Equal(t, reconcile.ModeRotating, last[1].Mode)

	_, err = s.RunNow(context.Background(), "weekly")
	assert.Error(t, err)
}

func TestRunNow_SerializesPasses(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	s, err := New(runner, config.ScheduleConfig{}, time.UTC)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, mode := range []string{reconcile.ModeFull, reconcile.ModeIncremental, reconcile.ModeRotating} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RunNow(context.Background(), mode)
		}()
	}
	wg.Wait()

	assert.False(t, runner.overlap.Load())
	assert.Len(t, runner.calls, 3)
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakeRunner{}, config.ScheduleConfig{Incremental: "@every 1h"}, time.UTC)
	require.NoError(t, err)

	s.Start(context.Background())
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Next.IsZero())

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
