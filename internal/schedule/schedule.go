// Package schedule drives reconciliation passes from cron specs in daemon
// mode. Passes never overlap inside the process; the store's run lock keeps
// other processes out.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/reconcile"
)

// Runner is the engine surface the scheduler triggers.
type Runner interface {
	RunIncrementalSync(ctx context.Context) reconcile.Report
	RunFullReconciliation(ctx context.Context, calendars []string) reconcile.Report
	RunRotating(ctx context.Context) reconcile.Report
}

// Job is a scheduled pass.
type Job struct {
	Mode string    `json:"mode"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitzero"`
}

// Scheduler owns the cron instance and the last report of each mode.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner

	// pass serializes passes started by cron and by RunNow.
	pass sync.Mutex

	mu      sync.RWMutex
	ctx     context.Context
	entries map[cron.EntryID]string
	specs   map[string]string
	last    map[string]reconcile.Report
}

// New registers a job per non-empty spec. Specs use the five-field cron
// format and are evaluated in loc.
func New(runner Runner, cfg config.ScheduleConfig, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := appLog.CronLogger()
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		runner:  runner,
		ctx:     context.Background(),
		entries: make(map[cron.EntryID]string),
		specs:   make(map[string]string),
		last:    make(map[string]reconcile.Report),
	}

	for _, job := range []struct{ mode, spec string }{
		{reconcile.ModeIncremental, cfg.Incremental},
		{reconcile.ModeFull, cfg.Full},
		{reconcile.ModeRotating, cfg.Rotating},
	} {
		if job.spec == "" {
			continue
		}
		mode := job.mode
		id, err := s.cron.AddFunc(job.spec, func() { s.run(s.context(), mode) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", mode, job.spec, err)
		}
		s.entries[id] = mode
		s.specs[mode] = job.spec
	}
	return s, nil
}

// Start begins firing jobs. Passes run with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	appLog.Info("scheduler started", "jobs", len(s.entries))
}

// Stop stops firing jobs. The returned context is done once running passes
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunNow runs a pass of mode immediately, waiting for any running pass.
func (s *Scheduler) RunNow(ctx context.Context, mode string) (reconcile.Report, error) {
	switch mode {
	case reconcile.ModeIncremental, reconcile.ModeFull, reconcile.ModeRotating:
	default:
		return reconcile.Report{}, fmt.Errorf("schedule: unknown mode %q", mode)
	}
	return s.run(ctx, mode), nil
}

func (s *Scheduler) run(ctx context.Context, mode string) reconcile.Report {
	s.pass.Lock()
	defer s.pass.Unlock()

	var r reconcile.Report
	switch mode {
	case reconcile.ModeIncremental:
		r = s.runner.RunIncrementalSync(ctx)
	case reconcile.ModeFull:
		r = s.runner.RunFullReconciliation(ctx, nil)
	case reconcile.ModeRotating:
		r = s.runner.RunRotating(ctx)
	}

	s.mu.Lock()
	s.last[mode] = r
	s.mu.Unlock()
	return r
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// LastReports returns the most recent report of each mode, by mode.
func (s *Scheduler) LastReports() []reconcile.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reconcile.Report, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out
}

// Jobs lists the registered jobs with their next fire time.
func (s *Scheduler) Jobs() []Job {
	var out []Job
	for _, e := range s.cron.Entries() {
		mode := s.entries[e.ID]
		out = append(out, Job{Mode: mode, Spec: s.specs[mode], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out
}
