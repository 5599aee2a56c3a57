package reconcile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/plan"
	"calsync/internal/source"
)

// Pass modes as they appear in reports and logs.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
	ModeRotating    = "rotating"
	ModeExpand      = "expand"
)

// RunFullReconciliation converges each calendar with the internal events
// routed to it over the full window. An empty list means every configured
// destination calendar. A failure on one calendar does not stop the others.
func (e *Engine) RunFullReconciliation(ctx context.Context, calendars []string) Report {
	return e.runWindow(ctx, ModeFull, e.opts.Windows.Full, calendars)
}

// RunRotating is a full reconciliation of every calendar over the rotating
// window.
func (e *Engine) RunRotating(ctx context.Context) Report {
	name, w := RotatingWindow(e.opts.Windows, e.opts.Now(), e.opts.Location)
	appLog.Debug("reconcile: rotating window selected", "window", name, "back_days", w.BackDays, "ahead_days", w.AheadDays)
	return e.runWindow(ctx, ModeRotating, w, nil)
}

// RotatingWindow returns the near window on even days of the month and the
// far window on odd days, in loc.
func RotatingWindow(w config.WindowsConfig, now time.Time, loc *time.Location) (string, config.WindowConfig) {
	if now.In(loc).Day()%2 == 0 {
		return "near", w.Near
	}
	return "far", w.Far
}

// PlanCalendar computes the plan for one calendar without executing it or
// taking the run lock. Recurring occurrences are read as stored.
func (e *Engine) PlanCalendar(ctx context.Context, cal string, w config.WindowConfig) (plan.Plan, error) {
	if !slices.Contains(e.opts.Calendars.All(), cal) {
		return plan.Plan{}, fmt.Errorf("reconcile: %q is not a configured destination calendar", cal)
	}
	start, end := w.Bounds(e.opts.Now(), e.opts.Location)
	events, err := e.agg.Events(ctx, start, end)
	if err != nil {
		return plan.Plan{}, err
	}
	return e.planCalendar(ctx, cal, start, end, events)
}

func (e *Engine) runWindow(ctx context.Context, mode string, w config.WindowConfig, calendars []string) Report {
	started := time.Now()
	r := Report{Mode: mode}
	r.WindowStart, r.WindowEnd = w.Bounds(e.opts.Now(), e.opts.Location)

	runID, release, err := e.begin(ctx, mode)
	defer release()
	r.RunID = runID
	if err != nil {
		lockFailed(&r, err)
		return r
	}

	if len(calendars) == 0 {
		calendars = e.opts.Calendars.All()
	}
	appLog.Info("reconcile: pass started",
		"run_id", runID,
		"mode", mode,
		"window_start", r.WindowStart.Format(time.DateOnly),
		"window_end", r.WindowEnd.Format(time.DateOnly),
		"calendars", len(calendars),
	)

	e.expand(ctx, r.WindowStart, r.WindowEnd)

	events, err := e.agg.Events(ctx, r.WindowStart, r.WindowEnd)
	if err != nil {
		r.Errors = append(r.Errors, err)
		appLog.Error("reconcile: reading source events failed", err, "run_id", runID)
		e.logSummary(r, started)
		return r
	}

	configured := e.opts.Calendars.All()
	for _, cal := range calendars {
		if err := ctx.Err(); err != nil {
			r.Errors = append(r.Errors, err)
			break
		}
		var cr CalendarReport
		if slices.Contains(configured, cal) {
			cr = e.reconcileCalendar(ctx, runID, cal, r.WindowStart, r.WindowEnd, events)
		} else {
			cr = CalendarReport{Calendar: cal, Err: fmt.Errorf("reconcile: %q is not a configured destination calendar", cal)}
			appLog.Error("reconcile: calendar skipped", cr.Err, "run_id", runID)
		}
		r.Calendars = append(r.Calendars, cr)
		r.Counts.add(cr.Counts)
		if cr.Err != nil {
			r.Errors = append(r.Errors, cr.Err)
		}
	}

	e.logSummary(r, started)
	return r
}

// reconcileCalendar plans and applies one calendar. Errors are confined to
// the returned report.
func (e *Engine) reconcileCalendar(ctx context.Context, runID, cal string, start, end time.Time, events []model.NormalizedEvent) CalendarReport {
	cr := CalendarReport{Calendar: cal}

	p, err := e.planCalendar(ctx, cal, start, end, events)
	if err != nil {
		cr.Err = err
		appLog.Error("reconcile: calendar aborted", err, "run_id", runID, "calendar", cal)
		return cr
	}
	appLog.Info("reconcile: calendar planned",
		"run_id", runID,
		"calendar", cal,
		"deletes", len(p.Deletes),
		"creates", len(p.Creates),
		"updates", len(p.Updates),
		"links", len(p.Links),
	)

	x := e.executor(runID)
	if err := x.apply(ctx, p); err != nil {
		cr.Err = fmt.Errorf("reconcile %s: %w", cal, err)
	}
	cr.Counts = x.counts
	if cr.Err == nil && len(x.errs) > 0 {
		cr.Err = fmt.Errorf("reconcile %s: %d store writes failed: %w", cal, len(x.errs), x.errs[0])
	}
	return cr
}

func (e *Engine) planCalendar(ctx context.Context, cal string, start, end time.Time, events []model.NormalizedEvent) (plan.Plan, error) {
	external, err := e.client.ListEvents(ctx, cal, start, end)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("list %s: %w", cal, err)
	}

	routed := make([]model.NormalizedEvent, 0, len(events))
	for _, ev := range events {
		if e.router.Includes(ev, cal) {
			routed = append(routed, ev)
		}
	}

	internal := e.matcher.BuildInternalLookup(routed)
	for _, ev := range internal.Collisions {
		appLog.Info("reconcile: identical internal event not synced separately", "calendar", cal, "entity", ev.String(), "name", ev.Name)
	}
	return plan.Build(cal, internal, e.matcher.BuildExternalLookup(external)), nil
}

// Expand materialises recurring occurrences over the full window under the
// run lock.
func (e *Engine) Expand(ctx context.Context) (source.ExpandResult, error) {
	runID, release, err := e.begin(ctx, ModeExpand)
	defer release()
	if err != nil {
		return source.ExpandResult{}, err
	}
	start, end := e.opts.Windows.Full.Bounds(e.opts.Now(), e.opts.Location)
	appLog.Info("reconcile: expanding occurrences", "run_id", runID,
		"window_start", start.Format(time.DateOnly), "window_end", end.Format(time.DateOnly))
	return source.ExpandOccurrences(ctx, e.st, e.expandConfig(start, end))
}

// expand refreshes occurrences before a windowed pass. Failures leave the
// stored occurrences in place.
func (e *Engine) expand(ctx context.Context, start, end time.Time) {
	if _, err := source.ExpandOccurrences(ctx, e.st, e.expandConfig(start, end)); err != nil {
		appLog.Error("reconcile: expanding occurrences failed", err)
	}
}

func (e *Engine) expandConfig(start, end time.Time) source.ExpandConfig {
	return source.ExpandConfig{
		Location:                  e.opts.Location,
		RangeStart:                start,
		RangeEnd:                  end,
		MaxOccurrencesPerActivity: e.opts.MaxOccurrences,
	}
}
