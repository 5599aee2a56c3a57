// Package reconcile runs reconciliation passes: it reads internal events,
// routes them to destination calendars, diffs them against what each
// calendar holds and applies the resulting actions through a
// calendar.Client, recording the outcome in the sync state store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calsync/internal/calendar"
	"calsync/internal/config"
	"calsync/internal/identity"
	appLog "calsync/internal/log"
	"calsync/internal/payload"
	"calsync/internal/route"
	"calsync/internal/source"
	"calsync/internal/store"
)

// LockName is the run lock every mutating pass holds.
const LockName = "calsync"

// ErrLocked is reported when another pass holds the run lock.
var ErrLocked = errors.New("reconcile: another pass is running")

// Options is the explicit configuration of an Engine. Nothing is read from
// process-wide state.
type Options struct {
	Calendars config.CalendarsConfig
	Windows   config.WindowsConfig
	Location  *time.Location

	SystemURL        string
	PublicCategories []string
	BoardCategory    string

	// Lookback bounds the modification time of entities the incremental
	// pass considers.
	Lookback time.Duration
	// LockTTL is how long another owner's run lock is honoured.
	LockTTL time.Duration
	// MaxOccurrences caps recurrence expansion per activity. Zero uses the
	// expander's default.
	MaxOccurrences int

	Now func() time.Time
}

// OptionsFromConfig derives engine options from a normalized config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Calendars:        cfg.Calendars,
		Windows:          cfg.Windows,
		Location:         loc,
		SystemURL:        cfg.SystemURL,
		PublicCategories: cfg.PublicCategories,
		BoardCategory:    cfg.BoardCategory,
		Lookback:         time.Duration(cfg.IncrementalLookbackDays) * 24 * time.Hour,
		LockTTL:          cfg.LockTTL(),
	}, nil
}

// Engine owns the collaborators of a pass. It is safe to reuse across
// passes; passes themselves are serialized by the run lock.
type Engine struct {
	st      *store.Store
	client  calendar.Client
	opts    Options
	router  route.Router
	matcher *identity.Matcher
	builder *payload.Builder
	agg     *source.Aggregator
}

// New returns an Engine.
func New(st *store.Store, client calendar.Client, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}
	router := route.New(opts.Calendars)
	return &Engine{
		st:      st,
		client:  client,
		opts:    opts,
		router:  router,
		matcher: identity.NewMatcher(opts.Location),
		builder: payload.NewBuilder(router, opts.Location, opts.SystemURL, opts.PublicCategories, opts.BoardCategory),
		agg:     source.New(st, opts.Location),
	}
}

// Counts tallies executed actions.
type Counts struct {
	Deleted int `json:"deleted"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Linked  int `json:"linked"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c *Counts) add(o Counts) {
	c.Deleted += o.Deleted
	c.Created += o.Created
	c.Updated += o.Updated
	c.Linked += o.Linked
	c.Failed += o.Failed
	c.Skipped += o.Skipped
}

// CalendarReport is the outcome for one calendar of a full pass.
type CalendarReport struct {
	Calendar string `json:"calendar"`
	Counts
	Err error `json:"-"`
}

// Report summarises one pass. Outcomes are also visible in logs and in the
// sync state store; Report is for callers that want them directly.
type Report struct {
	RunID       string           `json:"run_id"`
	Mode        string           `json:"mode"`
	WindowStart time.Time        `json:"window_start,omitzero"`
	WindowEnd   time.Time        `json:"window_end,omitzero"`
	Entities    int              `json:"entities,omitempty"`
	Calendars   []CalendarReport `json:"calendars,omitempty"`
	Counts
	// Locked is true when the pass did not run because of the run lock.
	Locked bool    `json:"locked"`
	Errors []error `json:"-"`
}

// Err joins the errors collected during the pass.
func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

// begin takes the run lock and returns a fresh run id. The returned release
// func is always non-nil.
func (e *Engine) begin(ctx context.Context, mode string) (string, func(), error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", func() {}, fmt.Errorf("reconcile: run id: %w", err)
	}
	runID := id.String()

	ok, err := e.st.AcquireLock(ctx, LockName, runID, e.opts.LockTTL, e.opts.Now())
	if err != nil {
		return runID, func() {}, err
	}
	if !ok {
		return runID, func() {}, ErrLocked
	}
	release := func() {
		// The pass context may be cancelled by now.
		if err := e.st.ReleaseLock(context.WithoutCancel(ctx), LockName, runID); err != nil {
			appLog.Error("reconcile: release lock failed", err, "run_id", runID, "mode", mode)
		}
	}
	return runID, release, nil
}

// lockFailed fills r for a pass that could not take the run lock.
func lockFailed(r *Report, err error) {
	if errors.Is(err, ErrLocked) {
		r.Locked = true
		appLog.Info("reconcile: pass skipped, run lock held", "mode", r.Mode, "run_id", r.RunID)
		return
	}
	r.Errors = append(r.Errors, err)
	appLog.Error("reconcile: pass aborted", err, "mode", r.Mode, "run_id", r.RunID)
}

func (e *Engine) logSummary(r Report, started time.Time) {
	appLog.Info("reconcile: pass finished",
		"run_id", r.RunID,
		"mode", r.Mode,
		"entities", r.Entities,
		"deleted", r.Deleted,
		"created", r.Created,
		"updated", r.Updated,
		"linked", r.Linked,
		"failed", r.Failed,
		"skipped", r.Skipped,
		"errors", len(r.Errors),
		"elapsed", time.Since(started).Round(time.Millisecond).String(),
	)
}
