package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/store"
)

const (
	defaultMaxOccurrencesPerActivity = 5000
)

// OccurrenceStore is the part of the source store recurrence expansion
// writes to.
type OccurrenceStore interface {
	RecurringActivities(ctx context.Context) ([]store.Activity, error)
	SyncOccurrences(ctx context.Context, activityID int64, from, to time.Time, want []store.Occurrence) (int, int, error)
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the timezone RRULEs are evaluated in, so that a weekly
	// 09:00 stays at 09:00 local time. If nil, time.Local is used.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive window occurrences are
	// materialised for. Stored occurrences outside it are left alone.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerActivity is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerActivity is used.
	MaxOccurrencesPerActivity int
}

// ExpandResult summarises one expansion run.
type ExpandResult struct {
	Activities int
	Written    int
	Removed    int
	// Truncated lists activities that hit MaxOccurrencesPerActivity.
	Truncated []int64
	// Failed lists activities whose RRULE could not be parsed or stored.
	Failed []int64
}

// ExpandOccurrences materialises the occurrences of every recurring activity
// inside the configured range into the source store. Each activity is
// handled independently; a bad RRULE is logged and skipped.
func ExpandOccurrences(ctx context.Context, st OccurrenceStore, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerActivity <= 0 {
		cfg.MaxOccurrencesPerActivity = defaultMaxOccurrencesPerActivity
	}

	acts, err := st.RecurringActivities(ctx)
	if err != nil {
		return result, fmt.Errorf("expand: %w", err)
	}

	for _, act := range acts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Activities++

		occs, hitCap, err := Occurrences(act, cfg)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "activity", act.ID, "rrule", act.RRule)
			result.Failed = append(result.Failed, act.ID)
			continue
		}
		if hitCap {
			result.Truncated = append(result.Truncated, act.ID)
			appLog.Error("expand: truncated occurrences due to cap",
				errors.New("max occurrences reached"),
				"activity", act.ID,
				"cap", cfg.MaxOccurrencesPerActivity,
			)
		}

		written, removed, err := st.SyncOccurrences(ctx, act.ID, cfg.RangeStart, cfg.RangeEnd, occs)
		if err != nil {
			appLog.Error("expand: failed to store occurrences", err, "activity", act.ID)
			result.Failed = append(result.Failed, act.ID)
			continue
		}
		result.Written += written
		result.Removed += removed
	}

	appLog.Info("expand completed",
		"activities", result.Activities,
		"written", result.Written,
		"removed", result.Removed,
		"truncated", len(result.Truncated),
		"failed", len(result.Failed),
	)
	return result, nil
}

// Occurrences expands one activity's RRULE within cfg's range, preserving
// the activity's duration and dropping EXDATEs. It reports whether the cap
// was hit.
func Occurrences(act store.Activity, cfg ExpandConfig) ([]store.Occurrence, bool, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	limit := cfg.MaxOccurrencesPerActivity
	if limit <= 0 {
		limit = defaultMaxOccurrencesPerActivity
	}

	// Evaluate in the business timezone; a floating UNTIL is local time.
	opt, err := rrule.StrToROptionInLocation(act.RRule, loc)
	if err != nil {
		return nil, false, err
	}
	opt.Dtstart = act.Start.In(loc)
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, err
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range act.ExDates {
		set.ExDate(ex.In(loc))
	}

	times := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)
	hitCap := false
	if len(times) > limit {
		times = times[:limit]
		hitCap = true
	}

	dur := act.End.Sub(act.Start)
	out := make([]store.Occurrence, 0, len(times))
	for _, t := range times {
		out = append(out, store.Occurrence{
			ActivityID: act.ID,
			Start:      t.UTC(),
			End:        t.Add(dur).UTC(),
		})
	}
	return out, hitCap, nil
}
