// Package source reads schedulable entities from the source store and
// projects them into normalized events.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/identity"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
)

// ErrInvalidEvent marks a source entity that cannot be projected, such as
// one with missing times or an end before its start.
var ErrInvalidEvent = errors.New("invalid event")

// Reader is the part of the source store the aggregator needs.
type Reader interface {
	ActivitiesInWindow(ctx context.Context, start, end time.Time) ([]store.Activity, error)
	AssessmentsInWindow(ctx context.Context, start, end time.Time) ([]store.Assessment, error)
	OccurrencesInWindow(ctx context.Context, start, end time.Time) ([]store.Occurrence, error)
	OccurrencesOf(ctx context.Context, activityID int64) ([]store.Occurrence, error)
	Activity(ctx context.Context, id int64) (store.Activity, error)
	Assessment(ctx context.Context, id int64) (store.Assessment, error)
}

// Aggregator builds NormalizedEvents. It has no side effects.
type Aggregator struct {
	r   Reader
	loc *time.Location
}

// New returns an Aggregator. loc is the business timezone used for all-day
// detection.
func New(r Reader, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{r: r, loc: loc}
}

// Events returns every qualifying event in [start, end]: non-deleted
// activities and assessments starting in the window or in progress at its
// start, and occurrences whose own start falls in the window. Recurring
// activities contribute only their occurrences. Invalid entities are logged
// and skipped.
func (a *Aggregator) Events(ctx context.Context, start, end time.Time) ([]model.NormalizedEvent, error) {
	acts, err := a.r.ActivitiesInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("source events: %w", err)
	}
	assess, err := a.r.AssessmentsInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("source events: %w", err)
	}
	occs, err := a.r.OccurrencesInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("source events: %w", err)
	}

	out := make([]model.NormalizedEvent, 0, len(acts)+len(assess)+len(occs))
	for _, act := range acts {
		if act.Recurring() {
			continue
		}
		out = a.appendValid(out, a.fromActivity(act))
	}
	for _, as := range assess {
		out = a.appendValid(out, a.fromAssessment(as))
	}

	parents := make(map[int64]store.Activity)
	for _, o := range occs {
		parent, ok := parents[o.ActivityID]
		if !ok {
			parent, err = a.r.Activity(ctx, o.ActivityID)
			if err != nil {
				appLog.Error("source: occurrence parent unreadable", err, "activity", o.ActivityID, "occurrence", o.ID)
				continue
			}
			parents[o.ActivityID] = parent
		}
		out = a.appendValid(out, a.fromOccurrence(parent, o))
	}

	appLog.Debug("source: events loaded",
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
		"activities", len(acts),
		"assessments", len(assess),
		"occurrences", len(occs),
		"events", len(out),
	)
	return out, nil
}

// EventsForEntity returns the events of one entity regardless of window,
// including deleted ones (they route nowhere). An entity missing from the
// store yields no events. A live entity that cannot be projected returns an
// error wrapping ErrInvalidEvent.
func (a *Aggregator) EventsForEntity(ctx context.Context, ref model.EntityRef) ([]model.NormalizedEvent, error) {
	switch ref.Type.RecordType() {
	case model.EntityAssessment:
		as, err := a.r.Assessment(ctx, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("source entity: %w", err)
		}
		return checked(nil, a.fromAssessment(as))

	case model.EntityActivity:
		act, err := a.r.Activity(ctx, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("source entity: %w", err)
		}
		if !act.Recurring() {
			return checked(nil, a.fromActivity(act))
		}
		occs, err := a.r.OccurrencesOf(ctx, act.ID)
		if err != nil {
			return nil, fmt.Errorf("source entity: %w", err)
		}
		var out []model.NormalizedEvent
		for _, o := range occs {
			if out, err = checked(out, a.fromOccurrence(act, o)); err != nil {
				return nil, err
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("source entity: unknown type %q", ref.Type)
	}
}

func (a *Aggregator) appendValid(out []model.NormalizedEvent, ev model.NormalizedEvent) []model.NormalizedEvent {
	if err := Validate(ev); err != nil {
		appLog.Error("source: skipping event", err, "entity", ev.String(), "name", ev.Name)
		return out
	}
	return append(out, ev)
}

// checked appends ev unless it is live and invalid.
func checked(out []model.NormalizedEvent, ev model.NormalizedEvent) ([]model.NormalizedEvent, error) {
	if !ev.Deleted {
		if err := Validate(ev); err != nil {
			return nil, err
		}
	}
	return append(out, ev), nil
}

// Validate rejects events with missing times or an end before the start.
func Validate(ev model.NormalizedEvent) error {
	if ev.StartUTC.IsZero() || ev.EndUTC.IsZero() {
		return fmt.Errorf("%w: %s has no start or end", ErrInvalidEvent, ev)
	}
	if ev.EndUTC.Before(ev.StartUTC) {
		return fmt.Errorf("%w: %s ends before it starts", ErrInvalidEvent, ev)
	}
	return nil
}

func (a *Aggregator) allDay(start, end time.Time) bool {
	if start.IsZero() || end.IsZero() {
		return false
	}
	return identity.IsAllDay(start.In(a.loc), end.In(a.loc))
}

func (a *Aggregator) fromActivity(act store.Activity) model.NormalizedEvent {
	return model.NormalizedEvent{
		ID:             act.ID,
		EntityType:     model.EntityActivity,
		Name:           act.Name,
		Location:       act.Location,
		Description:    act.Description,
		StartUTC:       act.Start,
		EndUTC:         act.End,
		Categories:     act.Categories,
		ColourCategory: act.ColourCategory,
		Approved:       act.Approved,
		InReview:       act.InReview,
		DisplayPublic:  act.DisplayPublic,
		PushPublic:     act.PushPublic,
		IsAllDay:       a.allDay(act.Start, act.End),
		Deleted:        act.Deleted,
	}
}

// fromAssessment treats the assessment as approved.
func (a *Aggregator) fromAssessment(as store.Assessment) model.NormalizedEvent {
	return model.NormalizedEvent{
		ID:             as.ID,
		EntityType:     model.EntityAssessment,
		Name:           as.Name,
		Location:       as.Location,
		Description:    as.Description,
		StartUTC:       as.Start,
		EndUTC:         as.End,
		Categories:     as.Categories,
		ColourCategory: as.ColourCategory,
		Approved:       true,
		DisplayPublic:  as.DisplayPublic,
		PushPublic:     as.PushPublic,
		IsAllDay:       a.allDay(as.Start, as.End),
		Deleted:        as.Deleted,
	}
}

// fromOccurrence inherits the parent's fields with the occurrence's times.
func (a *Aggregator) fromOccurrence(parent store.Activity, o store.Occurrence) model.NormalizedEvent {
	ev := a.fromActivity(parent)
	ev.EntityType = model.EntityOccurrence
	ev.OccurrenceID = o.ID
	ev.StartUTC = o.Start
	ev.EndUTC = o.End
	ev.IsAllDay = a.allDay(o.Start, o.End)
	return ev
}
