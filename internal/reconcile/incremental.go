package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/plan"
	"calsync/internal/source"
	"calsync/internal/store"
)

// RunIncrementalSync pushes entities modified within the lookback, and
// entities owning failed sync records, to their calendars. Each entity is
// diffed against its own sync records; no calendar is listed in full.
func (e *Engine) RunIncrementalSync(ctx context.Context) Report {
	started := time.Now()
	r := Report{Mode: ModeIncremental}

	runID, release, err := e.begin(ctx, r.Mode)
	defer release()
	r.RunID = runID
	if err != nil {
		lockFailed(&r, err)
		return r
	}

	now := e.opts.Now()
	refs, err := e.st.PendingEntities(ctx, now.Add(-e.opts.Lookback))
	if err != nil {
		r.Errors = append(r.Errors, err)
		appLog.Error("reconcile: reading pending entities failed", err, "run_id", runID)
		e.logSummary(r, started)
		return r
	}
	appLog.Info("reconcile: pass started", "run_id", runID, "mode", r.Mode, "entities", len(refs))

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			r.Errors = append(r.Errors, err)
			break
		}
		r.Entities++

		counts, err := e.syncEntity(ctx, runID, ref, now)
		r.Counts.add(counts)
		if err != nil {
			err = fmt.Errorf("%s %d: %w", ref.Type, ref.ID, err)
			r.Errors = append(r.Errors, err)
			appLog.Error("reconcile: entity sync failed", err, "run_id", runID)
			continue
		}
		if err := e.st.MarkSynced(ctx, ref, now); err != nil {
			r.Errors = append(r.Errors, err)
			appLog.Error("reconcile: mark synced failed", err, "run_id", runID, "entity", ref.ID)
		}
	}

	e.logSummary(r, started)
	return r
}

// syncEntity converges every calendar copy of one entity: records for
// calendars it no longer routes to are deleted, routed copies with a record
// are updated in place and the rest are adopted or created.
func (e *Engine) syncEntity(ctx context.Context, runID string, ref model.EntityRef, now time.Time) (Counts, error) {
	if ref.Type.RecordType() == model.EntityActivity {
		if err := e.refreshOccurrences(ctx, ref.ID, now); err != nil {
			return Counts{}, err
		}
	}

	events, err := e.agg.EventsForEntity(ctx, ref)
	if errors.Is(err, source.ErrInvalidEvent) {
		appLog.Error("reconcile: skipping invalid entity", err, "run_id", runID, "entity", ref.ID, "type", string(ref.Type))
		return Counts{Skipped: 1}, nil
	}
	if err != nil {
		return Counts{}, err
	}
	records, err := e.st.RecordsForEntity(ctx, ref)
	if err != nil {
		return Counts{}, err
	}

	type target struct {
		cal string
		ev  model.NormalizedEvent
	}
	var targets []target
	wanted := make(map[model.RecordKey]bool)
	for _, ev := range events {
		for _, cal := range e.router.Route(ev) {
			wanted[ev.Ref(cal)] = true
			targets = append(targets, target{cal: cal, ev: ev})
		}
	}
	existing := make(map[model.RecordKey]model.SyncRecord, len(records))
	for _, rec := range records {
		existing[rec.RecordKey] = rec
	}

	x := e.executor(runID)

	sort.Slice(records, func(i, j int) bool {
		if records[i].Calendar != records[j].Calendar {
			return records[i].Calendar < records[j].Calendar
		}
		return records[i].OccurrenceID < records[j].OccurrenceID
	})
	for _, rec := range records {
		if wanted[rec.RecordKey] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return x.counts, err
		}
		x.delete(ctx, rec.Calendar, plan.Delete{
			External: model.ExternalEvent{ExternalID: rec.ExternalID},
			Record:   &rec,
			Reason:   plan.ReasonUnrouted,
		})
	}

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return x.counts, err
		}
		rec, ok := existing[t.ev.Ref(t.cal)]
		if ok && rec.HasExternal() {
			x.update(ctx, t.cal, t.ev, model.ExternalEvent{
				ExternalID: rec.ExternalID,
				ChangeKey:  rec.ChangeKey,
				WebLink:    rec.WebLink,
			}, plan.ReasonRecord)
			continue
		}
		e.adoptOrCreate(ctx, x, t.cal, t.ev)
	}

	if len(x.errs) > 0 {
		return x.counts, fmt.Errorf("%d store writes failed: %w", len(x.errs), x.errs[0])
	}
	return x.counts, nil
}

// adoptOrCreate links ev to a matching external event around its span if
// one exists and is not claimed by another record, and creates it otherwise.
func (e *Engine) adoptOrCreate(ctx context.Context, x *executor, cal string, ev model.NormalizedEvent) {
	external, err := e.client.ListEvents(ctx, cal, ev.StartUTC.Add(-24*time.Hour), ev.EndUTC.Add(24*time.Hour))
	if err != nil {
		appLog.Error("reconcile: listing for adoption failed", err, "run_id", x.runID, "calendar", cal, "entity", ev.String())
		x.create(ctx, cal, ev, plan.ReasonMissing)
		return
	}

	lookup := e.matcher.BuildExternalLookup(external)
	match, ok := lookup.ByKey[e.matcher.EventKey(ev)]
	if ok {
		claimed, err := e.st.RecordsByExternalID(ctx, cal, match.ExternalID)
		if err != nil {
			x.storeErr(err, "read records", cal, match.ExternalID)
			return
		}
		if !claimedByOther(claimed, ev.Ref(cal)) {
			x.link(ctx, cal, ev, match)
			return
		}
	}
	x.create(ctx, cal, ev, plan.ReasonMissing)
}

// refreshOccurrences re-expands a recurring activity over the full window so
// its edited rule is reflected before its copies are synced.
func (e *Engine) refreshOccurrences(ctx context.Context, id int64, now time.Time) error {
	act, err := e.st.Activity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !act.Recurring() || act.Deleted {
		return nil
	}

	start, end := e.opts.Windows.Full.Bounds(now, e.opts.Location)
	occs, _, err := source.Occurrences(act, e.expandConfig(start, end))
	if err != nil {
		appLog.Error("reconcile: expanding occurrences failed", err, "activity", id, "rrule", act.RRule)
		return nil
	}
	if _, _, err := e.st.SyncOccurrences(ctx, act.ID, start, end, occs); err != nil {
		return err
	}
	return nil
}

func claimedByOther(records []model.SyncRecord, key model.RecordKey) bool {
	for _, rec := range records {
		if rec.RecordKey != key {
			return true
		}
	}
	return false
}
