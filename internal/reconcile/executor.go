package reconcile

import (
	"context"

	"calsync/internal/calendar"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/plan"
)

// executor applies actions one at a time. A failed action is logged and
// recorded in the sync state store; it never stops the remaining ones.
type executor struct {
	e      *Engine
	runID  string
	counts Counts
	// errs holds store failures; remote failures live in record statuses.
	errs []error
}

func (e *Engine) executor(runID string) *executor {
	return &executor{e: e, runID: runID}
}

// apply runs a plan in delete, create, update, link order. It stops early
// only when ctx is done.
func (x *executor) apply(ctx context.Context, p plan.Plan) error {
	for _, d := range p.Deletes {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.delete(ctx, p.Calendar, d)
	}
	for _, c := range p.Creates {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.create(ctx, p.Calendar, c.Event, c.Reason)
	}
	for _, u := range p.Updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.update(ctx, p.Calendar, u.Event, u.External, u.Reason)
	}
	for _, l := range p.Links {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.link(ctx, p.Calendar, l.Event, l.External)
	}
	return nil
}

func (x *executor) delete(ctx context.Context, cal string, d plan.Delete) {
	extID := d.External.ExternalID

	// A record left by a failed create has nothing to delete remotely.
	if extID == "" {
		if d.Record != nil {
			x.storeErr(x.e.st.DeleteRecord(ctx, d.Record.RecordKey), "delete record", cal, "")
			x.counts.Deleted++
		}
		return
	}

	err := x.e.client.DeleteEvent(ctx, cal, extID)
	if err != nil && !calendar.IsNotFound(err) {
		x.counts.Failed++
		x.failed("delete", err, cal, extID, d.Record, model.StatusDeleteFailed, "key", d.Key.Short(), "reason", string(d.Reason))
		x.storeErr(x.e.st.SetStatusByExternalID(ctx, cal, extID, model.StatusDeleteFailed), "mark delete failed", cal, extID)
		if d.Record != nil {
			x.storeErr(x.e.st.SetStatus(ctx, d.Record.RecordKey, model.StatusDeleteFailed), "mark delete failed", cal, extID)
		}
		return
	}
	if err != nil {
		appLog.Debug("reconcile: event already gone", "run_id", x.runID, "calendar", cal, "external_id", extID)
	}

	_, serr := x.e.st.DeleteRecordsByExternalID(ctx, cal, extID)
	x.storeErr(serr, "delete records", cal, extID)
	if d.Record != nil {
		x.storeErr(x.e.st.DeleteRecord(ctx, d.Record.RecordKey), "delete record", cal, extID)
	}
	x.counts.Deleted++
	appLog.Debug("reconcile: deleted",
		"run_id", x.runID,
		"calendar", cal,
		"external_id", extID,
		"key", d.Key.Short(),
		"subject", d.External.Subject,
		"reason", string(d.Reason),
	)
}

func (x *executor) create(ctx context.Context, cal string, ev model.NormalizedEvent, reason plan.Reason) {
	p, err := x.e.builder.Build(ev, cal)
	if err != nil {
		x.counts.Skipped++
		appLog.Error("reconcile: skipping invalid event", err, "run_id", x.runID, "calendar", cal, "entity", ev.String())
		return
	}

	created, err := x.e.client.CreateEvent(ctx, cal, p)
	if err != nil {
		x.createFailed(ctx, cal, ev, reason, err)
		return
	}

	x.synced(ctx, cal, ev, created)
	x.counts.Created++
	appLog.Debug("reconcile: created",
		"run_id", x.runID,
		"calendar", cal,
		"external_id", created.ExternalID,
		"entity", ev.String(),
		"reason", string(reason),
	)
}

// createFailed records a failed create. A record that still carries an
// external id is left alone: it points at a remote event a failed delete or
// update left behind, and the next pass must still find it.
func (x *executor) createFailed(ctx context.Context, cal string, ev model.NormalizedEvent, reason plan.Reason, err error) {
	key := ev.Ref(cal)
	existing, found, gerr := x.e.st.GetRecord(ctx, key)
	x.storeErr(gerr, "read record", cal, "")

	if calendar.IsValidation(err) {
		x.counts.Skipped++
		appLog.Error("reconcile: calendar rejected event, skipping", err,
			"run_id", x.runID, "calendar", cal, "entity", ev.String(), "reason", string(reason))
		if found && !existing.HasExternal() {
			x.storeErr(x.e.st.DeleteRecord(ctx, key), "delete record", cal, "")
		}
		return
	}

	x.counts.Failed++
	x.failed("create", err, cal, "", &model.SyncRecord{RecordKey: key}, model.StatusCreateFailed,
		"entity", ev.String(), "reason", string(reason))
	if gerr != nil || (found && existing.HasExternal()) {
		return
	}
	// No external id: the next pass retries this as a create.
	x.storeErr(x.e.st.UpsertRecord(ctx, model.SyncRecord{
		RecordKey:  key,
		Status:     model.StatusCreateFailed,
		TimeSynced: x.e.opts.Now(),
	}), "record create failure", cal, "")
}

func (x *executor) update(ctx context.Context, cal string, ev model.NormalizedEvent, ext model.ExternalEvent, reason plan.Reason) {
	p, err := x.e.builder.Build(ev, cal)
	if err != nil {
		x.counts.Skipped++
		appLog.Error("reconcile: skipping invalid event", err, "run_id", x.runID, "calendar", cal, "entity", ev.String())
		return
	}

	updated, err := x.e.client.UpdateEvent(ctx, cal, ext.ExternalID, p)
	switch {
	case calendar.IsValidation(err):
		// The remote copy and its record stay as they are.
		x.counts.Skipped++
		appLog.Error("reconcile: calendar rejected update, skipping", err,
			"run_id", x.runID, "calendar", cal, "external_id", ext.ExternalID, "entity", ev.String())
		return
	case calendar.IsNotFound(err):
		appLog.Info("reconcile: update target gone, recreating",
			"run_id", x.runID, "calendar", cal, "external_id", ext.ExternalID, "entity", ev.String())
		_, serr := x.e.st.DeleteRecordsByExternalID(ctx, cal, ext.ExternalID)
		x.storeErr(serr, "delete records", cal, ext.ExternalID)
		x.create(ctx, cal, ev, plan.ReasonMissing)
		return
	case err != nil:
		x.counts.Failed++
		key := ev.Ref(cal)
		x.failed("update", err, cal, ext.ExternalID, &model.SyncRecord{RecordKey: key}, model.StatusUpdateFailed, "reason", string(reason))
		x.storeErr(x.e.st.UpsertRecord(ctx, model.SyncRecord{
			RecordKey:  key,
			ExternalID: ext.ExternalID,
			ChangeKey:  ext.ChangeKey,
			WebLink:    ext.WebLink,
			Status:     model.StatusUpdateFailed,
			TimeSynced: x.e.opts.Now(),
		}), "record update failure", cal, ext.ExternalID)
		return
	}

	x.synced(ctx, cal, ev, updated)
	x.counts.Updated++
	appLog.Debug("reconcile: updated",
		"run_id", x.runID,
		"calendar", cal,
		"external_id", updated.ExternalID,
		"entity", ev.String(),
		"reason", string(reason),
	)
}

// link points ev's record at an external event that already matches it.
// Nothing is written when the record is already current.
func (x *executor) link(ctx context.Context, cal string, ev model.NormalizedEvent, ext model.ExternalEvent) {
	rec, ok, err := x.e.st.GetRecord(ctx, ev.Ref(cal))
	if err != nil {
		x.storeErr(err, "read record", cal, ext.ExternalID)
		return
	}
	if ok && rec.Status == model.StatusSynced && rec.ExternalID == ext.ExternalID && rec.ChangeKey == ext.ChangeKey {
		return
	}
	x.synced(ctx, cal, ev, ext)
	x.counts.Linked++
	appLog.Debug("reconcile: linked",
		"run_id", x.runID,
		"calendar", cal,
		"external_id", ext.ExternalID,
		"entity", ev.String(),
	)
}

func (x *executor) synced(ctx context.Context, cal string, ev model.NormalizedEvent, ext model.ExternalEvent) {
	x.storeErr(x.e.st.UpsertRecord(ctx, model.SyncRecord{
		RecordKey:  ev.Ref(cal),
		ExternalID: ext.ExternalID,
		ChangeKey:  ext.ChangeKey,
		WebLink:    ext.WebLink,
		Status:     model.StatusSynced,
		TimeSynced: x.e.opts.Now(),
	}), "record sync", cal, ext.ExternalID)
}

func (x *executor) failed(op string, err error, cal, extID string, rec *model.SyncRecord, status model.SyncStatus, kv ...any) {
	fields := []any{
		"run_id", x.runID,
		"calendar", cal,
		"external_id", extID,
		"kind", string(calendar.KindOf(err)),
		"retryable", calendar.IsTransient(err),
		"status", int(status),
	}
	if rec != nil {
		fields = append(fields, "activity_id", rec.ActivityID, "occurrence_id", rec.OccurrenceID)
	}
	appLog.Error("reconcile: "+op+" failed", err, append(fields, kv...)...)
}

func (x *executor) storeErr(err error, what, cal, extID string) {
	if err == nil {
		return
	}
	x.errs = append(x.errs, err)
	appLog.Error("reconcile: "+what+" failed", err, "run_id", x.runID, "calendar", cal, "external_id", extID)
}
