package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/calendar"
	"calsync/internal/calendar/calendartest"
	"calsync/internal/config"
	"calsync/internal/model"
	"calsync/internal/store"
)

var brisbane = func() *time.Location {
	loc, err := time.LoadLocation("Australia/Brisbane")
	if err != nil {
		panic(err)
	}
	return loc
}()

func local(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, brisbane)
}

type fixture struct {
	ctx context.Context
	st  *store.Store
	cal *calendartest.Fake
	eng *Engine
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		ctx: context.Background(),
		st:  st,
		cal: calendartest.New(),
		now: local(2, 8, 0),
	}
	f.eng = New(st, f.cal, Options{
		Calendars: config.CalendarsConfig{
			Primary:          "primary",
			Senior:           "senior",
			CampusManagement: "cm",
			Planning:         "planning",
		},
		Windows: config.WindowsConfig{
			Full: config.WindowConfig{BackDays: 7, AheadDays: 60},
			Near: config.WindowConfig{BackDays: 1, AheadDays: 14},
			Far:  config.WindowConfig{BackDays: 0, AheadDays: 60},
		},
		Location:         brisbane,
		SystemURL:        "https://activities.test",
		PublicCategories: config.DefaultPublicCategories(),
		BoardCategory:    "CGS Board",
		Lookback:         7 * 24 * time.Hour,
		LockTTL:          time.Hour,
		Now:              func() time.Time { return f.now },
	})
	return f
}

func activity(id int64, name string, day, hour int, categories ...string) store.Activity {
	return store.Activity{
		ID:           id,
		Name:         name,
		Start:        local(day, hour, 0),
		End:          local(day, hour+1, 0),
		Categories:   categories,
		Approved:     true,
		TimeModified: local(1, 12, 0),
	}
}

func (f *fixture) putActivity(t *testing.T, a store.Activity) {
	t.Helper()
	require.NoError(t, f.st.UpsertActivity(f.ctx, a))
}

func subjects(events []model.ExternalEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Subject)
	}
	return out
}

func (f *fixture) records(t *testing.T, cal string) []model.SyncRecord {
	t.Helper()
	recs, err := f.st.ListRecords(f.ctx, store.RecordFilter{Calendar: cal})
	require.NoError(t, err)
	return recs
}

func seedSchool(t *testing.T, f *fixture) {
	t.Helper()
	f.putActivity(t, activity(1, "Athletics", 5, 9, "Senior School"))
	f.putActivity(t, activity(2, "Swimming", 6, 10, "Primary School"))
	f.putActivity(t, activity(3, "Expo", 7, 11, "External Events"))

	hidden := activity(4, "Draft", 8, 9, "Senior School")
	hidden.Approved = false
	f.putActivity(t, hidden)

	require.NoError(t, f.st.UpsertAssessment(f.ctx, store.Assessment{
		ID: 10, Name: "Maths exam", Start: local(9, 9, 0), End: local(9, 11, 0),
		Categories: []string{"Senior School"}, TimeModified: local(1, 12, 0),
	}))
}

func TestFull_ConvergesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seedSchool(t, f)

	r := f.eng.RunFullReconciliation(f.ctx, nil)
	require.NoError(t, r.Err())
	assert.False(t, r.Locked)
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, 7, r.Created)

	assert.Equal(t, []string{"Athletics", "Maths exam"}, subjects(f.cal.Events("senior")))
	assert.Equal(t, []string{"Swimming"}, subjects(f.cal.Events("primary")))
	assert.Equal(t, []string{"Expo"}, subjects(f.cal.Events("cm")))
	assert.Equal(t, []string{"Athletics", "Swimming", "Maths exam"}, subjects(f.cal.Events("planning")))

	for _, cal := range []string{"senior", "primary", "cm", "planning"} {
		for _, rec := range f.records(t, cal) {
			assert.Equal(t, model.StatusSynced, rec.Status)
			assert.True(t, rec.HasExternal())
		}
	}
	assert.Len(t, f.records(t, "planning"), 3)

	f.cal.ResetCalls()
	r = f.eng.RunFullReconciliation(f.ctx, nil)
	require.NoError(t, r.Err())
	assert.Equal(t, Counts{}, r.Counts)
	assert.Zero(t, f.cal.Calls(calendartest.OpCreate))
	assert.Zero(t, f.cal.Calls(calendartest.OpUpdate))
	assert.Zero(t, f.cal.Calls(calendartest.OpDelete))
}

func TestFull_CampusManagementIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(3, "Open day", 7, 11, "Campus Management", "Whole School"))

	r := f.eng.RunFullReconciliation(f.ctx, nil)
	require.NoError(t, r.Err())

	assert.Equal(t, []string{"Open day"}, subjects(f.cal.Events("cm")))
	assert.Empty(t, f.cal.Events("planning"))
	assert.Empty(t, f.cal.Events("senior"))
	assert.Empty(t, f.cal.Events("primary"))
}

func TestFull_RepairsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(1, "Athletics", 5, 9, "Senior School"))
	for i := 0; i < 3; i++ {
		f.cal.Seed("senior", model.ExternalEvent{Subject: "Athletics", Start: local(5, 9, 0), End: local(5, 10, 0)})
	}

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, 3, r.Deleted)
	assert.Equal(t, 1, r.Created)

	events := f.cal.Events("senior")
	require.Len(t, events, 1)
	recs := f.records(t, "senior")
	require.Len(t, recs, 1)
	assert.Equal(t, events[0].ExternalID, recs[0].ExternalID)
}

func TestFull_LocationChangeIsAnUpdate(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	a.Location = "Oval"
	f.putActivity(t, a)

	require.NoError(t, f.eng.RunFullReconciliation(f.ctx, nil).Err())
	before := f.cal.Events("senior")
	require.Len(t, before, 1)

	a.Location = "Gym"
	f.putActivity(t, a)
	r := f.eng.RunFullReconciliation(f.ctx, nil)
	require.NoError(t, r.Err())
	assert.Equal(t, 2, r.Updated, "senior and planning")
	assert.Zero(t, r.Created)
	assert.Zero(t, r.Deleted)

	after := f.cal.Events("senior")
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ExternalID, after[0].ExternalID)
	assert.Equal(t, "Gym", after[0].Location)
}

func TestFull_DateChangeRecreates(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	f.putActivity(t, a)
	require.NoError(t, f.eng.RunFullReconciliation(f.ctx, []string{"senior"}).Err())

	a.Start, a.End = local(12, 9, 0), local(12, 10, 0)
	f.putActivity(t, a)
	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Deleted)
	assert.Equal(t, 1, r.Created)

	events := f.cal.Events("senior")
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Equal(local(12, 9, 0)))
	recs := f.records(t, "senior")
	require.Len(t, recs, 1)
	assert.Equal(t, events[0].ExternalID, recs[0].ExternalID)
}

func TestFull_AllDayEventMatchesAcrossEncodings(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Sports carnival", 5, 0, "Senior School")
	a.Start, a.End = local(5, 0, 0), local(5, 23, 59)
	f.putActivity(t, a)

	require.NoError(t, f.eng.RunFullReconciliation(f.ctx, []string{"senior"}).Err())
	events := f.cal.Events("senior")
	require.Len(t, events, 1)
	assert.True(t, events[0].End.Equal(local(6, 0, 0)))

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, Counts{}, r.Counts)
}

func TestFull_RecordsFailures(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(1, "Athletics", 5, 9, "Senior School"))
	f.putActivity(t, activity(2, "Swimming", 6, 10, "Senior School"))

	ghost := f.cal.Seed("senior", model.ExternalEvent{Subject: "Ghost", Start: local(7, 9, 0), End: local(7, 10, 0)})
	require.NoError(t, f.st.UpsertRecord(f.ctx, model.SyncRecord{
		RecordKey:  model.RecordKey{ActivityID: 99, ActivityType: model.EntityActivity, Calendar: "senior"},
		ExternalID: ghost.ExternalID,
		Status:     model.StatusSynced,
	}))

	transient := calendar.Errorf(calendar.KindTransient, "test", "senior", "", "rate limited")
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpDelete, ExternalID: ghost.ExternalID, Err: transient})
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpCreate, Calendar: "senior", Subject: "Swimming", Err: transient})

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err(), "remote failures are recorded, not returned")
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, 1, r.Created)

	ghostRec, ok, err := f.st.GetRecord(f.ctx, model.RecordKey{ActivityID: 99, ActivityType: model.EntityActivity, Calendar: "senior"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusDeleteFailed, ghostRec.Status)

	swim, ok, err := f.st.GetRecord(f.ctx, model.RecordKey{ActivityID: 2, ActivityType: model.EntityActivity, Calendar: "senior"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusCreateFailed, swim.Status)
	assert.False(t, swim.HasExternal())

	f.cal.ClearFailures()
	r = f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Deleted)
	assert.Equal(t, 1, r.Created)
	assert.Equal(t, []string{"Athletics", "Swimming"}, subjects(f.cal.Events("senior")))
	for _, rec := range f.records(t, "senior") {
		assert.Equal(t, model.StatusSynced, rec.Status)
	}
}

func TestFull_UpdateFailureKeepsExternalID(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	a.Location = "Oval"
	f.putActivity(t, a)
	require.NoError(t, f.eng.RunFullReconciliation(f.ctx, []string{"senior"}).Err())
	ext := f.cal.Events("senior")[0]

	a.Location = "Gym"
	f.putActivity(t, a)
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpUpdate, Err: calendar.Errorf(calendar.KindPermanent, "update", "senior", ext.ExternalID, "forbidden")})

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	assert.Equal(t, 1, r.Failed)
	recs := f.records(t, "senior")
	require.Len(t, recs, 1)
	assert.Equal(t, model.StatusUpdateFailed, recs[0].Status)
	assert.Equal(t, ext.ExternalID, recs[0].ExternalID)
}

func TestFull_FailedDeleteAndCreateKeepRecord(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	f.putActivity(t, a)
	require.NoError(t, f.eng.RunFullReconciliation(f.ctx, []string{"senior"}).Err())
	old := f.cal.Events("senior")[0]

	a.Start, a.End = local(6, 9, 0), local(6, 10, 0)
	f.putActivity(t, a)
	transient := calendar.Errorf(calendar.KindTransient, "test", "senior", "", "unavailable")
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpDelete, Calendar: "senior", Err: transient})
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpCreate, Calendar: "senior", Err: transient})

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, 2, r.Failed)
	require.Len(t, f.cal.Events("senior"), 1)

	recs := f.records(t, "senior")
	require.Len(t, recs, 1)
	assert.Equal(t, old.ExternalID, recs[0].ExternalID, "record must keep pointing at the undeleted event")
	assert.Equal(t, model.StatusDeleteFailed, recs[0].Status)

	// The incremental pass finds the event through the record and moves it.
	f.cal.ClearFailures()
	r = f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Updated)

	events := f.cal.Events("senior")
	require.Len(t, events, 1)
	assert.Equal(t, old.ExternalID, events[0].ExternalID)
	assert.True(t, events[0].Start.Equal(local(6, 9, 0)))

	r = f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, Counts{}, r.Counts)
}

func TestFull_RejectedEventIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(1, "Athletics", 5, 9, "Senior School"))
	rejected := calendar.Errorf(calendar.KindValidation, "create", "senior", "", "bad request")
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpCreate, Calendar: "senior", Err: rejected})

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, Counts{Skipped: 1}, r.Counts)
	assert.Empty(t, f.cal.Events("senior"))

	_, ok, err := f.st.GetRecord(f.ctx, model.RecordKey{ActivityID: 1, ActivityType: model.EntityActivity, Calendar: "senior"})
	require.NoError(t, err)
	assert.False(t, ok, "a rejected event leaves nothing to retry")
}

func TestFull_RejectedUpdateKeepsRecord(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	a.Location = "Oval"
	f.putActivity(t, a)
	require.NoError(t, f.eng.RunFullReconciliation(f.ctx, []string{"senior"}).Err())
	ext := f.cal.Events("senior")[0]

	a.Location = "Gym"
	f.putActivity(t, a)
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpUpdate, Err: calendar.Errorf(calendar.KindValidation, "update", "senior", ext.ExternalID, "bad location")})

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	assert.Equal(t, Counts{Skipped: 1}, r.Counts)

	recs := f.records(t, "senior")
	require.Len(t, recs, 1)
	assert.Equal(t, model.StatusSynced, recs[0].Status)
	assert.Equal(t, ext.ExternalID, recs[0].ExternalID)
	assert.Equal(t, "Oval", f.cal.Events("senior")[0].Location)
}

func TestFull_ListFailureIsolatesCalendar(t *testing.T) {
	f := newFixture(t)
	seedSchool(t, f)
	f.cal.Fail(calendartest.Failure{Op: calendartest.OpList, Calendar: "primary", Err: calendar.Errorf(calendar.KindTransient, "list", "primary", "", "timeout")})

	r := f.eng.RunFullReconciliation(f.ctx, nil)
	require.Len(t, r.Errors, 1)
	assert.True(t, calendar.IsTransient(r.Errors[0]))
	assert.Empty(t, f.cal.Events("primary"))
	assert.Len(t, f.cal.Events("senior"), 2)
	assert.Len(t, f.cal.Events("planning"), 3)
}

func TestFull_UnknownCalendar(t *testing.T) {
	f := newFixture(t)
	r := f.eng.RunFullReconciliation(f.ctx, []string{"nobody"})
	require.Len(t, r.Errors, 1)
	assert.Zero(t, f.cal.Calls(calendartest.OpList))
}

func TestFull_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	seedSchool(t, f)
	ok, err := f.st.AcquireLock(f.ctx, LockName, "someone-else", time.Hour, f.now)
	require.NoError(t, err)
	require.True(t, ok)

	r := f.eng.RunFullReconciliation(f.ctx, nil)
	assert.True(t, r.Locked)
	assert.NoError(t, r.Err())
	assert.Zero(t, f.cal.Calls(calendartest.OpList))

	// A stale lock is taken over.
	f.now = f.now.Add(2 * time.Hour)
	r = f.eng.RunFullReconciliation(f.ctx, nil)
	assert.False(t, r.Locked)
	assert.Equal(t, 7, r.Created)
}

func TestFull_ExpandsRecurringActivities(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Band", 3, 15, "Senior School")
	a.RRule = "FREQ=WEEKLY;COUNT=4"
	f.putActivity(t, a)

	r := f.eng.RunFullReconciliation(f.ctx, []string{"senior"})
	require.NoError(t, r.Err())
	events := f.cal.Events("senior")
	require.Len(t, events, 4)
	assert.True(t, events[3].Start.Equal(local(24, 15, 0)))

	recs := f.records(t, "senior")
	require.Len(t, recs, 4)
	for _, rec := range recs {
		assert.Equal(t, int64(1), rec.ActivityID)
		assert.NotZero(t, rec.OccurrenceID)
	}
}

func TestPlanCalendar_DoesNotMutate(t *testing.T) {
	f := newFixture(t)
	seedSchool(t, f)

	p, err := f.eng.PlanCalendar(f.ctx, "senior", config.WindowConfig{BackDays: 7, AheadDays: 60})
	require.NoError(t, err)
	assert.Len(t, p.Creates, 2)
	assert.Zero(t, f.cal.Calls(calendartest.OpCreate))
	assert.Empty(t, f.records(t, "senior"))

	_, err = f.eng.PlanCalendar(f.ctx, "nobody", config.WindowConfig{AheadDays: 1})
	assert.Error(t, err)
}

func TestRotatingWindow(t *testing.T) {
	w := config.WindowsConfig{
		Near: config.WindowConfig{AheadDays: 14},
		Far:  config.WindowConfig{AheadDays: 90},
	}
	name, got := RotatingWindow(w, local(2, 8, 0), brisbane)
	assert.Equal(t, "near", name)
	assert.Equal(t, w.Near, got)

	name, got = RotatingWindow(w, local(3, 8, 0), brisbane)
	assert.Equal(t, "far", name)
	assert.Equal(t, w.Far, got)

	// 2026-03-02 20:00 UTC is already the 3rd in Brisbane.
	name, _ = RotatingWindow(w, time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC), brisbane)
	assert.Equal(t, "far", name)
}

func TestRunRotating(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(1, "Soon", 5, 9, "Senior School"))
	f.putActivity(t, activity(2, "Later", 30, 9, "Senior School"))

	r := f.eng.RunRotating(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, ModeRotating, r.Mode)
	assert.Equal(t, []string{"Soon"}, subjects(f.cal.Events("senior")))
}
