package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/calendar"
	"calsync/internal/calendar/calendartest"
	"calsync/internal/model"
	"calsync/internal/store"
)

func TestIncremental_FollowsRoutingChanges(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	f.putActivity(t, a)

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Entities)
	assert.Equal(t, 2, r.Created)
	assert.Equal(t, []string{"Athletics"}, subjects(f.cal.Events("senior")))
	assert.Equal(t, []string{"Athletics"}, subjects(f.cal.Events("planning")))

	// Nothing pending once synced.
	r = f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Zero(t, r.Entities)

	// Moving the activity to the Primary school moves its copy.
	f.now = f.now.Add(time.Hour)
	a.Categories = []string{"Primary School"}
	a.TimeModified = f.now.Add(-time.Minute)
	f.putActivity(t, a)

	r = f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Deleted)
	assert.Equal(t, 1, r.Created)
	assert.Equal(t, 1, r.Updated)
	assert.Empty(t, f.cal.Events("senior"))
	assert.Equal(t, []string{"Athletics"}, subjects(f.cal.Events("primary")))
	assert.Empty(t, f.records(t, "senior"))

	// Deleting it removes every copy and record.
	f.now = f.now.Add(time.Hour)
	a.Deleted = true
	a.TimeModified = f.now.Add(-time.Minute)
	f.putActivity(t, a)

	r = f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 2, r.Deleted)
	assert.Empty(t, f.cal.Events("primary"))
	assert.Empty(t, f.cal.Events("planning"))
	assert.Empty(t, f.records(t, ""))
}

func TestIncremental_UpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	f.putActivity(t, a)
	require.NoError(t, f.eng.RunIncrementalSync(f.ctx).Err())
	before := f.cal.Events("senior")[0]

	f.now = f.now.Add(time.Hour)
	a.Name = "Athletics carnival"
	a.TimeModified = f.now.Add(-time.Minute)
	f.putActivity(t, a)

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 2, r.Updated)

	after := f.cal.Events("senior")
	require.Len(t, after, 1)
	assert.Equal(t, before.ExternalID, after[0].ExternalID)
	assert.Equal(t, "Athletics carnival", after[0].Subject)

	// A full pass agrees with the incremental result.
	full := f.eng.RunFullReconciliation(f.ctx, nil)
	require.NoError(t, full.Err())
	assert.Zero(t, full.Created+full.Deleted+full.Updated)
}

func TestIncremental_RetriesFailedCreate(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(1, "Athletics", 5, 9, "Senior School"))
	f.cal.Fail(calendartest.Failure{
		Op: calendartest.OpCreate, Calendar: "senior", Times: 1,
		Err: calendar.Errorf(calendar.KindTransient, "create", "senior", "", "throttled"),
	})

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Failed)
	rec, ok, err := f.st.GetRecord(f.ctx, model.RecordKey{ActivityID: 1, ActivityType: model.EntityActivity, Calendar: "senior"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusCreateFailed, rec.Status)

	// The entity is unchanged but its failed record keeps it pending.
	r = f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Entities)
	assert.Equal(t, 1, r.Created)
	assert.Len(t, f.cal.Events("senior"), 1)
	assert.Len(t, f.cal.Events("planning"), 1)

	r = f.eng.RunIncrementalSync(f.ctx)
	assert.Zero(t, r.Entities)
}

func TestIncremental_AdoptsExistingEvent(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(1, "Athletics", 5, 9, "Senior School"))
	existing := f.cal.Seed("senior", model.ExternalEvent{Subject: "Athletics", Start: local(5, 9, 0), End: local(5, 10, 0)})

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Linked)
	assert.Equal(t, 1, r.Created, "planning copy only")
	assert.Len(t, f.cal.Events("senior"), 1)

	rec, ok, err := f.st.GetRecord(f.ctx, model.RecordKey{ActivityID: 1, ActivityType: model.EntityActivity, Calendar: "senior"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, existing.ExternalID, rec.ExternalID)
}

func TestIncremental_UpdateOfVanishedEventRecreates(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Athletics", 5, 9, "Senior School")
	f.putActivity(t, a)
	require.NoError(t, f.eng.RunIncrementalSync(f.ctx).Err())
	gone := f.cal.Events("senior")[0]
	require.NoError(t, f.cal.DeleteEvent(f.ctx, "senior", gone.ExternalID))

	f.now = f.now.Add(time.Hour)
	a.Location = "Gym"
	a.TimeModified = f.now.Add(-time.Minute)
	f.putActivity(t, a)

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Created)
	assert.Equal(t, 1, r.Updated)

	events := f.cal.Events("senior")
	require.Len(t, events, 1)
	assert.NotEqual(t, gone.ExternalID, events[0].ExternalID)
	recs := f.records(t, "senior")
	require.Len(t, recs, 1)
	assert.Equal(t, events[0].ExternalID, recs[0].ExternalID)
}

func TestIncremental_SkipsInvalidEntity(t *testing.T) {
	f := newFixture(t)
	bad := activity(1, "Backwards", 5, 9, "Senior School")
	bad.End = bad.Start.Add(-time.Hour)
	f.putActivity(t, bad)

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Skipped)
	assert.Zero(t, f.cal.Calls(calendartest.OpCreate))
}

func TestIncremental_RecurringActivity(t *testing.T) {
	f := newFixture(t)
	a := activity(1, "Band", 3, 15, "Senior School")
	a.RRule = "FREQ=WEEKLY;COUNT=3"
	f.putActivity(t, a)

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Len(t, f.cal.Events("senior"), 3)

	// Shortening the rule drops the last occurrence's copies.
	f.now = f.now.Add(time.Hour)
	a.RRule = "FREQ=WEEKLY;COUNT=2"
	a.TimeModified = f.now.Add(-time.Minute)
	f.putActivity(t, a)

	r = f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, 2, r.Deleted)
	assert.Len(t, f.cal.Events("senior"), 2)
	assert.Len(t, f.records(t, "planning"), 2)
}

func TestIncremental_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.putActivity(t, activity(1, "Athletics", 5, 9, "Senior School"))
	ok, err := f.st.AcquireLock(f.ctx, LockName, "other", time.Hour, f.now)
	require.NoError(t, err)
	require.True(t, ok)

	r := f.eng.RunIncrementalSync(f.ctx)
	assert.True(t, r.Locked)
	assert.Zero(t, r.Entities)

	refs, err := f.st.PendingEntities(f.ctx, f.now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []model.EntityRef{{ID: 1, Type: model.EntityActivity}}, refs)
}

func TestIncremental_AssessmentsAlwaysApproved(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.UpsertAssessment(f.ctx, store.Assessment{
		ID: 10, Name: "Maths exam", Start: local(9, 9, 0), End: local(9, 11, 0),
		Categories: []string{"Primary School"}, TimeModified: local(1, 12, 0),
	}))

	r := f.eng.RunIncrementalSync(f.ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, []string{"Maths exam"}, subjects(f.cal.Events("primary")))
	recs := f.records(t, "primary")
	require.Len(t, recs, 1)
	assert.Equal(t, model.EntityAssessment, recs[0].ActivityType)
}
