package source

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
	"calsync/internal/store"
)

var brisbane = mustLoad("Australia/Brisbane")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func local(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, brisbane).UTC()
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEvents(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertActivity(ctx, store.Activity{
		ID: 1, Name: "Sports Day", Start: local(10, 0, 0), End: local(10, 23, 59),
		Categories: []string{"Senior School"}, Approved: true,
	}))
	require.NoError(t, st.UpsertActivity(ctx, store.Activity{
		ID: 2, Name: "Choir", Start: local(3, 15, 0), End: local(3, 16, 0),
		Approved: true, RRule: "FREQ=WEEKLY",
	}))
	require.NoError(t, st.UpsertActivity(ctx, store.Activity{
		ID: 3, Name: "Broken", Start: local(12, 10, 0), End: local(12, 9, 0),
	}))
	require.NoError(t, st.UpsertAssessment(ctx, store.Assessment{
		ID: 1, Name: "Essay Due", Start: local(11, 9, 0), End: local(11, 10, 0),
	}))
	_, _, err := st.SyncOccurrences(ctx, 2, local(1, 0, 0), local(31, 0, 0), []store.Occurrence{
		{Start: local(10, 15, 0), End: local(10, 16, 0)},
	})
	require.NoError(t, err)

	agg := New(st, brisbane)
	events, err := agg.Events(ctx, local(9, 0, 0), local(16, 0, 0))
	require.NoError(t, err)
	require.Len(t, events, 3)

	byName := make(map[string]model.NormalizedEvent)
	for _, ev := range events {
		byName[ev.Name] = ev
	}

	sports := byName["Sports Day"]
	assert.True(t, sports.IsAllDay)
	assert.Equal(t, model.EntityActivity, sports.EntityType)

	essay := byName["Essay Due"]
	assert.True(t, essay.Approved, "assessments are always approved")
	assert.False(t, essay.IsAllDay)

	choir := byName["Choir"]
	assert.Equal(t, model.EntityOccurrence, choir.EntityType)
	assert.Equal(t, int64(2), choir.ID)
	assert.NotZero(t, choir.OccurrenceID)
	assert.Equal(t, local(10, 15, 0), choir.StartUTC)
	assert.True(t, choir.Approved, "occurrence inherits parent fields")

	_, ok := byName["Broken"]
	assert.False(t, ok, "invalid events are skipped")
}

func TestEventsForEntity(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertActivity(ctx, store.Activity{
		ID: 5, Name: "Cancelled", Start: local(10, 9, 0), End: local(10, 10, 0), Deleted: true,
	}))
	require.NoError(t, st.UpsertActivity(ctx, store.Activity{
		ID: 6, Name: "Band", Start: local(3, 15, 0), End: local(3, 16, 0), Approved: true, RRule: "FREQ=WEEKLY",
	}))
	_, _, err := st.SyncOccurrences(ctx, 6, local(1, 0, 0), local(31, 0, 0), []store.Occurrence{
		{Start: local(3, 15, 0), End: local(3, 16, 0)},
		{Start: local(10, 15, 0), End: local(10, 16, 0)},
	})
	require.NoError(t, err)

	agg := New(st, brisbane)

	evs, err := agg.EventsForEntity(ctx, model.EntityRef{ID: 5, Type: model.EntityActivity})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Deleted)

	evs, err = agg.EventsForEntity(ctx, model.EntityRef{ID: 6, Type: model.EntityActivity})
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	evs, err = agg.EventsForEntity(ctx, model.EntityRef{ID: 99, Type: model.EntityAssessment})
	require.NoError(t, err)
	assert.Empty(t, evs)

	require.NoError(t, st.UpsertAssessment(ctx, store.Assessment{
		ID: 7, Name: "Backwards", Start: local(4, 10, 0), End: local(4, 9, 0),
	}))
	_, err = agg.EventsForEntity(ctx, model.EntityRef{ID: 7, Type: model.EntityAssessment})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestValidate(t *testing.T) {
	ok := model.NormalizedEvent{ID: 1, EntityType: model.EntityActivity, StartUTC: local(1, 9, 0), EndUTC: local(1, 9, 0)}
	assert.NoError(t, Validate(ok))

	missing := ok
	missing.EndUTC = time.Time{}
	assert.ErrorIs(t, Validate(missing), ErrInvalidEvent)

	inverted := ok
	inverted.EndUTC = local(1, 8, 0)
	assert.ErrorIs(t, Validate(inverted), ErrInvalidEvent)
}
