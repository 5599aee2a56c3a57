package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

func testRecord(id int64, cal, ext string, status model.SyncStatus) model.SyncRecord {
	return model.SyncRecord{
		RecordKey: model.RecordKey{
			ActivityID:   id,
			ActivityType: model.EntityActivity,
			Calendar:     cal,
		},
		ExternalID: ext,
		ChangeKey:  "ck-" + ext,
		Status:     status,
		TimeSynced: ts(1, 10),
	}
}

func TestUpsertRecord_Overwrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := testRecord(1, "senior", "x1", model.StatusSynced)
	require.NoError(t, s.UpsertRecord(ctx, r))

	r.ExternalID = "x2"
	r.Status = model.StatusUpdateFailed
	require.NoError(t, s.UpsertRecord(ctx, r))

	got, ok, err := s.GetRecord(ctx, r.RecordKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x2", got.ExternalID)
	assert.Equal(t, model.StatusUpdateFailed, got.Status)
	assert.Equal(t, ts(1, 10), got.TimeSynced)

	all, err := s.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetRecord_Missing(t *testing.T) {
	s := createTestStore(t)

	_, ok, err := s.GetRecord(context.Background(), model.RecordKey{ActivityID: 9, ActivityType: model.EntityActivity, Calendar: "senior"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordsForEntity_OccurrencesUseActivityType(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	occ := testRecord(5, "senior", "o1", model.StatusSynced)
	occ.OccurrenceID = 11
	require.NoError(t, s.UpsertRecord(ctx, occ))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(5, "planning", "p1", model.StatusSynced)))

	assess := testRecord(5, "senior", "a1", model.StatusSynced)
	assess.ActivityType = model.EntityAssessment
	require.NoError(t, s.UpsertRecord(ctx, assess))

	got, err := s.RecordsForEntity(ctx, model.EntityRef{ID: 5, Type: model.EntityOccurrence})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "planning", got[0].Calendar)
	assert.Equal(t, int64(11), got[1].OccurrenceID)
}

func TestExternalIDOperations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRecord(ctx, testRecord(1, "senior", "x1", model.StatusSynced)))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(2, "senior", "x1", model.StatusSynced)))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(3, "primary", "x1", model.StatusSynced)))

	require.NoError(t, s.SetStatusByExternalID(ctx, "senior", "x1", model.StatusDeleteFailed))
	failed, err := s.ListRecords(ctx, RecordFilter{Statuses: []model.SyncStatus{model.StatusDeleteFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	n, err := s.DeleteRecordsByExternalID(ctx, "senior", "x1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rest, err := s.RecordsByExternalID(ctx, "primary", "x1")
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	n, err = s.DeleteRecordsByExternalID(ctx, "primary", "")
	require.NoError(t, err)
	assert.Zero(t, n, "empty external id never matches")
}

func TestListRecords_Filter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRecord(ctx, testRecord(1, "senior", "x1", model.StatusSynced)))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(2, "senior", "", model.StatusCreateFailed)))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(3, "primary", "x3", model.StatusCreateFailed)))

	got, err := s.ListRecords(ctx, RecordFilter{Calendar: "senior", Statuses: []model.SyncStatus{model.StatusCreateFailed}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ActivityID)
	assert.False(t, got[0].HasExternal())
}

func TestStatusSummary(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRecord(ctx, testRecord(1, "senior", "x1", model.StatusSynced)))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(2, "senior", "x2", model.StatusSynced)))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(3, "senior", "", model.StatusCreateFailed)))
	require.NoError(t, s.UpsertRecord(ctx, testRecord(1, "planning", "p1", model.StatusSynced)))

	got, err := s.StatusSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []StatusCount{
		{Calendar: "planning", Status: model.StatusSynced, Count: 1},
		{Calendar: "senior", Status: model.StatusSynced, Count: 2},
		{Calendar: "senior", Status: model.StatusCreateFailed, Count: 1},
	}, got)
}

func TestDeleteRecordAndSetStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := testRecord(1, "senior", "x1", model.StatusSynced)
	require.NoError(t, s.UpsertRecord(ctx, r))
	require.NoError(t, s.SetStatus(ctx, r.RecordKey, model.StatusUpdateFailed))

	got, _, err := s.GetRecord(ctx, r.RecordKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUpdateFailed, got.Status)

	require.NoError(t, s.DeleteRecord(ctx, r.RecordKey))
	require.NoError(t, s.DeleteRecord(ctx, r.RecordKey))
	_, ok, err := s.GetRecord(ctx, r.RecordKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
