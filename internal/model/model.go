package model

import (
	"fmt"
	"time"
)

// EntityType distinguishes the internal schedulable entities.
type EntityType string

const (
	EntityActivity   EntityType = "activity"
	EntityAssessment EntityType = "assessment"
	EntityOccurrence EntityType = "occurrence"
)

// RecordType is the entity type persisted in a SyncRecord. Occurrences are
// recorded against their parent activity with a non-zero OccurrenceID.
func (t EntityType) RecordType() EntityType {
	if t == EntityOccurrence {
		return EntityActivity
	}
	return t
}

// NormalizedEvent is the common shape built from activities, assessments and
// recurring occurrences on every pass. It is never persisted by the engine.
type NormalizedEvent struct {
	ID           int64
	EntityType   EntityType
	OccurrenceID int64 // 0 if none

	Name        string
	Location    string
	Description string

	// StartUTC / EndUTC are absolute instants; the source store's wall-clock
	// convention is recovered by converting them into the business timezone.
	StartUTC time.Time
	EndUTC   time.Time

	Categories []string
	// ColourCategory is a "/"-delimited path; its last segment is the
	// presentation colour category.
	ColourCategory string

	Approved      bool
	InReview      bool
	DisplayPublic bool
	PushPublic    bool
	IsAllDay      bool
	Deleted       bool
}

// Ref returns the sync-record identity of the event for a calendar.
func (e NormalizedEvent) Ref(calendar string) RecordKey {
	return RecordKey{
		ActivityID:   e.ID,
		ActivityType: e.EntityType.RecordType(),
		OccurrenceID: e.OccurrenceID,
		Calendar:     calendar,
	}
}

// String is used in log lines.
func (e NormalizedEvent) String() string {
	if e.OccurrenceID != 0 {
		return fmt.Sprintf("%s:%d/%d", e.EntityType.RecordType(), e.ID, e.OccurrenceID)
	}
	return fmt.Sprintf("%s:%d", e.EntityType, e.ID)
}

// ExternalEvent is an event as returned by a calendar client. Start/End are
// instants; callers convert them to the business timezone as needed.
type ExternalEvent struct {
	ExternalID string
	ChangeKey  string
	WebLink    string
	Subject    string
	Start      time.Time
	End        time.Time
	Location   string
	Categories []string
}

// SyncStatus is persisted in sync_records.status.
type SyncStatus int

const (
	StatusSynced       SyncStatus = 1
	StatusDeleteFailed SyncStatus = 3
	StatusUpdateFailed SyncStatus = 4
	StatusCreateFailed SyncStatus = 5
)

func (s SyncStatus) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusDeleteFailed:
		return "delete-failed"
	case StatusUpdateFailed:
		return "update-failed"
	case StatusCreateFailed:
		return "create-failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RecordKey is the uniqueness key of a SyncRecord.
type RecordKey struct {
	ActivityID   int64
	ActivityType EntityType
	OccurrenceID int64
	Calendar     string
}

// SyncRecord maps an internal entity+occurrence+calendar to its external
// representation.
type SyncRecord struct {
	RecordKey
	ExternalID string
	ChangeKey  string
	WebLink    string
	Status     SyncStatus
	TimeSynced time.Time
}

// HasExternal reports whether the record points at a remote event. Records
// left behind by a failed create carry no external id.
func (r SyncRecord) HasExternal() bool {
	return r.ExternalID != ""
}

// EntityRef identifies a source entity (not an occurrence).
type EntityRef struct {
	ID   int64
	Type EntityType
}
