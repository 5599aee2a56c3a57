package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"calsync/internal/model"
)

// ErrNotFound is returned when a source entity does not exist.
var ErrNotFound = errors.New("not found")

// Activity is a row of the activities table.
type Activity struct {
	ID             int64
	Name           string
	Start          time.Time
	End            time.Time
	Location       string
	Description    string
	Categories     []string
	ColourCategory string
	Approved       bool
	InReview       bool
	DisplayPublic  bool
	PushPublic     bool
	Deleted        bool
	// RRule makes the activity recurring; its occurrences are materialised
	// into activity_occurrences and the activity itself is not synced.
	RRule        string
	ExDates      []time.Time
	TimeModified time.Time
	TimeSynced   time.Time
}

// Recurring reports whether the activity is synced through occurrences.
func (a Activity) Recurring() bool {
	return a.RRule != ""
}

// Assessment is a row of the assessments table. Assessments carry no
// approval state; they are always treated as approved.
type Assessment struct {
	ID             int64
	Name           string
	Start          time.Time
	End            time.Time
	Location       string
	Description    string
	Categories     []string
	ColourCategory string
	DisplayPublic  bool
	PushPublic     bool
	Deleted        bool
	TimeModified   time.Time
	TimeSynced     time.Time
}

// Occurrence is a concrete instance of a recurring activity.
type Occurrence struct {
	ID         int64
	ActivityID int64
	Start      time.Time
	End        time.Time
}

const activityColumns = `id, name, start_utc, end_utc, location, description, categories,
	colour_category, approved, in_review, display_public, push_public, deleted,
	rrule, exdates, time_modified, time_synced`

const assessmentColumns = `id, name, start_utc, end_utc, location, description, categories,
	colour_category, display_public, push_public, deleted, time_modified, time_synced`

func scanActivity(sc interface{ Scan(...any) error }) (Activity, error) {
	var (
		a                                   Activity
		start, end, modified, synced        int64
		cats, exdates                       string
		approved, review, public, push, del int
	)
	if err := sc.Scan(&a.ID, &a.Name, &start, &end, &a.Location, &a.Description, &cats,
		&a.ColourCategory, &approved, &review, &public, &push, &del,
		&a.RRule, &exdates, &modified, &synced); err != nil {
		return Activity{}, err
	}
	a.Start, a.End = fromUnix(start), fromUnix(end)
	a.TimeModified, a.TimeSynced = fromUnix(modified), fromUnix(synced)
	a.Approved, a.InReview, a.DisplayPublic, a.PushPublic, a.Deleted = approved != 0, review != 0, public != 0, push != 0, del != 0
	if err := json.Unmarshal([]byte(cats), &a.Categories); err != nil {
		return Activity{}, fmt.Errorf("activity %d categories: %w", a.ID, err)
	}
	var ex []int64
	if err := json.Unmarshal([]byte(exdates), &ex); err != nil {
		return Activity{}, fmt.Errorf("activity %d exdates: %w", a.ID, err)
	}
	for _, v := range ex {
		a.ExDates = append(a.ExDates, fromUnix(v))
	}
	return a, nil
}

func scanAssessment(sc interface{ Scan(...any) error }) (Assessment, error) {
	var (
		a                            Assessment
		start, end, modified, synced int64
		cats                         string
		public, push, del            int
	)
	if err := sc.Scan(&a.ID, &a.Name, &start, &end, &a.Location, &a.Description, &cats,
		&a.ColourCategory, &public, &push, &del, &modified, &synced); err != nil {
		return Assessment{}, err
	}
	a.Start, a.End = fromUnix(start), fromUnix(end)
	a.TimeModified, a.TimeSynced = fromUnix(modified), fromUnix(synced)
	a.DisplayPublic, a.PushPublic, a.Deleted = public != 0, push != 0, del != 0
	if err := json.Unmarshal([]byte(cats), &a.Categories); err != nil {
		return Assessment{}, fmt.Errorf("assessment %d categories: %w", a.ID, err)
	}
	return a, nil
}

func marshalCategories(c []string) (string, error) {
	if c == nil {
		c = []string{}
	}
	b, err := json.Marshal(c)
	return string(b), err
}

// ActivitiesInWindow returns non-deleted activities starting in [start, end]
// or in progress at start.
func (s *Store) ActivitiesInWindow(ctx context.Context, start, end time.Time) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE deleted = 0
		  AND ((start_utc >= ? AND start_utc <= ?) OR (start_utc < ? AND end_utc >= ?))
		ORDER BY start_utc, id
	`, start.Unix(), end.Unix(), start.Unix(), start.Unix())
	if err != nil {
		return nil, fmt.Errorf("activities in window: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("activities in window: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AssessmentsInWindow returns non-deleted assessments starting in
// [start, end] or in progress at start.
func (s *Store) AssessmentsInWindow(ctx context.Context, start, end time.Time) ([]Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assessmentColumns+` FROM assessments
		WHERE deleted = 0
		  AND ((start_utc >= ? AND start_utc <= ?) OR (start_utc < ? AND end_utc >= ?))
		ORDER BY start_utc, id
	`, start.Unix(), end.Unix(), start.Unix(), start.Unix())
	if err != nil {
		return nil, fmt.Errorf("assessments in window: %w", err)
	}
	defer rows.Close()

	var out []Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("assessments in window: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OccurrencesInWindow returns occurrences of non-deleted activities whose own
// start falls in [start, end].
func (s *Store) OccurrencesInWindow(ctx context.Context, start, end time.Time) ([]Occurrence, error) {
	return s.queryOccurrences(ctx, "occurrences in window", `
		SELECT o.id, o.activity_id, o.start_utc, o.end_utc
		FROM activity_occurrences o
		JOIN activities a ON a.id = o.activity_id
		WHERE a.deleted = 0 AND o.start_utc >= ? AND o.start_utc <= ?
		ORDER BY o.start_utc, o.id
	`, start.Unix(), end.Unix())
}

// OccurrencesOf returns all occurrences of an activity.
func (s *Store) OccurrencesOf(ctx context.Context, activityID int64) ([]Occurrence, error) {
	return s.queryOccurrences(ctx, "occurrences of activity", `
		SELECT id, activity_id, start_utc, end_utc FROM activity_occurrences
		WHERE activity_id = ? ORDER BY start_utc, id
	`, activityID)
}

func (s *Store) queryOccurrences(ctx context.Context, op, q string, args ...any) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		var (
			o          Occurrence
			start, end int64
		)
		if err := rows.Scan(&o.ID, &o.ActivityID, &start, &end); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		o.Start, o.End = fromUnix(start), fromUnix(end)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Activity returns one activity, deleted or not.
func (s *Store) Activity(ctx context.Context, id int64) (Activity, error) {
	a, err := scanActivity(s.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, fmt.Errorf("activity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Activity{}, fmt.Errorf("activity %d: %w", id, err)
	}
	return a, nil
}

// Assessment returns one assessment, deleted or not.
func (s *Store) Assessment(ctx context.Context, id int64) (Assessment, error) {
	a, err := scanAssessment(s.db.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Assessment{}, fmt.Errorf("assessment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Assessment{}, fmt.Errorf("assessment %d: %w", id, err)
	}
	return a, nil
}

// RecurringActivities returns non-deleted activities carrying an RRULE.
func (s *Store) RecurringActivities(ctx context.Context) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE deleted = 0 AND rrule != '' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("recurring activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("recurring activities: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingEntities returns entities modified since their last sync (and no
// earlier than since), plus entities owning a failed sync record.
func (s *Store) PendingEntities(ctx context.Context, since time.Time) ([]model.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, 'activity' FROM activities
		WHERE time_modified > time_synced AND time_modified >= ?
		UNION
		SELECT id, 'assessment' FROM assessments
		WHERE time_modified > time_synced AND time_modified >= ?
		UNION
		SELECT DISTINCT activity_id, activity_type FROM sync_records
		WHERE status != ?
		ORDER BY 2, 1
	`, since.Unix(), since.Unix(), int(model.StatusSynced))
	if err != nil {
		return nil, fmt.Errorf("pending entities: %w", err)
	}
	defer rows.Close()

	var out []model.EntityRef
	for rows.Next() {
		var (
			ref model.EntityRef
			typ string
		)
		if err := rows.Scan(&ref.ID, &typ); err != nil {
			return nil, fmt.Errorf("pending entities: scan: %w", err)
		}
		ref.Type = model.EntityType(typ)
		out = append(out, ref)
	}
	return out, rows.Err()
}

// MarkSynced stamps an entity's time_synced.
func (s *Store) MarkSynced(ctx context.Context, ref model.EntityRef, at time.Time) error {
	table := "activities"
	if ref.Type == model.EntityAssessment {
		table = "assessments"
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET time_synced = ? WHERE id = ?`, at.Unix(), ref.ID); err != nil {
		return fmt.Errorf("mark synced %s:%d: %w", ref.Type, ref.ID, err)
	}
	return nil
}

// UpsertActivity inserts or replaces an activity row.
func (s *Store) UpsertActivity(ctx context.Context, a Activity) error {
	cats, err := marshalCategories(a.Categories)
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	ex := make([]int64, 0, len(a.ExDates))
	for _, t := range a.ExDates {
		ex = append(ex, t.Unix())
	}
	exJSON, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, start_utc = excluded.start_utc, end_utc = excluded.end_utc,
			location = excluded.location, description = excluded.description,
			categories = excluded.categories, colour_category = excluded.colour_category,
			approved = excluded.approved, in_review = excluded.in_review,
			display_public = excluded.display_public, push_public = excluded.push_public,
			deleted = excluded.deleted, rrule = excluded.rrule, exdates = excluded.exdates,
			time_modified = excluded.time_modified, time_synced = excluded.time_synced
	`,
		a.ID, a.Name, unix(a.Start), unix(a.End), a.Location, a.Description, cats,
		a.ColourCategory, boolInt(a.Approved), boolInt(a.InReview), boolInt(a.DisplayPublic),
		boolInt(a.PushPublic), boolInt(a.Deleted), a.RRule, string(exJSON),
		unix(a.TimeModified), unix(a.TimeSynced),
	)
	if err != nil {
		return fmt.Errorf("upsert activity %d: %w", a.ID, err)
	}
	return nil
}

// UpsertAssessment inserts or replaces an assessment row.
func (s *Store) UpsertAssessment(ctx context.Context, a Assessment) error {
	cats, err := marshalCategories(a.Categories)
	if err != nil {
		return fmt.Errorf("upsert assessment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (`+assessmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, start_utc = excluded.start_utc, end_utc = excluded.end_utc,
			location = excluded.location, description = excluded.description,
			categories = excluded.categories, colour_category = excluded.colour_category,
			display_public = excluded.display_public, push_public = excluded.push_public,
			deleted = excluded.deleted, time_modified = excluded.time_modified,
			time_synced = excluded.time_synced
	`,
		a.ID, a.Name, unix(a.Start), unix(a.End), a.Location, a.Description, cats,
		a.ColourCategory, boolInt(a.DisplayPublic), boolInt(a.PushPublic), boolInt(a.Deleted),
		unix(a.TimeModified), unix(a.TimeSynced),
	)
	if err != nil {
		return fmt.Errorf("upsert assessment %d: %w", a.ID, err)
	}
	return nil
}

// SyncOccurrences makes the stored occurrences of an activity inside
// [from, to] equal to want (matched by start). Existing rows keep their ids.
// It returns how many rows were written (inserted or end changed) and removed.
func (s *Store) SyncOccurrences(ctx context.Context, activityID int64, from, to time.Time, want []Occurrence) (written, removed int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("sync occurrences: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	keep := make(map[int64]bool, len(want))
	for _, o := range want {
		keep[o.Start.Unix()] = true
		res, err := tx.ExecContext(ctx, `
			INSERT INTO activity_occurrences (activity_id, start_utc, end_utc) VALUES (?, ?, ?)
			ON CONFLICT(activity_id, start_utc) DO UPDATE SET end_utc = excluded.end_utc
			WHERE end_utc != excluded.end_utc
		`, activityID, o.Start.Unix(), o.End.Unix())
		if err != nil {
			return 0, 0, fmt.Errorf("sync occurrences: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, start_utc FROM activity_occurrences
		WHERE activity_id = ? AND start_utc >= ? AND start_utc <= ?
	`, activityID, from.Unix(), to.Unix())
	if err != nil {
		return 0, 0, fmt.Errorf("sync occurrences: select: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var id, start int64
		if err := rows.Scan(&id, &start); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("sync occurrences: scan: %w", err)
		}
		if !keep[start] {
			stale = append(stale, id)
		}
	}
	rows.Close()

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM activity_occurrences WHERE id = ?`, id); err != nil {
			return 0, 0, fmt.Errorf("sync occurrences: delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("sync occurrences: commit: %w", err)
	}
	return written, len(stale), nil
}
