package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"calsync/internal/model"
)

const recordColumns = `activity_id, activity_type, occurrence_id, calendar,
	external_id, change_key, web_link, status, time_synced`

func scanRecord(sc interface{ Scan(...any) error }) (model.SyncRecord, error) {
	var (
		r          model.SyncRecord
		typ        string
		status     int
		timeSynced int64
	)
	err := sc.Scan(&r.ActivityID, &typ, &r.OccurrenceID, &r.Calendar,
		&r.ExternalID, &r.ChangeKey, &r.WebLink, &status, &timeSynced)
	if err != nil {
		return model.SyncRecord{}, err
	}
	r.ActivityType = model.EntityType(typ)
	r.Status = model.SyncStatus(status)
	r.TimeSynced = fromUnix(timeSynced)
	return r, nil
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []model.SyncRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// GetRecord returns the record for key, if any.
func (s *Store) GetRecord(ctx context.Context, key model.RecordKey) (model.SyncRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE activity_id = ? AND activity_type = ? AND occurrence_id = ? AND calendar = ?
	`, key.ActivityID, string(key.ActivityType), key.OccurrenceID, key.Calendar)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncRecord{}, false, nil
	}
	if err != nil {
		return model.SyncRecord{}, false, fmt.Errorf("get record: %w", err)
	}
	return r, true, nil
}

// RecordsForEntity returns every record of an entity across occurrences and
// calendars.
func (s *Store) RecordsForEntity(ctx context.Context, ref model.EntityRef) ([]model.SyncRecord, error) {
	return s.queryRecords(ctx, "records for entity", `
		SELECT `+recordColumns+` FROM sync_records
		WHERE activity_id = ? AND activity_type = ?
		ORDER BY calendar, occurrence_id
	`, ref.ID, string(ref.Type.RecordType()))
}

// RecordsByExternalID returns the records in calendar pointing at externalID.
func (s *Store) RecordsByExternalID(ctx context.Context, calendar, externalID string) ([]model.SyncRecord, error) {
	return s.queryRecords(ctx, "records by external id", `
		SELECT `+recordColumns+` FROM sync_records
		WHERE calendar = ? AND external_id = ?
		ORDER BY activity_type, activity_id, occurrence_id
	`, calendar, externalID)
}

// RecordFilter narrows ListRecords. Zero values match everything.
type RecordFilter struct {
	Calendar string
	Statuses []model.SyncStatus
}

// ListRecords returns records matching f in a stable order.
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]model.SyncRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Calendar != "" {
		where = append(where, "calendar = ?")
		args = append(args, f.Calendar)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, int(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + recordColumns + ` FROM sync_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY calendar, activity_type, activity_id, occurrence_id"
	return s.queryRecords(ctx, "list records", q, args...)
}

// UpsertRecord overwrites the record for r's key (delete-then-insert).
func (s *Store) UpsertRecord(ctx context.Context, r model.SyncRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert record: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_records
		WHERE activity_id = ? AND activity_type = ? AND occurrence_id = ? AND calendar = ?
	`, r.ActivityID, string(r.ActivityType), r.OccurrenceID, r.Calendar); err != nil {
		return fmt.Errorf("upsert record: delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ActivityID,
		string(r.ActivityType),
		r.OccurrenceID,
		r.Calendar,
		r.ExternalID,
		r.ChangeKey,
		r.WebLink,
		int(r.Status),
		unix(r.TimeSynced),
	); err != nil {
		return fmt.Errorf("upsert record: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert record: commit: %w", err)
	}
	return nil
}

// DeleteRecord removes the record for key. Missing records are not an error.
func (s *Store) DeleteRecord(ctx context.Context, key model.RecordKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_records
		WHERE activity_id = ? AND activity_type = ? AND occurrence_id = ? AND calendar = ?
	`, key.ActivityID, string(key.ActivityType), key.OccurrenceID, key.Calendar)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteRecordsByExternalID removes every record in calendar pointing at
// externalID and returns how many were removed.
func (s *Store) DeleteRecordsByExternalID(ctx context.Context, calendar, externalID string) (int64, error) {
	if externalID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_records WHERE calendar = ? AND external_id = ?
	`, calendar, externalID)
	if err != nil {
		return 0, fmt.Errorf("delete records by external id: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetStatus sets the status of the record for key, if it exists.
func (s *Store) SetStatus(ctx context.Context, key model.RecordKey, status model.SyncStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET status = ?
		WHERE activity_id = ? AND activity_type = ? AND occurrence_id = ? AND calendar = ?
	`, int(status), key.ActivityID, string(key.ActivityType), key.OccurrenceID, key.Calendar)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// SetStatusByExternalID sets the status of every record in calendar pointing
// at externalID.
func (s *Store) SetStatusByExternalID(ctx context.Context, calendar, externalID string, status model.SyncStatus) error {
	if externalID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET status = ? WHERE calendar = ? AND external_id = ?
	`, int(status), calendar, externalID)
	if err != nil {
		return fmt.Errorf("set status by external id: %w", err)
	}
	return nil
}

// StatusCount is one row of StatusSummary.
type StatusCount struct {
	Calendar string           `json:"calendar"`
	Status   model.SyncStatus `json:"status"`
	Count    int              `json:"count"`
}

// StatusSummary counts records per calendar and status.
func (s *Store) StatusSummary(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT calendar, status, COUNT(*) FROM sync_records
		GROUP BY calendar, status
		ORDER BY calendar, status
	`)
	if err != nil {
		return nil, fmt.Errorf("status summary: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var (
			c      StatusCount
			status int
		)
		if err := rows.Scan(&c.Calendar, &status, &c.Count); err != nil {
			return nil, fmt.Errorf("status summary: scan: %w", err)
		}
		c.Status = model.SyncStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}
