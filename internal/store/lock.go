package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLock takes the named run lock for owner. A lock held by another
// owner for longer than ttl is taken over. Re-acquiring an owned lock
// refreshes it. Returns false if someone else holds a live lock.
func (s *Store) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("acquire lock: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var (
		holder     string
		acquiredAt int64
	)
	err = tx.QueryRowContext(ctx, `SELECT owner, acquired_at FROM run_locks WHERE name = ?`, name).Scan(&holder, &acquiredAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free
	case err != nil:
		return false, fmt.Errorf("acquire lock: read: %w", err)
	case holder != owner && now.Sub(fromUnix(acquiredAt)) < ttl:
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_locks (name, owner, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at
	`, name, owner, now.Unix()); err != nil {
		return false, fmt.Errorf("acquire lock: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("acquire lock: commit: %w", err)
	}
	return true, nil
}

// ReleaseLock drops the named lock if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
