package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLocked is returned when another live run holds the lock.
	ErrLocked = errors.New("sync lock is held by another run")
	// ErrLockLost is returned by RefreshLock when owner no longer holds the lock.
	ErrLockLost = errors.New("sync lock is no longer held")
)

// AcquireLock takes the named lock for owner. A lock older than staleAfter is
// considered abandoned and taken over.
func (db *DB) AcquireLock(ctx context.Context, name, owner string, staleAfter time.Duration, now time.Time) error {
	cutoff := formatTime(now.Add(-staleAfter))
	var got string
	err := db.queryRow(ctx, `INSERT INTO sync_lock (name, owner, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at
		WHERE sync_lock.acquired_at < ?
		RETURNING owner`,
		name, owner, formatTime(now), cutoff).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		holder, since, herr := db.LockHolder(ctx, name)
		if herr != nil {
			return fmt.Errorf("%w: %s", ErrLocked, name)
		}
		return fmt.Errorf("%w: %s held by %s since %s", ErrLocked, name, holder, since.Format(time.RFC3339))
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return nil
}

// RefreshLock moves the acquisition time of a held lock to now so it does not
// go stale while its run is still working.
func (db *DB) RefreshLock(ctx context.Context, name, owner string, now time.Time) error {
	res, err := db.exec(ctx, `UPDATE sync_lock SET acquired_at = ? WHERE name = ? AND owner = ?`, formatTime(now), name, owner)
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, name)
	}
	return nil
}

// ReleaseLock drops the lock if owner still holds it.
func (db *DB) ReleaseLock(ctx context.Context, name, owner string) error {
	if _, err := db.exec(ctx, `DELETE FROM sync_lock WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// LockHolder returns the current owner of the lock and when it was taken.
func (db *DB) LockHolder(ctx context.Context, name string) (string, time.Time, error) {
	var owner, at string
	err := db.queryRow(ctx, `SELECT owner, acquired_at FROM sync_lock WHERE name = ?`, name).Scan(&owner, &at)
	if err != nil {
		return "", time.Time{}, err
	}
	t, err := parseTime(at)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed lock timestamp %q: %w", at, err)
	}
	return owner, t, nil
}
