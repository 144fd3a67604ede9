package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLease claims the single-flight run lease. The claim succeeds when
// the lease is free or its holder's heartbeat is older than the timeout, so
// a crashed run can never deadlock the system permanently.
func (s *Store) AcquireLease(ctx context.Context, runID string, timeout time.Duration) error {
	now := time.Now().UTC()
	cutoff := now.Add(-timeout).Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE run_lease SET run_id = ?, acquired_at = ?, heartbeat_at = ?
         WHERE id = 1 AND (run_id IS NULL OR heartbeat_at IS NULL OR heartbeat_at < ?)`,
		runID,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// RenewLease refreshes the liveness timestamp for the holding run.
func (s *Store) RenewLease(ctx context.Context, runID string) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE run_lease SET heartbeat_at = ? WHERE id = 1 AND run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		runID,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease frees the lease if the given run still holds it.
func (s *Store) ReleaseLease(ctx context.Context, runID string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE run_lease SET run_id = NULL, acquired_at = NULL, heartbeat_at = NULL
         WHERE id = 1 AND run_id = ?`,
		runID,
	); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// CurrentLease returns the lease holder, or nil when the lease is free.
func (s *Store) CurrentLease(ctx context.Context) (*Lease, error) {
	var (
		runID       sql.NullString
		acquiredRaw sql.NullString
		heartbeat   sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `SELECT run_id, acquired_at, heartbeat_at FROM run_lease WHERE id = 1`)
	if err := row.Scan(&runID, &acquiredRaw, &heartbeat); err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if !runID.Valid || runID.String == "" {
		return nil, nil
	}
	lease := &Lease{RunID: runID.String}
	if acquired, err := parseTimeString(acquiredRaw.String); err == nil {
		lease.AcquiredAt = acquired
	}
	if beat, err := parseTimeString(heartbeat.String); err == nil {
		lease.HeartbeatAt = beat
	}
	return lease, nil
}

// ReclaimStaleLease frees a lease whose heartbeat expired and returns the
// identifier of the run that held it. Used during daemon startup recovery.
func (s *Store) ReclaimStaleLease(ctx context.Context, timeout time.Duration) (string, error) {
	lease, err := s.CurrentLease(ctx)
	if err != nil {
		return "", err
	}
	if lease == nil || !lease.Stale(time.Now().UTC(), timeout) {
		return "", nil
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE run_lease SET run_id = NULL, acquired_at = NULL, heartbeat_at = NULL
         WHERE id = 1 AND run_id = ?`,
		lease.RunID,
	)
	if err != nil {
		return "", fmt.Errorf("reclaim lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return "", nil
	}
	return lease.RunID, nil
}
