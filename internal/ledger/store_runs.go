package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = "id, mode, triggered_by, status, started_at, finished_at, processed, failed, skipped, pending, orphaned, seasons_completed, bytes_reclaimed, error_message"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		id          string
		mode        string
		trigger     string
		status      string
		startedRaw  sql.NullString
		finishedRaw sql.NullString
		processed   int
		failed      int
		skipped     int
		pending     int
		orphaned    int
		seasons     int
		bytes       int64
		errMessage  sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&mode,
		&trigger,
		&status,
		&startedRaw,
		&finishedRaw,
		&processed,
		&failed,
		&skipped,
		&pending,
		&orphaned,
		&seasons,
		&bytes,
		&errMessage,
	); err != nil {
		return nil, err
	}

	run := &Run{
		ID:               id,
		Mode:             RunMode(mode),
		Trigger:          trigger,
		Status:           RunStatus(status),
		Processed:        processed,
		Failed:           failed,
		Skipped:          skipped,
		Pending:          pending,
		Orphaned:         orphaned,
		SeasonsCompleted: seasons,
		BytesReclaimed:   bytes,
		ErrorMessage:     errMessage.String,
	}
	if started, err := parseTimeString(startedRaw.String); err == nil {
		run.StartedAt = started
	}
	run.FinishedAt = parseNullableTime(finishedRaw)
	return run, nil
}

// CreateRun inserts a new run row in the running status.
func (s *Store) CreateRun(ctx context.Context, id string, mode RunMode, trigger string) (*Run, error) {
	now := time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO runs (id, mode, triggered_by, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id,
		mode,
		trigger,
		RunStatusRunning,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// GetRun fetches a run report by identifier.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// LastRun returns the most recently started run, or nil when none exist.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last run: %w", err)
	}
	return run, nil
}

// ListRuns returns run reports ordered newest first. A non-positive limit
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunsByStatus returns runs in the given status, oldest first. Daemon
// startup uses it to find runs interrupted by a crash.
func (s *Store) RunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at, id`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("runs by status: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FinalizeRun writes the terminal status and counters in one statement. A
// finished run never changes again.
func (s *Store) FinalizeRun(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	res, err := s.execWithRetry(
		ctx,
		`UPDATE runs
         SET status = ?, finished_at = ?, processed = ?, failed = ?, skipped = ?,
             pending = ?, orphaned = ?, seasons_completed = ?, bytes_reclaimed = ?, error_message = ?
         WHERE id = ? AND status = ?`,
		run.Status,
		now.Format(time.RFC3339Nano),
		run.Processed,
		run.Failed,
		run.Skipped,
		run.Pending,
		run.Orphaned,
		run.SeasonsCompleted,
		run.BytesReclaimed,
		nullableString(run.ErrorMessage),
		run.ID,
		RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetRun(ctx, run.ID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}
		return fmt.Errorf("run %s: %w", run.ID, ErrRunFinalized)
	}
	return nil
}

// AppendOutcome adds the next ordered entry to a running run's report. The
// sequence number is assigned atomically; appends against a finished run are
// rejected so reports stay immutable.
func (s *Store) AppendOutcome(ctx context.Context, out *RunOutcome) error {
	if out == nil {
		return errors.New("outcome is nil")
	}
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO run_outcomes (
            run_id, seq, episode_id, library_id, series_title, season, episode,
            outcome, detail, watched_by, bytes, created_at
        )
        SELECT ?, COALESCE((SELECT MAX(seq) FROM run_outcomes WHERE run_id = ?), 0) + 1,
               ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
        WHERE EXISTS (SELECT 1 FROM runs WHERE id = ? AND status = ?)`,
		out.RunID,
		out.RunID,
		out.EpisodeID,
		nullableString(out.LibraryID),
		nullableString(out.SeriesTitle),
		out.Season,
		out.Episode,
		out.Outcome,
		nullableString(out.Detail),
		encodeViewers(out.WatchedBy),
		out.Bytes,
		time.Now().UTC().Format(time.RFC3339Nano),
		out.RunID,
		RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", out.RunID, ErrRunFinalized)
	}
	return nil
}

// Outcomes returns a run's per-episode entries in append order.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]*RunOutcome, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, seq, episode_id, library_id, series_title, season, episode,
                outcome, detail, watched_by, bytes, created_at
         FROM run_outcomes WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*RunOutcome
	for rows.Next() {
		var (
			out         RunOutcome
			libraryID   sql.NullString
			seriesTitle sql.NullString
			detail      sql.NullString
			watchedBy   sql.NullString
			createdRaw  sql.NullString
			outcomeStr  string
		)
		if err := rows.Scan(
			&out.ID,
			&out.RunID,
			&out.Seq,
			&out.EpisodeID,
			&libraryID,
			&seriesTitle,
			&out.Season,
			&out.Episode,
			&outcomeStr,
			&detail,
			&watchedBy,
			&out.Bytes,
			&createdRaw,
		); err != nil {
			return nil, err
		}
		out.LibraryID = libraryID.String
		out.SeriesTitle = seriesTitle.String
		out.Outcome = Outcome(outcomeStr)
		out.Detail = detail.String
		out.WatchedBy = decodeViewers(watchedBy.String)
		if created, err := parseTimeString(createdRaw.String); err == nil {
			out.CreatedAt = created
		}
		outcomes = append(outcomes, &out)
	}
	return outcomes, rows.Err()
}
