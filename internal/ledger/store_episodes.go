package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertDiscovered inserts a newly observed episode or refreshes the library
// metadata of an existing record. Lifecycle state is never touched here; a
// record that already progressed keeps its position in the pipeline.
func (s *Store) UpsertDiscovered(ctx context.Context, ep *Episode) (*Episode, error) {
	if ep == nil {
		return nil, errors.New("episode is nil")
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO episodes (
            library_id, media_id, series_id, episode_ref, series_title, season, episode, title,
            state, watched_by, file_path, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (library_id, media_id) DO UPDATE SET
            series_title = excluded.series_title,
            season = excluded.season,
            episode = excluded.episode,
            title = excluded.title,
            file_path = excluded.file_path,
            updated_at = excluded.updated_at`,
		ep.LibraryID,
		ep.MediaID,
		ep.SeriesID,
		ep.EpisodeRef,
		nullableString(ep.SeriesTitle),
		ep.Season,
		ep.Episode,
		nullableString(ep.Title),
		StateDiscovered,
		encodeViewers(ep.WatchedBy),
		nullableString(ep.FilePath),
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("upsert episode: %w", err)
	}

	return s.ByKey(ctx, ep.LibraryID, ep.MediaID)
}

// GetByID fetches an episode by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// ByKey fetches an episode by its (library, media) identity.
func (s *Store) ByKey(ctx context.Context, libraryID, mediaID string) (*Episode, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE library_id = ? AND media_id = ?`,
		libraryID,
		mediaID,
	)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode by key: %w", err)
	}
	return ep, nil
}

// EpisodesByLibrary returns every record tracked for one library, keyed by
// the media server's item id. Evaluation reads this to continue delay clocks
// and to keep terminal records out of the pipeline.
func (s *Store) EpisodesByLibrary(ctx context.Context, libraryID string) (map[string]*Episode, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE library_id = ?`,
		libraryID,
	)
	if err != nil {
		return nil, fmt.Errorf("query by library: %w", err)
	}
	defer rows.Close()

	episodes := make(map[string]*Episode)
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes[ep.MediaID] = ep
	}
	return episodes, rows.Err()
}

// Update persists changes to an existing episode. The write is rejected when
// the proposed state is not reachable from the stored one, and fails with
// ErrStateConflict when the stored state changed since the caller read it.
func (s *Store) Update(ctx context.Context, ep *Episode) error {
	if ep == nil {
		return errors.New("episode is nil")
	}

	var currentStr string
	row := s.db.QueryRowContext(ctx, `SELECT state FROM episodes WHERE id = ?`, ep.ID)
	if err := row.Scan(&currentStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("episode %d: %w", ep.ID, ErrNotFound)
		}
		return fmt.Errorf("read current state: %w", err)
	}
	current := State(currentStr)
	if !CanTransition(current, ep.State) {
		return fmt.Errorf("episode %d: %w: %s -> %s", ep.ID, ErrInvalidTransition, current, ep.State)
	}

	ep.UpdatedAt = time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE episodes
         SET series_id = ?, episode_ref = ?, series_title = ?, season = ?, episode = ?, title = ?,
             state = ?, failed_step = ?, watched_by = ?, eligible_since = ?,
             file_path = ?, placeholder_path = ?, bytes_reclaimed = ?,
             last_error = ?, skip_reason = ?, attempt_count = ?, run_id = ?,
             actionable_at = ?, unmonitored_at = ?, deleted_at = ?, placeholder_at = ?,
             renamed_at = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND state = ?`,
		ep.SeriesID,
		ep.EpisodeRef,
		nullableString(ep.SeriesTitle),
		ep.Season,
		ep.Episode,
		nullableString(ep.Title),
		ep.State,
		nullableString(string(ep.FailedStep)),
		encodeViewers(ep.WatchedBy),
		nullableTime(ep.EligibleSince),
		nullableString(ep.FilePath),
		nullableString(ep.PlaceholderPath),
		ep.BytesReclaimed,
		nullableString(ep.LastError),
		nullableString(ep.SkipReason),
		ep.AttemptCount,
		nullableString(ep.RunID),
		nullableTime(ep.ActionableAt),
		nullableTime(ep.UnmonitoredAt),
		nullableTime(ep.DeletedAt),
		nullableTime(ep.PlaceholderAt),
		nullableTime(ep.RenamedAt),
		nullableTime(ep.CompletedAt),
		ep.UpdatedAt.Format(time.RFC3339Nano),
		ep.ID,
		current,
	)
	if err != nil {
		return fmt.Errorf("update episode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("episode %d: %w", ep.ID, ErrStateConflict)
	}
	return nil
}

// SetWatchState refreshes watch facts without touching lifecycle state, so
// delay tracking survives between runs regardless of pipeline position.
func (s *Store) SetWatchState(ctx context.Context, id int64, watchedBy []string, eligibleSince *time.Time) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE episodes SET watched_by = ?, eligible_since = ?, updated_at = ? WHERE id = ?`,
		encodeViewers(watchedBy),
		nullableTime(eligibleSince),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	); err != nil {
		return fmt.Errorf("set watch state: %w", err)
	}
	return nil
}

// EpisodesByState returns episodes matching any of the given states ordered
// by creation time.
func (s *Store) EpisodesByState(ctx context.Context, states ...State) ([]*Episode, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(states))
	args := make([]any, len(states))
	for i, state := range states {
		args[i] = state
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE state IN (`+placeholders+`) ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query by state: %w", err)
	}
	defer rows.Close()

	var episodes []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// ListRetryable returns the episodes a run should process for a library:
// actionable work plus records parked mid-pipeline by failures or crashes.
// An empty library id matches every library.
func (s *Store) ListRetryable(ctx context.Context, libraryID string) ([]*Episode, error) {
	states := RetryableStates()
	placeholders := makePlaceholders(len(states))
	args := make([]any, 0, len(states)+1)
	for _, state := range states {
		args = append(args, state)
	}

	query := `SELECT ` + episodeColumns + ` FROM episodes WHERE state IN (` + placeholders + `)`
	if libraryID != "" {
		query += ` AND library_id = ?`
		args = append(args, libraryID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	defer rows.Close()

	var episodes []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// ListPending returns episodes waiting out the grace delay.
func (s *Store) ListPending(ctx context.Context) ([]*Episode, error) {
	return s.EpisodesByState(ctx, StatePendingDelay)
}

// ClaimForRun marks an episode as owned by a run while it is being
// transitioned. The claim fails when another run already holds the record.
func (s *Store) ClaimForRun(ctx context.Context, id int64, runID string) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE episodes SET run_id = ?, updated_at = ?
         WHERE id = ? AND (run_id IS NULL OR run_id = ?)`,
		runID,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		runID,
	)
	if err != nil {
		return fmt.Errorf("claim episode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("episode %d: %w", id, ErrStateConflict)
	}
	return nil
}

// ReleaseRunClaims clears every record claim held by a run.
func (s *Store) ReleaseRunClaims(ctx context.Context, runID string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE episodes SET run_id = NULL, updated_at = ? WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		runID,
	); err != nil {
		return fmt.Errorf("release run claims: %w", err)
	}
	return nil
}

// CompletedCountInSeason counts ledger-complete episodes of one season.
func (s *Store) CompletedCountInSeason(ctx context.Context, seriesID int64, season int) (int, error) {
	var count int
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM episodes WHERE series_id = ? AND season = ? AND state = ?`,
		seriesID,
		season,
		StateComplete,
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count completed in season: %w", err)
	}
	return count, nil
}

// Stats returns a count of episodes grouped by state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM episodes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("episode stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// Totals aggregates lifetime reclamation numbers for status output.
type Totals struct {
	Episodes       int
	Complete       int
	Pending        int
	Failed         int
	Skipped        int
	BytesReclaimed int64
}

// Totals summarizes the ledger for the stats endpoint and CLI status view.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return Totals{}, err
	}
	totals := Totals{}
	for state, count := range stats {
		totals.Episodes += count
		switch state {
		case StateComplete:
			totals.Complete += count
		case StatePendingDelay:
			totals.Pending += count
		case StateFailed:
			totals.Failed += count
		case StateSkipped:
			totals.Skipped += count
		}
	}
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(bytes_reclaimed), 0) FROM episodes WHERE state = ?`, StateComplete)
	if err := row.Scan(&totals.BytesReclaimed); err != nil {
		return Totals{}, fmt.Errorf("sum reclaimed bytes: %w", err)
	}
	return totals, nil
}
