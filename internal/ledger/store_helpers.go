package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const episodeColumns = "id, library_id, media_id, series_id, episode_ref, series_title, season, episode, title, state, failed_step, watched_by, eligible_since, file_path, placeholder_path, bytes_reclaimed, last_error, skip_reason, attempt_count, run_id, actionable_at, unmonitored_at, deleted_at, placeholder_at, renamed_at, completed_at, created_at, updated_at"

func scanEpisode(scanner interface{ Scan(dest ...any) error }) (*Episode, error) {
	var (
		id             int64
		libraryID      string
		mediaID        string
		seriesID       sql.NullInt64
		episodeRef     sql.NullInt64
		seriesTitle    sql.NullString
		season         sql.NullInt64
		episodeNum     sql.NullInt64
		title          sql.NullString
		stateStr       string
		failedStep     sql.NullString
		watchedBy      sql.NullString
		eligibleRaw    sql.NullString
		filePath       sql.NullString
		placeholder    sql.NullString
		bytesReclaimed sql.NullInt64
		lastError      sql.NullString
		skipReason     sql.NullString
		attemptCount   sql.NullInt64
		runID          sql.NullString
		actionableRaw  sql.NullString
		unmonitoredRaw sql.NullString
		deletedRaw     sql.NullString
		placeholderRaw sql.NullString
		renamedRaw     sql.NullString
		completedRaw   sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&libraryID,
		&mediaID,
		&seriesID,
		&episodeRef,
		&seriesTitle,
		&season,
		&episodeNum,
		&title,
		&stateStr,
		&failedStep,
		&watchedBy,
		&eligibleRaw,
		&filePath,
		&placeholder,
		&bytesReclaimed,
		&lastError,
		&skipReason,
		&attemptCount,
		&runID,
		&actionableRaw,
		&unmonitoredRaw,
		&deletedRaw,
		&placeholderRaw,
		&renamedRaw,
		&completedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	ep := &Episode{
		ID:              id,
		LibraryID:       libraryID,
		MediaID:         mediaID,
		SeriesID:        seriesID.Int64,
		EpisodeRef:      episodeRef.Int64,
		SeriesTitle:     seriesTitle.String,
		Season:          int(season.Int64),
		Episode:         int(episodeNum.Int64),
		Title:           title.String,
		State:           State(stateStr),
		FailedStep:      Step(failedStep.String),
		WatchedBy:       decodeViewers(watchedBy.String),
		FilePath:        filePath.String,
		PlaceholderPath: placeholder.String,
		BytesReclaimed:  bytesReclaimed.Int64,
		LastError:       lastError.String,
		SkipReason:      skipReason.String,
		AttemptCount:    int(attemptCount.Int64),
		RunID:           runID.String,
	}

	ep.EligibleSince = parseNullableTime(eligibleRaw)
	ep.ActionableAt = parseNullableTime(actionableRaw)
	ep.UnmonitoredAt = parseNullableTime(unmonitoredRaw)
	ep.DeletedAt = parseNullableTime(deletedRaw)
	ep.PlaceholderAt = parseNullableTime(placeholderRaw)
	ep.RenamedAt = parseNullableTime(renamedRaw)
	ep.CompletedAt = parseNullableTime(completedRaw)

	if created, err := parseTimeString(createdRaw.String); err == nil {
		ep.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		ep.UpdatedAt = updated
	}
	return ep, nil
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	v := value.UTC().Format(time.RFC3339Nano)
	return v
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

// encodeViewers serializes a viewer id list as JSON for TEXT storage. Empty
// lists are stored as NULL so absence and emptiness look the same.
func encodeViewers(viewers []string) any {
	if len(viewers) == 0 {
		return nil
	}
	data, err := json.Marshal(viewers)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeViewers(raw string) []string {
	if raw == "" {
		return nil
	}
	var viewers []string
	if err := json.Unmarshal([]byte(raw), &viewers); err != nil {
		return nil
	}
	return viewers
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
