package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"afterwatch/internal/config"
)

// seedSettings inserts the singleton settings row on first open. Existing
// rows are left alone; config defaults only matter before the operator has
// saved anything.
func (s *Store) seedSettings(ctx context.Context, defaults config.Defaults) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT OR IGNORE INTO settings (id, test_mode, schedule_hour, schedule_minute, delay_days, updated_at)
         VALUES (1, ?, ?, ?, ?, ?)`,
		boolToInt(defaults.TestMode),
		defaults.ScheduleHour,
		defaults.ScheduleMinute,
		defaults.DelayDays,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// Settings returns the persisted run settings.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	var (
		testMode   int
		hour       int
		minute     int
		delayDays  int
		updatedRaw sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `SELECT test_mode, schedule_hour, schedule_minute, delay_days, updated_at FROM settings WHERE id = 1`)
	if err := row.Scan(&testMode, &hour, &minute, &delayDays, &updatedRaw); err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	settings := Settings{
		TestMode:       testMode != 0,
		ScheduleHour:   hour,
		ScheduleMinute: minute,
		DelayDays:      delayDays,
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		settings.UpdatedAt = updated
	}
	return settings, nil
}

// UpdateSettings validates and persists new run settings. Changes apply to
// the next run; an in-flight run keeps its snapshot.
func (s *Store) UpdateSettings(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE settings SET test_mode = ?, schedule_hour = ?, schedule_minute = ?, delay_days = ?, updated_at = ? WHERE id = 1`,
		boolToInt(settings.TestMode),
		settings.ScheduleHour,
		settings.ScheduleMinute,
		settings.DelayDays,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

const libraryColumns = "id, name, enabled, required_viewers, excluded_viewers, updated_at"

func scanLibrary(scanner interface{ Scan(dest ...any) error }) (*LibraryConfig, error) {
	var (
		id         string
		name       sql.NullString
		enabled    int
		required   sql.NullString
		excluded   sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &name, &enabled, &required, &excluded, &updatedRaw); err != nil {
		return nil, err
	}
	lib := &LibraryConfig{
		ID:              id,
		Name:            name.String,
		Enabled:         enabled != 0,
		RequiredViewers: decodeViewers(required.String),
		ExcludedViewers: decodeViewers(excluded.String),
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		lib.UpdatedAt = updated
	}
	return lib, nil
}

// Libraries returns every stored library configuration.
func (s *Store) Libraries(ctx context.Context) ([]*LibraryConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+libraryColumns+` FROM libraries ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	var libraries []*LibraryConfig
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

// EnabledLibraries returns the libraries a run should process.
func (s *Store) EnabledLibraries(ctx context.Context) ([]*LibraryConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+libraryColumns+` FROM libraries WHERE enabled = 1 ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled libraries: %w", err)
	}
	defer rows.Close()

	var libraries []*LibraryConfig
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

// GetLibrary fetches one library configuration, or nil when unknown.
func (s *Store) GetLibrary(ctx context.Context, id string) (*LibraryConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+libraryColumns+` FROM libraries WHERE id = ?`, id)
	lib, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get library: %w", err)
	}
	return lib, nil
}

// SaveLibrary validates and upserts a library configuration.
func (s *Store) SaveLibrary(ctx context.Context, lib *LibraryConfig) error {
	if lib == nil {
		return errors.New("library is nil")
	}
	if err := lib.Validate(); err != nil {
		return err
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO libraries (id, name, enabled, required_viewers, excluded_viewers, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (id) DO UPDATE SET
             name = excluded.name,
             enabled = excluded.enabled,
             required_viewers = excluded.required_viewers,
             excluded_viewers = excluded.excluded_viewers,
             updated_at = excluded.updated_at`,
		lib.ID,
		nullableString(lib.Name),
		boolToInt(lib.Enabled),
		encodeViewers(lib.RequiredViewers),
		encodeViewers(lib.ExcludedViewers),
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	return nil
}
