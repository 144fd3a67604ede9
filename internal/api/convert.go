package api

import (
	"fmt"
	"time"

	"afterwatch/internal/ledger"
	"afterwatch/internal/reconcile"
	"afterwatch/internal/runner"
)

func episodeCode(season, episode int) string {
	return fmt.Sprintf("S%02dE%02d", season, episode)
}

// FromRun converts a run report to its API representation.
func FromRun(run *ledger.Run) Run {
	if run == nil {
		return Run{}
	}
	dto := Run{
		ID:               run.ID,
		Mode:             string(run.Mode),
		Trigger:          run.Trigger,
		Status:           string(run.Status),
		Processed:        run.Processed,
		Failed:           run.Failed,
		Skipped:          run.Skipped,
		Pending:          run.Pending,
		Orphaned:         run.Orphaned,
		SeasonsCompleted: run.SeasonsCompleted,
		BytesReclaimed:   run.BytesReclaimed,
		ErrorMessage:     run.ErrorMessage,
	}
	if !run.StartedAt.IsZero() {
		dto.StartedAt = run.StartedAt.UTC().Format(dateTimeFormat)
	}
	if run.FinishedAt != nil && !run.FinishedAt.IsZero() {
		dto.FinishedAt = run.FinishedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromRuns converts a slice of run reports into API DTOs.
func FromRuns(runs []*ledger.Run) []Run {
	if len(runs) == 0 {
		return nil
	}
	out := make([]Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, FromRun(run))
	}
	return out
}

// FromOutcome converts one run outcome row.
func FromOutcome(row *ledger.RunOutcome) RunOutcome {
	if row == nil {
		return RunOutcome{}
	}
	return RunOutcome{
		Seq:         row.Seq,
		EpisodeID:   row.EpisodeID,
		LibraryID:   row.LibraryID,
		SeriesTitle: row.SeriesTitle,
		Code:        episodeCode(row.Season, row.Episode),
		Season:      row.Season,
		Episode:     row.Episode,
		Outcome:     string(row.Outcome),
		Detail:      row.Detail,
		WatchedBy:   row.WatchedBy,
		Bytes:       row.Bytes,
	}
}

// FromOutcomes converts a run's outcome rows.
func FromOutcomes(rows []*ledger.RunOutcome) []RunOutcome {
	if len(rows) == 0 {
		return nil
	}
	out := make([]RunOutcome, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromOutcome(row))
	}
	return out
}

// FromProgress converts a live run snapshot.
func FromProgress(progress *runner.Progress) *RunProgress {
	if progress == nil {
		return nil
	}
	dto := &RunProgress{
		RunID:     progress.RunID,
		Mode:      string(progress.Mode),
		Trigger:   progress.Trigger,
		Phase:     string(progress.Phase),
		Queued:    progress.Queued,
		Done:      progress.Done,
		Processed: progress.Processed,
		Failed:    progress.Failed,
		Skipped:   progress.Skipped,
		Pending:   progress.Pending,
		Orphaned:  progress.Orphaned,
		Bytes:     progress.Bytes,
		Current:   progress.Current,
	}
	if !progress.StartedAt.IsZero() {
		dto.StartedAt = progress.StartedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromEpisode converts a ledger record to its API representation.
func FromEpisode(ep *ledger.Episode) Episode {
	if ep == nil {
		return Episode{}
	}
	dto := Episode{
		ID:              ep.ID,
		LibraryID:       ep.LibraryID,
		MediaID:         ep.MediaID,
		SeriesTitle:     ep.SeriesTitle,
		Code:            ep.Code(),
		Season:          ep.Season,
		Episode:         ep.Episode,
		Title:           ep.Title,
		State:           string(ep.State),
		FailedStep:      string(ep.FailedStep),
		WatchedBy:       ep.WatchedBy,
		FilePath:        ep.FilePath,
		PlaceholderPath: ep.PlaceholderPath,
		BytesReclaimed:  ep.BytesReclaimed,
		LastError:       ep.LastError,
		SkipReason:      ep.SkipReason,
		AttemptCount:    ep.AttemptCount,
	}
	if ep.EligibleSince != nil && !ep.EligibleSince.IsZero() {
		dto.EligibleSince = ep.EligibleSince.UTC().Format(dateTimeFormat)
	}
	if !ep.UpdatedAt.IsZero() {
		dto.UpdatedAt = ep.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromEpisodes converts a slice of ledger records into API DTOs.
func FromEpisodes(episodes []*ledger.Episode) []Episode {
	if len(episodes) == 0 {
		return nil
	}
	out := make([]Episode, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, FromEpisode(ep))
	}
	return out
}

// FromOrphans converts an orphan scan result.
func FromOrphans(orphans []reconcile.Orphan) []Orphan {
	if len(orphans) == 0 {
		return nil
	}
	out := make([]Orphan, 0, len(orphans))
	for _, orphan := range orphans {
		out = append(out, Orphan{Episode: FromEpisode(orphan.Episode), Reason: orphan.Reason})
	}
	return out
}

// FromSettings converts the persisted settings row.
func FromSettings(settings ledger.Settings) Settings {
	dto := Settings{
		TestMode:       settings.TestMode,
		ScheduleHour:   settings.ScheduleHour,
		ScheduleMinute: settings.ScheduleMinute,
		DelayDays:      settings.DelayDays,
	}
	if !settings.UpdatedAt.IsZero() {
		dto.UpdatedAt = settings.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// ToSettings maps an API settings payload onto the persisted model.
// Validation happens at the store boundary.
func ToSettings(dto Settings) ledger.Settings {
	return ledger.Settings{
		TestMode:       dto.TestMode,
		ScheduleHour:   dto.ScheduleHour,
		ScheduleMinute: dto.ScheduleMinute,
		DelayDays:      dto.DelayDays,
	}
}

// FromLibrary converts one library config.
func FromLibrary(lib *ledger.LibraryConfig) Library {
	if lib == nil {
		return Library{}
	}
	dto := Library{
		ID:              lib.ID,
		Name:            lib.Name,
		Enabled:         lib.Enabled,
		RequiredViewers: lib.RequiredViewers,
		ExcludedViewers: lib.ExcludedViewers,
	}
	if !lib.UpdatedAt.IsZero() {
		dto.UpdatedAt = lib.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromLibraries converts the configured libraries.
func FromLibraries(libs []*ledger.LibraryConfig) []Library {
	if len(libs) == 0 {
		return nil
	}
	out := make([]Library, 0, len(libs))
	for _, lib := range libs {
		out = append(out, FromLibrary(lib))
	}
	return out
}

// ToLibrary maps an API library payload onto the persisted model.
func ToLibrary(dto Library) ledger.LibraryConfig {
	return ledger.LibraryConfig{
		ID:              dto.ID,
		Name:            dto.Name,
		Enabled:         dto.Enabled,
		RequiredViewers: dto.RequiredViewers,
		ExcludedViewers: dto.ExcludedViewers,
	}
}

// FromTotals combines ledger totals and the per-state histogram.
func FromTotals(totals ledger.Totals, states map[ledger.State]int) Stats {
	stats := Stats{
		Episodes:       totals.Episodes,
		Complete:       totals.Complete,
		Pending:        totals.Pending,
		Failed:         totals.Failed,
		Skipped:        totals.Skipped,
		BytesReclaimed: totals.BytesReclaimed,
	}
	if len(states) > 0 {
		stats.States = make(map[string]int, len(states))
		for state, count := range states {
			stats.States[string(state)] = count
		}
	}
	return stats
}

// ParseTime decodes a timestamp produced by this package. The zero time is
// returned for empty or malformed values.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(dateTimeFormat, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
