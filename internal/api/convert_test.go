package api

import (
	"testing"
	"time"

	"afterwatch/internal/ledger"
	"afterwatch/internal/reconcile"
	"afterwatch/internal/runner"
)

func TestFromRunFormatsTimestamps(t *testing.T) {
	started := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	finished := started.Add(95 * time.Second)
	run := &ledger.Run{
		ID:               "run-1",
		Mode:             ledger.RunModeLive,
		Trigger:          "scheduled",
		Status:           ledger.RunStatusCompleted,
		StartedAt:        started,
		FinishedAt:       &finished,
		Processed:        3,
		BytesReclaimed:   4096,
		SeasonsCompleted: 1,
	}

	dto := FromRun(run)
	if dto.ID != "run-1" || dto.Mode != "live" || dto.Status != "completed" {
		t.Fatalf("unexpected run DTO: %+v", dto)
	}
	if dto.StartedAt != "2026-03-01T03:00:00.000Z" {
		t.Errorf("StartedAt = %q", dto.StartedAt)
	}
	if dto.FinishedAt != "2026-03-01T03:01:35.000Z" {
		t.Errorf("FinishedAt = %q", dto.FinishedAt)
	}
	if got := ParseTime(dto.StartedAt); !got.Equal(started) {
		t.Errorf("ParseTime round trip = %v, want %v", got, started)
	}
}

func TestFromRunNilAndUnfinished(t *testing.T) {
	if dto := FromRun(nil); dto != (Run{}) {
		t.Fatalf("FromRun(nil) = %+v, want zero", dto)
	}
	dto := FromRun(&ledger.Run{ID: "run-2", Status: ledger.RunStatusRunning, StartedAt: time.Now()})
	if dto.FinishedAt != "" {
		t.Errorf("unfinished run has FinishedAt %q", dto.FinishedAt)
	}
}

func TestFromEpisodeCarriesCodeAndClock(t *testing.T) {
	since := time.Date(2026, 2, 10, 20, 15, 0, 0, time.UTC)
	ep := &ledger.Episode{
		ID:            42,
		LibraryID:     "lib-1",
		MediaID:       "ep-9",
		SeriesTitle:   "Example Show",
		Season:        2,
		Episode:       7,
		State:         ledger.StatePendingDelay,
		WatchedBy:     []string{"u1", "u2"},
		EligibleSince: &since,
	}

	dto := FromEpisode(ep)
	if dto.Code != "S02E07" {
		t.Errorf("Code = %q", dto.Code)
	}
	if dto.State != "pending_delay" {
		t.Errorf("State = %q", dto.State)
	}
	if dto.EligibleSince != "2026-02-10T20:15:00.000Z" {
		t.Errorf("EligibleSince = %q", dto.EligibleSince)
	}
}

func TestFromOutcomeBuildsCode(t *testing.T) {
	dto := FromOutcome(&ledger.RunOutcome{Seq: 1, Season: 1, Episode: 12, Outcome: ledger.OutcomeProcessed})
	if dto.Code != "S01E12" || dto.Outcome != "processed" {
		t.Fatalf("outcome DTO = %+v", dto)
	}
	if got := FromOutcomes(nil); got != nil {
		t.Errorf("FromOutcomes(nil) = %v, want nil", got)
	}
}

func TestFromProgressNilSafe(t *testing.T) {
	if FromProgress(nil) != nil {
		t.Fatal("FromProgress(nil) should be nil")
	}
	dto := FromProgress(&runner.Progress{RunID: "run-3", Phase: runner.PhaseProcessing, Queued: 4, Done: 1})
	if dto.RunID != "run-3" || dto.Phase != "processing" || dto.Queued != 4 {
		t.Fatalf("progress DTO = %+v", dto)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	settings := ledger.Settings{TestMode: true, ScheduleHour: 3, ScheduleMinute: 30, DelayDays: 7}
	back := ToSettings(FromSettings(settings))
	if back != settings {
		t.Fatalf("round trip = %+v, want %+v", back, settings)
	}
}

func TestLibraryRoundTrip(t *testing.T) {
	lib := ledger.LibraryConfig{
		ID:              "lib-1",
		Name:            "TV Shows",
		Enabled:         true,
		RequiredViewers: []string{"u1", "u2"},
		ExcludedViewers: []string{"kid"},
	}
	back := ToLibrary(FromLibrary(&lib))
	if back.ID != lib.ID || back.Name != lib.Name || !back.Enabled {
		t.Fatalf("round trip = %+v", back)
	}
	if len(back.RequiredViewers) != 2 || len(back.ExcludedViewers) != 1 {
		t.Fatalf("viewer lists lost: %+v", back)
	}
}

func TestFromOrphansAndTotals(t *testing.T) {
	orphans := FromOrphans([]reconcile.Orphan{{
		Episode: &ledger.Episode{ID: 9, Season: 1, Episode: 2, State: ledger.StateComplete},
		Reason:  "placeholder missing from disk",
	}})
	if len(orphans) != 1 || orphans[0].Reason != "placeholder missing from disk" {
		t.Fatalf("orphans = %+v", orphans)
	}
	if orphans[0].Episode.Code != "S01E02" {
		t.Errorf("orphan episode code = %q", orphans[0].Episode.Code)
	}

	stats := FromTotals(
		ledger.Totals{Episodes: 10, Complete: 6, Pending: 2, BytesReclaimed: 1 << 30},
		map[ledger.State]int{ledger.StateComplete: 6, ledger.StatePendingDelay: 2},
	)
	if stats.Episodes != 10 || stats.BytesReclaimed != 1<<30 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.States["complete"] != 6 {
		t.Errorf("states histogram = %v", stats.States)
	}
}
