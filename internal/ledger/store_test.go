package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"afterwatch/internal/ledger"
	"afterwatch/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	ep, err := store.UpsertDiscovered(ctx, &ledger.Episode{
		LibraryID:   "lib-1",
		MediaID:     "media-1",
		SeriesTitle: "Example Show",
		Season:      1,
		Episode:     2,
		Title:       "Pilot Part Two",
		FilePath:    "/media/tv/Example Show/Season 01/Example Show - S01E02.mkv",
	})
	if err != nil {
		t.Fatalf("UpsertDiscovered failed: %v", err)
	}
	if ep.ID == 0 {
		t.Fatal("expected episode ID to be assigned")
	}
	if ep.State != ledger.StateDiscovered {
		t.Fatalf("expected discovered state, got %s", ep.State)
	}

	fetched, err := store.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched == nil || fetched.SeriesTitle != "Example Show" {
		t.Fatalf("unexpected fetched episode: %#v", fetched)
	}

	byKey, err := store.ByKey(ctx, "lib-1", "media-1")
	if err != nil {
		t.Fatalf("ByKey failed: %v", err)
	}
	if byKey == nil || byKey.ID != ep.ID {
		t.Fatalf("expected to find inserted episode, got %#v", byKey)
	}

	missing, err := store.GetByID(ctx, 9999)
	if err != nil {
		t.Fatalf("GetByID missing failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown id, got %#v", missing)
	}
}

func TestUpsertDiscoveredKeepsLifecycleState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	ep := testsupport.SeedEpisode(t, store, &ledger.Episode{
		LibraryID:   "lib-1",
		MediaID:     "media-1",
		SeriesTitle: "Example Show",
		Season:      2,
		Episode:     4,
		FilePath:    "/media/tv/old.mkv",
	})
	testsupport.AdvanceEpisode(t, store, ep, ledger.StateUnmonitored)

	refreshed, err := store.UpsertDiscovered(ctx, &ledger.Episode{
		LibraryID:   "lib-1",
		MediaID:     "media-1",
		SeriesTitle: "Example Show (2020)",
		Season:      2,
		Episode:     4,
		FilePath:    "/media/tv/new.mkv",
	})
	if err != nil {
		t.Fatalf("UpsertDiscovered refresh failed: %v", err)
	}
	if refreshed.ID != ep.ID {
		t.Fatalf("expected same row, got id %d want %d", refreshed.ID, ep.ID)
	}
	if refreshed.State != ledger.StateUnmonitored {
		t.Fatalf("expected pipeline position preserved, got %s", refreshed.State)
	}
	if refreshed.SeriesTitle != "Example Show (2020)" || refreshed.FilePath != "/media/tv/new.mkv" {
		t.Fatalf("expected metadata refreshed, got %#v", refreshed)
	}
}

func TestUpdateWalksForwardThroughMilestones(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	ep := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "media-1"})

	ep.State = ledger.StatePendingDelay
	if err := store.Update(ctx, ep); err != nil {
		t.Fatalf("to pending_delay: %v", err)
	}

	now := time.Now().UTC()
	for _, state := range []ledger.State{
		ledger.StateActionable,
		ledger.StateUnmonitored,
		ledger.StateFileDeleted,
		ledger.StatePlaceholderCreated,
		ledger.StateRenameTriggered,
		ledger.StateComplete,
	} {
		ep.MarkMilestone(state, now)
		if err := store.Update(ctx, ep); err != nil {
			t.Fatalf("to %s: %v", state, err)
		}
	}

	final, err := store.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.State != ledger.StateComplete {
		t.Fatalf("expected complete, got %s", final.State)
	}
	for name, ts := range map[string]*time.Time{
		"actionable_at":  final.ActionableAt,
		"unmonitored_at": final.UnmonitoredAt,
		"deleted_at":     final.DeletedAt,
		"placeholder_at": final.PlaceholderAt,
		"renamed_at":     final.RenamedAt,
		"completed_at":   final.CompletedAt,
	} {
		if ts == nil {
			t.Fatalf("expected %s recorded", name)
		}
	}
}

func TestUpdateRejectsBackwardTransitions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	seedInState := func(mediaID string, state ledger.State) *ledger.Episode {
		t.Helper()
		ep := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: mediaID})
		switch state {
		case ledger.StateDiscovered:
		case ledger.StatePendingDelay:
			ep.State = ledger.StatePendingDelay
			if err := store.Update(ctx, ep); err != nil {
				t.Fatalf("seed pending_delay: %v", err)
			}
		case ledger.StateFailed:
			ep.SetFailed(ledger.StepUnmonitor, "boom")
			if err := store.Update(ctx, ep); err != nil {
				t.Fatalf("seed failed: %v", err)
			}
		case ledger.StateSkipped:
			ep.SetSkipped("manual")
			if err := store.Update(ctx, ep); err != nil {
				t.Fatalf("seed skipped: %v", err)
			}
		default:
			testsupport.AdvanceEpisode(t, store, ep, state)
		}
		return ep
	}

	cases := []struct {
		name string
		from ledger.State
		to   ledger.State
	}{
		{"backward from unmonitored", ledger.StateUnmonitored, ledger.StateActionable},
		{"backward from file_deleted", ledger.StateFileDeleted, ledger.StateUnmonitored},
		{"backward from rename_triggered", ledger.StateRenameTriggered, ledger.StatePendingDelay},
		{"step skipped from actionable", ledger.StateActionable, ledger.StateFileDeleted},
		{"step skipped from pending_delay", ledger.StatePendingDelay, ledger.StateUnmonitored},
		{"terminal complete", ledger.StateComplete, ledger.StateUnmonitored},
		{"terminal skipped", ledger.StateSkipped, ledger.StateActionable},
		{"failed cannot reschedule", ledger.StateFailed, ledger.StateActionable},
	}
	for i, tc := range cases {
		ep := seedInState(tcMediaID(i), tc.from)
		ep.State = tc.to
		err := store.Update(ctx, ep)
		if !errors.Is(err, ledger.ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", tc.name, err)
		}
		stored, getErr := store.GetByID(ctx, ep.ID)
		if getErr != nil {
			t.Fatalf("%s: GetByID: %v", tc.name, getErr)
		}
		if stored.State != tc.from {
			t.Fatalf("%s: expected state untouched at %s, got %s", tc.name, tc.from, stored.State)
		}
	}
}

func tcMediaID(i int) string {
	return "media-" + string(rune('a'+i))
}

func TestUpdateAllowsFailedRetryReentry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	ep := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "media-1"})
	testsupport.AdvanceEpisode(t, store, ep, ledger.StateUnmonitored)

	ep.SetFailed(ledger.StepDelete, "permission denied")
	ep.AttemptCount++
	if err := store.Update(ctx, ep); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Same-state write refreshes error bookkeeping without a transition.
	ep.AttemptCount++
	if err := store.Update(ctx, ep); err != nil {
		t.Fatalf("refresh failed record: %v", err)
	}

	ep.MarkMilestone(ledger.StateFileDeleted, time.Now().UTC())
	if err := store.Update(ctx, ep); err != nil {
		t.Fatalf("retry past failed step: %v", err)
	}

	stored, err := store.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.State != ledger.StateFileDeleted {
		t.Fatalf("expected file_deleted after retry, got %s", stored.State)
	}
	if stored.FailedStep != "" || stored.LastError != "" {
		t.Fatalf("expected failure bookkeeping cleared, got step=%q err=%q", stored.FailedStep, stored.LastError)
	}
	if stored.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", stored.AttemptCount)
	}
	if stored.DeletedAt == nil {
		t.Fatal("expected deleted_at recorded")
	}
}

func TestUpdateUnknownEpisode(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	err := store.Update(context.Background(), &ledger.Episode{ID: 4242, State: ledger.StatePendingDelay})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetWatchStateLeavesLifecycleAlone(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	ep := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "media-1"})

	eligible := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.SetWatchState(ctx, ep.ID, []string{"viewer-a", "viewer-b"}, &eligible); err != nil {
		t.Fatalf("SetWatchState failed: %v", err)
	}

	stored, err := store.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.State != ledger.StateDiscovered {
		t.Fatalf("expected lifecycle untouched, got %s", stored.State)
	}
	if len(stored.WatchedBy) != 2 || stored.WatchedBy[0] != "viewer-a" {
		t.Fatalf("unexpected watched_by: %v", stored.WatchedBy)
	}
	if stored.EligibleSince == nil || !stored.EligibleSince.Equal(eligible) {
		t.Fatalf("expected eligible_since %v, got %v", eligible, stored.EligibleSince)
	}
}

func TestClaimForRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	ep := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "media-1"})

	if err := store.ClaimForRun(ctx, ep.ID, "run-a"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := store.ClaimForRun(ctx, ep.ID, "run-a"); err != nil {
		t.Fatalf("re-claim by holder failed: %v", err)
	}
	if err := store.ClaimForRun(ctx, ep.ID, "run-b"); !errors.Is(err, ledger.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for second run, got %v", err)
	}

	if err := store.ReleaseRunClaims(ctx, "run-a"); err != nil {
		t.Fatalf("ReleaseRunClaims failed: %v", err)
	}
	if err := store.ClaimForRun(ctx, ep.ID, "run-b"); err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
}

func TestListRetryableFiltersStatesAndLibrary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	seed := func(mediaID, libraryID string) *ledger.Episode {
		return testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: libraryID, MediaID: mediaID})
	}

	seed("m-discovered", "lib-1")

	pending := seed("m-pending", "lib-1")
	pending.State = ledger.StatePendingDelay
	if err := store.Update(ctx, pending); err != nil {
		t.Fatalf("Update pending: %v", err)
	}

	actionable := seed("m-actionable", "lib-1")
	testsupport.AdvanceEpisode(t, store, actionable, ledger.StateActionable)

	unmonitored := seed("m-unmonitored", "lib-1")
	testsupport.AdvanceEpisode(t, store, unmonitored, ledger.StateUnmonitored)

	failed := seed("m-failed", "lib-1")
	failed.SetFailed(ledger.StepUnmonitor, "boom")
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	complete := seed("m-complete", "lib-1")
	testsupport.AdvanceEpisode(t, store, complete, ledger.StateComplete)

	other := seed("m-other", "lib-2")
	testsupport.AdvanceEpisode(t, store, other, ledger.StateActionable)

	all, err := store.ListRetryable(ctx, "")
	if err != nil {
		t.Fatalf("ListRetryable all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 retryable episodes, got %d", len(all))
	}
	if all[0].ID != actionable.ID || all[1].ID != unmonitored.ID || all[2].ID != failed.ID || all[3].ID != other.ID {
		t.Fatalf("unexpected retryable order: %d,%d,%d,%d", all[0].ID, all[1].ID, all[2].ID, all[3].ID)
	}

	scoped, err := store.ListRetryable(ctx, "lib-2")
	if err != nil {
		t.Fatalf("ListRetryable scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != other.ID {
		t.Fatalf("expected only lib-2 episode, got %#v", scoped)
	}

	waiting, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ID != pending.ID {
		t.Fatalf("expected pending episode only, got %#v", waiting)
	}
}

func TestCompletedCountInSeason(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for i, mediaID := range []string{"s1e1", "s1e2"} {
		ep := testsupport.SeedEpisode(t, store, &ledger.Episode{
			LibraryID: "lib-1",
			MediaID:   mediaID,
			SeriesID:  42,
			Season:    1,
			Episode:   i + 1,
		})
		testsupport.AdvanceEpisode(t, store, ep, ledger.StateComplete)
	}
	inFlight := testsupport.SeedEpisode(t, store, &ledger.Episode{
		LibraryID: "lib-1",
		MediaID:   "s1e3",
		SeriesID:  42,
		Season:    1,
		Episode:   3,
	})
	testsupport.AdvanceEpisode(t, store, inFlight, ledger.StateUnmonitored)
	otherSeason := testsupport.SeedEpisode(t, store, &ledger.Episode{
		LibraryID: "lib-1",
		MediaID:   "s2e1",
		SeriesID:  42,
		Season:    2,
		Episode:   1,
	})
	testsupport.AdvanceEpisode(t, store, otherSeason, ledger.StateComplete)

	count, err := store.CompletedCountInSeason(ctx, 42, 1)
	if err != nil {
		t.Fatalf("CompletedCountInSeason failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 complete in season 1, got %d", count)
	}
}

func TestStatsAndTotals(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "m-1"})
	first.BytesReclaimed = 1000
	testsupport.AdvanceEpisode(t, store, first, ledger.StateComplete)

	second := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "m-2"})
	second.BytesReclaimed = 500
	testsupport.AdvanceEpisode(t, store, second, ledger.StateComplete)

	failed := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "m-3"})
	failed.SetFailed(ledger.StepDelete, "boom")
	failed.BytesReclaimed = 250
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("Update failed episode: %v", err)
	}

	pending := testsupport.SeedEpisode(t, store, &ledger.Episode{LibraryID: "lib-1", MediaID: "m-4"})
	pending.State = ledger.StatePendingDelay
	if err := store.Update(ctx, pending); err != nil {
		t.Fatalf("Update pending episode: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[ledger.StateComplete] != 2 || stats[ledger.StateFailed] != 1 || stats[ledger.StatePendingDelay] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}

	totals, err := store.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals.Episodes != 4 || totals.Complete != 2 || totals.Failed != 1 || totals.Pending != 1 {
		t.Fatalf("unexpected totals: %#v", totals)
	}
	if totals.BytesReclaimed != 1500 {
		t.Fatalf("expected 1500 bytes reclaimed from complete episodes, got %d", totals.BytesReclaimed)
	}
}
