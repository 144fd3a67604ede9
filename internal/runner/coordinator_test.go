package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/reconcile"
	"afterwatch/internal/runner"
	"afterwatch/internal/services"
	"afterwatch/internal/services/emby"
	"afterwatch/internal/services/sonarr"
	"afterwatch/internal/testsupport"
)

type fakeMedia struct {
	users []emby.User
	facts map[string][]emby.WatchFact
	err   error
	gate  chan struct{}
}

func (f *fakeMedia) Users(context.Context) ([]emby.User, error) {
	return f.users, nil
}

func (f *fakeMedia) WatchStates(ctx context.Context, libraryID string, _ []string) ([]emby.WatchFact, error) {
	if f.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.gate:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.facts[libraryID], nil
}

type fakeManager struct {
	seriesID int64
	counts   map[reconcile.SeasonKey]int

	mu                 sync.Mutex
	episodeUnmonitors  int
	seasonsUnmonitored []reconcile.SeasonKey
}

func (f *fakeManager) ResolveEpisode(_ context.Context, _ string, season, episode int) (sonarr.Ref, error) {
	return sonarr.Ref{SeriesID: f.seriesID, EpisodeID: int64(season*100 + episode)}, nil
}

func (f *fakeManager) UnmonitorEpisode(context.Context, int64) (sonarr.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodeUnmonitors++
	return sonarr.OutcomeApplied, nil
}

func (f *fakeManager) TriggerRename(context.Context, int64, string) (sonarr.Outcome, error) {
	return sonarr.OutcomeApplied, nil
}

func (f *fakeManager) UnmonitorSeason(_ context.Context, seriesID int64, season int) (sonarr.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seasonsUnmonitored = append(f.seasonsUnmonitored, reconcile.SeasonKey{SeriesID: seriesID, Season: season})
	return sonarr.OutcomeApplied, nil
}

func (f *fakeManager) SeasonEpisodeCount(_ context.Context, seriesID int64, season int) (int, error) {
	return f.counts[reconcile.SeasonKey{SeriesID: seriesID, Season: season}], nil
}

func (f *fakeManager) unmonitored() []reconcile.SeasonKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reconcile.SeasonKey(nil), f.seasonsUnmonitored...)
}

func (f *fakeManager) episodeUnmonitorCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.episodeUnmonitors
}

func saveLibrary(t *testing.T, store *ledger.Store, id string, viewers ...string) {
	t.Helper()
	lib := &ledger.LibraryConfig{ID: id, Name: "TV " + id, Enabled: true, RequiredViewers: viewers}
	if err := store.SaveLibrary(context.Background(), lib); err != nil {
		t.Fatalf("SaveLibrary: %v", err)
	}
}

func watchedFacts(ep emby.Episode, viewers ...string) []emby.WatchFact {
	facts := make([]emby.WatchFact, 0, len(viewers))
	for _, viewer := range viewers {
		facts = append(facts, emby.WatchFact{Episode: ep, ViewerID: viewer, Watched: true})
	}
	return facts
}

func newCoordinator(t *testing.T, cfg *config.Config, store *ledger.Store, media runner.MediaServer, manager runner.DownloadManager) *runner.Coordinator {
	t.Helper()
	coord := runner.New(cfg, store, media, manager, nil, logging.NewNop())
	t.Cleanup(coord.Stop)
	return coord
}

// waitForRun blocks until the run row is finalized, then joins the run
// goroutine so deferred cleanup (claims, lease) has finished too.
func waitForRun(t *testing.T, coord *runner.Coordinator, store *ledger.Store, runID string) *ledger.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run != nil && run.Finished() {
			coord.Stop()
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish in time", runID)
	return nil
}

func TestRunLifecycleLiveHappyPath(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLiveMode(), testsupport.WithDelayDays(0))
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1", "u2")

	root := testsupport.MediaRoot(cfg)
	pathA := filepath.Join(root, "Example Show", "Season 01", "Example Show - S01E01.mkv")
	pathB := filepath.Join(root, "Example Show", "Season 01", "Example Show - S01E02.mkv")
	testsupport.WriteFile(t, pathA, 2048)
	testsupport.WriteFile(t, pathB, 4096)

	epA := emby.Episode{ID: "ep-101", SeriesName: "Example Show", Season: 1, Episode: 1, Title: "One", Path: pathA, SizeBytes: 2048}
	epB := emby.Episode{ID: "ep-102", SeriesName: "Example Show", Season: 1, Episode: 2, Title: "Two", Path: pathB, SizeBytes: 4096}
	media := &fakeMedia{
		users: []emby.User{{ID: "u1", Name: "Alice"}, {ID: "u2", Name: "Bob"}},
		facts: map[string][]emby.WatchFact{
			"lib-1": append(watchedFacts(epA, "u1", "u2"), watchedFacts(epB, "u1", "u2")...),
		},
	}
	manager := &fakeManager{seriesID: 7, counts: map[reconcile.SeasonKey]int{{SeriesID: 7, Season: 1}: 2}}
	coord := newCoordinator(t, cfg, store, media, manager)

	runID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run := waitForRun(t, coord, store, runID)

	if run.Status != ledger.RunStatusCompleted {
		t.Fatalf("run status = %q (%s), want completed", run.Status, run.ErrorMessage)
	}
	if run.Mode != ledger.RunModeLive {
		t.Errorf("run mode = %q, want live", run.Mode)
	}
	if run.Trigger != runner.TriggerManual {
		t.Errorf("run trigger = %q, want manual", run.Trigger)
	}
	if run.Processed != 2 || run.Failed != 0 || run.Skipped != 0 || run.Pending != 0 {
		t.Errorf("run counts = %d/%d/%d/%d processed/failed/skipped/pending", run.Processed, run.Failed, run.Skipped, run.Pending)
	}
	if run.BytesReclaimed != 6144 {
		t.Errorf("bytes reclaimed = %d, want 6144", run.BytesReclaimed)
	}
	if run.SeasonsCompleted != 1 {
		t.Errorf("seasons completed = %d, want 1", run.SeasonsCompleted)
	}
	if got := manager.unmonitored(); len(got) != 1 || got[0] != (reconcile.SeasonKey{SeriesID: 7, Season: 1}) {
		t.Errorf("unmonitored seasons = %v, want one entry for series 7 season 1", got)
	}

	outcomes, err := store.Outcomes(context.Background(), runID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcome rows = %d, want 2", len(outcomes))
	}
	for i, wantBytes := range []int64{2048, 4096} {
		row := outcomes[i]
		if row.Outcome != ledger.OutcomeProcessed {
			t.Errorf("outcome[%d] = %q, want processed", i, row.Outcome)
		}
		if row.Bytes != wantBytes {
			t.Errorf("outcome[%d] bytes = %d, want %d", i, row.Bytes, wantBytes)
		}
		if len(row.WatchedBy) != 2 || row.WatchedBy[0] != "Alice" || row.WatchedBy[1] != "Bob" {
			t.Errorf("outcome[%d] watched by = %v, want display names", i, row.WatchedBy)
		}
	}

	for _, mediaID := range []string{"ep-101", "ep-102"} {
		row, err := store.ByKey(context.Background(), "lib-1", mediaID)
		if err != nil {
			t.Fatalf("ByKey %s: %v", mediaID, err)
		}
		if row == nil || row.State != ledger.StateComplete {
			t.Fatalf("episode %s state = %v, want complete", mediaID, row)
		}
		if row.RunID != "" {
			t.Errorf("episode %s still claimed by %q", mediaID, row.RunID)
		}
		if row.PlaceholderPath == "" {
			t.Fatalf("episode %s has no placeholder path", mediaID)
		}
		if _, err := os.Stat(row.PlaceholderPath); err != nil {
			t.Errorf("placeholder %s: %v", row.PlaceholderPath, err)
		}
	}
	if _, err := os.Stat(pathA); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("source %s still present (err=%v)", pathA, err)
	}
	if _, err := os.Stat(pathB); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("source %s still present (err=%v)", pathB, err)
	}

	lease, err := store.CurrentLease(context.Background())
	if err != nil {
		t.Fatalf("CurrentLease: %v", err)
	}
	if lease != nil {
		t.Errorf("lease still held by %q after run", lease.RunID)
	}
}

func TestStartRunRejectsSecondRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1")

	gate := make(chan struct{})
	media := &fakeMedia{gate: gate}
	coord := newCoordinator(t, cfg, store, media, &fakeManager{})

	runID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if _, err := coord.StartRun(context.Background(), runner.Options{}); !errors.Is(err, services.ErrConcurrency) {
		t.Fatalf("second StartRun error = %v, want concurrency conflict", err)
	}

	close(gate)
	run := waitForRun(t, coord, store, runID)
	if run.Status != ledger.RunStatusCompleted {
		t.Fatalf("first run status = %q, want completed", run.Status)
	}

	// The loser left nothing behind: one run row, no second report.
	runs, err := store.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run rows = %d, want only the winner", len(runs))
	}
}

func TestTestModeRunWritesNoEpisodeRows(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithDelayDays(0))
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1")

	source := filepath.Join(testsupport.MediaRoot(cfg), "Example Show", "Season 01", "Example Show - S01E03.mkv")
	testsupport.WriteFile(t, source, 2048)
	watched := emby.Episode{ID: "ep-201", SeriesName: "Example Show", Season: 1, Episode: 3, Title: "Three", Path: source, SizeBytes: 2048}
	media := &fakeMedia{facts: map[string][]emby.WatchFact{"lib-1": watchedFacts(watched, "u1")}}
	manager := &fakeManager{seriesID: 7}
	coord := newCoordinator(t, cfg, store, media, manager)

	runID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run := waitForRun(t, coord, store, runID)

	if run.Status != ledger.RunStatusCompleted || run.Mode != ledger.RunModeTest {
		t.Fatalf("run = %s/%s, want completed test run", run.Status, run.Mode)
	}
	if run.Processed != 1 || run.BytesReclaimed != 2048 {
		t.Errorf("run processed=%d bytes=%d, want 1 episode of 2048", run.Processed, run.BytesReclaimed)
	}

	outcomes, err := store.Outcomes(context.Background(), runID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Outcome != ledger.OutcomeSimulated {
		t.Fatalf("outcomes = %v, want one simulated row", outcomes)
	}

	row, err := store.ByKey(context.Background(), "lib-1", "ep-201")
	if err != nil {
		t.Fatalf("ByKey: %v", err)
	}
	if row != nil {
		t.Errorf("test run persisted episode row %+v", row)
	}
	if _, err := os.Stat(source); err != nil {
		t.Errorf("source file touched by test run: %v", err)
	}
	if got := manager.unmonitored(); len(got) != 0 {
		t.Errorf("test run unmonitored seasons %v", got)
	}
}

func TestDelayGateHoldsThenReleases(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLiveMode(), testsupport.WithDelayDays(2))
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1", "u2")

	source := filepath.Join(testsupport.MediaRoot(cfg), "Example Show", "Season 02", "Example Show - S02E01.mkv")
	testsupport.WriteFile(t, source, 2048)
	watched := emby.Episode{ID: "ep-301", SeriesName: "Example Show", Season: 2, Episode: 1, Title: "Opener", Path: source, SizeBytes: 2048}
	media := &fakeMedia{facts: map[string][]emby.WatchFact{"lib-1": watchedFacts(watched, "u1", "u2")}}
	manager := &fakeManager{seriesID: 7}
	coord := newCoordinator(t, cfg, store, media, manager)

	runID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	first := waitForRun(t, coord, store, runID)
	if first.Status != ledger.RunStatusCompleted {
		t.Fatalf("first run status = %q (%s)", first.Status, first.ErrorMessage)
	}
	if first.Pending != 1 || first.Processed != 0 {
		t.Fatalf("first run pending=%d processed=%d, want delay to hold the episode", first.Pending, first.Processed)
	}
	outcomes, err := store.Outcomes(context.Background(), runID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Outcome != ledger.OutcomePending {
		t.Fatalf("outcomes = %v, want one pending row", outcomes)
	}
	if !strings.HasPrefix(outcomes[0].Detail, "delay expires ") {
		t.Errorf("pending detail = %q", outcomes[0].Detail)
	}

	row, err := store.ByKey(context.Background(), "lib-1", "ep-301")
	if err != nil {
		t.Fatalf("ByKey: %v", err)
	}
	if row == nil || row.State != ledger.StatePendingDelay || row.EligibleSince == nil {
		t.Fatalf("episode row = %+v, want persisted pending_delay with delay clock", row)
	}

	// Backdating the clock past the delay makes the next run act.
	backdated := time.Now().UTC().Add(-72 * time.Hour)
	if err := store.SetWatchState(context.Background(), row.ID, row.WatchedBy, &backdated); err != nil {
		t.Fatalf("SetWatchState: %v", err)
	}

	secondID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("second StartRun: %v", err)
	}
	second := waitForRun(t, coord, store, secondID)
	if second.Status != ledger.RunStatusCompleted || second.Processed != 1 || second.Pending != 0 {
		t.Fatalf("second run = %s processed=%d pending=%d, want the episode reclaimed", second.Status, second.Processed, second.Pending)
	}
	if second.BytesReclaimed != 2048 {
		t.Errorf("second run bytes = %d, want 2048", second.BytesReclaimed)
	}
	if calls := manager.episodeUnmonitorCalls(); calls != 1 {
		t.Errorf("episode unmonitor calls = %d, want exactly 1 across both runs", calls)
	}
	row, err = store.ByKey(context.Background(), "lib-1", "ep-301")
	if err != nil {
		t.Fatalf("ByKey after second run: %v", err)
	}
	if row == nil || row.State != ledger.StateComplete {
		t.Fatalf("episode state = %v, want complete", row)
	}
}

func TestCancelRunRecordsCanceledStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLiveMode())
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1")

	media := &fakeMedia{gate: make(chan struct{})}
	coord := newCoordinator(t, cfg, store, media, &fakeManager{})

	runID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := coord.CancelRun(runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	run := waitForRun(t, coord, store, runID)
	if run.Status != ledger.RunStatusCanceled {
		t.Fatalf("run status = %q, want canceled", run.Status)
	}

	lease, err := store.CurrentLease(context.Background())
	if err != nil {
		t.Fatalf("CurrentLease: %v", err)
	}
	if lease != nil {
		t.Errorf("lease still held after cancel")
	}

	if err := coord.CancelRun(runID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("CancelRun on finished run = %v, want not found", err)
	}
}

func TestWatchStateOutageStillProcessesBacklog(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLiveMode(), testsupport.WithDelayDays(0))
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1")

	source := filepath.Join(testsupport.MediaRoot(cfg), "Example Show", "Season 03", "Example Show - S03E05.mkv")
	testsupport.WriteFile(t, source, 2048)
	seeded := testsupport.SeedEpisode(t, store, &ledger.Episode{
		LibraryID:   "lib-1",
		MediaID:     "ep-401",
		SeriesTitle: "Example Show",
		Season:      3,
		Episode:     5,
		Title:       "Deep Cut",
		FilePath:    source,
	})
	testsupport.AdvanceEpisode(t, store, seeded, ledger.StateActionable)

	media := &fakeMedia{err: errors.New("media server unreachable")}
	coord := newCoordinator(t, cfg, store, media, &fakeManager{seriesID: 7})

	runID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run := waitForRun(t, coord, store, runID)

	if run.Status != ledger.RunStatusCompleted {
		t.Fatalf("run status = %q (%s), want completed despite fetch outage", run.Status, run.ErrorMessage)
	}
	if run.Processed != 1 {
		t.Fatalf("run processed = %d, want the backlog episode reclaimed", run.Processed)
	}
	row, err := store.ByKey(context.Background(), "lib-1", "ep-401")
	if err != nil {
		t.Fatalf("ByKey: %v", err)
	}
	if row == nil || row.State != ledger.StateComplete {
		t.Fatalf("episode state = %v, want complete", row)
	}
}

func TestRunStatusExposesProgressWhileActive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1")

	gate := make(chan struct{})
	media := &fakeMedia{gate: gate}
	coord := newCoordinator(t, cfg, store, media, &fakeManager{})

	runID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	progress := coord.Active()
	if progress == nil || progress.RunID != runID {
		t.Fatalf("Active() = %+v, want snapshot for run %s", progress, runID)
	}
	run, live, err := coord.RunStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("RunStatus: %v", err)
	}
	if run.Status != ledger.RunStatusRunning || live == nil {
		t.Fatalf("RunStatus = %s/%v, want running with progress", run.Status, live)
	}

	close(gate)
	waitForRun(t, coord, store, runID)

	if coord.Active() != nil {
		t.Errorf("Active() non-nil after run finished")
	}
	run, live, err = coord.RunStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("RunStatus after finish: %v", err)
	}
	if !run.Finished() || live != nil {
		t.Errorf("RunStatus after finish = %s/%v, want finalized without progress", run.Status, live)
	}

	if _, _, err := coord.RunStatus(context.Background(), "no-such-run"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("RunStatus for unknown run = %v, want not found", err)
	}
}

func TestOrphanSweepFlagsMissingPlaceholder(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLiveMode(), testsupport.WithDelayDays(0))
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1")

	source := filepath.Join(testsupport.MediaRoot(cfg), "Example Show", "Season 04", "Example Show - S04E01.mkv")
	testsupport.WriteFile(t, source, 2048)
	watched := emby.Episode{ID: "ep-501", SeriesName: "Example Show", Season: 4, Episode: 1, Title: "Finale", Path: source, SizeBytes: 2048}
	media := &fakeMedia{facts: map[string][]emby.WatchFact{"lib-1": watchedFacts(watched, "u1")}}
	coord := newCoordinator(t, cfg, store, media, &fakeManager{seriesID: 7})

	firstID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	first := waitForRun(t, coord, store, firstID)
	if first.Processed != 1 {
		t.Fatalf("first run processed = %d (%s)", first.Processed, first.ErrorMessage)
	}

	row, err := store.ByKey(context.Background(), "lib-1", "ep-501")
	if err != nil {
		t.Fatalf("ByKey: %v", err)
	}
	if row == nil || row.PlaceholderPath == "" {
		t.Fatalf("episode row = %+v, want placeholder recorded", row)
	}
	if err := os.Remove(row.PlaceholderPath); err != nil {
		t.Fatalf("remove placeholder: %v", err)
	}

	secondID, err := coord.StartRun(context.Background(), runner.Options{})
	if err != nil {
		t.Fatalf("second StartRun: %v", err)
	}
	second := waitForRun(t, coord, store, secondID)
	if second.Status != ledger.RunStatusCompleted || second.Orphaned != 1 {
		t.Fatalf("second run = %s orphaned=%d, want one orphan", second.Status, second.Orphaned)
	}

	outcomes, err := store.Outcomes(context.Background(), secondID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Outcome != ledger.OutcomeOrphaned {
		t.Fatalf("outcomes = %v, want one orphaned row", outcomes)
	}
	if !strings.Contains(outcomes[0].Detail, "placeholder missing") {
		t.Errorf("orphan detail = %q", outcomes[0].Detail)
	}
}

func TestProcessPendingNowBypassesDelay(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLiveMode(), testsupport.WithDelayDays(5))
	store := testsupport.MustOpenStore(t, cfg)
	saveLibrary(t, store, "lib-1", "u1")

	source := filepath.Join(testsupport.MediaRoot(cfg), "Example Show", "Season 05", "Example Show - S05E09.mkv")
	testsupport.WriteFile(t, source, 4096)
	watched := emby.Episode{ID: "ep-601", SeriesName: "Example Show", Season: 5, Episode: 9, Title: "Rush", Path: source, SizeBytes: 4096}
	media := &fakeMedia{facts: map[string][]emby.WatchFact{"lib-1": watchedFacts(watched, "u1")}}
	coord := newCoordinator(t, cfg, store, media, &fakeManager{seriesID: 7})

	runID, err := coord.ProcessPendingNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingNow: %v", err)
	}
	run := waitForRun(t, coord, store, runID)
	if run.Status != ledger.RunStatusCompleted || run.Processed != 1 || run.Pending != 0 {
		t.Fatalf("run = %s processed=%d pending=%d, want delay bypassed", run.Status, run.Processed, run.Pending)
	}

	pending, err := coord.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending episodes = %d, want none", len(pending))
	}
}
