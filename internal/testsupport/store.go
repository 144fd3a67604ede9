package testsupport

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
)

// MustOpenStore opens a ledger.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedEpisode inserts a discovered episode record and returns the stored row.
func SeedEpisode(t testing.TB, store *ledger.Store, ep *ledger.Episode) *ledger.Episode {
	t.Helper()

	stored, err := store.UpsertDiscovered(context.Background(), ep)
	if err != nil {
		t.Fatalf("store.UpsertDiscovered: %v", err)
	}
	return stored
}

// ExpireLease backdates the run lease heartbeat far past any timeout so
// crash-recovery paths can run without waiting out the real interval. The
// sqlite driver is already registered by the ledger package.
func ExpireLease(t testing.TB, cfg *config.Config) {
	t.Helper()

	db, err := sql.Open("sqlite", cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open ledger db: %v", err)
	}
	defer db.Close()

	stale := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
	if _, err := db.Exec(`UPDATE run_lease SET acquired_at = ?, heartbeat_at = ? WHERE id = 1`, stale, stale); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
}

// AdvanceEpisode walks an episode through milestones until it reaches the
// requested state, persisting each transition the way the pipeline would.
func AdvanceEpisode(t testing.TB, store *ledger.Store, ep *ledger.Episode, target ledger.State) *ledger.Episode {
	t.Helper()

	order := []ledger.State{
		ledger.StateActionable,
		ledger.StateUnmonitored,
		ledger.StateFileDeleted,
		ledger.StatePlaceholderCreated,
		ledger.StateRenameTriggered,
		ledger.StateComplete,
	}
	now := time.Now().UTC()
	for _, state := range order {
		ep.MarkMilestone(state, now)
		if err := store.Update(context.Background(), ep); err != nil {
			t.Fatalf("advance to %s: %v", state, err)
		}
		if state == target {
			return ep
		}
	}
	t.Fatalf("state %s is not a forward milestone", target)
	return nil
}
