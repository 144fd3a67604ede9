package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"afterwatch/internal/ledger"
	"afterwatch/internal/testsupport"
)

func TestRunLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run, err := store.CreateRun(ctx, "run-1", ledger.RunModeLive, "manual")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.Status != ledger.RunStatusRunning {
		t.Fatalf("expected running status, got %s", run.Status)
	}
	if run.StartedAt.IsZero() || run.FinishedAt != nil {
		t.Fatalf("unexpected run timestamps: %#v", run)
	}

	for i, detail := range []string{"unmonitored and deleted", "already unmonitored", "rename failed"} {
		outcome := ledger.OutcomeProcessed
		if i == 2 {
			outcome = ledger.OutcomeFailed
		}
		err := store.AppendOutcome(ctx, &ledger.RunOutcome{
			RunID:       run.ID,
			EpisodeID:   int64(i + 1),
			LibraryID:   "lib-1",
			SeriesTitle: "Example Show",
			Season:      1,
			Episode:     i + 1,
			Outcome:     outcome,
			Detail:      detail,
			WatchedBy:   []string{"Alice", "Bob"},
			Bytes:       int64(1000 * (i + 1)),
		})
		if err != nil {
			t.Fatalf("AppendOutcome %d failed: %v", i, err)
		}
	}

	outcomes, err := store.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("Outcomes failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, out := range outcomes {
		if out.Seq != i+1 {
			t.Fatalf("expected seq %d, got %d", i+1, out.Seq)
		}
	}
	if outcomes[2].Outcome != ledger.OutcomeFailed || outcomes[2].Detail != "rename failed" {
		t.Fatalf("unexpected final outcome: %#v", outcomes[2])
	}
	if len(outcomes[0].WatchedBy) != 2 || outcomes[0].WatchedBy[1] != "Bob" {
		t.Fatalf("unexpected watched_by round trip: %v", outcomes[0].WatchedBy)
	}

	run.Status = ledger.RunStatusCompleted
	run.Processed = 2
	run.Failed = 1
	run.BytesReclaimed = 3000
	if err := store.FinalizeRun(ctx, run); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	final, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if final.Status != ledger.RunStatusCompleted || final.Processed != 2 || final.Failed != 1 {
		t.Fatalf("unexpected finalized run: %#v", final)
	}
	if final.FinishedAt == nil {
		t.Fatal("expected finished_at recorded")
	}
	if final.BytesReclaimed != 3000 {
		t.Fatalf("expected 3000 bytes, got %d", final.BytesReclaimed)
	}
}

func TestRunReportImmutableAfterFinalize(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run, err := store.CreateRun(ctx, "run-1", ledger.RunModeTest, "scheduled")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	run.Status = ledger.RunStatusCompleted
	if err := store.FinalizeRun(ctx, run); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	err = store.AppendOutcome(ctx, &ledger.RunOutcome{RunID: run.ID, Outcome: ledger.OutcomeProcessed})
	if !errors.Is(err, ledger.ErrRunFinalized) {
		t.Fatalf("expected ErrRunFinalized on append, got %v", err)
	}

	run.Status = ledger.RunStatusFailed
	err = store.FinalizeRun(ctx, run)
	if !errors.Is(err, ledger.ErrRunFinalized) {
		t.Fatalf("expected ErrRunFinalized on second finalize, got %v", err)
	}

	stored, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != ledger.RunStatusCompleted {
		t.Fatalf("expected completed status preserved, got %s", stored.Status)
	}
}

func TestGetRunMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	run, err := store.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run != nil {
		t.Fatalf("expected nil for unknown run, got %#v", run)
	}
}

func TestListRunsOrderAndLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if _, err := store.CreateRun(ctx, id, ledger.RunModeLive, "manual"); err != nil {
			t.Fatalf("CreateRun %s failed: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[2].ID != "run-a" {
		t.Fatalf("expected newest first, got %s,%s,%s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	limited, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns limited failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "run-c" {
		t.Fatalf("unexpected limited list: %#v", limited)
	}

	last, err := store.LastRun(ctx)
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if last == nil || last.ID != "run-c" {
		t.Fatalf("expected run-c as last run, got %#v", last)
	}
}

func TestRunsByStatusFindsInterruptedRuns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first, err := store.CreateRun(ctx, "run-a", ledger.RunModeLive, "manual")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := store.CreateRun(ctx, "run-b", ledger.RunModeLive, "scheduled"); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	first.Status = ledger.RunStatusCompleted
	if err := store.FinalizeRun(ctx, first); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	running, err := store.RunsByStatus(ctx, ledger.RunStatusRunning)
	if err != nil {
		t.Fatalf("RunsByStatus failed: %v", err)
	}
	if len(running) != 1 || running[0].ID != "run-b" {
		t.Fatalf("expected only run-b still running, got %#v", running)
	}
}

func TestRunLeaseSingleFlight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	timeout := 30 * time.Second

	if err := store.AcquireLease(ctx, "run-1", timeout); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if err := store.AcquireLease(ctx, "run-2", timeout); !errors.Is(err, ledger.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	lease, err := store.CurrentLease(ctx)
	if err != nil {
		t.Fatalf("CurrentLease failed: %v", err)
	}
	if lease == nil || lease.RunID != "run-1" {
		t.Fatalf("expected run-1 holding lease, got %#v", lease)
	}

	if err := store.RenewLease(ctx, "run-1"); err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
	if err := store.ReleaseLease(ctx, "run-1"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}

	freed, err := store.CurrentLease(ctx)
	if err != nil {
		t.Fatalf("CurrentLease after release failed: %v", err)
	}
	if freed != nil {
		t.Fatalf("expected lease free, got %#v", freed)
	}

	if err := store.RenewLease(ctx, "run-1"); !errors.Is(err, ledger.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after release, got %v", err)
	}
}

func TestAcquireLeaseTakesOverStaleHolder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	timeout := 30 * time.Second
	if err := store.AcquireLease(ctx, "run-crashed", timeout); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	testsupport.ExpireLease(t, cfg)

	if err := store.AcquireLease(ctx, "run-next", timeout); err != nil {
		t.Fatalf("expected stale lease takeover, got %v", err)
	}

	lease, err := store.CurrentLease(ctx)
	if err != nil {
		t.Fatalf("CurrentLease failed: %v", err)
	}
	if lease == nil || lease.RunID != "run-next" {
		t.Fatalf("expected run-next holding lease, got %#v", lease)
	}
}

func TestReclaimStaleLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	timeout := 30 * time.Second
	if err := store.AcquireLease(ctx, "run-crashed", timeout); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	// Fresh heartbeat: nothing to reclaim.
	holder, err := store.ReclaimStaleLease(ctx, timeout)
	if err != nil {
		t.Fatalf("ReclaimStaleLease fresh failed: %v", err)
	}
	if holder != "" {
		t.Fatalf("expected no reclaim while heartbeat fresh, got %q", holder)
	}

	testsupport.ExpireLease(t, cfg)

	holder, err = store.ReclaimStaleLease(ctx, timeout)
	if err != nil {
		t.Fatalf("ReclaimStaleLease stale failed: %v", err)
	}
	if holder != "run-crashed" {
		t.Fatalf("expected reclaimed holder run-crashed, got %q", holder)
	}

	lease, err := store.CurrentLease(ctx)
	if err != nil {
		t.Fatalf("CurrentLease failed: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected lease free after reclaim, got %#v", lease)
	}
}
