package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"afterwatch/internal/eligibility"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/pipeline"
	"afterwatch/internal/reconcile"
	"afterwatch/internal/services"
)

// execute drives one run to completion on the run goroutine. The deferred
// cleanup runs in reverse order: heartbeat stops first, then claims and the
// lease release, then the in-process slot clears.
func (c *Coordinator) execute(ctx context.Context, cancelRun context.CancelFunc, run *ledger.Run, settings ledger.Settings, opts Options) {
	ctx = services.WithRunID(ctx, run.ID)
	log := logging.WithContext(ctx, c.logger)

	defer func() {
		c.mu.Lock()
		if c.runID == run.ID {
			c.runID = ""
			c.cancel = nil
		}
		c.mu.Unlock()
		cancelRun()
		c.tracker.end()
		c.active.Store(false)
	}()
	defer c.release(ctx, log, run)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		c.renewLease(hbCtx, cancelRun, run.ID, log)
	}()
	defer func() {
		stopHeartbeat()
		heartbeat.Wait()
	}()

	log.Info("run started",
		logging.String("mode", string(run.Mode)),
		logging.String("trigger", run.Trigger),
		logging.Bool("bypass_delay", opts.BypassDelay))

	runErr := c.runSequence(ctx, log, run, settings, opts)

	c.tracker.setPhase(PhaseFinalizing)
	switch {
	case runErr == nil:
		run.Status = ledger.RunStatusCompleted
	case errors.Is(runErr, context.Canceled):
		run.Status = ledger.RunStatusCanceled
	default:
		run.Status = ledger.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	}

	// Finalization must survive cancellation or the report is lost.
	finalizeCtx, cancelFinalize := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelFinalize()
	if err := c.store.FinalizeRun(finalizeCtx, run); err != nil {
		logging.ErrorWithContext(log, "run finalize failed", "run_finalize_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check ledger database access"))
	}
	c.notifyFinished(finalizeCtx, log, run, runErr)

	reclaimed := run.BytesReclaimed
	if reclaimed < 0 {
		reclaimed = 0
	}
	duration := time.Duration(0)
	if run.FinishedAt != nil {
		duration = run.FinishedAt.Sub(run.StartedAt)
	}
	log.Info("run finished",
		logging.String("status", string(run.Status)),
		logging.Int("processed", run.Processed),
		logging.Int("failed", run.Failed),
		logging.Int("skipped", run.Skipped),
		logging.Int("pending", run.Pending),
		logging.Int("orphaned", run.Orphaned),
		logging.String("reclaimed", humanize.IBytes(uint64(reclaimed))),
		logging.Duration("duration", duration))
}

// release frees the run claims and the lease on contexts that outlive
// cancellation.
func (c *Coordinator) release(ctx context.Context, log *slog.Logger, run *ledger.Run) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if run.Mode == ledger.RunModeLive {
		if err := c.store.ReleaseRunClaims(releaseCtx, run.ID); err != nil {
			logging.WarnWithContext(log, "run claims release failed", "claims_release_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "claimed episodes stay pinned until the next run"))
		}
	}
	if err := c.store.ReleaseLease(releaseCtx, run.ID); err != nil {
		logging.WarnWithContext(log, "run lease release failed", "lease_release_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "next run waits for the lease to expire"))
	}
}

// renewLease keeps the durable lease alive while the run executes. Losing the
// lease cancels the run: another process has taken over the database.
func (c *Coordinator) renewLease(ctx context.Context, cancelRun context.CancelFunc, runID string, log *slog.Logger) {
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.store.RenewLease(ctx, runID)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, ledger.ErrLeaseLost):
				logging.ErrorWithContext(log, "run lease lost", "lease_lost",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check for a second daemon instance against the same database"))
				cancelRun()
				return
			default:
				logging.WarnWithContext(log, "lease renew failed", "lease_renew_failed",
					logging.Error(err))
			}
		}
	}
}

// runSequence performs the evaluate, process, and reconcile phases. Errors
// returned here fail or cancel the whole run; per-episode failures are
// recorded on the run and do not surface.
func (c *Coordinator) runSequence(ctx context.Context, log *slog.Logger, run *ledger.Run, settings ledger.Settings, opts Options) error {
	simulate := run.Mode == ledger.RunModeTest
	delay := settings.Delay()
	if opts.BypassDelay {
		delay = 0
	}

	c.tracker.setPhase(PhaseEvaluating)
	libraries, err := c.store.EnabledLibraries(ctx)
	if err != nil {
		return err
	}
	for _, lib := range libraries {
		if err := lib.Validate(); err != nil {
			return services.Wrap(services.ErrConfiguration, "runner", "validate library", lib.ID, err)
		}
	}

	names := c.viewerNames(ctx, log)

	var work []*ledger.Episode
	for _, lib := range libraries {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := c.evaluateLibrary(ctx, run, lib, delay, simulate, names)
		if err != nil {
			return err
		}
		work = append(work, items...)
	}
	c.tracker.setQueued(len(work), run.Pending)

	if len(work) > 0 {
		c.notifyStarted(ctx, log, run.Mode, len(work))
	}

	c.tracker.setPhase(PhaseProcessing)
	touched, err := c.processEpisodes(ctx, log, run, work, simulate, names)
	if err != nil {
		return err
	}

	c.tracker.setPhase(PhaseReconciling)
	sweeper := reconcile.New(c.store, c.manager, c.logger)
	if !simulate {
		run.SeasonsCompleted = sweeper.CompleteSeasons(ctx, touched)
	}
	orphans, err := sweeper.FindOrphans(ctx)
	if err != nil {
		return err
	}
	for _, orphan := range orphans {
		ep := orphan.Episode
		outcome := &ledger.RunOutcome{
			RunID:       run.ID,
			EpisodeID:   ep.ID,
			LibraryID:   ep.LibraryID,
			SeriesTitle: ep.SeriesTitle,
			Season:      ep.Season,
			Episode:     ep.Episode,
			Outcome:     ledger.OutcomeOrphaned,
			Detail:      orphan.Reason,
			WatchedBy:   mapViewers(ep.WatchedBy, names),
		}
		if err := c.store.AppendOutcome(ctx, outcome); err != nil {
			return err
		}
	}
	run.Orphaned = len(orphans)
	c.tracker.setOrphans(len(orphans))
	if len(orphans) > 0 {
		c.notifyOrphans(ctx, log, len(orphans))
	}
	return nil
}

// evaluateLibrary fetches watch facts for one library, evaluates eligibility,
// persists discoveries in live mode, and returns the actionable work list
// including the retry backlog.
func (c *Coordinator) evaluateLibrary(ctx context.Context, run *ledger.Run, lib *ledger.LibraryConfig, delay time.Duration, simulate bool, names map[string]string) ([]*ledger.Episode, error) {
	ctx = services.WithLibraryID(ctx, lib.ID)
	log := logging.WithContext(ctx, c.logger)

	facts, err := c.media.WatchStates(ctx, lib.ID, lib.RequiredViewers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.WarnWithContext(log, "watch state fetch failed; evaluating backlog only", "library_fetch_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the media server connection"),
			logging.String(logging.FieldImpact, "no new episodes discovered in this library this run"))
		facts = nil
	}

	prior, err := c.store.EpisodesByLibrary(ctx, lib.ID)
	if err != nil {
		return nil, err
	}

	result, err := eligibility.Evaluate(*lib, facts, prior, c.now().UTC(), delay)
	if err != nil {
		return nil, err
	}
	log.Info("library evaluated",
		logging.String("library", lib.Name),
		logging.Int("facts", len(facts)),
		logging.Int("actionable", len(result.Actionable)),
		logging.Int("pending", len(result.Pending)))

	for _, cand := range result.Pending {
		if err := c.recordPending(ctx, log, run, lib, cand, delay, simulate, prior, names); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(result.Actionable))
	var work []*ledger.Episode
	for _, cand := range result.Actionable {
		seen[cand.Episode.ID] = struct{}{}
		if simulate {
			work = append(work, simulatedCandidate(cand, lib, prior, c.now().UTC()))
			continue
		}
		if _, err := c.persistActionable(ctx, lib, cand); err != nil {
			return nil, err
		}
	}

	backlog, err := c.store.ListRetryable(ctx, lib.ID)
	if err != nil {
		return nil, err
	}
	for _, row := range backlog {
		if simulate {
			if _, dup := seen[row.MediaID]; dup {
				continue
			}
			clone := *row
			clone.WatchedBy = append([]string(nil), row.WatchedBy...)
			work = append(work, &clone)
			continue
		}
		work = append(work, row)
	}
	return work, nil
}

// recordPending writes the pending outcome row and, in live mode, persists the
// pending_delay episode so the delay clock survives restarts.
func (c *Coordinator) recordPending(ctx context.Context, log *slog.Logger, run *ledger.Run, lib *ledger.LibraryConfig, cand eligibility.Candidate, delay time.Duration, simulate bool, prior map[string]*ledger.Episode, names map[string]string) error {
	var episodeID int64
	if !simulate {
		row, err := c.persistPending(ctx, lib, cand)
		if err != nil {
			return err
		}
		episodeID = row.ID
	} else if row, ok := prior[cand.Episode.ID]; ok {
		episodeID = row.ID
	}

	readyAt := cand.EligibleSince.Add(delay).UTC()
	outcome := &ledger.RunOutcome{
		RunID:       run.ID,
		EpisodeID:   episodeID,
		LibraryID:   lib.ID,
		SeriesTitle: cand.Episode.SeriesName,
		Season:      cand.Episode.Season,
		Episode:     cand.Episode.Episode,
		Outcome:     ledger.OutcomePending,
		Detail:      "delay expires " + readyAt.Format(time.RFC3339),
		WatchedBy:   mapViewers(cand.WatchedBy, names),
		Bytes:       cand.Episode.SizeBytes,
	}
	if err := c.store.AppendOutcome(ctx, outcome); err != nil {
		return err
	}
	run.Pending++
	log.Info("episode pending delay",
		logging.String("series", cand.Episode.SeriesName),
		logging.String("code", fmt.Sprintf("S%02dE%02d", cand.Episode.Season, cand.Episode.Episode)),
		logging.String("ready_at", readyAt.Format(time.RFC3339)))
	return nil
}

// upsertCandidate records the discovered episode, refreshing metadata and the
// file path without touching lifecycle state.
func (c *Coordinator) upsertCandidate(ctx context.Context, lib *ledger.LibraryConfig, cand eligibility.Candidate) (*ledger.Episode, error) {
	return c.store.UpsertDiscovered(ctx, &ledger.Episode{
		LibraryID:   lib.ID,
		MediaID:     cand.Episode.ID,
		SeriesTitle: cand.Episode.SeriesName,
		Season:      cand.Episode.Season,
		Episode:     cand.Episode.Episode,
		Title:       cand.Episode.Title,
		FilePath:    cand.Episode.Path,
	})
}

// persistActionable promotes a fresh or delay-expired row to actionable.
// Rows already in the pipeline keep their position; only watch facts refresh.
func (c *Coordinator) persistActionable(ctx context.Context, lib *ledger.LibraryConfig, cand eligibility.Candidate) (*ledger.Episode, error) {
	row, err := c.upsertCandidate(ctx, lib, cand)
	if err != nil {
		return nil, err
	}
	since := cand.EligibleSince
	row.WatchedBy = append([]string(nil), cand.WatchedBy...)
	row.EligibleSince = &since

	switch row.State {
	case ledger.StateDiscovered, ledger.StatePendingDelay:
		row.MarkMilestone(ledger.StateActionable, c.now().UTC())
		if err := c.store.Update(ctx, row); err != nil {
			return nil, err
		}
	default:
		if err := c.store.SetWatchState(ctx, row.ID, row.WatchedBy, row.EligibleSince); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// persistPending parks a freshly watched row in pending_delay so the grace
// clock is durable.
func (c *Coordinator) persistPending(ctx context.Context, lib *ledger.LibraryConfig, cand eligibility.Candidate) (*ledger.Episode, error) {
	row, err := c.upsertCandidate(ctx, lib, cand)
	if err != nil {
		return nil, err
	}
	since := cand.EligibleSince
	row.WatchedBy = append([]string(nil), cand.WatchedBy...)
	row.EligibleSince = &since

	if row.State == ledger.StateDiscovered {
		row.State = ledger.StatePendingDelay
		if err := c.store.Update(ctx, row); err != nil {
			return nil, err
		}
		return row, nil
	}
	if err := c.store.SetWatchState(ctx, row.ID, row.WatchedBy, row.EligibleSince); err != nil {
		return nil, err
	}
	return row, nil
}

// simulatedCandidate builds the in-memory episode a test run works on. Prior
// rows are cloned so the ledger row is never written.
func simulatedCandidate(cand eligibility.Candidate, lib *ledger.LibraryConfig, prior map[string]*ledger.Episode, now time.Time) *ledger.Episode {
	since := cand.EligibleSince
	if row, ok := prior[cand.Episode.ID]; ok {
		clone := *row
		clone.WatchedBy = append([]string(nil), cand.WatchedBy...)
		clone.EligibleSince = &since
		if clone.State == ledger.StateDiscovered || clone.State == ledger.StatePendingDelay {
			clone.MarkMilestone(ledger.StateActionable, now)
		}
		return &clone
	}
	ep := &ledger.Episode{
		LibraryID:     lib.ID,
		MediaID:       cand.Episode.ID,
		SeriesTitle:   cand.Episode.SeriesName,
		Season:        cand.Episode.Season,
		Episode:       cand.Episode.Episode,
		Title:         cand.Episode.Title,
		FilePath:      cand.Episode.Path,
		WatchedBy:     append([]string(nil), cand.WatchedBy...),
		EligibleSince: &since,
	}
	ep.MarkMilestone(ledger.StateActionable, now)
	return ep
}

// processEpisodes runs the reclamation pipeline over the work list, recording
// one outcome row per episode. Cancellation is honored between episodes.
func (c *Coordinator) processEpisodes(ctx context.Context, log *slog.Logger, run *ledger.Run, work []*ledger.Episode, simulate bool, names map[string]string) ([]reconcile.SeasonKey, error) {
	if len(work) == 0 {
		return nil, nil
	}
	pipe := pipeline.New(c.store, c.manager, c.cfg, c.logger, simulate)

	var touched []reconcile.SeasonKey
	for _, ep := range work {
		if err := ctx.Err(); err != nil {
			return touched, err
		}
		c.tracker.setCurrent(fmt.Sprintf("%s %s", ep.SeriesTitle, ep.Code()))

		if !simulate {
			if err := c.store.ClaimForRun(ctx, ep.ID, run.ID); err != nil {
				if errors.Is(err, ledger.ErrStateConflict) {
					logging.WarnWithContext(log, "episode already claimed; skipped this run", "claim_conflict",
						logging.Int64(logging.FieldEpisodeID, ep.ID),
						logging.String("key", ep.Key()),
						logging.Error(err),
						logging.String(logging.FieldErrorHint, "a previous run may not have released its claims"))
					continue
				}
				return touched, err
			}
		}

		res := pipe.Process(ctx, ep)
		if res.Err != nil && errors.Is(res.Err, context.Canceled) {
			return touched, res.Err
		}

		outcome := classifyOutcome(res, simulate)
		switch outcome {
		case ledger.OutcomeProcessed:
			run.Processed++
			run.BytesReclaimed += res.Bytes
			if ep.SeriesID != 0 {
				touched = append(touched, reconcile.SeasonKey{SeriesID: ep.SeriesID, Season: ep.Season})
			}
		case ledger.OutcomeSimulated:
			run.Processed++
			run.BytesReclaimed += res.Bytes
		case ledger.OutcomeSkipped:
			run.Skipped++
		default:
			run.Failed++
		}
		c.tracker.observe(outcome, res.Bytes)

		row := &ledger.RunOutcome{
			RunID:       run.ID,
			EpisodeID:   ep.ID,
			LibraryID:   ep.LibraryID,
			SeriesTitle: ep.SeriesTitle,
			Season:      ep.Season,
			Episode:     ep.Episode,
			Outcome:     outcome,
			Detail:      res.Detail,
			WatchedBy:   mapViewers(ep.WatchedBy, names),
			Bytes:       res.Bytes,
		}
		if err := c.store.AppendOutcome(ctx, row); err != nil {
			return touched, err
		}
	}
	c.tracker.setCurrent("")
	return touched, nil
}

// classifyOutcome maps a pipeline result onto the outcome recorded for the
// run report.
func classifyOutcome(res pipeline.Result, simulate bool) ledger.Outcome {
	if simulate {
		return ledger.OutcomeSimulated
	}
	switch res.FinalState {
	case ledger.StateComplete:
		return ledger.OutcomeProcessed
	case ledger.StateSkipped:
		return ledger.OutcomeSkipped
	default:
		return ledger.OutcomeFailed
	}
}

// viewerNames resolves viewer display names for run reports. Failure degrades
// to raw identifiers.
func (c *Coordinator) viewerNames(ctx context.Context, log *slog.Logger) map[string]string {
	users, err := c.media.Users(ctx)
	if err != nil {
		logging.WarnWithContext(log, "viewer name lookup failed; reports will show raw ids", "users_fetch_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the media server connection"))
		return nil
	}
	names := make(map[string]string, len(users))
	for _, user := range users {
		names[user.ID] = user.Name
	}
	return names
}

// mapViewers swaps viewer ids for display names where known.
func mapViewers(ids []string, names map[string]string) []string {
	if len(names) == 0 {
		return ids
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		if name, ok := names[id]; ok && name != "" {
			out[i] = name
			continue
		}
		out[i] = id
	}
	return out
}
