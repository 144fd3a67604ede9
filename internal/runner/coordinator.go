package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/notifications"
	"afterwatch/internal/pipeline"
	"afterwatch/internal/reconcile"
	"afterwatch/internal/services"
	"afterwatch/internal/services/emby"
)

// MediaServer is the slice of the media library gateway the coordinator
// depends on. *emby.Client satisfies it.
type MediaServer interface {
	Users(ctx context.Context) ([]emby.User, error)
	WatchStates(ctx context.Context, libraryID string, viewerIDs []string) ([]emby.WatchFact, error)
}

// DownloadManager combines the pipeline and reconciliation slices of the
// download manager gateway. *sonarr.Client satisfies it.
type DownloadManager interface {
	pipeline.DownloadManager
	reconcile.SeasonGateway
}

// Triggers recorded on the run row.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerAPI       = "api"
)

// Options adjusts how a run is started.
type Options struct {
	// Trigger names what started the run; empty means manual.
	Trigger string
	// ModeOverride forces test or live regardless of the persisted setting.
	ModeOverride *ledger.RunMode
	// BypassDelay skips the grace delay for this run. The watched-by gate
	// always applies.
	BypassDelay bool
}

// Coordinator owns the single run slot. It serializes runs through the
// in-process flag plus the durable lease, executes the run sequence on a
// background goroutine, and exposes progress while a run is in flight.
type Coordinator struct {
	cfg      *config.Config
	store    *ledger.Store
	media    MediaServer
	manager  DownloadManager
	notifier notifications.Service
	logger   *slog.Logger
	now      func() time.Time

	active  atomic.Bool
	tracker *tracker

	mu     sync.Mutex
	runID  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a coordinator. A nil notifier falls back to the configured
// ntfy service.
func New(cfg *config.Config, store *ledger.Store, media MediaServer, manager DownloadManager, notifier notifications.Service, logger *slog.Logger) *Coordinator {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		media:    media,
		manager:  manager,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "runner"),
		now:      time.Now,
		tracker:  newTracker(),
	}
}

// StartRun begins a processing run and returns its identifier without waiting
// for completion. A second start while one run is live fails with a
// concurrency error and no side effects.
func (c *Coordinator) StartRun(ctx context.Context, opts Options) (string, error) {
	trigger := strings.TrimSpace(opts.Trigger)
	if trigger == "" {
		trigger = TriggerManual
	}

	if !c.active.CompareAndSwap(false, true) {
		return "", services.Wrap(services.ErrConcurrency, "runner", "start", "a run is already active", nil)
	}

	runID := uuid.NewString()
	if err := c.store.AcquireLease(ctx, runID, c.leaseTimeout()); err != nil {
		c.active.Store(false)
		if errors.Is(err, ledger.ErrLeaseHeld) {
			return "", services.Wrap(services.ErrConcurrency, "runner", "start", "another process holds the run lease", err)
		}
		return "", err
	}

	settings, err := c.store.Settings(ctx)
	if err != nil {
		c.abortStart(ctx, runID)
		return "", err
	}
	mode := settings.Mode()
	if opts.ModeOverride != nil {
		mode = *opts.ModeOverride
	}

	run, err := c.store.CreateRun(ctx, runID, mode, trigger)
	if err != nil {
		c.abortStart(ctx, runID)
		return "", err
	}

	// The run outlives the caller's request; only CancelRun and Stop end it.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.runID = runID
	c.cancel = cancelRun
	c.mu.Unlock()
	c.tracker.begin(run, c.now().UTC())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(runCtx, cancelRun, run, settings, opts)
	}()
	return runID, nil
}

// abortStart releases what a failed start claimed after the lease was taken.
func (c *Coordinator) abortStart(ctx context.Context, runID string) {
	if err := c.store.ReleaseLease(ctx, runID); err != nil {
		c.logger.Warn("lease release after failed start failed", logging.Error(err))
	}
	c.active.Store(false)
}

func (c *Coordinator) leaseTimeout() time.Duration {
	timeout := time.Duration(c.cfg.Workflow.LeaseTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return timeout
}

func (c *Coordinator) heartbeatInterval() time.Duration {
	interval := time.Duration(c.cfg.Workflow.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval
}

// CancelRun requests the active run to stop. Cancellation is honored at
// episode boundaries; the episode being processed finishes its bookkeeping
// first.
func (c *Coordinator) CancelRun(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil || c.runID != runID {
		return services.Wrap(services.ErrNotFound, "runner", "cancel", fmt.Sprintf("run %s is not active", runID), nil)
	}
	c.cancel()
	return nil
}

// Stop cancels any active run and waits for it to finish. Used on daemon
// shutdown.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Active returns a progress snapshot of the in-flight run, or nil.
func (c *Coordinator) Active() *Progress {
	if progress, ok := c.tracker.current(); ok {
		return &progress
	}
	return nil
}

// RunStatus returns the stored run report plus a live progress snapshot when
// the run is still executing.
func (c *Coordinator) RunStatus(ctx context.Context, runID string) (*ledger.Run, *Progress, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, services.Wrap(services.ErrNotFound, "runner", "status", fmt.Sprintf("run %s", runID), ledger.ErrNotFound)
	}
	if progress, ok := c.tracker.current(); ok && progress.RunID == runID {
		return run, &progress, nil
	}
	return run, nil, nil
}

// ListPending returns episodes waiting out the grace delay.
func (c *Coordinator) ListPending(ctx context.Context) ([]*ledger.Episode, error) {
	return c.store.ListPending(ctx)
}

// ProcessPendingNow starts a run that skips the delay gate, so episodes
// waiting out the grace period are handled immediately. The watched-by gate
// still applies.
func (c *Coordinator) ProcessPendingNow(ctx context.Context) (string, error) {
	return c.StartRun(ctx, Options{Trigger: TriggerManual, BypassDelay: true})
}

// ScanOrphans re-checks every reclaimed episode against the filesystem
// without starting a run. The scan only reads; flagged episodes are recorded
// by the next run's sweep.
func (c *Coordinator) ScanOrphans(ctx context.Context) ([]reconcile.Orphan, error) {
	return reconcile.New(c.store, c.manager, c.logger).FindOrphans(ctx)
}
