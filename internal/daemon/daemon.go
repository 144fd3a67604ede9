package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/reconcile"
	"afterwatch/internal/runner"
)

// Daemon owns the background services and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *ledger.Store
	runner  *runner.Coordinator
	logPath string

	lockPath string
	lock     *flock.Flock

	api       *apiServer
	scheduler *scheduler

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	LedgerDBPath string
	LockFilePath string
	Settings     ledger.Settings
	ActiveRun    *runner.Progress
	LastRun      *ledger.Run
	Totals       ledger.Totals
	States       map[ledger.State]int
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *ledger.Store, coord *runner.Coordinator, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || coord == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, run coordinator, and logger")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "afterwatchd.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		runner:   coord,
		logPath:  logging.LogFilePath(cfg),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.scheduler = newScheduler(store, coord, logger)

	srv, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = srv
	return d, nil
}

// Start acquires the daemon lock, recovers any run interrupted by a crash,
// and brings up the API server and the run scheduler.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another afterwatch daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.recoverInterruptedRuns(d.ctx)

	if err := d.api.start(d.ctx); err != nil {
		d.teardownStart()
		return fmt.Errorf("start api server: %w", err)
	}
	if err := d.scheduler.reload(d.ctx); err != nil {
		d.api.stop()
		d.teardownStart()
		return fmt.Errorf("load run schedule: %w", err)
	}
	d.scheduler.start(d.ctx)

	d.running.Store(true)
	d.logger.Info("afterwatch daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.store.Path()),
	)
	return nil
}

func (d *Daemon) teardownStart() {
	_ = d.lock.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
}

// recoverInterruptedRuns handles the ledger a crashed daemon left behind: a
// stale lease is reclaimed and any run row still marked running without a
// live lease is finalized as failed with its claims released. A lease held
// with a fresh heartbeat is left alone; it may belong to another process and
// expires on its own if not.
func (d *Daemon) recoverInterruptedRuns(ctx context.Context) {
	reclaimed, err := d.store.ReclaimStaleLease(ctx, d.leaseTimeout())
	if err != nil {
		logging.WarnWithContext(d.logger, "stale lease reclaim failed", "lease_reclaim_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "a crashed run may block new runs until its lease expires"),
		)
	} else if reclaimed != "" {
		d.logger.Info("reclaimed stale run lease", logging.String(logging.FieldRunID, reclaimed))
	}

	stuck, err := d.store.RunsByStatus(ctx, ledger.RunStatusRunning)
	if err != nil {
		logging.WarnWithContext(d.logger, "interrupted run lookup failed", "run_recovery_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "interrupted runs stay marked running until the next restart"),
		)
		return
	}
	if len(stuck) == 0 {
		return
	}

	lease, err := d.store.CurrentLease(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "lease lookup failed", "run_recovery_failed", logging.Error(err))
		return
	}
	for _, run := range stuck {
		if lease != nil && lease.RunID == run.ID {
			continue
		}
		run.Status = ledger.RunStatusFailed
		run.ErrorMessage = "daemon restarted while the run was in flight"
		if err := d.store.FinalizeRun(ctx, run); err != nil {
			logging.WarnWithContext(d.logger, "interrupted run finalize failed", "run_recovery_failed",
				logging.Error(err),
				logging.String(logging.FieldRunID, run.ID),
			)
			continue
		}
		if err := d.store.ReleaseRunClaims(ctx, run.ID); err != nil {
			logging.WarnWithContext(d.logger, "interrupted run claim release failed", "run_recovery_failed",
				logging.Error(err),
				logging.String(logging.FieldRunID, run.ID),
			)
		}
		d.logger.Info("interrupted run marked failed", logging.String(logging.FieldRunID, run.ID))
	}
}

// Stop halts the scheduler and API server, cancels any in-flight run, and
// releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.scheduler.stop()
	d.api.stop()
	d.runner.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("afterwatch daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// APIAddr returns the bound API listener address, or empty when the API
// server is disabled or not started.
func (d *Daemon) APIAddr() string {
	return d.api.addr()
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status collects the current daemon state for the status endpoint.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	settings, err := d.store.Settings(ctx)
	if err != nil {
		return Status{}, err
	}
	lastRun, err := d.store.LastRun(ctx)
	if err != nil {
		return Status{}, err
	}
	totals, err := d.store.Totals(ctx)
	if err != nil {
		return Status{}, err
	}
	states, err := d.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LedgerDBPath: d.store.Path(),
		LockFilePath: d.lockPath,
		Settings:     settings,
		ActiveRun:    d.runner.Active(),
		LastRun:      lastRun,
		Totals:       totals,
		States:       states,
	}, nil
}

// Orphans re-checks reclaimed episodes against the filesystem on demand.
func (d *Daemon) Orphans(ctx context.Context) ([]reconcile.Orphan, error) {
	return d.runner.ScanOrphans(ctx)
}

func (d *Daemon) leaseTimeout() time.Duration {
	if d.cfg.Workflow.LeaseTimeout > 0 {
		return time.Duration(d.cfg.Workflow.LeaseTimeout) * time.Second
	}
	return 5 * time.Minute
}
