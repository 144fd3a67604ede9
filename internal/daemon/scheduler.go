package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/runner"
	"afterwatch/internal/services"
)

type runStarter interface {
	StartRun(ctx context.Context, opts runner.Options) (string, error)
}

// scheduler fires the daily run at the hour and minute stored in settings.
// The cron entry is rebuilt whenever settings change, so schedule edits take
// effect without a restart.
type scheduler struct {
	store   *ledger.Store
	starter runStarter
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entryID cron.EntryID
	spec    string
}

func newScheduler(store *ledger.Store, starter runStarter, logger *slog.Logger) *scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &scheduler{
		store:   store,
		starter: starter,
		logger:  logging.NewComponentLogger(logger, "scheduler"),
		cron:    cron.New(),
	}
}

// reload reads the persisted schedule and swaps the cron entry when it
// changed. Safe to call while the scheduler is running.
func (s *scheduler) reload(ctx context.Context) error {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	spec := fmt.Sprintf("%d %d * * *", settings.ScheduleMinute, settings.ScheduleHour)

	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec {
		return nil
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	id, err := s.cron.AddFunc(spec, s.fire)
	if err != nil {
		return fmt.Errorf("schedule run at %02d:%02d: %w", settings.ScheduleHour, settings.ScheduleMinute, err)
	}
	s.entryID = id
	s.spec = spec
	s.logger.Info("run schedule set", logging.String("schedule", fmt.Sprintf("%02d:%02d", settings.ScheduleHour, settings.ScheduleMinute)))
	return nil
}

func (s *scheduler) start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// stop halts the timer and waits for an in-flight trigger callback. The run
// the callback may have started keeps going; the coordinator owns it.
func (s *scheduler) stop() {
	<-s.cron.Stop().Done()
}

// next reports when the schedule fires again. Zero until started.
func (s *scheduler) next() time.Time {
	s.mu.Lock()
	id := s.entryID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	runID, err := s.starter.StartRun(ctx, runner.Options{Trigger: runner.TriggerScheduled})
	switch {
	case errors.Is(err, services.ErrConcurrency):
		s.logger.Info("scheduled run skipped; a run is already active")
	case err != nil:
		logging.ErrorWithContext(s.logger, "scheduled run failed to start", "scheduled_run_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the daemon log for configuration or database errors"),
		)
	default:
		s.logger.Info("scheduled run started", logging.String(logging.FieldRunID, runID))
	}
}
