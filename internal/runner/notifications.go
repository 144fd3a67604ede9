package runner

import (
	"context"
	"errors"
	"log/slog"

	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
)

// Notification failures never affect the run; they are logged at debug and
// dropped, with cancellation called out separately so an operator reading the
// log does not chase a network problem that never existed.

func (c *Coordinator) notifyStarted(ctx context.Context, log *slog.Logger, mode ledger.RunMode, episodes int) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyRunStarted(ctx, mode, episodes); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug("run canceled before start notification was sent")
			return
		}
		log.Debug("run start notification failed", logging.Error(err))
	}
}

func (c *Coordinator) notifyOrphans(ctx context.Context, log *slog.Logger, count int) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyOrphansDetected(ctx, count); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug("run canceled before orphan notification was sent")
			return
		}
		log.Debug("orphan notification failed", logging.Error(err))
	}
}

func (c *Coordinator) notifyFinished(ctx context.Context, log *slog.Logger, run *ledger.Run, runErr error) {
	if c.notifier == nil {
		return
	}
	switch run.Status {
	case ledger.RunStatusFailed:
		if err := c.notifier.NotifyRunFailed(ctx, run.ID, runErr); err != nil {
			log.Debug("run failure notification failed", logging.Error(err))
		}
	case ledger.RunStatusCompleted:
		// Nothing happened this run; stay quiet.
		if run.Processed == 0 && run.Failed == 0 && run.Skipped == 0 && run.Orphaned == 0 {
			return
		}
		if err := c.notifier.NotifyRunCompleted(ctx, run); err != nil {
			log.Debug("run completion notification failed", logging.Error(err))
		}
	}
}
