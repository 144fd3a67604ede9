package main

import (
	"context"
	"fmt"
	"log/slog"

	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/notifications"
	"afterwatch/internal/preflight"
	"afterwatch/internal/runner"
	"afterwatch/internal/services/emby"
	"afterwatch/internal/services/sonarr"
)

// buildCoordinator wires the media server and download manager clients into a
// run coordinator. Both clients are constructed eagerly so a bad URL or
// missing API key fails the daemon at startup instead of the first run.
func buildCoordinator(cfg *config.Config, store *ledger.Store, logger *slog.Logger) (*runner.Coordinator, error) {
	media, err := emby.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("media server client: %w", err)
	}

	manager, err := sonarr.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("download manager client: %w", err)
	}

	notifier := notifications.NewService(cfg)

	return runner.New(cfg, store, media, manager, notifier, logger), nil
}

// logStartupChecks records the preflight results once at startup. Failures are
// warnings rather than fatal errors: a gateway that is down while the daemon
// boots can recover before the next scheduled run needs it.
func logStartupChecks(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	for _, result := range preflight.RunAll(ctx, cfg) {
		if result.Passed {
			logger.Info("startup check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"))
			continue
		}
		logging.WarnWithContext(logger, "startup check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "fix the reported issue or update the configuration"),
			logging.String(logging.FieldImpact, "runs may fail until the check passes"))
	}
}
