package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// logPattern matches the daemon log and its rotated copies. Nothing else in
// the log directory matches it, the daemon lock file in particular.
const logPattern = "afterwatch*.log*"

// PruneLogs removes rotated log files older than retentionDays from dir,
// leaving the active log file alone. A retentionDays of zero or less
// disables pruning. Returns the number of files removed.
func PruneLogs(logger *slog.Logger, dir string, retentionDays int, active string) int {
	if retentionDays <= 0 || strings.TrimSpace(dir) == "" {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	activeAbs := ""
	if strings.TrimSpace(active) != "" {
		if abs, err := filepath.Abs(active); err == nil {
			activeAbs = abs
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if matched, err := filepath.Match(logPattern, entry.Name()); err != nil || !matched {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if activeAbs != "" && path == activeAbs {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "rotated log remove failed", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check log_dir permissions"),
				String(FieldImpact, "the old log file stays on disk"),
			)
			continue
		}
		removed++
		if logger != nil {
			logger.Info("rotated log pruned",
				String("path", path),
				String(FieldEventType, "log_pruned"),
			)
		}
	}
	return removed
}
