package preflight

import (
	"context"

	"afterwatch/internal/config"
)

// Result reports the outcome of a single startup check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every startup check for the given config: directory access
// for the paths the daemon writes to, existence of the media roots episodes
// are deleted under, and connectivity to both gateways. Results are advisory;
// the daemon starts regardless so a temporarily unreachable gateway does not
// keep scheduled runs offline once it recovers.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	for _, root := range cfg.Processing.MediaRoots {
		results = append(results, CheckDirectoryAccess("Media root", root))
	}
	results = append(results, CheckMediaServer(ctx, cfg))
	results = append(results, CheckDownloadManager(ctx, cfg))
	return results
}
