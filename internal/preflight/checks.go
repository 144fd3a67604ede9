package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"afterwatch/internal/config"
	"afterwatch/internal/services/emby"
	"afterwatch/internal/services/sonarr"
)

// gatewayCheckTimeout bounds each connectivity probe on its own, independent
// of the client's configured request timeout.
const gatewayCheckTimeout = 5 * time.Second

// CheckMediaServer verifies the media server is reachable and accepts the
// configured API key.
func CheckMediaServer(ctx context.Context, cfg *config.Config) Result {
	const name = "Emby"

	if cfg == nil || strings.TrimSpace(cfg.Emby.URL) == "" {
		return Result{Name: name, Detail: "missing url"}
	}
	if strings.TrimSpace(cfg.Emby.APIKey) == "" {
		return Result{Name: name, Detail: "missing api key"}
	}
	client, err := emby.New(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, gatewayCheckTimeout)
	defer cancel()
	if err := client.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeGatewayError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

// CheckDownloadManager verifies the download manager is reachable and accepts
// the configured API key.
func CheckDownloadManager(ctx context.Context, cfg *config.Config) Result {
	const name = "Sonarr"

	if cfg == nil || strings.TrimSpace(cfg.Sonarr.URL) == "" {
		return Result{Name: name, Detail: "missing url"}
	}
	if strings.TrimSpace(cfg.Sonarr.APIKey) == "" {
		return Result{Name: name, Detail: "missing api key"}
	}
	client, err := sonarr.New(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, gatewayCheckTimeout)
	defer cancel()
	if err := client.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeGatewayError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

// CheckDirectoryAccess verifies that the directory exists and is readable and
// writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// summarizeGatewayError keeps the common timeout cases readable in check
// output.
func summarizeGatewayError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "connection timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection timed out"
	}
	return err.Error()
}
