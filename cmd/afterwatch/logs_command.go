package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/config"
	"afterwatch/internal/logging"
	"afterwatch/internal/logs"
)

// logFollowWait is how long each follow request asks the daemon (or the file
// reader) to hold out for new lines before returning empty.
const logFollowWait = time.Second

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon log output",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if client != nil {
				err := streamDaemonLogs(cmd, client, lines, follow)
				if err == nil || !api.IsAPIUnavailable(err) {
					return err
				}
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return streamLogFile(cmd, cfg, lines, follow)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new log lines as they arrive")
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "Number of trailing lines to show (0 for the whole file)")
	return cmd
}

// streamDaemonLogs pages the log through the daemon API: the first request
// fetches the trailing lines, later ones resume from the returned offset.
func streamDaemonLogs(cmd *cobra.Command, client *api.Client, lines int, follow bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	offset := int64(-1)
	limit := lines
	if limit < 0 {
		limit = 0
	}
	if limit == 0 {
		offset = 0
	}

	printed := false
	for {
		var wait time.Duration
		if follow {
			wait = logFollowWait
		}
		page, err := client.Logs(ctx, offset, limit, wait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, line := range page.Lines {
			fmt.Fprintln(out, line)
			printed = true
		}
		offset = page.Offset
		limit = 0

		if !follow {
			if !printed {
				fmt.Fprintln(out, "No log entries available")
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// streamLogFile reads the log file directly when the daemon is not running.
func streamLogFile(cmd *cobra.Command, cfg *config.Config, lines int, follow bool) error {
	path := logging.LogFilePath(cfg)
	if path == "" {
		return errors.New("file logging is disabled; set paths.log_dir or start the daemon")
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	opts := logs.TailOptions{Offset: -1, Limit: lines}
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	if opts.Limit == 0 {
		opts.Offset = 0
	}

	printed := false
	for {
		if follow {
			opts.Follow = true
			opts.Wait = logFollowWait
		}
		page, err := logs.Tail(ctx, path, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read log file: %w", err)
		}
		for _, line := range page.Lines {
			fmt.Fprintln(out, line)
			printed = true
		}
		opts.Offset = page.Offset
		opts.Limit = 0

		if !follow {
			if !printed {
				fmt.Fprintln(out, "No log entries available")
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
