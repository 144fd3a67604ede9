package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var testMode bool
	var liveMode bool
	var wait bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a reclamation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if testMode && liveMode {
				return errors.New("--test and --live are mutually exclusive")
			}
			mode := ""
			if testMode {
				mode = "test"
			}
			if liveMode {
				mode = "live"
			}

			return ctx.withDaemon(cmd, func(runCtx context.Context, client *api.Client) error {
				resp, err := client.StartRun(runCtx, api.StartRunRequest{Mode: mode})
				if err != nil {
					if errors.Is(err, api.ErrRunActive) {
						return errors.New("a run is already active; check `afterwatch status`")
					}
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Started run %s\n", resp.RunID)
				if !wait {
					return nil
				}
				return waitForRun(runCtx, cmd, client, resp.RunID)
			})
		},
	}

	cmd.Flags().BoolVar(&testMode, "test", false, "Force test mode for this run (no files are modified)")
	cmd.Flags().BoolVar(&liveMode, "live", false, "Force live mode for this run")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish and print its report")
	return cmd
}

// waitForRun polls the run until it leaves the running state, updating a
// single progress line when stdout is a terminal.
func waitForRun(ctx context.Context, cmd *cobra.Command, client *api.Client, runID string) error {
	out := cmd.OutOrStdout()
	interactive := shouldColorize(out)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		detail, err := client.Run(ctx, runID)
		if err != nil {
			return err
		}
		if detail.Run.Status != "running" {
			if interactive {
				fmt.Fprint(out, "\r\x1b[K")
			}
			printRunReport(out, detail)
			if detail.Run.Status == "failed" {
				return fmt.Errorf("run %s failed: %s", runID, detail.Run.ErrorMessage)
			}
			return nil
		}
		if interactive && detail.Progress != nil {
			progress := detail.Progress
			fmt.Fprintf(out, "\r\x1b[K%s %d/%d %s",
				formatStateLabel(progress.Phase), progress.Done, progress.Queued, progress.Current)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
