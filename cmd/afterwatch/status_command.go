package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/ledger"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, schedule, and ledger status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)

				if client != nil {
					status, err := client.Status(runCtx)
					if err != nil {
						return err
					}
					printDaemonStatus(stdout, status, colorize)
					return nil
				}

				status, err := offlineStatus(runCtx, store)
				if err != nil {
					return err
				}
				printDaemonStatus(stdout, status, colorize)
				return nil
			})
		},
	}
}

// offlineStatus assembles the status view from the ledger database when the
// daemon is down, so the command degrades instead of failing.
func offlineStatus(ctx context.Context, store *ledger.Store) (api.DaemonStatus, error) {
	settings, err := store.Settings(ctx)
	if err != nil {
		return api.DaemonStatus{}, err
	}
	last, err := store.LastRun(ctx)
	if err != nil {
		return api.DaemonStatus{}, err
	}
	totals, err := store.Totals(ctx)
	if err != nil {
		return api.DaemonStatus{}, err
	}
	states, err := store.Stats(ctx)
	if err != nil {
		return api.DaemonStatus{}, err
	}

	status := api.DaemonStatus{
		LedgerDBPath: store.Path(),
		TestMode:     settings.TestMode,
		Schedule:     fmt.Sprintf("%02d:%02d", settings.ScheduleHour, settings.ScheduleMinute),
		Stats:        api.FromTotals(totals, states),
	}
	if last != nil {
		run := api.FromRun(last)
		status.LastRun = &run
	}
	return status, nil
}

func printDaemonStatus(w io.Writer, status api.DaemonStatus, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	if status.Running {
		fmt.Fprintln(w, renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Daemon", statusError, "Not running", colorize))
	}
	if status.TestMode {
		fmt.Fprintln(w, renderStatusLine("Mode", statusWarn, "Test (files are not modified)", colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Mode", statusOK, "Live", colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Schedule", statusInfo, "Daily at "+status.Schedule, colorize))
	if status.LedgerDBPath != "" {
		fmt.Fprintln(w, renderStatusLine("Ledger", statusInfo, status.LedgerDBPath, colorize))
	}

	if status.ActiveRun != nil {
		progress := status.ActiveRun
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Active Run", colorize) {
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w, renderStatusLine("Run", statusInfo, progress.RunID, colorize))
		fmt.Fprintln(w, renderStatusLine("Phase", statusInfo,
			fmt.Sprintf("%s (%d/%d)", formatStateLabel(progress.Phase), progress.Done, progress.Queued), colorize))
		if progress.Current != "" {
			fmt.Fprintln(w, renderStatusLine("Current", statusInfo, progress.Current, colorize))
		}
	}

	if status.LastRun != nil {
		run := status.LastRun
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Last Run", colorize) {
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w, renderStatusLine("Run", statusInfo, run.ID, colorize))
		fmt.Fprintln(w, renderStatusLine("Status", runStatusKind(run.Status), formatStateLabel(run.Status), colorize))
		fmt.Fprintln(w, renderStatusLine("Finished", statusInfo, formatRelative(run.FinishedAt), colorize))
		fmt.Fprintln(w, renderStatusLine("Result", statusInfo,
			fmt.Sprintf("%d processed, %d failed, %d skipped, %s reclaimed",
				run.Processed, run.Failed, run.Skipped, formatBytes(run.BytesReclaimed)), colorize))
	}

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Ledger", colorize) {
		fmt.Fprintln(w, line)
	}
	rows := buildStateRows(status.Stats.States)
	if len(rows) == 0 {
		fmt.Fprintln(w, "No episodes tracked yet")
		return
	}
	fmt.Fprintln(w, renderTable([]string{"State", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintf(w, "Reclaimed to date: %s across %d episodes\n",
		formatBytes(status.Stats.BytesReclaimed), status.Stats.Complete)
}
