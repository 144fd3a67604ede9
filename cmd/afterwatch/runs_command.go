package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/ledger"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				var runs []api.Run
				if client != nil {
					var err error
					runs, err = client.Runs(runCtx, limit)
					if err != nil {
						return err
					}
				} else {
					rows, err := store.ListRuns(runCtx, limit)
					if err != nil {
						return err
					}
					runs = api.FromRuns(rows)
				}

				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded yet")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						run.ID,
						formatStateLabel(run.Mode),
						formatStateLabel(run.Trigger),
						formatStateLabel(run.Status),
						formatRelative(run.StartedAt),
						formatRunDuration(run.StartedAt, run.FinishedAt),
						strconv.Itoa(run.Processed),
						strconv.Itoa(run.Failed),
						formatBytes(run.BytesReclaimed),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Mode", "Trigger", "Status", "Started", "Duration", "Processed", "Failed", "Reclaimed"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
	runsCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list (0 for all)")

	runsCmd.AddCommand(newRunsShowCommand(ctx))
	runsCmd.AddCommand(newRunsExportCommand(ctx))
	return runsCmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run report with its outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := strings.TrimSpace(args[0])
			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				detail, err := fetchRunDetail(runCtx, client, store, runID)
				if err != nil {
					return err
				}
				printRunReport(cmd.OutOrStdout(), detail)
				return nil
			})
		},
	}
}

func newRunsExportCommand(ctx *commandContext) *cobra.Command {
	var failuresPath string
	var runID string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export run outcomes for offline triage",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(failuresPath)
			if target == "" {
				return errors.New("--failures <file> is required")
			}
			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				id := strings.TrimSpace(runID)
				if id == "" {
					latest, err := latestRunID(runCtx, client, store)
					if err != nil {
						return err
					}
					id = latest
				}
				detail, err := fetchRunDetail(runCtx, client, store, id)
				if err != nil {
					return err
				}

				count, err := writeFailureCSV(target, detail)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d failed outcomes from run %s to %s\n", count, id, target)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&failuresPath, "failures", "", "Write failed outcomes from the run to this CSV file")
	cmd.Flags().StringVar(&runID, "run", "", "Run to export (defaults to the most recent)")
	return cmd
}

// fetchRunDetail loads one run with its outcomes from the daemon or the
// database.
func fetchRunDetail(ctx context.Context, client *api.Client, store *ledger.Store, runID string) (api.RunDetailResponse, error) {
	if client != nil {
		detail, err := client.Run(ctx, runID)
		if errors.Is(err, api.ErrNotFound) {
			return detail, fmt.Errorf("run %s not found", runID)
		}
		return detail, err
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return api.RunDetailResponse{}, err
	}
	if run == nil {
		return api.RunDetailResponse{}, fmt.Errorf("run %s not found", runID)
	}
	outcomes, err := store.Outcomes(ctx, runID)
	if err != nil {
		return api.RunDetailResponse{}, err
	}
	return api.RunDetailResponse{Run: api.FromRun(run), Outcomes: api.FromOutcomes(outcomes)}, nil
}

func latestRunID(ctx context.Context, client *api.Client, store *ledger.Store) (string, error) {
	if client != nil {
		runs, err := client.Runs(ctx, 1)
		if err != nil {
			return "", err
		}
		if len(runs) == 0 {
			return "", errors.New("no runs recorded yet")
		}
		return runs[0].ID, nil
	}

	run, err := store.LastRun(ctx)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", errors.New("no runs recorded yet")
	}
	return run.ID, nil
}

// writeFailureCSV writes the failed outcomes of a run as CSV. The file is
// written even when the run had no failures so downstream tooling always
// finds a header.
func writeFailureCSV(path string, detail api.RunDetailResponse) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"run_id", "library_id", "series", "code", "season", "episode", "detail", "watched_by"}
	if err := writer.Write(header); err != nil {
		return 0, err
	}

	count := 0
	for _, outcome := range detail.Outcomes {
		if outcome.Outcome != string(ledger.OutcomeFailed) {
			continue
		}
		record := []string{
			detail.Run.ID,
			outcome.LibraryID,
			outcome.SeriesTitle,
			outcome.Code,
			strconv.Itoa(outcome.Season),
			strconv.Itoa(outcome.Episode),
			outcome.Detail,
			strings.Join(outcome.WatchedBy, ";"),
		}
		if err := writer.Write(record); err != nil {
			return count, err
		}
		count++
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return count, err
	}
	if err := file.Close(); err != nil {
		return count, fmt.Errorf("flush export file: %w", err)
	}
	return count, nil
}
