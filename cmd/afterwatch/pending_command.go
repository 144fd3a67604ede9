package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/ledger"
)

func newPendingCommand(ctx *commandContext) *cobra.Command {
	var process bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List episodes waiting out the grace delay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if process {
				return ctx.withDaemon(cmd, func(runCtx context.Context, client *api.Client) error {
					resp, err := client.ProcessPending(runCtx)
					if err != nil {
						if errors.Is(err, api.ErrRunActive) {
							return errors.New("a run is already active; check `afterwatch status`")
						}
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Started run %s (grace delay bypassed)\n", resp.RunID)
					return nil
				})
			}

			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				var resp api.PendingResponse
				if client != nil {
					var err error
					resp, err = client.Pending(runCtx)
					if err != nil {
						return err
					}
				} else {
					episodes, err := store.ListPending(runCtx)
					if err != nil {
						return err
					}
					settings, err := store.Settings(runCtx)
					if err != nil {
						return err
					}
					resp = api.PendingResponse{
						Episodes:  api.FromEpisodes(episodes),
						DelayDays: settings.DelayDays,
					}
				}

				out := cmd.OutOrStdout()
				if len(resp.Episodes) == 0 {
					fmt.Fprintln(out, "No episodes are waiting out the delay")
					return nil
				}
				rows := make([][]string, 0, len(resp.Episodes))
				for _, episode := range resp.Episodes {
					rows = append(rows, []string{
						episode.SeriesTitle,
						episode.Code,
						episode.Title,
						formatViewers(episode.WatchedBy),
						formatEligible(episode.EligibleSince, resp.DelayDays),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Series", "Episode", "Title", "Watched By", "Processable"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				fmt.Fprintf(out, "Grace delay: %d days\n", resp.DelayDays)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&process, "process", false, "Start a run that bypasses the grace delay")
	return cmd
}
