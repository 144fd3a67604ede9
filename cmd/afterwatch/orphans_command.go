package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/reconcile"
	"afterwatch/internal/services/sonarr"
)

func newOrphansCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "Scan reclaimed episodes whose placeholder disagrees with disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				var orphans []api.Orphan
				if client != nil {
					var err error
					orphans, err = client.Orphans(runCtx)
					if err != nil {
						return err
					}
				} else {
					gateway, err := sonarr.New(ctx.configValue())
					if err != nil {
						return err
					}
					found, err := reconcile.New(store, gateway, logging.NewNop()).FindOrphans(runCtx)
					if err != nil {
						return err
					}
					orphans = api.FromOrphans(found)
				}

				out := cmd.OutOrStdout()
				if len(orphans) == 0 {
					fmt.Fprintln(out, "No orphaned placeholders found")
					return nil
				}
				rows := make([][]string, 0, len(orphans))
				for _, orphan := range orphans {
					rows = append(rows, []string{
						orphan.Episode.SeriesTitle,
						orphan.Episode.Code,
						orphan.Episode.PlaceholderPath,
						orphan.Reason,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Series", "Episode", "Placeholder", "Reason"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
				))
				fmt.Fprintln(out, "Orphans are re-verified and recorded during the next run")
				return nil
			})
		},
	}
}
