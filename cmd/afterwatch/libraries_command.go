package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/ledger"
)

func newLibrariesCommand(ctx *commandContext) *cobra.Command {
	librariesCmd := &cobra.Command{
		Use:   "libraries",
		Short: "Inspect and change per-library processing rules",
	}
	librariesCmd.AddCommand(newLibrariesListCommand(ctx))
	librariesCmd.AddCommand(newLibrariesSetCommand(ctx))
	return librariesCmd
}

func newLibrariesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured libraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				var libraries []api.Library
				if client != nil {
					var err error
					libraries, err = client.Libraries(runCtx)
					if err != nil {
						return err
					}
				} else {
					rows, err := store.Libraries(runCtx)
					if err != nil {
						return err
					}
					libraries = api.FromLibraries(rows)
				}

				out := cmd.OutOrStdout()
				if len(libraries) == 0 {
					fmt.Fprintln(out, "No libraries configured; add one with `afterwatch libraries set <id>`")
					return nil
				}
				rows := make([][]string, 0, len(libraries))
				for _, library := range libraries {
					rows = append(rows, []string{
						library.ID,
						library.Name,
						yesNo(library.Enabled),
						formatViewers(library.RequiredViewers),
						formatViewers(library.ExcludedViewers),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Name", "Enabled", "Required Viewers", "Excluded Viewers"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newLibrariesSetCommand(ctx *commandContext) *cobra.Command {
	var name string
	var required []string
	var excluded []string
	var enable bool
	var disable bool

	cmd := &cobra.Command{
		Use:   "set <library-id>",
		Short: "Create or change one library's processing rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return errors.New("--enable and --disable are mutually exclusive")
			}
			libraryID := strings.TrimSpace(args[0])
			if libraryID == "" {
				return errors.New("library id must not be empty")
			}

			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				library, err := fetchLibrary(runCtx, client, store, libraryID)
				if err != nil {
					return err
				}

				flags := cmd.Flags()
				if flags.Changed("name") {
					library.Name = strings.TrimSpace(name)
				}
				if flags.Changed("require") {
					library.RequiredViewers = required
				}
				if flags.Changed("exclude") {
					library.ExcludedViewers = excluded
				}
				if enable {
					library.Enabled = true
				}
				if disable {
					library.Enabled = false
				}

				saved, err := saveLibrary(runCtx, client, store, library)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Library %s saved (enabled: %s, required viewers: %s)\n",
					saved.ID, yesNo(saved.Enabled), formatViewers(saved.RequiredViewers))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name for the library")
	cmd.Flags().StringSliceVar(&required, "require", nil, "Viewers who must all have watched an episode (replaces the set)")
	cmd.Flags().StringSliceVar(&excluded, "exclude", nil, "Viewers whose watch state is ignored (replaces the set)")
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable processing for the library")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable processing for the library")
	return cmd
}

// fetchLibrary loads one library config, or seeds a new enabled one when the
// id is unknown.
func fetchLibrary(ctx context.Context, client *api.Client, store *ledger.Store, id string) (api.Library, error) {
	if client != nil {
		libraries, err := client.Libraries(ctx)
		if err != nil {
			return api.Library{}, err
		}
		for _, library := range libraries {
			if library.ID == id {
				return library, nil
			}
		}
		return api.Library{ID: id, Enabled: true}, nil
	}

	library, err := store.GetLibrary(ctx, id)
	if err != nil {
		return api.Library{}, err
	}
	if library == nil {
		return api.Library{ID: id, Enabled: true}, nil
	}
	return api.FromLibrary(library), nil
}

func saveLibrary(ctx context.Context, client *api.Client, store *ledger.Store, library api.Library) (api.Library, error) {
	if client != nil {
		return client.SaveLibrary(ctx, library)
	}
	value := api.ToLibrary(library)
	if err := store.SaveLibrary(ctx, &value); err != nil {
		return api.Library{}, err
	}
	stored, err := store.GetLibrary(ctx, library.ID)
	if err != nil {
		return api.Library{}, err
	}
	if stored == nil {
		return api.Library{}, fmt.Errorf("library %s was not persisted", library.ID)
	}
	return api.FromLibrary(stored), nil
}
