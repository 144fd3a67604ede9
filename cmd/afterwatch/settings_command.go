package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/ledger"
)

func newSettingsCommand(ctx *commandContext) *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change run settings",
	}
	settingsCmd.AddCommand(newSettingsShowCommand(ctx))
	settingsCmd.AddCommand(newSettingsSetCommand(ctx))
	return settingsCmd
}

func newSettingsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the persisted run settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				settings, err := fetchSettings(runCtx, client, store)
				if err != nil {
					return err
				}
				printSettings(cmd.OutOrStdout(), settings)
				return nil
			})
		},
	}
}

func newSettingsSetCommand(ctx *commandContext) *cobra.Command {
	var mode string
	var delayDays int
	var schedule string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change run settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("mode") && !flags.Changed("delay-days") && !flags.Changed("schedule") {
				return errors.New("nothing to change; pass --mode, --delay-days, or --schedule")
			}

			return ctx.withLedger(cmd, func(runCtx context.Context, client *api.Client, store *ledger.Store) error {
				settings, err := fetchSettings(runCtx, client, store)
				if err != nil {
					return err
				}

				if flags.Changed("mode") {
					switch strings.ToLower(strings.TrimSpace(mode)) {
					case "test":
						settings.TestMode = true
					case "live":
						settings.TestMode = false
					default:
						return fmt.Errorf("unknown mode %q (use test or live)", mode)
					}
				}
				if flags.Changed("delay-days") {
					settings.DelayDays = delayDays
				}
				if flags.Changed("schedule") {
					hour, minute, err := parseSchedule(schedule)
					if err != nil {
						return err
					}
					settings.ScheduleHour = hour
					settings.ScheduleMinute = minute
				}

				updated, err := saveSettings(runCtx, client, store, settings)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printSettings(out, updated)
				if client == nil {
					fmt.Fprintln(out, "Daemon is not running; the new schedule applies when it starts")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Run mode: test or live")
	cmd.Flags().IntVar(&delayDays, "delay-days", 0, "Days a fully-watched episode waits before processing")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Daily run time as HH:MM")
	return cmd
}

func fetchSettings(ctx context.Context, client *api.Client, store *ledger.Store) (api.Settings, error) {
	if client != nil {
		return client.Settings(ctx)
	}
	settings, err := store.Settings(ctx)
	if err != nil {
		return api.Settings{}, err
	}
	return api.FromSettings(settings), nil
}

// saveSettings persists through the daemon when it is up, so the run schedule
// is rebuilt immediately; otherwise it writes the database directly.
func saveSettings(ctx context.Context, client *api.Client, store *ledger.Store, settings api.Settings) (api.Settings, error) {
	if client != nil {
		return client.UpdateSettings(ctx, settings)
	}
	if err := store.UpdateSettings(ctx, api.ToSettings(settings)); err != nil {
		return api.Settings{}, err
	}
	stored, err := store.Settings(ctx)
	if err != nil {
		return api.Settings{}, err
	}
	return api.FromSettings(stored), nil
}

func printSettings(w io.Writer, settings api.Settings) {
	mode := "live"
	if settings.TestMode {
		mode = "test"
	}
	rows := [][]string{
		{"Mode", mode},
		{"Schedule", fmt.Sprintf("Daily at %02d:%02d", settings.ScheduleHour, settings.ScheduleMinute)},
		{"Grace delay", fmt.Sprintf("%d days", settings.DelayDays)},
	}
	if settings.UpdatedAt != "" {
		rows = append(rows, []string{"Updated", formatTimestamp(settings.UpdatedAt)})
	}
	fmt.Fprintln(w, renderTable([]string{"Setting", "Value"}, rows, []columnAlignment{alignLeft, alignLeft}))
}
