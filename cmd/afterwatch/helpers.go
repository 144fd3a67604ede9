package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"afterwatch/internal/api"
)

var labelCaser = cases.Title(language.English)

// formatStateLabel renders snake_case ledger values as display labels, e.g.
// "pending_delay" becomes "Pending Delay".
func formatStateLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return labelCaser.String(strings.ReplaceAll(value, "_", " "))
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

// formatTimestamp renders an API timestamp as local wall-clock time.
func formatTimestamp(value string) string {
	t := api.ParseTime(value)
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// formatRelative renders an API timestamp as a humanized offset such as
// "3 days ago".
func formatRelative(value string) string {
	t := api.ParseTime(value)
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// formatRunDuration renders the elapsed span of a finished run.
func formatRunDuration(startedAt, finishedAt string) string {
	start := api.ParseTime(startedAt)
	end := api.ParseTime(finishedAt)
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed.Round(time.Second).String()
}

func formatViewers(viewers []string) string {
	if len(viewers) == 0 {
		return "-"
	}
	return strings.Join(viewers, ", ")
}

// formatEligible reports when a pending episode becomes processable given the
// configured grace delay.
func formatEligible(eligibleSince string, delayDays int) string {
	t := api.ParseTime(eligibleSince)
	if t.IsZero() {
		return "-"
	}
	due := t.Add(time.Duration(delayDays) * 24 * time.Hour)
	if !due.After(time.Now()) {
		return "now"
	}
	return humanize.Time(due)
}

// parseSchedule splits an HH:MM run time into its parts. Range checks are
// left to settings validation.
func parseSchedule(value string) (int, int, error) {
	hourPart, minutePart, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid schedule %q (use HH:MM)", value)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid schedule %q (use HH:MM)", value)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid schedule %q (use HH:MM)", value)
	}
	return hour, minute, nil
}

// buildStateRows turns a per-state episode count into sorted table rows.
func buildStateRows(states map[string]int) [][]string {
	if len(states) == 0 {
		return nil
	}
	keys := make([]string, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{formatStateLabel(key), strconv.Itoa(states[key])})
	}
	return rows
}
