package main

import (
	"fmt"
	"io"
	"strconv"

	"afterwatch/internal/api"
)

// printRunReport renders one run with its per-episode outcomes. Shared by
// `run --wait` and `runs show`.
func printRunReport(w io.Writer, detail api.RunDetailResponse) {
	run := detail.Run

	fmt.Fprintf(w, "Run %s\n", run.ID)

	rows := [][]string{
		{"Status", formatStateLabel(run.Status)},
		{"Mode", formatStateLabel(run.Mode)},
		{"Trigger", formatStateLabel(run.Trigger)},
		{"Started", formatTimestamp(run.StartedAt)},
		{"Duration", formatRunDuration(run.StartedAt, run.FinishedAt)},
		{"Processed", strconv.Itoa(run.Processed)},
		{"Failed", strconv.Itoa(run.Failed)},
		{"Skipped", strconv.Itoa(run.Skipped)},
		{"Pending delay", strconv.Itoa(run.Pending)},
		{"Orphans flagged", strconv.Itoa(run.Orphaned)},
		{"Seasons completed", strconv.Itoa(run.SeasonsCompleted)},
		{"Space reclaimed", formatBytes(run.BytesReclaimed)},
	}
	if run.ErrorMessage != "" {
		rows = append(rows, []string{"Error", run.ErrorMessage})
	}
	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft}))

	if len(detail.Outcomes) == 0 {
		fmt.Fprintln(w, "No episode outcomes recorded")
		return
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Seq", "Episode", "Outcome", "Size", "Detail"},
		buildOutcomeRows(detail.Outcomes),
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
	))
}

func buildOutcomeRows(outcomes []api.RunOutcome) [][]string {
	rows := make([][]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		episode := outcome.SeriesTitle
		if outcome.Code != "" {
			episode += " " + outcome.Code
		}
		rows = append(rows, []string{
			strconv.Itoa(outcome.Seq),
			episode,
			formatStateLabel(outcome.Outcome),
			formatBytes(outcome.Bytes),
			outcome.Detail,
		})
	}
	return rows
}
