package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"

	"DiscoveryScanner/internal/domain"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func statusColor(status domain.RunStatus) func(a ...interface{}) string {
	switch status {
	case domain.RunCompleted:
		return green
	case domain.RunPartialFailure:
		return yellow
	case domain.RunAborted:
		return red
	default:
		return gray
	}
}

func printRun(run domain.AggregationRun) {
	paint := statusColor(run.Status)
	fmt.Printf("\n%s\n", cyan("=== Aggregation Run ==="))
	fmt.Printf("  Run:      %s (%s)\n", run.ID, run.Trigger)
	fmt.Printf("  Status:   %s\n", paint(string(run.Status)))
	fmt.Printf("  Started:  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if !run.FinishedAt.IsZero() {
		fmt.Printf("  Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(10*time.Millisecond))
	}
	if run.Error != "" {
		fmt.Printf("  Error:    %s\n", red(run.Error))
	}

	sources := make([]string, 0, len(run.PerSourceStatus))
	for src := range run.PerSourceStatus {
		sources = append(sources, string(src))
	}
	sort.Strings(sources)
	if len(sources) > 0 {
		fmt.Printf("\n%s\n", yellow("Sources:"))
	}
	for _, src := range sources {
		st := run.PerSourceStatus[domain.Source(src)]
		if !st.OK {
			fmt.Printf("  %s %-12s %s\n", red("✗"), src, red(st.Error))
			continue
		}
		fmt.Printf("  %s %-12s items=%d created=%d updated=%d skipped=%d\n",
			green("✓"), src, st.ItemCount, st.Created, st.Updated, st.Skipped)
	}
	fmt.Println()
}

func printRuns(runs []domain.AggregationRun) {
	if len(runs) == 0 {
		fmt.Printf("  %s\n", gray("No runs recorded"))
		return
	}
	for _, run := range runs {
		paint := statusColor(run.Status)
		fmt.Printf("%s  %s  %-16s %-8s created=%d\n",
			run.StartedAt.Format("2006-01-02 15:04"), gray(run.ID), paint(string(run.Status)), run.Trigger, run.Created())
	}
}

func printPage(page domain.Page) {
	for _, rec := range page.Records {
		stale := ""
		if rec.Stale {
			stale = " " + gray("[stale]")
		}
		pop := ""
		if rec.Popularity != nil {
			pop = " " + yellow("★"+strconv.FormatFloat(*rec.Popularity, 'f', -1, 64))
		}
		fmt.Printf("%s %s%s%s\n", cyan(rec.Title), gray("("+string(rec.Source)+", "+string(rec.Category)+")"), pop, stale)
		fmt.Printf("  %s  %s\n", rec.PublishedAt.Format("2006-01-02"), rec.URL)
	}
	fmt.Printf("%s\n", gray(fmt.Sprintf("%d of %d (offset %d)", len(page.Records), page.Total, page.Offset)))
}

func printSent(sent bool) {
	if sent {
		fmt.Printf("%s\n", green("digest sent"))
		return
	}
	fmt.Printf("%s\n", gray("nothing to send"))
}
