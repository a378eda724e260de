package main

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/result"
)

// printSummary reports the outcome counts and best by m.
func printSummary(w io.Writer, sum result.Summary, best *result.Result, m result.Metric) {
	_, _ = fmt.Fprintf(w, "attempted %d: %d ok, %d incorrect, %d compilation failed, %d launch failed, %d fatal\n",
		sum.Attempted, sum.Succeeded, sum.Incorrect, sum.CompilationFailed, sum.LaunchFailed, sum.Fatal)
	if best == nil {
		_, _ = fmt.Fprintln(w, "no successful configuration")
		return
	}
	_, _ = fmt.Fprintf(w, "best %s: %s %s (device %d)\n", best.Configuration, formatDuration(m.Of(*best)), m, best.Device)
}

// printTop lists the n fastest successful results, ascending by metric.
func printTop(w io.Writer, results []result.Result, m result.Metric, n int) {
	ok := make([]result.Result, 0, len(results))
	for _, r := range results {
		if r.Ok() {
			ok = append(ok, r)
		}
	}
	slices.SortStableFunc(ok, func(a, b result.Result) int {
		return cmp.Compare(m.Of(a), m.Of(b))
	})
	if n > 0 && len(ok) > n {
		ok = ok[:n]
	}
	printResults(w, ok)
}

func printResults(w io.Writer, results []result.Result) {
	for _, r := range results {
		status := string(r.Status)
		if r.Incorrect() {
			status = "incorrect"
		}
		line := fmt.Sprintf("  %4d  %-18s %10s  %s", r.Seq, status, formatDuration(r.Duration), r.Configuration)
		if r.Error != "" {
			line += "  " + r.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func printSessions(w io.Writer, sessions []archive.Session) {
	for _, s := range sessions {
		best := "-"
		if s.Best != nil {
			best = formatDuration(s.Metric.Of(*s.Best))
		}
		_, _ = fmt.Fprintf(w, "  %-36s  %-9s %-20s %-6s %5d/%-5d %10s  %s\n",
			s.ID, s.State, s.Plan, s.Backend, s.Summary.Attempted, s.Total, best, s.Started.Local().Format(time.DateTime))
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(10 * time.Nanosecond).String()
}

func writeJSONL(path string, results []result.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := result.WriteJSONL(f, results); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
