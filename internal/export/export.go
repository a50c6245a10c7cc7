// Package export renders run summaries as Markdown or HTML for report
// tooling that reads the history database.
package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/imgcomp/imgcomp/internal/database"
	"github.com/imgcomp/imgcomp/internal/stats"
)

var md = goldmark.New()

// RunReport builds a Markdown summary for one run: run metadata,
// per-image composite scores with historical deviation, and trend
// direction for images with enough history.
func RunReport(db *database.DB, runID int64) (string, error) {
	run, err := db.GetRun(runID)
	if err != nil {
		return "", fmt.Errorf("loading run %d: %w", runID, err)
	}
	if run == nil {
		return "", fmt.Errorf("run %d not found", runID)
	}

	results, err := db.GetResultsForRun(runID)
	if err != nil {
		return "", fmt.Errorf("loading results for run %d: %w", runID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Comparison Run %d\n\n", run.RunID)
	fmt.Fprintf(&b, "- **Build:** %s\n", run.BuildNumber)
	fmt.Fprintf(&b, "- **Timestamp:** %s\n", run.Timestamp)
	if run.CommitHash != nil {
		fmt.Fprintf(&b, "- **Commit:** %s\n", *run.CommitHash)
	}
	fmt.Fprintf(&b, "- **Images:** %d\n", run.TotalImages)
	fmt.Fprintf(&b, "- **Avg difference:** %.2f%%\n", run.AvgDifference)
	fmt.Fprintf(&b, "- **Max difference:** %.2f%%\n", run.MaxDifference)
	if run.AnomalyCount != nil {
		fmt.Fprintf(&b, "- **Anomalies:** %d\n", *run.AnomalyCount)
	}
	if run.Notes != nil {
		fmt.Fprintf(&b, "- **Notes:** %s\n", *run.Notes)
	}
	b.WriteString("\n")

	if len(results) == 0 {
		b.WriteString("No images compared in this run.\n")
		return b.String(), nil
	}

	b.WriteString("## Results\n\n")
	b.WriteString("| Image | Composite | Deviation | Anomaly |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, r := range results {
		name := r.Filename
		if r.Subdirectory != "" {
			name = r.Subdirectory + "/" + r.Filename
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			name, formatScore(r.CompositeScore),
			formatSigma(r.StdDevFromMean), formatAnomaly(r.IsAnomaly))
	}
	b.WriteString("\n")

	writeTrends(&b, db, results)

	return b.String(), nil
}

// writeTrends appends a trend section for images with enough history to
// judge a direction.
func writeTrends(b *strings.Builder, db *database.DB, results []database.Result) {
	var lines []string
	for _, r := range results {
		subdir := r.Subdirectory
		history, err := db.GetHistoryForImage(r.Filename, &subdir, 100)
		if err != nil {
			continue
		}

		// History arrives newest first; the trend wants oldest to newest.
		scores := make([]float64, 0, len(history))
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].CompositeScore != nil {
				scores = append(scores, *history[i].CompositeScore)
			}
		}

		if direction := stats.Trend(scores, 0); direction != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s over %d runs", r.Filename, direction, len(scores)))
		}
	}

	if len(lines) > 0 {
		b.WriteString("## Trends\n\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
}

// RenderHTML converts a Markdown report to a standalone HTML document.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Comparison Report</title></head><body>\n")
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	buf.WriteString("</body></html>\n")
	return buf.String(), nil
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *score)
}

func formatSigma(dev *float64) string {
	if dev == nil {
		return "-"
	}
	return fmt.Sprintf("%+.2fσ", *dev)
}

func formatAnomaly(isAnomaly bool) string {
	if isAnomaly {
		return "⚠"
	}
	return ""
}
