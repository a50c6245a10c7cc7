package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/imgcomp/imgcomp/internal/config"
	"github.com/imgcomp/imgcomp/internal/database"
	"github.com/imgcomp/imgcomp/internal/export"
	"github.com/imgcomp/imgcomp/internal/history"
	"github.com/imgcomp/imgcomp/internal/metrics"
	"github.com/imgcomp/imgcomp/internal/retention"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "imgcomp",
	Short:   "Image comparison history tracking",
	Long:    "imgcomp records image comparison runs, scores them against historical baselines, and flags statistical anomalies.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(weightsCmd)
	rootCmd.AddCommand(annotateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("imgcomp", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/imgcomp/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure directories, thresholds, and retention.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show history database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("reading stats: %w", err)
		}

		fmt.Printf("Database:       %s\n", db.Path())
		fmt.Printf("Runs:           %d\n", stats.TotalRuns)
		fmt.Printf("Results:        %d\n", stats.TotalResults)
		fmt.Printf("Annotated runs: %d\n", stats.AnnotatedRuns)
		fmt.Printf("Anomalous runs: %d\n", stats.AnomalousRuns)
		if stats.OldestRun != "" {
			fmt.Printf("Oldest run:     %s\n", stats.OldestRun)
			fmt.Printf("Newest run:     %s\n", stats.NewestRun)
		}

		policy, err := db.GetRetentionPolicy()
		if err != nil {
			return fmt.Errorf("reading retention policy: %w", err)
		}
		if policy != nil {
			fmt.Printf("Retention:      keep_all=%v annotated=%v anomalies=%v\n",
				policy.KeepAllRuns, policy.KeepAnnotated, policy.KeepAnomalies)
			if policy.LastCleanupTimestamp != nil {
				fmt.Printf("Last cleanup:   %s\n", *policy.LastCleanupTimestamp)
			}
		}
		return nil
	},
}

var (
	recordInput string
	recordNotes string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a comparison run from a metric-record JSON file",
	Long: `Record ingests the per-image metric records produced by the comparison
stage, computes composite scores, enriches them against historical
baselines, and persists the run. History failures degrade to a warning;
the input is never the reason a comparison fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(recordInput)
		if err != nil {
			return fmt.Errorf("reading metric records: %w", err)
		}

		var results []*metrics.Result
		if err := json.Unmarshal(data, &results); err != nil {
			return fmt.Errorf("parsing metric records: %w", err)
		}

		if !cfg.History.Enabled {
			fmt.Println("History is disabled in configuration; nothing recorded.")
			return nil
		}

		mgr, err := history.New(cfg)
		if err != nil {
			// Bad configuration is the operator's problem; a broken store
			// only costs the history enhancement.
			if errors.Is(err, metrics.ErrInvalidWeights) || errors.Is(err, metrics.ErrInvalidBounds) {
				return err
			}
			log.Printf("warning: history disabled: %v", err)
			return nil
		}
		defer mgr.Close()

		runID, err := mgr.Record(results, recordNotes)
		if err != nil {
			return err
		}
		if runID == 0 {
			return nil
		}

		fmt.Printf("Recorded run %d with %d images\n", runID, len(results))
		for _, r := range results {
			if r.IsAnomaly && r.StdDevFromMean != nil {
				fmt.Printf("  ANOMALY %s (%+.2fσ from baseline)\n", r.Filename, *r.StdDevFromMean)
			}
		}
		return nil
	},
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent comparison runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.GetAllRuns(runsLimit)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}

		for _, r := range runs {
			anomalies := "-"
			if r.AnomalyCount != nil {
				anomalies = strconv.Itoa(*r.AnomalyCount)
			}
			fmt.Printf("%6d  %-24s %s  images=%-4d avg=%.2f%% max=%.2f%% anomalies=%s\n",
				r.RunID, r.BuildNumber, r.Timestamp, r.TotalImages,
				r.AvgDifference, r.MaxDifference, anomalies)
		}
		return nil
	},
}

var (
	historySubdir string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history <filename>",
	Short: "Show historical scores for one image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var subdir *string
		if cmd.Flags().Changed("subdir") {
			subdir = &historySubdir
		}

		entries, err := db.GetHistoryForImage(args[0], subdir, historyLimit)
		if err != nil {
			return fmt.Errorf("querying history: %w", err)
		}
		if len(entries) == 0 {
			fmt.Printf("No history for %s\n", args[0])
			return nil
		}

		for _, e := range entries {
			marker := ""
			if e.IsAnomaly {
				marker = "  ANOMALY"
			}
			fmt.Printf("%s  %-24s %s%s\n",
				e.Timestamp, e.BuildNumber, formatScore(e.CompositeScore), marker)
		}
		return nil
	},
}

var (
	reportHTML bool
	reportOut  string
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Generate a Markdown or HTML summary for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		out, err := export.RunReport(db, runID)
		if err != nil {
			return err
		}
		if reportHTML {
			out, err = export.RenderHTML(out)
			if err != nil {
				return err
			}
		}

		if reportOut == "" {
			fmt.Print(out)
			return nil
		}
		if err := os.WriteFile(reportOut, []byte(out), 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Printf("Wrote report: %s\n", reportOut)
		return nil
	},
}

var (
	cleanupDryRun     bool
	cleanupVacuum     bool
	cleanupFromConfig bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old runs according to the retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		// The stored policy row governs cleanup; --from-config replaces
		// it with the YAML retention section first.
		if cleanupFromConfig {
			c := cfg.Retention
			row := &database.RetentionPolicyRow{
				IsActive:      true,
				KeepAllRuns:   c.KeepAllRuns,
				MaxRunsToKeep: c.MaxRunsToKeep,
				MaxAgeDays:    c.MaxAgeDays,
				KeepAnnotated: c.KeepAnnotated,
				KeepAnomalies: c.KeepAnomalies,
			}
			if err := db.UpdateRetentionPolicy(row); err != nil {
				return fmt.Errorf("updating retention policy: %w", err)
			}
		}

		row, err := db.GetRetentionPolicy()
		if err != nil {
			return fmt.Errorf("reading retention policy: %w", err)
		}
		if row == nil {
			return fmt.Errorf("no retention policy configured")
		}

		engine := retention.NewEngine(db)
		report, err := engine.Execute(retention.PolicyFromRow(row), cleanupDryRun)
		if err != nil {
			return err
		}

		if cleanupDryRun {
			fmt.Printf("Dry run: would delete %d of %d runs (%d protected)\n",
				len(report.DeletedRunIDs), report.RunsEvaluated, report.RunsProtected)
			for _, id := range report.DeletedRunIDs {
				fmt.Printf("  run %d\n", id)
			}
			return nil
		}

		fmt.Printf("Deleted %d of %d runs (%d protected)\n",
			report.RunsDeleted, report.RunsEvaluated, report.RunsProtected)

		if cleanupVacuum && report.RunsDeleted > 0 {
			if err := db.Vacuum(); err != nil {
				return fmt.Errorf("vacuuming database: %w", err)
			}
			fmt.Println("Database vacuumed.")
		}
		return nil
	},
}

var (
	weightPixelDiff float64
	weightSSIM      float64
	weightColor     float64
	weightHistogram float64
	weightFlip      float64
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Show or update the active composite metric weights",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if cmd.Flags().Changed("pixel-diff") || cmd.Flags().Changed("ssim") ||
			cmd.Flags().Changed("color") || cmd.Flags().Changed("histogram") ||
			cmd.Flags().Changed("flip") {
			return setWeights(db)
		}

		configs, err := db.GetMetricConfigVersions()
		if err != nil {
			return fmt.Errorf("reading metric configs: %w", err)
		}
		for _, c := range configs {
			marker := " "
			if c.IsActive {
				marker = "*"
			}
			fmt.Printf("%s v%d  pixel=%.2f ssim=%.2f color=%.2f histogram=%.2f flip=%.2f\n",
				marker, c.Version, c.WeightPixelDiff, c.WeightSSIM,
				c.WeightColorDistance, c.WeightHistogram, c.WeightFlip)
		}
		return nil
	},
}

func setWeights(db *database.DB) error {
	w := metrics.Weights{
		PixelDiff:     weightPixelDiff,
		SSIM:          weightSSIM,
		ColorDistance: weightColor,
		Histogram:     weightHistogram,
		Flip:          weightFlip,
	}
	// Validate before touching the store; invalid weights never persist.
	if _, err := metrics.NewCalculator(&w, nil); err != nil {
		return err
	}

	bounds := metrics.DefaultBounds()
	version, err := db.InsertMetricConfig(&database.CompositeMetricConfig{
		WeightPixelDiff:     w.PixelDiff,
		WeightSSIM:          w.SSIM,
		WeightColorDistance: w.ColorDistance,
		WeightHistogram:     w.Histogram,
		WeightFlip:          w.Flip,
		PixelDiffMax:        bounds.PixelDiffMax,
		ColorDistanceMax:    bounds.ColorDistanceMax,
		HistogramChiSqMax:   bounds.HistogramChiSquareMax,
		FlipMax:             bounds.FlipMax,
	})
	if err != nil {
		return fmt.Errorf("saving weights: %w", err)
	}
	fmt.Printf("Activated composite metric config v%d\n", version)
	return nil
}

var (
	annotateType     string
	annotateLabel    string
	annotateGeometry string
	annotateNotes    string
)

var annotateCmd = &cobra.Command{
	Use:   "annotate <result-id>",
	Short: "Attach a reviewer annotation to a result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resultID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid result id %q", args[0])
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := db.GetResult(resultID)
		if err != nil {
			return fmt.Errorf("loading result: %w", err)
		}
		if result == nil {
			return fmt.Errorf("result %d not found", resultID)
		}

		a := &database.Annotation{ResultID: resultID, AnnotationType: annotateType}
		if annotateLabel != "" {
			a.Label = &annotateLabel
		}
		if annotateGeometry != "" {
			a.GeometryJSON = &annotateGeometry
		}
		if annotateNotes != "" {
			a.Notes = &annotateNotes
		}

		id, err := db.InsertAnnotation(a)
		if err != nil {
			return err
		}
		fmt.Printf("Annotated result %d (annotation %d)\n", resultID, id)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordInput, "input", "i", "", "Metric-record JSON file from the comparison stage")
	recordCmd.Flags().StringVarP(&recordNotes, "notes", "n", "", "Free-text notes for this run")
	recordCmd.MarkFlagRequired("input")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "Maximum runs to list")

	historyCmd.Flags().StringVar(&historySubdir, "subdir", "", "Filter by subdirectory (empty matches root-level images)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Maximum entries to show")

	reportCmd.Flags().BoolVar(&reportHTML, "html", false, "Render HTML instead of Markdown")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "Write to file instead of stdout")

	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Report what would be deleted without deleting")
	cleanupCmd.Flags().BoolVar(&cleanupVacuum, "vacuum", false, "Vacuum the database after deleting")
	cleanupCmd.Flags().BoolVar(&cleanupFromConfig, "from-config", false, "Replace the stored policy with the config file's retention section first")

	weightsCmd.Flags().Float64Var(&weightPixelDiff, "pixel-diff", 0, "Pixel difference weight")
	weightsCmd.Flags().Float64Var(&weightSSIM, "ssim", 0, "SSIM weight")
	weightsCmd.Flags().Float64Var(&weightColor, "color", 0, "Color distance weight")
	weightsCmd.Flags().Float64Var(&weightHistogram, "histogram", 0, "Histogram weight")
	weightsCmd.Flags().Float64Var(&weightFlip, "flip", 0, "Perceptual (FLIP) weight")

	annotateCmd.Flags().StringVar(&annotateType, "type", "classification", "Annotation type (bounding_box, polygon, point, classification)")
	annotateCmd.Flags().StringVar(&annotateLabel, "label", "", "Label or class name")
	annotateCmd.Flags().StringVar(&annotateGeometry, "geometry", "", "Geometry JSON (required for non-classification types)")
	annotateCmd.Flags().StringVar(&annotateNotes, "notes", "", "Reviewer notes")
}

func openDB() (*database.DB, error) {
	db, err := database.Open(cfg.HistoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	return db, nil
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%7.2f", *score)
}
