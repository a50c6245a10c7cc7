// Package history orchestrates persistence and enrichment of comparison
// runs: it sits between the metric producer, the store, the composite
// calculator and the statistics engine.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/imgcomp/imgcomp/internal/config"
	"github.com/imgcomp/imgcomp/internal/database"
	"github.com/imgcomp/imgcomp/internal/metrics"
	"github.com/imgcomp/imgcomp/internal/stats"
)

// Manager manages historical comparison data for one process invocation.
//
// History is a best-effort enhancement: any storage failure after New
// logs a single warning and disables the manager for the rest of the
// process, so the primary comparison workflow never fails on its account.
type Manager struct {
	cfg      *config.Config
	db       *database.DB
	engine   *stats.Engine
	disabled bool
}

// New resolves the database path from the configuration (explicit path,
// or the hidden default under the comparison base dir), opens the store
// and validates any configured composite weights. Opening the same path
// twice is safe; schema creation is idempotent.
func New(cfg *config.Config) (*Manager, error) {
	// Validate configured weights up front: configuration errors are
	// raised here, never silently corrected later.
	if _, err := calculatorFor(cfg, nil); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.HistoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing history store: %w", err)
	}

	log.Printf("history database: %s", db.Path())
	return &Manager{
		cfg:    cfg,
		db:     db,
		engine: stats.NewEngine(cfg.History.AnomalyThreshold, cfg.History.MinHistoryCount),
	}, nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.db.Close()
}

// DB exposes the underlying store for retention and report tooling.
func (m *Manager) DB() *database.DB {
	return m.db
}

// Disabled reports whether a storage failure has disabled history for
// this process.
func (m *Manager) Disabled() bool {
	return m.disabled
}

func (m *Manager) disable(err error) {
	if m.disabled {
		return
	}
	m.disabled = true
	log.Printf("warning: history disabled for this run: %v", err)
}

// calculatorFor builds the composite calculator: explicit YAML weights
// win; otherwise the active database configuration applies. A database
// row still carrying the seeded equal-weight defaults keeps automatic
// weight selection, so records with a perceptual metric score on the
// five-way split.
func calculatorFor(cfg *config.Config, row *database.CompositeMetricConfig) (*metrics.Calculator, error) {
	if w := cfg.Composite.Weights; w != nil {
		return metrics.NewCalculator(&metrics.Weights{
			PixelDiff:     w.PixelDiff,
			SSIM:          w.SSIM,
			ColorDistance: w.ColorDistance,
			Histogram:     w.Histogram,
			Flip:          w.Flip,
		}, nil)
	}

	if row == nil || isSeededDefault(row) {
		return metrics.NewCalculator(nil, nil)
	}

	return metrics.NewCalculator(
		&metrics.Weights{
			PixelDiff:     row.WeightPixelDiff,
			SSIM:          row.WeightSSIM,
			ColorDistance: row.WeightColorDistance,
			Histogram:     row.WeightHistogram,
			Flip:          row.WeightFlip,
		},
		&metrics.Bounds{
			PixelDiffMax:          row.PixelDiffMax,
			ColorDistanceMax:      row.ColorDistanceMax,
			HistogramChiSquareMax: row.HistogramChiSqMax,
			FlipMax:               row.FlipMax,
		},
	)
}

func isSeededDefault(row *database.CompositeMetricConfig) bool {
	return row.WeightFlip == 0 &&
		row.WeightPixelDiff == 0.25 && row.WeightSSIM == 0.25 &&
		row.WeightColorDistance == 0.25 && row.WeightHistogram == 0.25
}

// Calculator returns the composite calculator in effect right now,
// reading the active database configuration fresh so weight changes
// apply without a restart.
func (m *Manager) Calculator() (*metrics.Calculator, error) {
	row, err := m.db.GetActiveMetricConfig()
	if err != nil {
		return nil, err
	}
	return calculatorFor(m.cfg, row)
}

// Record is the full persistence pass for one comparison invocation:
// composite scoring, historical enrichment (against data saved by prior
// runs), run + result persistence, durable statistics, and the run's
// anomaly summary count.
//
// Storage failures are absorbed: they disable history and return run id
// 0. Only configuration errors (invalid stored weights) are returned.
func (m *Manager) Record(results []*metrics.Result, notes string) (int64, error) {
	if m.disabled {
		return 0, nil
	}

	calc, err := m.Calculator()
	if err != nil {
		if isConfigErr(err) {
			return 0, err
		}
		m.disable(err)
		return 0, nil
	}
	calc.EnrichResults(results)

	// Enrichment runs before persistence, so the historical series
	// naturally excludes the current run.
	if err := m.EnrichWithHistory(results); err != nil {
		m.disable(err)
		return 0, nil
	}

	runID, err := m.SaveRun(results, notes)
	if err != nil {
		m.disable(err)
		return 0, nil
	}

	ids, err := m.SaveResults(runID, results)
	if err != nil {
		m.disable(err)
		return 0, nil
	}

	if err := m.PersistStatistics(ids, results); err != nil {
		m.disable(err)
		return 0, nil
	}

	summary := stats.Summarize(results)
	if err := m.db.UpdateRunAnomalyCount(runID, summary.TotalAnomalies); err != nil {
		m.disable(err)
		return 0, nil
	}

	log.Printf("saved run %d: %d images, %d anomalies (%.0f%% of %d with stats)",
		runID, len(results), summary.TotalAnomalies,
		summary.AnomalyRate*100, summary.WithStatistics)
	return runID, nil
}

func isConfigErr(err error) bool {
	return errors.Is(err, metrics.ErrInvalidWeights) || errors.Is(err, metrics.ErrInvalidBounds)
}

// configSnapshot is the serialized audit record of the settings in
// effect for a run. Opaque to the history subsystem itself.
type configSnapshot struct {
	PixelDiffThreshold     float64 `json:"pixel_diff_threshold"`
	SSIMThreshold          float64 `json:"ssim_threshold"`
	ColorDistanceThreshold float64 `json:"color_distance_threshold"`
	AnomalyThreshold       float64 `json:"anomaly_threshold"`
	MinHistoryCount        int     `json:"min_history_count"`
}

// SaveRun inserts the run row: resolved build number, aggregate totals
// over the primary difference metric, and the configuration snapshot.
// A zero-image run is valid.
func (m *Manager) SaveRun(results []*metrics.Result, notes string) (int64, error) {
	var avgDiff, maxDiff float64
	for _, r := range results {
		d := r.Metrics.PercentDifferent()
		avgDiff += d
		if d > maxDiff {
			maxDiff = d
		}
	}
	if len(results) > 0 {
		avgDiff /= float64(len(results))
	}

	snapshot, err := json.Marshal(configSnapshot{
		PixelDiffThreshold:     m.cfg.Comparison.PixelDiffThreshold,
		SSIMThreshold:          m.cfg.Comparison.SSIMThreshold,
		ColorDistanceThreshold: m.cfg.Comparison.ColorDistanceThreshold,
		AnomalyThreshold:       m.engine.AnomalyThreshold,
		MinHistoryCount:        m.engine.MinHistoryCount,
	})
	if err != nil {
		return 0, fmt.Errorf("serializing config snapshot: %w", err)
	}

	run := &database.Run{
		BuildNumber:    m.resolveBuildNumber(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		BaseDir:        strPtr(m.cfg.Comparison.BaseDir),
		NewDir:         strPtr(m.cfg.Comparison.NewDir),
		KnownGoodDir:   strPtr(m.cfg.Comparison.KnownGoodDir),
		ConfigSnapshot: strPtr(string(snapshot)),
		TotalImages:    len(results),
		AvgDifference:  avgDiff,
		MaxDifference:  maxDiff,
	}
	if notes != "" {
		run.Notes = &notes
	}
	if m.cfg.History.CommitHash != "" {
		run.CommitHash = &m.cfg.History.CommitHash
	}

	return m.db.InsertRun(run)
}

// resolveBuildNumber returns the configured build number, or an
// auto-generated timestamp-based one so the column is never empty.
func (m *Manager) resolveBuildNumber() string {
	if m.cfg.History.BuildNumber != "" {
		return m.cfg.History.BuildNumber
	}
	return "auto_" + time.Now().Format("20060102_150405")
}

// SaveResults persists all results for a run as one transaction and
// returns their ids. Partial failure rolls back the whole batch.
func (m *Manager) SaveResults(runID int64, results []*metrics.Result) ([]int64, error) {
	rows := make([]*database.Result, len(results))
	for i, r := range results {
		rows[i] = toRow(r)
	}
	return m.db.InsertResults(runID, rows)
}

// HistoryForImage returns historical entries for one image, newest
// first, limited to the configured history window when limit <= 0.
func (m *Manager) HistoryForImage(filename string, subdirectory *string, limit int) ([]database.ImageHistoryEntry, error) {
	if limit <= 0 {
		limit = m.cfg.History.HistoryLimit
	}
	return m.db.GetHistoryForImage(filename, subdirectory, limit)
}

// EnrichWithHistory sets the historical statistics fields on each result
// from prior runs of the same (filename, subdirectory) key. Read-only
// with respect to storage; durable statistics require PersistStatistics.
func (m *Manager) EnrichWithHistory(results []*metrics.Result) error {
	for _, r := range results {
		subdir := r.Subdirectory
		history, err := m.HistoryForImage(r.Filename, &subdir, 0)
		if err != nil {
			return err
		}

		scores := make([]float64, 0, len(history))
		for _, h := range history {
			if h.CompositeScore != nil {
				scores = append(scores, *h.CompositeScore)
			}
		}

		m.engine.Enrich(r, scores)
	}
	return nil
}

// PersistStatistics makes the enrichment fields durable for results that
// were saved with the given ids (parallel slices).
func (m *Manager) PersistStatistics(resultIDs []int64, results []*metrics.Result) error {
	if len(resultIDs) != len(results) {
		return fmt.Errorf("persisting statistics: %d ids for %d results", len(resultIDs), len(results))
	}
	for i, r := range results {
		err := m.db.UpdateResultStatistics(resultIDs[i],
			r.HistoricalMean, r.HistoricalStdDev, r.StdDevFromMean, r.IsAnomaly)
		if err != nil {
			return err
		}
	}
	return nil
}

// toRow flattens a comparison result into its storage row. Absent
// analyzers stay NULL; the full record is kept as a JSON backup column.
func toRow(r *metrics.Result) *database.Result {
	row := &database.Result{
		Filename:       r.Filename,
		Subdirectory:   r.Subdirectory,
		NewImagePath:   strPtr(r.NewImagePath),
		KnownGoodPath:  strPtr(r.KnownGoodPath),
		CompositeScore: r.CompositeScore,
		HistoricalMean: r.HistoricalMean, HistoricalStdDev: r.HistoricalStdDev,
		StdDevFromMean: r.StdDevFromMean, IsAnomaly: r.IsAnomaly,
	}

	if p := r.Metrics.PixelDiff; p != nil {
		row.PixelDifference = &p.PercentDifferent
		row.ChangedPixels = &p.ChangedPixels
		row.MeanAbsoluteError = &p.MeanAbsoluteError
		row.MaxPixelDifference = &p.MaxDifference
	}
	if s := r.Metrics.SSIM; s != nil {
		row.SSIMScore = &s.Score
		row.SSIMPercentage = &s.Percentage
	}
	if c := r.Metrics.Color; c != nil {
		row.MeanColorDistance = &c.MeanDistance
		row.MaxColorDistance = &c.MaxDistance
		row.SignificantColorChanges = &c.SignificantChanges
	}
	if h := r.Metrics.Histogram; h != nil {
		row.RedHistogramCorrelation = &h.RedCorrelation
		row.GreenHistogramCorrelation = &h.GreenCorrelation
		row.BlueHistogramCorrelation = &h.BlueCorrelation
		row.RedHistogramChiSquare = &h.RedChiSquare
		row.GreenHistogramChiSquare = &h.GreenChiSquare
		row.BlueHistogramChiSquare = &h.BlueChiSquare
	}
	if f := r.Metrics.Flip; f != nil {
		row.FlipMean = &f.Mean
		row.FlipWeightedMedian = &f.WeightedMedian
	}

	if b, err := json.Marshal(r.Metrics); err == nil {
		row.MetricsJSON = strPtr(string(b))
	}

	return row
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
