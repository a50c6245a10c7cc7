package database

import (
	"database/sql"
)

const insertResultSQL = `INSERT INTO results (
	run_id, filename, subdirectory, new_image_path, known_good_path,
	pixel_difference, changed_pixels, mean_absolute_error, max_pixel_difference,
	ssim_score, ssim_percentage,
	mean_color_distance, max_color_distance, significant_color_changes,
	red_histogram_correlation, green_histogram_correlation, blue_histogram_correlation,
	red_histogram_chi_square, green_histogram_chi_square, blue_histogram_chi_square,
	flip_mean, flip_weighted_median,
	composite_score, historical_mean, historical_std_dev, std_dev_from_mean,
	is_anomaly, metrics_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func resultArgs(runID int64, r *Result) []any {
	return []any{
		runID, r.Filename, r.Subdirectory, r.NewImagePath, r.KnownGoodPath,
		r.PixelDifference, r.ChangedPixels, r.MeanAbsoluteError, r.MaxPixelDifference,
		r.SSIMScore, r.SSIMPercentage,
		r.MeanColorDistance, r.MaxColorDistance, r.SignificantColorChanges,
		r.RedHistogramCorrelation, r.GreenHistogramCorrelation, r.BlueHistogramCorrelation,
		r.RedHistogramChiSquare, r.GreenHistogramChiSquare, r.BlueHistogramChiSquare,
		r.FlipMean, r.FlipWeightedMedian,
		r.CompositeScore, r.HistoricalMean, r.HistoricalStdDev, r.StdDevFromMean,
		boolToInt(r.IsAnomaly), r.MetricsJSON,
	}
}

// InsertResults inserts all results for a run in a single transaction and
// returns their generated ids. A failure on any row rolls back the whole
// batch; no partial writes survive.
func (db *DB) InsertResults(runID int64, results []*Result) ([]int64, error) {
	if len(results) == 0 {
		return nil, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		res, err := tx.Exec(insertResultSQL, resultArgs(runID, r)...)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetResultsForRun returns all results for a run, worst composite score first.
func (db *DB) GetResultsForRun(runID int64) ([]Result, error) {
	rows, err := db.conn.Query(
		selectResult+" WHERE run_id = ? ORDER BY composite_score DESC", runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

// GetResult returns a single result by id, or nil if not found.
func (db *DB) GetResult(resultID int64) (*Result, error) {
	rows, err := db.conn.Query(selectResult+" WHERE result_id = ?", resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// GetHistoryForImage returns historical entries for an image across runs,
// newest first. A nil subdirectory matches any subdirectory; a non-nil one
// filters exactly (the empty string means root-level images). An unknown
// image yields an empty slice, not an error. A non-positive limit returns
// all entries.
func (db *DB) GetHistoryForImage(filename string, subdirectory *string, limit int) ([]ImageHistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT r.result_id, r.run_id, r.filename, r.subdirectory,
		runs.build_number, runs.timestamp, r.composite_score, r.is_anomaly
		FROM results r
		JOIN runs ON r.run_id = runs.run_id
		WHERE r.filename = ?`
	args := []any{filename}
	if subdirectory != nil {
		query += " AND r.subdirectory = ?"
		args = append(args, *subdirectory)
	}
	query += " ORDER BY runs.timestamp DESC, runs.run_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ImageHistoryEntry
	for rows.Next() {
		var e ImageHistoryEntry
		var anomaly *int
		if err := rows.Scan(&e.ResultID, &e.RunID, &e.Filename, &e.Subdirectory,
			&e.BuildNumber, &e.Timestamp, &e.CompositeScore, &anomaly); err != nil {
			return nil, err
		}
		e.IsAnomaly = anomaly != nil && *anomaly != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateResultStatistics persists the enrichment fields for one result.
// Enrichment itself is a read-only pass; callers that want is_anomaly
// durable issue this update explicitly.
func (db *DB) UpdateResultStatistics(resultID int64, mean, stdDev, deviation *float64, isAnomaly bool) error {
	_, err := db.conn.Exec(
		`UPDATE results SET historical_mean = ?, historical_std_dev = ?,
		std_dev_from_mean = ?, is_anomaly = ? WHERE result_id = ?`,
		mean, stdDev, deviation, boolToInt(isAnomaly), resultID,
	)
	return err
}

// RunsWithAnnotations returns which of the given runs own at least one
// annotated result.
func (db *DB) RunsWithAnnotations(runIDs []int64) ([]int64, error) {
	return db.queryRunIDs(
		`SELECT DISTINCT r.run_id FROM results r
		JOIN annotations a ON r.result_id = a.result_id
		WHERE r.run_id IN (`+placeholders(len(runIDs))+`)`, runIDs,
	)
}

// RunsWithAnomalies returns which of the given runs own at least one
// anomalous result.
func (db *DB) RunsWithAnomalies(runIDs []int64) ([]int64, error) {
	return db.queryRunIDs(
		`SELECT DISTINCT run_id FROM results
		WHERE run_id IN (`+placeholders(len(runIDs))+`) AND is_anomaly = 1`, runIDs,
	)
}

func (db *DB) queryRunIDs(query string, runIDs []int64) ([]int64, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const selectResult = `SELECT result_id, run_id, filename, subdirectory,
	new_image_path, known_good_path,
	pixel_difference, changed_pixels, mean_absolute_error, max_pixel_difference,
	ssim_score, ssim_percentage,
	mean_color_distance, max_color_distance, significant_color_changes,
	red_histogram_correlation, green_histogram_correlation, blue_histogram_correlation,
	red_histogram_chi_square, green_histogram_chi_square, blue_histogram_chi_square,
	flip_mean, flip_weighted_median,
	composite_score, historical_mean, historical_std_dev, std_dev_from_mean,
	is_anomaly, metrics_json FROM results`

func scanResults(rows *sql.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		var anomaly *int
		if err := rows.Scan(&r.ResultID, &r.RunID, &r.Filename, &r.Subdirectory,
			&r.NewImagePath, &r.KnownGoodPath,
			&r.PixelDifference, &r.ChangedPixels, &r.MeanAbsoluteError, &r.MaxPixelDifference,
			&r.SSIMScore, &r.SSIMPercentage,
			&r.MeanColorDistance, &r.MaxColorDistance, &r.SignificantColorChanges,
			&r.RedHistogramCorrelation, &r.GreenHistogramCorrelation, &r.BlueHistogramCorrelation,
			&r.RedHistogramChiSquare, &r.GreenHistogramChiSquare, &r.BlueHistogramChiSquare,
			&r.FlipMean, &r.FlipWeightedMedian,
			&r.CompositeScore, &r.HistoricalMean, &r.HistoricalStdDev, &r.StdDevFromMean,
			&anomaly, &r.MetricsJSON); err != nil {
			return nil, err
		}
		r.IsAnomaly = anomaly != nil && *anomaly != 0
		results = append(results, r)
	}
	return results, rows.Err()
}
