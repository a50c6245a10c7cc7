package database

import (
	"database/sql"
)

const selectMetricConfig = `SELECT version, is_active, weight_pixel_diff,
	weight_ssim, weight_color_distance, weight_histogram, weight_flip,
	pixel_diff_max, color_distance_max, histogram_chi_square_max, flip_max,
	created_at FROM composite_metric_config`

// GetActiveMetricConfig returns the currently active composite metric
// configuration. Read fresh on every call so configuration changes take
// effect without a restart.
func (db *DB) GetActiveMetricConfig() (*CompositeMetricConfig, error) {
	row := db.conn.QueryRow(
		selectMetricConfig + " WHERE is_active = 1 ORDER BY version DESC LIMIT 1",
	)
	c, err := scanMetricConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetMetricConfigVersions returns all configuration rows, newest first.
// Superseded rows are retained for audit.
func (db *DB) GetMetricConfigVersions() ([]CompositeMetricConfig, error) {
	rows, err := db.conn.Query(selectMetricConfig + " ORDER BY version DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []CompositeMetricConfig
	for rows.Next() {
		var c CompositeMetricConfig
		var active int
		if err := rows.Scan(&c.Version, &active, &c.WeightPixelDiff, &c.WeightSSIM,
			&c.WeightColorDistance, &c.WeightHistogram, &c.WeightFlip,
			&c.PixelDiffMax, &c.ColorDistanceMax, &c.HistogramChiSqMax, &c.FlipMax,
			&c.CreatedAt); err != nil {
			return nil, err
		}
		c.IsActive = active != 0
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// InsertMetricConfig deactivates the current active configuration and
// inserts the given one as the new active row, in a single transaction.
// Returns the new version number.
func (db *DB) InsertMetricConfig(c *CompositeMetricConfig) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE composite_metric_config SET is_active = 0 WHERE is_active = 1"); err != nil {
		return 0, err
	}

	result, err := tx.Exec(
		`INSERT INTO composite_metric_config (
			is_active, weight_pixel_diff, weight_ssim, weight_color_distance,
			weight_histogram, weight_flip, pixel_diff_max, color_distance_max,
			histogram_chi_square_max, flip_max
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.WeightPixelDiff, c.WeightSSIM, c.WeightColorDistance,
		c.WeightHistogram, c.WeightFlip, c.PixelDiffMax, c.ColorDistanceMax,
		c.HistogramChiSqMax, c.FlipMax,
	)
	if err != nil {
		return 0, err
	}

	version, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return version, tx.Commit()
}

func scanMetricConfig(row *sql.Row) (*CompositeMetricConfig, error) {
	var c CompositeMetricConfig
	var active int
	if err := row.Scan(&c.Version, &active, &c.WeightPixelDiff, &c.WeightSSIM,
		&c.WeightColorDistance, &c.WeightHistogram, &c.WeightFlip,
		&c.PixelDiffMax, &c.ColorDistanceMax, &c.HistogramChiSqMax, &c.FlipMax,
		&c.CreatedAt); err != nil {
		return nil, err
	}
	c.IsActive = active != 0
	return &c, nil
}
