package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    build_number TEXT NOT NULL,
    timestamp TEXT NOT NULL DEFAULT (datetime('now')),
    base_dir TEXT,
    new_dir TEXT,
    known_good_dir TEXT,
    config_snapshot TEXT,
    total_images INTEGER DEFAULT 0,
    avg_difference REAL DEFAULT 0,
    max_difference REAL DEFAULT 0,
    notes TEXT,
    commit_hash TEXT,
    anomaly_count INTEGER
);

CREATE TABLE IF NOT EXISTS results (
    result_id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    subdirectory TEXT NOT NULL DEFAULT '',
    new_image_path TEXT,
    known_good_path TEXT,
    pixel_difference REAL,
    changed_pixels INTEGER,
    mean_absolute_error REAL,
    max_pixel_difference REAL,
    ssim_score REAL,
    ssim_percentage REAL,
    mean_color_distance REAL,
    max_color_distance REAL,
    significant_color_changes INTEGER,
    red_histogram_correlation REAL,
    green_histogram_correlation REAL,
    blue_histogram_correlation REAL,
    red_histogram_chi_square REAL,
    green_histogram_chi_square REAL,
    blue_histogram_chi_square REAL,
    flip_mean REAL,
    flip_weighted_median REAL,
    composite_score REAL,
    historical_mean REAL,
    historical_std_dev REAL,
    std_dev_from_mean REAL,
    is_anomaly INTEGER,
    metrics_json TEXT
);

CREATE TABLE IF NOT EXISTS composite_metric_config (
    version INTEGER PRIMARY KEY AUTOINCREMENT,
    is_active INTEGER NOT NULL DEFAULT 0,
    weight_pixel_diff REAL NOT NULL,
    weight_ssim REAL NOT NULL,
    weight_color_distance REAL NOT NULL,
    weight_histogram REAL NOT NULL,
    weight_flip REAL NOT NULL DEFAULT 0,
    pixel_diff_max REAL NOT NULL DEFAULT 100.0,
    color_distance_max REAL NOT NULL DEFAULT 441.67,
    histogram_chi_square_max REAL NOT NULL DEFAULT 2.0,
    flip_max REAL NOT NULL DEFAULT 1.0,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS retention_policy (
    policy_id INTEGER PRIMARY KEY CHECK (policy_id = 1),
    is_active INTEGER NOT NULL DEFAULT 1,
    keep_all_runs INTEGER NOT NULL DEFAULT 1,
    max_runs_to_keep INTEGER,
    max_age_days INTEGER,
    keep_annotated INTEGER NOT NULL DEFAULT 1,
    keep_anomalies INTEGER NOT NULL DEFAULT 1,
    last_cleanup_timestamp TEXT
);

CREATE TABLE IF NOT EXISTS annotations (
    annotation_id INTEGER PRIMARY KEY AUTOINCREMENT,
    result_id INTEGER NOT NULL REFERENCES results(result_id) ON DELETE CASCADE,
    annotation_type TEXT NOT NULL,
    geometry_json TEXT,
    label TEXT,
    category TEXT,
    notes TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_build_number ON runs(build_number);
CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp);
CREATE INDEX IF NOT EXISTS idx_results_run_id ON results(run_id);
CREATE INDEX IF NOT EXISTS idx_results_filename ON results(filename);
CREATE INDEX IF NOT EXISTS idx_results_subdirectory ON results(subdirectory);
CREATE INDEX IF NOT EXISTS idx_results_composite_score ON results(composite_score);
CREATE INDEX IF NOT EXISTS idx_results_is_anomaly ON results(is_anomaly);
CREATE INDEX IF NOT EXISTS idx_annotations_result_id ON annotations(result_id);

INSERT INTO composite_metric_config (
    is_active, weight_pixel_diff, weight_ssim, weight_color_distance,
    weight_histogram, weight_flip
)
SELECT 1, 0.25, 0.25, 0.25, 0.25, 0
WHERE NOT EXISTS (SELECT 1 FROM composite_metric_config);

INSERT INTO retention_policy (policy_id, is_active, keep_all_runs, keep_annotated, keep_anomalies)
SELECT 1, 1, 1, 1, 1
WHERE NOT EXISTS (SELECT 1 FROM retention_policy);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
