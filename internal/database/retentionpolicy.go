package database

import (
	"database/sql"
)

// GetRetentionPolicy returns the singleton retention policy row. Read
// fresh before every cleanup so configuration changes apply immediately.
func (db *DB) GetRetentionPolicy() (*RetentionPolicyRow, error) {
	row := db.conn.QueryRow(
		`SELECT is_active, keep_all_runs, max_runs_to_keep, max_age_days,
		keep_annotated, keep_anomalies, last_cleanup_timestamp
		FROM retention_policy WHERE policy_id = 1`,
	)

	var p RetentionPolicyRow
	var active, keepAll, keepAnnotated, keepAnomalies int
	err := row.Scan(&active, &keepAll, &p.MaxRunsToKeep, &p.MaxAgeDays,
		&keepAnnotated, &keepAnomalies, &p.LastCleanupTimestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.IsActive = active != 0
	p.KeepAllRuns = keepAll != 0
	p.KeepAnnotated = keepAnnotated != 0
	p.KeepAnomalies = keepAnomalies != 0
	return &p, nil
}

// UpdateRetentionPolicy updates the singleton retention policy in place.
func (db *DB) UpdateRetentionPolicy(p *RetentionPolicyRow) error {
	_, err := db.conn.Exec(
		`UPDATE retention_policy SET is_active = ?, keep_all_runs = ?,
		max_runs_to_keep = ?, max_age_days = ?, keep_annotated = ?,
		keep_anomalies = ? WHERE policy_id = 1`,
		boolToInt(p.IsActive), boolToInt(p.KeepAllRuns),
		p.MaxRunsToKeep, p.MaxAgeDays,
		boolToInt(p.KeepAnnotated), boolToInt(p.KeepAnomalies),
	)
	return err
}

// TouchLastCleanup records when a cleanup pass last ran.
func (db *DB) TouchLastCleanup(timestamp string) error {
	_, err := db.conn.Exec(
		"UPDATE retention_policy SET last_cleanup_timestamp = ? WHERE policy_id = 1",
		timestamp,
	)
	return err
}
