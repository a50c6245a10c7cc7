package database

import (
	"database/sql"
)

// InsertRun inserts a run record and returns its generated id.
func (db *DB) InsertRun(r *Run) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO runs (
			build_number, timestamp, base_dir, new_dir, known_good_dir,
			config_snapshot, total_images, avg_difference, max_difference,
			notes, commit_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BuildNumber, r.Timestamp, r.BaseDir, r.NewDir, r.KnownGoodDir,
		r.ConfigSnapshot, r.TotalImages, r.AvgDifference, r.MaxDifference,
		r.Notes, r.CommitHash,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRun returns a single run by id, or nil if not found.
func (db *DB) GetRun(runID int64) (*Run, error) {
	row := db.conn.QueryRow(selectRun+" WHERE run_id = ?", runID)
	r, err := scanRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRunByBuildNumber returns the most recent run with the given build
// number, or nil if none exists.
func (db *DB) GetRunByBuildNumber(buildNumber string) (*Run, error) {
	row := db.conn.QueryRow(
		selectRun+" WHERE build_number = ? ORDER BY timestamp DESC, run_id DESC LIMIT 1",
		buildNumber,
	)
	r, err := scanRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetAllRuns returns runs ordered newest first, limited to limit rows.
// A non-positive limit returns all runs.
func (db *DB) GetAllRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.Query(
		selectRun+" ORDER BY timestamp DESC, run_id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetRunsByAge returns all runs ordered oldest first. Ties on timestamp
// break by ascending run_id (insertion order).
func (db *DB) GetRunsByAge() ([]Run, error) {
	rows, err := db.conn.Query(selectRun + " ORDER BY timestamp ASC, run_id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// UpdateRunAnomalyCount stores the anomaly summary count on a run.
func (db *DB) UpdateRunAnomalyCount(runID int64, count int) error {
	_, err := db.conn.Exec(
		"UPDATE runs SET anomaly_count = ? WHERE run_id = ?", count, runID,
	)
	return err
}

// DeleteRun deletes a single run. Dependent results and annotations are
// removed by the store's cascade rules. Returns true if a row was deleted.
func (db *DB) DeleteRun(runID int64) (bool, error) {
	result, err := db.conn.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteRuns deletes the given runs in a single transaction. Either all
// listed runs are removed or none are.
func (db *DB) DeleteRuns(runIDs []int64) (int, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	deleted := 0
	for _, id := range runIDs {
		result, err := tx.Exec("DELETE FROM runs WHERE run_id = ?", id)
		if err != nil {
			return 0, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += int(n)
	}

	return deleted, tx.Commit()
}

// CountRuns returns the total number of runs.
func (db *DB) CountRuns() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM runs").Scan(&n)
	return n, err
}

// CountResults returns the total number of results.
func (db *DB) CountResults() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM results").Scan(&n)
	return n, err
}

// GetStats returns aggregate statistics for the whole database.
func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	var err error

	if s.TotalRuns, err = db.CountRuns(); err != nil {
		return nil, err
	}
	if s.TotalResults, err = db.CountResults(); err != nil {
		return nil, err
	}

	err = db.conn.QueryRow(
		`SELECT COUNT(DISTINCT r.run_id)
		FROM results r JOIN annotations a ON r.result_id = a.result_id`,
	).Scan(&s.AnnotatedRuns)
	if err != nil {
		return nil, err
	}

	err = db.conn.QueryRow(
		"SELECT COUNT(DISTINCT run_id) FROM results WHERE is_anomaly = 1",
	).Scan(&s.AnomalousRuns)
	if err != nil {
		return nil, err
	}

	var oldest, newest *string
	err = db.conn.QueryRow(
		"SELECT MIN(timestamp), MAX(timestamp) FROM runs",
	).Scan(&oldest, &newest)
	if err != nil {
		return nil, err
	}
	if oldest != nil {
		s.OldestRun = *oldest
	}
	if newest != nil {
		s.NewestRun = *newest
	}

	return &s, nil
}

const selectRun = `SELECT run_id, build_number, timestamp, base_dir, new_dir,
	known_good_dir, config_snapshot, total_images, avg_difference,
	max_difference, notes, commit_hash, anomaly_count FROM runs`

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.BuildNumber, &r.Timestamp, &r.BaseDir,
			&r.NewDir, &r.KnownGoodDir, &r.ConfigSnapshot, &r.TotalImages,
			&r.AvgDifference, &r.MaxDifference, &r.Notes, &r.CommitHash,
			&r.AnomalyCount); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRunRow(row *sql.Row) (*Run, error) {
	var r Run
	if err := row.Scan(&r.RunID, &r.BuildNumber, &r.Timestamp, &r.BaseDir,
		&r.NewDir, &r.KnownGoodDir, &r.ConfigSnapshot, &r.TotalImages,
		&r.AvgDifference, &r.MaxDifference, &r.Notes, &r.CommitHash,
		&r.AnomalyCount); err != nil {
		return nil, err
	}
	return &r, nil
}
