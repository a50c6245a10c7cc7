// Package retention applies bounded, protective deletion of old run data.
package retention

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/imgcomp/imgcomp/internal/config"
	"github.com/imgcomp/imgcomp/internal/database"
)

var ErrInvalidPolicy = errors.New("invalid retention policy")

// Policy is the effective cleanup configuration for one pass. Age and
// count limits are independent: a run marked deletable by either limit
// is a candidate.
type Policy struct {
	KeepAllRuns   bool
	MaxRunsToKeep *int
	MaxAgeDays    *int
	KeepAnnotated bool
	KeepAnomalies bool
}

// Validate rejects negative limits at configuration time.
func (p Policy) Validate() error {
	if p.MaxRunsToKeep != nil && *p.MaxRunsToKeep < 0 {
		return fmt.Errorf("%w: max_runs_to_keep must not be negative", ErrInvalidPolicy)
	}
	if p.MaxAgeDays != nil && *p.MaxAgeDays < 0 {
		return fmt.Errorf("%w: max_age_days must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// PolicyFromRow converts the stored singleton policy row.
func PolicyFromRow(row *database.RetentionPolicyRow) Policy {
	return Policy{
		KeepAllRuns:   row.KeepAllRuns,
		MaxRunsToKeep: row.MaxRunsToKeep,
		MaxAgeDays:    row.MaxAgeDays,
		KeepAnnotated: row.KeepAnnotated,
		KeepAnomalies: row.KeepAnomalies,
	}
}

// PolicyFromConfig converts the YAML retention section.
func PolicyFromConfig(c config.Retention) Policy {
	return Policy{
		KeepAllRuns:   c.KeepAllRuns,
		MaxRunsToKeep: c.MaxRunsToKeep,
		MaxAgeDays:    c.MaxAgeDays,
		KeepAnnotated: c.KeepAnnotated,
		KeepAnomalies: c.KeepAnomalies,
	}
}

// Report summarizes one retention pass.
type Report struct {
	RunsEvaluated int
	RunsEligible  int
	RunsProtected int
	RunsDeleted   int
	DeletedRunIDs []int64
}

// Engine selects and deletes runs under a policy.
type Engine struct {
	db  *database.DB
	now func() time.Time
}

// NewEngine builds a retention engine over the given store.
func NewEngine(db *database.DB) *Engine {
	return &Engine{db: db, now: time.Now}
}

// Preview returns the run ids that Execute would delete under the
// policy, oldest first, without mutating storage.
func (e *Engine) Preview(p Policy) ([]int64, error) {
	_, deletable, err := e.plan(p)
	if err != nil {
		return nil, err
	}
	return deletable, nil
}

// Execute applies the policy: it deletes the selected runs (cascading to
// their results and annotations) in a single transaction, records the
// cleanup time, and returns the pass report. With dryRun the selection
// is reported and nothing is mutated.
func (e *Engine) Execute(p Policy, dryRun bool) (*Report, error) {
	report, deletable, err := e.plan(p)
	if err != nil {
		return nil, err
	}
	report.DeletedRunIDs = deletable

	if dryRun {
		log.Printf("retention dry run: would delete %d of %d runs", len(deletable), report.RunsEvaluated)
		return report, nil
	}

	if len(deletable) > 0 {
		deleted, err := e.db.DeleteRuns(deletable)
		if err != nil {
			return nil, fmt.Errorf("deleting runs: %w", err)
		}
		report.RunsDeleted = deleted
	}

	if err := e.db.TouchLastCleanup(e.now().UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("recording cleanup time: %w", err)
	}

	log.Printf("retention cleanup: deleted %d runs (%d eligible, %d protected)",
		report.RunsDeleted, report.RunsEligible, report.RunsProtected)
	return report, nil
}

// plan computes the deletable run set: candidates by age/count limits,
// minus runs protected for annotations or anomalies.
func (e *Engine) plan(p Policy) (*Report, []int64, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	runs, err := e.db.GetRunsByAge()
	if err != nil {
		return nil, nil, fmt.Errorf("fetching runs: %w", err)
	}

	report := &Report{RunsEvaluated: len(runs)}
	if p.KeepAllRuns {
		return report, nil, nil
	}

	candidates := make(map[int64]bool)

	// Count limit: runs is oldest-first with ties broken by ascending
	// run_id, so trimming the head deletes oldest-first.
	if p.MaxRunsToKeep != nil && len(runs) > *p.MaxRunsToKeep {
		for _, run := range runs[:len(runs)-*p.MaxRunsToKeep] {
			candidates[run.RunID] = true
		}
	}

	if p.MaxAgeDays != nil {
		cutoff := e.now().AddDate(0, 0, -*p.MaxAgeDays)
		for _, run := range runs {
			ts, err := parseTimestamp(run.Timestamp)
			if err != nil {
				log.Printf("warning: run %d has unparseable timestamp %q, skipping", run.RunID, run.Timestamp)
				continue
			}
			if ts.Before(cutoff) {
				candidates[run.RunID] = true
			}
		}
	}

	report.RunsEligible = len(candidates)
	if len(candidates) == 0 {
		return report, nil, nil
	}

	eligible := make([]int64, 0, len(candidates))
	for _, run := range runs {
		if candidates[run.RunID] {
			eligible = append(eligible, run.RunID)
		}
	}

	protected := make(map[int64]bool)
	if p.KeepAnnotated {
		ids, err := e.db.RunsWithAnnotations(eligible)
		if err != nil {
			return nil, nil, fmt.Errorf("querying annotated runs: %w", err)
		}
		for _, id := range ids {
			protected[id] = true
		}
	}
	if p.KeepAnomalies {
		ids, err := e.db.RunsWithAnomalies(eligible)
		if err != nil {
			return nil, nil, fmt.Errorf("querying anomalous runs: %w", err)
		}
		for _, id := range ids {
			protected[id] = true
		}
	}
	report.RunsProtected = len(protected)

	deletable := make([]int64, 0, len(eligible))
	for _, id := range eligible {
		if !protected[id] {
			deletable = append(deletable, id)
		}
	}
	return report, deletable, nil
}

// Stats returns aggregate database statistics for retention analysis.
func (e *Engine) Stats() (*database.Stats, error) {
	return e.db.GetStats()
}

func parseTimestamp(ts string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, nil
	}
	// sqlite datetime('now') default format
	return time.Parse("2006-01-02 15:04:05", ts)
}
