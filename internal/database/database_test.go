package database

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func sptr(v string) *string   { return &v }

func testRun(build, timestamp string) *Run {
	return &Run{
		BuildNumber:   build,
		Timestamp:     timestamp,
		TotalImages:   2,
		AvgDifference: 1.5,
		MaxDifference: 3.0,
	}
}

func testResult(filename string, score float64) *Result {
	return &Result{
		Filename:        filename,
		PixelDifference: fptr(2.5),
		SSIMScore:       fptr(0.97),
		CompositeScore:  fptr(score),
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".imgcomp_history", "history.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	runID, err := db.InsertRun(testRun("build-1", "2026-08-01T10:00:00Z"))
	if err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	db.Close()

	// Reopening must not re-run migrations or disturb existing data.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer db.Close()

	run, err := db.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run == nil || run.BuildNumber != "build-1" {
		t.Errorf("run not preserved across reopen: %+v", run)
	}
}

func TestSeededDefaults(t *testing.T) {
	db := openTestDB(t)

	mc, err := db.GetActiveMetricConfig()
	if err != nil {
		t.Fatalf("GetActiveMetricConfig failed: %v", err)
	}
	if mc == nil {
		t.Fatal("no active metric config seeded")
	}
	for _, w := range []float64{mc.WeightPixelDiff, mc.WeightSSIM, mc.WeightColorDistance, mc.WeightHistogram} {
		if w != 0.25 {
			t.Errorf("seeded weight = %v, want 0.25", w)
		}
	}
	if mc.WeightFlip != 0 {
		t.Errorf("seeded flip weight = %v, want 0", mc.WeightFlip)
	}

	rp, err := db.GetRetentionPolicy()
	if err != nil {
		t.Fatalf("GetRetentionPolicy failed: %v", err)
	}
	if rp == nil {
		t.Fatal("no retention policy seeded")
	}
	if !rp.KeepAllRuns || !rp.KeepAnnotated || !rp.KeepAnomalies {
		t.Errorf("seeded policy not conservative: %+v", rp)
	}
}

func TestRunCRUD(t *testing.T) {
	db := openTestDB(t)

	run := testRun("build-42", "2026-08-01T10:00:00Z")
	run.Notes = sptr("baseline refresh")
	run.CommitHash = sptr("abc123")

	runID, err := db.InsertRun(run)
	if err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	if runID <= 0 {
		t.Fatalf("InsertRun returned id %d", runID)
	}

	got, err := db.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.BuildNumber != "build-42" {
		t.Errorf("BuildNumber = %q, want build-42", got.BuildNumber)
	}
	if got.Notes == nil || *got.Notes != "baseline refresh" {
		t.Errorf("Notes = %v, want baseline refresh", got.Notes)
	}

	byBuild, err := db.GetRunByBuildNumber("build-42")
	if err != nil {
		t.Fatalf("GetRunByBuildNumber failed: %v", err)
	}
	if byBuild == nil || byBuild.RunID != runID {
		t.Errorf("GetRunByBuildNumber returned %+v", byBuild)
	}

	if err := db.UpdateRunAnomalyCount(runID, 3); err != nil {
		t.Fatalf("UpdateRunAnomalyCount failed: %v", err)
	}
	got, _ = db.GetRun(runID)
	if got.AnomalyCount == nil || *got.AnomalyCount != 3 {
		t.Errorf("AnomalyCount = %v, want 3", got.AnomalyCount)
	}

	deleted, err := db.DeleteRun(runID)
	if err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if !deleted {
		t.Error("DeleteRun reported nothing deleted")
	}
	got, err = db.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun after delete failed: %v", err)
	}
	if got != nil {
		t.Errorf("run still present after delete: %+v", got)
	}
}

func TestGetRunMissing(t *testing.T) {
	db := openTestDB(t)

	run, err := db.GetRun(999)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil for missing run, got %+v", run)
	}
}

func TestGetAllRunsOrdering(t *testing.T) {
	db := openTestDB(t)

	timestamps := []string{
		"2026-08-01T10:00:00Z",
		"2026-08-03T10:00:00Z",
		"2026-08-02T10:00:00Z",
	}
	for i, ts := range timestamps {
		if _, err := db.InsertRun(testRun("build", ts)); err != nil {
			t.Fatalf("InsertRun %d failed: %v", i, err)
		}
	}

	runs, err := db.GetAllRuns(0)
	if err != nil {
		t.Fatalf("GetAllRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].Timestamp != "2026-08-03T10:00:00Z" {
		t.Errorf("newest run first, got %s", runs[0].Timestamp)
	}

	limited, err := db.GetAllRuns(2)
	if err != nil {
		t.Fatalf("GetAllRuns with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d runs", len(limited))
	}

	byAge, err := db.GetRunsByAge()
	if err != nil {
		t.Fatalf("GetRunsByAge failed: %v", err)
	}
	if byAge[0].Timestamp != "2026-08-01T10:00:00Z" {
		t.Errorf("oldest run first, got %s", byAge[0].Timestamp)
	}
}

func TestInsertResultsAndCascade(t *testing.T) {
	db := openTestDB(t)

	runID, err := db.InsertRun(testRun("build-1", "2026-08-01T10:00:00Z"))
	if err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	ids, err := db.InsertResults(runID, []*Result{
		testResult("login.png", 12.5),
		testResult("checkout.png", 40.0),
	})
	if err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	results, err := db.GetResultsForRun(runID)
	if err != nil {
		t.Fatalf("GetResultsForRun failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Ordered by composite score, worst first.
	if results[0].Filename != "checkout.png" {
		t.Errorf("worst result first, got %s", results[0].Filename)
	}

	// Deleting the run cascades to its results.
	if _, err := db.DeleteRun(runID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	count, err := db.CountResults()
	if err != nil {
		t.Fatalf("CountResults failed: %v", err)
	}
	if count != 0 {
		t.Errorf("results survived cascade delete: %d", count)
	}
}

func TestGetHistoryForImage(t *testing.T) {
	db := openTestDB(t)

	for i, ts := range []string{"2026-08-01T10:00:00Z", "2026-08-02T10:00:00Z", "2026-08-03T10:00:00Z"} {
		runID, err := db.InsertRun(testRun("build", ts))
		if err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
		r := testResult("login.png", float64(10+i))
		if i == 2 {
			r.Subdirectory = "mobile"
		}
		if _, err := db.InsertResults(runID, []*Result{r}); err != nil {
			t.Fatalf("InsertResults failed: %v", err)
		}
	}

	// nil subdirectory matches any location
	all, err := db.GetHistoryForImage("login.png", nil, 0)
	if err != nil {
		t.Fatalf("GetHistoryForImage failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	if *all[0].CompositeScore != 12 {
		t.Errorf("newest entry first, got score %v", *all[0].CompositeScore)
	}

	// empty-string subdirectory matches only root-level results
	root := ""
	rootOnly, err := db.GetHistoryForImage("login.png", &root, 0)
	if err != nil {
		t.Fatalf("GetHistoryForImage with subdir failed: %v", err)
	}
	if len(rootOnly) != 2 {
		t.Errorf("got %d root-level entries, want 2", len(rootOnly))
	}

	limited, err := db.GetHistoryForImage("login.png", nil, 1)
	if err != nil {
		t.Fatalf("GetHistoryForImage with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d entries", len(limited))
	}

	none, err := db.GetHistoryForImage("missing.png", nil, 0)
	if err != nil {
		t.Fatalf("GetHistoryForImage for missing failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("missing image returned %d entries", len(none))
	}
}

func TestUpdateResultStatistics(t *testing.T) {
	db := openTestDB(t)

	runID, _ := db.InsertRun(testRun("build", "2026-08-01T10:00:00Z"))
	ids, err := db.InsertResults(runID, []*Result{testResult("a.png", 60)})
	if err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}

	if err := db.UpdateResultStatistics(ids[0], fptr(40), fptr(1.633), fptr(12.25), true); err != nil {
		t.Fatalf("UpdateResultStatistics failed: %v", err)
	}

	r, err := db.GetResult(ids[0])
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r.HistoricalMean == nil || *r.HistoricalMean != 40 {
		t.Errorf("HistoricalMean = %v, want 40", r.HistoricalMean)
	}
	if !r.IsAnomaly {
		t.Error("IsAnomaly not persisted")
	}
}

func TestMetricConfigVersioning(t *testing.T) {
	db := openTestDB(t)

	version, err := db.InsertMetricConfig(&CompositeMetricConfig{
		WeightPixelDiff:     0.4,
		WeightSSIM:          0.3,
		WeightColorDistance: 0.2,
		WeightHistogram:     0.1,
		PixelDiffMax:        100,
		ColorDistanceMax:    441.67,
		HistogramChiSqMax:   2.0,
		FlipMax:             1.0,
	})
	if err != nil {
		t.Fatalf("InsertMetricConfig failed: %v", err)
	}

	active, err := db.GetActiveMetricConfig()
	if err != nil {
		t.Fatalf("GetActiveMetricConfig failed: %v", err)
	}
	if active.Version != version {
		t.Errorf("active version = %d, want %d", active.Version, version)
	}
	if active.WeightPixelDiff != 0.4 {
		t.Errorf("WeightPixelDiff = %v, want 0.4", active.WeightPixelDiff)
	}

	// The seeded default row stays for audit but is deactivated.
	versions, err := db.GetMetricConfigVersions()
	if err != nil {
		t.Fatalf("GetMetricConfigVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
	activeCount := 0
	for _, v := range versions {
		if v.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("%d active configs, want exactly 1", activeCount)
	}
}

func TestRetentionPolicyUpdate(t *testing.T) {
	db := openTestDB(t)

	p := &RetentionPolicyRow{
		IsActive:      true,
		KeepAllRuns:   false,
		MaxRunsToKeep: iptr(50),
		MaxAgeDays:    iptr(90),
		KeepAnnotated: true,
		KeepAnomalies: false,
	}
	if err := db.UpdateRetentionPolicy(p); err != nil {
		t.Fatalf("UpdateRetentionPolicy failed: %v", err)
	}

	got, err := db.GetRetentionPolicy()
	if err != nil {
		t.Fatalf("GetRetentionPolicy failed: %v", err)
	}
	if got.KeepAllRuns {
		t.Error("KeepAllRuns not updated")
	}
	if got.MaxRunsToKeep == nil || *got.MaxRunsToKeep != 50 {
		t.Errorf("MaxRunsToKeep = %v, want 50", got.MaxRunsToKeep)
	}
	if got.KeepAnomalies {
		t.Error("KeepAnomalies not updated")
	}

	if err := db.TouchLastCleanup("2026-08-28T12:00:00Z"); err != nil {
		t.Fatalf("TouchLastCleanup failed: %v", err)
	}
	got, _ = db.GetRetentionPolicy()
	if got.LastCleanupTimestamp == nil || *got.LastCleanupTimestamp != "2026-08-28T12:00:00Z" {
		t.Errorf("LastCleanupTimestamp = %v", got.LastCleanupTimestamp)
	}
}

func TestAnnotations(t *testing.T) {
	db := openTestDB(t)

	runID, _ := db.InsertRun(testRun("build", "2026-08-01T10:00:00Z"))
	ids, _ := db.InsertResults(runID, []*Result{testResult("a.png", 10)})
	resultID := ids[0]

	// classification needs no geometry
	classID, err := db.InsertAnnotation(&Annotation{
		ResultID:       resultID,
		AnnotationType: "classification",
		Label:          sptr("expected-change"),
	})
	if err != nil {
		t.Fatalf("classification insert failed: %v", err)
	}

	// geometric types require geometry
	_, err = db.InsertAnnotation(&Annotation{
		ResultID:       resultID,
		AnnotationType: "bounding_box",
	})
	if err == nil {
		t.Error("bounding_box without geometry accepted")
	}

	if _, err := db.InsertAnnotation(&Annotation{
		ResultID:       resultID,
		AnnotationType: "bounding_box",
		GeometryJSON:   sptr(`{"x":1,"y":2,"w":10,"h":10}`),
	}); err != nil {
		t.Fatalf("bounding_box with geometry failed: %v", err)
	}

	_, err = db.InsertAnnotation(&Annotation{
		ResultID:       resultID,
		AnnotationType: "freehand",
		GeometryJSON:   sptr(`{}`),
	})
	if err == nil {
		t.Error("unknown annotation type accepted")
	}

	annotations, err := db.GetAnnotationsForResult(resultID)
	if err != nil {
		t.Fatalf("GetAnnotationsForResult failed: %v", err)
	}
	if len(annotations) != 2 {
		t.Fatalf("got %d annotations, want 2", len(annotations))
	}

	count, err := db.CountAnnotationsForResult(resultID)
	if err != nil {
		t.Fatalf("CountAnnotationsForResult failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	deleted, err := db.DeleteAnnotation(classID)
	if err != nil {
		t.Fatalf("DeleteAnnotation failed: %v", err)
	}
	if !deleted {
		t.Error("DeleteAnnotation reported nothing deleted")
	}

	// annotations cascade with the run
	if _, err := db.DeleteRun(runID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	annotations, _ = db.GetAnnotationsForResult(resultID)
	if len(annotations) != 0 {
		t.Errorf("annotations survived cascade delete: %d", len(annotations))
	}
}

func TestDeleteRunsTransactional(t *testing.T) {
	db := openTestDB(t)

	var ids []int64
	for _, ts := range []string{"2026-08-01T10:00:00Z", "2026-08-02T10:00:00Z", "2026-08-03T10:00:00Z"} {
		id, err := db.InsertRun(testRun("build", ts))
		if err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
		ids = append(ids, id)
	}

	deleted, err := db.DeleteRuns(ids[:2])
	if err != nil {
		t.Fatalf("DeleteRuns failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d runs, want 2", deleted)
	}

	count, _ := db.CountRuns()
	if count != 1 {
		t.Errorf("%d runs remain, want 1", count)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats on empty db failed: %v", err)
	}
	if stats.TotalRuns != 0 || stats.TotalResults != 0 {
		t.Errorf("empty db stats: %+v", stats)
	}

	runID, _ := db.InsertRun(testRun("build", "2026-08-01T10:00:00Z"))
	anomalous := testResult("a.png", 90)
	anomalous.IsAnomaly = true
	ids, _ := db.InsertResults(runID, []*Result{anomalous, testResult("b.png", 10)})
	db.InsertAnnotation(&Annotation{ResultID: ids[1], AnnotationType: "classification", Label: sptr("ok")})

	stats, err = db.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TotalRuns != 1 || stats.TotalResults != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AnnotatedRuns != 1 {
		t.Errorf("AnnotatedRuns = %d, want 1", stats.AnnotatedRuns)
	}
	if stats.AnomalousRuns != 1 {
		t.Errorf("AnomalousRuns = %d, want 1", stats.AnomalousRuns)
	}
	if stats.OldestRun == "" || stats.NewestRun == "" {
		t.Errorf("run range missing: %+v", stats)
	}
}
