package stats

import (
	"math"
	"testing"

	"github.com/imgcomp/imgcomp/internal/metrics"
)

func fptr(v float64) *float64 { return &v }

func TestBaseline(t *testing.T) {
	mean, stdDev, ok := Baseline([]float64{40.0, 42.0, 38.0})
	if !ok {
		t.Fatal("baseline not computed for 3 samples")
	}
	if mean != 40.0 {
		t.Errorf("mean = %v, want 40.0", mean)
	}
	if math.Abs(stdDev-1.633) > 0.001 {
		t.Errorf("stddev = %v, want ~1.633", stdDev)
	}
}

func TestBaselineTooSparse(t *testing.T) {
	if _, _, ok := Baseline(nil); ok {
		t.Error("baseline computed from empty history")
	}
	if _, _, ok := Baseline([]float64{40.0}); ok {
		t.Error("baseline computed from single sample")
	}
}

func TestClassifyRegressionSpike(t *testing.T) {
	e := NewEngine(2.0, 3)

	// A stable series around 40 followed by a jump to 60.
	c := e.Classify(60.0, []float64{40.0, 42.0, 38.0})
	if !c.HasBaseline {
		t.Fatal("no baseline")
	}
	if math.Abs(c.StdDevFromMean-12.25) > 0.01 {
		t.Errorf("deviation = %v, want ~12.25", c.StdDevFromMean)
	}
	if !c.IsAnomaly {
		t.Error("12σ spike not flagged as anomaly")
	}
}

func TestClassifyNormalVariation(t *testing.T) {
	e := NewEngine(2.0, 3)

	c := e.Classify(41.0, []float64{40.0, 42.0, 38.0})
	if c.IsAnomaly {
		t.Errorf("score within noise flagged: %+v", c)
	}
}

func TestClassifyThresholdIsStrict(t *testing.T) {
	e := NewEngine(2.0, 3)
	// mean 40, population stddev exactly 2
	history := []float64{38.0, 42.0, 38.0, 42.0}

	// Exactly at the threshold is not an anomaly; just past it is.
	at := e.Classify(44.0, history)
	if at.IsAnomaly {
		t.Errorf("deviation of exactly 2.0σ flagged (got %vσ)", at.StdDevFromMean)
	}

	past := e.Classify(44.1, history)
	if !past.IsAnomaly {
		t.Errorf("deviation past 2.0σ not flagged (got %vσ)", past.StdDevFromMean)
	}
}

func TestClassifyNegativeDeviation(t *testing.T) {
	e := NewEngine(2.0, 3)

	// A large improvement is as anomalous as a regression.
	c := e.Classify(20.0, []float64{40.0, 42.0, 38.0})
	if c.StdDevFromMean >= 0 {
		t.Errorf("deviation = %v, want negative", c.StdDevFromMean)
	}
	if !c.IsAnomaly {
		t.Error("large improvement not flagged")
	}
}

func TestClassifyMinHistoryGate(t *testing.T) {
	e := NewEngine(2.0, 3)

	// Two samples: baseline exists, deviation is advisory, flag suppressed.
	c := e.Classify(60.0, []float64{40.0, 42.0})
	if !c.HasBaseline {
		t.Fatal("no baseline with 2 samples")
	}
	if c.StdDevFromMean == 0 {
		t.Error("advisory deviation not reported under sparse history")
	}
	if c.IsAnomaly {
		t.Error("anomaly flagged below min history count")
	}
}

func TestClassifyZeroStdDev(t *testing.T) {
	e := NewEngine(2.0, 3)
	flat := []float64{40.0, 40.0, 40.0}

	// Within tolerance of the flat mean: no anomaly.
	c := e.Classify(40.005, flat)
	if c.IsAnomaly {
		t.Error("score within tolerance of flat history flagged")
	}

	// A real departure: anomaly with infinite deviation.
	c = e.Classify(45.0, flat)
	if !c.IsAnomaly {
		t.Error("departure from flat history not flagged")
	}
	if !math.IsInf(c.StdDevFromMean, 1) {
		t.Errorf("deviation = %v, want +Inf", c.StdDevFromMean)
	}

	c = e.Classify(35.0, flat)
	if !math.IsInf(c.StdDevFromMean, -1) {
		t.Errorf("deviation = %v, want -Inf", c.StdDevFromMean)
	}
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(0, 0)
	if e.AnomalyThreshold != DefaultAnomalyThreshold {
		t.Errorf("threshold = %v, want %v", e.AnomalyThreshold, DefaultAnomalyThreshold)
	}
	if e.MinHistoryCount != DefaultMinHistoryCount {
		t.Errorf("min history = %v, want %v", e.MinHistoryCount, DefaultMinHistoryCount)
	}
}

func TestEnrich(t *testing.T) {
	e := NewEngine(2.0, 3)

	r := &metrics.Result{Filename: "a.png", CompositeScore: fptr(60.0)}
	e.Enrich(r, []float64{40.0, 42.0, 38.0})

	if r.HistoricalMean == nil || *r.HistoricalMean != 40.0 {
		t.Errorf("HistoricalMean = %v, want 40.0", r.HistoricalMean)
	}
	if r.StdDevFromMean == nil || math.Abs(*r.StdDevFromMean-12.25) > 0.01 {
		t.Errorf("StdDevFromMean = %v, want ~12.25", r.StdDevFromMean)
	}
	if !r.IsAnomaly {
		t.Error("anomaly not set")
	}
}

func TestEnrichNoBaseline(t *testing.T) {
	e := NewEngine(2.0, 3)

	// First run: no history at all. Fields stay nil.
	r := &metrics.Result{Filename: "a.png", CompositeScore: fptr(60.0)}
	e.Enrich(r, nil)
	if r.HistoricalMean != nil || r.StdDevFromMean != nil || r.IsAnomaly {
		t.Errorf("result enriched without a baseline: %+v", r)
	}

	// No composite score: left untouched.
	r = &metrics.Result{Filename: "b.png"}
	e.Enrich(r, []float64{40.0, 42.0, 38.0})
	if r.HistoricalMean != nil {
		t.Errorf("scoreless result enriched: %+v", r)
	}
}

func TestTrend(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		want   string
	}{
		{"too short", []float64{10, 20}, ""},
		{"increasing", []float64{10, 20, 30, 40, 50}, TrendIncreasing},
		{"decreasing", []float64{50, 40, 30, 20, 10}, TrendDecreasing},
		{"stable", []float64{40, 41, 39, 40, 40}, TrendStable},
		{"flat", []float64{40, 40, 40}, TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Trend(tc.scores, 3); got != tc.want {
				t.Errorf("Trend(%v) = %q, want %q", tc.scores, got, tc.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	results := []*metrics.Result{
		{Filename: "a.png", CompositeScore: fptr(60), HistoricalMean: fptr(40),
			StdDevFromMean: fptr(12.25), IsAnomaly: true},
		{Filename: "b.png", CompositeScore: fptr(41), HistoricalMean: fptr(40),
			StdDevFromMean: fptr(0.6)},
		{Filename: "c.png", CompositeScore: fptr(10)}, // no baseline yet
	}

	s := Summarize(results)
	if s.TotalResults != 3 {
		t.Errorf("TotalResults = %d, want 3", s.TotalResults)
	}
	if s.WithStatistics != 2 {
		t.Errorf("WithStatistics = %d, want 2", s.WithStatistics)
	}
	if s.TotalAnomalies != 1 {
		t.Errorf("TotalAnomalies = %d, want 1", s.TotalAnomalies)
	}
	if s.AnomalyRate != 0.5 {
		t.Errorf("AnomalyRate = %v, want 0.5", s.AnomalyRate)
	}
	if len(s.TopDeviations) != 2 || s.TopDeviations[0].Filename != "a.png" {
		t.Errorf("TopDeviations = %+v", s.TopDeviations)
	}
}
