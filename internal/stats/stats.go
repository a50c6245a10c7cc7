// Package stats computes historical baselines for composite scores and
// classifies fresh scores as anomalous or not.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/imgcomp/imgcomp/internal/metrics"
)

const (
	// DefaultAnomalyThreshold flags scores beyond 2 standard deviations
	// (~95% confidence).
	DefaultAnomalyThreshold = 2.0

	// DefaultMinHistoryCount is how many prior runs an image needs before
	// anomaly detection activates.
	DefaultMinHistoryCount = 3

	// zeroDevTolerance: with a flat history (stddev 0), a current score
	// within this distance of the mean counts as equal.
	zeroDevTolerance = 0.01
)

// Engine classifies composite scores against per-image historical
// baselines. The historical series itself is supplied by the caller.
type Engine struct {
	AnomalyThreshold float64
	MinHistoryCount  int
}

// NewEngine builds an engine, substituting defaults for non-positive
// parameters.
func NewEngine(anomalyThreshold float64, minHistoryCount int) *Engine {
	if anomalyThreshold <= 0 {
		anomalyThreshold = DefaultAnomalyThreshold
	}
	if minHistoryCount <= 0 {
		minHistoryCount = DefaultMinHistoryCount
	}
	return &Engine{AnomalyThreshold: anomalyThreshold, MinHistoryCount: minHistoryCount}
}

// Baseline returns the population mean and standard deviation of the
// historical scores. ok is false when fewer than two samples exist; a
// deviation cannot be judged against an empty or single-point history.
func Baseline(scores []float64) (mean, stdDev float64, ok bool) {
	if len(scores) < 2 {
		return 0, 0, false
	}
	mean = stat.Mean(scores, nil)
	stdDev = stat.PopStdDev(scores, nil)
	return mean, stdDev, true
}

// Classification is the outcome of judging one score against its
// historical baseline.
type Classification struct {
	// HasBaseline is false when history was too sparse to compute
	// mean/stddev at all; the remaining fields are then zero.
	HasBaseline bool

	Mean           float64
	StdDev         float64
	StdDevFromMean float64

	// IsAnomaly is only ever true once at least MinHistoryCount prior
	// samples exist. Below that gate the deviation is still reported
	// for advisory display.
	IsAnomaly bool
}

// Classify judges current against the historical series (which must
// exclude the current run's own score).
func (e *Engine) Classify(current float64, historical []float64) Classification {
	mean, stdDev, ok := Baseline(historical)
	if !ok {
		return Classification{}
	}

	c := Classification{HasBaseline: true, Mean: mean, StdDev: stdDev}

	if stdDev == 0 {
		// Flat history: any real departure from the mean is anomalous.
		if math.Abs(current-mean) > zeroDevTolerance {
			c.StdDevFromMean = math.Inf(1)
			if current < mean {
				c.StdDevFromMean = math.Inf(-1)
			}
			c.IsAnomaly = true
		}
	} else {
		c.StdDevFromMean = (current - mean) / stdDev
		c.IsAnomaly = math.Abs(c.StdDevFromMean) > e.AnomalyThreshold
	}

	// Suppress flagging under sparse history; keep the advisory deviation.
	if len(historical) < e.MinHistoryCount {
		c.IsAnomaly = false
	}

	return c
}

// Enrich applies a classification to a result in place. Results without a
// composite score are left untouched.
func (e *Engine) Enrich(r *metrics.Result, historical []float64) {
	if r.CompositeScore == nil {
		return
	}

	c := e.Classify(*r.CompositeScore, historical)
	if !c.HasBaseline {
		r.HistoricalMean = nil
		r.HistoricalStdDev = nil
		r.StdDevFromMean = nil
		r.IsAnomaly = false
		return
	}

	mean, stdDev, dev := c.Mean, c.StdDev, c.StdDevFromMean
	r.HistoricalMean = &mean
	r.HistoricalStdDev = &stdDev
	r.StdDevFromMean = &dev
	r.IsAnomaly = c.IsAnomaly
}

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Trend classifies a score series (oldest to newest) as increasing,
// decreasing or stable using a least-squares slope. Returns "" when the
// series is too short to judge.
func Trend(scores []float64, minSamples int) string {
	if minSamples <= 0 {
		minSamples = DefaultMinHistoryCount
	}
	if len(scores) < minSamples {
		return ""
	}

	xs := make([]float64, len(scores))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, scores, nil, false)

	// A slope below 5% of the mean score per run counts as noise.
	threshold := stat.Mean(scores, nil) * 0.05
	if math.Abs(slope) <= math.Abs(threshold) {
		return TrendStable
	}
	if slope > 0 {
		return TrendIncreasing
	}
	return TrendDecreasing
}

// Deviation names one result's distance from its baseline.
type Deviation struct {
	Filename       string
	StdDevFromMean float64
	CompositeScore float64
}

// Summary aggregates anomaly statistics over one run's results.
type Summary struct {
	TotalResults   int
	WithStatistics int
	TotalAnomalies int
	AnomalyRate    float64
	TopDeviations  []Deviation
}

// Summarize builds an anomaly summary for a set of enriched results.
// TopDeviations holds at most the ten worst absolute deviations.
func Summarize(results []*metrics.Result) Summary {
	s := Summary{TotalResults: len(results)}

	var deviations []Deviation
	for _, r := range results {
		if r.HistoricalMean == nil {
			continue
		}
		s.WithStatistics++
		if r.IsAnomaly {
			s.TotalAnomalies++
		}
		if r.StdDevFromMean != nil && r.CompositeScore != nil {
			deviations = append(deviations, Deviation{
				Filename:       r.Filename,
				StdDevFromMean: *r.StdDevFromMean,
				CompositeScore: *r.CompositeScore,
			})
		}
	}

	if s.WithStatistics > 0 {
		s.AnomalyRate = float64(s.TotalAnomalies) / float64(s.WithStatistics)
	}

	sort.Slice(deviations, func(i, j int) bool {
		return math.Abs(deviations[i].StdDevFromMean) > math.Abs(deviations[j].StdDevFromMean)
	})
	if len(deviations) > 10 {
		deviations = deviations[:10]
	}
	s.TopDeviations = deviations

	return s
}
