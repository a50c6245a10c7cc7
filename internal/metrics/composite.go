package metrics

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidWeights = errors.New("invalid composite weights")
	ErrInvalidBounds  = errors.New("invalid normalization bounds")
)

// weightSumTolerance is the allowed floating error when checking that
// weights sum to 1.0.
const weightSumTolerance = 0.01

// Weights assigns a share of the composite score to each analyzer
// category. The shares must sum to 1.0.
type Weights struct {
	PixelDiff     float64
	SSIM          float64
	ColorDistance float64
	Histogram     float64
	Flip          float64
}

// Sum returns the total of all weight shares.
func (w Weights) Sum() float64 {
	return w.PixelDiff + w.SSIM + w.ColorDistance + w.Histogram + w.Flip
}

// DefaultWeights is the equal four-way split used when a record carries
// no perceptual metric.
func DefaultWeights() Weights {
	return Weights{PixelDiff: 0.25, SSIM: 0.25, ColorDistance: 0.25, Histogram: 0.25}
}

// DefaultWeightsWithFlip is the equal five-way split used when the
// perceptual analyzer contributed.
func DefaultWeightsWithFlip() Weights {
	return Weights{PixelDiff: 0.20, SSIM: 0.20, ColorDistance: 0.20, Histogram: 0.20, Flip: 0.20}
}

// Bounds holds the min-max normalization ceilings per metric. Values at
// or beyond a ceiling normalize to 1 (maximally different); the floor of
// every metric is its "no difference" end, 0.
type Bounds struct {
	PixelDiffMax          float64
	ColorDistanceMax      float64
	HistogramChiSquareMax float64
	FlipMax               float64
}

// DefaultBounds returns normalization ceilings learned from typical
// comparison data. Color distance maxes at sqrt(255^2 * 3).
func DefaultBounds() Bounds {
	return Bounds{
		PixelDiffMax:          100.0,
		ColorDistanceMax:      441.67,
		HistogramChiSquareMax: 2.0,
		FlipMax:               1.0,
	}
}

// Calculator reduces a multi-analyzer metric record to one normalized
// 0-100 score. It is a pure function of its inputs and configuration:
// no hidden state, no I/O.
type Calculator struct {
	weights *Weights // nil selects defaults per record at call time
	bounds  Bounds
}

// NewCalculator builds a calculator with explicit weights, or with
// automatic default selection when weights is nil (four-way split, or
// five-way when the record carries a perceptual metric). Weights that do
// not sum to 1.0 are rejected, never rescaled.
func NewCalculator(weights *Weights, bounds *Bounds) (*Calculator, error) {
	b := DefaultBounds()
	if bounds != nil {
		b = *bounds
	}
	if b.PixelDiffMax <= 0 || b.ColorDistanceMax <= 0 ||
		b.HistogramChiSquareMax <= 0 || b.FlipMax <= 0 {
		return nil, fmt.Errorf("%w: ceilings must be positive", ErrInvalidBounds)
	}

	if weights != nil {
		if err := validateWeights(*weights); err != nil {
			return nil, err
		}
		w := *weights
		return &Calculator{weights: &w, bounds: b}, nil
	}
	return &Calculator{bounds: b}, nil
}

func validateWeights(w Weights) error {
	if w.PixelDiff < 0 || w.SSIM < 0 || w.ColorDistance < 0 || w.Histogram < 0 || w.Flip < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidWeights)
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("%w: weights sum to %.3f, want 1.0", ErrInvalidWeights, sum)
	}
	return nil
}

// Weights returns the weight set the calculator would apply to the given
// record: the configured weights, or the default set matching the
// record's perceptual-metric presence.
func (c *Calculator) Weights(rec *Record) Weights {
	if c.weights != nil {
		return *c.weights
	}
	if rec.HasFlip() {
		return DefaultWeightsWithFlip()
	}
	return DefaultWeights()
}

// Score computes the weighted composite score on the 0-100 scale, where
// 0 means identical and 100 maximally different. Missing analyzers
// contribute their "no difference" value; raw values are clamped to the
// normalization range, never extrapolated.
func (c *Calculator) Score(rec *Record) float64 {
	w := c.Weights(rec)

	pixel := normalize(rec.PercentDifferent(), 0, c.bounds.PixelDiffMax)
	// SSIM is inverted: 1.0 means identical, so the difference is 1-score.
	ssim := normalize(1.0-rec.SSIMScore(), 0, 1.0)
	color := normalize(rec.MeanColorDistance(), 0, c.bounds.ColorDistanceMax)
	histogram := normalize(rec.AvgChiSquare(), 0, c.bounds.HistogramChiSquareMax)
	flip := normalize(rec.FlipMean(), 0, c.bounds.FlipMax)

	composite := w.PixelDiff*pixel +
		w.SSIM*ssim +
		w.ColorDistance*color +
		w.Histogram*histogram +
		w.Flip*flip

	return composite * 100.0
}

// EnrichResults sets CompositeScore on every result in place and returns
// the slice.
func (c *Calculator) EnrichResults(results []*Result) []*Result {
	for _, r := range results {
		score := c.Score(&r.Metrics)
		r.CompositeScore = &score
	}
	return results
}

// normalize maps value into [0, 1] by linear min-max scaling with
// clamping at both ends.
func normalize(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	n := (value - min) / (max - min)
	return math.Max(0, math.Min(1, n))
}
