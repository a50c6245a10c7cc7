// Package metrics defines the typed per-image metric records produced by
// the comparison pipeline and the composite scoring that reduces them to
// a single 0-100 number.
package metrics

// PixelMetrics holds pixel difference analyzer output.
type PixelMetrics struct {
	PercentDifferent  float64 `json:"percent_different"`
	ChangedPixels     int64   `json:"changed_pixels"`
	MeanAbsoluteError float64 `json:"mean_absolute_error"`
	MaxDifference     float64 `json:"max_difference"`
}

// SSIMMetrics holds structural similarity analyzer output.
// Score is 0-1 where 1.0 means identical.
type SSIMMetrics struct {
	Score      float64 `json:"ssim_score"`
	Percentage float64 `json:"ssim_percentage"`
}

// ColorMetrics holds color difference analyzer output. Distances are RGB
// euclidean, 0 to sqrt(255^2 * 3).
type ColorMetrics struct {
	MeanDistance       float64 `json:"mean_color_distance"`
	MaxDistance        float64 `json:"max_color_distance"`
	SignificantChanges int64   `json:"significant_color_changes"`
}

// HistogramMetrics holds per-channel histogram comparison output.
// Correlations are -1..1 (1 = identical); chi-square is unbounded but
// typically below 2.
type HistogramMetrics struct {
	RedCorrelation   float64 `json:"red_histogram_correlation"`
	GreenCorrelation float64 `json:"green_histogram_correlation"`
	BlueCorrelation  float64 `json:"blue_histogram_correlation"`
	RedChiSquare     float64 `json:"red_histogram_chi_square"`
	GreenChiSquare   float64 `json:"green_histogram_chi_square"`
	BlueChiSquare    float64 `json:"blue_histogram_chi_square"`
}

// FlipMetrics holds perceptual (FLIP) analyzer output. The analyzer is
// optional; a record without it scores on the remaining four categories.
type FlipMetrics struct {
	Mean           float64 `json:"flip_mean"`
	WeightedMedian float64 `json:"flip_weighted_median"`
}

// Record is one image pair's full analyzer output. Each analyzer is
// optional: a nil sub-record means the analyzer did not run, and lookups
// fall back to that metric's "no difference" value.
type Record struct {
	PixelDiff *PixelMetrics     `json:"pixel_difference,omitempty"`
	SSIM      *SSIMMetrics      `json:"structural_similarity,omitempty"`
	Color     *ColorMetrics     `json:"color_difference,omitempty"`
	Histogram *HistogramMetrics `json:"histogram_analysis,omitempty"`
	Flip      *FlipMetrics      `json:"flip,omitempty"`
}

// PercentDifferent returns the pixel difference percentage, or 0 (no
// difference) if the analyzer did not run.
func (r *Record) PercentDifferent() float64 {
	if r.PixelDiff == nil {
		return 0
	}
	return r.PixelDiff.PercentDifferent
}

// SSIMScore returns the SSIM score, or 1.0 (identical) if the analyzer
// did not run.
func (r *Record) SSIMScore() float64 {
	if r.SSIM == nil {
		return 1.0
	}
	return r.SSIM.Score
}

// MeanColorDistance returns the mean RGB distance, or 0 if absent.
func (r *Record) MeanColorDistance() float64 {
	if r.Color == nil {
		return 0
	}
	return r.Color.MeanDistance
}

// AvgChiSquare returns the chi-square averaged across the RGB channels,
// or 0 if the histogram analyzer did not run.
func (r *Record) AvgChiSquare() float64 {
	if r.Histogram == nil {
		return 0
	}
	h := r.Histogram
	return (h.RedChiSquare + h.GreenChiSquare + h.BlueChiSquare) / 3.0
}

// FlipMean returns the mean FLIP error, or 0 if the analyzer did not run.
func (r *Record) FlipMean() float64 {
	if r.Flip == nil {
		return 0
	}
	return r.Flip.Mean
}

// HasFlip reports whether the perceptual analyzer contributed to this
// record. Default weight selection branches on this.
func (r *Record) HasFlip() bool {
	return r.Flip != nil
}

// Result is one image pair's comparison outcome as consumed from the
// comparison pipeline and enriched by the history subsystem.
type Result struct {
	Filename      string `json:"filename"`
	Subdirectory  string `json:"subdirectory"`
	NewImagePath  string `json:"new_image_path"`
	KnownGoodPath string `json:"known_good_path"`
	Metrics       Record `json:"metrics"`

	// Derived by the composite calculator.
	CompositeScore *float64 `json:"composite_score,omitempty"`

	// Derived by historical enrichment. Nil until a baseline exists.
	HistoricalMean   *float64 `json:"historical_mean,omitempty"`
	HistoricalStdDev *float64 `json:"historical_std_dev,omitempty"`
	StdDevFromMean   *float64 `json:"std_dev_from_mean,omitempty"`
	IsAnomaly        bool     `json:"is_anomaly,omitempty"`
}
