package database

// Run represents one invocation of the comparison tool.
type Run struct {
	RunID          int64
	BuildNumber    string
	Timestamp      string
	BaseDir        *string
	NewDir         *string
	KnownGoodDir   *string
	ConfigSnapshot *string
	TotalImages    int
	AvgDifference  float64
	MaxDifference  float64
	Notes          *string
	CommitHash     *string
	AnomalyCount   *int
}

// Result represents one image-pair comparison within a run.
/// Metric columns are nullable: an analyzer that did not run leaves nil.
type Result struct {
	ResultID      int64
	RunID         int64
	Filename      string
	Subdirectory  string
	NewImagePath  *string
	KnownGoodPath *string

	PixelDifference    *float64
	ChangedPixels      *int64
	MeanAbsoluteError  *float64
	MaxPixelDifference *float64

	SSIMScore      *float64
	SSIMPercentage *float64

	MeanColorDistance       *float64
	MaxColorDistance        *float64
	SignificantColorChanges *int64

	RedHistogramCorrelation   *float64
	GreenHistogramCorrelation *float64
	BlueHistogramCorrelation  *float64
	RedHistogramChiSquare     *float64
	GreenHistogramChiSquare   *float64
	BlueHistogramChiSquare    *float64

	FlipMean           *float64
	FlipWeightedMedian *float64

	CompositeScore   *float64
	HistoricalMean   *float64
	HistoricalStdDev *float64
	StdDevFromMean   *float64
	IsAnomaly        bool

	MetricsJSON *string
}

// ImageHistoryEntry is one historical data point for a specific image,
// joined with its owning run. Consumed by trend rendering and enrichment.
type ImageHistoryEntry struct {
	ResultID       int64
	RunID          int64
	Filename       string
	Subdirectory   string
	BuildNumber    string
	Timestamp      string
	CompositeScore *float64
	IsAnomaly      bool
}

// CompositeMetricConfig is a versioned weighting scheme for composite
// scoring. Exactly one row is active at a time; superseded rows are
// kept deactivated for audit.
type CompositeMetricConfig struct {
	Version             int64
	IsActive            bool
	WeightPixelDiff     float64
	WeightSSIM          float64
	WeightColorDistance float64
	WeightHistogram     float64
	WeightFlip          float64
	PixelDiffMax        float64
	ColorDistanceMax    float64
	HistogramChiSqMax   float64
	FlipMax             float64
	CreatedAt           *string
}

// RetentionPolicyRow is the singleton cleanup configuration.
type RetentionPolicyRow struct {
	IsActive             bool
	KeepAllRuns          bool
	MaxRunsToKeep        *int
	MaxAgeDays           *int
	KeepAnnotated        bool
	KeepAnomalies        bool
	LastCleanupTimestamp *string
}

// Annotation attaches a reviewer label (and optional geometry) to a result.
type Annotation struct {
	AnnotationID   int64
	ResultID       int64
	AnnotationType string
	GeometryJSON   *string
	Label          *string
	Category       *string
	Notes          *string
	CreatedAt      *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalRuns     int
	TotalResults  int
	AnnotatedRuns int
	AnomalousRuns int
	OldestRun     string
	NewestRun     string
}
