package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Comparison Comparison `yaml:"comparison"`
	History    History    `yaml:"history"`
	Composite  Composite  `yaml:"composite"`
	Retention  Retention  `yaml:"retention"`
	Logging    Logging    `yaml:"logging"`
}

// Comparison holds the directories and thresholds of the comparison stage.
// The history subsystem only reads these; the comparison itself happens
// upstream.
type Comparison struct {
	BaseDir                string  `yaml:"base_dir"`
	NewDir                 string  `yaml:"new_dir"`
	KnownGoodDir           string  `yaml:"known_good_dir"`
	PixelDiffThreshold     float64 `yaml:"pixel_diff_threshold"`
	SSIMThreshold          float64 `yaml:"ssim_threshold"`
	ColorDistanceThreshold float64 `yaml:"color_distance_threshold"`
}

type History struct {
	Enabled          bool    `yaml:"enabled"`
	DBPath           string  `yaml:"db_path"`
	BuildNumber      string  `yaml:"build_number"`
	CommitHash       string  `yaml:"commit_hash"`
	HistoryLimit     int     `yaml:"history_limit"`
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
	MinHistoryCount  int     `yaml:"min_history_count"`
}

// Composite optionally overrides the default composite weights. A nil
// Weights keeps automatic default selection (equal split, with or
// without the perceptual term depending on the record).
type Composite struct {
	Weights *WeightsConfig `yaml:"weights"`
}

type WeightsConfig struct {
	PixelDiff     float64 `yaml:"pixel_diff"`
	SSIM          float64 `yaml:"ssim"`
	ColorDistance float64 `yaml:"color_distance"`
	Histogram     float64 `yaml:"histogram"`
	Flip          float64 `yaml:"flip"`
}

type Retention struct {
	KeepAllRuns   bool `yaml:"keep_all_runs"`
	MaxRunsToKeep *int `yaml:"max_runs_to_keep"`
	MaxAgeDays    *int `yaml:"max_age_days"`
	KeepAnnotated bool `yaml:"keep_annotated"`
	KeepAnomalies bool `yaml:"keep_anomalies"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for imgcomp.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "imgcomp")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/imgcomp/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'imgcomp init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Comparison: Comparison{
			BaseDir:                ".",
			NewDir:                 "new",
			KnownGoodDir:           "known_good",
			PixelDiffThreshold:     0.01,
			SSIMThreshold:          0.95,
			ColorDistanceThreshold: 10.0,
		},
		History: History{
			Enabled:          true,
			HistoryLimit:     100,
			AnomalyThreshold: 2.0,
			MinHistoryCount:  3,
		},
		Retention: Retention{
			KeepAllRuns:   true,
			KeepAnnotated: true,
			KeepAnomalies: true,
		},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// HistoryDBPath returns the effective history database path: the explicit
// configured path, or the hidden default under the comparison base dir.
func (c *Config) HistoryDBPath() string {
	if c.History.DBPath != "" {
		return c.History.DBPath
	}
	return filepath.Join(c.Comparison.BaseDir, ".imgcomp_history", "comparison_history.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
