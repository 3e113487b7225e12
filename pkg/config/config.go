package config

import (
	"errors"
	"fmt"

	"github.com/chrissnell/smpcalibrate/internal/calibration"
	"github.com/chrissnell/smpcalibrate/internal/scaling"
	"github.com/chrissnell/smpcalibrate/internal/smp"
	"github.com/chrissnell/smpcalibrate/internal/storage"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete calibration configuration.
type Config struct {
	Matching    MatchingConfig    `yaml:"matching"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Regression  RegressionConfig  `yaml:"regression"`
	Estimator   EstimatorConfig   `yaml:"estimator"`
	Storage     StorageConfig     `yaml:"storage"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

// MatchingConfig controls the scaling search.
type MatchingConfig struct {
	Candidates       int     `yaml:"candidates"`
	RefineCandidates int     `yaml:"refine_candidates"`
	LayerHeight      float64 `yaml:"layer_height"`
	MaxStretch       float64 `yaml:"max_stretch"`
	MaxLayerStretch  float64 `yaml:"max_layer_stretch"`
	MaxOffset        float64 `yaml:"max_offset"`
	Resolution       float64 `yaml:"resolution"`
	Seed             uint64  `yaml:"seed"`
}

// Generator returns the candidate generator described by the section.
func (m MatchingConfig) Generator() scaling.Generator {
	return scaling.Generator{
		LayerHeight:     m.LayerHeight,
		MaxStretch:      m.MaxStretch,
		MaxLayerStretch: m.MaxLayerStretch,
		MaxOffset:       m.MaxOffset,
	}
}

// AggregationConfig controls the reference windows.
type AggregationConfig struct {
	CutterSize float64 `yaml:"cutter_size"`
}

// RegressionConfig controls outlier filtering and the cross-validated fit.
type RegressionConfig struct {
	Form    string  `yaml:"form"`
	Folds   int     `yaml:"folds"`
	Repeats int     `yaml:"repeats"`
	Sigma   float64 `yaml:"sigma"`
	Name    string  `yaml:"name,omitempty"`
	Output  string  `yaml:"output,omitempty"`
}

// EstimatorConfig selects the coefficient set used to derive property
// profiles and optionally registers additional sets.
type EstimatorConfig struct {
	Coefficients string               `yaml:"coefficients"`
	Sets         []smp.CoefficientSet `yaml:"sets,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn,omitempty"`
}

// PipelineConfig controls site level parallelism.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	gen := scaling.DefaultGenerator()
	return &Config{
		Matching: MatchingConfig{
			Candidates:       scaling.BulkCandidates,
			RefineCandidates: scaling.RefineCandidates,
			LayerHeight:      gen.LayerHeight,
			MaxStretch:       gen.MaxStretch,
			MaxLayerStretch:  gen.MaxLayerStretch,
			MaxOffset:        gen.MaxOffset,
			Resolution:       0.5,
			Seed:             2021,
		},
		Aggregation: AggregationConfig{CutterSize: 30},
		Regression: RegressionConfig{
			Form:    string(calibration.FormDensityKing),
			Folds:   calibration.DefaultFolds,
			Repeats: calibration.DefaultRepeats,
			Sigma:   calibration.DefaultSigma,
		},
		Estimator: EstimatorConfig{Coefficients: smp.DensityKing2020},
		Storage:   StorageConfig{Backend: storage.BackendNone},
		Pipeline:  PipelineConfig{Workers: 4},
	}
}

// Validate rejects non-positive parameters and unknown labels.
func (c *Config) Validate() error {
	m := c.Matching
	switch {
	case m.Candidates < 1:
		return fmt.Errorf("%w: matching.candidates must be positive", ErrInvalidConfig)
	case m.RefineCandidates < 1:
		return fmt.Errorf("%w: matching.refine_candidates must be positive", ErrInvalidConfig)
	case !(m.Resolution > 0):
		return fmt.Errorf("%w: matching.resolution must be positive", ErrInvalidConfig)
	case !(c.Aggregation.CutterSize > 0):
		return fmt.Errorf("%w: aggregation.cutter_size must be positive", ErrInvalidConfig)
	case c.Aggregation.CutterSize < 2*m.Resolution:
		return fmt.Errorf("%w: aggregation.cutter_size %.2f cannot hold %d points at resolution %.2f",
			ErrInvalidConfig, c.Aggregation.CutterSize, scaling.MinWindowPoints, m.Resolution)
	case c.Regression.Folds < 2:
		return fmt.Errorf("%w: regression.folds must be at least 2", ErrInvalidConfig)
	case c.Regression.Repeats < 1:
		return fmt.Errorf("%w: regression.repeats must be positive", ErrInvalidConfig)
	case !(c.Regression.Sigma > 0):
		return fmt.Errorf("%w: regression.sigma must be positive", ErrInvalidConfig)
	case c.Pipeline.Workers < 1:
		return fmt.Errorf("%w: pipeline.workers must be positive", ErrInvalidConfig)
	}

	if err := m.Generator().Validate(); err != nil {
		return fmt.Errorf("%w: matching: %v", ErrInvalidConfig, err)
	}
	if _, err := calibration.ParseForm(c.Regression.Form); err != nil {
		return fmt.Errorf("%w: regression: %v", ErrInvalidConfig, err)
	}
	for _, cs := range c.Estimator.Sets {
		if err := cs.Validate(); err != nil {
			return fmt.Errorf("%w: estimator: %v", ErrInvalidConfig, err)
		}
	}
	switch c.Storage.Backend {
	case "", storage.BackendNone:
	case storage.BackendSQLite, storage.BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for %s", ErrInvalidConfig, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	return nil
}

// RegisterSets adds the configured coefficient sets to the estimator registry.
func (c *Config) RegisterSets() error {
	for _, cs := range c.Estimator.Sets {
		if err := smp.Register(cs); err != nil {
			return err
		}
	}
	return nil
}
