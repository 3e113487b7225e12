package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/smpcalibrate/internal/smp"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.Matching.Candidates)
	assert.Equal(t, 10000, cfg.Matching.RefineCandidates)
	assert.Equal(t, 50.0, cfg.Matching.LayerHeight)
	assert.Equal(t, 0.5, cfg.Matching.Resolution)
	assert.Equal(t, 30.0, cfg.Aggregation.CutterSize)
	assert.Equal(t, uint64(2021), cfg.Matching.Seed)
	assert.Equal(t, 10, cfg.Regression.Folds)
	assert.Equal(t, 10, cfg.Regression.Repeats)
	assert.Equal(t, 3.0, cfg.Regression.Sigma)
}

func TestParseOverlaysDefaults(t *testing.T) {
	doc := `
matching:
  candidates: 200
  seed: 7
aggregation:
  cutter_size: 20
regression:
  form: ssa-loglog
storage:
  backend: sqlite
  dsn: /tmp/runs.db
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200, cfg.Matching.Candidates)
	assert.Equal(t, uint64(7), cfg.Matching.Seed)
	assert.Equal(t, 10000, cfg.Matching.RefineCandidates)
	assert.Equal(t, 20.0, cfg.Aggregation.CutterSize)
	assert.Equal(t, "ssa-loglog", cfg.Regression.Form)
	assert.Equal(t, 10, cfg.Regression.Folds)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("matching:\n  candidatez: 3\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero candidates", func(c *Config) { c.Matching.Candidates = 0 }},
		{"negative resolution", func(c *Config) { c.Matching.Resolution = -1 }},
		{"cutter narrower than three points", func(c *Config) { c.Aggregation.CutterSize = 0.5 }},
		{"single fold", func(c *Config) { c.Regression.Folds = 1 }},
		{"zero sigma", func(c *Config) { c.Regression.Sigma = 0 }},
		{"unknown form", func(c *Config) { c.Regression.Form = "cubic" }},
		{"folding stretch", func(c *Config) { c.Matching.MaxLayerStretch = 1.2 }},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"sqlite without dsn", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "influxdb" }},
		{"bad coefficient set", func(c *Config) {
			c.Estimator.Sets = []smp.CoefficientSet{{Name: "x", Property: smp.SSA, Form: smp.FormLinearSSA, Coeffs: []float64{1}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestYAMLProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  workers: 8\n"), 0o644))

	p, err := NewProvider(path)
	require.NoError(t, err)
	defer p.Close()
	assert.True(t, p.IsReadOnly())

	cfg, err := p.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.Workers)

	_, err = NewYAMLProvider(filepath.Join(t.TempDir(), "missing.yaml")).LoadConfig()
	assert.Error(t, err)
}

func TestSQLiteProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.db")

	p, err := NewProvider(path)
	require.NoError(t, err)
	defer p.Close()
	assert.False(t, p.IsReadOnly())

	cfg, err := p.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg.Matching.Candidates = 1234
	cfg.Estimator.Sets = []smp.CoefficientSet{{
		Name:     "density-custom",
		Property: smp.Density,
		Form:     smp.FormKingLinear,
		Coeffs:   []float64{300, 40, -40, -80},
	}}
	sp := p.(*SQLiteProvider)
	require.NoError(t, sp.SaveConfig(cfg))

	again, err := p.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	cfg.Matching.Candidates = 0
	assert.Error(t, sp.SaveConfig(cfg))
}

func TestRegisterSets(t *testing.T) {
	cfg := Default()
	cfg.Estimator.Sets = []smp.CoefficientSet{{
		Name:     "ssa-test-register",
		Property: smp.SSA,
		Form:     smp.FormLogLogSSA,
		Coeffs:   []float64{1, 2, 3},
	}}
	require.NoError(t, cfg.RegisterSets())

	cs, err := smp.Lookup("ssa-test-register")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, cs.Coeffs)
}
