package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chrissnell/smpcalibrate/internal/log"
	"github.com/chrissnell/smpcalibrate/internal/pipeline"
	"github.com/chrissnell/smpcalibrate/internal/smp"
	"github.com/chrissnell/smpcalibrate/internal/storage"
	"github.com/chrissnell/smpcalibrate/pkg/config"
)

// options holds the global flags. Flags left at their defaults do not
// override values from the configuration file.
type options struct {
	configFile string
	debug      bool

	candidates   int
	refine       int
	layerHeight  float64
	resolution   float64
	cutter       float64
	seed         uint64
	folds        int
	repeats      int
	workers      int
	form         string
	coefficients string
	artifact     string
	backend      string
	dsn          string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	def := config.Default()

	rootCmd := &cobra.Command{
		Use:           "smp-calibrate",
		Short:         "Calibrate SnowMicroPen property estimators against snow pit references",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.Init(opts.debug)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "Configuration source: YAML file or SQLite database (.db)")
	pf.BoolVarP(&opts.debug, "debug", "d", false, "Turn on debugging output")
	pf.IntVarP(&opts.candidates, "candidates", "n", def.Matching.Candidates, "Scaling candidates per profile in the bulk search")
	pf.IntVar(&opts.refine, "refine", def.Matching.RefineCandidates, "Scaling candidates for the best profile of each site")
	pf.Float64Var(&opts.layerHeight, "layer-height", def.Matching.LayerHeight, "Thickness of one stretch layer in mm")
	pf.Float64Var(&opts.resolution, "resolution", def.Matching.Resolution, "Lookup table resolution in mm")
	pf.Float64Var(&opts.cutter, "cutter", def.Aggregation.CutterSize, "Reference window (cutter) size in mm")
	pf.Uint64Var(&opts.seed, "seed", def.Matching.Seed, "Random seed")
	pf.IntVar(&opts.folds, "folds", def.Regression.Folds, "Cross-validation folds")
	pf.IntVar(&opts.repeats, "repeats", def.Regression.Repeats, "Cross-validation repeats")
	pf.IntVarP(&opts.workers, "workers", "j", def.Pipeline.Workers, "Sites matched in parallel")
	pf.StringVar(&opts.form, "form", def.Regression.Form, "Model form: density-king, ssa-loglog, ssa-linear, log-linear")
	pf.StringVar(&opts.coefficients, "coefficients", def.Estimator.Coefficients, "Coefficient set used to estimate property profiles")
	pf.StringVar(&opts.artifact, "coefficients-artifact", "", "Model artifact (YAML) registered as a coefficient set and used instead of --coefficients")
	pf.StringVar(&opts.backend, "storage", def.Storage.Backend, "Run storage backend: none, sqlite, postgres")
	pf.StringVar(&opts.dsn, "dsn", "", "Run storage database path or connection string")

	rootCmd.AddCommand(
		estimateCommand(opts),
		matchCommand(opts),
		calibrateCommand(opts),
		runCommand(opts),
		coefficientsCommand(opts),
		configCommand(opts),
	)
	return rootCmd
}

// loadConfig reads the configuration source, if any, and applies the flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		filename, _ := filepath.Abs(opts.configFile)
		provider, err := config.NewProvider(filename)
		if err != nil {
			return nil, fmt.Errorf("error creating configuration provider: %w", err)
		}
		defer provider.Close()

		cfg, err = provider.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("error reading config %s: %w", opts.configFile, err)
		}
	}

	flags := cmd.Flags()
	overrides := map[string]func(){
		"candidates":   func() { cfg.Matching.Candidates = opts.candidates },
		"refine":       func() { cfg.Matching.RefineCandidates = opts.refine },
		"layer-height": func() { cfg.Matching.LayerHeight = opts.layerHeight },
		"resolution":   func() { cfg.Matching.Resolution = opts.resolution },
		"cutter":       func() { cfg.Aggregation.CutterSize = opts.cutter },
		"seed":         func() { cfg.Matching.Seed = opts.seed },
		"folds":        func() { cfg.Regression.Folds = opts.folds },
		"repeats":      func() { cfg.Regression.Repeats = opts.repeats },
		"workers":      func() { cfg.Pipeline.Workers = opts.workers },
		"form":         func() { cfg.Regression.Form = opts.form },
		"coefficients": func() { cfg.Estimator.Coefficients = opts.coefficients },
		"storage":      func() { cfg.Storage.Backend = opts.backend },
		"dsn":          func() { cfg.Storage.DSN = opts.dsn },
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RegisterSets(); err != nil {
		return nil, err
	}
	if opts.artifact != "" {
		name, err := registerArtifact(opts.artifact)
		if err != nil {
			return nil, err
		}
		cfg.Estimator.Coefficients = name
	}
	return cfg, nil
}

// registerArtifact makes the coefficients of a previous calibration available
// to the estimator and returns the name they are registered under.
func registerArtifact(path string) (string, error) {
	a, err := storage.LoadArtifact(path)
	if err != nil {
		return "", err
	}
	cs, err := a.CoefficientSet()
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	if err := smp.Register(cs); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	log.Infow("registered coefficient set from artifact", "path", path, "name", cs.Name, "form", cs.Form)
	return cs.Name, nil
}

// newPipeline loads the configuration and builds a pipeline without storage.
func newPipeline(cmd *cobra.Command, opts *options) (*config.Config, *pipeline.Pipeline, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(cfg, nil, log.Named("pipeline"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

// openStore opens the configured run storage, or returns nil when storage
// is disabled.
func openStore(cfg *config.Config) (storage.Store, error) {
	return storage.Open(cfg.Storage.Backend, cfg.Storage.DSN, log.Named("storage"))
}

func readFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	v, err := read(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// writeFile writes to path, or to the command's output when path is empty
// or "-".
func writeFile(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(cmd.OutOrStdout())
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
