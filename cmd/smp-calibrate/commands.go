package main

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/chrissnell/smpcalibrate/internal/calibration"
	"github.com/chrissnell/smpcalibrate/internal/log"
	"github.com/chrissnell/smpcalibrate/internal/pipeline"
	"github.com/chrissnell/smpcalibrate/internal/scaling"
	"github.com/chrissnell/smpcalibrate/internal/smp"
	"github.com/chrissnell/smpcalibrate/internal/storage"
	"github.com/chrissnell/smpcalibrate/internal/tables"
	"github.com/chrissnell/smpcalibrate/pkg/config"
)

func estimateCommand(opts *options) *cobra.Command {
	var profiles, output string

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate property profiles from SMP shot-noise profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := newPipeline(cmd, opts)
			if err != nil {
				return err
			}
			raws, err := readFile(profiles, tables.ReadProfiles)
			if err != nil {
				return err
			}
			props, err := p.Estimate(raws, cfg.Estimator.Coefficients)
			if err != nil {
				return err
			}
			log.Infow("estimated property profiles", "profiles", len(props), "coefficients", cfg.Estimator.Coefficients)
			return writeFile(cmd, output, func(w io.Writer) error {
				return tables.WriteProperties(w, props)
			})
		},
	}

	cmd.Flags().StringVarP(&profiles, "profiles", "p", "", "SMP profile table (CSV)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Property profile table to write, stdout if empty")
	cmd.MarkFlagRequired("profiles")
	return cmd
}

func matchCommand(opts *options) *cobra.Command {
	var properties, references, matches, samples string

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match property profiles to snow pit references and aggregate calibration samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, err := newPipeline(cmd, opts)
			if err != nil {
				return err
			}
			props, err := readFile(properties, tables.ReadProperties)
			if err != nil {
				return err
			}
			refs, err := readFile(references, tables.ReadReferences)
			if err != nil {
				return err
			}

			sites, err := p.Match(cmd.Context(), props, refs)
			if err != nil {
				return err
			}
			report := pipeline.Report{Sites: sites}
			for _, s := range sites {
				report.Samples = append(report.Samples, s.Samples...)
			}

			if matches != "" {
				if err := writeFile(cmd, matches, func(w io.Writer) error {
					return tables.WriteMatches(w, report.Matches())
				}); err != nil {
					return err
				}
			}
			return writeFile(cmd, samples, func(w io.Writer) error {
				return tables.WriteSamples(w, report.Samples)
			})
		},
	}

	cmd.Flags().StringVarP(&properties, "properties", "p", "", "Property profile table (CSV)")
	cmd.Flags().StringVarP(&references, "references", "r", "", "Snow pit reference table (CSV)")
	cmd.Flags().StringVarP(&matches, "matches", "m", "", "Match summary table to write")
	cmd.Flags().StringVarP(&samples, "samples", "s", "", "Calibration sample table to write, stdout if empty")
	cmd.MarkFlagRequired("properties")
	cmd.MarkFlagRequired("references")
	return cmd
}

func calibrateCommand(opts *options) *cobra.Command {
	var samples, artifact string

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Fit a calibration model to aggregated samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, p, err := newPipeline(cmd, opts)
			if err != nil {
				return err
			}
			rows, err := readFile(samples, tables.ReadSamples)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return fmt.Errorf("%s: %w", samples, calibration.ErrInsufficientSamples)
			}

			model, kept, outliers, err := p.Calibrate(rows)
			if err != nil {
				return err
			}

			a := newArtifact(cfg, rows[0].RefType, model, kept, outliers)
			printModel(cmd.OutOrStdout(), a)
			return saveArtifact(cfg, artifact, a)
		},
	}

	cmd.Flags().StringVarP(&samples, "samples", "s", "", "Calibration sample table (CSV)")
	cmd.Flags().StringVarP(&artifact, "artifact", "a", "", "Model artifact to write (YAML)")
	cmd.MarkFlagRequired("samples")
	return cmd
}

func runCommand(opts *options) *cobra.Command {
	var profiles, references, matches, samples, artifact string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Estimate, match and calibrate in one pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}
			p, err := pipeline.New(cfg, store, log.Named("pipeline"))
			if err != nil {
				return err
			}

			raws, err := readFile(profiles, tables.ReadProfiles)
			if err != nil {
				return err
			}
			refs, err := readFile(references, tables.ReadReferences)
			if err != nil {
				return err
			}

			report, err := p.Run(cmd.Context(), raws, refs)
			if err != nil {
				return err
			}

			if matches != "" {
				if err := writeFile(cmd, matches, func(w io.Writer) error {
					return tables.WriteMatches(w, report.Matches())
				}); err != nil {
					return err
				}
			}
			if samples != "" {
				if err := writeFile(cmd, samples, func(w io.Writer) error {
					return tables.WriteSamples(w, report.Kept)
				}); err != nil {
					return err
				}
			}

			a := newArtifact(cfg, report.Property, report.Model, report.Kept, report.Outliers)
			a.RunID = report.RunID
			printModel(cmd.OutOrStdout(), a)
			return saveArtifact(cfg, artifact, a)
		},
	}

	cmd.Flags().StringVarP(&profiles, "profiles", "p", "", "SMP profile table (CSV)")
	cmd.Flags().StringVarP(&references, "references", "r", "", "Snow pit reference table (CSV)")
	cmd.Flags().StringVarP(&matches, "matches", "m", "", "Match summary table to write")
	cmd.Flags().StringVarP(&samples, "samples", "s", "", "Calibration sample table to write")
	cmd.Flags().StringVarP(&artifact, "artifact", "a", "", "Model artifact to write (YAML)")
	cmd.MarkFlagRequired("profiles")
	cmd.MarkFlagRequired("references")
	return cmd
}

func coefficientsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "coefficients",
		Short: "List the coefficient sets known to the estimator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, name := range smp.Registered() {
				cs, err := smp.Lookup(name)
				if err != nil {
					return err
				}
				marker := " "
				if name == cfg.Estimator.Coefficients {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %-24s %-8s %-16s %v\n", marker, cs.Name, cs.Property, cs.Form, cs.Coeffs)
			}
			return nil
		},
	}
}

func configCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or store the effective configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			doc, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}

	save := &cobra.Command{
		Use:   "save [config.db]",
		Short: "Store the effective configuration in a SQLite database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			provider, err := config.NewSQLiteProvider(args[0])
			if err != nil {
				return err
			}
			defer provider.Close()
			if err := provider.SaveConfig(cfg); err != nil {
				return err
			}
			log.Infow("configuration saved", "path", args[0])
			return nil
		},
	}

	cmd.AddCommand(show, save)
	return cmd
}

func newArtifact(cfg *config.Config, property smp.Property, model calibration.Model, kept []scaling.CalibratedSample, outliers calibration.OutlierReport) storage.Artifact {
	name := cfg.Regression.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s-calibrated", property, model.Form)
	}

	var sites []string
	for _, s := range kept {
		if !slices.Contains(sites, s.Site) {
			sites = append(sites, s.Site)
		}
	}
	excluded := make([]string, 0, len(outliers.Outliers))
	for _, o := range outliers.Outliers {
		excluded = append(excluded, o.Site)
	}

	return storage.Artifact{
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Property:  property,
		Sites:     sites,
		Excluded:  excluded,
		Model:     model,
	}
}

// saveArtifact writes the artifact to the flag path, falling back to the
// configured output. Without either the artifact is only printed.
func saveArtifact(cfg *config.Config, path string, a storage.Artifact) error {
	if path == "" {
		path = cfg.Regression.Output
	}
	if path == "" {
		return nil
	}
	if err := storage.SaveArtifact(path, a); err != nil {
		return err
	}
	log.Infow("model artifact written", "path", path, "name", a.Name)
	return nil
}

func printModel(w io.Writer, a storage.Artifact) {
	m := a.Model
	fmt.Fprintf(w, "Calibration %s (%s)\n", a.Name, m.Form)
	fmt.Fprintf(w, "  Samples: %d from %d sites, %d excluded\n", m.N, len(a.Sites), len(a.Excluded))
	for i, c := range m.Coefficients {
		fmt.Fprintf(w, "  c%d = %12.5f  (±%.5f)\n", i, c, m.CoefficientStd[i])
	}
	fmt.Fprintf(w, "  RMSE: %.3f (%.1f%%)  Bias: %.3f  MAE: %.3f  R²: %.3f\n", m.RMSE, m.RMSEPercent, m.Bias, m.MAE, m.R2)
	fmt.Fprintf(w, "  AIC: %.2f  BIC: %.2f\n", m.AIC, m.BIC)
}
