// Package pipeline runs the calibration chain over a field campaign: property
// estimation, per-site profile matching, sample aggregation, outlier
// filtering and the cross-validated regression.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrissnell/smpcalibrate/internal/calibration"
	"github.com/chrissnell/smpcalibrate/internal/scaling"
	"github.com/chrissnell/smpcalibrate/internal/smp"
	"github.com/chrissnell/smpcalibrate/internal/storage"
	"github.com/chrissnell/smpcalibrate/pkg/config"
)

// ErrNoSites is returned when no site has both profiles and references.
var ErrNoSites = errors.New("no site has both profiles and references")

// SiteResult is the outcome of matching one site.
type SiteResult struct {
	Site string

	// Bulk holds the bulk search result of every usable profile at the site.
	Bulk []scaling.MatchResult

	// Match is the refined result of the best profile.
	Match   scaling.MatchResult
	Samples []scaling.CalibratedSample
}

// Report is the outcome of a full run.
type Report struct {
	RunID    string
	Property smp.Property
	Sites    []SiteResult
	Samples  []scaling.CalibratedSample
	Kept     []scaling.CalibratedSample
	Outliers calibration.OutlierReport
	Model    calibration.Model
	Elapsed  time.Duration
}

// Matches returns the refined match of every site.
func (r Report) Matches() []scaling.MatchResult {
	out := make([]scaling.MatchResult, len(r.Sites))
	for i, s := range r.Sites {
		out[i] = s.Match
	}
	return out
}

// Pipeline holds the configured components of a calibration run.
type Pipeline struct {
	cfg       *config.Config
	matcher   *scaling.Matcher
	filter    calibration.OutlierFilter
	regressor *calibration.Regressor
	store     storage.Store
	logger    *zap.SugaredLogger
}

// New builds a pipeline from a validated configuration. store may be nil.
func New(cfg *config.Config, store storage.Store, logger *zap.SugaredLogger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	form, err := calibration.ParseForm(cfg.Regression.Form)
	if err != nil {
		return nil, err
	}

	reg := calibration.NewRegressor(form, cfg.Matching.Seed, logger.Named("regressor"))
	reg.Folds = cfg.Regression.Folds
	reg.Repeats = cfg.Regression.Repeats

	return &Pipeline{
		cfg:       cfg,
		matcher:   scaling.NewMatcher(cfg.Matching.Generator(), cfg.Matching.Resolution, cfg.Aggregation.CutterSize, logger.Named("matcher")),
		filter:    calibration.OutlierFilter{Sigma: cfg.Regression.Sigma},
		regressor: reg,
		store:     store,
		logger:    logger,
	}, nil
}

// Estimate derives property profiles with the named coefficient set.
// Profiles that fail validation are logged and skipped.
func (p *Pipeline) Estimate(raws []smp.RawProfile, coefficients string) ([]smp.PropertyProfile, error) {
	cs, err := smp.Lookup(coefficients)
	if err != nil {
		return nil, err
	}

	out := make([]smp.PropertyProfile, 0, len(raws))
	for _, raw := range raws {
		pp, err := smp.Estimate(raw, cs)
		if errors.Is(err, smp.ErrInvalidProfile) {
			p.logger.Warnw("skipping profile", "site", raw.Site, "file", raw.File, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("estimate %s: %w", raw.File, err)
		}
		out = append(out, pp)
	}
	return out, nil
}

// siteWork is the input of one site task.
type siteWork struct {
	site     string
	profiles []smp.PropertyProfile
	refs     []scaling.Reference
}

// group pairs profiles and references of the same site and property. Sites
// and the profiles of each site are sorted so that the outcome does not
// depend on input order.
func (p *Pipeline) group(profiles []smp.PropertyProfile, refs []scaling.Reference) []siteWork {
	bySite := make(map[string]*siteWork)
	for _, pp := range profiles {
		w, ok := bySite[pp.Site]
		if !ok {
			w = &siteWork{site: pp.Site}
			bySite[pp.Site] = w
		}
		w.profiles = append(w.profiles, pp)
	}

	for _, ref := range refs {
		w, ok := bySite[ref.Site]
		if !ok {
			continue
		}
		if len(w.profiles) > 0 && ref.Type != w.profiles[0].Property {
			continue
		}
		w.refs = append(w.refs, ref)
	}

	sites := make([]string, 0, len(bySite))
	for site, w := range bySite {
		if len(w.refs) == 0 {
			p.logger.Warnw("no references for site, skipping", "site", site, "profiles", len(w.profiles))
			continue
		}
		sites = append(sites, site)
	}
	sort.Strings(sites)

	out := make([]siteWork, len(sites))
	for i, site := range sites {
		w := bySite[site]
		sort.SliceStable(w.profiles, func(a, b int) bool { return w.profiles[a].File < w.profiles[b].File })
		out[i] = *w
	}
	return out
}

// profileRand returns the random stream of one search over a profile. The
// stream is keyed by the configured seed, the search phase, the site and the
// file, so the candidates drawn for a profile do not depend on which other
// profiles were measured at the site or in what order they were read.
func (p *Pipeline) profileRand(phase, site, file string) *rand.Rand {
	key := xxhash.Sum64String(phase + "\x00" + site + "\x00" + file)
	return rand.New(rand.NewPCG(p.cfg.Matching.Seed, key))
}

// Match matches every site in parallel. Every profile search draws from its
// own random stream, so results do not depend on scheduling.
func (p *Pipeline) Match(ctx context.Context, profiles []smp.PropertyProfile, refs []scaling.Reference) ([]SiteResult, error) {
	work := p.group(profiles, refs)
	if len(work) == 0 {
		return nil, ErrNoSites
	}

	results := make([]SiteResult, len(work))
	matched := make([]bool, len(work))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Pipeline.Workers)
	for i, w := range work {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, ok, err := p.matchSite(w)
			if err != nil {
				return fmt.Errorf("site %s: %w", w.site, err)
			}
			results[i], matched[i] = res, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]SiteResult, 0, len(results))
	for i, r := range results {
		if matched[i] {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSites
	}
	return out, nil
}

// matchSite runs the bulk search over all profiles of a site, refines the
// best one and aggregates its reference windows.
func (p *Pipeline) matchSite(w siteWork) (SiteResult, bool, error) {
	res := SiteResult{Site: w.site}
	best := -1

	for i, pp := range w.profiles {
		m, err := p.matcher.Match(pp, w.refs, p.cfg.Matching.Candidates, p.profileRand("bulk", w.site, pp.File))
		switch {
		case errors.Is(err, scaling.ErrNoOverlap):
			p.logger.Warnw("profile does not cover all references", "site", w.site, "file", pp.File, "error", err)
		case errors.Is(err, smp.ErrInvalidProfile):
			p.logger.Warnw("skipping profile", "site", w.site, "file", pp.File, "error", err)
			continue
		case err != nil:
			return SiteResult{}, false, err
		}
		res.Bulk = append(res.Bulk, m)
		if best < 0 || m.RMSE < res.Match.RMSE {
			best = i
			res.Match = m
		}
	}
	if best < 0 {
		p.logger.Warnw("no usable profile at site", "site", w.site)
		return SiteResult{}, false, nil
	}
	profile := w.profiles[best]

	if n := p.cfg.Matching.RefineCandidates; n > p.cfg.Matching.Candidates {
		refined, err := p.matcher.Match(profile, w.refs, n, p.profileRand("refine", w.site, profile.File))
		if err != nil && !errors.Is(err, scaling.ErrNoOverlap) {
			return SiteResult{}, false, err
		}
		if refined.RMSE < res.Match.RMSE {
			res.Match = refined
		}
	}
	if res.Match.NoOverlap {
		p.logger.Warnw("site matched without full overlap", "site", w.site, "file", profile.File, "rmse", res.Match.RMSE)
	}

	table, err := scaling.BuildLookup(res.Match.Best, profile.Finite().Heights(), p.cfg.Matching.Resolution)
	if err != nil {
		return SiteResult{}, false, err
	}
	res.Samples = scaling.Aggregate(table, profile, w.refs, p.cfg.Aggregation.CutterSize)
	for _, s := range res.Samples {
		if !s.Defined {
			p.logger.Debugw("undefined reference window", "site", w.site, "height", s.RefHeight, "reason", s.Err)
		}
	}

	p.logger.Infow("site matched",
		"site", w.site,
		"profiles", len(res.Bulk),
		"file", res.Match.File,
		"rmse", res.Match.RMSE,
		"stretch", res.Match.Best.TotalStretch(),
		"offset", res.Match.Best.Offset,
	)
	return res, true, nil
}

// Calibrate filters outlier sites and fits the configured model form.
func (p *Pipeline) Calibrate(samples []scaling.CalibratedSample) (calibration.Model, []scaling.CalibratedSample, calibration.OutlierReport, error) {
	kept, report := p.filter.Filter(samples)
	for _, o := range report.Outliers {
		p.logger.Warnw("excluding outlier site", "site", o.Site, "rmse", o.RMSE, "threshold", o.Threshold)
	}

	model, err := p.regressor.Fit(kept)
	if err != nil {
		return calibration.Model{}, kept, report, err
	}
	return model, kept, report, nil
}

// Run executes the full chain for one property and persists the outcome
// when a store is configured.
func (p *Pipeline) Run(ctx context.Context, raws []smp.RawProfile, refs []scaling.Reference) (Report, error) {
	start := time.Now()

	profiles, err := p.Estimate(raws, p.cfg.Estimator.Coefficients)
	if err != nil {
		return Report{}, err
	}

	sites, err := p.Match(ctx, profiles, refs)
	if err != nil {
		return Report{}, err
	}

	// Match succeeds only with at least one estimated profile, and all of
	// them come from the same coefficient set.
	report := Report{Property: profiles[0].Property, Sites: sites}
	for _, s := range sites {
		report.Samples = append(report.Samples, s.Samples...)
	}

	report.Model, report.Kept, report.Outliers, err = p.Calibrate(report.Samples)
	if err != nil {
		return Report{}, err
	}

	if p.store != nil {
		run := storage.NewRun(report.Property, p.cfg.Matching.Seed, p.cfg.Matching.Candidates)
		if err := p.persist(ctx, run, report); err != nil {
			return Report{}, err
		}
		report.RunID = run.ID.String()
	}

	report.Elapsed = time.Since(start)
	p.logger.Infow("calibration run finished",
		"run", report.RunID,
		"sites", len(report.Sites),
		"samples", len(report.Kept),
		"outliers", len(report.Outliers.Outliers),
		"elapsed", report.Elapsed,
	)
	return report, nil
}

func (p *Pipeline) persist(ctx context.Context, run storage.Run, report Report) error {
	if err := p.store.CreateRun(ctx, run); err != nil {
		return err
	}
	if err := p.store.SaveMatches(ctx, run.ID, report.Matches()); err != nil {
		return err
	}
	if err := p.store.SaveSamples(ctx, run.ID, report.Kept); err != nil {
		return err
	}
	return p.store.SaveModel(ctx, run.ID, report.Model)
}
