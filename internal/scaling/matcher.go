package scaling

import (
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/interp"

	"github.com/chrissnell/smpcalibrate/internal/smp"
)

const (
	// BulkCandidates is the population used to pick the best profile of a site.
	BulkCandidates = 500

	// RefineCandidates is the population of the final per-site refinement.
	RefineCandidates = 10000

	// PenaltyResidual stands in for the residual of a reference that a
	// candidate leaves uncovered. It outranks any physical density or SSA
	// residual, so a candidate covering more references always wins.
	PenaltyResidual = 1e4
)

// Comparison is the aggregated profile value a candidate produces at one
// reference height.
type Comparison struct {
	Height    float64 `yaml:"height" msgpack:"height"`
	Reference float64 `yaml:"reference" msgpack:"reference"`
	Value     float64 `yaml:"value" msgpack:"value"`
	Points    int     `yaml:"points" msgpack:"points"`
	Defined   bool    `yaml:"defined" msgpack:"defined"`
}

// MatchResult is the best candidate of one profile against its references.
type MatchResult struct {
	Site    string
	RefType smp.Property
	File    string

	Best  Candidate
	RMSE  float64
	Index int

	// Population holds the RMSE of every candidate in generation order.
	Population []float64
	Compared   []Comparison
	NoOverlap  bool
}

// Matcher searches random candidates for the remap that best aligns a
// property profile with its reference measurements.
type Matcher struct {
	Generator  Generator
	Resolution float64 // lookup grid spacing in mm
	CutterSize float64 // full reference window height in mm

	logger *zap.SugaredLogger
}

// NewMatcher returns a matcher logging to logger. A nil logger disables logging.
func NewMatcher(gen Generator, resolution, cutterSize float64, logger *zap.SugaredLogger) *Matcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Matcher{
		Generator:  gen,
		Resolution: resolution,
		CutterSize: cutterSize,
		logger:     logger,
	}
}

// Match scores n candidates drawn from rng and returns the first one with
// the lowest RMSE. If even that candidate leaves a reference uncovered, no
// candidate covers all references: the result falls back to the identity
// candidate with its penalty score and is returned together with ErrNoOverlap.
func (m *Matcher) Match(profile smp.PropertyProfile, refs []Reference, n int, rng *rand.Rand) (MatchResult, error) {
	if len(refs) == 0 {
		return MatchResult{}, fmt.Errorf("%s: %w", profile.File, ErrNoReferences)
	}
	if !(m.CutterSize > 0) {
		return MatchResult{}, fmt.Errorf("%w: cutter size must be positive, got %.3f", ErrInvalidScaling, m.CutterSize)
	}

	fin := profile.Finite()
	if len(fin.Samples) < 2 {
		return MatchResult{}, fmt.Errorf("%w: %s has %d finite samples", smp.ErrInvalidProfile, profile.File, len(fin.Samples))
	}
	heights := fin.Heights()

	var curve interp.PiecewiseLinear
	if err := curve.Fit(heights, fin.Values()); err != nil {
		return MatchResult{}, fmt.Errorf("interpolate %s: %w", profile.File, err)
	}

	deepest := refs[0].Height
	for _, r := range refs[1:] {
		deepest = math.Max(deepest, r.Height)
	}
	domain := math.Min(fin.Extent(), deepest)
	if !(domain > 0) {
		domain = fin.Extent()
	}

	candidates, err := m.Generator.Generate(rng, n, domain)
	if err != nil {
		return MatchResult{}, err
	}

	result := MatchResult{
		Site:       refs[0].Site,
		RefType:    refs[0].Type,
		File:       profile.File,
		Population: make([]float64, len(candidates)),
		Index:      -1,
	}

	var identity []Comparison
	for i, c := range candidates {
		table, err := BuildLookup(c, heights, m.Resolution)
		if err != nil {
			return MatchResult{}, fmt.Errorf("%s candidate %d: %w", profile.File, i, err)
		}
		compared := m.compare(table, &curve, refs)
		rmse := score(compared)
		result.Population[i] = rmse
		if i == 0 {
			identity = compared
		}

		if result.Index < 0 || rmse < result.RMSE {
			result.Index = i
			result.RMSE = rmse
			result.Best = c
			result.Compared = compared
		}
	}

	m.logger.Debugw("matched profile",
		"file", profile.File,
		"candidates", len(candidates),
		"best", result.Index,
		"rmse", result.RMSE,
		"stretch", result.Best.TotalStretch(),
		"offset", result.Best.Offset,
	)

	for _, cmp := range result.Compared {
		if !cmp.Defined {
			result.NoOverlap = true
			result.Index = 0
			result.Best = candidates[0]
			result.RMSE = result.Population[0]
			result.Compared = identity
			return result, fmt.Errorf("%s: reference at %.1f mm: %w", profile.File, cmp.Height, ErrNoOverlap)
		}
	}
	return result, nil
}

// compare computes the windowed mean of the interpolated profile at each
// reference height.
func (m *Matcher) compare(table LookupTable, curve interp.Predictor, refs []Reference) []Comparison {
	half := m.CutterSize / 2
	out := make([]Comparison, len(refs))
	for i, ref := range refs {
		cmp := Comparison{Height: ref.Height, Reference: ref.Value, Value: math.NaN()}
		lo, hi := table.Window(ref.Height, half)
		cmp.Points = hi - lo
		if cmp.Points >= MinWindowPoints {
			var sum float64
			for _, o := range table.Original[lo:hi] {
				sum += curve.Predict(o)
			}
			cmp.Value = sum / float64(cmp.Points)
			cmp.Defined = true
		}
		out[i] = cmp
	}
	return out
}

// score is the RMSE over all references with PenaltyResidual for the
// uncovered ones.
func score(compared []Comparison) float64 {
	var sum float64
	for _, c := range compared {
		r := PenaltyResidual
		if c.Defined {
			r = c.Value - c.Reference
		}
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(compared)))
}
