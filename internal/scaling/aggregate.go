package scaling

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/smpcalibrate/internal/smp"
)

// MinWindowPoints is the number of lookup entries a cutter window needs
// before a reference height counts as covered.
const MinWindowPoints = 3

// Reference is one snow pit measurement at a fixed height below the surface.
type Reference struct {
	Site   string       `csv:"site"`
	Type   smp.Property `csv:"ref_type"`
	Height float64      `csv:"rel_height"`
	Value  float64      `csv:"value"`
}

// CalibratedSample is the unscaled profile aggregated over the cutter window
// of one reference. Rows with Defined == false carry the reason in Err and are
// dropped before outlier filtering.
type CalibratedSample struct {
	Site      string
	File      string
	RefType   smp.Property
	RefHeight float64
	RefValue  float64

	Value       float64 // mean profile value over the window
	Count       int     // profile samples averaged
	Median      float64
	StdDev      float64 // population standard deviation
	Force       float64 // mean median force, regression covariate
	ElementSize float64 // mean structural element length, regression covariate

	OriginalTop    float64 // original span of the window
	OriginalBottom float64

	Defined bool
	Err     error
}

// Residual is the aggregated value minus the reference value.
func (s CalibratedSample) Residual() float64 {
	return s.Value - s.RefValue
}

// Aggregate reads every reference window back from the unscaled profile. The
// cutter window selects lookup entries by scaled height; the original span of
// those entries then selects the raw profile samples that are averaged.
func Aggregate(table LookupTable, profile smp.PropertyProfile, refs []Reference, cutterSize float64) []CalibratedSample {
	fin := profile.Finite()
	heights := fin.Heights()
	half := cutterSize / 2

	out := make([]CalibratedSample, len(refs))
	for i, ref := range refs {
		row := CalibratedSample{
			Site:      ref.Site,
			File:      profile.File,
			RefType:   ref.Type,
			RefHeight: ref.Height,
			RefValue:  ref.Value,
			Value:     math.NaN(),
		}

		lo, hi := table.Window(ref.Height, half)
		if hi-lo < MinWindowPoints {
			row.Err = fmt.Errorf("%w: %d lookup entries around %.1f mm", ErrInsufficientSamples, hi-lo, ref.Height)
			out[i] = row
			continue
		}

		row.OriginalTop = table.Original[lo]
		row.OriginalBottom = table.Original[hi-1]

		first := sort.SearchFloat64s(heights, row.OriginalTop)
		last := first
		for last < len(heights) && heights[last] <= row.OriginalBottom {
			last++
		}
		if last == first {
			row.Err = fmt.Errorf("%w: no profile samples in [%.1f, %.1f] mm",
				ErrInsufficientSamples, row.OriginalTop, row.OriginalBottom)
			out[i] = row
			continue
		}

		window := fin.Samples[first:last]
		values := make([]float64, len(window))
		forces := make([]float64, len(window))
		sizes := make([]float64, len(window))
		for j, s := range window {
			values[j] = s.Value
			forces[j] = s.Force
			sizes[j] = s.ElementSize
		}

		row.Value = stat.Mean(values, nil)
		row.Force = stat.Mean(forces, nil)
		row.ElementSize = stat.Mean(sizes, nil)
		row.Count = len(window)
		row.Median, _ = stats.Median(values)
		row.StdDev, _ = stats.StandardDeviationPopulation(values)
		row.Defined = true
		out[i] = row
	}
	return out
}

// Rows returns only the defined samples.
func Rows(samples []CalibratedSample) []CalibratedSample {
	out := make([]CalibratedSample, 0, len(samples))
	for _, s := range samples {
		if s.Defined {
			out = append(out, s)
		}
	}
	return out
}
