package smp

import (
	"fmt"
	"math"
)

// Estimate converts a raw shot-noise profile into a property profile with the
// given coefficient set. The output has one sample per raw sample; heights are
// the raw depths. Non-positive or non-finite forces and element sizes produce
// NaN values rather than errors so that they can be dropped downstream.
func Estimate(raw RawProfile, cs CoefficientSet) (PropertyProfile, error) {
	if err := raw.Validate(); err != nil {
		return PropertyProfile{}, err
	}
	if err := cs.Validate(); err != nil {
		return PropertyProfile{}, err
	}

	out := PropertyProfile{
		Site:         raw.Site,
		File:         raw.File,
		Property:     cs.Property,
		Coefficients: cs.Name,
		Samples:      make([]ProfileSample, len(raw.Samples)),
	}

	values := make([]float64, len(raw.Samples))
	for i, s := range raw.Samples {
		values[i] = estimateValue(cs, s.ForceMedian, s.ElementSize)
	}

	if cs.PostProcess.Enabled() {
		values = postProcess(values, cs.PostProcess)
	}

	for i, s := range raw.Samples {
		out.Samples[i] = ProfileSample{
			Height:      s.Depth,
			Value:       values[i],
			Force:       s.ForceMedian,
			ElementSize: s.ElementSize,
		}
	}
	return out, nil
}

// EstimateNamed looks up a registered coefficient set and runs Estimate.
func EstimateNamed(raw RawProfile, name string) (PropertyProfile, error) {
	cs, err := Lookup(name)
	if err != nil {
		return PropertyProfile{}, err
	}
	pp, err := Estimate(raw, cs)
	if err != nil {
		return PropertyProfile{}, fmt.Errorf("estimate %s with %s: %w", raw.File, name, err)
	}
	return pp, nil
}

func estimateValue(cs CoefficientSet, force, l float64) float64 {
	lnF := math.Log(force)
	c := cs.Coeffs

	switch cs.Form {
	case FormKingLinear:
		return round1(c[0] + c[1]*lnF + c[2]*lnF*l + c[3]*l)
	case FormLinearSSA:
		return round1(c[0] + c[1]*math.Log(l) + c[2]*lnF)
	case FormLogLogSSA:
		return math.Exp(c[0] + c[1]*math.Log(l) + c[2]*lnF)
	}
	return math.NaN()
}

func postProcess(values []float64, pp PostProcess) []float64 {
	if pp.MedianKernel > 1 {
		values = MedFilt(values, pp.MedianKernel)
	}
	for i, v := range values {
		v += pp.Offset
		if pp.MinValue != 0 && v < pp.MinValue {
			v = math.NaN()
		}
		values[i] = v
	}
	return values
}

// round1 rounds to one decimal, the precision the reference instruments report.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
