// Package smp turns SnowMicroPen shot-noise profiles into physical property
// profiles (density, specific surface area) using parametric coefficient sets.
package smp

import (
	"errors"
	"fmt"
	"math"
)

// MinProfileSamples is the smallest profile the estimator will accept.
const MinProfileSamples = 3

var (
	// ErrInvalidProfile is returned for profiles that are too short or carry
	// non-finite or non-increasing depths.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrUnknownCoefficientSet is returned when a coefficient set label is not registered.
	ErrUnknownCoefficientSet = errors.New("unknown coefficient set")
)

// RawSample is one processing window of an SMP profile. Depth is the relative
// height below the snow surface in mm; the remaining fields are the Löwe 2012
// shot-noise window statistics.
type RawSample struct {
	Depth       float64 `csv:"rel_height" yaml:"rel_height"`
	ForceMedian float64 `csv:"force_median" yaml:"force_median"`
	Lambda      float64 `csv:"lambda" yaml:"lambda"`
	F0          float64 `csv:"f0" yaml:"f0"`
	Delta       float64 `csv:"delta" yaml:"delta"`
	ElementSize float64 `csv:"l" yaml:"l"` // structural element length L in mm
}

// RawProfile is a loaded SMP profile. It is produced by the ETL stage and is
// never modified afterwards.
type RawProfile struct {
	Site       string
	File       string
	WindowSize float64 // processing window in mm
	Samples    []RawSample
}

// Validate checks the profile invariants: enough samples and finite,
// strictly increasing depths.
func (p RawProfile) Validate() error {
	if len(p.Samples) < MinProfileSamples {
		return fmt.Errorf("%w: %s has %d samples, need at least %d",
			ErrInvalidProfile, p.File, len(p.Samples), MinProfileSamples)
	}

	prev := math.Inf(-1)
	for i, s := range p.Samples {
		if math.IsNaN(s.Depth) || math.IsInf(s.Depth, 0) {
			return fmt.Errorf("%w: %s sample %d has non-finite depth", ErrInvalidProfile, p.File, i)
		}
		if s.Depth <= prev {
			return fmt.Errorf("%w: %s depth not increasing at sample %d (%.3f <= %.3f)",
				ErrInvalidProfile, p.File, i, s.Depth, prev)
		}
		prev = s.Depth
	}
	return nil
}

// Property identifies the physical quantity a profile or reference describes.
type Property string

const (
	Density Property = "density"
	SSA     Property = "ssa"
)

// ParseProperty maps a reference type label onto a Property.
func ParseProperty(s string) (Property, error) {
	switch Property(s) {
	case Density, SSA:
		return Property(s), nil
	}
	return "", fmt.Errorf("unknown property %q", s)
}

// ProfileSample is one height of a derived property profile. Force and
// ElementSize are carried along as regression covariates.
type ProfileSample struct {
	Height      float64
	Value       float64
	Force       float64
	ElementSize float64
}

// Finite reports whether the sample can take part in matching and
// aggregation. The covariates must be finite too, since aggregated rows carry
// them into the regression and the run store.
func (s ProfileSample) Finite() bool {
	return isFinite(s.Height) && isFinite(s.Value) && isFinite(s.Force) && isFinite(s.ElementSize)
}

// PropertyProfile is the output of the estimator, one sample per raw sample.
type PropertyProfile struct {
	Site         string
	File         string
	Property     Property
	Coefficients string
	Samples      []ProfileSample
}

// Finite returns a copy of the profile holding only finite samples.
func (p PropertyProfile) Finite() PropertyProfile {
	out := p
	out.Samples = make([]ProfileSample, 0, len(p.Samples))
	for _, s := range p.Samples {
		if s.Finite() {
			out.Samples = append(out.Samples, s)
		}
	}
	return out
}

// Heights returns the sample heights.
func (p PropertyProfile) Heights() []float64 {
	h := make([]float64, len(p.Samples))
	for i, s := range p.Samples {
		h[i] = s.Height
	}
	return h
}

// Values returns the sample values.
func (p PropertyProfile) Values() []float64 {
	v := make([]float64, len(p.Samples))
	for i, s := range p.Samples {
		v[i] = s.Value
	}
	return v
}

// Extent returns the deepest height of the profile, or 0 when empty.
func (p PropertyProfile) Extent() float64 {
	if len(p.Samples) == 0 {
		return 0
	}
	return p.Samples[len(p.Samples)-1].Height
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
