package smp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawProfile(n int) RawProfile {
	p := RawProfile{Site: "RS01", File: "S31M0001.pnt", WindowSize: 5}
	for i := 0; i < n; i++ {
		p.Samples = append(p.Samples, RawSample{
			Depth:       float64(i) * 2.5,
			ForceMedian: 1,
			ElementSize: 1,
		})
	}
	return p
}

func TestEstimateForms(t *testing.T) {
	tests := []struct {
		name  string
		set   CoefficientSet
		force float64
		l     float64
		want  float64
	}{
		{
			name:  "king density at unit force",
			set:   CoefficientSet{Name: "k", Property: Density, Form: FormKingLinear, Coeffs: []float64{312.54, 50.27, -50.26, -85.38}},
			force: 1,
			l:     1,
			want:  227.2,
		},
		{
			name:  "king density uses interaction term",
			set:   CoefficientSet{Name: "k", Property: Density, Form: FormKingLinear, Coeffs: []float64{100, 10, 2, 0}},
			force: math.E,
			l:     3,
			want:  116,
		},
		{
			name:  "linear ssa",
			set:   CoefficientSet{Name: "c", Property: SSA, Form: FormLinearSSA, Coeffs: []float64{0.57, -18.56, -3.66}},
			force: 1,
			l:     1,
			want:  0.6,
		},
		{
			name:  "loglog ssa",
			set:   CoefficientSet{Name: "l", Property: SSA, Form: FormLogLogSSA, Coeffs: []float64{1, 0, 0}},
			force: 2,
			l:     0.5,
			want:  math.E,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawProfile(4)
			for i := range raw.Samples {
				raw.Samples[i].ForceMedian = tt.force
				raw.Samples[i].ElementSize = tt.l
			}

			pp, err := Estimate(raw, tt.set)
			require.NoError(t, err)
			require.Len(t, pp.Samples, len(raw.Samples))
			for i, s := range pp.Samples {
				assert.InDelta(t, tt.want, s.Value, 1e-9)
				assert.Equal(t, raw.Samples[i].Depth, s.Height)
				assert.Equal(t, tt.force, s.Force)
				assert.Equal(t, tt.l, s.ElementSize)
			}
			assert.Equal(t, tt.set.Property, pp.Property)
		})
	}
}

func TestEstimateInvalidProfile(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawProfile)
	}{
		{"too short", func(p *RawProfile) { p.Samples = p.Samples[:2] }},
		{"nan depth", func(p *RawProfile) { p.Samples[3].Depth = math.NaN() }},
		{"infinite depth", func(p *RawProfile) { p.Samples[0].Depth = math.Inf(-1) }},
		{"depth goes back", func(p *RawProfile) { p.Samples[4].Depth = 1 }},
		{"repeated depth", func(p *RawProfile) { p.Samples[2].Depth = p.Samples[1].Depth }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawProfile(10)
			tt.mutate(&raw)
			_, err := EstimateNamed(raw, DensityKing2020)
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestEstimateNonFiniteForcePropagates(t *testing.T) {
	raw := rawProfile(6)
	raw.Samples[2].ForceMedian = math.NaN()
	raw.Samples[4].ForceMedian = 0

	pp, err := EstimateNamed(raw, DensityKing2020)
	require.NoError(t, err)
	require.Len(t, pp.Samples, 6)

	assert.True(t, math.IsNaN(pp.Samples[2].Value))
	assert.False(t, pp.Samples[4].Finite())
	assert.True(t, pp.Samples[0].Finite())
	assert.Len(t, pp.Finite().Samples, 4)
}

func TestEstimateMedianKeepsNaNForce(t *testing.T) {
	raw := rawProfile(100)
	raw.Samples[50].ForceMedian = math.NaN()

	cs := CoefficientSet{
		Name:        "smoothed",
		Property:    Density,
		Form:        FormKingLinear,
		Coeffs:      []float64{200, 50, 0, 0},
		PostProcess: PostProcess{MedianKernel: 3},
	}
	pp, err := Estimate(raw, cs)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(pp.Samples[50].Value))
	assert.False(t, pp.Samples[50].Finite())
	assert.InDelta(t, 200, pp.Samples[49].Value, 1e-9)
	assert.InDelta(t, 200, pp.Samples[51].Value, 1e-9)

	fin := pp.Finite()
	require.Len(t, fin.Samples, 99)
	for _, s := range fin.Samples {
		assert.False(t, math.IsNaN(s.Force))
	}
}

func TestSampleFiniteRequiresCovariates(t *testing.T) {
	s := ProfileSample{Height: 1, Value: 200, Force: 1, ElementSize: 0.5}
	assert.True(t, s.Finite())

	s.Force = math.NaN()
	assert.False(t, s.Finite())

	s.Force = 1
	s.ElementSize = math.Inf(1)
	assert.False(t, s.Finite())
}

func TestEstimatePostProcess(t *testing.T) {
	raw := rawProfile(5)
	forces := []float64{1, 1, math.E * math.E, 1, 1}
	for i := range raw.Samples {
		raw.Samples[i].ForceMedian = forces[i]
	}

	cs := CoefficientSet{
		Name:     "smoothed",
		Property: Density,
		Form:     FormKingLinear,
		Coeffs:   []float64{200, 50, 0, 0},
		PostProcess: PostProcess{
			MedianKernel: 3,
			Offset:       -10,
		},
	}

	pp, err := Estimate(raw, cs)
	require.NoError(t, err)
	for _, s := range pp.Samples {
		assert.InDelta(t, 190, s.Value, 1e-9, "spike should be removed by the median filter")
	}

	cs.PostProcess = PostProcess{MinValue: 250}
	pp, err = Estimate(raw, cs)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(pp.Samples[0].Value))
	assert.InDelta(t, 300, pp.Samples[2].Value, 1e-9)
}

func TestEstimateUnknownSet(t *testing.T) {
	_, err := EstimateNamed(rawProfile(5), "density-nobody1999")
	assert.ErrorIs(t, err, ErrUnknownCoefficientSet)
}
