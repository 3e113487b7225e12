package calibration

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/smpcalibrate/internal/scaling"
	"github.com/chrissnell/smpcalibrate/internal/smp"
)

func siteSample(site string, residual float64) scaling.CalibratedSample {
	return scaling.CalibratedSample{
		Site:     site,
		RefType:  smp.Density,
		RefValue: 300,
		Value:    300 + residual,
		Defined:  true,
	}
}

func TestFilterExcludesSiteAtThreshold(t *testing.T) {
	// one site at RMSE 9, eight at 0: sample std is exactly 3, threshold 9
	samples := []scaling.CalibratedSample{siteSample("S0", 9)}
	for i := 1; i < 9; i++ {
		samples = append(samples, siteSample(fmt.Sprintf("S%d", i), 0))
	}

	kept, report := OutlierFilter{Sigma: 3}.Filter(samples)
	assert.InDelta(t, 3, report.StdDev, 1e-12)
	assert.InDelta(t, 9, report.Threshold, 1e-12)
	require.Len(t, report.Outliers, 1)
	assert.Equal(t, "S0", report.Outliers[0].Site)
	assert.Len(t, kept, 8)
	for _, s := range kept {
		assert.NotEqual(t, "S0", s.Site)
	}
}

func TestFilterKeepsSitesBelowThreshold(t *testing.T) {
	// site RMSEs 0, 0, 0, 4: std is 2, threshold 6
	samples := []scaling.CalibratedSample{
		siteSample("A", 0),
		siteSample("B", 0),
		siteSample("C", 0),
		siteSample("D", 4),
		siteSample("D", -4),
	}
	kept, report := OutlierFilter{}.Filter(samples)
	assert.InDelta(t, 2, report.StdDev, 1e-12)
	assert.InDelta(t, 4, report.SiteRMSE["D"], 1e-12)
	assert.Empty(t, report.Outliers)
	assert.Len(t, kept, 5)
}

func TestFilterSinglePass(t *testing.T) {
	// twelve sites, one far off: it is removed, the rest are not re-tested
	var samples []scaling.CalibratedSample
	for i := 0; i < 11; i++ {
		samples = append(samples, siteSample(fmt.Sprintf("S%02d", i), 0))
	}
	samples = append(samples, siteSample("far", 12))

	kept, report := OutlierFilter{Sigma: 3}.Filter(samples)
	require.Len(t, report.Outliers, 1)
	assert.Equal(t, "far", report.Outliers[0].Site)
	assert.Len(t, kept, 11)
}

func TestFilterFewSites(t *testing.T) {
	samples := []scaling.CalibratedSample{siteSample("only", 50), siteSample("only", -10)}
	kept, report := OutlierFilter{}.Filter(samples)
	assert.Len(t, kept, 2)
	assert.True(t, math.IsInf(report.Threshold, 1))
	assert.Empty(t, report.Outliers)
}

func TestFilterDropsUndefinedRows(t *testing.T) {
	undefined := siteSample("A", 0)
	undefined.Defined = false
	undefined.Value = math.NaN()

	kept, report := OutlierFilter{}.Filter([]scaling.CalibratedSample{undefined, siteSample("A", 1)})
	assert.Len(t, kept, 1)
	assert.InDelta(t, 1, report.SiteRMSE["A"], 1e-12)
}

// logLinearSamples builds n noise-free samples with ref = a + b*ln(F).
func logLinearSamples(n int, a, b float64) []scaling.CalibratedSample {
	out := make([]scaling.CalibratedSample, n)
	for i := range out {
		f := 0.1 + 0.37*float64(i)
		out[i] = scaling.CalibratedSample{
			Site:        fmt.Sprintf("S%d", i%4),
			Force:       f,
			ElementSize: 0.4,
			RefValue:    a + b*math.Log(f),
			Defined:     true,
		}
	}
	return out
}

func TestFitRecoversLogLinear(t *testing.T) {
	const a, b = 210.5, 42.25

	r := NewRegressor(FormLogLinear, 2021, nil)
	m, err := r.Fit(logLinearSamples(24, a, b))
	require.NoError(t, err)

	require.Len(t, m.Coefficients, 2)
	assert.InDelta(t, a, m.Coefficients[0], 1e-8)
	assert.InDelta(t, b, m.Coefficients[1], 1e-8)
	assert.InDelta(t, 0, m.CoefficientStd[0], 1e-8)
	assert.InDelta(t, 0, m.RMSE, 1e-8)
	assert.InDelta(t, 0, m.Bias, 1e-8)
	assert.InDelta(t, 1, m.R2, 1e-9)
	assert.Equal(t, 24, m.N)
	assert.Equal(t, DefaultFolds, m.Folds)
	assert.Equal(t, DefaultRepeats, m.Repeats)
}

func TestFitDensityKing(t *testing.T) {
	coeffs := []float64{312.54, 50.27, -50.26, -85.38}
	var samples []scaling.CalibratedSample
	for i := 0; i < 40; i++ {
		f := 0.2 + 0.13*float64(i)
		l := 0.3 + 0.05*float64(i%7)
		lnF := math.Log(f)
		samples = append(samples, scaling.CalibratedSample{
			Site:        "WFJ",
			Force:       f,
			ElementSize: l,
			RefValue:    coeffs[0] + coeffs[1]*lnF + coeffs[2]*lnF*l + coeffs[3]*l,
			Defined:     true,
		})
	}

	m, err := NewRegressor(FormDensityKing, 7, nil).Fit(samples)
	require.NoError(t, err)
	for i, c := range coeffs {
		assert.InDelta(t, c, m.Coefficients[i], 1e-6)
	}
	assert.InDelta(t, 0, m.RMSE, 1e-8)

	cs, err := m.CoefficientSet("density-wfj")
	require.NoError(t, err)
	assert.Equal(t, smp.Density, cs.Property)
	assert.Equal(t, smp.FormKingLinear, cs.Form)
	assert.InDeltaSlice(t, coeffs, cs.Coeffs, 1e-6)
	assert.InDelta(t, samples[3].RefValue, m.Predict(samples[3]), 1e-6)
}

func TestFitSSALogLog(t *testing.T) {
	var samples []scaling.CalibratedSample
	for i := 0; i < 30; i++ {
		f := 0.5 + 0.2*float64(i)
		l := 0.2 + 0.03*float64(i%5)
		samples = append(samples, scaling.CalibratedSample{
			Force:       f,
			ElementSize: l,
			RefValue:    math.Exp(1.5 - 0.8*math.Log(l) - 0.3*math.Log(f)),
			Defined:     true,
		})
	}
	m, err := NewRegressor(FormSSALogLog, 1, nil).Fit(samples)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.5, -0.8, -0.3}, m.Coefficients, 1e-8)
	assert.InDelta(t, 0, m.RMSE, 1e-8)
}

func TestFitDropsNonFiniteRows(t *testing.T) {
	samples := logLinearSamples(20, 100, 10)
	samples = append(samples, scaling.CalibratedSample{Force: 0, RefValue: 120, Defined: true})
	samples = append(samples, scaling.CalibratedSample{Force: 1, RefValue: math.NaN(), Defined: true})

	m, err := NewRegressor(FormLogLinear, 3, nil).Fit(samples)
	require.NoError(t, err)
	assert.Equal(t, 20, m.N)
}

func TestFitDeterministic(t *testing.T) {
	samples := logLinearSamples(30, 150, 30)
	for i := range samples {
		samples[i].RefValue += float64(i%3) - 1
	}
	a, err := NewRegressor(FormLogLinear, 99, nil).Fit(samples)
	require.NoError(t, err)
	b, err := NewRegressor(FormLogLinear, 99, nil).Fit(samples)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Greater(t, a.RMSE, 0.0)
}

func TestFitInsufficientSamples(t *testing.T) {
	_, err := NewRegressor(FormLogLinear, 1, nil).Fit(logLinearSamples(5, 1, 1))
	assert.True(t, errors.Is(err, ErrInsufficientSamples))

	r := NewRegressor(FormDensityKing, 1, nil)
	r.Folds = 2
	_, err = r.Fit(logLinearSamples(6, 1, 1))
	assert.True(t, errors.Is(err, ErrInsufficientSamples))
}

func TestCoefficientSetLogLinear(t *testing.T) {
	_, err := Model{Form: FormLogLinear, Coefficients: []float64{1, 2}}.CoefficientSet("x")
	assert.Error(t, err)
}

func TestParseForm(t *testing.T) {
	f, err := ParseForm("ssa-loglog")
	require.NoError(t, err)
	assert.Equal(t, FormSSALogLog, f)

	_, err = ParseForm("cubic")
	assert.Error(t, err)
}
