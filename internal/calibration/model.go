// Package calibration filters outlier sites and fits empirical coefficients
// to aligned SMP and snow pit samples.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/chrissnell/smpcalibrate/internal/scaling"
	"github.com/chrissnell/smpcalibrate/internal/smp"
)

// ErrInsufficientSamples is returned when there are too few rows to fit a
// model with the requested number of folds.
var ErrInsufficientSamples = errors.New("insufficient samples for regression")

// Form selects the regression model.
type Form string

const (
	// FormDensityKing fits rho = c0 + c1*ln(F) + c2*ln(F)*L + c3*L.
	FormDensityKing Form = "density-king"

	// FormSSALogLog fits ln(ssa) = c0 + c1*ln(L) + c2*ln(F).
	FormSSALogLog Form = "ssa-loglog"

	// FormSSALinear fits ssa = c0 + c1*ln(L) + c2*ln(F).
	FormSSALinear Form = "ssa-linear"

	// FormLogLinear fits y = c0 + c1*ln(F).
	FormLogLinear Form = "log-linear"
)

// ParseForm maps a form label onto a Form.
func ParseForm(s string) (Form, error) {
	switch f := Form(s); f {
	case FormDensityKing, FormSSALogLog, FormSSALinear, FormLogLinear:
		return f, nil
	}
	return "", fmt.Errorf("unknown model form %q", s)
}

// Terms returns the number of coefficients of the form.
func (f Form) Terms() int {
	switch f {
	case FormDensityKing:
		return 4
	case FormSSALogLog, FormSSALinear:
		return 3
	case FormLogLinear:
		return 2
	}
	return 0
}

// features returns the design row of a sample and whether it is usable.
func (f Form) features(s scaling.CalibratedSample) ([]float64, bool) {
	lnF := math.Log(s.Force)
	lnL := math.Log(s.ElementSize)

	var row []float64
	switch f {
	case FormDensityKing:
		row = []float64{1, lnF, lnF * s.ElementSize, s.ElementSize}
	case FormSSALogLog, FormSSALinear:
		row = []float64{1, lnL, lnF}
	case FormLogLinear:
		row = []float64{1, lnF}
	default:
		return nil, false
	}
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return row, true
}

// target maps a reference value into the space the form is fitted in.
func (f Form) target(v float64) (float64, bool) {
	if f == FormSSALogLog {
		v = math.Log(v)
	}
	return v, !math.IsNaN(v) && !math.IsInf(v, 0)
}

// predict evaluates the form on a design row and returns physical units.
func (f Form) predict(coeffs, row []float64) float64 {
	var y float64
	for i, c := range coeffs {
		y += c * row[i]
	}
	if f == FormSSALogLog {
		return math.Exp(y)
	}
	return y
}

// Model is the outcome of a cross-validated calibration. Coefficients are the
// fold-averaged values in the order of the form's terms.
type Model struct {
	Form           Form      `yaml:"form"`
	Coefficients   []float64 `yaml:"coefficients"`
	CoefficientStd []float64 `yaml:"coefficient_std"`

	N           int     `yaml:"n"`
	RMSE        float64 `yaml:"rmse"`
	RMSEPercent float64 `yaml:"rmse_percent"`
	Bias        float64 `yaml:"bias"`
	MAE         float64 `yaml:"mae"`
	R2          float64 `yaml:"r2"`
	AIC         float64 `yaml:"aic"`
	BIC         float64 `yaml:"bic"`

	Folds   int    `yaml:"folds"`
	Repeats int    `yaml:"repeats"`
	Seed    uint64 `yaml:"seed"`
}

// Predict evaluates the model for one aggregated sample. It returns NaN if the
// sample's covariates are not usable.
func (m Model) Predict(s scaling.CalibratedSample) float64 {
	row, ok := m.Form.features(s)
	if !ok || len(m.Coefficients) != len(row) {
		return math.NaN()
	}
	return m.Form.predict(m.Coefficients, row)
}

// CoefficientSet converts the model into an estimator coefficient set so that
// profiles can be re-estimated with the calibrated values.
func (m Model) CoefficientSet(name string) (smp.CoefficientSet, error) {
	cs := smp.CoefficientSet{
		Name:   name,
		Coeffs: append([]float64(nil), m.Coefficients...),
	}
	switch m.Form {
	case FormDensityKing:
		cs.Property, cs.Form = smp.Density, smp.FormKingLinear
	case FormSSALogLog:
		cs.Property, cs.Form = smp.SSA, smp.FormLogLogSSA
	case FormSSALinear:
		cs.Property, cs.Form = smp.SSA, smp.FormLinearSSA
	default:
		return smp.CoefficientSet{}, fmt.Errorf("model form %s has no estimator counterpart", m.Form)
	}
	if err := cs.Validate(); err != nil {
		return smp.CoefficientSet{}, err
	}
	return cs, nil
}
