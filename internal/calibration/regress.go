package calibration

import (
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/smpcalibrate/internal/scaling"
)

const (
	DefaultFolds   = 10
	DefaultRepeats = 10
)

// Regressor fits a model form with repeated random k-fold cross-validation.
type Regressor struct {
	Form    Form
	Folds   int
	Repeats int
	Seed    uint64

	logger *zap.SugaredLogger
}

// NewRegressor returns a regressor with the default fold layout.
func NewRegressor(form Form, seed uint64, logger *zap.SugaredLogger) *Regressor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Regressor{
		Form:    form,
		Folds:   DefaultFolds,
		Repeats: DefaultRepeats,
		Seed:    seed,
		logger:  logger,
	}
}

type dataset struct {
	x   [][]float64
	y   []float64 // fitting space
	ref []float64 // physical units
}

// Fit partitions the samples Repeats times into Folds folds, fits ordinary
// least squares on every training split and scores the held-out fold.
// Samples with non-finite covariates or references are dropped first.
func (r *Regressor) Fit(samples []scaling.CalibratedSample) (Model, error) {
	p := r.Form.Terms()
	if p == 0 {
		return Model{}, fmt.Errorf("unknown model form %q", r.Form)
	}
	if r.Folds < 2 || r.Repeats < 1 {
		return Model{}, fmt.Errorf("need at least 2 folds and 1 repeat, got %d and %d", r.Folds, r.Repeats)
	}

	data := r.design(samples)
	n := len(data.y)
	if n < r.Folds {
		return Model{}, fmt.Errorf("%w: %d rows for %d folds", ErrInsufficientSamples, n, r.Folds)
	}
	largestFold := (n + r.Folds - 1) / r.Folds
	if n-largestFold < p {
		return Model{}, fmt.Errorf("%w: training folds of %d rows cannot fit %d coefficients",
			ErrInsufficientSamples, n-largestFold, p)
	}

	rng := rand.New(rand.NewPCG(r.Seed, uint64(p)))

	var (
		fits        [][]float64
		corr        []float64
		sse, sumErr float64
		sumAbs      float64
		scored      int
	)
	for rep := 0; rep < r.Repeats; rep++ {
		perm := rng.Perm(n)
		for fold := 0; fold < r.Folds; fold++ {
			var train, test []int
			for i, idx := range perm {
				if i%r.Folds == fold {
					test = append(test, idx)
				} else {
					train = append(train, idx)
				}
			}

			coeffs, err := solveOLS(data, train, p)
			if err != nil {
				return Model{}, fmt.Errorf("repeat %d fold %d: %w", rep, fold, err)
			}
			fits = append(fits, coeffs)

			pred := make([]float64, len(test))
			obs := make([]float64, len(test))
			for j, idx := range test {
				pred[j] = r.Form.predict(coeffs, data.x[idx])
				obs[j] = data.ref[idx]
				e := pred[j] - obs[j]
				sse += e * e
				sumErr += e
				sumAbs += math.Abs(e)
				scored++
			}
			if c := stat.Correlation(pred, obs, nil); len(test) > 1 && !math.IsNaN(c) {
				corr = append(corr, c)
			}
		}
	}

	m := Model{
		Form:           r.Form,
		Coefficients:   make([]float64, p),
		CoefficientStd: make([]float64, p),
		N:              n,
		RMSE:           math.Sqrt(sse / float64(scored)),
		Bias:           sumErr / float64(scored),
		MAE:            sumAbs / float64(scored),
		Folds:          r.Folds,
		Repeats:        r.Repeats,
		Seed:           r.Seed,
	}

	column := make([]float64, len(fits))
	for k := 0; k < p; k++ {
		for i, c := range fits {
			column[i] = c[k]
		}
		m.Coefficients[k], m.CoefficientStd[k] = stat.MeanStdDev(column, nil)
	}

	if mean := stat.Mean(data.ref, nil); mean != 0 {
		m.RMSEPercent = 100 * m.RMSE / mean
	}
	if len(corr) > 0 {
		rbar := stat.Mean(corr, nil)
		m.R2 = rbar * rbar
	}
	m.AIC = informationCriterion(float64(n), m.RMSE, 2*float64(p))
	m.BIC = informationCriterion(float64(n), m.RMSE, float64(p)*math.Log(float64(n)))

	r.logger.Infow("calibration fitted",
		"form", m.Form,
		"n", m.N,
		"coefficients", m.Coefficients,
		"rmse", m.RMSE,
		"bias", m.Bias,
		"r2", m.R2,
	)
	return m, nil
}

func (r *Regressor) design(samples []scaling.CalibratedSample) dataset {
	var d dataset
	for _, s := range samples {
		row, ok := r.Form.features(s)
		if !ok {
			continue
		}
		y, ok := r.Form.target(s.RefValue)
		if !ok {
			continue
		}
		d.x = append(d.x, row)
		d.y = append(d.y, y)
		d.ref = append(d.ref, s.RefValue)
	}
	return d
}

// solveOLS fits the rows selected by idx with a QR least squares solve.
func solveOLS(data dataset, idx []int, p int) ([]float64, error) {
	X := mat.NewDense(len(idx), p, nil)
	y := mat.NewVecDense(len(idx), nil)
	for i, k := range idx {
		X.SetRow(i, data.x[k])
		y.SetVec(i, data.y[k])
	}

	var qr mat.QR
	qr.Factorize(X)

	coeffs := mat.NewVecDense(p, nil)
	if err := qr.SolveVecTo(coeffs, false, y); err != nil {
		return nil, fmt.Errorf("least squares solve: %w", err)
	}

	out := make([]float64, p)
	for i := range out {
		out[i] = coeffs.AtVec(i)
	}
	return out, nil
}

// informationCriterion returns penalty + n*ln(SSE/n) with SSE = n*rmse^2.
func informationCriterion(n, rmse, penalty float64) float64 {
	sse := n * rmse * rmse
	if sse <= 0 {
		return math.Inf(-1)
	}
	return penalty + n*math.Log(sse/n)
}
