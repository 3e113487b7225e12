package smp

import (
	"fmt"
	"sort"
	"sync"
)

// Form names the parametric transform a coefficient set plugs into.
type Form string

const (
	// FormKingLinear is the density form of King et al. (2020):
	//
	//	rho = c0 + c1*ln(F) + c2*ln(F)*L + c3*L
	FormKingLinear Form = "king-linear"

	// FormLinearSSA is the additive SSA form:
	//
	//	ssa = c0 + c1*ln(L) + c2*ln(F)
	FormLinearSSA Form = "linear-ssa"

	// FormLogLogSSA is the log-log SSA form:
	//
	//	ssa = exp(c0 + c1*ln(L) + c2*ln(F))
	FormLogLogSSA Form = "loglog-ssa"
)

// coefficientCount returns how many coefficients a form consumes.
func (f Form) coefficientCount() int {
	switch f {
	case FormKingLinear:
		return 4
	case FormLinearSSA, FormLogLogSSA:
		return 3
	}
	return 0
}

// PostProcess holds the optional secondary corrections of a coefficient set.
type PostProcess struct {
	// MedianKernel applies a median filter of this (odd) size when > 1.
	MedianKernel int `yaml:"median_kernel,omitempty"`

	// Offset is added to every estimate (bias correction).
	Offset float64 `yaml:"offset,omitempty"`

	// MinValue turns estimates below it into NaN when non-zero.
	MinValue float64 `yaml:"min_value,omitempty"`
}

// Enabled reports whether any post-processing step is configured.
func (pp PostProcess) Enabled() bool {
	return pp.MedianKernel > 1 || pp.Offset != 0 || pp.MinValue != 0
}

// CoefficientSet is a named parameterization of a property estimator.
type CoefficientSet struct {
	Name        string      `yaml:"name"`
	Property    Property    `yaml:"property"`
	Form        Form        `yaml:"form"`
	Coeffs      []float64   `yaml:"coefficients"`
	PostProcess PostProcess `yaml:"post_process,omitempty"`
}

// Validate checks that the form is known and the coefficient count matches it.
func (cs CoefficientSet) Validate() error {
	want := cs.Form.coefficientCount()
	if want == 0 {
		return fmt.Errorf("coefficient set %q: unknown form %q", cs.Name, cs.Form)
	}
	if len(cs.Coeffs) != want {
		return fmt.Errorf("coefficient set %q: form %s needs %d coefficients, got %d",
			cs.Name, cs.Form, want, len(cs.Coeffs))
	}
	if cs.Form == FormKingLinear && cs.Property != Density {
		return fmt.Errorf("coefficient set %q: form %s estimates density, not %s", cs.Name, cs.Form, cs.Property)
	}
	if cs.Form != FormKingLinear && cs.Property != SSA {
		return fmt.Errorf("coefficient set %q: form %s estimates ssa, not %s", cs.Name, cs.Form, cs.Property)
	}
	if k := cs.PostProcess.MedianKernel; k > 1 && k%2 == 0 {
		return fmt.Errorf("coefficient set %q: median kernel must be odd, got %d", cs.Name, k)
	}
	return nil
}

// Built-in coefficient set labels.
const (
	DensityKing2020    = "density-king2020"
	DensityProksch2015 = "density-proksch2015"
	SSACalonne2020     = "ssa-calonne2020"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]CoefficientSet{
		DensityKing2020: {
			Name:     DensityKing2020,
			Property: Density,
			Form:     FormKingLinear,
			Coeffs:   []float64{312.54, 50.27, -50.26, -85.38},
		},
		DensityProksch2015: {
			Name:     DensityProksch2015,
			Property: Density,
			Form:     FormKingLinear,
			Coeffs:   []float64{420.47, 102.47, -121.15, -169.96},
		},
		SSACalonne2020: {
			Name:     SSACalonne2020,
			Property: SSA,
			Form:     FormLinearSSA,
			Coeffs:   []float64{0.57, -18.56, -3.66},
		},
	}
)

// Lookup returns the coefficient set registered under name.
func Lookup(name string) (CoefficientSet, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	cs, ok := registry[name]
	if !ok {
		return CoefficientSet{}, fmt.Errorf("%w: %q", ErrUnknownCoefficientSet, name)
	}
	cs.Coeffs = append([]float64(nil), cs.Coeffs...)
	return cs, nil
}

// Register adds or replaces a coefficient set, e.g. one produced by a
// calibration run.
func Register(cs CoefficientSet) error {
	if cs.Name == "" {
		return fmt.Errorf("coefficient set has no name")
	}
	if err := cs.Validate(); err != nil {
		return err
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	cs.Coeffs = append([]float64(nil), cs.Coeffs...)
	registry[cs.Name] = cs
	return nil
}

// Registered returns the sorted labels of all known coefficient sets.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
