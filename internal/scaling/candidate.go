// Package scaling aligns SMP property profiles with snow pit reference
// measurements by searching random monotonic height remaps, and reads the
// aligned reference windows back from the unscaled profile.
package scaling

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrInvalidScaling means a remap would fold the profile or cannot be
	// represented at the requested resolution.
	ErrInvalidScaling = errors.New("invalid scaling")

	// ErrNoOverlap means the selected candidate still leaves at least one
	// reference height without enough profile support. The accompanying
	// MatchResult is valid.
	ErrNoOverlap = errors.New("no candidate covers all reference heights")

	// ErrInsufficientSamples marks a reference window with fewer than
	// MinWindowPoints lookup entries.
	ErrInsufficientSamples = errors.New("insufficient samples in cutter window")

	// ErrNoReferences is returned when a match is requested without references.
	ErrNoReferences = errors.New("no reference measurements")
)

// maxDrawAttempts bounds the rejection sampling of one stretch vector.
const maxDrawAttempts = 100000

// Candidate is one monotonic height remap. The profile is cut into layers of
// LayerHeight starting at the surface; layer k is stretched by a factor of
// 1+Stretch[k]. The remap keeps Pivot fixed before shifting everything by
// Offset. Heights outside the layered range keep unit slope.
type Candidate struct {
	Index       int       `yaml:"index" msgpack:"index"`
	Offset      float64   `yaml:"offset" msgpack:"offset"`
	Pivot       float64   `yaml:"pivot" msgpack:"pivot"`
	LayerHeight float64   `yaml:"layer_height" msgpack:"layer_height"`
	Stretch     []float64 `yaml:"stretch" msgpack:"stretch"`
}

// Identity returns the no-scale candidate.
func Identity(layers int, layerHeight, pivot float64) Candidate {
	return Candidate{
		LayerHeight: layerHeight,
		Pivot:       pivot,
		Stretch:     make([]float64, layers),
	}
}

// IsIdentity reports whether the candidate leaves every height unchanged.
func (c Candidate) IsIdentity() bool {
	if c.Offset != 0 {
		return false
	}
	for _, s := range c.Stretch {
		if s != 0 {
			return false
		}
	}
	return true
}

// TotalStretch is the relative thickness change over the layered range.
func (c Candidate) TotalStretch() float64 {
	if len(c.Stretch) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.Stretch {
		sum += s
	}
	return sum / float64(len(c.Stretch))
}

// Remap maps an original height onto the scaled axis.
func (c Candidate) Remap(h float64) (float64, error) {
	m, err := c.mapping()
	if err != nil {
		return 0, err
	}
	return m.forward(h), nil
}

// mapping precomputes the layer boundaries of the remap.
func (c Candidate) mapping() (*remap, error) {
	if c.IsIdentity() {
		return &remap{identity: true}, nil
	}
	if c.LayerHeight <= 0 || math.IsNaN(c.LayerHeight) {
		return nil, fmt.Errorf("%w: layer height %.3f", ErrInvalidScaling, c.LayerHeight)
	}

	m := &remap{
		layer:   c.LayerHeight,
		slopes:  make([]float64, len(c.Stretch)),
		bounds:  make([]float64, len(c.Stretch)+1),
		shift:   c.Offset,
		pivotAt: c.Pivot,
	}
	for k, s := range c.Stretch {
		slope := 1 + s
		if !(slope > 0) || math.IsInf(slope, 0) {
			return nil, fmt.Errorf("%w: layer %d stretch %.4f folds the profile", ErrInvalidScaling, k, s)
		}
		m.slopes[k] = slope
		m.bounds[k+1] = m.bounds[k] + c.LayerHeight*slope
	}
	m.pivotScaled = m.cumulative(c.Pivot)
	return m, nil
}

// remap is the compiled, piecewise linear form of a Candidate.
type remap struct {
	identity    bool
	layer       float64
	slopes      []float64
	bounds      []float64 // scaled thickness accumulated from the surface
	shift       float64
	pivotAt     float64
	pivotScaled float64
}

// cumulative is the surface-anchored stretched height of h.
func (m *remap) cumulative(h float64) float64 {
	n := len(m.slopes)
	switch {
	case h < 0:
		return h
	case h >= float64(n)*m.layer:
		return m.bounds[n] + (h - float64(n)*m.layer)
	}
	k := int(h / m.layer)
	if k >= n {
		k = n - 1
	}
	return m.bounds[k] + (h-float64(k)*m.layer)*m.slopes[k]
}

func (m *remap) forward(h float64) float64 {
	if m.identity {
		return h
	}
	return m.pivotAt + m.shift + m.cumulative(h) - m.pivotScaled
}

func (m *remap) inverse(s float64) float64 {
	if m.identity {
		return s
	}
	x := s - m.pivotAt - m.shift + m.pivotScaled
	n := len(m.slopes)
	switch {
	case x < 0:
		return x
	case x >= m.bounds[n]:
		return float64(n)*m.layer + (x - m.bounds[n])
	}
	k := 0
	for k < n-1 && x >= m.bounds[k+1] {
		k++
	}
	return float64(k)*m.layer + (x-m.bounds[k])/m.slopes[k]
}

// Generator draws random scaling candidates inside a bounded range centred on
// no scaling.
type Generator struct {
	// LayerHeight is the thickness of one independently stretched layer in mm.
	LayerHeight float64 `yaml:"layer_height"`

	// MaxStretch bounds the mean layer stretch, i.e. the relative change of
	// the whole profile thickness.
	MaxStretch float64 `yaml:"max_stretch"`

	// MaxLayerStretch bounds the stretch of a single layer. It must stay below 1.
	MaxLayerStretch float64 `yaml:"max_layer_stretch"`

	// MaxOffset bounds the vertical shift of the profile in mm.
	MaxOffset float64 `yaml:"max_offset"`
}

// DefaultGenerator returns the search range used for SMP vs snow pit matching.
func DefaultGenerator() Generator {
	return Generator{
		LayerHeight:     50,
		MaxStretch:      0.15,
		MaxLayerStretch: 0.75,
		MaxOffset:       10,
	}
}

// Validate rejects ranges that could produce folding remaps.
func (g Generator) Validate() error {
	switch {
	case !(g.LayerHeight > 0):
		return fmt.Errorf("%w: layer height must be positive, got %.3f", ErrInvalidScaling, g.LayerHeight)
	case g.MaxLayerStretch < 0 || g.MaxLayerStretch >= 1:
		return fmt.Errorf("%w: max layer stretch must be in [0,1), got %.3f", ErrInvalidScaling, g.MaxLayerStretch)
	case g.MaxStretch < 0:
		return fmt.Errorf("%w: max stretch must not be negative, got %.3f", ErrInvalidScaling, g.MaxStretch)
	case g.MaxOffset < 0:
		return fmt.Errorf("%w: max offset must not be negative, got %.3f", ErrInvalidScaling, g.MaxOffset)
	}
	return nil
}

// Layers returns how many layers cover a matching domain of the given depth.
func (g Generator) Layers(domain float64) int {
	n := int(math.Ceil(domain / g.LayerHeight))
	if n < 1 {
		n = 1
	}
	return n
}

// Generate draws n candidates for a matching domain [0, domain]. Candidate 0
// is always the identity. All randomness comes from rng, so the same seed and
// n reproduce the same population.
func (g Generator) Generate(rng *rand.Rand, n int, domain float64) ([]Candidate, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("candidate population must be at least 1, got %d", n)
	}

	layers := g.Layers(domain)
	pivot := domain / 2
	offset := distuv.Uniform{Min: -g.MaxOffset, Max: g.MaxOffset, Src: rng}
	stretch := distuv.Uniform{Min: -g.MaxLayerStretch, Max: g.MaxLayerStretch, Src: rng}

	candidates := make([]Candidate, n)
	candidates[0] = Identity(layers, g.LayerHeight, pivot)

	for i := 1; i < n; i++ {
		c := Candidate{
			Index:       i,
			LayerHeight: g.LayerHeight,
			Pivot:       pivot,
			Stretch:     make([]float64, layers),
		}
		if g.MaxOffset > 0 {
			c.Offset = offset.Rand()
		}
		if err := g.drawStretch(stretch, c.Stretch); err != nil {
			return nil, err
		}
		candidates[i] = c
	}
	return candidates, nil
}

// drawStretch fills dst with layer stretches whose mean stays within MaxStretch.
func (g Generator) drawStretch(dist distuv.Uniform, dst []float64) error {
	for attempt := 0; attempt < maxDrawAttempts; attempt++ {
		var sum float64
		for k := range dst {
			dst[k] = dist.Rand()
			sum += dst[k]
		}
		if math.Abs(sum/float64(len(dst))) <= g.MaxStretch {
			return nil
		}
	}
	return fmt.Errorf("%w: no stretch vector within ±%.3f after %d draws",
		ErrInvalidScaling, g.MaxStretch, maxDrawAttempts)
}
