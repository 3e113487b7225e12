package scaling

import (
	"fmt"
	"math"
	"sort"
)

// LookupTable pairs a regular grid on the scaled height axis with the
// original heights that map onto it. Both columns are strictly increasing.
type LookupTable struct {
	Original   []float64
	Scaled     []float64
	Resolution float64
}

// Len returns the number of entries.
func (t LookupTable) Len() int {
	return len(t.Scaled)
}

// Window returns the half-open index range [lo, hi) of entries whose scaled
// height lies within half of ref.
func (t LookupTable) Window(ref, half float64) (lo, hi int) {
	lo = sort.SearchFloat64s(t.Scaled, ref-half)
	hi = lo
	for hi < len(t.Scaled) && t.Scaled[hi] <= ref+half {
		hi++
	}
	return lo, hi
}

// BuildLookup builds the translation table of candidate c over the original
// heights, which must be sorted. The scaled grid consists of the multiples of
// resolution inside [remap(first), remap(last)].
func BuildLookup(c Candidate, heights []float64, resolution float64) (LookupTable, error) {
	if !(resolution > 0) {
		return LookupTable{}, fmt.Errorf("%w: resolution must be positive, got %.3f", ErrInvalidScaling, resolution)
	}
	if len(heights) < 2 {
		return LookupTable{}, fmt.Errorf("%w: need at least 2 heights, got %d", ErrInvalidScaling, len(heights))
	}

	m, err := c.mapping()
	if err != nil {
		return LookupTable{}, err
	}

	first, last := heights[0], heights[len(heights)-1]
	lo, hi := m.forward(first), m.forward(last)
	k0 := int64(math.Ceil(lo / resolution))
	k1 := int64(math.Floor(hi / resolution))
	if k1-k0+1 < 2 {
		return LookupTable{}, fmt.Errorf("%w: scaled range [%.3f, %.3f] is shorter than resolution %.3f",
			ErrInvalidScaling, lo, hi, resolution)
	}

	n := int(k1 - k0 + 1)
	t := LookupTable{
		Original:   make([]float64, n),
		Scaled:     make([]float64, n),
		Resolution: resolution,
	}
	for i := 0; i < n; i++ {
		s := float64(k0+int64(i)) * resolution
		o := m.inverse(s)
		// rounding at the grid edges must not leave the profile domain
		o = math.Min(math.Max(o, first), last)
		t.Scaled[i] = s
		t.Original[i] = o
	}

	for i := 1; i < n; i++ {
		if !(t.Scaled[i] > t.Scaled[i-1]) || !(t.Original[i] > t.Original[i-1]) {
			return LookupTable{}, fmt.Errorf("%w: lookup not strictly increasing at entry %d of candidate %d",
				ErrInvalidScaling, i, c.Index)
		}
	}
	return t, nil
}
