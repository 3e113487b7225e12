package scaling

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/smpcalibrate/internal/smp"
)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0))
}

// linearProfile returns 100 heights 0..99 mm with density rising from 150 to 400.
func linearProfile() smp.PropertyProfile {
	p := smp.PropertyProfile{Site: "WFJ", File: "S31H0001.pnt", Property: smp.Density}
	for i := 0; i < 100; i++ {
		h := float64(i)
		p.Samples = append(p.Samples, smp.ProfileSample{
			Height:      h,
			Value:       150 + 250*h/99,
			Force:       1 + h/100,
			ElementSize: 0.5,
		})
	}
	return p
}

func pitReferences() []Reference {
	return []Reference{
		{Site: "WFJ", Type: smp.Density, Height: 10, Value: 160},
		{Site: "WFJ", Type: smp.Density, Height: 50, Value: 280},
		{Site: "WFJ", Type: smp.Density, Height: 90, Value: 390},
	}
}

func TestGenerateDeterministic(t *testing.T) {
	gen := DefaultGenerator()

	a, err := gen.Generate(newRand(2021), 200, 420)
	require.NoError(t, err)
	b, err := gen.Generate(newRand(2021), 200, 420)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := gen.Generate(newRand(2022), 200, 420)
	require.NoError(t, err)
	assert.NotEqual(t, a[1], c[1])
}

func TestGenerateBounds(t *testing.T) {
	gen := DefaultGenerator()
	candidates, err := gen.Generate(newRand(7), 1000, 420)
	require.NoError(t, err)
	require.Len(t, candidates, 1000)

	assert.True(t, candidates[0].IsIdentity())
	for i, c := range candidates {
		assert.Equal(t, i, c.Index)
		require.Len(t, c.Stretch, 9)
		assert.Equal(t, 210.0, c.Pivot)
		assert.LessOrEqual(t, math.Abs(c.Offset), gen.MaxOffset)
		assert.LessOrEqual(t, math.Abs(c.TotalStretch()), gen.MaxStretch+1e-12)
		for _, s := range c.Stretch {
			assert.LessOrEqual(t, math.Abs(s), gen.MaxLayerStretch)
		}
	}
}

func TestGenerateInvalid(t *testing.T) {
	tests := []struct {
		name string
		gen  Generator
		n    int
	}{
		{"zero layer height", Generator{LayerHeight: 0, MaxStretch: 0.1, MaxLayerStretch: 0.5}, 10},
		{"folding layer stretch", Generator{LayerHeight: 50, MaxStretch: 0.1, MaxLayerStretch: 1}, 10},
		{"negative offset", Generator{LayerHeight: 50, MaxStretch: 0.1, MaxLayerStretch: 0.5, MaxOffset: -1}, 10},
		{"empty population", DefaultGenerator(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.gen.Generate(newRand(1), tt.n, 100)
			assert.Error(t, err)
		})
	}
}

func TestRemap(t *testing.T) {
	c := Candidate{LayerHeight: 10, Offset: 2, Stretch: []float64{0.5, -0.5}}
	tests := []struct {
		in, want float64
	}{
		{-3, -1},
		{0, 2},
		{5, 9.5},
		{10, 17},
		{15, 19.5},
		{20, 22},
		{25, 27},
	}
	m, err := c.mapping()
	require.NoError(t, err)
	for _, tt := range tests {
		got, err := c.Remap(tt.in)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-12, "remap(%v)", tt.in)
		assert.InDelta(t, tt.in, m.inverse(got), 1e-12, "inverse(%v)", got)
	}

	pinned := Candidate{LayerHeight: 10, Pivot: 10, Stretch: []float64{0.3, -0.2}}
	got, err := pinned.Remap(10)
	require.NoError(t, err)
	assert.InDelta(t, 10, got, 1e-12)

	_, err = Candidate{LayerHeight: 10, Stretch: []float64{-1}}.Remap(1)
	assert.True(t, errors.Is(err, ErrInvalidScaling))
}

func TestBuildLookupMonotonic(t *testing.T) {
	heights := linearProfile().Heights()
	candidates, err := DefaultGenerator().Generate(newRand(3), 300, 99)
	require.NoError(t, err)

	for _, c := range candidates {
		table, err := BuildLookup(c, heights, 0.5)
		require.NoError(t, err)
		require.Greater(t, table.Len(), 2)
		for i := 1; i < table.Len(); i++ {
			require.Greater(t, table.Scaled[i], table.Scaled[i-1])
			require.Greater(t, table.Original[i], table.Original[i-1])
		}
		assert.GreaterOrEqual(t, table.Original[0], heights[0])
		assert.LessOrEqual(t, table.Original[table.Len()-1], heights[len(heights)-1])
		assert.InDelta(t, 0, math.Remainder(table.Scaled[0], 0.5), 1e-9)
	}
}

func TestBuildLookupInvalid(t *testing.T) {
	id := Identity(1, 50, 0)
	_, err := BuildLookup(id, []float64{0, 1, 2}, 0)
	assert.True(t, errors.Is(err, ErrInvalidScaling))

	_, err = BuildLookup(id, []float64{1}, 0.5)
	assert.True(t, errors.Is(err, ErrInvalidScaling))

	_, err = BuildLookup(id, []float64{0.1, 0.2}, 0.5)
	assert.True(t, errors.Is(err, ErrInvalidScaling))
}

func TestAggregateIdentityRoundTrip(t *testing.T) {
	profile := linearProfile()
	table, err := BuildLookup(Identity(1, 100, 45), profile.Heights(), 0.5)
	require.NoError(t, err)

	var refs []Reference
	for _, h := range []float64{5, 10, 37, 50, 90} {
		refs = append(refs, Reference{Site: "WFJ", Type: smp.Density, Height: h, Value: 150 + 250*h/99})
	}

	rows := Aggregate(table, profile, refs, 3)
	require.Len(t, rows, len(refs))
	for _, row := range rows {
		require.True(t, row.Defined, "reference at %v", row.RefHeight)
		assert.InDelta(t, row.RefValue, row.Value, 1e-9)
		assert.InDelta(t, row.RefValue, row.Median, 1e-9)
		assert.InDelta(t, 0, row.Residual(), 1e-9)
		assert.Equal(t, 3, row.Count)
		assert.InDelta(t, row.RefHeight-1.5, row.OriginalTop, 1e-9)
		assert.InDelta(t, row.RefHeight+1.5, row.OriginalBottom, 1e-9)
		assert.InDelta(t, 1+row.RefHeight/100, row.Force, 1e-9)
		assert.InDelta(t, 0.5, row.ElementSize, 1e-12)
		assert.Equal(t, "S31H0001.pnt", row.File)
	}
}

func TestAggregateUncoveredReference(t *testing.T) {
	profile := linearProfile()
	table, err := BuildLookup(Identity(1, 100, 45), profile.Heights(), 0.5)
	require.NoError(t, err)

	refs := []Reference{
		{Site: "WFJ", Type: smp.Density, Height: 50, Value: 280},
		{Site: "WFJ", Type: smp.Density, Height: 250, Value: 300},
	}
	rows := Aggregate(table, profile, refs, 3)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Defined)
	assert.False(t, rows[1].Defined)
	assert.True(t, math.IsNaN(rows[1].Value))
	assert.True(t, errors.Is(rows[1].Err, ErrInsufficientSamples))

	kept := Rows(rows)
	require.Len(t, kept, 1)
	assert.Equal(t, 50.0, kept[0].RefHeight)
}

func TestAggregateSkipsNonFiniteSamples(t *testing.T) {
	profile := linearProfile()
	profile.Samples[50].Value = math.NaN()
	table, err := BuildLookup(Identity(1, 100, 45), profile.Heights(), 0.5)
	require.NoError(t, err)

	rows := Aggregate(table, profile, []Reference{{Height: 50, Value: 275}}, 3)
	require.True(t, rows[0].Defined)
	assert.Equal(t, 2, rows[0].Count)
	assert.InDelta(t, (150+250*49.0/99+150+250*51.0/99)/2, rows[0].Value, 1e-9)
}

func TestAggregateSkipsNonFiniteCovariates(t *testing.T) {
	profile := linearProfile()
	profile.Samples[50].Force = math.NaN()
	profile.Samples[51].ElementSize = math.Inf(1)
	table, err := BuildLookup(Identity(1, 100, 45), profile.Heights(), 0.5)
	require.NoError(t, err)

	rows := Aggregate(table, profile, []Reference{{Height: 50, Value: 275}}, 3)
	require.True(t, rows[0].Defined)
	assert.Equal(t, 1, rows[0].Count)
	assert.InDelta(t, 1.49, rows[0].Force, 1e-9)
	assert.InDelta(t, 0.5, rows[0].ElementSize, 1e-12)
}

func TestMatchSelectsFirstMinimum(t *testing.T) {
	m := NewMatcher(DefaultGenerator(), 0.5, 10, nil)
	result, err := m.Match(linearProfile(), pitReferences(), 50, newRand(11))
	require.NoError(t, err)

	// Every reference is covered here. Without full overlap the result falls
	// back to the identity candidate instead (see TestMatchNoOverlap).
	require.Len(t, result.Population, 50)
	best := slices.Min(result.Population)
	assert.Equal(t, best, result.RMSE)
	assert.Equal(t, slices.Index(result.Population, best), result.Index)
	assert.Equal(t, result.Index, result.Best.Index)
	assert.False(t, result.NoOverlap)
	assert.Equal(t, "WFJ", result.Site)
	assert.Equal(t, smp.Density, result.RefType)
	assert.Equal(t, "S31H0001.pnt", result.File)
}

func TestMatchDeterministic(t *testing.T) {
	m := NewMatcher(DefaultGenerator(), 0.5, 10, nil)
	a, err := m.Match(linearProfile(), pitReferences(), 100, newRand(5))
	require.NoError(t, err)
	b, err := m.Match(linearProfile(), pitReferences(), 100, newRand(5))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// pitScenario is the search setup of the synthetic pit: the default layer
// height with tight stretch and offset bounds, a fine lookup table and a
// 4 mm cutter. The 10 mm reference sits 10 mm below the surface of a 100 mm
// profile, so a default 30 mm cutter window would run past the surface.
var pitScenario = struct {
	gen        Generator
	resolution float64
	cutter     float64
}{
	gen:        Generator{LayerHeight: 50, MaxStretch: 0.15, MaxLayerStretch: 0.15, MaxOffset: 2},
	resolution: 0.1,
	cutter:     4,
}

func TestMatchSyntheticPit(t *testing.T) {
	m := NewMatcher(pitScenario.gen, pitScenario.resolution, pitScenario.cutter, nil)

	result, err := m.Match(linearProfile(), pitReferences(), BulkCandidates, newRand(2021))
	require.NoError(t, err)

	identity := result.Population[0]
	assert.Less(t, result.RMSE, identity)
	require.Len(t, result.Compared, 3)
	for _, cmp := range result.Compared {
		require.True(t, cmp.Defined)
		assert.Less(t, math.Abs(cmp.Value-cmp.Reference), 5.0, "reference at %v", cmp.Height)
	}
	// a thinner profile brings the 90 mm reference up to 390
	assert.Less(t, result.Best.TotalStretch(), 0.0)

	table, err := BuildLookup(result.Best, linearProfile().Heights(), pitScenario.resolution)
	require.NoError(t, err)
	rows := Aggregate(table, linearProfile(), pitReferences(), pitScenario.cutter)
	for _, row := range rows {
		require.True(t, row.Defined)
		assert.Less(t, math.Abs(row.Residual()), 5.0, "reference at %v", row.RefHeight)
	}
}

func TestMatchNoOverlap(t *testing.T) {
	refs := append(pitReferences(), Reference{Site: "WFJ", Type: smp.Density, Height: 500, Value: 420})
	m := NewMatcher(DefaultGenerator(), 0.5, 10, nil)

	// The fallback is the identity candidate even when another candidate
	// scored lower, so the minimum of Population is not checked here.
	result, err := m.Match(linearProfile(), refs, 20, newRand(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoOverlap))
	assert.True(t, result.NoOverlap)
	assert.Equal(t, 0, result.Index)
	assert.True(t, result.Best.IsIdentity())
	assert.Equal(t, result.Population[0], result.RMSE)
	require.Len(t, result.Compared, 4)
	assert.False(t, result.Compared[3].Defined)
	assert.Greater(t, result.RMSE, PenaltyResidual/2)
}

func TestMatchInvalidInput(t *testing.T) {
	m := NewMatcher(DefaultGenerator(), 0.5, 10, nil)

	_, err := m.Match(linearProfile(), nil, 10, newRand(1))
	assert.True(t, errors.Is(err, ErrNoReferences))

	short := linearProfile()
	short.Samples = short.Samples[:1]
	_, err = m.Match(short, pitReferences(), 10, newRand(1))
	assert.True(t, errors.Is(err, smp.ErrInvalidProfile))
}
