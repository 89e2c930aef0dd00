package meanmodel

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/domain/core"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// frameFromColumns builds a frame directly, bypassing composite projection,
// so coefficient recovery can be checked against known generating values.
func frameFromColumns(names []string, cols [][]float64, records []trait.Record) *Frame {
	f := &Frame{Columns: make(map[string][]float64), Records: records}
	for i, name := range names {
		f.Names = append(f.Names, name)
		f.Columns[name] = cols[i]
	}
	return f
}

func plainRecords(n int) []trait.Record {
	out := make([]trait.Record, n)
	for i := range out {
		out[i] = trait.Record{Species: core.SpeciesID(fmt.Sprintf("sp_%03d", i))}
	}
	return out
}

func linearSpec(axis trait.Axis) Spec {
	return Spec{Axis: axis, Form: FormLinear}
}

func seq(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestFit_RecoversLinearCoefficients(t *testing.T) {
	n := 80
	x1 := seq(n, func(i int) float64 { return float64(i%17) - 8 })
	x2 := seq(n, func(i int) float64 { return float64((i*7)%13) - 6 })
	// y = 2 + 1.5*x1 - 0.7*x2, exactly.
	y := seq(n, func(i int) float64 { return 2 + 1.5*x1[i] - 0.7*x2[i] })

	frame := frameFromColumns([]string{"LES", "SIZE"}, [][]float64{x1, x2}, plainRecords(n))
	model, err := Fit(frame, y, linearSpec(trait.AxisMoisture), allRows(n), Options{MinGroupN: 15})
	require.NoError(t, err)

	coef := coefByName(model)
	assert.InDelta(t, 2.0, coef["(Intercept)"], 1e-8)
	assert.InDelta(t, 1.5, coef["LES"], 1e-8)
	assert.InDelta(t, -0.7, coef["SIZE"], 1e-8)
	assert.InDelta(t, 0.0, model.ResidualSD, 1e-6)
	assert.InDelta(t, 1.0, model.RSquared, 1e-9)
}

func TestFit_GroupOverrideAddsDeltaCoefficient(t *testing.T) {
	n := 120
	records := plainRecords(n)
	for i := range records {
		label := "herbaceous"
		if i%2 == 0 {
			label = "woody"
		}
		records[i].Groups = map[trait.GroupKind]string{trait.GroupGrowthHabit: label}
	}
	x := seq(n, func(i int) float64 { return float64(i%23) - 11 })
	y := make([]float64, n)
	for i := range y {
		slope := 1.0
		if records[i].Group(trait.GroupGrowthHabit) == "woody" {
			slope = 2.5
		}
		y[i] = 1 + slope*x[i]
	}

	spec := Spec{
		Axis: trait.AxisLight,
		Form: FormLinear,
		Policies: map[string]trait.TermPolicy{
			"SIZE": trait.OverridePolicy(trait.GroupGrowthHabit, "woody"),
		},
	}
	frame := frameFromColumns([]string{"SIZE"}, [][]float64{x}, records)
	model, err := Fit(frame, y, spec, allRows(n), Options{MinGroupN: 15})
	require.NoError(t, err)

	artifact, err := model.ToArtifact()
	require.NoError(t, err)

	var sizeTerm *struct {
		shared float64
		woody  float64
	}
	for _, term := range artifact.Terms {
		if term.Term == "SIZE" {
			require.Contains(t, term.GroupOverrides, "woody")
			sizeTerm = &struct {
				shared float64
				woody  float64
			}{term.Estimate, term.GroupOverrides["woody"]}
		}
	}
	require.NotNil(t, sizeTerm)
	// Override coefficient is shared plus delta, and must match the woody
	// generating slope.
	assert.InDelta(t, 1.0, sizeTerm.shared, 1e-8)
	assert.InDelta(t, 2.5, sizeTerm.woody, 1e-8)
}

func TestFit_SmallGroupFallsBackWithWarnings(t *testing.T) {
	n := 60
	records := plainRecords(n)
	for i := range records {
		label := "herbaceous"
		if i < 5 { // below MinGroupN
			label = "woody"
		}
		records[i].Groups = map[trait.GroupKind]string{trait.GroupGrowthHabit: label}
	}
	x := seq(n, func(i int) float64 { return float64(i%19) - 9 })
	y := seq(n, func(i int) float64 { return 3 + 0.5*x[i] })

	spec := Spec{
		Axis: trait.AxisLight,
		Form: FormLinear,
		Policies: map[string]trait.TermPolicy{
			"SIZE": trait.OverridePolicy(trait.GroupGrowthHabit, "woody"),
		},
	}
	frame := frameFromColumns([]string{"SIZE"}, [][]float64{x}, records)
	model, err := Fit(frame, y, spec, allRows(n), Options{MinGroupN: 15})
	require.NoError(t, err)

	assert.Contains(t, model.Warnings, errors.WarningGroupInstability)
	assert.Contains(t, model.Warnings, errors.WarningNonConvergence)
	for _, term := range model.Terms {
		assert.NotEqual(t, "SIZE@woody", term.Name)
	}
}

func TestFit_RankDeficientDesignDropsCulprit(t *testing.T) {
	n := 50
	x := seq(n, func(i int) float64 { return float64(i) })
	dup := make([]float64, n)
	copy(dup, x) // exact copy, rank deficient
	y := seq(n, func(i int) float64 { return 1 + 2*x[i] })

	frame := frameFromColumns([]string{"LES", "SIZE"}, [][]float64{x, dup}, plainRecords(n))
	model, err := Fit(frame, y, linearSpec(trait.AxisReaction), allRows(n), Options{MinGroupN: 15})
	require.NoError(t, err)

	assert.Contains(t, model.Warnings, errors.WarningRankDeficient)
	// The surviving design still explains the data.
	assert.InDelta(t, 1.0, model.RSquared, 1e-9)
}

func TestFit_AdditiveFormAddsSplineTerms(t *testing.T) {
	n := 100
	x := seq(n, func(i int) float64 { return float64(i) / 10 })
	y := seq(n, func(i int) float64 { return math.Sin(x[i]) })

	records := plainRecords(n)
	spec := Spec{
		Axis:       trait.AxisMoisture,
		Form:       FormAdditive,
		Composites: []trait.CompositeSpec{{Name: "LES", Traits: []trait.Trait{trait.TraitSLA, trait.TraitLDMC}, Reference: trait.TraitSLA}},
	}
	frame := frameFromColumns([]string{"LES"}, [][]float64{x}, records)
	model, err := Fit(frame, y, spec, allRows(n), Options{MinGroupN: 15})
	require.NoError(t, err)

	splines := 0
	for _, term := range model.Terms {
		if term.Kind == kindSpline {
			splines++
		}
	}
	// Four knots give two nonlinear basis columns.
	assert.Equal(t, 2, splines)
	require.Contains(t, model.Knots, "LES")
	assert.Len(t, model.Knots["LES"], 4)

	// The spline fit must beat a straight line on a sine curve.
	linear, err := Fit(frame, y, Spec{Axis: trait.AxisMoisture, Form: FormLinear}, allRows(n), Options{MinGroupN: 15})
	require.NoError(t, err)
	assert.Greater(t, model.RSquared, linear.RSquared)
}

func TestSigmaFor_GroupSpecificWithGlobalFallback(t *testing.T) {
	model := &Model{
		ResidualSD: 0.9,
		GroupSD:    map[string]float64{"woody": 0.4},
	}

	sd, fallback := model.SigmaFor(map[trait.GroupKind]string{trait.GroupGrowthHabit: "woody"})
	assert.Equal(t, 0.4, sd)
	assert.False(t, fallback)

	sd, fallback = model.SigmaFor(map[trait.GroupKind]string{trait.GroupGrowthHabit: "herbaceous"})
	assert.Equal(t, 0.9, sd)
	assert.True(t, fallback)
}

func TestAIC_PenalizesParameters(t *testing.T) {
	base := AIC(10, 100, 2)
	more := AIC(10, 100, 5)
	assert.Greater(t, more, base)
}

func allRows(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func coefByName(m *Model) map[string]float64 {
	out := make(map[string]float64, len(m.Terms))
	for j, term := range m.Terms {
		out[term.Name] = m.Coefs[j]
	}
	return out
}
