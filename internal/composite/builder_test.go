package composite

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

func lesSpec() trait.CompositeSpec {
	return trait.CompositeSpec{
		Name:      "LES",
		Traits:    []trait.Trait{trait.TraitSLA, trait.TraitLeafN, trait.TraitLDMC},
		Reference: trait.TraitSLA,
	}
}

// correlatedRows builds species where SLA and leaf N rise together and LDMC
// falls, the usual leaf-economics pattern.
func correlatedRows(n int) []trait.Record {
	rows := make([]trait.Record, n)
	for i := 0; i < n; i++ {
		f := float64(i%21)/10 - 1 // latent factor in [-1, 1]
		rows[i] = trait.Record{
			Species: core.SpeciesID(fmt.Sprintf("sp_%03d", i)),
			Traits: map[trait.Trait]float64{
				trait.TraitSLA:   20 + 8*f + 0.3*float64(i%7),
				trait.TraitLeafN: 25 + 6*f + 0.2*float64(i%5),
				trait.TraitLDMC:  250 - 70*f + 0.5*float64(i%3),
			},
		}
	}
	return rows
}

func allIdx(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func TestFit_ReferenceTraitLoadsNonNegative(t *testing.T) {
	rows := correlatedRows(60)
	proj, err := Fit(rows, allIdx(60), lesSpec())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, proj.Loadings[trait.TraitSLA], 0.0)
	// LDMC runs against the economics axis, so its loading opposes SLA's.
	assert.Less(t, proj.Loadings[trait.TraitLDMC], 0.0)
	assert.Equal(t, 60, proj.TrainN)
}

func TestFit_UsesTrainingRowsOnly(t *testing.T) {
	rows := correlatedRows(60)
	// Make the held-out rows wildly different; they must not move the
	// training moments.
	for i := 40; i < 60; i++ {
		rows[i].Traits[trait.TraitSLA] = 1000
		rows[i].Traits[trait.TraitLeafN] = 1000
		rows[i].Traits[trait.TraitLDMC] = 1000
	}

	train := allIdx(40)
	proj, err := Fit(rows, train, lesSpec())
	require.NoError(t, err)

	clean, err := Fit(correlatedRows(60), train, lesSpec())
	require.NoError(t, err)

	for _, tr := range proj.Traits {
		assert.InDelta(t, clean.Means[tr], proj.Means[tr], 1e-9, "mean of %s", tr)
		assert.InDelta(t, clean.SDs[tr], proj.SDs[tr], 1e-9, "sd of %s", tr)
	}
}

func TestFit_TooFewValidTraitsIsDataError(t *testing.T) {
	rows := correlatedRows(30)
	// Starve two of the three member traits below the observation minimum.
	for i := range rows {
		if i >= 2 {
			delete(rows[i].Traits, trait.TraitLeafN)
			delete(rows[i].Traits, trait.TraitLDMC)
		}
	}
	_, err := Fit(rows, allIdx(30), lesSpec())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))
}

func TestFit_ZeroVarianceTraitIsDataError(t *testing.T) {
	rows := correlatedRows(30)
	for i := range rows {
		rows[i].Traits[trait.TraitSLA] = 20
	}
	_, err := Fit(rows, allIdx(30), lesSpec())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))
}

func TestScore_MissingMemberTraitScoresMissing(t *testing.T) {
	rows := correlatedRows(40)
	proj, err := Fit(rows, allIdx(40), lesSpec())
	require.NoError(t, err)

	incomplete := trait.Record{
		Species: "incomplete",
		Traits: map[trait.Trait]float64{
			trait.TraitSLA: 22,
		},
	}
	v, ok := proj.Score(incomplete)
	assert.False(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestFit_ReferenceExcludedAnchorsOnFirstSurvivor(t *testing.T) {
	rows := correlatedRows(40)
	// Knock the reference trait out entirely; orientation must still be
	// deterministic via the first surviving trait.
	for i := range rows {
		delete(rows[i].Traits, trait.TraitSLA)
	}
	proj, err := Fit(rows, allIdx(40), lesSpec())
	require.NoError(t, err)
	require.NotContains(t, proj.Loadings, trait.TraitSLA)
	assert.GreaterOrEqual(t, proj.Loadings[proj.Traits[0]], 0.0)
}

func TestScoreAll_AlignsWithRows(t *testing.T) {
	rows := correlatedRows(25)
	delete(rows[7].Traits, trait.TraitLDMC)

	proj, err := Fit(rows, allIdx(25), lesSpec())
	require.NoError(t, err)

	scores := proj.ScoreAll(rows)
	require.Len(t, scores, 25)
	assert.True(t, math.IsNaN(scores[7]))
	assert.False(t, math.IsNaN(scores[6]))
}
