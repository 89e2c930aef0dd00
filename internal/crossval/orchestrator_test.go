package crossval

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/domain/core"
	"traitcast/domain/trait"
	"traitcast/internal/meanmodel"
	"traitcast/internal/testkit"
)

func cvConfig() Config {
	return Config{
		Folds:       5,
		Repeats:     2,
		Seed:        42,
		MinGroupN:   15,
		LogOffset:   0.01,
		MaxParallel: 4,
	}
}

func TestRunAxis_ProducesMetricsOnSyntheticTable(t *testing.T) {
	table := testkit.NewGenerator(11).Table(300)
	orch := New(cvConfig(), nil)

	spec := meanmodel.DefaultSpecs()[trait.AxisNutrients]
	metrics, err := orch.RunAxis(context.Background(), table, spec)
	require.NoError(t, err)

	assert.Equal(t, trait.AxisNutrients, metrics.Axis)
	assert.Equal(t, 10, metrics.UnitsTotal)
	assert.True(t, metrics.Available())
	// The generator builds the nutrient axis from the leaf-economics factor,
	// so the model has real signal to find.
	assert.Greater(t, metrics.RSquared.Mean, 0.2)
	assert.Greater(t, metrics.RMSE.Mean, 0.0)
	assert.NotEmpty(t, metrics.Predictions)
}

func TestRunAxis_DeterministicForFixedSeed(t *testing.T) {
	table := testkit.NewGenerator(5).Table(250)
	spec := meanmodel.DefaultSpecs()[trait.AxisMoisture]

	first, err := New(cvConfig(), nil).RunAxis(context.Background(), table, spec)
	require.NoError(t, err)
	second, err := New(cvConfig(), nil).RunAxis(context.Background(), table, spec)
	require.NoError(t, err)

	// Fold parallelism must not perturb any aggregate.
	assert.Equal(t, first.RSquared, second.RSquared)
	assert.Equal(t, first.RMSE, second.RMSE)
	assert.Equal(t, first.MAE, second.MAE)
	assert.Equal(t, first.UnitsFailed, second.UnitsFailed)
	require.Equal(t, len(first.Predictions), len(second.Predictions))
	for i := range first.Predictions {
		assert.Equal(t, first.Predictions[i], second.Predictions[i])
	}
}

func TestRunAxis_OOFPredictionsNeverFromTrainingRows(t *testing.T) {
	table := testkit.NewGenerator(23).Table(200)
	spec := meanmodel.DefaultSpecs()[trait.AxisLight]

	metrics, err := New(cvConfig(), nil).RunAxis(context.Background(), table, spec)
	require.NoError(t, err)

	// Within one repeat each species appears in at most one fold's test set.
	type unitKey struct {
		repeat  int
		species string
	}
	seen := make(map[unitKey]int)
	for _, p := range metrics.Predictions {
		seen[unitKey{p.Repeat, p.Species.String()}]++
	}
	for key, count := range seen {
		assert.Equal(t, 1, count, "species %s repeated in repeat %d", key.species, key.repeat)
	}
}

func TestFitFull_ResidualsAlignWithTableRows(t *testing.T) {
	table := testkit.NewGenerator(31).Table(220)
	spec := meanmodel.DefaultSpecs()[trait.AxisMoisture]

	full, err := New(cvConfig(), nil).FitFull(context.Background(), table, spec)
	require.NoError(t, err)
	require.Len(t, full.Residuals, table.Len())

	for i := 0; i < table.Len(); i++ {
		_, observed := table.Row(i).Indicator(trait.AxisMoisture)
		if !observed {
			assert.True(t, math.IsNaN(full.Residuals[i]), "row %d has a residual without a target", i)
		}
	}
}

func TestRunAxis_PhyloNeighborColumnIsLeakageSafe(t *testing.T) {
	table := testkit.NewGenerator(47).Table(200)
	clades := make(map[core.SpeciesID]string)
	for _, r := range table.Rows() {
		clades[r.Species] = r.PhyloID
	}
	distance := &testkit.CladeDistanceMatrix{Clades: clades}

	spec := meanmodel.DefaultSpecs()[trait.AxisNutrients]
	spec.PhyloNeighbors = 5

	metrics, err := New(cvConfig(), distance).RunAxis(context.Background(), table, spec)
	require.NoError(t, err)
	assert.True(t, metrics.Available())
}
