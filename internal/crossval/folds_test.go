package crossval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/internal/errors"
)

func targetsWithMissing(n int, missingEvery int) []float64 {
	y := make([]float64, n)
	for i := range y {
		if missingEvery > 0 && i%missingEvery == 0 {
			y[i] = math.NaN()
			continue
		}
		y[i] = float64(i%97) / 10
	}
	return y
}

func TestStratifiedFolds_PartitionsObservedRowsExactly(t *testing.T) {
	y := targetsWithMissing(200, 10)
	assignments, err := StratifiedFolds(y, 5, 1, 42)
	require.NoError(t, err)
	require.Len(t, assignments, 5)

	seen := make(map[int]int)
	for _, a := range assignments {
		for _, idx := range a.TestIdx {
			seen[idx]++
			assert.False(t, math.IsNaN(y[idx]), "missing target assigned to a fold")
		}
		// Train and test are disjoint and cover all observed rows.
		total := len(a.TrainIdx) + len(a.TestIdx)
		assert.Equal(t, 180, total)
	}
	assert.Len(t, seen, 180)
	for idx, count := range seen {
		assert.Equal(t, 1, count, "row %d held out %d times", idx, count)
	}
}

func TestStratifiedFolds_SameSeedSameMembership(t *testing.T) {
	y := targetsWithMissing(150, 0)

	a, err := StratifiedFolds(y, 10, 3, 7)
	require.NoError(t, err)
	b, err := StratifiedFolds(y, 10, 3, 7)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].TestIdx, b[i].TestIdx)
		assert.Equal(t, a[i].TrainIdx, b[i].TrainIdx)
	}
}

func TestStratifiedFolds_RepeatsUseDistinctShuffles(t *testing.T) {
	y := targetsWithMissing(150, 0)
	assignments, err := StratifiedFolds(y, 10, 2, 7)
	require.NoError(t, err)

	first := assignments[0].TestIdx
	second := assignments[10].TestIdx // fold 0 of repeat 1
	assert.NotEqual(t, first, second)
}

func TestStratifiedFolds_BalancesTargetDistribution(t *testing.T) {
	// Strongly skewed targets; stratification keeps fold means close.
	n := 500
	y := make([]float64, n)
	for i := range y {
		y[i] = float64(i) / 50
	}
	assignments, err := StratifiedFolds(y, 5, 1, 3)
	require.NoError(t, err)

	grand := mean(y)
	for _, a := range assignments {
		vals := make([]float64, len(a.TestIdx))
		for j, idx := range a.TestIdx {
			vals[j] = y[idx]
		}
		assert.InDelta(t, grand, mean(vals), 0.5)
	}
}

func TestStratifiedFolds_TooFewObservedIsDataError(t *testing.T) {
	y := []float64{1, math.NaN(), math.NaN(), 2, math.NaN()}
	_, err := StratifiedFolds(y, 5, 1, 1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))
}

func mean(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
