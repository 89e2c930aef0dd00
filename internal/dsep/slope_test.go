package dsep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// slopeData builds effect = slope(level)*cause + 0.4*parent with a small
// alternating perturbation so neither fit is exact.
func slopeData(counts map[string]int, slopes map[string]float64) *Matrix {
	var labels []string
	// Deterministic level order.
	for _, level := range []string{"herbaceous", "semi-woody", "woody"} {
		for i := 0; i < counts[level]; i++ {
			labels = append(labels, level)
		}
	}
	n := len(labels)
	cause := make([]float64, n)
	parent := make([]float64, n)
	effect := make([]float64, n)
	for i := 0; i < n; i++ {
		cause[i] = float64(i%17)/2 - 4
		parent[i] = float64(i%11) / 3
		noise := 0.05
		if i%2 == 0 {
			noise = -0.05
		}
		effect[i] = slopes[labels[i]]*cause[i] + 0.4*parent[i] + noise
	}
	return &Matrix{
		Columns:     map[sem.Variable][]float64{"cause": cause, "parent": parent, "effect": effect},
		GroupLabels: labels,
		N:           n,
	}
}

func TestSlopeEquality_DetectsDivergingGroupSlope(t *testing.T) {
	data := slopeData(
		map[string]int{"herbaceous": 40, "woody": 40},
		map[string]float64{"herbaceous": 1.0, "woody": 2.5},
	)

	result, err := NewValidator(15).TestSlopeEquality(data, "cause", "effect", []sem.Variable{"parent"}, trait.GroupGrowthHabit)
	require.NoError(t, err)

	assert.Equal(t, trait.GroupGrowthHabit, result.GroupKind)
	assert.Less(t, result.AICGrouped+2, result.AICShared)
	assert.Less(t, result.LRPValue, 0.05)
	// herbaceous is the reference level; woody carries the deviation.
	assert.Equal(t, []string{"woody"}, result.AddWithin)
	assert.Empty(t, result.Warnings)
}

func TestSlopeEquality_SharedSlopeWins(t *testing.T) {
	data := slopeData(
		map[string]int{"herbaceous": 40, "woody": 40},
		map[string]float64{"herbaceous": 1.5, "woody": 1.5},
	)

	result, err := NewValidator(15).TestSlopeEquality(data, "cause", "effect", []sem.Variable{"parent"}, trait.GroupGrowthHabit)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.AICGrouped+2, result.AICShared)
	assert.Empty(t, result.AddWithin)
}

func TestSlopeEquality_SmallLevelExcludedAndFlagged(t *testing.T) {
	data := slopeData(
		map[string]int{"herbaceous": 40, "semi-woody": 5, "woody": 40},
		map[string]float64{"herbaceous": 1.0, "semi-woody": 3.0, "woody": 2.5},
	)

	result, err := NewValidator(15).TestSlopeEquality(data, "cause", "effect", []sem.Variable{"parent"}, trait.GroupGrowthHabit)
	require.NoError(t, err)

	assert.Contains(t, result.Warnings, errors.WarningGroupInstability)
	assert.NotContains(t, result.AddWithin, "semi-woody")
	assert.Equal(t, []string{"woody"}, result.AddWithin)
}

func TestSlopeEquality_NeedsTwoStableLevels(t *testing.T) {
	data := slopeData(
		map[string]int{"herbaceous": 40, "woody": 5},
		map[string]float64{"herbaceous": 1.0, "woody": 2.5},
	)

	_, err := NewValidator(15).TestSlopeEquality(data, "cause", "effect", nil, trait.GroupGrowthHabit)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))
}

func TestSlopeEquality_RequiresLabelsForEveryRow(t *testing.T) {
	data := slopeData(map[string]int{"herbaceous": 20, "woody": 20}, map[string]float64{"herbaceous": 1, "woody": 1})
	data.GroupLabels = data.GroupLabels[:10]

	_, err := NewValidator(15).TestSlopeEquality(data, "cause", "effect", nil, trait.GroupGrowthHabit)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}
