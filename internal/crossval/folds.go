// Package crossval runs repeated stratified k-fold evaluation of the
// per-axis mean structures, producing out-of-fold predictions and aggregate
// metrics. Composites are rebuilt inside every training fold so no held-out
// statistics leak into feature construction.
package crossval

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"traitcast/internal/errors"
)

// Assignment is one train/test partition of a repeat. Ephemeral: regenerated
// per run from the seed.
type Assignment struct {
	Repeat   int
	Fold     int
	TrainIdx []int
	TestIdx  []int
}

// repeatSeedStride separates the per-repeat RNG streams.
const repeatSeedStride = 1000003

// StratifiedFolds partitions the rows with an observed target into k folds,
// stratified by indicator decile, repeated across independent seeded
// shuffles. Rows with a missing target are excluded from every fold. A fixed
// seed yields identical membership on repeated runs.
func StratifiedFolds(y []float64, folds, repeats int, seed int64) ([]Assignment, error) {
	if folds < 2 {
		return nil, errors.InvalidInput(fmt.Sprintf("folds must be >= 2, got %d", folds))
	}
	if repeats < 1 {
		return nil, errors.InvalidInput(fmt.Sprintf("repeats must be >= 1, got %d", repeats))
	}

	observed := make([]int, 0, len(y))
	for i, v := range y {
		if !math.IsNaN(v) {
			observed = append(observed, i)
		}
	}
	if len(observed) < folds {
		return nil, errors.DataError(fmt.Sprintf("%d observed targets for %d folds", len(observed), folds))
	}

	strata := decileStrata(y, observed)

	assignments := make([]Assignment, 0, folds*repeats)
	for rep := 0; rep < repeats; rep++ {
		rng := rand.New(rand.NewSource(seed + repeatSeedStride*int64(rep)))

		foldOf := make(map[int]int, len(observed))
		for _, stratum := range strata {
			shuffled := make([]int, len(stratum))
			copy(shuffled, stratum)
			rng.Shuffle(len(shuffled), func(a, b int) {
				shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
			})
			for pos, idx := range shuffled {
				foldOf[idx] = pos % folds
			}
		}

		for f := 0; f < folds; f++ {
			a := Assignment{Repeat: rep, Fold: f}
			for _, idx := range observed {
				if foldOf[idx] == f {
					a.TestIdx = append(a.TestIdx, idx)
				} else {
					a.TrainIdx = append(a.TrainIdx, idx)
				}
			}
			assignments = append(assignments, a)
		}
	}
	return assignments, nil
}

// decileStrata buckets the observed rows into ten equal-occupancy strata by
// target rank. Deterministic: ties break by row index.
func decileStrata(y []float64, observed []int) [][]int {
	ranked := make([]int, len(observed))
	copy(ranked, observed)
	sort.SliceStable(ranked, func(a, b int) bool {
		if y[ranked[a]] != y[ranked[b]] {
			return y[ranked[a]] < y[ranked[b]]
		}
		return ranked[a] < ranked[b]
	})

	strata := make([][]int, 10)
	n := len(ranked)
	for pos, idx := range ranked {
		d := pos * 10 / n
		strata[d] = append(strata[d], idx)
	}
	out := make([][]int, 0, 10)
	for _, s := range strata {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}
