// Package phylo provides the phylogenetic distance matrix port over a CSV
// edge list of pairwise distances.
package phylo

import (
	"context"
	"encoding/csv"
	"os"
	"sort"
	"strconv"
	"strings"

	"traitcast/domain/core"
	"traitcast/internal/errors"
	"traitcast/ports"
)

type pairKey struct {
	a, b core.SpeciesID
}

// Matrix is an in-memory symmetric distance lookup.
type Matrix struct {
	distances map[pairKey]float64
}

var _ ports.DistanceMatrixPort = (*Matrix)(nil)

// NewMatrix builds a matrix from explicit pair distances. Order of the pair
// does not matter.
func NewMatrix(pairs map[[2]core.SpeciesID]float64) *Matrix {
	m := &Matrix{distances: make(map[pairKey]float64, len(pairs))}
	for pair, d := range pairs {
		m.distances[canonical(pair[0], pair[1])] = d
	}
	return m
}

// LoadCSV reads a three-column edge list: species_a, species_b, distance.
// A header row is skipped when the third column is not numeric.
func LoadCSV(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.StorageError("failed to open distance file", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.StorageError("failed to parse distance file", err)
	}

	m := &Matrix{distances: make(map[pairKey]float64, len(rows))}
	for i, row := range rows {
		if len(row) < 3 {
			return nil, errors.DataError("distance file rows need three columns")
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if err != nil {
			if i == 0 {
				continue // header
			}
			return nil, errors.DataError("distance file row " + strconv.Itoa(i+1) + ": not a number")
		}
		if d < 0 {
			return nil, errors.DataError("distance file row " + strconv.Itoa(i+1) + ": negative distance")
		}
		a := core.SpeciesID(strings.TrimSpace(row[0]))
		b := core.SpeciesID(strings.TrimSpace(row[1]))
		m.distances[canonical(a, b)] = d
	}
	return m, nil
}

func canonical(a, b core.SpeciesID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// Distance returns the pairwise distance; a species pairs with itself at 0.
func (m *Matrix) Distance(_ context.Context, a, b core.SpeciesID) (float64, bool, error) {
	if a == b {
		return 0, true, nil
	}
	d, ok := m.distances[canonical(a, b)]
	return d, ok, nil
}

// Neighbors returns up to k candidates ordered by increasing distance.
// Candidates without a known distance are skipped; ties break on species
// identifier so results are stable.
func (m *Matrix) Neighbors(ctx context.Context, of core.SpeciesID, candidates []core.SpeciesID, k int) ([]core.SpeciesID, error) {
	type scored struct {
		id   core.SpeciesID
		dist float64
	}
	var pool []scored
	for _, c := range candidates {
		if c == of {
			continue
		}
		d, ok, err := m.Distance(ctx, of, c)
		if err != nil {
			return nil, err
		}
		if ok {
			pool = append(pool, scored{id: c, dist: d})
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].dist != pool[j].dist {
			return pool[i].dist < pool[j].dist
		}
		return pool[i].id < pool[j].id
	})
	if k > len(pool) {
		k = len(pool)
	}
	out := make([]core.SpeciesID, k)
	for i := 0; i < k; i++ {
		out[i] = pool[i].id
	}
	return out, nil
}
