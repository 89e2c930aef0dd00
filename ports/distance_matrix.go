package ports

import (
	"context"

	"traitcast/domain/core"
)

// DistanceMatrixPort provides pairwise phylogenetic distance over species
// identifiers. Consumed only as an optional auxiliary predictor outside the
// primary modeling path.
type DistanceMatrixPort interface {
	// Distance returns the pairwise distance between two species, or
	// ok=false when either species is absent from the matrix.
	Distance(ctx context.Context, a, b core.SpeciesID) (dist float64, ok bool, err error)

	// Neighbors returns up to k nearest species drawn from the candidate
	// set, ordered by increasing distance.
	Neighbors(ctx context.Context, of core.SpeciesID, candidates []core.SpeciesID, k int) ([]core.SpeciesID, error)
}
