// Package composite builds fold-trained low-rank projections of correlated
// trait subsets into single scalar axes. All statistics (means, SDs,
// projection direction) are computed from training-fold rows only and carried
// in an explicit fold-scoped Projection value, so scoring held-out rows can
// never leak test-fold information.
package composite

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// minTraitObservations is the smallest number of non-missing training values
// a trait needs to participate in a fold's projection.
const minTraitObservations = 3

// Projection is the fold-trained linear projection for one composite axis.
// Write-once: Fit constructs it, Score reads it.
type Projection struct {
	Spec     trait.CompositeSpec
	Traits   []trait.Trait // member traits that survived validity checks, in spec order
	Means    map[trait.Trait]float64
	SDs      map[trait.Trait]float64
	Loadings map[trait.Trait]float64
	TrainN   int // complete-case training rows behind the projection
}

// Fit trains a projection on the training-fold rows identified by trainIdx.
// Traits with fewer than minTraitObservations finite training values are
// excluded; if fewer than two traits remain the composite is missing for the
// fold and a DataError is returned rather than an imputed axis.
func Fit(rows []trait.Record, trainIdx []int, spec trait.CompositeSpec) (*Projection, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid composite spec")
	}

	valid := validTraits(rows, trainIdx, spec)
	if len(valid) < 2 {
		return nil, errors.DataError(fmt.Sprintf(
			"composite %s: only %d of %d traits have enough training data; axis missing for this fold",
			spec.Name, len(valid), len(spec.Traits)))
	}

	means, sds, err := trainMoments(rows, trainIdx, valid)
	if err != nil {
		return nil, err
	}

	// Complete cases only: a row contributes to the projection direction
	// when every surviving trait is present.
	standardized := make([][]float64, 0, len(trainIdx))
	for _, idx := range trainIdx {
		z, ok := standardize(rows[idx], valid, means, sds)
		if ok {
			standardized = append(standardized, z)
		}
	}
	if len(standardized) <= len(valid) {
		return nil, errors.DataError(fmt.Sprintf(
			"composite %s: %d complete training rows for %d traits; axis missing for this fold",
			spec.Name, len(standardized), len(valid)))
	}

	loadings, err := firstPrincipalAxis(standardized, len(valid))
	if err != nil {
		return nil, errors.Wrapf(err, "composite %s", spec.Name)
	}

	p := &Projection{
		Spec:     spec,
		Traits:   valid,
		Means:    means,
		SDs:      sds,
		Loadings: make(map[trait.Trait]float64, len(valid)),
		TrainN:   len(standardized),
	}
	for i, t := range valid {
		p.Loadings[t] = loadings[i]
	}
	p.orientToReference()
	return p, nil
}

// Score projects one species onto the composite axis using the fold's
// training statistics. Rows missing any member trait score as missing.
func (p *Projection) Score(r trait.Record) (float64, bool) {
	z, ok := standardize(r, p.Traits, p.Means, p.SDs)
	if !ok {
		return math.NaN(), false
	}
	score := 0.0
	for i, t := range p.Traits {
		score += z[i] * p.Loadings[t]
	}
	return score, true
}

// ScoreAll projects every row, returning NaN where the score is missing.
func (p *Projection) ScoreAll(rows []trait.Record) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		if s, ok := p.Score(r); ok {
			out[i] = s
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// orientToReference fixes the projection sign so the reference trait loads
// non-negatively. When the reference trait was excluded for missingness the
// first surviving trait anchors the sign instead, keeping orientation
// deterministic across folds.
func (p *Projection) orientToReference() {
	anchor := p.Spec.Reference
	if _, ok := p.Loadings[anchor]; !ok {
		anchor = p.Traits[0]
	}
	if p.Loadings[anchor] < 0 {
		for t := range p.Loadings {
			p.Loadings[t] = -p.Loadings[t]
		}
	}
}

func validTraits(rows []trait.Record, trainIdx []int, spec trait.CompositeSpec) []trait.Trait {
	valid := make([]trait.Trait, 0, len(spec.Traits))
	for _, t := range spec.Traits {
		count := 0
		for _, idx := range trainIdx {
			if _, ok := rows[idx].TraitValue(t); ok {
				count++
			}
		}
		if count >= minTraitObservations {
			valid = append(valid, t)
		}
	}
	return valid
}

func trainMoments(rows []trait.Record, trainIdx []int, traits []trait.Trait) (means, sds map[trait.Trait]float64, err error) {
	means = make(map[trait.Trait]float64, len(traits))
	sds = make(map[trait.Trait]float64, len(traits))
	for _, t := range traits {
		values := make([]float64, 0, len(trainIdx))
		for _, idx := range trainIdx {
			if v, ok := rows[idx].TraitValue(t); ok {
				values = append(values, v)
			}
		}
		mean, sd := stat.MeanStdDev(values, nil)
		if sd == 0 || math.IsNaN(sd) {
			return nil, nil, errors.DataError(fmt.Sprintf("trait %s has zero variance in training fold", t))
		}
		means[t] = mean
		sds[t] = sd
	}
	return means, sds, nil
}

func standardize(r trait.Record, traits []trait.Trait, means, sds map[trait.Trait]float64) ([]float64, bool) {
	z := make([]float64, len(traits))
	for i, t := range traits {
		v, ok := r.TraitValue(t)
		if !ok {
			return nil, false
		}
		z[i] = (v - means[t]) / sds[t]
	}
	return z, true
}

// firstPrincipalAxis returns the unit eigenvector of the sample covariance
// matrix belonging to its largest eigenvalue.
func firstPrincipalAxis(standardized [][]float64, dims int) ([]float64, error) {
	x := mat.NewDense(len(standardized), dims, nil)
	for i, row := range standardized {
		x.SetRow(i, row)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return nil, errors.FitError("eigendecomposition of trait covariance failed")
	}

	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// gonum orders eigenvalues ascending; the last column is the first
	// principal axis.
	loadings := make([]float64, dims)
	last := dims - 1
	for i := 0; i < dims; i++ {
		loadings[i] = vectors.At(i, last)
	}
	return loadings, nil
}
