package dsep

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
	"traitcast/internal/meanmodel"
)

// TestSlopeEquality decides whether a directed cause -> effect edge should
// be added only within specific group levels. It fits a pooled model (one
// shared slope for the cause) and a grouped model (a slope deviation per
// group level), compares them by AIC, and reports the likelihood-ratio
// p-value for diagnostics. Group levels below MinGroupN are excluded from
// deviation terms and flagged unstable.
func (v *Validator) TestSlopeEquality(data *Matrix, cause, effect sem.Variable, parents []sem.Variable, groupKind trait.GroupKind) (*sem.SlopeEqualityResult, error) {
	if len(data.GroupLabels) != data.N {
		return nil, errors.InvalidInput("group labels must cover every row")
	}

	effectCol, ok := data.Columns[effect]
	if !ok {
		return nil, errors.InvalidInput("unknown effect variable " + string(effect))
	}
	causeCol, ok := data.Columns[cause]
	if !ok {
		return nil, errors.InvalidInput("unknown cause variable " + string(cause))
	}
	parentCols := make([][]float64, len(parents))
	for i, p := range parents {
		col, ok := data.Columns[p]
		if !ok {
			return nil, errors.InvalidInput("unknown parent variable " + string(p))
		}
		parentCols[i] = col
	}

	// Complete, labeled cases only.
	var idx []int
	for i := 0; i < data.N; i++ {
		if data.GroupLabels[i] == "" || math.IsNaN(effectCol[i]) || math.IsNaN(causeCol[i]) {
			continue
		}
		complete := true
		for _, pc := range parentCols {
			if math.IsNaN(pc[i]) {
				complete = false
				break
			}
		}
		if complete {
			idx = append(idx, i)
		}
	}

	result := &sem.SlopeEqualityResult{
		Cause:     cause,
		Effect:    effect,
		GroupKind: groupKind,
	}

	levels := distinctLevels(labelsAt(data.GroupLabels, idx))
	stable := make([]string, 0, len(levels))
	for _, level := range levels {
		n := 0
		for _, i := range idx {
			if data.GroupLabels[i] == level {
				n++
			}
		}
		if n >= v.MinGroupN {
			stable = append(stable, level)
		} else {
			result.Warnings = append(result.Warnings, errors.WarningGroupInstability)
		}
	}
	if len(stable) < 2 {
		return nil, errors.DataError("slope equality test needs at least two stable group levels")
	}

	// Pooled design: intercept + parents + shared cause slope.
	sharedCols := 2 + len(parentCols)
	rssShared, okShared := fitRSS(data, effectCol, causeCol, parentCols, idx, nil)
	if !okShared {
		return nil, errors.FitError("pooled slope model is singular")
	}

	// Grouped design adds one deviation column per stable level after the
	// first; the first level is the reference.
	deviationLevels := stable[1:]
	groupedCols := sharedCols + len(deviationLevels)
	rssGrouped, deltas, okGrouped := fitRSSGrouped(data, effectCol, causeCol, parentCols, idx, deviationLevels)
	if !okGrouped {
		return nil, errors.FitError("grouped slope model is singular")
	}

	n := len(idx)
	result.AICShared = meanmodel.AIC(rssShared, n, sharedCols)
	result.AICGrouped = meanmodel.AIC(rssGrouped, n, groupedCols)

	if rssGrouped > 0 && rssShared >= rssGrouped {
		result.LRStatistic = float64(n) * math.Log(rssShared/rssGrouped)
	}
	dfDiff := len(deviationLevels)
	if dfDiff > 0 && result.LRStatistic > 0 {
		chi2 := distuv.ChiSquared{K: float64(dfDiff)}
		result.LRPValue = 1 - chi2.CDF(result.LRStatistic)
	} else {
		result.LRPValue = 1
	}

	// A grouped model beating the pooled one by more than 2 AIC units adds
	// the edge within the deviating levels only.
	if result.AICGrouped+2 < result.AICShared {
		for i, level := range deviationLevels {
			if math.Abs(deltas[i]) > 0 {
				result.AddWithin = append(result.AddWithin, level)
			}
		}
	}
	return result, nil
}

func labelsAt(labels []string, idx []int) []string {
	out := make([]string, len(idx))
	for r, i := range idx {
		out[r] = labels[i]
	}
	return out
}

// fitRSS fits effect ~ intercept + parents + cause over idx and returns the
// residual sum of squares.
func fitRSS(data *Matrix, effectCol, causeCol []float64, parentCols [][]float64, idx []int, _ []string) (float64, bool) {
	n := len(idx)
	p := 2 + len(parentCols)
	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for r, i := range idx {
		x.Set(r, 0, 1)
		for c, pc := range parentCols {
			x.Set(r, c+1, pc[i])
		}
		x.Set(r, p-1, causeCol[i])
		y.SetVec(r, effectCol[i])
	}
	return solveRSS(x, y)
}

// fitRSSGrouped extends the pooled design with per-level slope deviation
// columns and returns the fitted deviations.
func fitRSSGrouped(data *Matrix, effectCol, causeCol []float64, parentCols [][]float64, idx []int, deviationLevels []string) (float64, []float64, bool) {
	n := len(idx)
	base := 2 + len(parentCols)
	p := base + len(deviationLevels)
	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for r, i := range idx {
		x.Set(r, 0, 1)
		for c, pc := range parentCols {
			x.Set(r, c+1, pc[i])
		}
		x.Set(r, base-1, causeCol[i])
		for d, level := range deviationLevels {
			if data.GroupLabels[i] == level {
				x.Set(r, base+d, causeCol[i])
			}
		}
		y.SetVec(r, effectCol[i])
	}

	var qr mat.QR
	qr.Factorize(x)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		return 0, nil, false
	}

	rss := 0.0
	for r := 0; r < n; r++ {
		fitted := 0.0
		for c := 0; c < p; c++ {
			fitted += x.At(r, c) * beta.AtVec(c)
		}
		d := y.AtVec(r) - fitted
		rss += d * d
	}
	deltas := make([]float64, len(deviationLevels))
	for d := range deviationLevels {
		deltas[d] = beta.AtVec(base + d)
	}
	return rss, deltas, true
}

func solveRSS(x *mat.Dense, y *mat.VecDense) (float64, bool) {
	var qr mat.QR
	qr.Factorize(x)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		return 0, false
	}
	n, p := x.Dims()
	rss := 0.0
	for r := 0; r < n; r++ {
		fitted := 0.0
		for c := 0; c < p; c++ {
			fitted += x.At(r, c) * beta.AtVec(c)
		}
		d := y.AtVec(r) - fitted
		rss += d * d
	}
	return rss, true
}
